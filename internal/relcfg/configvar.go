// Package relcfg implements the release-configuration object model and
// loader from spec §3 and §4.8: a typed, hierarchical, finalizable
// namespace of configuration variables (ConfigVarGroup/ConfigVar/
// ConfigVarType), and the ReleaseConfig that composes them with the
// component registry, multilib list, and install-tree namespace.
//
// Grounded on sourcery/relcfg.py.
package relcfg

import (
	"fmt"
	"sort"

	"github.com/sourcerytools/sbgo"
)

// VarType describes the values a ConfigVar may be set to: a closed set
// of variants (Scalar/List/Dict/StrEnum in this package), each able to
// check and convert a candidate value. Checking only applies to values
// passed to Set/SetImplicit, not to a variable's initial value, so an
// initial value may be a sentinel ineligible for later assignment.
type VarType interface {
	// Check validates value for a variable named name, returning the
	// value after any conversions (list/tuple -> slice normalization,
	// mapping -> map copy). name is used only for diagnostics.
	Check(name string, value interface{}) (interface{}, error)
}

// ScalarType accepts a value whose Go dynamic type is one of a fixed
// set, checked with a predicate supplied by the caller (e.g.
// "is a string", "is a *buildcfg.BuildCfg").
type ScalarType struct {
	TypeName string
	Accept   func(value interface{}) bool
}

// Scalar constructs a ScalarType.
func Scalar(typeName string, accept func(interface{}) bool) ScalarType {
	return ScalarType{TypeName: typeName, Accept: accept}
}

func (t ScalarType) Check(name string, value interface{}) (interface{}, error) {
	if !t.Accept(value) {
		return nil, sbgo.NewConfigError("bad type for value of release config variable %s: expected %s", name, t.TypeName)
	}
	return value, nil
}

// ListType checks a []interface{} (built from a slice of any concrete
// element type) against an element VarType, returning a normalized
// []interface{}.
type ListType struct{ Elt VarType }

// List constructs a ListType.
func List(elt VarType) ListType { return ListType{Elt: elt} }

func (t ListType) Check(name string, value interface{}) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, sbgo.NewConfigError("bad type for value of release config variable %s: expected a list", name)
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		checked, err := t.Elt.Check(name, item)
		if err != nil {
			return nil, err
		}
		out[i] = checked
	}
	return out, nil
}

// DictType checks a map[interface{}]interface{} against key/value
// VarTypes.
type DictType struct{ Key, Value VarType }

// Dict constructs a DictType.
func Dict(key, value VarType) DictType { return DictType{Key: key, Value: value} }

func (t DictType) Check(name string, value interface{}) (interface{}, error) {
	m, ok := value.(map[interface{}]interface{})
	if !ok {
		return nil, sbgo.NewConfigError("bad type for value of release config variable %s: expected a mapping", name)
	}
	out := make(map[interface{}]interface{}, len(m))
	for k, v := range m {
		ck, err := t.Key.Check(name, k)
		if err != nil {
			return nil, err
		}
		cv, err := t.Value.Check(name, v)
		if err != nil {
			return nil, err
		}
		out[ck] = cv
	}
	return out, nil
}

// StrEnumType restricts a ConfigVar to a fixed set of strings.
type StrEnumType struct{ Values map[string]bool }

// StrEnum constructs a StrEnumType from the given allowed values.
func StrEnum(values ...string) StrEnumType {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return StrEnumType{Values: m}
}

func (t StrEnumType) Check(name string, value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, sbgo.NewConfigError("bad type for value of release config variable %s: expected a string", name)
	}
	if !t.Values[s] {
		return nil, sbgo.NewConfigError("bad value for release config variable %s: %q", name, s)
	}
	return s, nil
}

// ConfigVar is a release config variable: a type descriptor, a value,
// an explicit/implicit flag, an internal flag, and a finalized flag.
// Before finalization, Set/SetImplicit may change the value; afterward
// both return a ConfigError.
type ConfigVar struct {
	name      string
	typ       VarType
	value     interface{}
	explicit  bool
	internal  bool
	finalized bool
	doc       string
}

func newConfigVar(name string, typ VarType, value interface{}, doc string, internal bool) *ConfigVar {
	return &ConfigVar{name: name, typ: typ, value: value, doc: doc, internal: internal}
}

func (v *ConfigVar) requireNotFinalized() error {
	if v.finalized {
		return sbgo.NewConfigError("release config variable %s modified after finalization", v.name)
	}
	return nil
}

// Set assigns value, type-checked against this variable's VarType, and
// marks it explicit.
func (v *ConfigVar) Set(value interface{}) error {
	if err := v.requireNotFinalized(); err != nil {
		return err
	}
	checked, err := v.typ.Check(v.name, value)
	if err != nil {
		return err
	}
	v.value = checked
	v.explicit = true
	return nil
}

// SetImplicit assigns value like Set but does not mark the variable
// explicit; intended for component defaults and values computed after
// the config is read, not for direct use by release configs.
func (v *ConfigVar) SetImplicit(value interface{}) error {
	if err := v.requireNotFinalized(); err != nil {
		return err
	}
	checked, err := v.typ.Check(v.name, value)
	if err != nil {
		return err
	}
	v.value = checked
	return nil
}

// Get returns the current value.
func (v *ConfigVar) Get() interface{} { return v.value }

// Explicit reports whether the variable was explicitly set.
func (v *ConfigVar) Explicit() bool { return v.explicit }

// Internal reports whether this is an internal variable, set only by
// ReleaseConfig after the config is read, never directly by configs.
func (v *ConfigVar) Internal() bool { return v.internal }

func (v *ConfigVar) finalize() { v.finalized = true }

// ConfigVarGroup is a namespace of named ConfigVars and nested groups,
// with hierarchical dotted names. Finalization disallows future changes
// to the group or anything within it.
type ConfigVarGroup struct {
	name       string
	namePrefix string
	finalized  bool
	vars       map[string]*ConfigVar
	groups     map[string]*ConfigVarGroup
}

// NewConfigVarGroup constructs an empty ConfigVarGroup with the given
// dotted name (the root group uses "").
func NewConfigVarGroup(name string) *ConfigVarGroup {
	prefix := ""
	if name != "" {
		prefix = name + "."
	}
	return &ConfigVarGroup{
		name:       name,
		namePrefix: prefix,
		vars:       map[string]*ConfigVar{},
		groups:     map[string]*ConfigVarGroup{},
	}
}

// AddVar adds a variable to this group.
func (g *ConfigVarGroup) AddVar(name string, typ VarType, value interface{}, doc string, internal bool) error {
	if g.finalized {
		return sbgo.NewConfigError("variable %s defined after finalization", name)
	}
	if _, ok := g.vars[name]; ok {
		return sbgo.NewConfigError("duplicate variable %s", name)
	}
	if _, ok := g.groups[name]; ok {
		return sbgo.NewConfigError("variable %s duplicates group", name)
	}
	g.vars[name] = newConfigVar(g.namePrefix+name, typ, value, doc, internal)
	return nil
}

// AddGroup adds a nested ConfigVarGroup, e.g. for per-component
// variables.
func (g *ConfigVarGroup) AddGroup(name string) (*ConfigVarGroup, error) {
	if g.finalized {
		return nil, sbgo.NewConfigError("variable group %s defined after finalization", name)
	}
	if _, ok := g.groups[name]; ok {
		return nil, sbgo.NewConfigError("duplicate variable group %s", name)
	}
	if _, ok := g.vars[name]; ok {
		return nil, sbgo.NewConfigError("variable group %s duplicates variable", name)
	}
	sub := NewConfigVarGroup(g.namePrefix + name)
	g.groups[name] = sub
	return sub, nil
}

// Var returns the named variable, or an error if it does not exist.
func (g *ConfigVarGroup) Var(name string) (*ConfigVar, error) {
	if v, ok := g.vars[name]; ok {
		return v, nil
	}
	return nil, sbgo.NewConfigError("no such release config variable %s%s", g.namePrefix, name)
}

// Group returns the named subgroup, or an error if it does not exist.
func (g *ConfigVarGroup) Group(name string) (*ConfigVarGroup, error) {
	if s, ok := g.groups[name]; ok {
		return s, nil
	}
	return nil, sbgo.NewConfigError("no such release config variable group %s%s", g.namePrefix, name)
}

// ListVars returns the names of the variables directly in this group,
// sorted.
func (g *ConfigVarGroup) ListVars() []string {
	names := make([]string, 0, len(g.vars))
	for name := range g.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListGroups returns the names of the subgroups directly in this
// group, sorted.
func (g *ConfigVarGroup) ListGroups() []string {
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Finalize finalizes this group and everything within it. It is run
// automatically after a release config is read.
func (g *ConfigVarGroup) Finalize() {
	g.finalized = true
	for _, v := range g.vars {
		v.finalize()
	}
	for _, s := range g.groups {
		s.Finalize()
	}
}

func (g *ConfigVarGroup) mustVar(name string) *ConfigVar {
	v, err := g.Var(name)
	if err != nil {
		panic(fmt.Sprintf("relcfg: internal variable missing: %v", err))
	}
	return v
}
