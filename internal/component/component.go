// Package component defines the full per-component dispatch table a
// concrete component type implements: the config-time subset
// internal/relcfg needs, the build-task-emitting hooks internal/buildctx
// needs, and the checkout-time hooks internal/vc needs.
//
// Grounded on original_source/sourcery/component.py's base Component
// class. relcfg.ComponentClass and buildctx.ComponentBuilder were
// deliberately kept narrow to avoid import cycles with this package;
// ComponentClass here is the union those two interfaces were always
// meant to be assembled into, plus the two checkout-time hooks
// (files_to_touch, postcheckout) neither of those packages owns.
package component

import (
	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildcfg"
	"github.com/sourcerytools/sbgo/internal/buildctx"
	"github.com/sourcerytools/sbgo/internal/relcfg"
)

// ComponentClass is the complete hook set a component type implements.
type ComponentClass interface {
	relcfg.ComponentClass
	buildctx.ComponentBuilder

	// FilesToTouch returns glob patterns (as for path/filepath.Glob,
	// but evaluated recursively so "**" matches any depth), relative
	// to the component's source directory, of files to touch after
	// checkout so their timestamps don't confuse build systems that
	// infer staleness from them. Files that don't exist are skipped.
	FilesToTouch() []string

	// Postcheckout runs after FilesToTouch's files have been touched.
	// It exists for components whose sources ship their own
	// timestamp-fixing script; it must not do anything beyond
	// adjusting file timestamps.
	Postcheckout(ctx *sbgo.Ctx, comp *relcfg.ComponentInConfig) error
}

// Base implements every ComponentClass hook as a no-op (or, for
// SysrootedLibc/ConfigureOpts/FilesToTouch, the same default
// component.py's base class uses: false, no options, no files).
// Concrete component types embed Base and override only the hooks
// that apply to them.
type Base struct {
	buildctx.BaseBuilder
}

func (Base) AddReleaseConfigVars(*relcfg.ConfigVarGroup) error { return nil }

func (Base) AddDependencies(*relcfg.ReleaseConfig) error { return nil }

func (Base) SysrootedLibc() bool { return false }

func (Base) ConfigureOpts(*relcfg.ReleaseConfig, *buildcfg.PkgHost) ([]string, error) {
	return nil, nil
}

func (Base) FilesToTouch() []string { return nil }

func (Base) Postcheckout(*sbgo.Ctx, *relcfg.ComponentInConfig) error { return nil }

// Registry maps a component's registered name to its class, the form
// both relcfg.New and buildctx.New want, only narrowed to the
// interface each of them actually needs.
type Registry map[string]ComponentClass

// RelcfgClasses narrows reg to the config-time interface relcfg.New
// requires.
func (reg Registry) RelcfgClasses() map[string]relcfg.ComponentClass {
	out := make(map[string]relcfg.ComponentClass, len(reg))
	for name, cls := range reg {
		out[name] = cls
	}
	return out
}

// BuildctxBuilders narrows reg to the task-emitting interface
// buildctx.New requires.
func (reg Registry) BuildctxBuilders() map[string]buildctx.ComponentBuilder {
	out := make(map[string]buildctx.ComponentBuilder, len(reg))
	for name, cls := range reg {
		out[name] = cls
	}
	return out
}
