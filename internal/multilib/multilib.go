// Package multilib implements Multilib, the target-code build and
// packaging-layout description from spec §3.
//
// Grounded on sourcery/multilib.py. A Multilib only describes target
// code (code for which a cross compiler ships in the toolchain); the
// BuildCfg it computes at Finalize cannot be used until the install tree
// containing that compiler is available, since cross-toolchain
// bootstraps build a compiler more than once.
package multilib

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildcfg"
	"github.com/sourcerytools/sbgo/internal/fstree"
)

// Component is the subset of a configured component instance Multilib
// needs: its copy name (for diagnostics) and whether its libc is
// sysrooted. ReleaseConfig implementations supply this from the
// component registry.
type Component interface {
	CopyName() string
	SysrootedLibc() bool
}

// ReleaseConfig is the subset of release-config state Multilib.Finalize
// and Multilib.MoveSysrootExecutables need; internal/relcfg's
// ReleaseConfig satisfies it.
type ReleaseConfig interface {
	GetComponent(name string) (Component, error)
	Target() string
	SysrootRel() string
	Multilibs() []*Multilib
}

// Multilib describes how target code is built and packaged: its
// compiler/libc components, compiler options, sysroot layout, and the
// BuildCfg derived from all of that once finalized against a
// ReleaseConfig.
type Multilib struct {
	ctx *sbgo.Ctx

	compilerName string
	libcName     string // "" means "no libc" (externally built libraries)
	ccopts       []string
	toolOpts     map[string][]string

	sysrootSuffixSet bool
	sysrootSuffix    string
	headersSuffixSet bool
	headersSuffix    string
	sysrootOsdirSet  bool
	sysrootOsdir     string
	osdirSet         bool
	osdir            string
	targetSet        bool
	target           string

	finalized bool
	relcfg    ReleaseConfig

	Compiler Component
	Libc     Component // nil if libcName == ""

	SysrootSuffix string // "" (unset) once finalized means non-sysrooted
	HeadersSuffix string
	SysrootRel    string
	HeadersRel    string
	SysrootOsdir  string
	Osdir         string
	Target        string
	BuildCfg      *buildcfg.BuildCfg

	sysrooted bool
}

// Opt configures a Multilib at construction time.
type Opt func(*Multilib)

// WithToolOpts sets per-tool extra options, as in buildcfg.WithToolOpts.
func WithToolOpts(opts map[string][]string) Opt {
	return func(m *Multilib) {
		m.toolOpts = make(map[string][]string, len(opts))
		for k, v := range opts {
			m.toolOpts[k] = append([]string{}, v...)
		}
	}
}

// WithSysrootSuffix sets the sysroot subdirectory; "." means the
// top-level sysroot directory. Only valid for sysrooted libc
// implementations.
func WithSysrootSuffix(suffix string) Opt {
	return func(m *Multilib) { m.sysrootSuffixSet = true; m.sysrootSuffix = suffix }
}

// WithHeadersSuffix sets the headers subdirectory, analogous to
// WithSysrootSuffix.
func WithHeadersSuffix(suffix string) Opt {
	return func(m *Multilib) { m.headersSuffixSet = true; m.headersSuffix = suffix }
}

// WithSysrootOsdir sets the library directory name relative to "lib"
// inside the sysroot.
func WithSysrootOsdir(osdir string) Opt {
	return func(m *Multilib) { m.sysrootOsdirSet = true; m.sysrootOsdir = osdir }
}

// WithOsdir sets the library directory name outside the sysroot (the
// output of -print-multi-os-directory); defaults to the concatenation
// of SysrootOsdir and SysrootSuffix.
func WithOsdir(osdir string) Opt {
	return func(m *Multilib) { m.osdirSet = true; m.osdir = osdir }
}

// WithTarget overrides the configured GNU triplet used as the host for
// code built for this multilib; defaults to the release config's
// target.
func WithTarget(target string) Opt {
	return func(m *Multilib) { m.targetSet = true; m.target = target }
}

// New constructs a Multilib. compiler and libc are component copy
// names; libc may be "" if this multilib uses externally built
// libraries (compiler libraries are still built in that case). ccopts
// are the compiler options used to build code for this multilib.
func New(ctx *sbgo.Ctx, compiler, libc string, ccopts []string, opts ...Opt) (*Multilib, error) {
	if compiler == "" {
		return nil, sbgo.NewConfigError("multilib compiler must be a non-empty component name")
	}
	m := &Multilib{
		ctx:          ctx,
		compilerName: compiler,
		libcName:     libc,
		ccopts:       append([]string{}, ccopts...),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Finalize binds this Multilib to relcfg, resolving its compiler/libc
// components and deriving the sysroot layout and BuildCfg. It may be
// called at most once.
func (m *Multilib) Finalize(relcfg ReleaseConfig) error {
	if m.finalized {
		return sbgo.NewConfigError("multilib already finalized")
	}
	m.finalized = true
	m.relcfg = relcfg

	compiler, err := relcfg.GetComponent(m.compilerName)
	if err != nil {
		return err
	}
	m.Compiler = compiler

	if m.libcName != "" {
		libc, err := relcfg.GetComponent(m.libcName)
		if err != nil {
			return err
		}
		m.Libc = libc
		m.sysrooted = libc.SysrootedLibc()
	} else {
		m.sysrooted = m.sysrootSuffixSet
	}

	if m.sysrooted {
		m.SysrootSuffix = orDefault(m.sysrootSuffixSet, m.sysrootSuffix, ".")
		m.HeadersSuffix = orDefault(m.headersSuffixSet, m.headersSuffix, ".")
		m.SysrootOsdir = orDefault(m.sysrootOsdirSet, m.sysrootOsdir, ".")
		m.SysrootRel = path.Clean(path.Join(relcfg.SysrootRel(), m.SysrootSuffix))
		m.HeadersRel = path.Clean(path.Join(relcfg.SysrootRel(), m.HeadersSuffix))
	} else {
		if m.sysrootSuffixSet {
			return sbgo.NewConfigError("sysroot suffix for non-sysrooted libc")
		}
		if m.headersSuffixSet {
			return sbgo.NewConfigError("headers suffix for non-sysrooted libc")
		}
		if m.sysrootOsdirSet {
			return sbgo.NewConfigError("sysroot osdir for non-sysrooted libc")
		}
	}

	if m.osdirSet {
		m.Osdir = m.osdir
	} else {
		m.Osdir = m.defaultOsdir()
	}

	if m.targetSet {
		m.Target = m.target
	} else {
		m.Target = relcfg.Target()
	}

	toolPrefix := relcfg.Target() + "-"
	cfg, err := buildcfg.New(m.ctx, m.Target,
		buildcfg.WithToolPrefix(toolPrefix),
		buildcfg.WithCCOpts(m.ccopts),
		buildcfg.WithToolOpts(m.toolOpts))
	if err != nil {
		return err
	}
	m.BuildCfg = cfg
	return nil
}

func orDefault(set bool, val, def string) string {
	if set {
		return val
	}
	return def
}

func (m *Multilib) defaultOsdir() string {
	if m.sysrooted {
		return path.Clean(path.Join(m.SysrootOsdir, m.SysrootSuffix))
	}
	return "."
}

// String renders m the way a Multilib call might appear in a release
// config, omitting the context argument, matching the source's
// __repr__.
func (m *Multilib) String() string {
	args := []string{fmt.Sprintf("%q", m.Compiler.CopyName())}
	if m.Libc == nil {
		args = append(args, "None")
	} else {
		args = append(args, fmt.Sprintf("%q", m.Libc.CopyName()))
	}
	args = append(args, fmt.Sprintf("%v", m.ccopts))
	if len(m.toolOpts) > 0 {
		keys := make([]string, 0, len(m.toolOpts))
		for k := range m.toolOpts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%q: %v", k, m.toolOpts[k]))
		}
		args = append(args, fmt.Sprintf("tool_opts={%s}", strings.Join(parts, ", ")))
	}
	if m.sysrooted && (m.SysrootSuffix != "." || m.Libc == nil) {
		args = append(args, fmt.Sprintf("sysroot_suffix=%q", m.SysrootSuffix))
	}
	if m.sysrooted && m.HeadersSuffix != "." {
		args = append(args, fmt.Sprintf("headers_suffix=%q", m.HeadersSuffix))
	}
	if m.sysrooted && m.SysrootOsdir != "." {
		args = append(args, fmt.Sprintf("sysroot_osdir=%q", m.SysrootOsdir))
	}
	if m.Osdir != m.defaultOsdir() {
		args = append(args, fmt.Sprintf("osdir=%q", m.Osdir))
	}
	if m.relcfg != nil && m.Target != m.relcfg.Target() {
		args = append(args, fmt.Sprintf("target=%q", m.Target))
	}
	return "Multilib(" + strings.Join(args, ", ") + ")"
}

// MoveSysrootExecutables moves executables from the given directories
// in a shared sysroot to a per-multilib directory such as
// usr/lib/<osdir>/bin, avoiding conflicts between multilibs that share
// a library directory such as usr/bin. When only one multilib shares
// this sysroot suffix, a copy is left in the original directory too,
// for convenience; the moved tree otherwise still contains the
// original (now possibly empty) directories.
func (m *Multilib) MoveSysrootExecutables(tree fstree.Recipe, dirs []string) (fstree.Recipe, error) {
	if !m.sysrooted {
		return nil, sbgo.NewConfigError("MoveSysrootExecutables called for non-sysroot multilib")
	}
	dirDst := path.Clean(path.Join("usr/lib", m.SysrootOsdir, "bin"))

	numMultilibs := 0
	if m.relcfg != nil {
		for _, other := range m.relcfg.Multilibs() {
			if other.sysrooted && other.SysrootSuffix == m.SysrootSuffix {
				numMultilibs++
			}
		}
	}

	for _, dirSrc := range dirs {
		treeSrc := fstree.RecipeExtractOne{Inner: tree, Path: dirSrc}
		treeMoved := fstree.RecipeMove{Inner: treeSrc, Subdir: dirDst}
		if numMultilibs > 1 {
			tree = fstree.RecipeRemove{Inner: tree, Paths: []string{dirSrc}}
		}
		tree = fstree.RecipeUnion{First: tree, Second: treeMoved}
		if numMultilibs > 1 {
			empty := fstree.RecipeMove{Inner: fstree.RecipeEmpty{}, Subdir: dirSrc}
			tree = fstree.RecipeUnion{First: tree, Second: empty}
		}
	}
	return tree, nil
}
