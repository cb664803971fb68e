package relcfg

import (
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildcfg"
	"github.com/sourcerytools/sbgo/internal/fstree"
	"github.com/sourcerytools/sbgo/internal/multilib"
)

// VC is the subset of version-control behavior a release config variable
// of VC type needs; internal/vc's TarVC/GitVC/SvnVC satisfy it. Declared
// here (rather than imported from internal/vc) to keep relcfg free of a
// dependency on the much narrower, out-of-scope vc package, matching the
// "accept interfaces" split already used for multilib.ReleaseConfig.
type VC interface {
	Checkout(ctx *sbgo.Ctx, srcdir string, update bool) error
}

// ComponentClass is a component's dispatch table of static hooks (spec
// §3's "Components"): the config-variable schema it contributes, its
// declared build dependencies, whether its libc is sysrooted, and its
// configure options for a given host. The task-emitting hooks
// (for_host, for_first_host, ..., init/host_indep/fini) are added by
// internal/component's richer ComponentClass, which embeds this
// interface; relcfg only needs the config-time subset.
type ComponentClass interface {
	AddReleaseConfigVars(group *ConfigVarGroup) error
	AddDependencies(cfg *ReleaseConfig) error
	SysrootedLibc() bool
	ConfigureOpts(cfg *ReleaseConfig, host *buildcfg.PkgHost) ([]string, error)
}

// ComponentInConfig pairs a component class with its copy-name (the
// same component may be instantiated multiple times under distinct
// copy-names, e.g. offloading compilers) and its per-instance variable
// group.
type ComponentInConfig struct {
	OrigName string
	Name     string // copy-name
	Vars     *ConfigVarGroup
	Cls      ComponentClass
}

// CopyName satisfies multilib.Component.
func (c *ComponentInConfig) CopyName() string { return c.Name }

// SysrootedLibc satisfies multilib.Component.
func (c *ComponentInConfig) SysrootedLibc() bool { return c.Cls.SysrootedLibc() }

// Args are the command-line-supplied, non-release-affecting directory
// settings passed to ReleaseConfig construction (srcdir/objdir/pkgdir),
// matching spec's "options that may affect generated binaries should
// only be accepted in development, not for release builds".
type Args struct {
	SrcDir string
	ObjDir string
	PkgDir string
}

// ReleaseConfig holds all configuration required for checking out,
// building, and testing a toolchain: the full ConfigVarGroup tree, the
// component registry, and the multilib list.
type ReleaseConfig struct {
	ctx    *sbgo.Ctx
	args   Args
	vg     *ConfigVarGroup
	classes map[string]ComponentClass

	components       map[string]bool
	componentsFull   []*ComponentInConfig
	componentsByName map[string]*ComponentInConfig

	multilibs []*multilib.Multilib
}

func stringScalar() ScalarType {
	return Scalar("string", func(v interface{}) bool { _, ok := v.(string); return ok })
}

func intScalar() ScalarType {
	return Scalar("int", func(v interface{}) bool { _, ok := v.(int); return ok })
}

func vcScalar() ScalarType {
	return Scalar("VC", func(v interface{}) bool { _, ok := v.(VC); return ok })
}

func pkgHostOrStringScalar() ScalarType {
	return Scalar("PkgHost or string", func(v interface{}) bool {
		switch v.(type) {
		case *buildcfg.PkgHost, string:
			return true
		default:
			return false
		}
	})
}

func multilibScalar() ScalarType {
	return Scalar("*multilib.Multilib", func(v interface{}) bool { _, ok := v.(*multilib.Multilib); return ok })
}

// addReleaseConfigVars sets up vg with the core release config
// variables (spec §3/§4.8) plus, for every registered component class,
// a per-component group with configure_opts/vc/version/source_type/
// srcdirname and whatever that class's own AddReleaseConfigVars adds.
func addReleaseConfigVars(ctx *sbgo.Ctx, vg *ConfigVarGroup, classes map[string]ComponentClass, scriptFull, interp string) error {
	add := func(name string, typ VarType, value interface{}, doc string) error {
		return vg.AddVar(name, typ, value, doc, false)
	}
	if err := add("build", pkgHostOrStringScalar(), nil, "The system on which this config is built."); err != nil {
		return err
	}
	if err := add("hosts", List(pkgHostOrStringScalar()), nil, "The hosts for which this config builds tools."); err != nil {
		return err
	}
	if err := add("target", stringScalar(), nil, "The GNU triplet for which compilation tools built by this config generate code."); err != nil {
		return err
	}
	if err := add("multilibs", List(multilibScalar()), []interface{}{}, "The multilibs built by this config."); err != nil {
		return err
	}
	if err := add("installdir", stringScalar(), "/opt/toolchain", "The configured prefix for the host tools built by this config."); err != nil {
		return err
	}
	if err := add("pkg_prefix", stringScalar(), "toolchain", "The prefix for packages and related files and directories."); err != nil {
		return err
	}
	if err := add("pkg_version", stringScalar(), "1.0", "The version number for a release series."); err != nil {
		return err
	}
	if err := add("pkg_build", intScalar(), 1, "The build number of a single release."); err != nil {
		return err
	}
	if err := add("script_full", stringScalar(), scriptFull, "The expected full path to the script running the build."); err != nil {
		return err
	}
	if err := add("bootstrap_components_vc", Dict(stringScalar(), vcScalar()), map[interface{}]interface{}{}, "Expected VCs of components involved in bootstrapping a checkout."); err != nil {
		return err
	}
	if err := add("bootstrap_components_version", Dict(stringScalar(), stringScalar()), map[interface{}]interface{}{}, "Expected versions of components involved in bootstrapping a checkout."); err != nil {
		return err
	}
	if err := add("interp", stringScalar(), interp, "The expected full path to the interpreter running the build script."); err != nil {
		return err
	}
	if err := add("env_set", Dict(stringScalar(), stringScalar()), map[interface{}]interface{}{}, "Environment variables to set for building this config."); err != nil {
		return err
	}
	if err := add("source_date_epoch", intScalar(), int(time.Now().Unix()), "Timestamp to use for generated packages."); err != nil {
		return err
	}

	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		group, err := vg.AddGroup(name)
		if err != nil {
			return err
		}
		if err := group.AddVar("configure_opts", List(stringScalar()), []interface{}{}, "Options to pass to 'configure' for this component.", false); err != nil {
			return err
		}
		if err := group.AddVar("vc", vcScalar(), nil, "The version control location from which sources for this component are checked out.", false); err != nil {
			return err
		}
		if err := group.AddVar("version", stringScalar(), nil, "A version number or name for this component.", false); err != nil {
			return err
		}
		if err := group.AddVar("source_type", StrEnum("open", "closed", "none"), nil, "Whether sources are packaged in the source package, the backup package, or not present.", false); err != nil {
			return err
		}
		if err := group.AddVar("srcdirname", stringScalar(), name, "A prefix to use in names of source directories.", false); err != nil {
			return err
		}
		if err := classes[name].AddReleaseConfigVars(group); err != nil {
			return err
		}
	}
	return nil
}

// New constructs a ReleaseConfig by loading the named config with
// loader, against the given component-class registry. ctx.Script is
// used for diagnostics; scriptFull/interp populate the script_full/
// interp defaults (normally the running binary's path and empty,
// respectively, since this module has no Python interpreter).
func New(ctx *sbgo.Ctx, classes map[string]ComponentClass, args Args, loader Loader, name, scriptFull, interp string) (*ReleaseConfig, error) {
	vg := NewConfigVarGroup("")
	if err := addReleaseConfigVars(ctx, vg, classes, scriptFull, interp); err != nil {
		return nil, err
	}
	rc := &ReleaseConfig{
		ctx:        ctx,
		args:       args,
		vg:         vg,
		classes:    classes,
		components: map[string]bool{"package": true},
	}
	if err := loader.LoadConfig(rc, name); err != nil {
		return nil, err
	}

	bootVC := rc.mustVar("bootstrap_components_vc").Get().(map[interface{}]interface{})
	bootVer := rc.mustVar("bootstrap_components_version").Get().(map[interface{}]interface{})
	if err := checkKeysMatch(bootVC, bootVer); err != nil {
		return nil, err
	}

	envSet := rc.mustVar("env_set").Get().(map[interface{}]interface{})
	envSet["SOURCE_DATE_EPOCH"] = fmt.Sprintf("%d", rc.mustVar("source_date_epoch").Get().(int))

	if err := rc.resolveHosts(); err != nil {
		return nil, err
	}

	installdir := rc.mustVar("installdir").Get().(string)
	installdirRel := installdir[1:]
	target := rc.mustVar("target").Get().(string)
	pkgPrefix := rc.mustVar("pkg_prefix").Get().(string)
	pkgVersion := rc.mustVar("pkg_version").Get().(string)
	pkgBuild := rc.mustVar("pkg_build").Get().(int)
	version := fmt.Sprintf("%s-%d", pkgVersion, pkgBuild)

	internalVars := []struct {
		name  string
		typ   VarType
		value interface{}
		doc   string
	}{
		{"installdir_rel", stringScalar(), installdirRel, "installdir without the leading '/'."},
		{"bindir", stringScalar(), path.Join(installdir, "bin"), "Configured directory for host binaries."},
		{"bindir_rel", stringScalar(), path.Join(installdirRel, "bin"), "bindir without the leading '/'."},
		{"sysroot", stringScalar(), fmt.Sprintf("%s/%s/libc", installdir, target), "Configured directory for the target sysroot."},
		{"sysroot_rel", stringScalar(), fmt.Sprintf("%s/%s/libc", installdirRel, target), "sysroot without the leading '/'."},
		{"info_dir_rel", stringScalar(), path.Join(installdirRel, "share/info/dir"), "Configured location of the info directory."},
		{"version", stringScalar(), version, "The version number of this release."},
		{"pkg_name_no_target_build", stringScalar(), fmt.Sprintf("%s-%s", pkgPrefix, pkgVersion), "Prefix and version, without the build number."},
		{"pkg_name_full", stringScalar(), fmt.Sprintf("%s-%s-%s", pkgPrefix, version, target), "Prefix, version and target of this release."},
		{"pkg_name_no_version", stringScalar(), fmt.Sprintf("%s-%s", pkgPrefix, target), "Prefix and target of this release."},
	}
	for _, v := range internalVars {
		if err := vg.AddVar(v.name, v.typ, v.value, v.doc, true); err != nil {
			return nil, err
		}
	}

	if err := rc.buildComponentsFull(); err != nil {
		return nil, err
	}

	for _, ml := range rc.Multilibs() {
		if err := ml.Finalize(rc); err != nil {
			return nil, err
		}
	}

	vg.Finalize()
	return rc, nil
}

func (rc *ReleaseConfig) mustVar(name string) *ConfigVar { return rc.vg.mustVar(name) }

// Context returns the build context this config was loaded against,
// for callers (internal/buildtask, internal/component) that need it
// for diagnostics.
func (rc *ReleaseConfig) Context() *sbgo.Ctx { return rc.ctx }

// Hosts returns the resolved list of hosts this config builds tools
// for, first host first (the first host always equals the build
// system, enforced by resolveHosts).
func (rc *ReleaseConfig) Hosts() []*buildcfg.PkgHost {
	raw := rc.mustVar("hosts").Get().([]interface{})
	out := make([]*buildcfg.PkgHost, len(raw))
	for i, h := range raw {
		out[i] = h.(*buildcfg.PkgHost)
	}
	return out
}

func checkKeysMatch(a, b map[interface{}]interface{}) error {
	if len(a) != len(b) {
		return sbgo.NewConfigError("inconsistent set of bootstrap components")
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return sbgo.NewConfigError("inconsistent set of bootstrap components")
		}
	}
	return nil
}

func (rc *ReleaseConfig) resolveHosts() error {
	buildVar := rc.mustVar("build")
	buildRaw := buildVar.Get()
	var buildHost *buildcfg.PkgHost
	switch b := buildRaw.(type) {
	case *buildcfg.PkgHost:
		buildHost = b
	case string:
		h, err := buildcfg.NewPkgHost(rc.ctx, b, nil)
		if err != nil {
			return err
		}
		buildHost = h
		if err := buildVar.SetImplicit(buildHost); err != nil {
			return err
		}
	default:
		return sbgo.NewConfigError("release config must set build")
	}

	hostsVar := rc.mustVar("hosts")
	if !hostsVar.Explicit() {
		if err := hostsVar.SetImplicit([]interface{}{buildHost}); err != nil {
			return err
		}
	}
	hosts := hostsVar.Get().([]interface{})
	resolved := make([]interface{}, len(hosts))
	for i, h := range hosts {
		switch v := h.(type) {
		case *buildcfg.PkgHost:
			resolved[i] = v
		case string:
			if v == fmt.Sprintf("%v", buildRaw) {
				resolved[i] = buildHost
			} else {
				nh, err := buildcfg.NewPkgHost(rc.ctx, v, nil)
				if err != nil {
					return err
				}
				resolved[i] = nh
			}
		}
	}
	if len(resolved) == 0 || resolved[0].(*buildcfg.PkgHost).Name != buildHost.Name {
		return sbgo.NewConfigError("first host not the same as build system")
	}
	return hostsVar.SetImplicit(resolved)
}

func (rc *ReleaseConfig) buildComponentsFull() error {
	names := make([]string, 0, len(rc.components))
	for name := range rc.components {
		names = append(names, name)
	}
	sort.Strings(names)
	rc.componentsByName = make(map[string]*ComponentInConfig, len(names))
	for _, name := range names {
		vars, err := rc.GetComponentVars(name)
		if err != nil {
			return err
		}
		cls, ok := rc.classes[name]
		if !ok {
			return sbgo.NewConfigError("unknown component %s", name)
		}
		c := &ComponentInConfig{OrigName: name, Name: name, Vars: vars, Cls: cls}
		rc.componentsFull = append(rc.componentsFull, c)
		rc.componentsByName[name] = c

		sourceType, _ := vars.Var("source_type")
		if sourceType.Get() != "none" {
			srcdirname, _ := vars.Var("srcdirname")
			version, _ := vars.Var("version")
			srcdir := fmt.Sprintf("%s-%v", srcdirname.Get(), version.Get())
			if err := vars.AddVar("srcdir", stringScalar(), path.Join(rc.args.SrcDir, srcdir), "Source directory for this component.", true); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListVars returns the top-level variable names of this config.
func (rc *ReleaseConfig) ListVars() []string { return rc.vg.ListVars() }

// Var returns a top-level variable by name.
func (rc *ReleaseConfig) Var(name string) (*ConfigVar, error) { return rc.vg.Var(name) }

// Group returns a top-level group by name (typically a component name).
func (rc *ReleaseConfig) Group(name string) (*ConfigVarGroup, error) { return rc.vg.Group(name) }

// AddComponent adds a component to this config; adding an
// already-present component is a no-op.
func (rc *ReleaseConfig) AddComponent(name string) error {
	if _, ok := rc.classes[name]; !ok {
		return sbgo.NewConfigError("unknown component %s", name)
	}
	rc.components[name] = true
	return nil
}

// ListComponents returns the components in this config.
func (rc *ReleaseConfig) ListComponents() []*ComponentInConfig { return rc.componentsFull }

// ListSourceComponents returns the components in this config that have
// a source directory.
func (rc *ReleaseConfig) ListSourceComponents() []*ComponentInConfig {
	var out []*ComponentInConfig
	for _, c := range rc.componentsFull {
		st, _ := c.Vars.Var("source_type")
		if st.Get() != "none" {
			out = append(out, c)
		}
	}
	return out
}

// GetComponent returns the ComponentInConfig for a component, wrapped
// as a multilib.Component, or an error if not present in the config.
func (rc *ReleaseConfig) GetComponent(name string) (multilib.Component, error) {
	c, ok := rc.componentsByName[name]
	if !ok {
		return nil, sbgo.NewConfigError("component %s not in config", name)
	}
	return c, nil
}

// GetComponentInConfig is like GetComponent but returns the concrete
// type, for callers (e.g. internal/component, internal/buildtask) that
// need the class and variable group, not just the narrow
// multilib.Component view.
func (rc *ReleaseConfig) GetComponentInConfig(name string) (*ComponentInConfig, error) {
	c, ok := rc.componentsByName[name]
	if !ok {
		return nil, sbgo.NewConfigError("component %s not in config", name)
	}
	return c, nil
}

// GetComponentVars returns the ConfigVarGroup for a component.
func (rc *ReleaseConfig) GetComponentVars(name string) (*ConfigVarGroup, error) {
	if !rc.components[name] {
		return nil, sbgo.NewConfigError("component %s not in config", name)
	}
	return rc.vg.Group(name)
}

// GetComponentVar returns the value of a per-component variable.
func (rc *ReleaseConfig) GetComponentVar(component, varName string) (interface{}, error) {
	g, err := rc.GetComponentVars(component)
	if err != nil {
		return nil, err
	}
	v, err := g.Var(varName)
	if err != nil {
		return nil, err
	}
	return v.Get(), nil
}

// Target returns the configured target GNU triplet; satisfies
// multilib.ReleaseConfig.
func (rc *ReleaseConfig) Target() string { return rc.mustVar("target").Get().(string) }

// Build returns the resolved host this config itself is built on,
// i.e. Hosts()[0].
func (rc *ReleaseConfig) Build() *buildcfg.PkgHost {
	return rc.mustVar("build").Get().(*buildcfg.PkgHost)
}

// InstallDir returns the configured prefix for host tools built by
// this config.
func (rc *ReleaseConfig) InstallDir() string { return rc.mustVar("installdir").Get().(string) }

// SysrootRel returns the top-level sysroot directory without its
// leading '/'; satisfies multilib.ReleaseConfig.
func (rc *ReleaseConfig) SysrootRel() string { return rc.mustVar("sysroot_rel").Get().(string) }

// SourceDateEpoch returns the timestamp recorded in reproducible
// packages and in the env_set SOURCE_DATE_EPOCH variable.
func (rc *ReleaseConfig) SourceDateEpoch() int64 {
	return int64(rc.mustVar("source_date_epoch").Get().(int))
}

// PkgNameNoTargetBuild returns this release's prefix and version,
// without the build number or target triplet: the directory name used
// inside source and backup packages.
func (rc *ReleaseConfig) PkgNameNoTargetBuild() string {
	return rc.mustVar("pkg_name_no_target_build").Get().(string)
}

// Multilibs returns this config's multilib list; satisfies
// multilib.ReleaseConfig.
func (rc *ReleaseConfig) Multilibs() []*multilib.Multilib { return rc.multilibs }

// SetMultilibs sets this config's multilib list; called while the
// config is loading, before New finalizes each multilib.
func (rc *ReleaseConfig) SetMultilibs(mls []*multilib.Multilib) { rc.multilibs = mls }

// objdirHostSuffix formats the host-dependent part of an object
// directory name for ObjdirPath.
func objdirHostSuffix(host interface{}, name string) string {
	switch h := host.(type) {
	case nil:
		return name
	case *buildcfg.PkgHost:
		return fmt.Sprintf("pkg-%s-%s", name, h.Name)
	case *buildcfg.BuildCfg:
		return fmt.Sprintf("%s-%s", name, h.Name)
	default:
		return name
	}
}

// ObjdirPath returns the object-directory path for name, under host
// (a *buildcfg.PkgHost, a *buildcfg.BuildCfg, or nil for host-
// independent).
func (rc *ReleaseConfig) ObjdirPath(host interface{}, name string) string {
	objdir := path.Join(rc.args.ObjDir, rc.mustVar("pkg_name_full").Get().(string))
	return path.Join(objdir, objdirHostSuffix(host, name))
}

// PkgdirPath returns the package-directory path for a package with the
// given suffix, for host (a *buildcfg.PkgHost, or nil for a host-
// independent package).
func (rc *ReleaseConfig) PkgdirPath(host *buildcfg.PkgHost, suffix string) string {
	prefix := rc.mustVar("pkg_name_full").Get().(string)
	hostText := ""
	if host != nil {
		hostText = "-" + host.Name
	}
	return path.Join(rc.args.PkgDir, prefix+hostText+suffix)
}

// InstallTreePath returns the directory to use for an install tree.
func (rc *ReleaseConfig) InstallTreePath(host interface{}, name string) string {
	return path.Join(rc.ObjdirPath(host, "install-trees"), name)
}

// InstallTreeFstree returns a lazy tree recipe for an install tree.
func (rc *ReleaseConfig) InstallTreeFstree(host interface{}, hostKey, name string) fstree.Recipe {
	return fstree.RecipeCopy{Key: fstree.InstallKey{Host: hostKey, Name: name}}
}
