package relcfg

import (
	"path"
	"strings"

	"github.com/sourcerytools/sbgo"
)

// ConfigFunc is a release config, expressed as Go code rather than the
// exec'd Python text the source implementation loads: it receives the
// ReleaseConfig under construction and calls its Set/AddComponent/etc.
// methods. This is the Go-native replacement for sourcery.relcfg's
// exec(contents, globals(), cfg_vars) — there is no idiomatic Go
// equivalent of executing arbitrary release-config source text at
// runtime, so a release config here is simply a registered function,
// matching how Go programs (e.g. Caddy modules, Kubernetes admission
// plugins) represent "config as code" instead of a textual DSL.
type ConfigFunc func(cfg *ReleaseConfig) error

// Loader loads a named release config, matching
// sourcery.relcfg.ReleaseConfigLoader.
type Loader interface {
	LoadConfig(cfg *ReleaseConfig, name string) error
}

// TextLoader loads release configs from an in-process registry of
// ConfigFuncs, keyed by name; it is the Go analog of
// ReleaseConfigTextLoader, used for tests and for configs compiled
// directly into a wrapper binary.
type TextLoader struct {
	Configs map[string]ConfigFunc
}

// NewTextLoader constructs a TextLoader from a name->ConfigFunc
// registry.
func NewTextLoader(configs map[string]ConfigFunc) *TextLoader {
	return &TextLoader{Configs: configs}
}

func (l *TextLoader) LoadConfig(cfg *ReleaseConfig, name string) error {
	fn, ok := l.Configs[name]
	if !ok {
		return sbgo.NewConfigError("no such release config %q", name)
	}
	return fn(cfg)
}

// Bootstrapper performs the checkout-and-re-exec dance a branch:config
// style release config name can require: if the running binary is not
// the one expected for that branch (or the release-configs checkout is
// missing), it checks out sourcery_builder/release_configs/etc. at the
// right branch and re-execs. Grounded on context.py's exec_self /
// clean_environment, wired to internal/bootstrap.
type Bootstrapper interface {
	// NeedsBootstrap reports whether branch's expected script location
	// differs from how this binary was actually invoked, or the
	// release-configs checkout for branch is missing.
	NeedsBootstrap(branch string) (bool, error)
	// Bootstrap checks out the named components at branch (skipping any
	// whose source directory already exists) and then re-execs the
	// process; on success it does not return.
	Bootstrap(branch string, components []string) error
}

// PathLoader loads a release config from an absolute or relative path,
// or from "<branch>:<config>" naming a path within a particular branch
// checkout of the release_configs component. Grounded on
// sourcery.relcfg.ReleaseConfigPathLoader.
type PathLoader struct {
	// Configs maps a resolved path (see ConfigPath) to the ConfigFunc
	// that implements it — the Go replacement for reading and exec'ing
	// file contents, as TextLoader.Configs is for plain text loading.
	Configs map[string]ConfigFunc

	// BootstrapComponents lists components to add to
	// bootstrap_components_vc/bootstrap_components_version; empty
	// unless a caller configures branch-aware checkout support.
	BootstrapComponents []string
	ScriptComponent     string // default "sourcery_builder"
	ScriptName          string // default "sourcery-builder"

	// BranchToVC/BranchToVersion are the per-deployment
	// policy hooks sourcery.relcfg.ReleaseConfigPathLoader expects a
	// subclass to override; represented here as function fields (Go's
	// usual substitute for required-override methods) rather than an
	// embeddable abstract base.
	BranchToVC      func(cfg *ReleaseConfig, component, branch string) (VC, error)
	BranchToVersion func(branch string) string

	Bootstrapper Bootstrapper
}

func (l *PathLoader) scriptComponent() string {
	if l.ScriptComponent != "" {
		return l.ScriptComponent
	}
	return "sourcery_builder"
}

func (l *PathLoader) scriptName() string {
	if l.ScriptName != "" {
		return l.ScriptName
	}
	return "sourcery-builder"
}

func (l *PathLoader) branchToVersion(branch string) string {
	if l.BranchToVersion != nil {
		return l.BranchToVersion(branch)
	}
	return strings.ReplaceAll(branch, "/", "-")
}

func (l *PathLoader) branchToSrcdir(cfg *ReleaseConfig, component, branch string) string {
	component = strings.ReplaceAll(component, "_", "-")
	return path.Join(cfg.args.SrcDir, component+"-"+l.branchToVersion(branch))
}

func (l *PathLoader) branchToScript(cfg *ReleaseConfig, branch string) string {
	return path.Join(l.branchToSrcdir(cfg, l.scriptComponent(), branch), l.scriptName())
}

// ConfigPath returns the resolved path and release-configs top
// directory for name. For a plain path, the top directory is "/" (no
// containment check is meaningful). For "<branch>:<config>", the top
// directory is the release_configs checkout for branch.
func (l *PathLoader) ConfigPath(cfg *ReleaseConfig, name string) (resolved, topDir string) {
	idx := strings.IndexByte(name, ':')
	if idx < 0 {
		return name, "/"
	}
	branch, config := name[:idx], name[idx+1:]
	relcfgsDir := l.branchToSrcdir(cfg, "release_configs", branch)
	return path.Join(relcfgsDir, config), relcfgsDir
}

func (l *PathLoader) LoadConfig(cfg *ReleaseConfig, name string) error {
	resolved, topDir := l.ConfigPath(cfg, name)
	dirName := path.Dir(resolved)
	if !strings.HasPrefix(dirName+"/", topDir+"/") && dirName != topDir {
		return sbgo.NewConfigError("release config path %s outside directory %s", resolved, topDir)
	}

	idx := strings.IndexByte(name, ':')
	if idx >= 0 && l.Bootstrapper != nil {
		branch := name[:idx]
		need, err := l.Bootstrapper.NeedsBootstrap(branch)
		if err != nil {
			return err
		}
		if need {
			components := append([]string{}, l.BootstrapComponents...)
			return l.Bootstrapper.Bootstrap(branch, components)
		}
	}

	fn, ok := l.Configs[resolved]
	if !ok {
		return sbgo.NewConfigError("no release config registered for %q (resolved %q)", name, resolved)
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return l.applyOverrides(cfg, name)
}

func (l *PathLoader) applyOverrides(cfg *ReleaseConfig, name string) error {
	idx := strings.IndexByte(name, ':')
	if idx < 0 || len(l.BootstrapComponents) == 0 {
		return nil
	}
	branch := name[:idx]
	bootVC := map[interface{}]interface{}{}
	bootVer := map[interface{}]interface{}{}
	for _, component := range l.BootstrapComponents {
		if l.BranchToVC == nil {
			return sbgo.NewConfigError("PathLoader.BranchToVC not set but BootstrapComponents is non-empty")
		}
		vc, err := l.BranchToVC(cfg, component, branch)
		if err != nil {
			return err
		}
		bootVC[component] = vc
		bootVer[component] = l.branchToVersion(branch)
	}
	scriptFullVar, err := cfg.Var("script_full")
	if err != nil {
		return err
	}
	if err := scriptFullVar.SetImplicit(l.branchToScript(cfg, branch)); err != nil {
		return err
	}
	bootVCVar, err := cfg.Var("bootstrap_components_vc")
	if err != nil {
		return err
	}
	if err := bootVCVar.SetImplicit(bootVC); err != nil {
		return err
	}
	bootVerVar, err := cfg.Var("bootstrap_components_version")
	if err != nil {
		return err
	}
	return bootVerVar.SetImplicit(bootVer)
}
