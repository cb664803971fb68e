// Package autoconf builds the configure/make/make-install task group
// shared by every autoconf-based component.
//
// Grounded on original_source/sourcery/autoconf.py.
package autoconf

import (
	"path"

	"github.com/sourcerytools/sbgo/internal/buildcfg"
	"github.com/sourcerytools/sbgo/internal/buildtask"
	"github.com/sourcerytools/sbgo/internal/relcfg"
)

// stringList converts a release-config list value (stored as
// []interface{} of strings) to []string.
func stringList(v interface{}) []string {
	raw, _ := v.([]interface{})
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		out = append(out, s.(string))
	}
	return out
}

// HostCfgOpts configures AddHostCfgBuildTasks. Name, Srcdir and
// Prefix default to the component's copy name, its source directory,
// and the tree's own install path, respectively, when left empty;
// MakeTarget/InstallTarget "" default to a bare `make`/`make install`.
type HostCfgOpts struct {
	Name          string
	Srcdir        string
	Prefix        string
	PkgCfgOpts    []string
	Target        string
	HasTarget     bool // false suppresses --target entirely, even if Target == ""
	MakeTarget    string
	InstallTarget string
	Parallel      bool
}

// AddHostCfgBuildTasks adds and returns a task group under parent
// running configure, make and make install for component against
// host. host.BuildCfg supplies the host triplet, tool paths and
// configure variables; host itself is the install-tree key.
func AddHostCfgBuildTasks(rc *relcfg.ReleaseConfig, host *buildcfg.PkgHost, comp *relcfg.ComponentInConfig, parent *buildtask.Task, opts HostCfgOpts) (*buildtask.Task, error) {
	build := rc.Build().BuildCfg

	name := opts.Name
	if name == "" {
		name = comp.Name
	}
	srcdir := opts.Srcdir
	if srcdir == "" {
		v, err := comp.Vars.Var("srcdir")
		if err != nil {
			return nil, err
		}
		srcdir = v.Get().(string)
	}
	objdir := rc.ObjdirPath(host, name)
	instdir := rc.InstallTreePath(host, name)

	cfgPrefix := instdir
	destdir := ""
	if opts.Prefix != "" {
		cfgPrefix = opts.Prefix
		destdir = instdir
	}

	taskGroup, err := buildtask.New(rc, parent, name, false)
	if err != nil {
		return nil, err
	}
	if err := taskGroup.ProvideInstall(host, name); err != nil {
		return nil, err
	}

	initTask, err := buildtask.New(rc, taskGroup, "init", false)
	if err != nil {
		return nil, err
	}
	if err := initTask.AddEmptyDir(objdir); err != nil {
		return nil, err
	}
	if err := initTask.AddEmptyDir(instdir); err != nil {
		return nil, err
	}

	cfgTask, err := buildtask.New(rc, taskGroup, "configure", false)
	if err != nil {
		return nil, err
	}
	cfgCmd := []string{
		path.Join(srcdir, "configure"),
		"--build=" + build.Triplet,
		"--host=" + host.BuildCfg.Triplet,
		"--prefix=" + cfgPrefix,
	}
	if opts.HasTarget {
		cfgCmd = append(cfgCmd, "--target="+opts.Target)
	}
	cfgCmd = append(cfgCmd, opts.PkgCfgOpts...)

	configureOptsVar, err := comp.Vars.Var("configure_opts")
	if err != nil {
		return nil, err
	}
	cfgCmd = append(cfgCmd, stringList(configureOptsVar.Get())...)

	clsOpts, err := comp.Cls.ConfigureOpts(rc, host)
	if err != nil {
		return nil, err
	}
	cfgCmd = append(cfgCmd, clsOpts...)

	hostConfigureVars, err := host.BuildCfg.ConfigureVars(nil)
	if err != nil {
		return nil, err
	}
	cfgCmd = append(cfgCmd, hostConfigureVars...)

	ccForBuild := build.Tool("c-compiler")
	cxxForBuild := build.Tool("c++-compiler")
	cfgCmd = append(cfgCmd,
		"CC_FOR_BUILD="+joinArgs(ccForBuild),
		"CXX_FOR_BUILD="+joinArgs(cxxForBuild))

	if err := cfgTask.AddCommand(cfgCmd, objdir); err != nil {
		return nil, err
	}

	buildTask, err := buildtask.New(rc, taskGroup, "build", false)
	if err != nil {
		return nil, err
	}
	var buildCmd []string
	if !opts.Parallel {
		buildCmd = append(buildCmd, "-j1")
	}
	if opts.MakeTarget != "" {
		buildCmd = append(buildCmd, opts.MakeTarget)
	}
	if err := buildTask.AddMake(buildCmd, objdir); err != nil {
		return nil, err
	}

	installTask, err := buildtask.New(rc, taskGroup, "install", false)
	if err != nil {
		return nil, err
	}
	installTarget := opts.InstallTarget
	if installTarget == "" {
		installTarget = "install"
	}
	installCmd := []string{"-j1", installTarget}
	if destdir != "" {
		installCmd = append(installCmd, "DESTDIR="+destdir)
	}
	if err := installTask.AddMake(installCmd, objdir); err != nil {
		return nil, err
	}

	return taskGroup, nil
}

func joinArgs(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// HostLibCfgOpts configures AddHostLibCfgBuildTasks; it is HostCfgOpts
// minus the Target/HasTarget fields, since host libraries never
// specify one. Serial forces a -j1 build; the zero value builds in
// parallel.
type HostLibCfgOpts struct {
	Name          string
	Srcdir        string
	Prefix        string
	PkgCfgOpts    []string
	MakeTarget    string
	InstallTarget string
	Serial        bool
}

// AddHostLibCfgBuildTasks adds a configure/make/make-install task
// group for a host library: --disable-shared is always passed, and no
// --target option is ever added.
func AddHostLibCfgBuildTasks(rc *relcfg.ReleaseConfig, host *buildcfg.PkgHost, comp *relcfg.ComponentInConfig, parent *buildtask.Task, opts HostLibCfgOpts) (*buildtask.Task, error) {
	installTarget := opts.InstallTarget
	if installTarget == "" {
		installTarget = "install"
	}
	return AddHostCfgBuildTasks(rc, host, comp, parent, HostCfgOpts{
		Name:          opts.Name,
		Srcdir:        opts.Srcdir,
		Prefix:        opts.Prefix,
		PkgCfgOpts:    append([]string{"--disable-shared"}, opts.PkgCfgOpts...),
		HasTarget:     false,
		MakeTarget:    opts.MakeTarget,
		InstallTarget: installTarget,
		Parallel:      !opts.Serial,
	})
}

// HostToolCfgOpts configures AddHostToolCfgBuildTasks. Target defaults
// to the release config's own target when HasTarget is false and
// TargetOverride is empty; set HasTarget true with TargetOverride ""
// to disable the --target option entirely. Serial forces a -j1 build;
// the zero value builds in parallel.
type HostToolCfgOpts struct {
	Name           string
	Srcdir         string
	PkgCfgOpts     []string
	HasTarget      bool
	TargetOverride string
	MakeTarget     string
	InstallTarget  string
	Serial         bool
}

// AddHostToolCfgBuildTasks adds a configure/make/make-install task
// group for a host tool to be installed and distributed: the
// configured prefix is always the release config's installdir, and
// the target defaults to the release config's target.
func AddHostToolCfgBuildTasks(rc *relcfg.ReleaseConfig, host *buildcfg.PkgHost, comp *relcfg.ComponentInConfig, parent *buildtask.Task, opts HostToolCfgOpts) (*buildtask.Task, error) {
	target := opts.TargetOverride
	hasTarget := true
	if opts.HasTarget {
		hasTarget = opts.TargetOverride != ""
	} else if target == "" {
		target = rc.Target()
	}
	installTarget := opts.InstallTarget
	if installTarget == "" {
		installTarget = "install"
	}
	return AddHostCfgBuildTasks(rc, host, comp, parent, HostCfgOpts{
		Name:          opts.Name,
		Srcdir:        opts.Srcdir,
		Prefix:        rc.InstallDir(),
		PkgCfgOpts:    opts.PkgCfgOpts,
		Target:        target,
		HasTarget:     hasTarget,
		MakeTarget:    opts.MakeTarget,
		InstallTarget: installTarget,
		Parallel:      !opts.Serial,
	})
}
