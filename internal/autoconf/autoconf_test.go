package autoconf

import (
	"strconv"
	"strings"
	"testing"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildcfg"
	"github.com/sourcerytools/sbgo/internal/buildtask"
	"github.com/sourcerytools/sbgo/internal/relcfg"
)

type fakeComponentClass struct{ opts []string }

func (fakeComponentClass) AddReleaseConfigVars(group *relcfg.ConfigVarGroup) error { return nil }
func (fakeComponentClass) AddDependencies(cfg *relcfg.ReleaseConfig) error         { return nil }
func (fakeComponentClass) SysrootedLibc() bool                                    { return false }
func (f fakeComponentClass) ConfigureOpts(cfg *relcfg.ReleaseConfig, host *buildcfg.PkgHost) ([]string, error) {
	return f.opts, nil
}

func testConfig(t *testing.T) *relcfg.ReleaseConfig {
	t.Helper()
	classes := map[string]relcfg.ComponentClass{"gcc": fakeComponentClass{opts: []string{"--enable-x"}}}
	minimal := func(cfg *relcfg.ReleaseConfig) error {
		if v, err := cfg.Var("build"); err != nil {
			return err
		} else if err := v.Set("x86_64-linux-gnu"); err != nil {
			return err
		}
		if v, err := cfg.Var("target"); err != nil {
			return err
		} else if err := v.Set("arm-linux-gnueabihf"); err != nil {
			return err
		}
		if v, err := cfg.Var("installdir"); err != nil {
			return err
		} else if err := v.Set("/opt/toolchain"); err != nil {
			return err
		}
		if err := cfg.AddComponent("gcc"); err != nil {
			return err
		}
		g, err := cfg.GetComponentVars("gcc")
		if err != nil {
			return err
		}
		if v, err := g.Var("source_type"); err != nil {
			return err
		} else if err := v.Set("open"); err != nil {
			return err
		}
		if v, err := g.Var("version"); err != nil {
			return err
		} else if err := v.Set("1.0"); err != nil {
			return err
		}
		if v, err := g.Var("configure_opts"); err != nil {
			return err
		} else if err := v.Set([]interface{}{"--disable-foo"}); err != nil {
			return err
		}
		return nil
	}
	loader := relcfg.NewTextLoader(map[string]relcfg.ConfigFunc{"test": minimal})
	cfg, err := relcfg.New(sbgo.NewCtx("test"), classes, relcfg.Args{SrcDir: "/src", ObjDir: "/obj", PkgDir: "/pkg"}, loader, "test", "/usr/bin/sb", "")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

// fakeBuildContext is the minimal buildtask.BuildContext needed to
// lower a task tree to makefile text for inspection.
type fakeBuildContext struct{ nextMsg int }

func (f *fakeBuildContext) WrapperRunCommand(log, failMessage, cwd string) []string {
	return []string{"sb-run-command", log, failMessage, cwd}
}
func (f *fakeBuildContext) WrapperStartTask(log string, msgStart int) []string {
	return []string{"sb-start-task", log, strconv.Itoa(msgStart)}
}
func (f *fakeBuildContext) WrapperEndTask(log string, msgEnd int) []string {
	return []string{"sb-end-task", log, strconv.Itoa(msgEnd)}
}
func (f *fakeBuildContext) RPCClientCommand(msg int) []string {
	return []string{"sb-rpc-client", strconv.Itoa(msg)}
}
func (f *fakeBuildContext) AddCall(fn func(args []interface{}) error, args []interface{}, log string, forking bool) int {
	f.nextMsg++
	return f.nextMsg
}
func (f *fakeBuildContext) LogDir() string                                  { return "/obj/logs" }
func (f *fakeBuildContext) TaskStart(desc string) error                     { return nil }
func (f *fakeBuildContext) TaskFailCommand(desc, command, log string) error { return nil }
func (f *fakeBuildContext) TaskEnd(desc string) error                       { return nil }

func buildMakefileText(t *testing.T, top *buildtask.Task) string {
	t.Helper()
	text, err := top.MakefileText(&fakeBuildContext{})
	if err != nil {
		t.Fatal(err)
	}
	return text
}

func TestAddHostCfgBuildTasksBuildsConfigureMakeInstall(t *testing.T) {
	rc := testConfig(t)
	host := rc.Build()
	compInConfig, err := rc.GetComponentInConfig("gcc")
	if err != nil {
		t.Fatal(err)
	}
	top, err := buildtask.New(rc, nil, "", true)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := AddHostCfgBuildTasks(rc, host, compInConfig, top, HostCfgOpts{}); err != nil {
		t.Fatal(err)
	}

	text := buildMakefileText(t, top)
	if !strings.Contains(text, "/configure") {
		t.Errorf("makefile missing a configure invocation:\n%s", text)
	}
	if !strings.Contains(text, "--disable-foo") {
		t.Errorf("makefile missing per-component configure_opts:\n%s", text)
	}
	if !strings.Contains(text, "--enable-x") {
		t.Errorf("makefile missing class ConfigureOpts:\n%s", text)
	}
	if strings.Contains(text, "--target=") {
		t.Errorf("makefile should not set --target for a plain host component:\n%s", text)
	}
	if !strings.Contains(text, "CC_FOR_BUILD=") {
		t.Errorf("makefile missing CC_FOR_BUILD:\n%s", text)
	}
}

func TestAddHostLibCfgBuildTasksDisablesShared(t *testing.T) {
	rc := testConfig(t)
	host := rc.Build()
	compInConfig, err := rc.GetComponentInConfig("gcc")
	if err != nil {
		t.Fatal(err)
	}
	top, err := buildtask.New(rc, nil, "", true)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := AddHostLibCfgBuildTasks(rc, host, compInConfig, top, HostLibCfgOpts{}); err != nil {
		t.Fatal(err)
	}

	text := buildMakefileText(t, top)
	if !strings.Contains(text, "--disable-shared") {
		t.Errorf("makefile missing --disable-shared for a host library:\n%s", text)
	}
}

func TestAddHostToolCfgBuildTasksUsesInstallDirAndTarget(t *testing.T) {
	rc := testConfig(t)
	host := rc.Build()
	compInConfig, err := rc.GetComponentInConfig("gcc")
	if err != nil {
		t.Fatal(err)
	}
	top, err := buildtask.New(rc, nil, "", true)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := AddHostToolCfgBuildTasks(rc, host, compInConfig, top, HostToolCfgOpts{}); err != nil {
		t.Fatal(err)
	}

	text := buildMakefileText(t, top)
	if !strings.Contains(text, "--prefix=/opt/toolchain") {
		t.Errorf("makefile should use the release config's installdir as prefix:\n%s", text)
	}
	if !strings.Contains(text, "--target=arm-linux-gnueabihf") {
		t.Errorf("makefile should default --target to the release config's target:\n%s", text)
	}
}
