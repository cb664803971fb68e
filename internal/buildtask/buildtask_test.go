package buildtask

import (
	"strconv"
	"strings"
	"testing"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildcfg"
	"github.com/sourcerytools/sbgo/internal/fstree"
	"github.com/sourcerytools/sbgo/internal/relcfg"
)

type fakeComponentClass struct{ sysrooted bool }

func (fakeComponentClass) AddReleaseConfigVars(group *relcfg.ConfigVarGroup) error { return nil }
func (fakeComponentClass) AddDependencies(cfg *relcfg.ReleaseConfig) error         { return nil }
func (f fakeComponentClass) SysrootedLibc() bool                                  { return f.sysrooted }
func (fakeComponentClass) ConfigureOpts(cfg *relcfg.ReleaseConfig, host *buildcfg.PkgHost) ([]string, error) {
	return nil, nil
}

func testClasses() map[string]relcfg.ComponentClass {
	return map[string]relcfg.ComponentClass{
		"package": fakeComponentClass{},
		"gcc":     fakeComponentClass{},
		"glibc":   fakeComponentClass{sysrooted: true},
	}
}

func minimalConfig(cfg *relcfg.ReleaseConfig) error {
	buildVar, err := cfg.Var("build")
	if err != nil {
		return err
	}
	if err := buildVar.Set("x86_64-linux-gnu"); err != nil {
		return err
	}
	targetVar, err := cfg.Var("target")
	if err != nil {
		return err
	}
	if err := targetVar.Set("arm-linux-gnueabihf"); err != nil {
		return err
	}
	for _, name := range []string{"gcc", "glibc"} {
		if err := cfg.AddComponent(name); err != nil {
			return err
		}
		g, err := cfg.GetComponentVars(name)
		if err != nil {
			return err
		}
		st, err := g.Var("source_type")
		if err != nil {
			return err
		}
		if err := st.Set("open"); err != nil {
			return err
		}
		ver, err := g.Var("version")
		if err != nil {
			return err
		}
		if err := ver.Set("1.0"); err != nil {
			return err
		}
	}
	return nil
}

func testConfig(t *testing.T) *relcfg.ReleaseConfig {
	t.Helper()
	loader := relcfg.NewTextLoader(map[string]relcfg.ConfigFunc{"test": minimalConfig})
	cfg, err := relcfg.New(sbgo.NewCtx("test"), testClasses(), relcfg.Args{SrcDir: "/src", ObjDir: "/obj", PkgDir: "/pkg"}, loader, "test", "/usr/bin/sb", "")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

// fakeBuildContext is a minimal BuildContext recording every call it is
// asked to register, for assertions on the generated makefile text.
type fakeBuildContext struct {
	nextMsg int
	calls   []string
}

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
	f.calls = append(f.calls, log)
	return f.nextMsg
}
func (f *fakeBuildContext) LogDir() string                                  { return "/obj/logs" }
func (f *fakeBuildContext) TaskStart(desc string) error                     { return nil }
func (f *fakeBuildContext) TaskFailCommand(desc, command, log string) error { return nil }
func (f *fakeBuildContext) TaskEnd(desc string) error                       { return nil }

func TestNewRejectsSlashInName(t *testing.T) {
	rc := testConfig(t)
	top, err := New(rc, nil, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(rc, top, "a/b", false); err == nil {
		t.Error("expected error for slash in task name")
	}
}

func TestAddCommandAndSubtaskAreExclusive(t *testing.T) {
	rc := testConfig(t)
	top, err := New(rc, nil, "", true)
	if err != nil {
		t.Fatal(err)
	}
	child, err := New(rc, top, "build", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := child.AddCommand([]string{"true"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := New(rc, child, "nested", false); err == nil {
		t.Error("expected error adding subtask to a task with commands")
	}
}

func TestSerialSubtasksChainDependencies(t *testing.T) {
	rc := testConfig(t)
	top, err := New(rc, nil, "", false)
	if err != nil {
		t.Fatal(err)
	}
	first, err := New(rc, top, "first", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.AddCommand([]string{"true"}, ""); err != nil {
		t.Fatal(err)
	}
	second, err := New(rc, top, "second", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := second.AddCommand([]string{"true"}, ""); err != nil {
		t.Fatal(err)
	}
	if !second.depends[first.FullName()] {
		t.Errorf("second task does not depend on first; depends = %v", second.depends)
	}
}

func TestEnvSetAndPrependConflict(t *testing.T) {
	rc := testConfig(t)
	top, err := New(rc, nil, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := top.EnvSet("PATH", "/usr/bin"); err != nil {
		t.Fatal(err)
	}
	if err := top.EnvPrepend("PATH", "/opt/bin"); err == nil {
		t.Error("expected error prepending to an already-set variable")
	}
}

func TestGetFullEnvMergesParentAndPrepends(t *testing.T) {
	rc := testConfig(t)
	top, err := New(rc, nil, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := top.EnvSet("CC", "gcc"); err != nil {
		t.Fatal(err)
	}
	child, err := New(rc, top, "build", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := child.EnvPrepend("PATH", "/opt/bin"); err != nil {
		t.Fatal(err)
	}
	if err := child.AddCommand([]string{"true"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := top.Finalize(); err != nil {
		t.Fatal(err)
	}
	env, err := child.GetFullEnv()
	if err != nil {
		t.Fatal(err)
	}
	if env["CC"] != "gcc" {
		t.Errorf("CC = %q, want gcc (inherited from parent)", env["CC"])
	}
	if !strings.Contains(env["PATH"], "/opt/bin") {
		t.Errorf("PATH = %q, want it to contain /opt/bin", env["PATH"])
	}
}

func TestDuplicateProvideInstallRejected(t *testing.T) {
	rc := testConfig(t)
	top, err := New(rc, nil, "", false)
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(rc, top, "a", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.AddCommand([]string{"true"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := a.ProvideInstall(nil, "gcc"); err != nil {
		t.Fatal(err)
	}
	b, err := New(rc, top, "b", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.AddCommand([]string{"true"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := b.ProvideInstall(nil, "gcc"); err == nil {
		t.Error("expected error providing the same install tree twice")
	}
}

func TestContributeWithoutDeclareIsRejectedAtFinalize(t *testing.T) {
	rc := testConfig(t)
	top, err := New(rc, nil, "", false)
	if err != nil {
		t.Fatal(err)
	}
	child, err := New(rc, top, "a", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := child.AddCommand([]string{"true"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := child.ContributeImplicitInstall(nil, "never-declared", fstree.RecipeEmpty{}); err != nil {
		t.Fatal(err)
	}
	if err := top.Finalize(); err == nil {
		t.Error("expected finalize to reject a contributed-but-never-declared install tree")
	}
}

func TestFinalizeCreatesImplicitInstallTaskAndNumbersTasks(t *testing.T) {
	rc := testConfig(t)
	top, err := New(rc, nil, "", false)
	if err != nil {
		t.Fatal(err)
	}
	build, err := New(rc, top, "build", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := build.DeclareImplicitInstall(nil, "gcc"); err != nil {
		t.Fatal(err)
	}
	if err := build.AddCommand([]string{"true"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := build.ContributeImplicitInstall(nil, "gcc", fstree.RecipeEmpty{}); err != nil {
		t.Fatal(err)
	}
	if err := top.Finalize(); err != nil {
		t.Fatal(err)
	}
	installTask := top.shared.byName["/install-trees-/gcc"]
	if installTask == nil {
		t.Fatal("expected an implicit install task to be created under /install-trees-")
	}
	if installTask.number == -1 {
		t.Error("implicit install task should have been numbered (it has a command)")
	}
	if build.number == -1 {
		t.Error("build task should have been numbered (it has a command)")
	}
}

func TestMakefileTextProducesRunnableTargets(t *testing.T) {
	rc := testConfig(t)
	top, err := New(rc, nil, "", false)
	if err != nil {
		t.Fatal(err)
	}
	build, err := New(rc, top, "build", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := build.AddCommand([]string{"echo", "hi"}, ""); err != nil {
		t.Fatal(err)
	}
	bc := &fakeBuildContext{}
	text, err := top.MakefileText(bc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "all:") {
		t.Errorf("makefile missing all target:\n%s", text)
	}
	if !strings.Contains(text, build.EndName()+":") {
		t.Errorf("makefile missing build end target:\n%s", text)
	}
	if !strings.Contains(text, "sb-run-command") {
		t.Errorf("makefile missing wrapped command invocation:\n%s", text)
	}
}
