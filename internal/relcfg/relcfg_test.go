package relcfg

import (
	"testing"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildcfg"
)

type fakeComponentClass struct {
	sysrooted bool
}

func (fakeComponentClass) AddReleaseConfigVars(group *ConfigVarGroup) error { return nil }
func (fakeComponentClass) AddDependencies(cfg *ReleaseConfig) error         { return nil }
func (f fakeComponentClass) SysrootedLibc() bool                           { return f.sysrooted }
func (fakeComponentClass) ConfigureOpts(cfg *ReleaseConfig, host *buildcfg.PkgHost) ([]string, error) {
	return nil, nil
}

func testClasses() map[string]ComponentClass {
	return map[string]ComponentClass{
		"package": fakeComponentClass{},
		"gcc":     fakeComponentClass{},
		"glibc":   fakeComponentClass{sysrooted: true},
	}
}

func minimalConfig(cfg *ReleaseConfig) error {
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

func TestNewDerivesInternalVars(t *testing.T) {
	loader := NewTextLoader(map[string]ConfigFunc{"test": minimalConfig})
	cfg, err := New(sbgo.NewCtx("test"), testClasses(), Args{SrcDir: "/src", ObjDir: "/obj", PkgDir: "/pkg"}, loader, "test", "/usr/bin/sb", "")
	if err != nil {
		t.Fatal(err)
	}
	v, err := cfg.Var("pkg_name_full")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v.Get().(string), "toolchain-1.0-1-arm-linux-gnueabihf"; got != want {
		t.Errorf("pkg_name_full = %q, want %q", got, want)
	}
	sysroot, err := cfg.Var("sysroot")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := sysroot.Get().(string), "/opt/toolchain/arm-linux-gnueabihf/libc"; got != want {
		t.Errorf("sysroot = %q, want %q", got, want)
	}
}

func TestNewFinalizesVars(t *testing.T) {
	loader := NewTextLoader(map[string]ConfigFunc{"test": minimalConfig})
	cfg, err := New(sbgo.NewCtx("test"), testClasses(), Args{SrcDir: "/src", ObjDir: "/obj", PkgDir: "/pkg"}, loader, "test", "/usr/bin/sb", "")
	if err != nil {
		t.Fatal(err)
	}
	v, err := cfg.Var("target")
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Set("other"); err == nil {
		t.Error("expected error setting a variable after finalization")
	}
}

func TestUnknownConfigNameRejected(t *testing.T) {
	loader := NewTextLoader(map[string]ConfigFunc{})
	if _, err := New(sbgo.NewCtx("test"), testClasses(), Args{}, loader, "missing", "", ""); err == nil {
		t.Error("expected error for unregistered config name")
	}
}

func TestGetComponentVarsRejectsAbsentComponent(t *testing.T) {
	loader := NewTextLoader(map[string]ConfigFunc{"test": minimalConfig})
	cfg, err := New(sbgo.NewCtx("test"), testClasses(), Args{SrcDir: "/src", ObjDir: "/obj", PkgDir: "/pkg"}, loader, "test", "/usr/bin/sb", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.GetComponentVars("newlib"); err == nil {
		t.Error("expected error for component not added to config")
	}
}
