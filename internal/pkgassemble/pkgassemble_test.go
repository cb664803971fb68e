package pkgassemble

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildcfg"
	"github.com/sourcerytools/sbgo/internal/relcfg"
)

type fakeComponentClass struct{}

func (fakeComponentClass) AddReleaseConfigVars(group *relcfg.ConfigVarGroup) error { return nil }
func (fakeComponentClass) AddDependencies(cfg *relcfg.ReleaseConfig) error         { return nil }
func (fakeComponentClass) SysrootedLibc() bool                                    { return false }
func (fakeComponentClass) ConfigureOpts(cfg *relcfg.ReleaseConfig, host *buildcfg.PkgHost) ([]string, error) {
	return nil, nil
}

// fakePackageClass stands in for the "package" component every release
// config carries; it is never packaged as source.
type fakePackageClass struct{ fakeComponentClass }

func (fakePackageClass) AddReleaseConfigVars(group *relcfg.ConfigVarGroup) error {
	v, err := group.Var("source_type")
	if err != nil {
		return err
	}
	return v.SetImplicit("none")
}

// testConfig builds a release config with one "open" and one "closed"
// source component, and creates their source directories (with one
// file each) under srcDir so AssembleSourcePackages has real trees to
// tar up.
func testConfig(t *testing.T, srcDir, objDir, pkgDir string) *relcfg.ReleaseConfig {
	t.Helper()
	classes := map[string]relcfg.ComponentClass{
		"gcc":     fakeComponentClass{},
		"glibc":   fakeComponentClass{},
		"package": fakePackageClass{},
	}
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
		sources := map[string]string{"gcc": "open", "glibc": "closed"}
		for _, name := range []string{"gcc", "glibc"} {
			if err := cfg.AddComponent(name); err != nil {
				return err
			}
			g, err := cfg.GetComponentVars(name)
			if err != nil {
				return err
			}
			if v, err := g.Var("source_type"); err != nil {
				return err
			} else if err := v.Set(sources[name]); err != nil {
				return err
			}
			if v, err := g.Var("version"); err != nil {
				return err
			} else if err := v.Set("1.0"); err != nil {
				return err
			}
		}
		return nil
	}
	loader := relcfg.NewTextLoader(map[string]relcfg.ConfigFunc{"test": minimal})
	cfg, err := relcfg.New(sbgo.NewCtx("test"), classes, relcfg.Args{SrcDir: srcDir, ObjDir: objDir, PkgDir: pkgDir}, loader, "test", "/usr/bin/sb", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, comp := range cfg.ListSourceComponents() {
		srcdirVar, err := comp.Vars.Var("srcdir")
		if err != nil {
			t.Fatal(err)
		}
		srcdir := srcdirVar.Get().(string)
		if err := os.MkdirAll(srcdir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(srcdir, "README"), []byte(comp.Name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func TestAssembleSourcePackagesWritesOneTarballPerKind(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
	base := t.TempDir()
	srcDir := filepath.Join(base, "src")
	objDir := filepath.Join(base, "obj")
	pkgDir := filepath.Join(base, "pkg")
	for _, d := range []string{srcDir, objDir, pkgDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	rc := testConfig(t, srcDir, objDir, pkgDir)

	if err := AssembleSourcePackages(rc, t.TempDir()); err != nil {
		t.Fatal(err)
	}

	srcTar := rc.PkgdirPath(nil, ".src.tar.xz")
	if _, err := os.Stat(srcTar); err != nil {
		t.Errorf("source package not written: %v", err)
	}
	backupTar := rc.PkgdirPath(nil, ".backup.tar.xz")
	if _, err := os.Stat(backupTar); err != nil {
		t.Errorf("backup package not written: %v", err)
	}
}

func TestAssembleSourcePackagesSkipsEmptyKind(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
	base := t.TempDir()
	srcDir := filepath.Join(base, "src")
	objDir := filepath.Join(base, "obj")
	pkgDir := filepath.Join(base, "pkg")
	for _, d := range []string{srcDir, objDir, pkgDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	classes := map[string]relcfg.ComponentClass{"gcc": fakeComponentClass{}, "package": fakePackageClass{}}
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
		return nil
	}
	loader := relcfg.NewTextLoader(map[string]relcfg.ConfigFunc{"test": minimal})
	rc, err := relcfg.New(sbgo.NewCtx("test"), classes, relcfg.Args{SrcDir: srcDir, ObjDir: objDir, PkgDir: pkgDir}, loader, "test", "/usr/bin/sb", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, comp := range rc.ListSourceComponents() {
		srcdirVar, _ := comp.Vars.Var("srcdir")
		srcdir := srcdirVar.Get().(string)
		if err := os.MkdirAll(srcdir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if err := AssembleSourcePackages(rc, t.TempDir()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(rc.PkgdirPath(nil, ".backup.tar.xz")); !os.IsNotExist(err) {
		t.Errorf("backup package should not have been written when no closed component is configured")
	}
}
