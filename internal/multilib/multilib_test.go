package multilib

import (
	"testing"

	"github.com/sourcerytools/sbgo"
)

type fakeComponent struct {
	name      string
	sysrooted bool
}

func (f fakeComponent) CopyName() string    { return f.name }
func (f fakeComponent) SysrootedLibc() bool { return f.sysrooted }

type fakeRelCfg struct {
	target     string
	sysrootRel string
	components map[string]Component
	multilibs  []*Multilib
}

func (f *fakeRelCfg) GetComponent(name string) (Component, error) {
	c, ok := f.components[name]
	if !ok {
		return nil, sbgo.NewConfigError("unknown component %q", name)
	}
	return c, nil
}
func (f *fakeRelCfg) Target() string        { return f.target }
func (f *fakeRelCfg) SysrootRel() string    { return f.sysrootRel }
func (f *fakeRelCfg) Multilibs() []*Multilib { return f.multilibs }

func newFakeRelCfg() *fakeRelCfg {
	return &fakeRelCfg{
		target:     "arm-linux-gnueabihf",
		sysrootRel: "arm-linux-gnueabihf/libc",
		components: map[string]Component{
			"gcc":        fakeComponent{name: "gcc"},
			"glibc":      fakeComponent{name: "glibc", sysrooted: true},
			"newlib":     fakeComponent{name: "newlib", sysrooted: true},
			"picolibc":   fakeComponent{name: "picolibc"},
		},
	}
}

func TestFinalizeSysrootedDefaults(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	rc := newFakeRelCfg()
	m, err := New(ctx, "gcc", "glibc", []string{"-mthumb"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(rc); err != nil {
		t.Fatal(err)
	}
	if m.SysrootSuffix != "." || m.HeadersSuffix != "." || m.SysrootOsdir != "." {
		t.Errorf("defaults: sysroot_suffix=%q headers_suffix=%q sysroot_osdir=%q", m.SysrootSuffix, m.HeadersSuffix, m.SysrootOsdir)
	}
	if m.SysrootRel != "arm-linux-gnueabihf/libc" {
		t.Errorf("SysrootRel = %q", m.SysrootRel)
	}
	if m.Osdir != "." {
		t.Errorf("Osdir = %q, want .", m.Osdir)
	}
	if m.Target != rc.target {
		t.Errorf("Target = %q, want %q", m.Target, rc.target)
	}
	if m.BuildCfg.ToolPrefix != "arm-linux-gnueabihf-" {
		t.Errorf("BuildCfg.ToolPrefix = %q", m.BuildCfg.ToolPrefix)
	}
}

func TestFinalizeNonSysrootedRejectsSysrootOptions(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	rc := newFakeRelCfg()
	m, err := New(ctx, "gcc", "picolibc", []string{}, WithSysrootSuffix("lib64"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(rc); err == nil {
		t.Error("expected error for sysroot suffix on non-sysrooted multilib")
	}
}

func TestFinalizeTwiceRejected(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	rc := newFakeRelCfg()
	m, err := New(ctx, "gcc", "glibc", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(rc); err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(rc); err == nil {
		t.Error("expected error on second Finalize")
	}
}

func TestDefaultOsdirFromSysrootOsdirAndSuffix(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	rc := newFakeRelCfg()
	m, err := New(ctx, "gcc", "glibc", nil, WithSysrootOsdir("../lib64"), WithSysrootSuffix("."))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(rc); err != nil {
		t.Fatal(err)
	}
	if m.Osdir != "../lib64" {
		t.Errorf("Osdir = %q, want ../lib64", m.Osdir)
	}
}

func TestMoveSysrootExecutablesRequiresSysroot(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	rc := newFakeRelCfg()
	m, err := New(ctx, "gcc", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(rc); err != nil {
		t.Fatal(err)
	}
	if _, err := m.MoveSysrootExecutables(nil, []string{"usr/bin"}); err == nil {
		t.Error("expected error for non-sysroot multilib")
	}
}
