package component

import (
	"testing"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildcfg"
	"github.com/sourcerytools/sbgo/internal/buildctx"
	"github.com/sourcerytools/sbgo/internal/buildtask"
	"github.com/sourcerytools/sbgo/internal/relcfg"
)

// stubComponent embeds Base and overrides only FilesToTouch and one
// build-task hook, the way a real component type would.
type stubComponent struct {
	Base
	built bool
}

func (s *stubComponent) FilesToTouch() []string { return []string{"**/*.h"} }

func (s *stubComponent) AddBuildTasksForHost(bc *buildctx.BuildContext, comp *relcfg.ComponentInConfig, host *buildcfg.PkgHost, group *buildtask.Task) error {
	s.built = true
	return nil
}

func TestBaseDefaultsAreNoOps(t *testing.T) {
	var b Base
	if b.SysrootedLibc() {
		t.Error("Base.SysrootedLibc() = true, want false")
	}
	opts, err := b.ConfigureOpts(nil, nil)
	if err != nil || opts != nil {
		t.Errorf("Base.ConfigureOpts() = %v, %v, want nil, nil", opts, err)
	}
	if got := b.FilesToTouch(); got != nil {
		t.Errorf("Base.FilesToTouch() = %v, want nil", got)
	}
	if err := b.AddReleaseConfigVars(nil); err != nil {
		t.Errorf("Base.AddReleaseConfigVars() = %v, want nil", err)
	}
	if err := b.AddDependencies(nil); err != nil {
		t.Errorf("Base.AddDependencies() = %v, want nil", err)
	}
	if err := b.Postcheckout(sbgo.NewCtx("test"), nil); err != nil {
		t.Errorf("Base.Postcheckout() = %v, want nil", err)
	}
}

func TestRegistryNarrowsToEachConsumerInterface(t *testing.T) {
	reg := Registry{"gcc": &stubComponent{}}

	relcfgClasses := reg.RelcfgClasses()
	if _, ok := relcfgClasses["gcc"]; !ok {
		t.Fatal("RelcfgClasses() missing gcc")
	}

	builders := reg.BuildctxBuilders()
	if _, ok := builders["gcc"]; !ok {
		t.Fatal("BuildctxBuilders() missing gcc")
	}
}
