// Command sb is the build-graph engine's driver: it loads a release
// configuration, builds its task tree against a registry of component
// classes, lowers the tree to a generated makefile, and runs it. It
// also exposes the source-checkout and source/backup-packaging passes
// that sit either side of the build proper.
//
// The CLI surface here is deliberately thin (spec's "CLI front-end,
// argument parsing, and subcommand dispatch" and "the individual
// component plugins" are both out of scope): this binary wires the
// engine together and ships with no concrete toolchain components
// registered. A deployment registers its own release configs and
// component classes by building its own copy of this command against
// internal/relcfg, internal/component and internal/buildctx.
//
// Grounded on original_source/sourcery/commands/{build,checkout}.py
// for the subcommand split, and on cmd/distri/distri.go's verb-table
// dispatch style.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildctx"
	"github.com/sourcerytools/sbgo/internal/component"
	"github.com/sourcerytools/sbgo/internal/pkgassemble"
	"github.com/sourcerytools/sbgo/internal/relcfg"
	"github.com/sourcerytools/sbgo/internal/vc"
)

// configs and components are this binary's built-in release-config
// and component registries. Empty here: see the package doc comment.
// A deployment-specific fork of this command populates both, the way
// a concrete toolchain's build repo would.
var (
	configs    = map[string]relcfg.ConfigFunc{}
	components = component.Registry{}
)

func selfPath() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}

func loadReleaseConfig(ctx *sbgo.Ctx, name, srcdir, objdir, pkgdir string) (*relcfg.ReleaseConfig, error) {
	loader := relcfg.NewTextLoader(configs)
	args := relcfg.Args{SrcDir: srcdir, ObjDir: objdir, PkgDir: pkgdir}
	return relcfg.New(ctx, components.RelcfgClasses(), args, loader, name, selfPath(), "")
}

func cmdCheckout(args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ExitOnError)
	config := fs.String("config", "", "release config name")
	srcdir := fs.String("srcdir", "", "source directory")
	objdir := fs.String("objdir", "", "object directory")
	pkgdir := fs.String("pkgdir", "", "package directory")
	fs.Parse(args)

	ctx := sbgo.NewCtx("sb checkout")
	rc, err := loadReleaseConfig(ctx, *config, *srcdir, *objdir, *pkgdir)
	if err != nil {
		return err
	}
	for _, comp := range rc.ListSourceComponents() {
		vcVar, err := comp.Vars.Var("vc")
		if err != nil {
			return err
		}
		vcs, ok := vcVar.Get().(vc.VCSystem)
		if !ok {
			ctx.Verbosef("%s: no version control location configured, skipping checkout", comp.Name)
			continue
		}
		srcdirVar, err := comp.Vars.Var("srcdir")
		if err != nil {
			return err
		}
		ctx.Inform("checking out %s", comp.Name)
		if err := vc.CheckoutComponent(ctx, vcs, comp, srcdirVar.Get().(string)); err != nil {
			return err
		}
	}
	return nil
}

func cmdBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	config := fs.String("config", "", "release config name")
	srcdir := fs.String("srcdir", "", "source directory")
	objdir := fs.String("objdir", "", "object directory")
	pkgdir := fs.String("pkgdir", "", "package directory")
	parallelism := fs.Int("j", runtime.NumCPU(), "make parallelism")
	fs.Parse(args)

	ctx := sbgo.NewCtx("sb build")
	rc, err := loadReleaseConfig(ctx, *config, *srcdir, *objdir, *pkgdir)
	if err != nil {
		return err
	}

	bc, err := buildctx.New(ctx, rc, components.BuildctxBuilders(), selfPath(), *objdir, *parallelism)
	if err != nil {
		return err
	}
	sbgo.RegisterAtExit(bc.Close)
	defer func() {
		if err := sbgo.RunAtExit(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}()

	runCtx, cancel := sbgo.InterruptibleContext()
	defer cancel()

	makefilePath := filepath.Join(*objdir, "Makefile")
	if err := bc.WriteMakefile(makefilePath); err != nil {
		return err
	}
	return bc.RunBuild(runCtx, makefilePath, *parallelism)
}

func cmdPackage(args []string) error {
	fs := flag.NewFlagSet("package", flag.ExitOnError)
	config := fs.String("config", "", "release config name")
	srcdir := fs.String("srcdir", "", "source directory")
	objdir := fs.String("objdir", "", "object directory")
	pkgdir := fs.String("pkgdir", "", "package directory")
	fs.Parse(args)

	ctx := sbgo.NewCtx("sb package")
	rc, err := loadReleaseConfig(ctx, *config, *srcdir, *objdir, *pkgdir)
	if err != nil {
		return err
	}
	scratch, err := os.MkdirTemp(*objdir, "package-")
	if err != nil {
		return sbgo.NewExecError("creating package scratch directory").WithErr(err)
	}
	defer os.RemoveAll(scratch)
	return pkgassemble.AssembleSourcePackages(rc, scratch)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: sb <checkout|build|package> [-config name] [-srcdir dir] [-objdir dir] [-pkgdir dir]\n")
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	verb, args := os.Args[1], os.Args[2:]
	switch verb {
	case "checkout":
		return cmdCheckout(args)
	case "build":
		return cmdBuild(args)
	case "package":
		return cmdPackage(args)
	case "help", "-help", "--help":
		usage()
		return nil
	default:
		usage()
		return sbgo.NewConfigError("unknown command %q", verb)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
