// Package pkgassemble builds the source and backup tarballs
// distributed (or retained) alongside a release: every open-source
// component's sources go into the source package, every closed-source
// component's sources go into the backup package.
//
// Grounded on original_source/sourcery/relcfg.py's source_type
// variable documentation (a component's sources are packaged in the
// source package if "open", the backup package if "closed", and not
// packaged at all if "none") and on the already-built
// internal/pkgpipe (original_source/sourcery/package.py) for the
// canonicalization and tar steps every package goes through.
package pkgassemble

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/fstree"
	"github.com/sourcerytools/sbgo/internal/pkgpipe"
	"github.com/sourcerytools/sbgo/internal/relcfg"
)

// kind identifies which of the two packages a component's sources
// belong in.
type kind int

const (
	kindSource kind = iota
	kindBackup
)

func (k kind) sourceType() string {
	if k == kindSource {
		return "open"
	}
	return "closed"
}

func (k kind) suffix() string {
	if k == kindSource {
		return ".src.tar.xz"
	}
	return ".backup.tar.xz"
}

// AssembleSourcePackages builds the source package (tarball of every
// "open" component's sources) and the backup package (tarball of
// every "closed" component's sources) for rc, writing each to
// rc.PkgdirPath(nil, suffix). scratchDir is a directory AssembleSourcePackages
// may create working subdirectories in; it is the caller's
// responsibility to clean it up. A package with no components of its
// kind is skipped (not written as an empty tarball).
func AssembleSourcePackages(rc *relcfg.ReleaseConfig, scratchDir string) error {
	for _, k := range []kind{kindSource, kindBackup} {
		if err := assemblePackage(rc, scratchDir, k); err != nil {
			return err
		}
	}
	return nil
}

func assemblePackage(rc *relcfg.ReleaseConfig, scratchDir string, k kind) error {
	children := map[string]fstree.Node{}
	for _, comp := range rc.ListSourceComponents() {
		st, err := comp.Vars.Var("source_type")
		if err != nil {
			return err
		}
		if st.Get().(string) != k.sourceType() {
			continue
		}
		srcdirVar, err := comp.Vars.Var("srcdir")
		if err != nil {
			return err
		}
		srcdir := srcdirVar.Get().(string)
		children[filepath.Base(srcdir)] = fstree.Copy{Path: srcdir}
	}
	if len(children) == 0 {
		return nil
	}

	ctx := rc.Context()
	topDirName := rc.PkgNameNoTargetBuild()
	stageParent, err := os.MkdirTemp(scratchDir, "pkgassemble-")
	if err != nil {
		return sbgo.NewTreeError("create scratch directory under %s", scratchDir).WithErr(err)
	}
	stageDir := filepath.Join(stageParent, topDirName)
	if err := fstree.Export(ctx, fstree.Map{Children: children}, stageDir); err != nil {
		return err
	}

	if err := pkgpipe.FixPerms(stageDir); err != nil {
		return err
	}
	if err := pkgpipe.ReplaceSymlinks(ctx, stageDir); err != nil {
		return err
	}
	if err := pkgpipe.HardLinkFiles(ctx, stageDir); err != nil {
		return err
	}

	output := rc.PkgdirPath(nil, k.suffix())
	argv := pkgpipe.TarCommand(output, topDirName, rc.SourceDateEpoch())
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = stageDir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return sbgo.NewExecError("tar %s", output).WithErr(err)
	}
	return nil
}
