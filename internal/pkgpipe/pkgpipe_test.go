package pkgpipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sourcerytools/sbgo"
)

func TestFixPermsNormalizesModes(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o700); err != nil {
		t.Fatal(err)
	}
	exe := filepath.Join(dir, "sub", "runme")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	data := filepath.Join(dir, "sub", "data.txt")
	if err := os.WriteFile(data, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := FixPerms(dir); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(exe)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != execPerm {
		t.Errorf("executable perm = %o, want %o", info.Mode().Perm(), execPerm)
	}
	info, err = os.Stat(data)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != noExecPerm {
		t.Errorf("data perm = %o, want %o", info.Mode().Perm(), noExecPerm)
	}
}

func TestHardLinkFilesLinksIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, []byte("same bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("same bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := HardLinkFiles(sbgo.NewCtx("test"), dir); err != nil {
		t.Fatal(err)
	}

	infoA, err := os.Stat(a)
	if err != nil {
		t.Fatal(err)
	}
	infoB, err := os.Stat(b)
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(infoA, infoB) {
		t.Error("expected a and b to be hard-linked after HardLinkFiles")
	}
}

func TestHardLinkFilesLeavesDistinctContentAlone(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := HardLinkFiles(sbgo.NewCtx("test"), dir); err != nil {
		t.Fatal(err)
	}

	infoA, err := os.Stat(a)
	if err != nil {
		t.Fatal(err)
	}
	infoB, err := os.Stat(b)
	if err != nil {
		t.Fatal(err)
	}
	if os.SameFile(infoA, infoB) {
		t.Error("expected a and b to remain distinct files")
	}
}

func TestReplaceSymlinksFileAndDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "real"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "real", "leaf.txt"), []byte("leaf"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "target.txt"), []byte("target"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("target.txt", filepath.Join(dir, "link.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real", filepath.Join(dir, "linkdir")); err != nil {
		t.Fatal(err)
	}

	if err := ReplaceSymlinks(sbgo.NewCtx("test"), dir); err != nil {
		t.Fatal(err)
	}

	info, err := os.Lstat(filepath.Join(dir, "link.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t.Error("link.txt is still a symlink after ReplaceSymlinks")
	}
	contents, err := os.ReadFile(filepath.Join(dir, "link.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "target" {
		t.Errorf("link.txt contents = %q, want %q", contents, "target")
	}

	info, err = os.Lstat(filepath.Join(dir, "linkdir"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
		t.Error("linkdir is not a plain directory after ReplaceSymlinks")
	}
	contents, err = os.ReadFile(filepath.Join(dir, "linkdir", "leaf.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "leaf" {
		t.Errorf("linkdir/leaf.txt contents = %q, want %q", contents, "leaf")
	}
}

func TestReplaceSymlinksRejectsAbsoluteTarget(t *testing.T) {
	dir := t.TempDir()
	if err := os.Symlink("/etc/passwd", filepath.Join(dir, "bad")); err != nil {
		t.Fatal(err)
	}
	if err := ReplaceSymlinks(sbgo.NewCtx("test"), dir); err == nil {
		t.Error("expected error for absolute symlink target")
	}
}

func TestReplaceSymlinksRejectsEscapingTarget(t *testing.T) {
	dir := t.TempDir()
	if err := os.Symlink("../outside", filepath.Join(dir, "bad")); err != nil {
		t.Fatal(err)
	}
	if err := ReplaceSymlinks(sbgo.NewCtx("test"), dir); err == nil {
		t.Error("expected error for symlink escaping the tree root")
	}
}

func TestTarCommandIncludesDeterminismFlags(t *testing.T) {
	argv := TarCommand("out.tar.xz", "toolchain-1.0", 1700000000)
	joined := ""
	for _, a := range argv {
		joined += a + " "
	}
	for _, want := range []string{"--sort=name", "--mtime=@1700000000", "--numeric-owner", "out.tar.xz"} {
		if !contains(argv, want) {
			t.Errorf("tar argv %v missing %q", argv, want)
		}
	}
	_ = joined
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
