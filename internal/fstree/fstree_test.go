package fstree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sourcerytools/sbgo"
)

func mustWrite(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func flatten(t *testing.T, ctx *sbgo.Ctx, n Node, prefix string, out map[string]string) {
	t.Helper()
	switch v := n.(type) {
	case Symlink:
		out[prefix] = "symlink:" + v.Target
	case Copy, Map:
		if c, ok := n.(Copy); ok && !c.IsDir() {
			data, err := os.ReadFile(c.Path)
			if err != nil {
				t.Fatal(err)
			}
			out[prefix] = "file:" + string(data)
			return
		}
		m, err := Expand(ctx, n)
		if err != nil {
			t.Fatal(err)
		}
		if len(m.Children) == 0 {
			out[prefix+"/"] = "dir"
		}
		for name, child := range m.Children {
			p := name
			if prefix != "" {
				p = prefix + "/" + name
			}
			flatten(t, ctx, child, p, out)
		}
	}
}

func TestPathSafety(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	bad := []string{"", ".", "..", "a//b", "/a", "a/"}
	tmp := t.TempDir()
	mustWrite(t, tmp, "a", "x")
	n := Copy{Path: tmp}
	for _, p := range bad {
		if _, err := Remove(ctx, n, []string{p}); err == nil {
			t.Errorf("Remove(%q): expected error, got none", p)
		}
		if _, err := Extract(ctx, n, []string{p}); err == nil {
			t.Errorf("Extract(%q): expected error, got none", p)
		}
	}
}

func TestUnionIdempotentWithDup(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	tmp := t.TempDir()
	mustWrite(t, tmp, "a/b", "hello\n")
	mustWrite(t, tmp, "a/c", "world\n")
	n := Copy{Path: tmp}
	got, err := Union(ctx, n, n, "", true)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{}
	flatten(t, ctx, n, "", want)
	gotFlat := map[string]string{}
	flatten(t, ctx, got, "", gotFlat)
	if diff := cmp.Diff(want, gotFlat); diff != "" {
		t.Errorf("union(t,t,allow_dup) != t (-want +got):\n%s", diff)
	}
}

func TestUnionRejectsInconsistentWithoutDup(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	tmp := t.TempDir()
	mustWrite(t, tmp, "a", "one\n")
	n := Copy{Path: tmp}
	if _, err := Union(ctx, n, n, "", false); err == nil {
		t.Error("expected inconsistent union error without allow_dup")
	}
}

func TestRemoveExtractComplementarity(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	tmp := t.TempDir()
	mustWrite(t, tmp, "keep/a", "a\n")
	mustWrite(t, tmp, "keep/b", "b\n")
	mustWrite(t, tmp, "drop/c", "c\n")
	n := Copy{Path: tmp}

	removed, err := Remove(ctx, n, []string{"drop"})
	if err != nil {
		t.Fatal(err)
	}
	extracted, err := Extract(ctx, n, []string{"keep"})
	if err != nil {
		t.Fatal(err)
	}
	removedFlat, extractedFlat := map[string]string{}, map[string]string{}
	flatten(t, ctx, removed, "", removedFlat)
	flatten(t, ctx, extracted, "", extractedFlat)
	if diff := cmp.Diff(extractedFlat, removedFlat); diff != "" {
		t.Errorf("remove(drop) != extract(keep) (-extract +remove):\n%s", diff)
	}
}

func TestMoveRoundTrip(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	tmp := t.TempDir()
	mustWrite(t, tmp, "file", "contents\n")
	n := Copy{Path: tmp}

	moved := RecipeMove{Inner: RecipeCopy{Key: InstallKey{Name: "x"}}, Subdir: "sub/dir"}
	resolve := func(InstallKey) (string, error) { return tmp, nil }
	movedNode, err := moved.ExportMap(ctx, resolve)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ExtractOne(ctx, movedNode, "sub/dir")
	if err != nil {
		t.Fatal(err)
	}
	wantFlat, gotFlat := map[string]string{}, map[string]string{}
	flatten(t, ctx, n, "", wantFlat)
	flatten(t, ctx, back, "", gotFlat)
	if diff := cmp.Diff(wantFlat, gotFlat); diff != "" {
		t.Errorf("extract_one(move(t,s),s) != t (-want +got):\n%s", diff)
	}
}

func TestRemoveDoubleStarMatchesAnyDepth(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	tmp := t.TempDir()
	mustWrite(t, tmp, "x", "top\n")
	mustWrite(t, tmp, "a/x", "one\n")
	mustWrite(t, tmp, "a/b/x", "two\n")
	n := Copy{Path: tmp}

	got, err := Remove(ctx, n, []string{"**/x"})
	if err != nil {
		t.Fatal(err)
	}
	flat := map[string]string{}
	flatten(t, ctx, got, "", flat)
	for k := range flat {
		if k == "x" || filepath.Base(k) == "x" {
			t.Errorf("expected all x entries removed, found %s", k)
		}
	}
}

func TestExtractOneLiteralNoGlobs(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	tmp := t.TempDir()
	mustWrite(t, tmp, "dir/file", "hi\n")
	n := Copy{Path: tmp}
	got, err := ExtractOne(ctx, n, "dir/file")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsDir() {
		t.Error("expected a file node")
	}
	if _, err := ExtractOne(ctx, n, "nope"); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestSymlinkEmptyTargetRejected(t *testing.T) {
	ctx := sbgo.NewCtx("test")
	r := RecipeSymlink{Target: ""}
	if _, err := r.ExportMap(ctx, nil); err == nil {
		t.Error("expected error for empty symlink target")
	}
}
