package fstree

import (
	"os"

	"github.com/sourcerytools/sbgo"
)

// InstallKey names an install tree as (host, name); host is an opaque
// identifier supplied by the caller (typically a PkgHost or BuildCfg
// name, or "" for the build host), matching spec §3's "install-tree
// namespace".
type InstallKey struct {
	Host string
	Name string
}

// Recipe is a lazy, value-typed, shareable description of a filesystem
// tree. Recipes form a DAG via Union and are never mutated after
// construction; materializing one (ExportMap/Export) does not affect any
// other recipe that shares a sub-recipe. Every recipe records the set of
// install-tree dependencies reachable from its Copy leaves, so the task
// graph can compute dependency edges without materializing anything.
type Recipe interface {
	// InstallTrees returns the set of (host, name) pairs this recipe's
	// Copy nodes depend on.
	InstallTrees() map[InstallKey]bool

	// ExportMap materializes this recipe into a Node. resolve maps an
	// InstallKey to the on-disk path of that install tree; it is called
	// for every Copy node reachable from this recipe.
	ExportMap(ctx *sbgo.Ctx, resolve func(InstallKey) (string, error)) (Node, error)
}

func unionKeys(a, b map[InstallKey]bool) map[InstallKey]bool {
	out := make(map[InstallKey]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

// RecipeCopy is a lazy recipe referring to an install tree on disk,
// resolved through the given key at export time.
type RecipeCopy struct {
	Key InstallKey
}

func (r RecipeCopy) InstallTrees() map[InstallKey]bool {
	return map[InstallKey]bool{r.Key: true}
}

func (r RecipeCopy) ExportMap(ctx *sbgo.Ctx, resolve func(InstallKey) (string, error)) (Node, error) {
	p, err := resolve(r.Key)
	if err != nil {
		return nil, err
	}
	return Copy{Path: p}, nil
}

// RecipeEmpty is a lazy recipe for an empty directory.
type RecipeEmpty struct{}

func (RecipeEmpty) InstallTrees() map[InstallKey]bool { return nil }

func (RecipeEmpty) ExportMap(ctx *sbgo.Ctx, resolve func(InstallKey) (string, error)) (Node, error) {
	return Map{Children: map[string]Node{}}, nil
}

// RecipeSymlink is a lazy recipe for a single symlink.
type RecipeSymlink struct {
	Target string
}

func (RecipeSymlink) InstallTrees() map[InstallKey]bool { return nil }

func (r RecipeSymlink) ExportMap(ctx *sbgo.Ctx, resolve func(InstallKey) (string, error)) (Node, error) {
	if r.Target == "" {
		return nil, sbgo.NewTreeError("empty symlink target")
	}
	return Symlink{Target: r.Target}, nil
}

// RecipeMove wraps Inner so that, once materialized, it appears nested
// inside the (possibly multi-component) directory Subdir.
type RecipeMove struct {
	Inner  Recipe
	Subdir string
}

func (r RecipeMove) InstallTrees() map[InstallKey]bool { return r.Inner.InstallTrees() }

func (r RecipeMove) ExportMap(ctx *sbgo.Ctx, resolve func(InstallKey) (string, error)) (Node, error) {
	if err := validatePath(ctx, r.Subdir); err != nil {
		return nil, err
	}
	inner, err := r.Inner.ExportMap(ctx, resolve)
	if err != nil {
		return nil, err
	}
	comps := splitPath(r.Subdir)
	node := inner
	for i := len(comps) - 1; i >= 0; i-- {
		node = Map{Children: map[string]Node{comps[i]: node}}
	}
	return node, nil
}

// RecipeRemove lazily applies Remove to Inner once materialized.
type RecipeRemove struct {
	Inner Recipe
	Paths []string
}

func (r RecipeRemove) InstallTrees() map[InstallKey]bool { return r.Inner.InstallTrees() }

func (r RecipeRemove) ExportMap(ctx *sbgo.Ctx, resolve func(InstallKey) (string, error)) (Node, error) {
	inner, err := r.Inner.ExportMap(ctx, resolve)
	if err != nil {
		return nil, err
	}
	return Remove(ctx, inner, r.Paths)
}

// RecipeExtract lazily applies Extract to Inner once materialized.
type RecipeExtract struct {
	Inner Recipe
	Paths []string
}

func (r RecipeExtract) InstallTrees() map[InstallKey]bool { return r.Inner.InstallTrees() }

func (r RecipeExtract) ExportMap(ctx *sbgo.Ctx, resolve func(InstallKey) (string, error)) (Node, error) {
	inner, err := r.Inner.ExportMap(ctx, resolve)
	if err != nil {
		return nil, err
	}
	return Extract(ctx, inner, r.Paths)
}

// RecipeExtractOne lazily applies ExtractOne to Inner once materialized.
type RecipeExtractOne struct {
	Inner Recipe
	Path  string
}

func (r RecipeExtractOne) InstallTrees() map[InstallKey]bool { return r.Inner.InstallTrees() }

func (r RecipeExtractOne) ExportMap(ctx *sbgo.Ctx, resolve func(InstallKey) (string, error)) (Node, error) {
	inner, err := r.Inner.ExportMap(ctx, resolve)
	if err != nil {
		return nil, err
	}
	return ExtractOne(ctx, inner, r.Path)
}

// RecipeUnion is a lazy union of two recipes, recording the union of
// their install-tree dependencies.
type RecipeUnion struct {
	First, Second Recipe
	AllowDup      bool
}

func (r RecipeUnion) InstallTrees() map[InstallKey]bool {
	return unionKeys(r.First.InstallTrees(), r.Second.InstallTrees())
}

func (r RecipeUnion) ExportMap(ctx *sbgo.Ctx, resolve func(InstallKey) (string, error)) (Node, error) {
	a, err := r.First.ExportMap(ctx, resolve)
	if err != nil {
		return nil, err
	}
	b, err := r.Second.ExportMap(ctx, resolve)
	if err != nil {
		return nil, err
	}
	return Union(ctx, a, b, "", r.AllowDup)
}

// ExportRecipe materializes recipe r and writes it to disk at dst, which
// must not already exist.
func ExportRecipe(ctx *sbgo.Ctx, r Recipe, resolve func(InstallKey) (string, error), dst string) error {
	n, err := r.ExportMap(ctx, resolve)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		return sbgo.NewTreeError("export destination already exists: %s", dst)
	}
	return Export(ctx, n, dst)
}
