// Package fstree implements the filesystem-tree algebra: a materialized
// layer (Copy/Map/Symlink nodes, expanded and exported on demand) and a
// lazy layer (internal/fstree/lazy.go) of deferred recipes that record
// install-tree dependencies without touching disk until exported.
//
// Grounded on sourcery/fstree.py.
package fstree

import (
	"bytes"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sourcerytools/sbgo"
)

// Node is a materialized filesystem tree node: Copy (a subtree already on
// disk), Map (a synthetic directory of named children) or Symlink (a
// symbolic link with a literal target string).
type Node interface {
	// IsDir reports whether this node denotes a directory.
	IsDir() bool

	isNode()
}

// Copy is a node whose contents are a subtree already present on disk at
// Path. Copy may denote a file, directory, or symlink.
type Copy struct {
	Path string
}

func (c Copy) isNode() {}

func (c Copy) IsDir() bool {
	fi, err := os.Lstat(c.Path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSymlink == 0 && fi.IsDir()
}

// Map is a synthetic directory: a set of named children, each itself a
// Node. Map nodes are always directories.
type Map struct {
	Children map[string]Node
}

func (m Map) isNode() {}

func (m Map) IsDir() bool { return true }

// Symlink is a symbolic link whose target is the literal string Target
// (not resolved against anything on disk).
type Symlink struct {
	Target string
}

func (s Symlink) isNode() {}

func (s Symlink) IsDir() bool { return false }

func validatePath(ctx *sbgo.Ctx, p string) error {
	if p == "" || p == "." || p == ".." {
		return sbgo.NewTreeError("invalid path: %q", p)
	}
	if strings.Contains(p, "//") {
		return sbgo.NewTreeError("invalid path (double slash): %q", p)
	}
	if strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return sbgo.NewTreeError("invalid path (leading/trailing slash): %q", p)
	}
	return nil
}

// splitPath splits a validated relative path into its components.
func splitPath(p string) []string {
	return strings.Split(p, "/")
}

// Expand returns a Map-equivalent view of n. For a directory Copy, the
// returned Map's children are one-level Copy nodes for every directory
// entry. For a Map, Expand returns n unchanged. On a non-directory Expand
// returns a TreeError; callers must check IsDir first.
func Expand(ctx *sbgo.Ctx, n Node) (Map, error) {
	switch v := n.(type) {
	case Map:
		return v, nil
	case Copy:
		if !v.IsDir() {
			return Map{}, sbgo.NewTreeError("cannot expand non-directory: %s", v.Path)
		}
		entries, err := ioutil.ReadDir(v.Path)
		if err != nil {
			return Map{}, sbgo.NewTreeError("reading %s", v.Path).WithErr(err)
		}
		children := make(map[string]Node, len(entries))
		for _, e := range entries {
			children[e.Name()] = Copy{Path: filepath.Join(v.Path, e.Name())}
		}
		return Map{Children: children}, nil
	default:
		return Map{}, sbgo.NewTreeError("cannot expand non-directory node")
	}
}

// contents returns the byte contents of a leaf node (regular file or
// symlink target string) plus its mode bits, for union's duplicate-content
// comparison. ok is false for directories.
func contents(n Node) (data []byte, mode os.FileMode, ok bool, err error) {
	switch v := n.(type) {
	case Symlink:
		return []byte(v.Target), os.ModeSymlink, true, nil
	case Copy:
		fi, lerr := os.Lstat(v.Path)
		if lerr != nil {
			return nil, 0, false, lerr
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, rerr := os.Readlink(v.Path)
			if rerr != nil {
				return nil, 0, false, rerr
			}
			return []byte(target), os.ModeSymlink, true, nil
		}
		if fi.IsDir() {
			return nil, 0, false, nil
		}
		b, rerr := ioutil.ReadFile(v.Path)
		if rerr != nil {
			return nil, 0, false, rerr
		}
		return b, fi.Mode().Perm(), true, nil
	default:
		return nil, 0, false, nil
	}
}

// Union merges two directory nodes at diagnostic path p. Both operands
// must be directories. Names present on only one side pass through;
// names present on both recurse. When allowDup is true, a leaf name
// present on both sides succeeds iff its contents (bytes and mode for
// files, target string for symlinks) are equal; otherwise it is an
// InconsistentUnion error. When allowDup is false, any leaf collision is
// an error regardless of content equality.
func Union(ctx *sbgo.Ctx, a, b Node, p string, allowDup bool) (Node, error) {
	if !a.IsDir() {
		return nil, sbgo.NewTreeError("non-directory in union: %s", p)
	}
	if !b.IsDir() {
		return nil, sbgo.NewTreeError("non-directory in union: %s", p)
	}
	ma, err := Expand(ctx, a)
	if err != nil {
		return nil, err
	}
	mb, err := Expand(ctx, b)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Node, len(ma.Children)+len(mb.Children))
	for name, na := range ma.Children {
		out[name] = na
	}
	for name, nb := range mb.Children {
		childPath := path.Join(p, name)
		na, collide := out[name]
		if !collide {
			out[name] = nb
			continue
		}
		if na.IsDir() && nb.IsDir() {
			merged, err := Union(ctx, na, nb, childPath, allowDup)
			if err != nil {
				return nil, err
			}
			out[name] = merged
			continue
		}
		if na.IsDir() != nb.IsDir() {
			return nil, sbgo.NewTreeError("non-directory in union: %s", childPath)
		}
		if !allowDup {
			return nil, sbgo.NewTreeError("inconsistent union: %s", childPath)
		}
		da, ma2, oka, erra := contents(na)
		db, mb2, okb, errb := contents(nb)
		if erra != nil {
			return nil, erra
		}
		if errb != nil {
			return nil, errb
		}
		if !oka || !okb || ma2 != mb2 || !bytes.Equal(da, db) {
			return nil, sbgo.NewTreeError("inconsistent union: %s", childPath)
		}
		out[name] = na
	}
	return Map{Children: out}, nil
}

// classifyLevel splits a set of patterns relevant to one directory's
// children into named patterns (head is a literal/glob child-name
// component, possibly after repeatedly peeling off leading "**"
// components that contribute zero levels) and the set of "**"-headed
// patterns that must additionally be handed, unchanged, to every child
// (the "**" consumes one more level and recurses with itself unchanged;
// bounded because each step here either strictly shortens the pattern
// being classified, here, or defers to real tree recursion in the
// caller). An empty named pattern means "matches regardless of name"
// (e.g. "a/**" matching everything under "a").
func classifyLevel(patterns [][]string) (named [][]string, passAll [][]string) {
	queue := append([][]string(nil), patterns...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if len(p) > 0 && p[0] == "**" {
			passAll = append(passAll, p)
			queue = append(queue, p[1:])
		} else {
			named = append(named, p)
		}
	}
	return named, passAll
}

// Remove returns a copy of n with every path matching one of paths (each a
// slash-separated glob pattern, components matched with path.Match,
// "**" a zero-or-more-levels wildcard) deleted. If n is not a directory,
// Remove returns n unchanged, per spec. Subdirectories left empty by
// removal are themselves removed; subdirectories that were already empty
// are preserved.
func Remove(ctx *sbgo.Ctx, n Node, paths []string) (Node, error) {
	if !n.IsDir() {
		return n, nil
	}
	patterns := make([][]string, 0, len(paths))
	for _, p := range paths {
		if err := validatePath(ctx, p); err != nil {
			return nil, err
		}
		patterns = append(patterns, splitPath(p))
	}
	return removeMap(ctx, n, patterns, true)
}

// removeMap implements Remove (deleting=true) and Extract (deleting=false,
// the complement: keep only matches).
func removeMap(ctx *sbgo.Ctx, n Node, patterns [][]string, deleting bool) (Node, error) {
	m, err := Expand(ctx, n)
	if err != nil {
		return nil, err
	}
	named, passAll := classifyLevel(patterns)
	matchAll := false
	var namedHeads [][]string
	for _, p := range named {
		if len(p) == 0 {
			matchAll = true
		} else {
			namedHeads = append(namedHeads, p)
		}
	}

	out := make(map[string]Node, len(m.Children))
	for name, child := range m.Children {
		isMatched := matchAll
		var subPatterns [][]string
		for _, p := range namedHeads {
			head, rest := p[0], p[1:]
			if ok, _ := path.Match(head, name); !ok {
				continue
			}
			if len(rest) == 0 {
				isMatched = true
			} else {
				subPatterns = append(subPatterns, rest)
			}
		}
		subPatterns = append(subPatterns, passAll...)

		switch {
		case deleting:
			if isMatched {
				continue // deleted
			}
			if len(subPatterns) > 0 && child.IsDir() {
				newChild, err := removeMap(ctx, child, subPatterns, true)
				if err != nil {
					return nil, err
				}
				if cm, ok := newChild.(Map); ok && len(cm.Children) == 0 {
					orig, err := Expand(ctx, child)
					if err != nil {
						return nil, err
					}
					if len(orig.Children) != 0 {
						continue // became empty by removal: drop it
					}
				}
				out[name] = newChild
				continue
			}
			out[name] = child
		default: // extracting: keep only matches
			if isMatched {
				out[name] = child
				continue
			}
			if len(subPatterns) > 0 && child.IsDir() {
				newChild, err := removeMap(ctx, child, subPatterns, false)
				if err != nil {
					return nil, err
				}
				if cm, ok := newChild.(Map); ok && len(cm.Children) == 0 {
					continue
				}
				out[name] = newChild
			}
		}
	}
	return Map{Children: out}, nil
}

// Extract returns a copy of n containing only paths matching one of
// paths; n must be a directory. Empty directories are kept only when a
// pattern's final component directly matches them.
func Extract(ctx *sbgo.Ctx, n Node, paths []string) (Node, error) {
	if !n.IsDir() {
		return nil, sbgo.NewTreeError("extract from non-directory")
	}
	patterns := make([][]string, 0, len(paths))
	for _, p := range paths {
		if err := validatePath(ctx, p); err != nil {
			return nil, err
		}
		patterns = append(patterns, splitPath(p))
	}
	return removeMap(ctx, n, patterns, false)
}

// ExtractOne returns the node found by following p literally (no globs)
// from n, which must be a directory.
func ExtractOne(ctx *sbgo.Ctx, n Node, p string) (Node, error) {
	if !n.IsDir() {
		return nil, sbgo.NewTreeError("extract_one from non-directory")
	}
	if err := validatePath(ctx, p); err != nil {
		return nil, err
	}
	cur := n
	for _, comp := range splitPath(p) {
		if !cur.IsDir() {
			return nil, sbgo.NewTreeError("extract_one: %s is not a directory", p)
		}
		m, err := Expand(ctx, cur)
		if err != nil {
			return nil, err
		}
		child, ok := m.Children[comp]
		if !ok {
			return nil, sbgo.NewTreeError("extract_one: no such path: %s", p)
		}
		cur = child
	}
	return cur, nil
}

// Export materializes n to disk at dst. dst must not already exist; its
// parent directory must.
func Export(ctx *sbgo.Ctx, n Node, dst string) error {
	switch v := n.(type) {
	case Symlink:
		return os.Symlink(v.Target, dst)
	case Copy:
		return copyRecursive(v.Path, dst)
	case Map:
		if err := os.Mkdir(dst, 0o755); err != nil {
			return sbgo.NewTreeError("mkdir %s", dst).WithErr(err)
		}
		names := make([]string, 0, len(v.Children))
		for name := range v.Children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := Export(ctx, v.Children[name], filepath.Join(dst, name)); err != nil {
				return err
			}
		}
		return nil
	default:
		return sbgo.NewTreeError("export: unknown node type")
	}
}

func copyRecursive(src, dst string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case fi.IsDir():
		if err := os.Mkdir(dst, fi.Mode().Perm()); err != nil {
			return err
		}
		entries, err := ioutil.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyRecursive(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		data, err := ioutil.ReadFile(src)
		if err != nil {
			return err
		}
		return ioutil.WriteFile(dst, data, fi.Mode().Perm())
	}
}
