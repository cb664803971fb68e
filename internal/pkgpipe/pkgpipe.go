// Package pkgpipe implements the packaging primitives used to turn a
// materialized install tree into deterministic, packagable output:
// canonical permissions, hard-linking duplicate file contents,
// symlink resolution/replacement, and the final tar invocation.
//
// Grounded on sourcery/package.py.
package pkgpipe

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/tsort"
)

const (
	noExecPerm = 0o644
	execPerm   = 0o755
)

// FixPerms recursively normalizes permissions under path to a canonical
// form for packaging: directories become 0755, files become 0755 or
// 0644 depending on whether they were already user-executable.
// Symlink permissions are left untouched (they are not meaningful on
// the platforms this targets).
func FixPerms(path string) error {
	if err := os.Chmod(path, execPerm); err != nil {
		return sbgo.NewTreeError("chmod %s", path).WithErr(err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return sbgo.NewTreeError("read directory %s", path).WithErr(err)
	}
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		info, err := os.Lstat(full)
		if err != nil {
			return sbgo.NewTreeError("lstat %s", full).WithErr(err)
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			continue
		case info.IsDir():
			if err := FixPerms(full); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			mode := execPerm
			if info.Mode().Perm()&0o100 == 0 {
				mode = noExecPerm
			}
			if err := os.Chmod(full, os.FileMode(mode)); err != nil {
				return sbgo.NewTreeError("chmod %s", full).WithErr(err)
			}
		}
	}
	return nil
}

type fileKey struct {
	digest [sha256.Size]byte
	mode   os.FileMode
}

// HardLinkFiles walks path and converts files with identical contents
// and permissions into hard links of one another, to save space when
// install-tree processing has broken hard links that originally
// existed (e.g. from a component's "make install"), or when per-
// multilib outputs happen to be byte-identical. It is an error for two
// files with the same content hash to actually differ (a hash
// collision); directories containing files to be linked must be
// writable.
func HardLinkFiles(ctx *sbgo.Ctx, path string) error {
	groups := map[fileKey][]string{}
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		key := fileKey{digest: sha256.Sum256(data), mode: info.Mode().Perm()}
		groups[key] = append(groups[key], p)
		return nil
	})
	if err != nil {
		return sbgo.NewTreeError("walking %s for hard-linking", path).WithErr(err)
	}

	keys := make([]fileKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].digest[:], keys[j].digest[:]) < 0
	})

	for _, key := range keys {
		files := groups[key]
		if len(files) < 2 {
			continue
		}
		sort.Strings(files)
		first := files[0]
		firstContents, err := os.ReadFile(first)
		if err != nil {
			return sbgo.NewTreeError("reading %s", first).WithErr(err)
		}
		for _, name := range files[1:] {
			contents, err := os.ReadFile(name)
			if err != nil {
				return sbgo.NewTreeError("reading %s", name).WithErr(err)
			}
			if !bytes.Equal(contents, firstContents) {
				return sbgo.NewTreeError("hash collision: %s and %s", first, name)
			}
			if err := os.Remove(name); err != nil {
				return sbgo.NewTreeError("removing %s before hard-linking", name).WithErr(err)
			}
			if err := os.Link(first, name); err != nil {
				return sbgo.NewTreeError("hard-linking %s to %s", name, first).WithErr(err)
			}
		}
	}
	return nil
}

// ResolveSymlinks resolves the symlink at subPath/linkName (relative to
// topPath) to a path not involving any symlinks, returning the
// resolved path as its slash-joined relative components. No resolved
// path may go outside topPath (via ".." or an absolute symlink
// target); dangling symlinks are rejected unless requireDir is false
// and the target is a file. beingResolved tracks symlinks currently
// being resolved, to detect cycles.
func ResolveSymlinks(topPath string, subPath []string, linkName string, requireDir bool, beingResolved map[string]bool) ([]string, error) {
	newPath := append(append([]string{}, subPath...), linkName)
	newPathKey := strings.Join(newPath, "/")
	newPathFull := filepath.Join(append([]string{topPath}, newPath...)...)
	if beingResolved[newPathKey] {
		return nil, sbgo.NewTreeError("symbolic link cycle: %s", newPathFull)
	}
	beingResolved[newPathKey] = true
	defer delete(beingResolved, newPathKey)

	linkContents, err := os.Readlink(newPathFull)
	if err != nil {
		return nil, sbgo.NewTreeError("reading symlink %s", newPathFull).WithErr(err)
	}
	if strings.HasPrefix(linkContents, "/") {
		return nil, sbgo.NewTreeError("absolute symbolic link: %s", newPathFull)
	}
	if strings.HasSuffix(linkContents, "/") {
		requireDir = true
	}
	var linkElements []string
	for _, d := range strings.Split(linkContents, "/") {
		if d != "" {
			linkElements = append(linkElements, d)
		}
	}

	for pos, elt := range linkElements {
		thisRequireDir := requireDir || pos < len(linkElements)-1
		switch elt {
		case ".":
			continue
		case "..":
			if len(subPath) == 0 {
				return nil, sbgo.NewTreeError("symbolic link goes outside %s: %s", topPath, newPathFull)
			}
			subPath = subPath[:len(subPath)-1]
			continue
		}
		eltPath := append(append([]string{}, subPath...), elt)
		eltPathFull := filepath.Join(append([]string{topPath}, eltPath...)...)
		info, err := os.Lstat(eltPathFull)
		if err != nil {
			return nil, sbgo.NewTreeError("lstat %s", eltPathFull).WithErr(err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			subPath, err = ResolveSymlinks(topPath, subPath, elt, thisRequireDir, beingResolved)
			if err != nil {
				return nil, err
			}
		} else {
			if thisRequireDir && !info.IsDir() {
				return nil, sbgo.NewTreeError("not a directory: %s", eltPathFull)
			}
			subPath = eltPath
		}
	}
	return subPath, nil
}

// ReplaceSymlinks replaces every symlink under topPath with a copy of
// the file or directory it resolves to, applying the same rules as
// ResolveSymlinks (no dangling, absolute, or outside-topPath targets).
// Symlinks are replaced in dependency order (a symlink nested under
// another symlink's target is replaced first), via internal/tsort, so
// that by the time a directory symlink is copied its own contents are
// already fully resolved. This is done explicitly rather than by
// copying the tree with symlinks followed, so every error condition is
// detected reliably instead of silently producing a wrong tree or an
// OS-level copy failure.
func ReplaceSymlinks(ctx *sbgo.Ctx, topPath string) error {
	symlinks := map[string][]string{} // slash-joined link path -> target components
	err := filepath.Walk(topPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(topPath, p)
		if err != nil {
			return err
		}
		var subPath []string
		dir := filepath.Dir(rel)
		name := filepath.Base(rel)
		if dir != "." {
			subPath = strings.Split(dir, string(filepath.Separator))
		}
		target, err := ResolveSymlinks(topPath, subPath, name, false, map[string]bool{})
		if err != nil {
			return err
		}
		symlinks[strings.Join(append(subPath, name), "/")] = target
		return nil
	})
	if err != nil {
		return err
	}

	symlinksUnder := map[string]map[string]bool{}
	for link := range symlinks {
		parts := strings.Split(link, "/")
		for sublen := 0; sublen <= len(parts); sublen++ {
			prefix := strings.Join(parts[:sublen], "/")
			if symlinksUnder[prefix] == nil {
				symlinksUnder[prefix] = map[string]bool{}
			}
			symlinksUnder[prefix][link] = true
		}
	}

	deps := map[string][]string{}
	for link, target := range symlinks {
		targetKey := strings.Join(target, "/")
		for under := range symlinksUnder[targetKey] {
			deps[link] = append(deps[link], under)
		}
		if deps[link] == nil {
			deps[link] = []string{}
		}
	}

	sortedDeps, err := tsort.Sort(ctx, deps)
	if err != nil {
		return err
	}

	for _, link := range sortedDeps {
		target := strings.Join(symlinks[link], "/")
		linkFull := filepath.Join(topPath, link)
		targetFull := filepath.Join(topPath, target)
		if err := os.Remove(linkFull); err != nil {
			return sbgo.NewTreeError("removing symlink %s", linkFull).WithErr(err)
		}
		info, err := os.Lstat(targetFull)
		if err != nil {
			return sbgo.NewTreeError("lstat %s", targetFull).WithErr(err)
		}
		if info.IsDir() {
			if err := copyTree(targetFull, linkFull); err != nil {
				return err
			}
		} else {
			if err := copyFile(targetFull, linkFull, info.Mode()); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return sbgo.NewTreeError("opening %s", src).WithErr(err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return sbgo.NewTreeError("creating %s", dst).WithErr(err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return sbgo.NewTreeError("copying %s to %s", src, dst).WithErr(err)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(p, target, info.Mode())
	})
}

// TarCommand returns a tar argv to create a deterministic tarball
// package. It must be run in the directory to be packaged; topDirName
// is used as the name of the top-level directory in the tarball, and
// sourceDateEpoch for timestamps, so builds are reproducible given the
// same inputs.
func TarCommand(outputName, topDirName string, sourceDateEpoch int64) []string {
	return []string{
		"tar", "-c", "-J", "-f", outputName,
		"--sort=name",
		fmt.Sprintf("--mtime=@%d", sourceDateEpoch),
		"--owner=0", "--group=0", "--numeric-owner",
		fmt.Sprintf(`--transform=s|^\.|%s|rSh`, topDirName),
		".",
	}
}
