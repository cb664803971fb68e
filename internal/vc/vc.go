// Package vc checks out component sources from a version-control
// system or a tarball, and runs the post-checkout timestamp-fixing
// hooks a component class declares.
//
// Grounded on original_source/sourcery/vc.py.
package vc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/go-github/v27/github"
	"golang.org/x/oauth2"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/relcfg"
)

// checkoutable is the subset of a component class vc needs beyond
// relcfg.ComponentClass: the checkout-time hooks owned by
// internal/component's richer ComponentClass. Declared narrowly here,
// rather than imported from internal/component, to avoid requiring
// every relcfg.ComponentClass (a much smaller, already-satisfied
// interface) to also implement these two methods.
type checkoutable interface {
	FilesToTouch() []string
	Postcheckout(ctx *sbgo.Ctx, comp *relcfg.ComponentInConfig) error
}

// runCommand runs argv with the given working directory (ignored if
// empty), returning an ExecError carrying the combined output on
// failure.
func runCommand(argv []string, cwd string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return sbgo.NewExecError("%v: %s", argv, out.String()).WithErr(err)
	}
	return nil
}

// VCSystem checks out or updates sources for one component from a
// single underlying system; it implements relcfg.VC's Checkout
// method directly, and backs CheckoutComponent's higher-level
// update-or-create logic.
type VCSystem interface {
	// Checkout checks sources out to srcdir (update false) or updates
	// an existing checkout (update true). The parent directory of
	// srcdir always exists already; for update false, srcdir itself
	// must not exist yet.
	Checkout(ctx *sbgo.Ctx, srcdir string, update bool) error
}

// CheckoutComponent checks out or updates sources for comp (creating
// srcdir's parent directory as needed), then touches the files named
// by comp.Cls's FilesToTouch globs and runs its Postcheckout hook.
// comp.Cls must additionally implement checkoutable (internal/component's
// ComponentClass does); components whose class does not are only
// usable for dependency bookkeeping, not checkout, matching the
// source's assumption that every real component class carries both
// hook sets.
func CheckoutComponent(ctx *sbgo.Ctx, vcs VCSystem, comp *relcfg.ComponentInConfig, srcdir string) error {
	update := true
	if _, err := os.Stat(srcdir); err != nil {
		if !os.IsNotExist(err) {
			return sbgo.NewExecError("checking for existing checkout at %s", srcdir).WithErr(err)
		}
		update = false
		if err := os.MkdirAll(filepath.Dir(srcdir), 0o755); err != nil {
			return sbgo.NewExecError("creating parent directory of %s", srcdir).WithErr(err)
		}
	}
	if err := vcs.Checkout(ctx, srcdir, update); err != nil {
		return err
	}

	hooks, ok := comp.Cls.(checkoutable)
	if !ok {
		return nil
	}

	var toTouch []string
	for _, pattern := range hooks.FilesToTouch() {
		matches, err := doublestar.FilepathGlob(filepath.Join(srcdir, pattern))
		if err != nil {
			return sbgo.NewConfigError("invalid files-to-touch pattern %q", pattern).WithErr(err)
		}
		toTouch = append(toTouch, matches...)
	}
	if len(toTouch) > 0 {
		sort.Strings(toTouch)
		if err := runCommand(append([]string{"touch"}, toTouch...), ""); err != nil {
			return err
		}
	}

	return hooks.Postcheckout(ctx, comp)
}

// GitVC checks out sources from a git repository.
type GitVC struct {
	URI    string
	Branch string // defaults to "master" if empty
}

func (v GitVC) branch() string {
	if v.Branch == "" {
		return "master"
	}
	return v.Branch
}

func (v GitVC) Checkout(ctx *sbgo.Ctx, srcdir string, update bool) error {
	if update {
		return runCommand([]string{"git", "pull", "-q"}, srcdir)
	}
	return runCommand([]string{"git", "clone", "-b", v.branch(), "-q", v.URI, srcdir}, "")
}

// SvnVC checks out sources from a Subversion repository.
//
// --ignore-externals is used so that tagging and branching cover all
// of the sources without depending on some other repository.
type SvnVC struct {
	URI string
}

func (v SvnVC) Checkout(ctx *sbgo.Ctx, srcdir string, update bool) error {
	if update {
		return runCommand([]string{"svn", "-q", "update", "--ignore-externals", "--non-interactive"}, srcdir)
	}
	return runCommand([]string{"svn", "-q", "co", "--ignore-externals", v.URI, srcdir}, "")
}

// TarVC "checks out" sources by unpacking a tarball. Updating is not
// supported; the tarball is assumed immutable once referenced from a
// release config.
type TarVC struct {
	Path string
}

func (v TarVC) Checkout(ctx *sbgo.Ctx, srcdir string, update bool) error {
	if update {
		ctx.Inform("not updating %s from tarball", srcdir)
		return nil
	}
	return extractSingleDirTarball(v.Path, srcdir)
}

// extractSingleDirTarball unpacks the tarball at tarPath into a
// scratch directory beside srcdir. If it unpacked to a single
// top-level directory, that becomes srcdir; otherwise the unpacked
// contents themselves become srcdir.
func extractSingleDirTarball(tarPath, srcdir string) error {
	parent := filepath.Dir(srcdir)
	tempdir, err := os.MkdirTemp(parent, "tar-")
	if err != nil {
		return sbgo.NewExecError("creating temporary directory under %s", parent).WithErr(err)
	}
	defer os.RemoveAll(tempdir)

	thisdir := filepath.Join(tempdir, "tar-contents")
	if err := os.Mkdir(thisdir, 0o755); err != nil {
		return sbgo.NewExecError("creating %s", thisdir).WithErr(err)
	}
	if err := runCommand([]string{"tar", "-x", "-f", tarPath}, thisdir); err != nil {
		return err
	}

	entries, err := os.ReadDir(thisdir)
	if err != nil {
		return sbgo.NewExecError("reading unpacked tarball contents").WithErr(err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return os.Rename(filepath.Join(thisdir, entries[0].Name()), srcdir)
	}
	return os.Rename(thisdir, srcdir)
}

// GitHubVC checks out sources by downloading a repository archive
// from the GitHub API at a fixed ref (tag, branch or commit SHA),
// then unpacking it the same way TarVC does. It uses go-github for
// the API call and oauth2 for an optional access token.
type GitHubVC struct {
	Owner, Repo, Ref string

	// AccessToken authenticates requests against GitHub's rate limits;
	// empty means anonymous access.
	AccessToken string
}

func (v GitHubVC) client(ctx context.Context) *github.Client {
	if v.AccessToken == "" {
		return github.NewClient(nil)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: v.AccessToken})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

func (v GitHubVC) Checkout(ctx *sbgo.Ctx, srcdir string, update bool) error {
	if update {
		ctx.Inform("not updating %s from GitHub archive; re-checkout to pick up a new ref", srcdir)
		return nil
	}

	gctx := context.Background()
	archiveURL, _, err := v.client(gctx).Repositories.GetArchiveLink(
		gctx, v.Owner, v.Repo, github.Tarball, &github.RepositoryContentGetOptions{Ref: v.Ref}, true)
	if err != nil {
		return sbgo.NewExecError("resolving GitHub archive link for %s/%s@%s", v.Owner, v.Repo, v.Ref).WithErr(err)
	}

	resp, err := http.Get(archiveURL.String())
	if err != nil {
		return sbgo.NewExecError("downloading GitHub archive for %s/%s@%s", v.Owner, v.Repo, v.Ref).WithErr(err)
	}
	defer resp.Body.Close()

	parent := filepath.Dir(srcdir)
	archive, err := os.CreateTemp(parent, "gh-archive-")
	if err != nil {
		return sbgo.NewExecError("creating temporary archive file under %s", parent).WithErr(err)
	}
	defer os.Remove(archive.Name())
	if _, err := io.Copy(archive, resp.Body); err != nil {
		archive.Close()
		return sbgo.NewExecError("saving GitHub archive for %s/%s@%s", v.Owner, v.Repo, v.Ref).WithErr(err)
	}
	if err := archive.Close(); err != nil {
		return sbgo.NewExecError("closing GitHub archive").WithErr(err)
	}

	return extractSingleDirTarball(archive.Name(), srcdir)
}
