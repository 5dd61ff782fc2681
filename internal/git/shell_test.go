package git

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/482F/sync-config/internal/testutil"
)

func newRepo(t *testing.T) (string, *ShellClient) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	testutil.InitRepo(t, dir, "main")
	return dir, NewShellClient(dir)
}

func subjects(commits []Commit) []string {
	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = c.Subject()
	}
	return out
}

func TestShellClient_IsRepoRoot(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	testutil.CommitFiles(t, dir, map[string]string{"sub/file": "x"}, nil, "init")

	ok, err := c.IsRepoRoot(ctx)
	if err != nil || !ok {
		t.Errorf("repo root: got (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = NewShellClient(filepath.Join(dir, "sub")).IsRepoRoot(ctx)
	if err != nil || ok {
		t.Errorf("subdirectory: got (%v, %v), want (false, nil)", ok, err)
	}

	ok, err = NewShellClient(t.TempDir()).IsRepoRoot(ctx)
	if err != nil || ok {
		t.Errorf("plain directory: got (%v, %v), want (false, nil)", ok, err)
	}
}

func TestShellClient_CurrentRef(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	hash := testutil.CommitFiles(t, dir, map[string]string{"a": "1"}, nil, "init")

	ref, err := c.CurrentRef(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ref != (Ref{Name: "main"}) {
		t.Errorf("got %+v, want branch main", ref)
	}

	testutil.Git(t, dir, "checkout", "-q", "--detach")
	ref, err = c.CurrentRef(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ref.Detached || ref.Name != hash {
		t.Errorf("got %+v, want detached at %s", ref, hash)
	}
}

func TestShellClient_HasUncommittedChanges(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	testutil.CommitFiles(t, dir, map[string]string{"a": "1"}, nil, "init")

	dirty, err := c.HasUncommittedChanges(ctx)
	if err != nil || dirty {
		t.Fatalf("clean tree: got (%v, %v)", dirty, err)
	}

	testutil.WriteFiles(t, dir, map[string]string{"untracked": "x"})
	dirty, err = c.HasUncommittedChanges(ctx)
	if err != nil || !dirty {
		t.Fatalf("untracked file: got (%v, %v)", dirty, err)
	}

	if err := c.DiscardChanges(ctx, "untracked"); err != nil {
		t.Fatal(err)
	}
	dirty, err = c.HasUncommittedChanges(ctx)
	if err != nil || dirty {
		t.Fatalf("after discard: got (%v, %v)", dirty, err)
	}
}

func TestShellClient_DiscardChangesKeepsUnlistedFiles(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	testutil.CommitFiles(t, dir, map[string]string{
		".gitignore": ".env\nbuild/\n",
		"tracked":    "1",
	}, nil, "init")
	testutil.WriteFiles(t, dir, map[string]string{
		".env":          "SECRET=1",
		"build/out.bin": "bin",
		"notes.txt":     "mine",
		"tracked":       "edited",
		"written.txt":   "from a failed step",
	})

	dirty, err := c.HasUncommittedChanges(ctx)
	if err != nil || !dirty {
		t.Fatalf("before discard: got (%v, %v)", dirty, err)
	}

	if err := c.DiscardChanges(ctx, "written.txt"); err != nil {
		t.Fatalf("DiscardChanges: %v", err)
	}

	want := map[string]string{
		".gitignore":    ".env\nbuild/\n",
		".env":          "SECRET=1",
		"build/out.bin": "bin",
		"notes.txt":     "mine",
		"tracked":       "1",
	}
	if diff := cmp.Diff(want, testutil.ReadTree(t, dir)); diff != "" {
		t.Errorf("working tree mismatch (-want +got):\n%s", diff)
	}
}

func TestShellClient_RemoteFetchLog(t *testing.T) {
	ctx := context.Background()
	upstream := filepath.Join(t.TempDir(), "template")
	testutil.InitRepo(t, upstream, "master")
	testutil.CommitFiles(t, upstream, map[string]string{"a": "1"}, nil, "first")
	testutil.CommitFiles(t, upstream, map[string]string{"b": "2"}, nil, "second\n\nwith body")

	_, c := newRepo(t)
	added, err := c.AddRemoteIfNotExists(ctx, "tpl", upstream)
	if err != nil || !added {
		t.Fatalf("AddRemoteIfNotExists: got (%v, %v)", added, err)
	}
	added, err = c.AddRemoteIfNotExists(ctx, "tpl", upstream)
	if err != nil || added {
		t.Fatalf("second AddRemoteIfNotExists: got (%v, %v)", added, err)
	}

	if err := c.Fetch(ctx, "tpl"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	commits, err := c.Log(ctx, "tpl/master")
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if got := subjects(commits); !slices.Equal(got, []string{"first", "second"}) {
		t.Errorf("subjects = %v", got)
	}
	if commits[1].Message != "second\n\nwith body" {
		t.Errorf("message = %q", commits[1].Message)
	}
	if commits[0].AuthorName != "Test" || commits[0].AuthorEmail != "test@test.com" {
		t.Errorf("author = %q <%q>", commits[0].AuthorName, commits[0].AuthorEmail)
	}
}

func TestShellClient_CommitPaths(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	testutil.WriteFiles(t, dir, map[string]string{"x/y": "1"})

	message := AppendMarker("sync", "abcdef12")
	commit, err := c.CommitPaths(ctx, message, []string{"x/y"})
	if err != nil {
		t.Fatalf("CommitPaths: %v", err)
	}
	if commit.Message != message {
		t.Errorf("message = %q, want %q", commit.Message, message)
	}
	if hash := testutil.Git(t, dir, "rev-parse", "HEAD"); commit.Hash != hash {
		t.Errorf("hash = %s, want %s", commit.Hash, hash)
	}

	// nothing changed, still commits
	empty, err := c.CommitPaths(ctx, "empty", nil)
	if err != nil {
		t.Fatalf("empty CommitPaths: %v", err)
	}
	if empty.Hash == commit.Hash {
		t.Error("expected a new commit")
	}
}

func TestShellClient_CommitPathsStagesOnlyListedPaths(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	testutil.CommitFiles(t, dir, map[string]string{
		".gitignore": ".env\n",
		"old.txt":    "old",
		"kept.txt":   "kept",
	}, nil, "init")

	if err := os.Remove(filepath.Join(dir, "old.txt")); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFiles(t, dir, map[string]string{
		".env":              "SECRET=1",
		"notes.txt":         "untracked",
		"kept.txt":          "edited locally",
		"conf/new.txt":      "new",
		"conf/[glob].txt":   "literal",
		"conf/with space.t": "space",
	})

	if _, err := c.CommitPaths(ctx, "sync", []string{"old.txt", "conf/new.txt", "conf/[glob].txt", "conf/with space.t"}); err != nil {
		t.Fatalf("CommitPaths: %v", err)
	}

	got := strings.Split(testutil.Git(t, dir, "ls-tree", "-r", "--name-only", "HEAD"), "\n")
	want := []string{".gitignore", "conf/[glob].txt", "conf/new.txt", "conf/with space.t", "kept.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("committed tree mismatch (-want +got):\n%s", diff)
	}
	if body := testutil.Git(t, dir, "show", "HEAD:kept.txt"); body != "kept" {
		t.Errorf("unlisted modification was committed: %q", body)
	}
	if _, err := os.Stat(filepath.Join(dir, ".env")); err != nil {
		t.Errorf("ignored file touched: %v", err)
	}
}

func TestShellClient_CreateOrphanBranchIfNotExists(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	testutil.CommitFiles(t, dir, map[string]string{"keep.txt": "main", ".gitignore": ".env\n"}, nil, "init")
	testutil.WriteFiles(t, dir, map[string]string{".env": "SECRET=1", "notes.txt": "untracked"})

	created, err := c.CreateOrphanBranchIfNotExists(ctx, "mirror")
	if err != nil || !created {
		t.Fatalf("create: got (%v, %v)", created, err)
	}

	ref, err := c.CurrentRef(ctx)
	if err != nil || ref.Name != "main" {
		t.Fatalf("expected to be back on main, got %+v (%v)", ref, err)
	}
	if got := testutil.ReadTree(t, dir); got["keep.txt"] != "main" {
		t.Errorf("main working tree changed: %v", got)
	}

	commits, err := c.Log(ctx, "mirror")
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 1 || commits[0].Subject() != "initial commit" {
		t.Errorf("mirror history = %v", subjects(commits))
	}
	if files := testutil.Git(t, dir, "ls-tree", "-r", "--name-only", "mirror"); files != "" {
		t.Errorf("orphan branch should be empty, has %q", files)
	}
	want := map[string]string{"keep.txt": "main", ".gitignore": ".env\n", ".env": "SECRET=1", "notes.txt": "untracked"}
	if diff := cmp.Diff(want, testutil.ReadTree(t, dir)); diff != "" {
		t.Errorf("working tree mismatch (-want +got):\n%s", diff)
	}

	created, err = c.CreateOrphanBranchIfNotExists(ctx, "mirror")
	if err != nil || created {
		t.Fatalf("second call: got (%v, %v)", created, err)
	}
}

func TestShellClient_CreateOrphanBranchFromRemote(t *testing.T) {
	ctx := context.Background()
	origin, originClient := newRepo(t)
	testutil.CommitFiles(t, origin, map[string]string{"a": "1"}, nil, "init")
	if _, err := originClient.CreateOrphanBranchIfNotExists(ctx, "mirror"); err != nil {
		t.Fatal(err)
	}

	dir, c := newRepo(t)
	testutil.CommitFiles(t, dir, map[string]string{"b": "2"}, nil, "init")
	if _, err := c.AddRemoteIfNotExists(ctx, "origin", origin); err != nil {
		t.Fatal(err)
	}
	if err := c.Fetch(ctx, "origin"); err != nil {
		t.Fatal(err)
	}

	created, err := c.CreateOrphanBranchIfNotExists(ctx, "mirror")
	if err != nil || created {
		t.Fatalf("got (%v, %v), want existing remote branch to be tracked", created, err)
	}
	want := testutil.Git(t, origin, "rev-parse", "mirror")
	if got := testutil.Git(t, dir, "rev-parse", "mirror"); got != want {
		t.Errorf("local mirror at %s, want %s", got, want)
	}
}

// sideCommits creates commits on a branch forked from main and returns
// their hashes, leaving main checked out.
func sideCommits(t *testing.T, dir string, files ...map[string]string) []string {
	t.Helper()
	testutil.Git(t, dir, "checkout", "-q", "-b", "side")
	hashes := make([]string, len(files))
	for i, f := range files {
		hashes[i] = testutil.CommitFiles(t, dir, f, nil, "side "+testutil.SortedKeys(f)[0])
	}
	testutil.Git(t, dir, "checkout", "-q", "main")
	return hashes
}

func TestShellClient_CherryPickAndSquash(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	testutil.CommitFiles(t, dir, map[string]string{"base": "0"}, nil, "base")
	hashes := sideCommits(t, dir,
		map[string]string{"a": "1"},
		map[string]string{"b": "2"},
		map[string]string{"c": "3"},
	)

	if err := c.CherryPick(ctx, hashes...); err != nil {
		t.Fatalf("CherryPick: %v", err)
	}
	commits, err := c.Log(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if got := subjects(commits); !slices.Equal(got, []string{"base", "side a", "side b", "side c"}) {
		t.Fatalf("after cherry-pick: %v", got)
	}

	// fold a and b, keep c on top
	if err := c.Squash(ctx, 1, 2, ""); err != nil {
		t.Fatalf("Squash: %v", err)
	}
	commits, err = c.Log(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if got := subjects(commits); !slices.Equal(got, []string{"base", "side a", "side c"}) {
		t.Fatalf("after squash: %v", got)
	}
	if commits[1].Message != "side a\n\nside b" {
		t.Errorf("squashed message = %q", commits[1].Message)
	}

	want := map[string]string{"base": "0", "a": "1", "b": "2", "c": "3"}
	if got := testutil.ReadTree(t, dir); !mapsEqual(got, want) {
		t.Errorf("tree = %v, want %v", got, want)
	}

	if err := c.Squash(ctx, 0, 2, "all"); err != nil {
		t.Fatalf("Squash to message: %v", err)
	}
	commits, err = c.Log(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if got := subjects(commits); !slices.Equal(got, []string{"base", "all"}) {
		t.Errorf("after full squash: %v", got)
	}
}

func TestShellClient_SquashRestoresOnFailure(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	testutil.CommitFiles(t, dir, map[string]string{"base": "0"}, nil, "base")
	testutil.CommitFiles(t, dir, map[string]string{"a": "1"}, nil, "a")
	testutil.CommitFiles(t, dir, map[string]string{"b": "2"}, nil, "b")
	sideCommits(t, dir, map[string]string{"s": "3"})
	// a merge commit cannot be re-applied without a mainline
	testutil.Git(t, dir, "merge", "-q", "--no-ff", "-m", "merge side", "side")
	head := testutil.Git(t, dir, "rev-parse", "HEAD")

	if err := c.Squash(ctx, 1, 2, ""); err == nil {
		t.Fatal("expected re-applying the merge commit to fail")
	}
	if got := testutil.Git(t, dir, "rev-parse", "HEAD"); got != head {
		t.Errorf("HEAD = %s, want original %s", got, head)
	}
	if status := testutil.Git(t, dir, "status", "--porcelain"); status != "" {
		t.Errorf("expected clean tree, got %q", status)
	}
	want := map[string]string{"base": "0", "a": "1", "b": "2", "s": "3"}
	if diff := cmp.Diff(want, testutil.ReadTree(t, dir)); diff != "" {
		t.Errorf("working tree mismatch (-want +got):\n%s", diff)
	}
}

func TestIsUnknownRevision(t *testing.T) {
	_, c := newRepo(t)
	_, err := c.Log(context.Background(), "refs/remotes/tpl/missing")
	if !IsUnknownRevision(err) {
		t.Errorf("IsUnknownRevision(%v) = false", err)
	}

	other := &CommandError{Args: []string{"log"}, Stderr: "fatal: not a git repository", ExitCode: 128}
	if IsUnknownRevision(other) {
		t.Error("unrelated failure reported as unknown revision")
	}
	if IsUnknownRevision(nil) {
		t.Error("nil reported as unknown revision")
	}
}

func TestShellClient_SquashInvalid(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	testutil.CommitFiles(t, dir, map[string]string{"a": "1"}, nil, "only")

	if err := c.Squash(ctx, -1, 1, ""); err == nil {
		t.Error("expected error for negative index")
	}
	if err := c.Squash(ctx, 0, 2, ""); err == nil {
		t.Error("expected error when squashing past the root")
	}
	if err := c.Squash(ctx, 0, 1, ""); err != nil {
		t.Errorf("single commit without message is a no-op: %v", err)
	}
}

func TestShellClient_CherryPickConflictAborts(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)
	testutil.CommitFiles(t, dir, map[string]string{"f": "base\n"}, nil, "base")
	hashes := sideCommits(t, dir, map[string]string{"f": "side\n"})
	head := testutil.CommitFiles(t, dir, map[string]string{"f": "main\n"}, nil, "main change")

	if err := c.CherryPick(ctx, hashes...); err == nil {
		t.Fatal("expected conflict")
	}
	if got := testutil.Git(t, dir, "rev-parse", "HEAD"); got != head {
		t.Errorf("HEAD moved to %s", got)
	}
	if status := testutil.Git(t, dir, "status", "--porcelain"); status != "" {
		t.Errorf("expected clean tree after abort, got %q", status)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git", "CHERRY_PICK_HEAD")); !os.IsNotExist(err) {
		t.Error("cherry-pick still in progress")
	}
}

func TestShellClient_TrackedFiles(t *testing.T) {
	ctx := context.Background()
	dir, c := newRepo(t)

	files, err := c.TrackedFiles(ctx)
	if err != nil {
		t.Fatalf("unborn HEAD: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("unborn HEAD has files %v", files)
	}

	testutil.CommitFiles(t, dir, map[string]string{"z": "1", "dir/nested/a": "2"}, nil, "init")
	testutil.WriteFiles(t, dir, map[string]string{"untracked": "3"})

	files, err = c.TrackedFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"dir/nested/a", "z"}; !slices.Equal(files, want) {
		t.Errorf("TrackedFiles = %v, want %v", files, want)
	}
}

func TestShellClient_CommandErrorKeepsStderr(t *testing.T) {
	_, c := newRepo(t)
	err := c.Checkout(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "checkout") || !strings.Contains(err.Error(), "does-not-exist") {
		t.Errorf("error lacks context: %v", err)
	}
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
