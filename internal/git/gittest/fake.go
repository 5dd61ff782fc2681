// Package gittest provides an in-memory git.Client for engine tests.
// Commits and refs live in memory; the working tree is real files under
// Dir so that code reading and writing the checkout behaves as with git.
package gittest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/482F/sync-config/internal/git"
)

var seq atomic.Int64

type commit struct {
	git.Commit
	parent string
	files  map[string]string
}

// Fake implements git.Client. It models a single linear history per
// branch, which is all the sync engine produces. Untracked files matching
// the top-level .gitignore on disk are ignored; a pattern matches a path
// exactly, as a directory prefix when it ends in a slash, or by base name
// when it has no slash.
type Fake struct {
	// Dir is the working tree. Empty means the fake has no checkout and is
	// only used as a fetch source.
	Dir string
	// Upstreams maps remote URLs to the fakes a Fetch copies from
	Upstreams map[string]*Fake
	// NotRoot makes IsRepoRoot report false
	NotRoot bool
	// Fail, when set, is called with the method name before every
	// operation. A non-nil result is returned from the operation.
	Fail func(op string) error
	// Calls records every operation in order
	Calls []string

	commits    map[string]*commit
	branches   map[string]string
	remotes    map[string]string
	remoteRefs map[string]string
	head       string
	detached   bool
}

var _ git.Client = (*Fake)(nil)

// New creates a fake repository with branch checked out and no commits
func New(dir, branch string) *Fake {
	return &Fake{
		Dir:        dir,
		Upstreams:  make(map[string]*Fake),
		commits:    make(map[string]*commit),
		branches:   make(map[string]string),
		remotes:    make(map[string]string),
		remoteRefs: make(map[string]string),
		head:       branch,
	}
}

func (f *Fake) enter(op string) error {
	f.Calls = append(f.Calls, op)
	if f.Fail != nil {
		return f.Fail(op)
	}
	return nil
}

// CommitFiles commits files on top of HEAD, dropping the paths in remove,
// and returns the new hash. The working tree follows when Dir is set.
func (f *Fake) CommitFiles(files map[string]string, remove []string, message string) string {
	old := f.headFiles()
	next := maps.Clone(old)
	if next == nil {
		next = make(map[string]string)
	}
	maps.Copy(next, files)
	for _, p := range remove {
		delete(next, p)
	}
	c := f.newCommit(f.headHash(), message, next, git.Commit{AuthorName: "Test", AuthorEmail: "test@test.com"})
	f.advance(c.Hash)
	if f.Dir != "" {
		if err := f.syncTree(old, next); err != nil {
			panic(err)
		}
	}
	return c.Hash
}

// Files returns the tree of ref
func (f *Fake) Files(ref string) (map[string]string, error) {
	hash, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	return maps.Clone(f.commits[hash].files), nil
}

// Branch returns the commit a local branch points at
func (f *Fake) Branch(name string) (string, bool) {
	hash, ok := f.branches[name]
	return hash, ok
}

func (f *Fake) Status(ctx context.Context) (string, error) {
	if err := f.enter("Status"); err != nil {
		return "", err
	}
	dirty, err := f.HasUncommittedChanges(ctx)
	if err != nil {
		return "", err
	}
	if dirty {
		return "On branch " + f.head + "\nChanges not staged for commit\n", nil
	}
	return "On branch " + f.head + "\nnothing to commit, working tree clean\n", nil
}

func (f *Fake) IsRepoRoot(context.Context) (bool, error) {
	if err := f.enter("IsRepoRoot"); err != nil {
		return false, err
	}
	return !f.NotRoot, nil
}

func (f *Fake) HasUncommittedChanges(context.Context) (bool, error) {
	if err := f.enter("HasUncommittedChanges"); err != nil {
		return false, err
	}
	disk, err := f.readTree()
	if err != nil {
		return false, err
	}
	head := f.headFiles()
	patterns := f.ignorePatterns()
	for p := range disk {
		if _, tracked := head[p]; !tracked && ignored(patterns, p) {
			delete(disk, p)
		}
	}
	return !maps.Equal(disk, head), nil
}

func (f *Fake) CurrentRef(context.Context) (git.Ref, error) {
	if err := f.enter("CurrentRef"); err != nil {
		return git.Ref{}, err
	}
	return git.Ref{Name: f.head, Detached: f.detached}, nil
}

func (f *Fake) AddRemoteIfNotExists(_ context.Context, name, url string) (bool, error) {
	if err := f.enter("AddRemoteIfNotExists"); err != nil {
		return false, err
	}
	if _, ok := f.remotes[name]; ok {
		return false, nil
	}
	f.remotes[name] = url
	return true, nil
}

func (f *Fake) Fetch(_ context.Context, remote string) error {
	if err := f.enter("Fetch"); err != nil {
		return err
	}
	url, ok := f.remotes[remote]
	if !ok {
		return fmt.Errorf("no such remote %q", remote)
	}
	upstream, ok := f.Upstreams[url]
	if !ok {
		return fmt.Errorf("could not read from remote repository %q", url)
	}

	maps.Copy(f.commits, upstream.commits)
	for ref := range f.remoteRefs {
		if strings.HasPrefix(ref, remote+"/") {
			delete(f.remoteRefs, ref)
		}
	}
	for name, hash := range upstream.branches {
		f.remoteRefs[remote+"/"+name] = hash
	}
	return nil
}

func (f *Fake) Log(_ context.Context, ref string) ([]git.Commit, error) {
	if err := f.enter("Log"); err != nil {
		return nil, err
	}
	hash, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	return f.history(hash), nil
}

func (f *Fake) CommitPaths(_ context.Context, message string, paths []string) (git.Commit, error) {
	if err := f.enter("CommitPaths"); err != nil {
		return git.Commit{}, err
	}
	disk, err := f.readTree()
	if err != nil {
		return git.Commit{}, err
	}
	files := maps.Clone(f.headFiles())
	if files == nil {
		files = make(map[string]string)
	}
	for _, p := range paths {
		if body, ok := disk[p]; ok {
			files[p] = body
		} else {
			delete(files, p)
		}
	}
	c := f.newCommit(f.headHash(), message, files, git.Commit{AuthorName: "Fake", AuthorEmail: "fake@example.com"})
	f.advance(c.Hash)
	return c.Commit, nil
}

func (f *Fake) CreateOrphanBranchIfNotExists(_ context.Context, name string) (bool, error) {
	if err := f.enter("CreateOrphanBranchIfNotExists"); err != nil {
		return false, err
	}
	if _, ok := f.branches[name]; ok {
		return false, nil
	}
	for ref, hash := range f.remoteRefs {
		if _, branch, _ := strings.Cut(ref, "/"); branch == name {
			f.branches[name] = hash
			return false, nil
		}
	}
	c := f.newCommit("", "initial commit", map[string]string{}, git.Commit{AuthorName: "Fake", AuthorEmail: "fake@example.com"})
	f.branches[name] = c.Hash
	return true, nil
}

func (f *Fake) Checkout(_ context.Context, target string, opts ...string) error {
	if err := f.enter("Checkout"); err != nil {
		return err
	}
	if slices.Contains(opts, "--orphan") {
		if _, ok := f.branches[target]; ok {
			return fmt.Errorf("a branch named %q already exists", target)
		}
		f.head, f.detached = target, false
		return nil
	}

	hash, err := f.resolve(target)
	if err != nil {
		return err
	}
	old := f.headFiles()
	if err := f.syncTree(old, f.commits[hash].files); err != nil {
		return err
	}
	if _, isBranch := f.branches[target]; isBranch && !slices.Contains(opts, "--detach") {
		f.head, f.detached = target, false
	} else {
		f.head, f.detached = hash, true
	}
	return nil
}

func (f *Fake) DiscardChanges(_ context.Context, paths ...string) error {
	if err := f.enter("DiscardChanges"); err != nil {
		return err
	}
	head := f.headFiles()
	untracked := make(map[string]string)
	for _, p := range paths {
		if _, tracked := head[p]; !tracked {
			untracked[p] = ""
		}
	}
	return f.syncTree(untracked, head)
}

// CherryPick replays each commit's change against its parent onto HEAD.
// A path changed both on HEAD and in the commit is a conflict, in which
// case nothing is applied.
func (f *Fake) CherryPick(_ context.Context, hashes ...string) error {
	if err := f.enter("CherryPick"); err != nil {
		return err
	}
	old := f.headFiles()
	tip := f.headHash()
	files := maps.Clone(old)
	if files == nil {
		files = make(map[string]string)
	}

	var picked []*commit
	for _, hash := range hashes {
		c, ok := f.commits[hash]
		if !ok {
			return fmt.Errorf("bad revision %q", hash)
		}
		var base map[string]string
		if c.parent != "" {
			base = f.commits[c.parent].files
		}
		next := maps.Clone(files)
		for _, p := range unionKeys(base, c.files) {
			want, inCommit := c.files[p]
			before, inBase := base[p]
			if inCommit == inBase && want == before {
				continue
			}
			current, inHead := files[p]
			if (inHead != inBase || current != before) && (inHead != inCommit || current != want) {
				return fmt.Errorf("could not apply %s: conflict in %s", git.ShortHash(hash), p)
			}
			if inCommit {
				next[p] = want
			} else {
				delete(next, p)
			}
		}
		pc := f.newCommit(tip, c.Message, next, c.Commit)
		picked = append(picked, pc)
		tip, files = pc.Hash, next
	}

	if len(picked) == 0 {
		return nil
	}
	f.advance(tip)
	return f.syncTree(old, files)
}

func (f *Fake) Squash(_ context.Context, fromIndex, count int, message string) error {
	if err := f.enter("Squash"); err != nil {
		return err
	}
	if fromIndex < 0 || count < 0 {
		return fmt.Errorf("%w: from %d count %d", git.ErrInvalidSquash, fromIndex, count)
	}
	if count == 0 || (count == 1 && message == "") {
		return nil
	}

	chain := f.history(f.headHash())
	n := len(chain)
	if fromIndex+count >= n {
		return fmt.Errorf("%w: no parent below %d commits from %d", git.ErrInvalidSquash, count, fromIndex)
	}
	first := n - fromIndex - count
	squashed := chain[first : n-fromIndex]
	if message == "" {
		message = git.JoinMessages(squashed)
	}

	last := f.commits[squashed[len(squashed)-1].Hash]
	c := f.newCommit(chain[first-1].Hash, message, last.files, squashed[0])
	tip := c.Hash
	for _, above := range chain[n-fromIndex:] {
		orig := f.commits[above.Hash]
		tip = f.newCommit(tip, orig.Message, orig.files, orig.Commit).Hash
	}
	f.advance(tip)
	return nil
}

func (f *Fake) TrackedFiles(context.Context) ([]string, error) {
	if err := f.enter("TrackedFiles"); err != nil {
		return nil, err
	}
	paths := slices.Collect(maps.Keys(f.headFiles()))
	sort.Strings(paths)
	return paths, nil
}

func (f *Fake) newCommit(parent, message string, files map[string]string, author git.Commit) *commit {
	h := sha1.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00", seq.Add(1), parent, message)
	for _, p := range slices.Sorted(maps.Keys(files)) {
		fmt.Fprintf(h, "%s\x00%s\x00", p, files[p])
	}
	c := &commit{
		Commit: git.Commit{
			Hash:        hex.EncodeToString(h.Sum(nil)),
			AuthorName:  author.AuthorName,
			AuthorEmail: author.AuthorEmail,
			Date:        time.Now().UTC().Truncate(time.Second),
			Message:     message,
		},
		parent: parent,
		files:  files,
	}
	f.commits[c.Hash] = c
	return c
}

func (f *Fake) advance(hash string) {
	if f.detached {
		f.head = hash
		return
	}
	f.branches[f.head] = hash
}

func (f *Fake) headHash() string {
	if f.detached {
		return f.head
	}
	return f.branches[f.head]
}

func (f *Fake) headFiles() map[string]string {
	if c, ok := f.commits[f.headHash()]; ok {
		return c.files
	}
	return nil
}

func (f *Fake) resolve(ref string) (string, error) {
	if ref == "HEAD" {
		if hash := f.headHash(); hash != "" {
			return hash, nil
		}
	} else if hash, ok := f.branches[ref]; ok {
		return hash, nil
	} else if hash, ok := f.remoteRefs[ref]; ok {
		return hash, nil
	} else if _, ok := f.commits[ref]; ok {
		return ref, nil
	}
	return "", &git.CommandError{
		Args:     []string{"rev-parse", ref},
		Stderr:   fmt.Sprintf("fatal: ambiguous argument '%s': unknown revision or path not in the working tree.", ref),
		ExitCode: 128,
		Err:      errors.New("exit status 128"),
	}
}

// history returns the first-parent chain ending at hash, oldest first
func (f *Fake) history(hash string) []git.Commit {
	var out []git.Commit
	for hash != "" {
		c := f.commits[hash]
		out = append(out, c.Commit)
		hash = c.parent
	}
	slices.Reverse(out)
	return out
}

// readTree returns the working tree files keyed by slash separated path
func (f *Fake) readTree() (map[string]string, error) {
	files := make(map[string]string)
	if f.Dir == "" {
		return files, nil
	}
	err := filepath.WalkDir(f.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.Dir, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return files, err
}

func (f *Fake) ignorePatterns() []string {
	if f.Dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(f.Dir, ".gitignore"))
	if err != nil {
		return nil
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimPrefix(line, "/"))
	}
	return patterns
}

func ignored(patterns []string, p string) bool {
	for _, pat := range patterns {
		switch {
		case strings.HasSuffix(pat, "/"):
			if strings.HasPrefix(p, pat) {
				return true
			}
		case !strings.Contains(pat, "/"):
			if path.Base(p) == pat {
				return true
			}
		default:
			if p == pat {
				return true
			}
		}
	}
	return false
}

// syncTree moves the working tree from the old file set to next: files
// only in old are removed along with directories left empty.
func (f *Fake) syncTree(old, next map[string]string) error {
	if f.Dir == "" {
		return nil
	}
	for p := range old {
		if _, keep := next[p]; keep {
			continue
		}
		abs := filepath.Join(f.Dir, filepath.FromSlash(p))
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		for dir := filepath.Dir(abs); dir != f.Dir && strings.HasPrefix(dir, f.Dir); dir = filepath.Dir(dir) {
			if os.Remove(dir) != nil {
				break
			}
		}
	}
	for p, body := range next {
		abs := filepath.Join(f.Dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(abs, []byte(body), 0644); err != nil {
			return err
		}
	}
	return nil
}

func unionKeys(a, b map[string]string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}
