// Package git wraps the git operations sync-config needs. Client is the
// capability surface used by the sync engine; ShellClient implements it by
// shelling out to git inside one repository directory, and
// internal/git/gittest provides an in-memory fake for tests.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Client provides the repository operations used by the sync engine.
// Implementations operate on a single working tree and are not safe for
// concurrent use: the checked out ref is process-wide state.
type Client interface {
	// Status returns the human readable status of the working tree
	Status(ctx context.Context) (string, error)
	// IsRepoRoot reports whether the working directory is the top level of a repository
	IsRepoRoot(ctx context.Context) (bool, error)
	// HasUncommittedChanges reports staged, unstaged or untracked changes
	HasUncommittedChanges(ctx context.Context) (bool, error)
	// CurrentRef returns the checked out branch, or the commit hash when HEAD is detached
	CurrentRef(ctx context.Context) (Ref, error)
	// AddRemoteIfNotExists adds a remote and reports whether it was added
	AddRemoteIfNotExists(ctx context.Context, name, url string) (bool, error)
	// Fetch updates the remote-tracking refs of a remote
	Fetch(ctx context.Context, remote string) error
	// Log returns the commits reachable from ref, oldest first
	Log(ctx context.Context, ref string) ([]Commit, error)
	// CommitPaths stages the given paths, including deletions, and commits
	// only them, allowing empty commits. Other changes stay out of the commit.
	CommitPaths(ctx context.Context, message string, paths []string) (Commit, error)
	// CreateOrphanBranchIfNotExists makes sure a local branch exists and reports whether it was created
	CreateOrphanBranchIfNotExists(ctx context.Context, name string) (bool, error)
	// Checkout switches the working tree to target
	Checkout(ctx context.Context, target string, opts ...string) error
	// DiscardChanges resets tracked files and removes the listed untracked
	// paths. No other untracked or ignored file is touched.
	DiscardChanges(ctx context.Context, paths ...string) error
	// CherryPick applies the given commits in order onto HEAD
	CherryPick(ctx context.Context, hashes ...string) error
	// Squash collapses count commits starting fromIndex commits below HEAD into one
	Squash(ctx context.Context, fromIndex, count int, message string) error
	// TrackedFiles lists the slash separated paths tracked in HEAD's tree
	TrackedFiles(ctx context.Context) ([]string, error)
}

// Commit is a single parsed log entry
type Commit struct {
	Hash        string
	AuthorName  string
	AuthorEmail string
	Date        time.Time
	Message     string
}

// Subject returns the first line of the commit message
func (c Commit) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return subject
}

// Ref identifies what HEAD points at
type Ref struct {
	Name     string // branch name or commit hash
	Detached bool
}

func (r Ref) String() string {
	return r.Name
}

// ErrInvalidSquash is returned for a squash range that cannot be applied
var ErrInvalidSquash = errors.New("invalid squash range")

// CommandError is returned when git exits with a non-zero status
type CommandError struct {
	Args     []string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: exit status %d: %s", strings.Join(e.Args, " "), e.ExitCode, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsUnknownRevision reports whether err is git failing to resolve a revision
func IsUnknownRevision(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(cmdErr.Stderr, "unknown revision") || strings.Contains(cmdErr.Stderr, "bad revision")
}

// IsNotRepository reports whether err is git refusing to run outside a repository
func IsNotRepository(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(cmdErr.Stderr, "not a git repository")
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	dir            string
	sshKeyFile     string
	httpsTokenFile string
	logger         *slog.Logger
}

// ShellOption configures a ShellClient
type ShellOption func(*ShellClient)

// WithSSHKey authenticates fetches of ssh remotes with the given private key
func WithSSHKey(path string) ShellOption {
	return func(c *ShellClient) { c.sshKeyFile = path }
}

// WithHTTPSToken authenticates fetches of https remotes with a token read from path
func WithHTTPSToken(path string) ShellOption {
	return func(c *ShellClient) { c.httpsTokenFile = path }
}

// WithLogger sets the logger used for command tracing
func WithLogger(logger *slog.Logger) ShellOption {
	return func(c *ShellClient) { c.logger = logger }
}

// NewShellClient creates a git client operating on the working tree at dir
func NewShellClient(dir string, opts ...ShellOption) *ShellClient {
	c := &ShellClient{
		dir:    dir,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the working tree directory
func (c *ShellClient) Dir() string {
	return c.dir
}

// Status returns the output of git status
func (c *ShellClient) Status(ctx context.Context) (string, error) {
	return c.run(ctx, "status")
}

// IsRepoRoot reports whether dir is the top level of a git working tree
func (c *ShellClient) IsRepoRoot(ctx context.Context) (bool, error) {
	if _, err := c.Status(ctx); err != nil {
		if IsNotRepository(err) {
			return false, nil
		}
		return false, err
	}

	cdup, err := c.run(ctx, "rev-parse", "--show-cdup")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(cdup) == "", nil
}

// HasUncommittedChanges reports whether git status lists anything
func (c *ShellClient) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CurrentRef returns the checked out branch or the detached commit
func (c *ShellClient) CurrentRef(ctx context.Context) (Ref, error) {
	name, err := c.run(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err == nil {
		return Ref{Name: strings.TrimSpace(name)}, nil
	}

	// symbolic-ref exits 1 for a detached HEAD
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode != 1 {
		return Ref{}, err
	}

	hash, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Ref{}, err
	}
	return Ref{Name: strings.TrimSpace(hash), Detached: true}, nil
}

// AddRemoteIfNotExists adds the remote unless one with the same name is configured
func (c *ShellClient) AddRemoteIfNotExists(ctx context.Context, name, url string) (bool, error) {
	out, err := c.run(ctx, "remote")
	if err != nil {
		return false, err
	}
	for _, remote := range strings.Split(out, "\n") {
		if strings.TrimSpace(remote) == name {
			return false, nil
		}
	}

	if _, err := c.run(ctx, "remote", "add", name, url); err != nil {
		return false, err
	}
	return true, nil
}

// Fetch fetches a remote, authenticating according to the remote's URL scheme
func (c *ShellClient) Fetch(ctx context.Context, remote string) error {
	url, err := c.run(ctx, "remote", "get-url", remote)
	if err != nil {
		return err
	}

	cmd := c.command(ctx, "fetch", "--prune", remote)
	if err := c.configureAuth(cmd, strings.TrimSpace(url)); err != nil {
		return err
	}
	_, err = c.runCommand(cmd)
	return err
}

// Log returns the commits reachable from ref in chronological order
func (c *ShellClient) Log(ctx context.Context, ref string) ([]Commit, error) {
	return c.log(ctx, ref)
}

// log runs git log in the format ParseLog understands, oldest first
func (c *ShellClient) log(ctx context.Context, args ...string) ([]Commit, error) {
	args = append([]string{"log", "--reverse", "--date=iso-strict", "--no-decorate", "--no-color", "--no-show-signature"}, args...)
	out, err := c.run(ctx, append(args, "--")...)
	if err != nil {
		return nil, err
	}
	return ParseLog(out)
}

// CommitPaths stages exactly paths and commits the index. Paths are
// literal and passed on stdin, so any number of them fits. Ignore rules do
// not apply to listed paths.
func (c *ShellClient) CommitPaths(ctx context.Context, message string, paths []string) (Commit, error) {
	if len(paths) > 0 {
		cmd := c.command(ctx, "add", "--all", "--force", "--pathspec-from-file=-", "--pathspec-file-nul")
		cmd.Stdin = strings.NewReader(strings.Join(paths, "\x00"))
		if _, err := c.runCommand(cmd); err != nil {
			return Commit{}, err
		}
	}
	if _, err := c.run(ctx, "commit", "--allow-empty", "--no-verify", "--cleanup=verbatim", "-m", message); err != nil {
		return Commit{}, err
	}

	parsed, err := c.log(ctx, "-n", "1", "HEAD")
	if err != nil {
		return Commit{}, err
	}
	if len(parsed) != 1 {
		return Commit{}, fmt.Errorf("expected 1 commit after commit, log returned %d", len(parsed))
	}
	return parsed[0], nil
}

var branchRefRe = regexp.MustCompile(`^refs/(heads|remotes/[^/]+)/(.+)$`)

// CreateOrphanBranchIfNotExists ensures a local branch named name exists.
// An existing local branch is left alone; a branch that only exists on a
// remote gets a local tracking branch; otherwise an orphan branch with an
// empty initial commit is created. Only the last case reports true. The
// branch is built from plumbing commands, so neither HEAD nor the working
// tree are touched.
func (c *ShellClient) CreateOrphanBranchIfNotExists(ctx context.Context, name string) (bool, error) {
	out, err := c.run(ctx, "for-each-ref", "--format=%(refname)", "refs/heads", "refs/remotes")
	if err != nil {
		return false, err
	}

	remoteRef := ""
	for _, line := range strings.Split(out, "\n") {
		m := branchRefRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil || m[2] != name {
			continue
		}
		if m[1] == "heads" {
			return false, nil
		}
		remoteRef = strings.TrimPrefix(m[1], "remotes/") + "/" + name
	}

	if remoteRef != "" {
		if _, err := c.run(ctx, "branch", "--track", name, remoteRef); err != nil {
			return false, err
		}
		return false, nil
	}

	// mktree with no input writes the empty tree
	tree, err := c.run(ctx, "mktree")
	if err != nil {
		return false, fmt.Errorf("failed to create orphan branch %s: %w", name, err)
	}
	root, err := c.run(ctx, "commit-tree", strings.TrimSpace(tree), "-m", "initial commit")
	if err != nil {
		return false, fmt.Errorf("failed to create orphan branch %s: %w", name, err)
	}
	if _, err := c.run(ctx, "branch", name, strings.TrimSpace(root)); err != nil {
		return false, fmt.Errorf("failed to create orphan branch %s: %w", name, err)
	}
	return true, nil
}

// Checkout runs git checkout with the given options
func (c *ShellClient) Checkout(ctx context.Context, target string, opts ...string) error {
	args := append([]string{"checkout", "--quiet"}, opts...)
	args = append(args, target)
	_, err := c.run(ctx, args...)
	return err
}

// DiscardChanges resets tracked files to HEAD and removes the listed
// paths if they are untracked, ignored or not
func (c *ShellClient) DiscardChanges(ctx context.Context, paths ...string) error {
	if _, err := c.run(ctx, "reset", "--hard", "--quiet"); err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	_, err := c.run(ctx, append([]string{"clean", "-f", "-x", "-q", "--"}, paths...)...)
	return err
}

// CherryPick applies the commits in order. If any of them fails the whole
// sequence is aborted and HEAD is left where it was.
func (c *ShellClient) CherryPick(ctx context.Context, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}

	args := append([]string{"cherry-pick", "--keep-redundant-commits", "--allow-empty"}, hashes...)
	if _, err := c.run(ctx, args...); err != nil {
		if _, abortErr := c.run(context.WithoutCancel(ctx), "cherry-pick", "--abort"); abortErr != nil {
			return errors.Join(err, fmt.Errorf("cherry-pick --abort: %w", abortErr))
		}
		return err
	}
	return nil
}

// Squash collapses the commits HEAD~fromIndex .. HEAD~(fromIndex+count-1)
// into a single commit. An empty message concatenates the squashed
// messages oldest first. Commits above the range are re-applied on top;
// if that fails the branch is reset to where it was.
func (c *ShellClient) Squash(ctx context.Context, fromIndex, count int, message string) (err error) {
	if fromIndex < 0 || count < 0 {
		return fmt.Errorf("%w: from %d count %d", ErrInvalidSquash, fromIndex, count)
	}
	if count == 0 || (count == 1 && message == "") {
		return nil
	}

	parent, err := c.run(ctx, "rev-parse", "--verify", "--quiet", rev("HEAD", fromIndex+count))
	if err != nil {
		return fmt.Errorf("%w: no parent below %d commits from %d: %w", ErrInvalidSquash, count, fromIndex, err)
	}
	squashed, err := c.log(ctx, "--first-parent", "-n", strconv.Itoa(count), rev("HEAD", fromIndex))
	if err != nil {
		return err
	}
	above, err := c.log(ctx, "--first-parent", rev("HEAD", fromIndex)+"..HEAD")
	if err != nil {
		return err
	}
	if message == "" {
		message = JoinMessages(squashed)
	}

	orig, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if _, resetErr := c.run(context.WithoutCancel(ctx), "reset", "--hard", "--quiet", strings.TrimSpace(orig)); resetErr != nil {
			err = errors.Join(err, fmt.Errorf("restore %s: %w", ShortHash(strings.TrimSpace(orig)), resetErr))
		}
	}()

	if fromIndex > 0 {
		if _, err := c.run(ctx, "reset", "--hard", "--quiet", rev("HEAD", fromIndex)); err != nil {
			return err
		}
	}
	if _, err := c.run(ctx, "reset", "--soft", strings.TrimSpace(parent)); err != nil {
		return err
	}
	if _, err := c.run(ctx, "commit", "--allow-empty", "--no-verify", "--cleanup=verbatim", "-m", message); err != nil {
		return err
	}

	hashes := make([]string, len(above))
	for i, commit := range above {
		hashes[i] = commit.Hash
	}
	return c.CherryPick(ctx, hashes...)
}

// JoinMessages concatenates commit messages with blank lines in between
func JoinMessages(commits []Commit) string {
	messages := make([]string, len(commits))
	for i, commit := range commits {
		messages[i] = commit.Message
	}
	return strings.Join(messages, "\n\n")
}

func (c *ShellClient) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", c.dir}, args...)...)
	// pathspecs are file names, never globs
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_LITERAL_PATHSPECS=1", "LC_ALL=C")
	return cmd
}

func (c *ShellClient) run(ctx context.Context, args ...string) (string, error) {
	return c.runCommand(c.command(ctx, args...))
}

// runCommand executes a command and returns stdout, or a CommandError with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) (string, error) {
	// drop "-C <dir>" and any auth flags for readable errors
	args := cmd.Args[1:]
	for len(args) >= 2 && (args[0] == "-C" || args[0] == "-c") {
		args = args[2:]
	}
	c.logger.Debug("running git", "args", strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &CommandError{
			Args:     args,
			Stderr:   strings.TrimSpace(stderr.String()),
			ExitCode: exitCode,
			Err:      err,
		}
	}
	return stdout.String(), nil
}

// ShortHash abbreviates a commit hash for log output
func ShortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

// rev returns the revision n first-parent steps below base
func rev(base string, n int) string {
	return base + "~" + strconv.Itoa(n)
}
