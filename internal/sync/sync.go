// Package sync replays template commits onto the mirror branch and merges
// them into the checked out branch.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/482F/sync-config/internal/config"
	"github.com/482F/sync-config/internal/generate"
	"github.com/482F/sync-config/internal/git"
	"github.com/482F/sync-config/internal/rewrite"
	"github.com/482F/sync-config/internal/tree"
	"github.com/482F/sync-config/internal/usererr"
)

// Stage names a step of a sync run
type Stage string

const (
	StagePrecheck     Stage = "PRECHECK"
	StagePrepTemplate Stage = "PREP_TEMPLATE"
	StagePrepMirror   Stage = "PREP_MIRROR"
	StageReplay       Stage = "REPLAY"
	StageMergeMain    Stage = "MERGE_MAIN"
)

// StageError is returned when a stage fails
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result summarises a run
type Result struct {
	// Replayed holds the mirror commits created by this run
	Replayed []git.Commit
	// Pending holds the template commits a dry run would replay
	Pending []git.Commit
	// Merged is the number of mirror commits merged into the branch
	Merged int
}

// Engine orchestrates the sync process
type Engine struct {
	cfg         *config.Config
	root        string
	git         git.Client
	snapshotter *tree.Snapshotter
	logger      *slog.Logger
	dryRun      bool
}

// NewEngine creates a new sync engine for the working tree at root
func NewEngine(cfg *config.Config, root string, gitClient git.Client, evaluator generate.Evaluator, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:         cfg,
		root:        root,
		git:         gitClient,
		snapshotter: &tree.Snapshotter{Evaluator: evaluator, Logger: logger},
		logger:      logger,
		dryRun:      dryRun,
	}
}

// Run executes the complete sync process. Mirror commits created before a
// failure are kept; the next run continues after them.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.logger.Info("starting sync",
		"repo", e.cfg.Repository.URL,
		"branch", e.cfg.Repository.Branch,
		"merge_mode", e.cfg.MergeMode,
		"dry_run", e.dryRun)

	res := &Result{}

	var branch git.Ref
	if err := e.stage(StagePrecheck, func() (err error) {
		branch, err = e.precheck(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	if err := e.stage(StagePrepTemplate, func() error { return e.prepTemplate(ctx) }); err != nil {
		return nil, err
	}

	if e.dryRun {
		if err := e.stage(StageReplay, func() (err error) {
			res.Pending, err = e.pending(ctx, true)
			return err
		}); err != nil {
			return nil, err
		}
		for _, c := range res.Pending {
			e.logger.Info("[dry-run] would replay", "commit", git.ShortHash(c.Hash), "subject", c.Subject())
		}
		e.logger.Info("dry-run complete, no changes applied", "pending", len(res.Pending))
		return res, nil
	}

	if err := e.stage(StagePrepMirror, func() error {
		created, err := e.git.CreateOrphanBranchIfNotExists(ctx, config.MirrorBranch)
		if created {
			e.logger.Info("created mirror branch", "branch", config.MirrorBranch)
		}
		return err
	}); err != nil {
		return nil, err
	}

	if err := e.stage(StageReplay, func() error {
		unapplied, err := e.pending(ctx, false)
		if err != nil {
			return err
		}
		e.logger.Info("replaying template commits", "count", len(unapplied))
		for _, c := range unapplied {
			mirrored, err := e.replay(ctx, c)
			if err != nil {
				return fmt.Errorf("failed to replay %s: %w", git.ShortHash(c.Hash), err)
			}
			res.Replayed = append(res.Replayed, mirrored)
		}
		return nil
	}); err != nil {
		return res, err
	}

	if err := e.stage(StageMergeMain, func() (err error) {
		res.Merged, err = e.merge(ctx, branch)
		return err
	}); err != nil {
		return res, err
	}

	e.logger.Info("sync completed successfully", "replayed", len(res.Replayed), "merged", res.Merged)
	return res, nil
}

func (e *Engine) stage(stage Stage, fn func() error) error {
	e.logger.Debug("entering stage", "stage", stage)
	if err := fn(); err != nil {
		e.logger.Debug("stage failed", "stage", stage, "error", err)
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

// precheck returns the branch to merge into
func (e *Engine) precheck(ctx context.Context) (git.Ref, error) {
	root, err := e.git.IsRepoRoot(ctx)
	if err != nil {
		return git.Ref{}, fmt.Errorf("failed to inspect repository: %w", err)
	}
	if !root {
		return git.Ref{}, usererr.New("%s is not the root of a git repository", e.root)
	}

	dirty, err := e.git.HasUncommittedChanges(ctx)
	if err != nil {
		return git.Ref{}, fmt.Errorf("failed to read repository status: %w", err)
	}
	if dirty {
		return git.Ref{}, usererr.New("the working tree has uncommitted changes; commit or stash them first")
	}

	ref, err := e.git.CurrentRef(ctx)
	if err != nil {
		return git.Ref{}, fmt.Errorf("failed to resolve current branch: %w", err)
	}
	if ref.Detached {
		return git.Ref{}, usererr.New("HEAD is detached at %s; check out a branch first", git.ShortHash(ref.Name))
	}
	return ref, nil
}

func (e *Engine) prepTemplate(ctx context.Context) error {
	added, err := e.git.AddRemoteIfNotExists(ctx, config.TemplateRemote, e.cfg.Repository.URL)
	if err != nil {
		return fmt.Errorf("failed to add template remote: %w", err)
	}
	if added {
		e.logger.Info("added template remote", "remote", config.TemplateRemote, "url", e.cfg.Repository.URL)
	}

	e.logger.Info("fetching template repository", "remote", config.TemplateRemote)
	if err := e.git.Fetch(ctx, config.TemplateRemote); err != nil {
		return usererr.Wrap(err, "failed to fetch template repository %s", e.cfg.Repository.URL)
	}
	return nil
}

// pending returns the template commits not yet replayed onto the mirror,
// oldest first. A missing mirror counts as empty when allowMissing is set.
func (e *Engine) pending(ctx context.Context, allowMissing bool) ([]git.Commit, error) {
	templateCommits, err := e.git.Log(ctx, e.cfg.TemplateRef())
	if git.IsUnknownRevision(err) {
		return nil, usererr.Wrap(err, "branch %s not found in template repository", e.cfg.Repository.Branch)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template history: %w", err)
	}

	mirrorCommits, err := e.git.Log(ctx, config.MirrorBranch)
	if err != nil {
		if !allowMissing {
			return nil, fmt.Errorf("failed to read mirror history: %w", err)
		}
		e.logger.Debug("mirror branch not readable, treating as empty", "error", err)
		mirrorCommits = nil
	}

	replayed := git.MarkerSet(mirrorCommits)
	var unapplied []git.Commit
	for _, c := range templateCommits {
		if !replayed[c.Hash] {
			unapplied = append(unapplied, c)
		}
	}
	return unapplied, nil
}

// replay projects one template commit onto the mirror and commits it with
// the commit's marker
func (e *Engine) replay(ctx context.Context, c git.Commit) (git.Commit, error) {
	e.logger.Info("replaying template commit", "commit", git.ShortHash(c.Hash), "subject", c.Subject())

	results, err := git.CheckoutChain(ctx, e.git,
		git.Step{
			Target:  c.Hash,
			Options: []string{"--detach"},
			Run: func(ctx context.Context, _ any) (any, error) {
				return e.project(ctx)
			},
		},
		git.Step{
			Target: config.MirrorBranch,
			Run: func(ctx context.Context, prev any) (any, error) {
				files := prev.([]rewrite.File)
				tracked, err := e.git.TrackedFiles(ctx)
				if err != nil {
					return nil, fmt.Errorf("failed to list mirror files: %w", err)
				}
				plan, err := buildPlan(e.root, tracked, files)
				if err != nil {
					return nil, fmt.Errorf("failed to build sync plan: %w", err)
				}
				e.logger.Info("sync plan",
					"add", len(plan.Add),
					"update", len(plan.Update),
					"delete", len(plan.Delete))
				// written files are removed again if the chain fails
				git.Touch(ctx, plan.Written(e.root)...)
				if err := e.applyPlan(ctx, plan); err != nil {
					return nil, fmt.Errorf("failed to apply sync plan: %w", err)
				}
				return e.git.CommitPaths(ctx, git.AppendMarker(c.Message, c.Hash), plan.Paths(e.root))
			},
		},
	)
	if err != nil {
		return git.Commit{}, err
	}
	return results[1].(git.Commit), nil
}

// project snapshots the checked out template commit and maps it onto
// consumer paths
func (e *Engine) project(ctx context.Context) ([]rewrite.File, error) {
	tracked, err := e.git.TrackedFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list template files: %w", err)
	}
	include := make(map[string]bool, len(tracked))
	for _, p := range tracked {
		include[p] = true
	}

	var dirs []string
	for _, f := range e.cfg.Folders {
		if _, err := os.Stat(filepath.Join(e.root, filepath.FromSlash(f.Name))); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				e.logger.Debug("folder not present in template commit", "folder", f.Name)
				continue
			}
			return nil, err
		}
		dirs = append(dirs, f.Name)
	}

	e.snapshotter.Include = func(rel string) bool { return include[rel] }
	dir, err := e.snapshotter.Snapshot(ctx, e.root, dirs)
	if err != nil {
		return nil, fmt.Errorf("failed to read template tree: %w", err)
	}
	files, err := rewrite.Apply(e.root, e.cfg.Folders, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite paths: %w", err)
	}
	return files, nil
}

// merge applies the mirror commits missing from the current branch and
// returns how many there were
func (e *Engine) merge(ctx context.Context, branch git.Ref) (int, error) {
	mainCommits, err := e.git.Log(ctx, "HEAD")
	if err != nil {
		return 0, fmt.Errorf("failed to read history of %s: %w", branch, err)
	}
	mirrorCommits, err := e.git.Log(ctx, config.MirrorBranch)
	if err != nil {
		return 0, fmt.Errorf("failed to read mirror history: %w", err)
	}

	merged := git.MarkerSet(mainCommits)
	var targets []string
	for _, c := range mirrorCommits {
		for _, hash := range git.ParseMarkers(c.Message) {
			if !merged[hash] {
				targets = append(targets, c.Hash)
				break
			}
		}
	}
	if len(targets) == 0 {
		e.logger.Info("branch is up to date with the mirror", "branch", branch)
		return 0, nil
	}

	squash := false
	switch e.cfg.MergeMode {
	case config.MergeCherryPick:
	case config.MergeCherryPickSquash:
		squash = true
	default:
		return 0, fmt.Errorf("unknown merge mode: %s", e.cfg.MergeMode)
	}

	e.logger.Info("merging mirror commits", "branch", branch, "count", len(targets), "mode", e.cfg.MergeMode)
	if err := e.git.CherryPick(ctx, targets...); err != nil {
		return 0, usererr.Wrap(err, "failed to cherry-pick %d mirror commits onto %s; resolve the conflict by cherry-picking from %s manually", len(targets), branch, config.MirrorBranch)
	}
	if squash {
		if err := e.git.Squash(ctx, 0, len(targets), ""); err != nil {
			return 0, fmt.Errorf("failed to squash merged commits: %w", err)
		}
	}
	return len(targets), nil
}
