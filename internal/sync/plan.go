package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/482F/sync-config/internal/rewrite"
)

// writeConcurrency bounds parallel file writes while applying a plan
const writeConcurrency = 8

// Plan represents the file operations that turn the mirror tree into the
// projection of one template commit
type Plan struct {
	Add    []FileOp
	Update []FileOp
	Delete []FileOp
}

// Empty reports whether the plan changes nothing
func (p *Plan) Empty() bool {
	return len(p.Add) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// Written returns the repository-relative slash paths the plan writes
func (p *Plan) Written(root string) []string {
	return relPaths(root, p.Add, p.Update)
}

// Paths returns the repository-relative slash paths of every operation,
// sorted
func (p *Plan) Paths(root string) []string {
	paths := relPaths(root, p.Delete, p.Add, p.Update)
	sort.Strings(paths)
	return paths
}

func relPaths(root string, groups ...[]FileOp) []string {
	var paths []string
	for _, ops := range groups {
		for _, op := range ops {
			rel, err := filepath.Rel(root, op.DestPath)
			if err != nil {
				// DestPath is always below root
				rel = op.DestPath
			}
			paths = append(paths, filepath.ToSlash(rel))
		}
	}
	return paths
}

// FileOp represents a file operation
type FileOp struct {
	SourcePath string // template path, or generator output path
	DestPath   string // absolute path in the working tree
	Hash       string // content hash of Body
	Body       string
}

// buildPlan diffs the projected files against the files tracked on the
// mirror. Tracked files that are not projected any more are deleted;
// untracked files are never touched.
func buildPlan(root string, tracked []string, files []rewrite.File) (*Plan, error) {
	plan := &Plan{
		Add:    make([]FileOp, 0),
		Update: make([]FileOp, 0),
		Delete: make([]FileOp, 0),
	}

	current := make(map[string]bool, len(tracked))
	for _, rel := range tracked {
		current[filepath.Join(root, filepath.FromSlash(rel))] = true
	}

	desired := make(map[string]bool, len(files))
	for _, f := range files {
		desired[f.Path] = true
		op := FileOp{
			SourcePath: f.Source,
			DestPath:   f.Path,
			Hash:       contentHash([]byte(f.Body)),
			Body:       f.Body,
		}

		if !current[f.Path] {
			plan.Add = append(plan.Add, op)
			continue
		}
		onDisk, err := fileHash(f.Path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to compute hash for %s: %w", f.Path, err)
		}
		if onDisk != op.Hash {
			plan.Update = append(plan.Update, op)
		}
	}

	for path := range current {
		if !desired[path] {
			plan.Delete = append(plan.Delete, FileOp{DestPath: path})
		}
	}
	sort.Slice(plan.Delete, func(i, j int) bool { return plan.Delete[i].DestPath < plan.Delete[j].DestPath })

	return plan, nil
}

// applyPlan deletes stale files and the directories they leave empty,
// then writes added and updated files in parallel. Deleting first lets a
// file take the place of a removed directory and the other way round.
func (e *Engine) applyPlan(ctx context.Context, plan *Plan) error {
	for _, op := range plan.Delete {
		e.logger.Debug("deleting file", "dest", op.DestPath)
		if err := os.Remove(op.DestPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file %s: %w", op.DestPath, err)
		}
		pruneEmptyDirs(e.root, filepath.Dir(op.DestPath))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(writeConcurrency)

	for _, op := range plan.Add {
		e.logger.Debug("adding file", "dest", op.DestPath)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := writeFile(op.DestPath, op.Body); err != nil {
				return fmt.Errorf("failed to add file %s: %w", op.DestPath, err)
			}
			return nil
		})
	}
	for _, op := range plan.Update {
		e.logger.Debug("updating file", "dest", op.DestPath)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := writeFile(op.DestPath, op.Body); err != nil {
				return fmt.Errorf("failed to update file %s: %w", op.DestPath, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// writeFile replaces dst with body through a temp file and rename
func writeFile(dst, body string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".sync-config-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.WriteString(body); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// pruneEmptyDirs removes dir and its ancestors while they are empty,
// stopping below root
func pruneEmptyDirs(root, dir string) {
	for {
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return
		}
		// fails on non-empty directories
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func contentHash(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return contentHash(data), nil
}
