// Package tree reads a filtered snapshot of directories in a working tree.
// Generator scripts found while reading are evaluated, and their output is
// attached to the script as a generated twin file.
package tree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/482F/sync-config/internal/generate"
)

// generatorRe matches generator scripts; the match is stripped to name the output
var generatorRe = regexp.MustCompile(`\.gen\.(ts|js)$`)

// Entry is a *Dir or a *File
type Entry interface {
	entry()
}

// Dir is a directory in a snapshot. Children are keyed by base name.
type Dir struct {
	Name     string
	Path     string
	Children map[string]Entry
}

// File is a file in a snapshot. Path is absolute.
type File struct {
	Name string
	Path string
	Body string
	// Generated is the evaluated output of a generator script, named after
	// the script without its .gen.<ext> suffix
	Generated *File
}

func (*Dir) entry()  {}
func (*File) entry() {}

// Save writes the body to Path, creating parent directories
func (f *File) Save() error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
	}
	if err := os.WriteFile(f.Path, []byte(f.Body), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.Path, err)
	}
	return nil
}

// GeneratedFileError reports a generator script that failed to run or did
// not produce JSON
type GeneratedFileError struct {
	Path string
	Err  error
}

func (e *GeneratedFileError) Error() string {
	return fmt.Sprintf("generator %s: %v", e.Path, e.Err)
}

func (e *GeneratedFileError) Unwrap() error {
	return e.Err
}

// DefaultConcurrency bounds parallel directory reads
const DefaultConcurrency = 8

// Snapshotter reads directory trees. A Snapshotter may be reused; its
// cache-bust counter keeps increasing across snapshots.
type Snapshotter struct {
	// Evaluator runs generator scripts. Nil leaves scripts as plain files.
	Evaluator generate.Evaluator
	// Include filters files by slash separated path relative to the root.
	// Nil includes every file.
	Include     func(rel string) bool
	Logger      *slog.Logger
	Concurrency int

	bust atomic.Int64
}

// Snapshot reads dirs, given relative to root, into a tree rooted at root.
// Directories nested in another requested directory are read once as
// part of their ancestor. .git directories are never read.
func (s *Snapshotter) Snapshot(ctx context.Context, root string, dirs []string) (*Dir, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	top := &Dir{Name: filepath.Base(root), Path: root, Children: make(map[string]Entry)}

	limit := s.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, rel := range collapse(dirs) {
		if rel == "." {
			g.Go(func() error { return s.readDir(gctx, g, root, top) })
			continue
		}

		parent := top
		parts := strings.Split(rel, "/")
		for _, name := range parts[:len(parts)-1] {
			parent = child(parent, name)
		}
		path := filepath.Join(root, filepath.FromSlash(rel))
		name := parts[len(parts)-1]

		info, err := os.Stat(path)
		if err != nil {
			_ = g.Wait()
			return nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		if !info.IsDir() {
			if s.included(root, path) {
				file := &File{Name: name, Path: path}
				parent.Children[name] = file
				g.Go(func() error { return s.readFile(gctx, file) })
			}
			continue
		}
		dir := child(parent, name)
		g.Go(func() error { return s.readDir(gctx, g, root, dir) })
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return top, nil
}

// spawn runs fn in the group, or inline when the group is at its limit so
// recursive reads cannot deadlock waiting for a slot held by an ancestor
func spawn(g *errgroup.Group, fn func() error) error {
	if g.TryGo(fn) {
		return nil
	}
	return fn()
}

func (s *Snapshotter) readDir(ctx context.Context, g *errgroup.Group, root string, dir *Dir) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir.Path)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir.Path, err)
	}

	for _, e := range entries {
		path := filepath.Join(dir.Path, e.Name())
		switch {
		case e.IsDir():
			if e.Name() == ".git" {
				continue
			}
			sub := &Dir{Name: e.Name(), Path: path, Children: make(map[string]Entry)}
			dir.Children[e.Name()] = sub
			if err := spawn(g, func() error { return s.readDir(ctx, g, root, sub) }); err != nil {
				return err
			}
		case e.Type().IsRegular():
			if !s.included(root, path) {
				continue
			}
			file := &File{Name: e.Name(), Path: path}
			dir.Children[e.Name()] = file
			if err := s.readFile(ctx, file); err != nil {
				return err
			}
		default:
			s.logger().Debug("skipping irregular file", "path", path, "mode", e.Type().String())
		}
	}
	return nil
}

func (s *Snapshotter) readFile(ctx context.Context, file *File) error {
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file.Path, err)
	}
	file.Body = string(data)

	if s.Evaluator == nil || !generatorRe.MatchString(file.Name) {
		return nil
	}

	bust := s.bust.Add(1)
	s.logger().Debug("running generator", "path", file.Path, "bust", bust)
	out, err := s.Evaluator.Evaluate(ctx, file.Path, bust)
	if err != nil {
		return &GeneratedFileError{Path: file.Path, Err: err}
	}
	if !json.Valid(out) {
		return &GeneratedFileError{Path: file.Path, Err: fmt.Errorf("output is not valid JSON: %q", truncate(out, 80))}
	}

	var body bytes.Buffer
	if err := json.Indent(&body, out, "", "  "); err != nil {
		return &GeneratedFileError{Path: file.Path, Err: err}
	}
	file.Generated = &File{
		Name: generatorRe.ReplaceAllString(file.Name, ""),
		Path: generatorRe.ReplaceAllString(file.Path, ""),
		Body: body.String(),
	}
	return nil
}

func (s *Snapshotter) included(root, path string) bool {
	if s.Include == nil {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return s.Include(filepath.ToSlash(rel))
}

func (s *Snapshotter) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// child returns the subdirectory name of parent, creating it when missing
func child(parent *Dir, name string) *Dir {
	if d, ok := parent.Children[name].(*Dir); ok {
		return d
	}
	d := &Dir{Name: name, Path: filepath.Join(parent.Path, name), Children: make(map[string]Entry)}
	parent.Children[name] = d
	return d
}

// collapse cleans dirs to slash separated relative paths and drops those
// inside another entry. "." stands for root itself.
func collapse(dirs []string) []string {
	cleaned := make([]string, 0, len(dirs))
	for _, d := range dirs {
		p := filepath.ToSlash(filepath.Clean(filepath.FromSlash(d)))
		if p == "" {
			p = "."
		}
		cleaned = append(cleaned, p)
	}
	sort.Strings(cleaned)

	var out []string
	for _, p := range cleaned {
		if p == "." {
			return []string{"."}
		}
		covered := false
		for _, dir := range out {
			if covers(dir, p) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	return out
}

// covers reports whether dir is p or one of its ancestors
func covers(dir, p string) bool {
	return dir == p || strings.HasPrefix(p, dir+"/")
}

// Files returns every file below dir ordered by path. Generated twins are
// reachable through their script.
func Files(dir *Dir) []*File {
	var files []*File
	var walk func(d *Dir)
	walk = func(d *Dir) {
		for _, e := range d.Children {
			switch v := e.(type) {
			case *File:
				files = append(files, v)
			case *Dir:
				walk(v)
			}
		}
	}
	walk(dir)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
