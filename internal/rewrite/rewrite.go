// Package rewrite projects a template snapshot onto consumer paths using
// the configured folder rules.
package rewrite

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/482F/sync-config/internal/config"
	"github.com/482F/sync-config/internal/tree"
)

// File is a template file at its consumer path
type File struct {
	// Source is the path the file was read from, or the output path of the
	// generator that produced it
	Source string
	Path   string
	Body   string
}

// Save writes the body to Path, creating parent directories
func (f File) Save() error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
	}
	if err := os.WriteFile(f.Path, []byte(f.Body), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.Path, err)
	}
	return nil
}

type rule struct {
	src, dst string
}

// Apply selects the files of dir covered by a folder rule and moves each
// from under the rule's source to under its destination. Both sides of a
// rule are resolved against root. The first matching rule wins. Generator
// output replaces its script and any plain file at the same path. When two
// files land on the same path, the one with the smaller source path is
// kept. The result is ordered by Path.
func Apply(root string, folders []config.Folder, dir *tree.Dir) ([]File, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	rules := make([]rule, 0, len(folders))
	for _, f := range folders {
		src, err := resolve(root, f.Name)
		if err != nil {
			return nil, fmt.Errorf("folder name %q: %w", f.Name, err)
		}
		dst, err := resolve(root, f.Destination)
		if err != nil {
			return nil, fmt.Errorf("folder destination %q: %w", f.Destination, err)
		}
		rules = append(rules, rule{src: src, dst: dst})
	}

	taken := make(map[string]bool)
	var out []File
	for _, c := range candidates(dir) {
		target, ok := project(rules, c.Source)
		if !ok || taken[target] {
			continue
		}
		taken[target] = true
		out = append(out, File{Source: c.Source, Path: target, Body: c.Body})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// candidates returns the files of dir ordered by source path, with
// generator scripts replaced by their output
func candidates(dir *tree.Dir) []File {
	files := tree.Files(dir)

	generated := make(map[string]bool)
	for _, f := range files {
		if f.Generated != nil {
			generated[f.Generated.Path] = true
		}
	}

	out := make([]File, 0, len(files))
	for _, f := range files {
		switch {
		case f.Generated != nil:
			out = append(out, File{Source: f.Generated.Path, Body: f.Generated.Body})
		case generated[f.Path]:
			// superseded by generator output
		default:
			out = append(out, File{Source: f.Path, Body: f.Body})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// project maps path through the first rule whose source contains it
func project(rules []rule, path string) (string, bool) {
	for _, r := range rules {
		if path == r.src {
			return r.dst, true
		}
		if rest, ok := strings.CutPrefix(path, withSep(r.src)); ok {
			return filepath.Join(r.dst, rest), true
		}
	}
	return "", false
}

func withSep(dir string) string {
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}

// resolve joins rel onto root and refuses results outside root
func resolve(root, rel string) (string, error) {
	p := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, p)
	if err != nil {
		return "", err
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("resolves outside of %s", root)
	}
	return p, nil
}
