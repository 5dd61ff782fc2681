package rewrite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/482F/sync-config/internal/config"
	"github.com/482F/sync-config/internal/generate"
	"github.com/482F/sync-config/internal/testutil"
	"github.com/482F/sync-config/internal/tree"
)

type result struct {
	Path string
	Body string
}

func snapshot(t *testing.T, root string, files map[string]string, dirs ...string) *tree.Dir {
	t.Helper()
	testutil.WriteFiles(t, root, files)
	s := &tree.Snapshotter{Evaluator: generate.Func(func(context.Context, string, int64) ([]byte, error) {
		return []byte(`{"generated":true}`), nil
	})}
	dir, err := s.Snapshot(context.Background(), root, dirs)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return dir
}

func rel(t *testing.T, root string, files []File) []result {
	t.Helper()
	out := make([]result, len(files))
	for i, f := range files {
		r, err := filepath.Rel(root, f.Path)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = result{Path: filepath.ToSlash(r), Body: f.Body}
	}
	return out
}

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		dirs    []string
		folders []config.Folder
		want    []result
	}{
		{
			name:    "moves folder to destination",
			files:   map[string]string{"common/a.txt": "a", "common/sub/b.txt": "b", "other/c": "c"},
			dirs:    []string{"common", "other"},
			folders: []config.Folder{{Name: "common", Destination: "."}},
			want:    []result{{Path: "a.txt", Body: "a"}, {Path: "sub/b.txt", Body: "b"}},
		},
		{
			name:    "prefix match is segment aware",
			files:   map[string]string{"app/x": "1", "app-extra/y": "2"},
			dirs:    []string{"."},
			folders: []config.Folder{{Name: "app", Destination: "dest"}},
			want:    []result{{Path: "dest/x", Body: "1"}},
		},
		{
			name:  "first matching rule wins",
			files: map[string]string{"shared/ci/build.yml": "b", "shared/lint": "l"},
			dirs:  []string{"shared"},
			folders: []config.Folder{
				{Name: "shared/ci", Destination: ".ci"},
				{Name: "shared", Destination: "tpl"},
			},
			want: []result{{Path: ".ci/build.yml", Body: "b"}, {Path: "tpl/lint", Body: "l"}},
		},
		{
			name:    "identity rule at root",
			files:   map[string]string{"README.md": "r", "docs/x.md": "x"},
			dirs:    []string{""},
			folders: []config.Folder{{Name: "", Destination: "."}},
			want:    []result{{Path: "README.md", Body: "r"}, {Path: "docs/x.md", Body: "x"}},
		},
		{
			name:    "generated output replaces script and sibling",
			files:   map[string]string{"cfg/s.json.gen.ts": "script", "cfg/s.json": "stale", "cfg/t.json": "t"},
			dirs:    []string{"cfg"},
			folders: []config.Folder{{Name: "cfg", Destination: "out"}},
			want: []result{
				{Path: "out/s.json", Body: "{\n  \"generated\": true\n}"},
				{Path: "out/t.json", Body: "t"},
			},
		},
		{
			name:  "colliding destinations keep the smaller source",
			files: map[string]string{"a/f": "from a", "b/f": "from b"},
			dirs:  []string{"a", "b"},
			folders: []config.Folder{
				{Name: "b", Destination: "x"},
				{Name: "a", Destination: "x"},
			},
			want: []result{{Path: "x/f", Body: "from a"}},
		},
		{
			name:    "rule naming a single file",
			files:   map[string]string{"tpl/.editorconfig": "e", "tpl/other": "o"},
			dirs:    []string{"tpl/.editorconfig"},
			folders: []config.Folder{{Name: "tpl/.editorconfig", Destination: ".editorconfig"}},
			want:    []result{{Path: ".editorconfig", Body: "e"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			dir := snapshot(t, root, tt.files, tt.dirs...)

			got, err := Apply(root, tt.folders, dir)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if diff := cmp.Diff(tt.want, rel(t, root, got)); diff != "" {
				t.Errorf("Apply mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApply_Deterministic(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{}
	for _, name := range []string{"q", "w", "e", "r", "t", "y"} {
		files["src/"+name+"/file"] = name
		files["alt/"+name+"/file"] = "alt " + name
	}
	dir := snapshot(t, root, files, "src", "alt")
	folders := []config.Folder{{Name: "src", Destination: "."}, {Name: "alt", Destination: "."}}

	first, err := Apply(root, folders, dir)
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		again, err := Apply(root, folders, dir)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("Apply is not deterministic:\n%s", diff)
		}
	}
	// alt sorts before src, so alt wins every collision
	for _, f := range first {
		if f.Body[:3] != "alt" {
			t.Errorf("%s came from %s", f.Path, f.Source)
		}
	}
}

func TestApply_RejectsEscapingRules(t *testing.T) {
	root := t.TempDir()
	dir := &tree.Dir{Path: root, Children: map[string]tree.Entry{}}
	if _, err := Apply(root, []config.Folder{{Name: "../outside", Destination: "."}}, dir); err == nil {
		t.Fatal("expected error for rule outside root")
	}
}

func TestFileSave(t *testing.T) {
	root := t.TempDir()
	f := File{Path: filepath.Join(root, "a", "b", "c.txt"), Body: "body"}
	if err := f.Save(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "body" {
		t.Errorf("saved %q", data)
	}
}
