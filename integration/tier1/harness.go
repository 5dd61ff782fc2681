//go:build integration

// Package tier1 runs the sync-config binary against real git repositories.
package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/482F/sync-config/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the binary once and runs it inside scratch repositories
type Harness struct {
	t        *testing.T
	binary   string
	Template string
	Consumer string
	keepDirs bool
}

// NewHarness builds sync-config and creates an empty template repository
// on master and a consumer repository on main
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	base := t.TempDir()
	h := &Harness{
		t:        t,
		binary:   filepath.Join(base, "sync-config"),
		Template: filepath.Join(base, "template"),
		Consumer: filepath.Join(base, "consumer"),
		keepDirs: os.Getenv("INTEGRATION_KEEP_REPOS") == "1",
	}
	testutil.InitRepo(t, h.Template, "master")
	testutil.InitRepo(t, h.Consumer, "main")

	t.Cleanup(func() {
		if h.keepDirs && t.Failed() {
			kept, err := os.MkdirTemp("", "sync-config-tier1-")
			if err == nil && os.CopyFS(kept, os.DirFS(base)) == nil {
				t.Logf("Test failed and INTEGRATION_KEEP_REPOS=1, repositories copied to %s", kept)
			}
		}
	})
	return h
}

// BuildBinary compiles cmd/sync-config into the harness directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()
	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.t.Logf("Building %s", h.binary)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/sync-config")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Run executes sync-config in the consumer repository
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.Consumer
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes sync-config and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("sync-config failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// CommitTemplate commits files to the template and returns the hash
func (h *Harness) CommitTemplate(files map[string]string, remove []string, msg string) string {
	h.t.Helper()
	return testutil.CommitFiles(h.t, h.Template, files, remove, msg)
}

// CommitConsumer commits files to the consumer and returns the hash
func (h *Harness) CommitConsumer(files map[string]string, msg string) string {
	h.t.Helper()
	return testutil.CommitFiles(h.t, h.Consumer, files, nil, msg)
}

// Git runs git in the consumer repository
func (h *Harness) Git(args ...string) string {
	h.t.Helper()
	return testutil.Git(h.t, h.Consumer, args...)
}

// Subjects returns the commit subjects of ref, newest first
func (h *Harness) Subjects(ref string) []string {
	h.t.Helper()
	out := h.Git("log", "--format=%s", ref)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// ReadFile reads a file from the consumer working tree
func (h *Harness) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.Consumer, filepath.FromSlash(rel)))
	return string(data), err
}

// FileExists checks if a file exists in the consumer working tree
func (h *Harness) FileExists(rel string) bool {
	_, err := os.Stat(filepath.Join(h.Consumer, filepath.FromSlash(rel)))
	return err == nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
