// Package generate evaluates generator scripts: ES modules named
// *.gen.ts or *.gen.js whose default export becomes a JSON file.
package generate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/482F/sync-config/internal/config"
)

// Evaluator turns a generator script into the JSON text of its default
// export. bust differs between calls for the same path so that runtimes
// caching modules by URL load the current file contents.
type Evaluator interface {
	Evaluate(ctx context.Context, path string, bust int64) ([]byte, error)
}

// Func adapts a function to Evaluator
type Func func(ctx context.Context, path string, bust int64) ([]byte, error)

func (f Func) Evaluate(ctx context.Context, path string, bust int64) ([]byte, error) {
	return f(ctx, path, bust)
}

// prints the default export as JSON on stdout
const (
	denoProgram = `const m = await import(Deno.args[0]); console.log(JSON.stringify(await m.default));`
	nodeProgram = `const m = await import(process.argv[1]); console.log(JSON.stringify(await m.default));`
)

// CommandEvaluator runs scripts with an external JavaScript runtime
type CommandEvaluator struct {
	runtime config.Runtime
	binary  string
	logger  *slog.Logger
}

// NewCommandEvaluator creates an evaluator for the given runtime. The
// binary is looked up on PATH when a script is first evaluated.
func NewCommandEvaluator(runtime config.Runtime, logger *slog.Logger) (*CommandEvaluator, error) {
	switch runtime {
	case config.RuntimeDeno, config.RuntimeNode:
	default:
		return nil, fmt.Errorf("unsupported generator runtime %q", runtime)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CommandEvaluator{runtime: runtime, binary: string(runtime), logger: logger}, nil
}

// Evaluate imports the script at path and returns its default export as JSON
func (e *CommandEvaluator) Evaluate(ctx context.Context, path string, bust int64) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	moduleURL := ModuleURL(abs, bust)

	var args []string
	switch e.runtime {
	case config.RuntimeDeno:
		args = []string{"eval", "--quiet", denoProgram, moduleURL}
	case config.RuntimeNode:
		args = []string{"--input-type=module", "--no-warnings", "-e", nodeProgram, moduleURL}
	}

	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Dir = filepath.Dir(abs)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("evaluating generator", "runtime", e.runtime, "path", abs)
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("generator runtime %s not found on PATH: %w", e.binary, err)
		}
		return nil, fmt.Errorf("%s failed for %s: %w: %s", e.binary, abs, err, strings.TrimSpace(stderr.String()))
	}
	return bytes.TrimSpace(stdout.Bytes()), nil
}

// ModuleURL returns the file URL of path with the cache-bust query
func ModuleURL(abs string, bust int64) string {
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(abs),
		RawQuery: "v=" + strconv.FormatInt(bust, 10),
	}
	return u.String()
}
