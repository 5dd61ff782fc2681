package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// FindProjectRoot returns the directory holding go.mod, searched upwards
// from the source file of its caller
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}
	return findUp(filepath.Dir(filename), "go.mod")
}

// ProjectRoot is FindProjectRoot for tests
func ProjectRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		t.Fatal("failed to get caller information")
	}
	root, err := findUp(filepath.Dir(filename), "go.mod")
	if err != nil {
		t.Fatal(err)
	}
	return root
}

// findUp returns the first directory from dir upwards that contains name
func findUp(dir, name string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found in any parent directory", name)
		}
		dir = parent
	}
}
