package git

import (
	"context"
	"errors"
	"fmt"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// TrackedFiles lists the files in HEAD's tree. Reading the object database
// directly leaves the working tree and index alone. An unborn HEAD has no
// tracked files.
func (c *ShellClient) TrackedFiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo, err := gogit.PlainOpen(c.dir)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	headRef, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting HEAD: %w", err)
	}

	commit, err := repo.CommitObject(headRef.Hash())
	if err != nil {
		return nil, fmt.Errorf("getting HEAD commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting HEAD tree: %w", err)
	}

	var paths []string
	err = tree.Files().ForEach(func(f *object.File) error {
		paths = append(paths, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking HEAD tree: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}
