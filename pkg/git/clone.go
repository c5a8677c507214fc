// Package git fetches the repository holding the app to deploy.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
)

// CloneOptions configure a clone
type CloneOptions struct {
	URL string

	// Ref is a branch or tag name; the default branch when empty
	Ref string

	// DestDir receives the clone under a directory named after the
	// repository. A temporary directory is used when empty.
	DestDir string

	// Depth limits history; 0 clones everything
	Depth int

	Progress io.Writer
	Logger   zerolog.Logger
}

// CloneRepository clones a repository and returns the path of the working tree
func CloneRepository(ctx context.Context, opts CloneOptions) (string, error) {
	destDir := opts.DestDir
	if destDir == "" {
		tmpDir, err := os.MkdirTemp("", "cdk-reconciler-*")
		if err != nil {
			return "", fmt.Errorf("failed to create temp directory: %w", err)
		}
		destDir = tmpDir
	}

	clonePath := filepath.Join(destDir, repositoryName(opts.URL))
	opts.Logger.Info().Str("url", opts.URL).Str("path", clonePath).Msg("cloning repository")

	cloneOpts := &git.CloneOptions{
		URL:      opts.URL,
		Progress: opts.Progress,
		Depth:    opts.Depth,
	}
	if opts.Ref != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Ref)
		cloneOpts.SingleBranch = true
	}

	_, err := git.PlainCloneContext(ctx, clonePath, false, cloneOpts)
	if err != nil && opts.Ref != "" && errors.Is(err, plumbing.ErrReferenceNotFound) {
		// Not a branch, try it as a tag
		_ = os.RemoveAll(clonePath)
		cloneOpts.ReferenceName = plumbing.NewTagReferenceName(opts.Ref)
		_, err = git.PlainCloneContext(ctx, clonePath, false, cloneOpts)
	}
	if err != nil {
		return "", fmt.Errorf("failed to clone repository: %w", err)
	}

	opts.Logger.Debug().Str("path", clonePath).Msg("repository cloned")
	return clonePath, nil
}

// CleanupRepository removes the cloned repository directory
func CleanupRepository(path string) error {
	return os.RemoveAll(path)
}

func repositoryName(repoURL string) string {
	name := filepath.Base(strings.TrimRight(repoURL, "/"))
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".git")
}
