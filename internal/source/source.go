// Package source acquires and prepares a plugin's working tree for a
// build task: cloning if necessary, fetching the pinned commit, hard
// resetting the tree, and updating declared submodules.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/goatcorp/plogon/internal/manifest"
)

// ErrSourceAcquisition wraps any failure encountered while preparing a
// task's working tree.
var ErrSourceAcquisition = errors.New("source acquisition failed")

// Acquirer clones and updates plugin working trees, keyed by a
// caller-supplied work key so repeated runs reuse prior clones.
type Acquirer struct {
	workRoot string
	log      *zap.Logger
}

// New returns an Acquirer that keeps clones under workRoot.
func New(workRoot string, log *zap.Logger) *Acquirer {
	return &Acquirer{workRoot: workRoot, log: log}
}

// WorkDir returns the deterministic working directory for a work key.
func (a *Acquirer) WorkDir(workKey string) string {
	return filepath.Join(a.workRoot, workKey+"-work")
}

// Acquire prepares the working tree for repoURL at commit, updating any
// declared submodules, and returns the resulting directory.
//
// Refuses to proceed if projectPath escapes the plugin directory, per the
// manifest's project_path invariant.
func (a *Acquirer) Acquire(ctx context.Context, workKey, repoURL, commit, projectPath string) (string, error) {
	if err := manifest.ValidateProjectPath(projectPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceAcquisition, err)
	}

	dir := a.WorkDir(workKey)

	repo, err := a.openOrClone(ctx, dir, repoURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceAcquisition, err)
	}

	if err := a.fetchCommit(ctx, repo, commit); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceAcquisition, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("%w: opening worktree: %v", ErrSourceAcquisition, err)
	}

	if err := wt.Reset(&git.ResetOptions{Commit: plumbing.NewHash(commit), Mode: git.HardReset}); err != nil {
		return "", fmt.Errorf("%w: hard reset to %s: %v", ErrSourceAcquisition, commit, err)
	}

	if err := a.updateSubmodules(ctx, wt); err != nil {
		return "", fmt.Errorf("%w: updating submodules: %v", ErrSourceAcquisition, err)
	}

	a.log.Info("source acquired", zap.String("work_key", workKey), zap.String("commit", commit))
	return dir, nil
}

func (a *Acquirer) openOrClone(ctx context.Context, dir, repoURL string) (*git.Repository, error) {
	empty, err := dirIsEmptyOrMissing(dir)
	if err != nil {
		return nil, err
	}
	if !empty {
		return git.PlainOpen(dir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	a.log.Debug("cloning without checkout", zap.String("url", repoURL), zap.String("dir", dir))
	return git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:               repoURL,
		NoCheckout:        true,
		RecurseSubmodules: git.NoRecurseSubmodules,
	})
}

func (a *Acquirer) fetchCommit(ctx context.Context, repo *git.Repository, commit string) error {
	refSpec := config.RefSpec(fmt.Sprintf("+%s:refs/plogon/%s", commit, commit))
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching commit %s: %w", commit, err)
	}
	return nil
}

func (a *Acquirer) updateSubmodules(ctx context.Context, wt *git.Worktree) error {
	submodules, err := wt.Submodules()
	if err != nil {
		return err
	}
	for _, sub := range submodules {
		a.log.Debug("updating submodule", zap.String("path", sub.Config().Path))
		if err := sub.UpdateContext(ctx, &git.SubmoduleUpdateOptions{
			Init:              true,
			RecurseSubmodules: git.NoRecurseSubmodules,
		}); err != nil {
			return fmt.Errorf("submodule %s: %w", sub.Config().Path, err)
		}
	}
	return nil
}

func dirIsEmptyOrMissing(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}
