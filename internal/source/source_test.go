package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/goatcorp/plogon/internal/logging"
)

// newLocalRepo creates a throwaway repository on disk with one commit and
// returns its path and the commit hash, for use as a clone source.
func newLocalRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(`{"name":"Foo"}`), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("plugin.json")
	require.NoError(t, err)

	commit, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir, commit.String()
}

func TestAcquirer_Acquire_ClonesAndResets(t *testing.T) {
	repoDir, commit := newLocalRepo(t)

	workRoot := t.TempDir()
	a := New(workRoot, logging.Discard())

	dir, err := a.Acquire(context.Background(), "foo-plugin-abc123", "file://"+repoDir, commit, "")
	require.NoError(t, err)

	contents, err := os.ReadFile(filepath.Join(dir, "plugin.json"))
	require.NoError(t, err)
	require.Equal(t, `{"name":"Foo"}`, string(contents))
}

func TestAcquirer_Acquire_RejectsEscapingProjectPath(t *testing.T) {
	a := New(t.TempDir(), logging.Discard())
	_, err := a.Acquire(context.Background(), "key", "file:///nonexistent", "deadbeef", "../escape")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSourceAcquisition)
}

func TestAcquirer_Acquire_ReusesExistingClone(t *testing.T) {
	repoDir, commit := newLocalRepo(t)
	workRoot := t.TempDir()
	a := New(workRoot, logging.Discard())

	dir1, err := a.Acquire(context.Background(), "foo-plugin-abc123", "file://"+repoDir, commit, "")
	require.NoError(t, err)

	dir2, err := a.Acquire(context.Background(), "foo-plugin-abc123", "file://"+repoDir, commit, "")
	require.NoError(t, err)

	require.Equal(t, dir1, dir2)
}
