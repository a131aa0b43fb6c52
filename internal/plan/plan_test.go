package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatcorp/plogon/internal/logging"
	"github.com/goatcorp/plogon/internal/manifest"
	"github.com/goatcorp/plogon/internal/state"
)

func newTestState(t *testing.T) *state.State {
	t.Helper()
	st, err := state.Load(t.TempDir()+"/state.toml", logging.Discard())
	require.NoError(t, err)
	return st
}

func fooManifest(commit string) *manifest.Manifest {
	return &manifest.Manifest{
		Plugin: manifest.Plugin{
			Repository: "https://github.com/example/FooPlugin",
			Commit:     commit,
			Owners:     []string{"alice"},
		},
	}
}

func TestPlan_FreshBuild(t *testing.T) {
	st := newTestState(t)
	channels := map[string]map[string]*manifest.Manifest{
		"stable": {"FooPlugin": fooManifest("abc123abc123abc123abc123abc123abc123abc1")},
	}

	tasks := Plan(channels, st, Options{})
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskBuild, tasks[0].Type)
	assert.True(t, tasks[0].IsNewPlugin)
	assert.False(t, tasks[0].IsNewInChannel)
	assert.Empty(t, tasks[0].HaveCommit)
	assert.True(t, tasks[0].IsGitHub)
}

func TestPlan_NoOpRun(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.UpdatePluginHave("stable", "FooPlugin", "abc123abc123abc123abc123abc123abc123abc1", "1.0.0", "", nil, ""))

	channels := map[string]map[string]*manifest.Manifest{
		"stable": {"FooPlugin": fooManifest("abc123abc123abc123abc123abc123abc123abc1")},
	}

	tasks := Plan(channels, st, Options{})
	assert.Empty(t, tasks)
}

func TestPlan_CommitChanged(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.UpdatePluginHave("stable", "FooPlugin", "abc123abc123abc123abc123abc123abc123abc1", "1.0.0", "", nil, ""))

	channels := map[string]map[string]*manifest.Manifest{
		"stable": {"FooPlugin": fooManifest("def456def456def456def456def456def456def4")},
	}

	tasks := Plan(channels, st, Options{})
	require.Len(t, tasks, 1)
	assert.Equal(t, "abc123abc123abc123abc123abc123abc123abc1", tasks[0].HaveCommit)
	assert.Equal(t, "1.0.0", tasks[0].HaveVersion)
}

func TestPlan_Removal(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.UpdatePluginHave("testing-live", "BarPlugin", "abc123abc123abc123abc123abc123abc123abc1", "1.0.0", "", nil, ""))

	channels := map[string]map[string]*manifest.Manifest{
		"testing-live": {},
	}

	tasks := Plan(channels, st, Options{})
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskRemove, tasks[0].Type)
	assert.Equal(t, "BarPlugin", tasks[0].InternalName)
}

func TestPlan_ContinuousRebuildsEverything(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.UpdatePluginHave("stable", "FooPlugin", "abc123abc123abc123abc123abc123abc123abc1", "1.0.0", "", nil, ""))

	channels := map[string]map[string]*manifest.Manifest{
		"stable": {"FooPlugin": fooManifest("abc123abc123abc123abc123abc123abc123abc1")},
	}

	tasks := Plan(channels, st, Options{Continuous: true})
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskBuild, tasks[0].Type)
}

func TestPlan_DeterministicOrdering(t *testing.T) {
	st := newTestState(t)
	channels := map[string]map[string]*manifest.Manifest{
		"stable": {
			"ZetaPlugin":  fooManifest("1111111111111111111111111111111111111111"),
			"AlphaPlugin": fooManifest("2222222222222222222222222222222222222222"),
		},
	}
	tasks := Plan(channels, st, Options{})
	require.Len(t, tasks, 2)
	assert.Equal(t, "AlphaPlugin", tasks[0].InternalName)
	assert.Equal(t, "ZetaPlugin", tasks[1].InternalName)
}
