package needs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatcorp/plogon/internal/config"
	"github.com/goatcorp/plogon/internal/hydrate"
	"github.com/goatcorp/plogon/internal/logging"
	"github.com/goatcorp/plogon/internal/state"
)

func newTestState(t *testing.T) *state.State {
	t.Helper()
	st, err := state.Load(t.TempDir()+"/state.toml", logging.Discard())
	require.NoError(t, err)
	return st
}

func TestEngine_Classify_New(t *testing.T) {
	st := newTestState(t)
	e := New(st, config.NeedsAllowlist{})

	in := Inputs{Packages: []hydrate.Package{{Name: "Acme.Widgets", Version: "2.0.0"}}}
	classified := e.Classify(in)

	require.Len(t, classified, 1)
	assert.Equal(t, StatusNew, classified[0].Status)
}

func TestEngine_Classify_Reviewed(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.AddReviewedNeed(TypePackage, "Acme.Widgets", "2.0.0", "bob", time.Now()))

	e := New(st, config.NeedsAllowlist{})
	in := Inputs{Packages: []hydrate.Package{{Name: "Acme.Widgets", Version: "2.0.0"}}}
	classified := e.Classify(in)

	require.Len(t, classified, 1)
	assert.Equal(t, StatusReviewed, classified[0].Status)
	assert.Equal(t, "bob", classified[0].Reviewer)
}

func TestEngine_Classify_Update(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.AddReviewedNeed(TypePackage, "Acme.Widgets", "1.0.0", "bob", time.Now()))

	e := New(st, config.NeedsAllowlist{})
	in := Inputs{Packages: []hydrate.Package{{Name: "Acme.Widgets", Version: "2.0.0"}}}
	classified := e.Classify(in)

	require.Len(t, classified, 1)
	assert.Equal(t, StatusUpdate, classified[0].Status)
	assert.Equal(t, "1.0.0", classified[0].OldVersion)
}

func TestEngine_Classify_DowngradeIsNotAnUpdate(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.AddReviewedNeed(TypePackage, "Acme.Widgets", "3.0.0", "bob", time.Now()))

	e := New(st, config.NeedsAllowlist{})
	in := Inputs{Packages: []hydrate.Package{{Name: "Acme.Widgets", Version: "2.0.0"}}}
	classified := e.Classify(in)

	require.Len(t, classified, 1)
	assert.Equal(t, StatusNew, classified[0].Status, "a reviewed higher version is not a prior version of a downgrade")
	assert.Empty(t, classified[0].OldVersion)
}

func TestEngine_Classify_HiddenSafePackageStillEnumerated(t *testing.T) {
	st := newTestState(t)
	e := New(st, config.NeedsAllowlist{SafeNamespacePrefixes: []string{"System."}})

	in := Inputs{Packages: []hydrate.Package{{Name: "System.Collections", Version: "1.0.0"}}}
	classified := e.Classify(in)

	require.Len(t, classified, 1)
	assert.True(t, classified[0].Hidden)
	assert.Equal(t, StatusNew, classified[0].Status, "hidden packages are never auto-reviewed")
}

func TestRequireReviewed(t *testing.T) {
	unreviewed := []Need{{Status: StatusNew}}
	require.ErrorIs(t, RequireReviewed(unreviewed), ErrUnreviewedNeeds)

	allReviewed := []Need{{Status: StatusReviewed}}
	require.NoError(t, RequireReviewed(allReviewed))
}

func TestRecordApprovals(t *testing.T) {
	st := newTestState(t)
	classified := []Need{
		{Type: TypePackage, Key: "Acme.Widgets", Version: "2.0.0", Status: StatusNew},
		{Type: TypePackage, Key: "Already.Reviewed", Version: "1.0.0", Status: StatusReviewed},
	}

	require.NoError(t, RecordApprovals(st, classified, "carol", time.Now()))

	reviewer, ok := st.ReviewerOf(TypePackage, "Acme.Widgets", "2.0.0")
	require.True(t, ok)
	assert.Equal(t, "carol", reviewer)
}
