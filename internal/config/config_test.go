package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackOverrides_ResolveTrack(t *testing.T) {
	overrides := TrackOverrides{"testing-nightly": "canary"}

	tests := []struct {
		name      string
		channelID string
		want      string
	}{
		{"explicit override wins", "testing-nightly", "canary"},
		{"stable maps to release", "stable", "release"},
		{"testing-<track> strips prefix", "testing-staging", "staging"},
		{"unknown channel falls back to release", "something-else", "release"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, overrides.ResolveTrack(tt.channelID))
		})
	}
}

func TestNeedsAllowlist_IsSafe(t *testing.T) {
	allow := NeedsAllowlist{
		SafePackages:          []string{"Newtonsoft.Json"},
		SafeNamespacePrefixes: []string{"Dalamud."},
	}

	assert.True(t, allow.IsSafe("Newtonsoft.Json"))
	assert.True(t, allow.IsSafe("Dalamud.Bindings"))
	assert.False(t, allow.IsSafe("SomeRandomPackage"))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
required_api_level = 9

[tracks]
stable = "release"

[needs]
safe_packages = ["Newtonsoft.Json"]
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, doc.RequiredAPILevel)
	assert.Equal(t, "release", doc.Tracks["stable"])
	assert.True(t, doc.Needs.IsSafe("Newtonsoft.Json"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}
