package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	return &Manifest{
		Plugin: Plugin{
			Repository: "https://github.com/example/FooPlugin",
			Commit:     "abc123abc123abc123abc123abc123abc123abc1",
			Owners:     []string{"alice"},
		},
	}
}

func TestManifest_Validate(t *testing.T) {
	m := validManifest()
	require.NoError(t, m.Validate())
}

func TestManifest_Validate_RejectsTraversal(t *testing.T) {
	m := validManifest()
	m.Plugin.ProjectPath = "../x"
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escape")
}

func TestManifest_Validate_RejectsAbsolutePath(t *testing.T) {
	m := validManifest()
	m.Plugin.ProjectPath = "/etc/passwd"
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestManifest_Validate_RejectsShortCommit(t *testing.T) {
	m := validManifest()
	m.Plugin.Commit = "abc123"
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full hex revision")
}

func TestManifest_Validate_RejectsEmptyOwners(t *testing.T) {
	m := validManifest()
	m.Plugin.Owners = nil
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owners")
}

func TestManifest_IsGitHubGitLab(t *testing.T) {
	m := validManifest()
	assert.True(t, m.IsGitHub())
	assert.False(t, m.IsGitLab())

	m.Plugin.Repository = "https://gitlab.com/example/FooPlugin"
	assert.False(t, m.IsGitHub())
	assert.True(t, m.IsGitLab())
}

func TestDecode(t *testing.T) {
	doc := `
[plugin]
repository = "https://github.com/example/FooPlugin"
commit = "abc123abc123abc123abc123abc123abc123abc1"
owners = ["alice", "bob"]
project_path = "src/FooPlugin"
version = "1.0.0"

[build]
image = "custom/image:latest"

[[build.needs]]
type = "file"
url = "https://example.com/asset.bin"
dest = "asset.bin"
sha512 = "deadbeef"
`
	m, err := decode([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/example/FooPlugin", m.Plugin.Repository)
	assert.Equal(t, []string{"alice", "bob"}, m.Plugin.Owners)
	assert.Equal(t, "custom/image:latest", m.Build.Image)
	require.Len(t, m.Build.Needs, 1)
	assert.Equal(t, NeedTypeFile, m.Build.Needs[0].Type)
}

func TestAffectedManifests(t *testing.T) {
	diff := `diff --git a/testing/live/BazPlugin/manifest.toml b/testing/live/BazPlugin/manifest.toml
index 1234567..89abcde 100644
--- a/testing/live/BazPlugin/manifest.toml
+++ b/testing/live/BazPlugin/manifest.toml
@@ -1,3 +1,3 @@
 [plugin]
-commit = "old"
+commit = "new"
`
	affected := AffectedManifests(diff)
	_, ok := affected["testing/live/BazPlugin/manifest.toml"]
	assert.True(t, ok)
	assert.Len(t, affected, 1)
}

func TestAffectedManifests_Rename(t *testing.T) {
	diff := "rename to stable/NewName/manifest.TOML\n"
	affected := AffectedManifests(diff)
	_, ok := affected["stable/NewName/manifest.TOML"]
	assert.True(t, ok)
}
