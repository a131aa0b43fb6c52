// Package manifest parses per-plugin declarative manifests grouped by
// distribution channel, exposes PR-diff-affected filtering and
// cutoff-date filtering, and can retrieve a manifest as it existed at a
// past revision.
//
// Manifest documents are TOML, decoded with pelletier/go-toml/v2, using a
// two-table schema: [plugin], and an optional [build] with [[build.needs]]
// sub-tables.
package manifest

import (
	"fmt"
	"strings"
)

// Need is a pre-declared build.needs entry.
type Need struct {
	Type   string `toml:"type"`
	URL    string `toml:"url,omitempty"`
	Dest   string `toml:"dest,omitempty"`
	SHA512 string `toml:"sha512,omitempty"`
}

// NeedType values recognized in build.needs.
const (
	NeedTypeFile      = "file"
	NeedTypeSubmodule = "submodule"
)

// Plugin is the [plugin] table of a manifest.
type Plugin struct {
	Repository  string   `toml:"repository"`
	Commit      string   `toml:"commit"`
	ProjectPath string   `toml:"project_path"`
	Owners      []string `toml:"owners"`
	Changelog   string   `toml:"changelog,omitempty"`
	Version     string   `toml:"version,omitempty"`
}

// Build is the optional [build] table of a manifest.
type Build struct {
	Image string `toml:"image,omitempty"`
	Needs []Need `toml:"needs,omitempty"`
}

// Manifest is a fully parsed, validated per-plugin declarative record,
// plus the derived fields path_in_repo and directory.
type Manifest struct {
	Plugin Plugin `toml:"plugin"`
	Build  Build  `toml:"build"`

	// InternalName is the plugin's directory name under its channel.
	InternalName string `toml:"-"`
	// Channel is the channel id ("stable" or "testing-<track>") this
	// manifest was scanned from.
	Channel string `toml:"-"`
	// PathInRepo is channel/name/manifest.toml relative to the manifest
	// store's base directory.
	PathInRepo string `toml:"-"`
	// Directory is the manifest's containing directory, absolute or
	// relative to the store's base directory depending on how the store
	// was opened.
	Directory string `toml:"-"`
}

// ManifestParseError wraps a parse/validation failure for a single
// manifest file. A single bad manifest never aborts a scan.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error { return e.Err }

// Validate enforces the manifest invariants: project_path never escapes
// its plugin directory, commit is a full hex revision, owners is
// non-empty.
func (m *Manifest) Validate() error {
	if err := ValidateProjectPath(m.Plugin.ProjectPath); err != nil {
		return err
	}
	if !isFullHexRevision(m.Plugin.Commit) {
		return fmt.Errorf("plugin.commit %q is not a full hex revision", m.Plugin.Commit)
	}
	if len(m.Plugin.Owners) == 0 {
		return fmt.Errorf("plugin.owners must be non-empty")
	}
	for _, n := range m.Build.Needs {
		if n.Type != NeedTypeFile && n.Type != NeedTypeSubmodule {
			return fmt.Errorf("build.needs: unrecognized need type %q", n.Type)
		}
	}
	return nil
}

// ValidateProjectPath enforces that project_path must not contain ".."
// or be absolute. It is exported so the source acquirer can re-check it
// at the point of use without re-parsing the manifest.
func ValidateProjectPath(p string) error {
	if p == "" {
		return nil
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("plugin.project_path %q must not be absolute", p)
	}
	for _, part := range strings.Split(filepathToSlash(p), "/") {
		if part == ".." {
			return fmt.Errorf("plugin.project_path %q must not escape its plugin directory", p)
		}
	}
	return nil
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

func isFullHexRevision(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// IsGitHub reports whether the plugin repository URL points at github.com.
func (m *Manifest) IsGitHub() bool {
	return strings.Contains(m.Plugin.Repository, "github.com")
}

// IsGitLab reports whether the plugin repository URL points at gitlab.com.
func (m *Manifest) IsGitLab() bool {
	return strings.Contains(m.Plugin.Repository, "gitlab.com")
}
