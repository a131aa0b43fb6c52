package manifest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// Options configures a single scan of the manifest store.
type Options struct {
	// PRDiff, when non-empty, is the unified diff text used to compute
	// the affected-manifest set.
	PRDiff string
	// IgnoreNonAffected skips manifests not in the PRDiff-affected set.
	IgnoreNonAffected bool
	// CutoffDate, when non-zero, skips manifests whose VCS commit
	// timestamp predates it.
	CutoffDate time.Time
}

// Store scans a base directory of channel/plugin manifests.
type Store struct {
	baseDir string
	log     *zap.Logger

	historyMu    sync.Mutex
	historyCache map[historyKey]string
}

type historyKey struct {
	channel, internalName, ref string
}

// New returns a Store rooted at baseDir, which must contain "stable/" and
// "testing/<track>/" subdirectories.
func New(baseDir string, log *zap.Logger) *Store {
	return &Store{
		baseDir:      baseDir,
		log:          log,
		historyCache: make(map[historyKey]string),
	}
}

// affectedFileRe matches unified-diff lines of the form "+++ b/<path>.toml"
// or "rename to <path>.toml", case-insensitively.
var affectedFileRe = regexp.MustCompile(`(?i)^(?:\+\+\+ b/|rename to )(.+\.toml)\s*$`)

// AffectedManifests computes the set of manifest file paths (relative to
// the repository root) touched by a unified diff.
func AffectedManifests(prDiff string) map[string]struct{} {
	affected := make(map[string]struct{})
	for _, line := range strings.Split(prDiff, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := affectedFileRe.FindStringSubmatch(line); m != nil {
			affected[m[1]] = struct{}{}
		}
	}
	return affected
}

// Scan walks the store and returns channels: channel_id -> internal_name ->
// Manifest, plus any per-manifest parse errors encountered (each is logged
// and skipped, never aborting the scan).
func (s *Store) Scan(ctx context.Context, opts Options) (map[string]map[string]*Manifest, []error) {
	var affected map[string]struct{}
	if opts.PRDiff != "" {
		affected = AffectedManifests(opts.PRDiff)
	}

	channels := make(map[string]map[string]*Manifest)
	var parseErrs []error

	scanChannel := func(channelID, dir string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				parseErrs = append(parseErrs, fmt.Errorf("reading channel dir %s: %w", dir, err))
			}
			return
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := e.Name()
			pluginDir := filepath.Join(dir, name)
			manifestPath, err := findManifestFile(pluginDir)
			if err != nil {
				parseErrs = append(parseErrs, &ManifestParseError{Path: pluginDir, Err: err})
				continue
			}

			relPath, _ := filepath.Rel(s.baseDir, manifestPath)
			relPath = filepath.ToSlash(relPath)

			if opts.PRDiff != "" && opts.IgnoreNonAffected {
				if _, ok := affected[relPath]; !ok {
					continue
				}
			}

			if !opts.CutoffDate.IsZero() {
				ts, err := s.commitTimestamp(ctx, manifestPath)
				if err == nil && ts.Before(opts.CutoffDate) {
					continue
				}
			}

			m, err := s.parseFile(manifestPath)
			if err != nil {
				parseErrs = append(parseErrs, &ManifestParseError{Path: manifestPath, Err: err})
				continue
			}
			m.InternalName = name
			m.Channel = channelID
			m.PathInRepo = relPath
			m.Directory = pluginDir

			if err := m.Validate(); err != nil {
				parseErrs = append(parseErrs, &ManifestParseError{Path: manifestPath, Err: err})
				continue
			}

			if channels[channelID] == nil {
				channels[channelID] = make(map[string]*Manifest)
			}
			channels[channelID][name] = m
		}
	}

	scanChannel("stable", filepath.Join(s.baseDir, "stable"))

	testingRoot := filepath.Join(s.baseDir, "testing")
	tracks, err := os.ReadDir(testingRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			parseErrs = append(parseErrs, fmt.Errorf("reading testing root: %w", err))
		}
	} else {
		for _, t := range tracks {
			if !t.IsDir() {
				continue
			}
			channelID := "testing-" + t.Name()
			scanChannel(channelID, filepath.Join(testingRoot, t.Name()))
		}
	}

	for _, e := range parseErrs {
		s.log.Warn("skipping unparseable manifest", zap.Error(e))
	}

	return channels, parseErrs
}

// findManifestFile locates the single keyed manifest file inside a plugin
// directory (everything but the images/ folder).
func findManifestFile(pluginDir string) (string, error) {
	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".toml") {
			return filepath.Join(pluginDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no manifest file found in %s", pluginDir)
}

func (s *Store) parseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding toml: %w", err)
	}
	return &m, nil
}

// commitTimestamp shells out to the surrounding VCS for the last commit
// timestamp of a path.
func (s *Store) commitTimestamp(ctx context.Context, path string) (time.Time, error) {
	dir := filepath.Dir(path)
	cmd := exec.CommandContext(ctx, "git", "log", "-n", "1", "--pretty=format:%cd", "--date=iso-strict", "--", filepath.Base(path))
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return time.Time{}, fmt.Errorf("git log: %w", err)
	}
	ts := strings.TrimSpace(out.String())
	if ts == "" {
		return time.Time{}, fmt.Errorf("no commit history for %s", path)
	}
	return time.Parse(time.RFC3339, ts)
}

// GetHistoricManifest retrieves a manifest as of the most recent revision
// that touched the given channel/internal_name directory; if that
// revision deleted the manifest, it is read from the revision's parent.
func (s *Store) GetHistoricManifest(ctx context.Context, channel, internalName, ref string) (*Manifest, error) {
	key := historyKey{channel, internalName, ref}
	s.historyMu.Lock()
	if cached, ok := s.historyCache[key]; ok {
		s.historyMu.Unlock()
		m, err := decode([]byte(cached))
		if err != nil {
			return nil, err
		}
		m.InternalName = internalName
		m.Channel = channel
		return m, nil
	}
	s.historyMu.Unlock()

	relDir := channelRelDir(channel, internalName)
	content, err := s.showAtMostRecentRevision(ctx, relDir, ref)
	if err != nil {
		return nil, fmt.Errorf("historic manifest for %s/%s: %w", channel, internalName, err)
	}

	s.historyMu.Lock()
	s.historyCache[key] = content
	s.historyMu.Unlock()

	m, err := decode([]byte(content))
	if err != nil {
		return nil, err
	}
	m.InternalName = internalName
	m.Channel = channel
	return m, nil
}

func channelRelDir(channel, internalName string) string {
	if channel == "stable" {
		return filepath.Join("stable", internalName)
	}
	track := strings.TrimPrefix(channel, "testing-")
	return filepath.Join("testing", track, internalName)
}

// showAtMostRecentRevision finds the most recent revision that touched
// relDir and cats the manifest file at that revision.
func (s *Store) showAtMostRecentRevision(ctx context.Context, relDir, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}

	revList := exec.CommandContext(ctx, "git", "rev-list", "-n", "1", ref, "--", relDir)
	revList.Dir = s.baseDir
	var revOut bytes.Buffer
	revList.Stdout = &revOut
	if err := revList.Run(); err != nil {
		return "", fmt.Errorf("git rev-list: %w", err)
	}
	commit := strings.TrimSpace(revOut.String())
	if commit == "" {
		return "", fmt.Errorf("no history found for %s", relDir)
	}

	manifestPath, err := s.findManifestPathAtRevision(ctx, commit, relDir)
	if err != nil {
		// That revision deleted the manifest; read it from the parent.
		commit += "^"
		manifestPath, err = s.findManifestPathAtRevision(ctx, commit, relDir)
		if err != nil {
			return "", err
		}
	}

	show := exec.CommandContext(ctx, "git", "show", fmt.Sprintf("%s:%s", commit, manifestPath))
	show.Dir = s.baseDir
	var showOut bytes.Buffer
	show.Stdout = &showOut
	if err := show.Run(); err != nil {
		return "", fmt.Errorf("git show: %w", err)
	}
	return showOut.String(), nil
}

// findManifestPathAtRevision resolves the manifest's file name within
// relDir as it existed at commit, since the manifest's basename is not
// fixed by spec.
func (s *Store) findManifestPathAtRevision(ctx context.Context, commit, relDir string) (string, error) {
	lsTree := exec.CommandContext(ctx, "git", "ls-tree", "--name-only", commit, "--", filepath.ToSlash(relDir)+"/")
	lsTree.Dir = s.baseDir
	var out bytes.Buffer
	lsTree.Stdout = &out
	if err := lsTree.Run(); err != nil {
		return "", fmt.Errorf("git ls-tree: %w", err)
	}
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasSuffix(strings.ToLower(line), ".toml") {
			return line, nil
		}
	}
	return "", fmt.Errorf("no manifest found for %s at %s", relDir, commit)
}

// VerifyGitAvailable checks the surrounding VCS command is usable, the
// precondition for cutoff-date filtering and historic-manifest lookup.
func VerifyGitAvailable(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "--version")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git is not available: %w", err)
	}
	if !strings.Contains(out.String(), "git version") {
		return fmt.Errorf("unexpected git version output: %s", out.String())
	}
	return nil
}
