// Package state implements the Persistent State ledger: the
// single source of truth for what has already been built, serialized as a
// human-readable keyed TOML document and persisted with a write-temp,
// rename-into-place sequence so no reader ever observes a partially
// written file.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// PluginChangelog is one entry of a plugin's changelog-by-version map.
type PluginChangelog struct {
	TimeReleased time.Time `toml:"time_released"`
	Changelog    string    `toml:"changelog,omitempty"`
	UsedNeeds    []string  `toml:"used_needs,omitempty"`
	Reviewer     string    `toml:"reviewer,omitempty"`
}

// PluginState is the per-plugin record of what has been built.
type PluginState struct {
	BuiltCommit      string                     `toml:"built_commit"`
	TimeBuilt        time.Time                  `toml:"time_built"`
	EffectiveVersion string                     `toml:"effective_version"`
	MinimumVersion   string                     `toml:"minimum_version,omitempty"`
	Changelogs       map[string]PluginChangelog `toml:"changelogs,omitempty"`
}

// ReviewedNeed is one append-only entry of the reviewed-needs ledger.
type ReviewedNeed struct {
	Type       string    `toml:"type"`
	Key        string    `toml:"key"`
	Version    string    `toml:"version"`
	Reviewer   string    `toml:"reviewer"`
	ReviewedAt time.Time `toml:"reviewed_at"`
}

// Channel groups plugin states by internal name.
type Channel struct {
	Plugins map[string]*PluginState `toml:"plugins"`
}

// Document is the full on-disk shape of the state ledger.
type Document struct {
	Channels      map[string]*Channel `toml:"channels"`
	ReviewedNeeds []ReviewedNeed      `toml:"reviewed_needs"`
}

// State owns the ledger's in-memory representation and its atomic
// persistence to disk. All mutation goes through State's methods so every
// mutating call can persist before returning.
type State struct {
	mu   sync.Mutex
	path string
	doc  Document
	log  *zap.Logger
}

// Load reads the state ledger at path, creating an empty document if the
// file does not yet exist.
func Load(path string, log *zap.Logger) (*State, error) {
	s := &State{path: path, log: log, doc: Document{Channels: make(map[string]*Channel)}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	if s.doc.Channels == nil {
		s.doc.Channels = make(map[string]*Channel)
	}
	return s, nil
}

// persist writes the document to a temp file in the same directory and
// renames it into place, guaranteeing readers never see a partial write.
// Caller must hold mu.
func (s *State) persist() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	data, err := toml.Marshal(s.doc)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("marshaling state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming state file into place: %w", err)
	}
	return nil
}

// GetPluginState returns the state for a plugin in a channel, or nil if
// absent.
func (s *State) GetPluginState(channel, internalName string) *PluginState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.doc.Channels[channel]
	if !ok {
		return nil
	}
	return ch.Plugins[internalName]
}

// IsPluginInAnyChannel reports whether internalName appears in state under
// any channel.
func (s *State) IsPluginInAnyChannel(internalName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.doc.Channels {
		if _, ok := ch.Plugins[internalName]; ok {
			return true
		}
	}
	return false
}

// ChannelPluginNames returns the internal names currently recorded under a
// channel, used by the task planner to compute removal tasks.
func (s *State) ChannelPluginNames(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.doc.Channels[channel]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(ch.Plugins))
	for name := range ch.Plugins {
		names = append(names, name)
	}
	return names
}

// RemovePlugin deletes a plugin's state from a channel and persists.
func (s *State) RemovePlugin(channel, internalName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.doc.Channels[channel]
	if ok {
		delete(ch.Plugins, internalName)
	}
	if err := s.persist(); err != nil {
		return err
	}
	s.log.Info("removed plugin from state", zap.String("channel", channel), zap.String("plugin", internalName))
	return nil
}

// UpdatePluginHave upserts a plugin's built state and, if changelog is
// non-empty, appends a PluginChangelog entry keyed by effectiveVersion.
func (s *State) UpdatePluginHave(channel, internalName, builtCommit, effectiveVersion, changelog string, usedNeeds []string, reviewer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.doc.Channels[channel]
	if !ok {
		ch = &Channel{Plugins: make(map[string]*PluginState)}
		s.doc.Channels[channel] = ch
	}

	ps, ok := ch.Plugins[internalName]
	if !ok {
		ps = &PluginState{Changelogs: make(map[string]PluginChangelog)}
		ch.Plugins[internalName] = ps
	}
	if ps.Changelogs == nil {
		ps.Changelogs = make(map[string]PluginChangelog)
	}

	ps.BuiltCommit = builtCommit
	ps.TimeBuilt = time.Now()
	ps.EffectiveVersion = effectiveVersion

	if changelog != "" {
		ps.Changelogs[effectiveVersion] = PluginChangelog{
			TimeReleased: ps.TimeBuilt,
			Changelog:    changelog,
			UsedNeeds:    usedNeeds,
			Reviewer:     reviewer,
		}
	}

	if err := s.persist(); err != nil {
		return err
	}
	s.log.Info("updated plugin state",
		zap.String("channel", channel),
		zap.String("plugin", internalName),
		zap.String("commit", builtCommit),
		zap.String("version", effectiveVersion),
	)
	return nil
}

// AddReviewedNeed appends an entry to the reviewed-needs ledger and
// persists.
func (s *State) AddReviewedNeed(needType, key, version, reviewer string, reviewedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.ReviewedNeeds = append(s.doc.ReviewedNeeds, ReviewedNeed{
		Type:       needType,
		Key:        key,
		Version:    version,
		Reviewer:   reviewer,
		ReviewedAt: reviewedAt,
	})
	return s.persist()
}

// IsNeedReviewed reports whether (type, key, version) matches a reviewed-
// needs entry.
func (s *State) IsNeedReviewed(needType, key, version string) bool {
	_, ok := s.reviewerOf(needType, key, version)
	return ok
}

// ReviewerOf returns the reviewer recorded for a reviewed need, and
// whether one was found.
func (s *State) ReviewerOf(needType, key, version string) (string, bool) {
	return s.reviewerOf(needType, key, version)
}

func (s *State) reviewerOf(needType, key, version string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rn := range s.doc.ReviewedNeeds {
		if rn.Type == needType && rn.Key == key && rn.Version == version {
			return rn.Reviewer, true
		}
	}
	return "", false
}

// PriorVersion returns the greatest reviewed version strictly less than
// version for the same (type, key), used by the needs review engine to
// classify "update" needs. Returns "" if none found. A reviewed version
// greater than or equal to version (e.g. a downgrade being resolved
// after a higher version was already reviewed) is not a prior version.
func (s *State) PriorVersion(needType, key, version string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := ""
	for _, rn := range s.doc.ReviewedNeeds {
		if rn.Type != needType || rn.Key != key {
			continue
		}
		if compareDottedVersions(rn.Version, version) >= 0 {
			continue
		}
		if prior == "" || compareDottedVersions(rn.Version, prior) > 0 {
			prior = rn.Version
		}
	}
	return prior
}

// compareDottedVersions compares two dot-separated numeric version
// strings, returning <0 if a<b, 0 if equal, >0 if a>b. Non-numeric runs
// are treated as separators, matching the manifest version strings this
// package never assumes are strict semver.
func compareDottedVersions(a, b string) int {
	as, bs := splitDottedVersion(a), splitDottedVersion(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}

func splitDottedVersion(v string) []int {
	var parts []int
	cur := 0
	has := false
	for _, r := range v {
		if r >= '0' && r <= '9' {
			cur = cur*10 + int(r-'0')
			has = true
			continue
		}
		parts = append(parts, cur)
		cur = 0
		has = false
	}
	if has || len(parts) == 0 {
		parts = append(parts, cur)
	}
	return parts
}
