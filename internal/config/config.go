// Package config loads process-level settings (flag with environment
// fallback) and the declarative ambient documents the orchestrator
// consults at run time: the track-override table, safe-needs lists, and
// the API-level constant.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// GetEnvOrDefault returns the environment variable value or a default.
func GetEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvIntOrDefault returns the environment variable value as an int, or
// a default if unset or unparseable.
func GetEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetEnvBoolOrDefault returns the environment variable value as a bool,
// or a default if unset or unparseable.
func GetEnvBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// TrackOverrides maps a channel id to an upstream toolchain track. Default
// mapping when a channel has no entry: "stable" maps to "release";
// "testing-<name>" maps to "<name>"; any other channel id maps to
// "release". No check is made that the resulting track has a descriptor.
type TrackOverrides map[string]string

// ResolveTrack returns the upstream track for a channel id, applying
// overrides first and the default mapping otherwise.
func (t TrackOverrides) ResolveTrack(channelID string) string {
	if track, ok := t[channelID]; ok {
		return track
	}
	if channelID == "stable" {
		return "release"
	}
	if len(channelID) > len("testing-") && channelID[:len("testing-")] == "testing-" {
		return channelID[len("testing-"):]
	}
	return "release"
}

// NeedsAllowlist names packages that are hidden from need reports without
// ever being auto-marked reviewed.
type NeedsAllowlist struct {
	SafeNamespacePrefixes []string `toml:"safe_namespace_prefixes"`
	SafePackages          []string `toml:"safe_packages"`
}

// IsSafe reports whether a package name matches the allowlist.
func (a NeedsAllowlist) IsSafe(name string) bool {
	for _, pkg := range a.SafePackages {
		if pkg == name {
			return true
		}
	}
	for _, prefix := range a.SafeNamespacePrefixes {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Document is the full ambient TOML configuration document: track
// overrides, the needs allowlist, and the API-level constant this build
// is validated against.
type Document struct {
	Tracks         TrackOverrides `toml:"tracks"`
	Needs          NeedsAllowlist `toml:"needs"`
	RequiredAPILevel int          `toml:"required_api_level"`
}

// Load reads and decodes the ambient configuration document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var doc Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if doc.Tracks == nil {
		doc.Tracks = make(TrackOverrides)
	}
	return &doc, nil
}
