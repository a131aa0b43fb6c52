// Package ids generates identifiers for runs and ephemeral task resources.
package ids

import "github.com/google/uuid"

// NewRunID returns a fresh identifier for one orchestrator invocation, used
// to correlate log lines and published reports across a run.
func NewRunID() string {
	return uuid.NewString()
}

// TaskWorkKey derives the deterministic directory-naming key used for a
// task's work/output/packages directories: "<internal_name>-<commit>",
// with commit abbreviated to its first 12 characters.
func TaskWorkKey(internalName, commit string) string {
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return internalName + "-" + commit
}
