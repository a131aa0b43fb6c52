// Package needs implements the needs review engine: it enumerates every
// artifact a build introduces from outside the plugin repository
// (resolved packages, pre-declared files, pinned submodules), matches
// each against the reviewed-needs ledger, and classifies the result.
package needs

import (
	"errors"
	"fmt"
	"time"

	"github.com/goatcorp/plogon/internal/config"
	"github.com/goatcorp/plogon/internal/hydrate"
	"github.com/goatcorp/plogon/internal/manifest"
	"github.com/goatcorp/plogon/internal/state"
)

// ErrUnreviewedNeeds is returned in commit mode when one or more needs
// remain unreviewed.
var ErrUnreviewedNeeds = errors.New("unreviewed needs")

// Need types recognized by the engine.
const (
	TypePackage   = "nuget"
	TypeFile      = "file"
	TypeSubmodule = "submodule"
)

// Status classifies a need relative to the reviewed-needs ledger.
type Status int

const (
	StatusReviewed Status = iota
	StatusUpdate
	StatusNew
)

// Need is one classified, externally-introduced artifact.
type Need struct {
	Type       string
	Key        string
	Version    string
	OldVersion string // set when Status == StatusUpdate
	Reviewer   string // set when Status == StatusReviewed
	Status     Status
	Hidden     bool // matched the safe allowlist; never auto-reviewed
}

// Submodule is a submodule pinned at a commit, as reported by a build's
// output metadata.
type Submodule struct {
	Path   string
	Commit string
}

// Inputs bundles the artifacts a build introduced, gathered from the
// lockfile resolution, the manifest's declared needs, and the build
// output's submodule report.
type Inputs struct {
	Packages   []hydrate.Package
	Files      []manifest.Need
	Submodules []Submodule
}

// Engine classifies needs against persistent state.
type Engine struct {
	st        *state.State
	allowlist config.NeedsAllowlist
}

// New returns an Engine backed by st and the configured safe-needs
// allowlist.
func New(st *state.State, allowlist config.NeedsAllowlist) *Engine {
	return &Engine{st: st, allowlist: allowlist}
}

// Classify builds the full need set for a task's build output and
// classifies each entry against the reviewed-needs ledger.
func (e *Engine) Classify(in Inputs) []Need {
	var out []Need

	for _, p := range in.Packages {
		out = append(out, e.classifyOne(TypePackage, p.Name, p.Version, e.allowlist.IsSafe(p.Name)))
	}
	for _, f := range in.Files {
		key := f.Dest
		if key == "" {
			key = f.URL
		}
		out = append(out, e.classifyOne(TypeFile, key, f.SHA512, false))
	}
	for _, s := range in.Submodules {
		out = append(out, e.classifyOne(TypeSubmodule, s.Path, s.Commit, false))
	}

	return out
}

func (e *Engine) classifyOne(needType, key, version string, hidden bool) Need {
	n := Need{Type: needType, Key: key, Version: version, Hidden: hidden}

	if reviewer, ok := e.st.ReviewerOf(needType, key, version); ok {
		n.Status = StatusReviewed
		n.Reviewer = reviewer
		return n
	}

	if prior := e.st.PriorVersion(needType, key, version); prior != "" {
		n.Status = StatusUpdate
		n.OldVersion = prior
		return n
	}

	n.Status = StatusNew
	return n
}

// Unreviewed returns the subset of needs not yet reviewed.
func Unreviewed(classified []Need) []Need {
	var out []Need
	for _, n := range classified {
		if n.Status != StatusReviewed {
			out = append(out, n)
		}
	}
	return out
}

// RequireReviewed enforces commit-mode policy: every need must be
// reviewed, or the commit is rejected.
func RequireReviewed(classified []Need) error {
	unreviewed := Unreviewed(classified)
	if len(unreviewed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d need(s) pending review", ErrUnreviewedNeeds, len(unreviewed))
}

// RecordApprovals marks every currently-unreviewed need in classified as
// reviewed by reviewer, the commit-mode side effect of a successful
// commit: the committing reviewer becomes the approver of each
// previously-unreviewed need.
func RecordApprovals(st *state.State, classified []Need, reviewer string, now time.Time) error {
	for _, n := range classified {
		if n.Status == StatusReviewed {
			continue
		}
		if err := st.AddReviewedNeed(n.Type, n.Key, n.Version, reviewer, now); err != nil {
			return fmt.Errorf("recording approval for %s %s@%s: %w", n.Type, n.Key, n.Version, err)
		}
	}
	return nil
}
