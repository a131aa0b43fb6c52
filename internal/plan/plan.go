// Package plan diffs manifests against persistent state to produce the
// deterministic set of build and remove tasks for a run.
package plan

import (
	"sort"
	"strings"
	"time"

	"github.com/goatcorp/plogon/internal/manifest"
	"github.com/goatcorp/plogon/internal/state"
)

// TaskType distinguishes a build task from a removal task.
type TaskType int

const (
	TaskBuild TaskType = iota
	TaskRemove
)

// Task is an intent record produced by the planner: either a build
// (manifest present) or a remove (manifest absent, only known from
// state).
type Task struct {
	InternalName string
	Channel      string
	Manifest     *manifest.Manifest // nil for TaskRemove
	Type         TaskType

	HaveCommit  string
	HaveVersion string
	HaveTime    time.Time

	IsNewPlugin     bool
	IsNewInChannel  bool
	IsGitHub        bool
	IsGitLab        bool
}

// Options configures one planning pass.
type Options struct {
	// Continuous, when true, emits a build task for every manifest
	// regardless of whether its commit matches the prior build.
	Continuous bool
}

// Plan computes the task set from channels (as produced by a manifest
// store scan) and the persistent state ledger.
func Plan(channels map[string]map[string]*manifest.Manifest, st *state.State, opts Options) []Task {
	var tasks []Task

	for channelID, plugins := range channels {
		for internalName, m := range plugins {
			prior := st.GetPluginState(channelID, internalName)

			isNewPlugin := !st.IsPluginInAnyChannel(internalName)
			isNewInChannel := prior == nil && !isNewPlugin

			needsBuild := prior == nil || prior.BuiltCommit != m.Plugin.Commit || opts.Continuous
			if !needsBuild {
				continue
			}

			t := Task{
				InternalName:   internalName,
				Channel:        channelID,
				Manifest:       m,
				Type:           TaskBuild,
				IsNewPlugin:    isNewPlugin,
				IsNewInChannel: isNewInChannel,
				IsGitHub:       m.IsGitHub(),
				IsGitLab:       m.IsGitLab(),
			}
			if prior != nil {
				t.HaveCommit = prior.BuiltCommit
				t.HaveVersion = prior.EffectiveVersion
				t.HaveTime = prior.TimeBuilt
			}
			tasks = append(tasks, t)
		}
	}

	for channelID, plugins := range channels {
		known := st.ChannelPluginNames(channelID)
		for _, internalName := range known {
			if _, stillPresent := plugins[internalName]; stillPresent {
				continue
			}
			prior := st.GetPluginState(channelID, internalName)
			t := Task{
				InternalName: internalName,
				Channel:      channelID,
				Type:         TaskRemove,
			}
			if prior != nil {
				t.HaveCommit = prior.BuiltCommit
				t.HaveVersion = prior.EffectiveVersion
				t.HaveTime = prior.TimeBuilt
			}
			tasks = append(tasks, t)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Channel != tasks[j].Channel {
			return tasks[i].Channel < tasks[j].Channel
		}
		return tasks[i].InternalName < tasks[j].InternalName
	})

	return tasks
}

// IsGitHubRepo and IsGitLabRepo are small helpers kept for symmetry with
// the manifest package's IsGitHub/IsGitLab, used when a repository URL
// is known independent of a full Manifest value.
func IsGitHubRepo(url string) bool { return strings.Contains(url, "github.com") }
func IsGitLabRepo(url string) bool { return strings.Contains(url, "gitlab.com") }
