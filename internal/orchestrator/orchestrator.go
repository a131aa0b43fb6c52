// Package orchestrator drives a planned task list serially: acquire
// sources, hydrate dependencies, run the sealed build container, parse
// its output, classify needs, publish diffs, and commit state. It is the
// one place that owns state mutation.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/goatcorp/plogon/internal/collab"
	"github.com/goatcorp/plogon/internal/container"
	"github.com/goatcorp/plogon/internal/diffpublish"
	"github.com/goatcorp/plogon/internal/hydrate"
	"github.com/goatcorp/plogon/internal/ids"
	"github.com/goatcorp/plogon/internal/needs"
	"github.com/goatcorp/plogon/internal/plan"
	"github.com/goatcorp/plogon/internal/state"
)

// Mode selects which gating behaviors apply to a run.
type Mode int

const (
	PullRequest Mode = iota
	Commit
	Continuous
	Development
)

// Sentinel and structured errors, one per §7 category not already owned
// by a component package (LockfileMissing/Version live in hydrate,
// ToolchainUnavailable in toolchain, SourceAcquisitionError in source,
// ContainerStartError in container, UnreviewedNeeds in needs).
var (
	ErrBuildExitNonZero      = errors.New("build exited non-zero")
	ErrMissingIcon           = errors.New("plugin images/icon.png missing")
	ErrPluginCommit          = errors.New("plugin commit failed after state mutation")
	ErrCancellationRequested = errors.New("run cancelled")
)

// ApiLevelMismatchError carries the observed and required API levels.
type ApiLevelMismatchError struct {
	Have int
	Want int
}

func (e *ApiLevelMismatchError) Error() string {
	return fmt.Sprintf("api level mismatch: have %d, want %d", e.Have, e.Want)
}

// VersionConflictError fires when a build's effective version does not
// strictly advance the last committed version.
type VersionConflictError struct {
	New   string
	Prior string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: new version %q does not advance prior version %q", e.New, e.Prior)
}

// buildOutput is the metadata a build entrypoint leaves behind in
// <output>/build-metadata.json, describing what it produced.
type buildOutput struct {
	EffectiveVersion string            `json:"effective_version"`
	ApiLevel         int               `json:"api_level"`
	HasIcon          bool              `json:"has_icon"`
	Submodules       []needs.Submodule `json:"submodules"`
}

// Outcome is the per-task result of a single Drive pass.
type Outcome struct {
	Task       plan.Task
	Skipped    bool
	SkipReason string
	Err        error
	Needs      []needs.Need
	Diff       diffpublish.Result
}

// Options configures one Drive pass.
type Options struct {
	Mode Mode
	// BuildAll bypasses ownership gating for every task.
	BuildAll bool
	// Identity is the acting identity checked against a task's
	// manifest owners and PrivilegedGroup.
	Identity        string
	PrivilegedGroup []string

	RequiredAPILevel int
	FeedWorkRoot     string // root for per-task work/output/packages dirs
	StaticDir        string // read-only entrypoint dir mounted into every container
	Image            string // default build image if a manifest doesn't override one

	// PRNumber, when non-zero, is the pull request outcomes are reported
	// against. Zero disables PR reporting (Continuous/Commit runs).
	PRNumber int

	Commenter collab.IssueCommenter
	Labeler   collab.PRLabeler
	Webhook   collab.WebhookPoster
}

// toolchainResolver is the subset of *toolchain.Provider the orchestrator
// needs, narrowed so tests can supply a fake instead of hitting the
// network.
type toolchainResolver interface {
	Resolve(ctx context.Context, channelID string) (string, error)
}

// sourceAcquirer is the subset of *source.Acquirer the orchestrator needs.
type sourceAcquirer interface {
	Acquire(ctx context.Context, workKey, repoURL, commit, projectPath string) (string, error)
}

// packageHydrator is the subset of *hydrate.Hydrator the orchestrator needs.
type packageHydrator interface {
	Hydrate(ctx context.Context, lockfilePath, packagesDir string) ([]hydrate.Package, error)
}

// buildExecutor is the subset of *container.Executor the orchestrator needs.
type buildExecutor interface {
	EnsureImage(ctx context.Context, image string) error
	Run(ctx context.Context, spec container.Spec) (container.Result, error)
}

// needsClassifier is the subset of *needs.Engine the orchestrator needs.
type needsClassifier interface {
	Classify(in needs.Inputs) []needs.Need
}

// diffPublisher is the subset of *diffpublish.Publisher the orchestrator needs.
type diffPublisher interface {
	Publish(ctx context.Context, st *state.State, channel, internalName, newArtifactDir, priorArtifactDir string) (diffpublish.Result, error)
}

// Orchestrator bundles every component the build pipeline needs, all
// injected so no component reaches for process-wide state.
type Orchestrator struct {
	state     *state.State
	toolchain toolchainResolver
	source    sourceAcquirer
	hydrator  packageHydrator
	executor  buildExecutor
	needs     needsClassifier
	publisher diffPublisher
	log       *zap.Logger

	// aborted is set once a PluginCommitError fires; every subsequent
	// task is reported as "not run" and the overall run exits non-zero.
	aborted bool
}

// New returns an Orchestrator wired from its components.
func New(
	st *state.State,
	tp toolchainResolver,
	sa sourceAcquirer,
	hy packageHydrator,
	ex buildExecutor,
	ne needsClassifier,
	pub diffPublisher,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		state: st, toolchain: tp, source: sa, hydrator: hy,
		executor: ex, needs: ne, publisher: pub, log: log,
	}
}

// Aborted reports whether a fatal PluginCommitError has occurred this run.
func (o *Orchestrator) Aborted() bool { return o.aborted }

// Drive runs every task in tasks serially, in the order the planner
// produced them, returning one Outcome per task. A single task's
// failure never stops the run; only a PluginCommitError sets the
// aborted flag, after which every remaining task is reported as skipped
// without being attempted.
func (o *Orchestrator) Drive(ctx context.Context, tasks []plan.Task, opts Options) []Outcome {
	if err := o.executor.EnsureImage(ctx, opts.Image); err != nil {
		o.log.Error("failed to ensure build image present", zap.Error(err))
	}

	outcomes := make([]Outcome, 0, len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			outcomes = append(outcomes, Outcome{Task: task, Skipped: true, SkipReason: "cancelled", Err: ErrCancellationRequested})
			continue
		}
		if o.aborted {
			outcomes = append(outcomes, Outcome{Task: task, Skipped: true, SkipReason: "run aborted by a prior fatal commit error"})
			continue
		}
		outcome := o.driveOne(ctx, task, opts)
		o.report(ctx, outcome, opts)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// report surfaces an outcome to the configured collaborators. Any
// collaborator left nil (missing credentials) is silently skipped, so a
// run with no PR context or webhook configured never touches the
// network here.
func (o *Orchestrator) report(ctx context.Context, outcome Outcome, opts Options) {
	labels, body := summarize(outcome)

	if opts.Labeler != nil && opts.PRNumber != 0 && labels != 0 {
		if err := opts.Labeler.SetLabels(ctx, opts.PRNumber, labels); err != nil {
			o.log.Warn("failed to set PR labels", zap.Error(err))
		}
	}
	if opts.Commenter != nil && opts.PRNumber != 0 {
		if err := opts.Commenter.AddComment(ctx, opts.PRNumber, body); err != nil {
			o.log.Warn("failed to post PR comment", zap.Error(err))
		}
	}
	if opts.Webhook != nil {
		color := 3066993 // green
		if outcome.Err != nil {
			color = 15158332 // red
		}
		if _, err := opts.Webhook.Send(ctx, color, body, outcome.Task.InternalName, outcome.Task.Channel); err != nil {
			o.log.Warn("failed to send webhook notification", zap.Error(err))
		}
	}
}

func summarize(outcome Outcome) (collab.LabelSet, string) {
	if outcome.Skipped {
		return 0, fmt.Sprintf("%s: skipped (%s)", outcome.Task.InternalName, outcome.SkipReason)
	}

	var labels collab.LabelSet
	switch {
	case errors.Is(outcome.Err, ErrMissingIcon):
		labels |= collab.LabelMissingIcon
	case errors.As(outcome.Err, new(*ApiLevelMismatchError)):
		labels |= collab.LabelApiLevelMismatch
	case errors.As(outcome.Err, new(*VersionConflictError)):
		labels |= collab.LabelVersionConflict
	case errors.Is(outcome.Err, needs.ErrUnreviewedNeeds):
		labels |= collab.LabelUnreviewedNeeds
	case errors.Is(outcome.Err, ErrBuildExitNonZero):
		labels |= collab.LabelBuildFailed
	}

	if outcome.Err != nil {
		return labels, fmt.Sprintf("%s: build failed: %v", outcome.Task.InternalName, outcome.Err)
	}
	return labels, fmt.Sprintf("%s: build succeeded (%d need(s))", outcome.Task.InternalName, len(outcome.Needs))
}

func (o *Orchestrator) driveOne(ctx context.Context, task plan.Task, opts Options) Outcome {
	if task.Type == plan.TaskRemove {
		return o.driveRemove(task, opts)
	}

	if !opts.BuildAll && !isOwnerOrPrivileged(task, opts) {
		return Outcome{Task: task, Skipped: true, SkipReason: "acting identity is neither a manifest owner nor privileged"}
	}

	image := task.Manifest.Build.Image
	if image == "" {
		image = opts.Image
	}

	workKey := ids.TaskWorkKey(task.InternalName, task.Manifest.Plugin.Commit)
	outputDir := filepath.Join(opts.FeedWorkRoot, workKey+"-output")
	packagesDir := filepath.Join(opts.FeedWorkRoot, workKey+"-packages")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Outcome{Task: task, Err: fmt.Errorf("preparing output dir: %w", err)}
	}

	toolchainDir, err := o.toolchain.Resolve(ctx, task.Channel)
	if err != nil {
		return Outcome{Task: task, Err: err}
	}

	workDir, err := o.source.Acquire(ctx, workKey, task.Manifest.Plugin.Repository, task.Manifest.Plugin.Commit, task.Manifest.Plugin.ProjectPath)
	if err != nil {
		return Outcome{Task: task, Err: err}
	}

	projectDir := workDir
	if task.Manifest.Plugin.ProjectPath != "" {
		projectDir = filepath.Join(workDir, task.Manifest.Plugin.ProjectPath)
	}

	pkgList, err := o.hydrator.Hydrate(ctx, filepath.Join(projectDir, "packages.lock.toml"), packagesDir)
	if err != nil {
		return Outcome{Task: task, Err: err}
	}

	result, err := o.executor.Run(ctx, container.Spec{
		Image:         image,
		WorkDir:       workDir,
		ToolchainDir:  toolchainDir,
		StaticDir:     opts.StaticDir,
		OutputDir:     outputDir,
		PackagesDir:   packagesDir,
		PluginName:    task.InternalName,
		PluginCommit:  task.Manifest.Plugin.Commit,
		PluginVersion: task.Manifest.Plugin.Version,
	})
	if err != nil {
		return Outcome{Task: task, Err: err}
	}
	if result.ExitCode != 0 {
		return Outcome{Task: task, Err: fmt.Errorf("%w: exit code %d", ErrBuildExitNonZero, result.ExitCode)}
	}

	meta, err := readBuildOutput(outputDir, task.InternalName)
	if err != nil {
		return Outcome{Task: task, Err: err}
	}
	if !meta.HasIcon {
		return Outcome{Task: task, Err: ErrMissingIcon}
	}
	if opts.RequiredAPILevel != 0 && meta.ApiLevel != opts.RequiredAPILevel {
		return Outcome{Task: task, Err: &ApiLevelMismatchError{Have: meta.ApiLevel, Want: opts.RequiredAPILevel}}
	}

	classified := o.needs.Classify(needs.Inputs{
		Packages:   pkgList,
		Files:      task.Manifest.Build.Needs,
		Submodules: meta.Submodules,
	})
	outcome := Outcome{Task: task, Needs: classified}

	if opts.Mode == Commit {
		if err := needs.RequireReviewed(classified); err != nil {
			outcome.Err = err
			return outcome
		}
		if task.HaveVersion != "" && !versionAdvances(task.HaveVersion, meta.EffectiveVersion) {
			outcome.Err = &VersionConflictError{New: meta.EffectiveVersion, Prior: task.HaveVersion}
			return outcome
		}

		priorOutputDir := filepath.Join(opts.FeedWorkRoot, ids.TaskWorkKey(task.InternalName, task.HaveCommit)+"-output")
		diffResult, err := o.publisher.Publish(ctx, o.state, task.Channel, task.InternalName, outputDir, priorOutputDir)
		if err != nil {
			outcome.Err = fmt.Errorf("%w: computing diff: %v", ErrPluginCommit, err)
			o.aborted = true
			return outcome
		}
		outcome.Diff = diffResult

		if err := o.commitAndPublish(task, classified, meta, opts, outputDir); err != nil {
			outcome.Err = err
			o.aborted = true
			return outcome
		}
	}

	return outcome
}

func (o *Orchestrator) driveRemove(task plan.Task, opts Options) Outcome {
	if opts.Mode == PullRequest {
		return Outcome{Task: task, Skipped: true, SkipReason: "removal tasks do not run in pull-request mode"}
	}
	if opts.Mode != Commit {
		return Outcome{Task: task, Skipped: true, SkipReason: "removal only applies in commit mode"}
	}
	if err := o.state.RemovePlugin(task.Channel, task.InternalName); err != nil {
		o.aborted = true
		return Outcome{Task: task, Err: fmt.Errorf("%w: %v", ErrPluginCommit, err)}
	}
	return Outcome{Task: task}
}

// commitAndPublish performs the state mutation, approval recording, and
// output-artifact copy that follow a successful commit-mode build. Any
// failure from this point on raises ErrPluginCommit and sets the
// orchestrator's aborted flag: state consistency cannot be guaranteed
// past a partial commit.
func (o *Orchestrator) commitAndPublish(task plan.Task, classified []needs.Need, meta *buildOutput, opts Options, outputDir string) error {
	usedNeeds := make([]string, 0, len(classified))
	for _, n := range classified {
		usedNeeds = append(usedNeeds, fmt.Sprintf("%s:%s@%s", n.Type, n.Key, n.Version))
	}

	if err := o.state.UpdatePluginHave(
		task.Channel, task.InternalName, task.Manifest.Plugin.Commit, meta.EffectiveVersion,
		task.Manifest.Plugin.Changelog, usedNeeds, opts.Identity,
	); err != nil {
		return fmt.Errorf("%w: updating plugin state: %v", ErrPluginCommit, err)
	}

	if err := needs.RecordApprovals(o.state, classified, opts.Identity, time.Now()); err != nil {
		return fmt.Errorf("%w: recording need approvals: %v", ErrPluginCommit, err)
	}

	repoOutputDir := filepath.Join(opts.FeedWorkRoot, "published", task.Channel, task.InternalName)
	if err := copyTree(outputDir, repoOutputDir); err != nil {
		return fmt.Errorf("%w: copying output artifacts: %v", ErrPluginCommit, err)
	}
	return nil
}

func isOwnerOrPrivileged(task plan.Task, opts Options) bool {
	if opts.Identity == "" {
		return true
	}
	for _, owner := range task.Manifest.Plugin.Owners {
		if owner == opts.Identity {
			return true
		}
	}
	for _, member := range opts.PrivilegedGroup {
		if member == opts.Identity {
			return true
		}
	}
	return false
}

func readBuildOutput(outputDir, internalName string) (*buildOutput, error) {
	info, err := os.Stat(filepath.Join(outputDir, internalName))
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: output directory missing %s/", ErrPluginCommit, internalName)
	}

	data, err := os.ReadFile(filepath.Join(outputDir, "build-metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: reading build metadata: %v", ErrPluginCommit, err)
	}
	var meta buildOutput
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: parsing build metadata: %v", ErrPluginCommit, err)
	}
	return &meta, nil
}

// versionAdvances reports whether newVersion is strictly greater than
// priorVersion, comparing dotted components numerically one by one
// (so "1.10.0" is greater than "1.2.0"); equal or lower blocks commit per
// the version-conflict invariant.
func versionAdvances(priorVersion, newVersion string) bool {
	return compareVersions(newVersion, priorVersion) > 0
}

func compareVersions(a, b string) int {
	as, bs := splitVersion(a), splitVersion(b)
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

func splitVersion(v string) []int {
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

func copyTree(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
