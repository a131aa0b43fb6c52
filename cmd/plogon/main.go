// Command plogon drives one orchestrator pass over a manifest repository:
// scan manifests, diff against persistent state, and run every resulting
// build or removal task.
//
// Command-line flags:
//
//	-mode: pull-request, commit, continuous, or development (default pull-request)
//	-debug: verbose console logging instead of production JSON (default false)
//	-dry-run: run planning, source acquisition, hydration, the container
//	          build and needs classification, but never commit state or
//	          publish (forces -mode=development)
//	-manifests-dir: root of the stable/testing manifest tree
//	-state-path: path to the persistent state TOML ledger
//	-config-path: path to the ambient track-overrides/needs-allowlist document
//	-work-root: root for per-task work/output/packages directories
//	-static-dir: read-only entrypoint directory mounted into every build container
//	-image: default build image used when a manifest doesn't override one
//	-docker-host: Docker Engine API socket
//	-toolchain-descriptor-url: URL template (one %s for the track name) for toolchain descriptors
//	-releases-dir: root the toolchain provider caches unpacked bundles under
//	-package-feed-host: host serving hydrated packages
//	-identity: acting identity checked against manifest owners/privileged group
//	-privileged-group: comma-separated identities allowed to build for anyone
//	-pr-number: pull request outcomes are reported against (0 disables PR reporting)
//	-pr-diff-file: path to a unified diff used to compute the affected-manifest set
//	-ignore-non-affected: skip manifests outside the PR diff's affected set
//	-diff-bucket: bucket diff artifacts are published under
//
// Environment variables mirror every flag (PLOGON_<FLAG_NAME>, e.g.
// PLOGON_STATE_PATH; -docker-host reads DOCKER_HOST instead) and supply
// the flag's default, so a flag given on the command line takes precedence.
// Collaborator credentials (GitHub, Discord, S3, GCS, the PR↔version web
// service) are read from environment variables only, never flags, and a
// missing credential silently disables that collaborator rather than
// failing the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/goatcorp/plogon/internal/collab"
	"github.com/goatcorp/plogon/internal/config"
	"github.com/goatcorp/plogon/internal/container"
	"github.com/goatcorp/plogon/internal/diffpublish"
	"github.com/goatcorp/plogon/internal/hydrate"
	"github.com/goatcorp/plogon/internal/ids"
	"github.com/goatcorp/plogon/internal/logging"
	"github.com/goatcorp/plogon/internal/manifest"
	"github.com/goatcorp/plogon/internal/needs"
	"github.com/goatcorp/plogon/internal/orchestrator"
	"github.com/goatcorp/plogon/internal/plan"
	"github.com/goatcorp/plogon/internal/source"
	"github.com/goatcorp/plogon/internal/state"
	"github.com/goatcorp/plogon/internal/toolchain"
)

func main() {
	modeFlag := flag.String("mode", config.GetEnvOrDefault("PLOGON_MODE", "pull-request"), "pull-request, commit, continuous, or development")
	debug := flag.Bool("debug", config.GetEnvBoolOrDefault("PLOGON_DEBUG", false), "verbose console logging")
	dryRun := flag.Bool("dry-run", config.GetEnvBoolOrDefault("PLOGON_DRY_RUN", false), "plan and build without committing state or publishing")

	manifestsDir := flag.String("manifests-dir", config.GetEnvOrDefault("PLOGON_MANIFESTS_DIR", "."), "root of the stable/testing manifest tree")
	statePath := flag.String("state-path", config.GetEnvOrDefault("PLOGON_STATE_PATH", "state.toml"), "path to the persistent state ledger")
	configPath := flag.String("config-path", config.GetEnvOrDefault("PLOGON_CONFIG_PATH", ""), "path to the ambient config document")

	workRoot := flag.String("work-root", config.GetEnvOrDefault("PLOGON_WORK_ROOT", "work"), "root for per-task work/output/packages directories")
	staticDir := flag.String("static-dir", config.GetEnvOrDefault("PLOGON_STATIC_DIR", "static"), "read-only entrypoint directory mounted into every build container")
	image := flag.String("image", config.GetEnvOrDefault("PLOGON_IMAGE", "plogon/builder:latest"), "default build image")

	dockerHost := flag.String("docker-host", config.GetEnvOrDefault("DOCKER_HOST", "unix:///var/run/docker.sock"), "Docker Engine API socket")

	descriptorURL := flag.String("toolchain-descriptor-url", config.GetEnvOrDefault("PLOGON_TOOLCHAIN_DESCRIPTOR_URL", "https://goatcorp.github.io/DalamudReleases/%s.json"), "toolchain descriptor URL template")
	releasesDir := flag.String("releases-dir", config.GetEnvOrDefault("PLOGON_RELEASES_DIR", "releases"), "toolchain bundle cache root")

	feedHost := flag.String("package-feed-host", config.GetEnvOrDefault("PLOGON_PACKAGE_FEED_HOST", "api.nuget.org"), "host serving hydrated packages")

	identity := flag.String("identity", config.GetEnvOrDefault("PLOGON_IDENTITY", ""), "acting identity checked against manifest owners")
	privilegedGroup := flag.String("privileged-group", config.GetEnvOrDefault("PLOGON_PRIVILEGED_GROUP", ""), "comma-separated identities allowed to build for anyone")
	buildAll := flag.Bool("build-all", config.GetEnvBoolOrDefault("PLOGON_BUILD_ALL", false), "bypass ownership gating for every task")

	prNumber := flag.Int("pr-number", config.GetEnvIntOrDefault("PLOGON_PR_NUMBER", 0), "pull request outcomes are reported against")
	prDiffFile := flag.String("pr-diff-file", config.GetEnvOrDefault("PLOGON_PR_DIFF_FILE", ""), "path to a unified diff used to compute the affected-manifest set")
	ignoreNonAffected := flag.Bool("ignore-non-affected", config.GetEnvBoolOrDefault("PLOGON_IGNORE_NON_AFFECTED", false), "skip manifests outside the PR diff's affected set")

	diffBucket := flag.String("diff-bucket", config.GetEnvOrDefault("PLOGON_DIFF_BUCKET", "plogon-diffs"), "bucket diff artifacts are published under")

	flag.Parse()

	log, err := logging.New(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With(zap.String("run_id", ids.NewRunID()))

	mode, err := parseMode(*modeFlag)
	if err != nil {
		log.Fatal("invalid -mode", zap.Error(err))
	}
	if *dryRun {
		mode = orchestrator.Development
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	doc := &config.Document{Tracks: make(config.TrackOverrides)}
	if *configPath != "" {
		doc, err = config.Load(*configPath)
		if err != nil {
			log.Fatal("loading config", zap.Error(err))
		}
	}

	st, err := state.Load(*statePath, logging.Component(log, "state"))
	if err != nil {
		log.Fatal("loading state", zap.Error(err))
	}

	store := manifest.New(*manifestsDir, logging.Component(log, "manifest"))

	var scanOpts manifest.Options
	if *prDiffFile != "" {
		data, err := os.ReadFile(*prDiffFile)
		if err != nil {
			log.Fatal("reading pr diff", zap.Error(err))
		}
		scanOpts.PRDiff = string(data)
		scanOpts.IgnoreNonAffected = *ignoreNonAffected
	}

	channels, parseErrs := store.Scan(ctx, scanOpts)
	for _, e := range parseErrs {
		log.Warn("manifest parse error", zap.Error(e))
	}

	tasks := plan.Plan(channels, st, plan.Options{Continuous: mode == orchestrator.Continuous})
	log.Info("planned tasks", zap.Int("count", len(tasks)), zap.String("mode", *modeFlag))

	dockerCli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(*dockerHost),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		log.Fatal("creating docker client", zap.Error(err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if _, err := dockerCli.Ping(pingCtx); err != nil {
		cancel()
		log.Fatal("connecting to docker daemon", zap.Error(err))
	}
	cancel()

	tp := toolchain.New(*descriptorURL, *releasesDir, doc.Tracks, logging.Component(log, "toolchain"))
	sa := source.New(*workRoot, logging.Component(log, "source"))
	hy := hydrate.New(*feedHost, referenceAssemblies(), logging.Component(log, "hydrate"))
	ex := container.New(dockerCli, logging.Component(log, "container"))
	ne := needs.New(st, doc.Needs)

	blobStore, err := newBlobStore(ctx)
	if err != nil {
		log.Fatal("constructing blob store", zap.Error(err))
	}
	pub := diffpublish.New(blobStore, *diffBucket, logging.Component(log, "diffpublish"))

	orch := orchestrator.New(st, tp, sa, hy, ex, ne, pub, log)

	gh := collab.NewGitHubClient(os.Getenv("PLOGON_GITHUB_TOKEN"), os.Getenv("PLOGON_GITHUB_OWNER"), os.Getenv("PLOGON_GITHUB_REPO"))
	commenter := asCommenter(gh)
	labeler := asLabeler(gh)
	webhook := asWebhook(collab.NewDiscordWebhook(os.Getenv("PLOGON_DISCORD_WEBHOOK_URL"), os.Getenv("PLOGON_DISCORD_FOOTER")))
	ws := collab.NewWebServicesClient(os.Getenv("PLOGON_WEBSERVICES_BASE_URL"), os.Getenv("PLOGON_WEBSERVICES_API_KEY"))

	var privileged []string
	if *privilegedGroup != "" {
		privileged = strings.Split(*privilegedGroup, ",")
	}

	outcomes := orch.Drive(ctx, tasks, orchestrator.Options{
		Mode:             mode,
		BuildAll:         *buildAll,
		Identity:         *identity,
		PrivilegedGroup:  privileged,
		RequiredAPILevel: doc.RequiredAPILevel,
		FeedWorkRoot:     *workRoot,
		StaticDir:        *staticDir,
		Image:            *image,
		PRNumber:         *prNumber,
		Commenter:        commenter,
		Labeler:          labeler,
		Webhook:          webhook,
	})

	registerBuilds(ctx, ws, outcomes, *prNumber, log)

	exitCode := 0
	for _, o := range outcomes {
		if o.Err != nil {
			exitCode = 1
		}
	}
	if orch.Aborted() {
		exitCode = 1
	}
	if mode == orchestrator.PullRequest && len(outcomes) == 0 {
		exitCode = 1
	}
	os.Exit(exitCode)
}

func parseMode(s string) (orchestrator.Mode, error) {
	switch s {
	case "pull-request":
		return orchestrator.PullRequest, nil
	case "commit":
		return orchestrator.Commit, nil
	case "continuous":
		return orchestrator.Continuous, nil
	case "development":
		return orchestrator.Development, nil
	default:
		return 0, fmt.Errorf("unrecognized mode %q", s)
	}
}

// referenceAssemblies names the fixed compile-time references hydrated
// regardless of a project's lockfile contents.
func referenceAssemblies() []hydrate.ReferenceAssembly {
	return []hydrate.ReferenceAssembly{
		{Name: "Dalamud", Version: "latest"},
		{Name: "DalamudAbstractions", Version: "latest"},
	}
}

// newBlobStore picks whichever of the two supported object-storage
// backends has credentials configured in the environment, preferring S3.
// Returns a nil store, under which diffpublish.Publisher still computes
// line counts but skips publication, if neither is configured.
func newBlobStore(ctx context.Context) (collab.BlobStore, error) {
	if accessKey := os.Getenv("PLOGON_S3_ACCESS_KEY_ID"); accessKey != "" {
		store, err := collab.NewS3BlobStore(
			os.Getenv("PLOGON_S3_REGION"),
			os.Getenv("PLOGON_S3_ENDPOINT"),
			accessKey,
			os.Getenv("PLOGON_S3_SECRET_ACCESS_KEY"),
			config.GetEnvBoolOrDefault("PLOGON_S3_PATH_STYLE", false),
		)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	if credentialsJSON := os.Getenv("PLOGON_GCS_CREDENTIALS_JSON"); credentialsJSON != "" {
		store, err := collab.NewGCSBlobStore(ctx, credentialsJSON)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, nil
}

// registerBuilds stages every successfully-built task's version with the
// PR↔version tracking service and records the reviewed pull request
// number against it, the open wiring point between the orchestrator and
// the outside world a plain Drive() pass leaves undone.
func registerBuilds(ctx context.Context, ws *collab.WebServicesClient, outcomes []orchestrator.Outcome, prNumber int, log *zap.Logger) {
	if ws == nil {
		return
	}
	for _, o := range outcomes {
		if o.Skipped || o.Err != nil || o.Task.Manifest == nil {
			continue
		}
		if prNumber != 0 {
			if err := ws.RegisterPrNumber(ctx, o.Task.InternalName, prNumber); err != nil {
				log.Warn("failed to register pr number", zap.String("plugin", o.Task.InternalName), zap.Error(err))
			}
		}
		info := collab.PluginBuildInfo{
			InternalName: o.Task.InternalName,
			Channel:      o.Task.Channel,
			Commit:       o.Task.Manifest.Plugin.Commit,
			Version:      o.Task.Manifest.Plugin.Version,
		}
		if err := ws.StagePluginBuild(ctx, info); err != nil {
			log.Warn("failed to stage plugin build", zap.String("plugin", o.Task.InternalName), zap.Error(err))
		}
	}
}

// asCommenter and its siblings below convert a possibly-nil *GitHubClient
// (or *DiscordWebhook) into its boundary interface, preserving a true nil
// interface value rather than an interface wrapping a nil pointer, so the
// orchestrator's "!= nil" collaborator checks behave correctly when
// credentials are absent.
func asCommenter(c *collab.GitHubClient) collab.IssueCommenter {
	if c == nil {
		return nil
	}
	return c
}

func asLabeler(c *collab.GitHubClient) collab.PRLabeler {
	if c == nil {
		return nil
	}
	return c
}

func asWebhook(w *collab.DiscordWebhook) collab.WebhookPoster {
	if w == nil {
		return nil
	}
	return w
}
