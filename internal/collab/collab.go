// Package collab defines the boundary interfaces for everything the
// orchestrator treats as an external collaborator: pull-request
// annotators, chat webhooks, object storage, the PR↔version web service,
// and reviewer assignment. None of these is where the engineering lives;
// the package exists so the orchestrator depends on small interfaces and
// concrete wiring (GitHub, Discord-shaped webhook, S3, GCS, a JSON HTTP
// client) lives in separate files, each swappable or absent without
// touching orchestration logic.
package collab

import "context"

// IssueCommenter posts and manages comments on a pull request or issue.
type IssueCommenter interface {
	AddComment(ctx context.Context, issue int, body string) error
	// CrossOutMyComments strikes through or deletes the caller's own prior
	// comments on issue, returning whether any were found.
	CrossOutMyComments(ctx context.Context, issue int) (bool, error)
}

// LabelSet is a bitset of well-known labels a PRLabeler can apply.
type LabelSet uint32

const (
	LabelMissingIcon LabelSet = 1 << iota
	LabelApiLevelMismatch
	LabelVersionConflict
	LabelUnreviewedNeeds
	LabelBuildFailed
)

// PRLabeler sets the label set on a pull request, replacing whatever was
// there before.
type PRLabeler interface {
	SetLabels(ctx context.Context, issue int, labels LabelSet) error
}

// WebhookPoster sends a single notification to a chat webhook and returns
// an identifier for the posted message.
type WebhookPoster interface {
	Send(ctx context.Context, color int, message, title, footer string) (string, error)
}

// PluginBuildInfo is the record staged with the web service after a
// build, used to back PR↔version lookups.
type PluginBuildInfo struct {
	InternalName string
	Channel      string
	Commit       string
	Version      string
}

// WebServices is the thin JSON client over the PR↔version tracking
// service.
type WebServices interface {
	RegisterPrNumber(ctx context.Context, internalName string, pr int) error
	GetPrNumber(ctx context.Context, internalName string) (int, bool, error)
	RegisterMessageId(ctx context.Context, internalName, messageID string) error
	GetMessageIds(ctx context.Context, internalName string) ([]string, error)
	StagePluginBuild(ctx context.Context, info PluginBuildInfo) error
}

// BlobStore puts a byte payload under a bucket/key and returns its
// retrieval URL.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte) (string, error)
}

// ReviewerAssigner picks the next reviewer from a pool.
type ReviewerAssigner interface {
	Next(pool []string) string
}
