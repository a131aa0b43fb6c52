package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
)

// knownLabels maps each LabelSet bit to the label name applied on GitHub.
var knownLabels = []struct {
	bit  LabelSet
	name string
}{
	{LabelMissingIcon, "missing-icon"},
	{LabelApiLevelMismatch, "api-level-mismatch"},
	{LabelVersionConflict, "version-conflict"},
	{LabelUnreviewedNeeds, "unreviewed-needs"},
	{LabelBuildFailed, "build-failed"},
}

// GitHubClient implements IssueCommenter and PRLabeler over the GitHub
// REST API, against a single fixed owner/repo.
type GitHubClient struct {
	gh    *github.Client
	owner string
	repo  string
	// marker prefixes every comment this client posts, so
	// CrossOutMyComments can find its own prior comments.
	marker string
}

// NewGitHubClient builds a client authenticated with token against
// owner/repo. Returns nil if token is empty, matching the boundary
// convention that missing credentials silently disable a collaborator.
func NewGitHubClient(token, owner, repo string) *GitHubClient {
	if token == "" {
		return nil
	}
	return &GitHubClient{
		gh:     github.NewClient(nil).WithAuthToken(token),
		owner:  owner,
		repo:   repo,
		marker: "<!-- plogon-bot -->",
	}
}

// NewGitHubClientFrom wraps an already-configured *github.Client, used in
// tests to point at an httptest server instead of the real API.
func NewGitHubClientFrom(gh *github.Client, owner, repo string) *GitHubClient {
	return &GitHubClient{gh: gh, owner: owner, repo: repo, marker: "<!-- plogon-bot -->"}
}

func (c *GitHubClient) AddComment(ctx context.Context, issue int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, issue, &github.IssueComment{
		Body: github.Ptr(c.marker + "\n" + body),
	})
	if err != nil {
		return fmt.Errorf("posting comment on #%d: %w", issue, err)
	}
	return nil
}

func (c *GitHubClient) CrossOutMyComments(ctx context.Context, issue int) (bool, error) {
	comments, _, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, issue, nil)
	if err != nil {
		return false, fmt.Errorf("listing comments on #%d: %w", issue, err)
	}

	found := false
	for _, comment := range comments {
		if !strings.Contains(comment.GetBody(), c.marker) || strings.HasPrefix(comment.GetBody(), c.marker+"\n~~") {
			continue
		}
		found = true
		struck := "~~" + strings.TrimPrefix(comment.GetBody(), c.marker+"\n") + "~~"
		_, _, err := c.gh.Issues.EditComment(ctx, c.owner, c.repo, comment.GetID(), &github.IssueComment{
			Body: github.Ptr(c.marker + "\n" + struck),
		})
		if err != nil {
			return found, fmt.Errorf("striking comment %d on #%d: %w", comment.GetID(), issue, err)
		}
	}
	return found, nil
}

func (c *GitHubClient) SetLabels(ctx context.Context, issue int, labels LabelSet) error {
	var names []string
	for _, l := range knownLabels {
		if labels&l.bit != 0 {
			names = append(names, l.name)
		}
	}
	_, _, err := c.gh.Issues.ReplaceLabelsForIssue(ctx, c.owner, c.repo, issue, names)
	if err != nil {
		return fmt.Errorf("setting labels on #%d: %w", issue, err)
	}
	return nil
}
