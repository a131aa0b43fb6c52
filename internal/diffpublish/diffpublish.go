// Package diffpublish computes, for a successful build, the size of the
// change against the plugin's previously published artifact tree and
// publishes the diff text to an external blob store, returning the link a
// collaborator can surface in a report. The artifact tree itself is not
// uploaded.
package diffpublish

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/goatcorp/plogon/internal/collab"
	"github.com/goatcorp/plogon/internal/state"
)

// Result is what a build's diff-and-publish pass produces for a report.
type Result struct {
	PreviousVersion  string
	LinesAdded       int
	LinesRemoved     int
	RegularDiffLink  string
	HosterURL        string
	SemanticDiffLink string
}

// Publisher diffs a new artifact tree against the prior published tree
// for the same plugin and publishes the diff through an injected BlobStore.
// A nil store (missing credentials) disables publication silently: Diff
// still runs and returns line counts, but every link field is left
// empty.
type Publisher struct {
	store  collab.BlobStore
	bucket string
	log    *zap.Logger
}

// New returns a Publisher. store may be nil, in which case publication is
// silently skipped.
func New(store collab.BlobStore, bucket string, log *zap.Logger) *Publisher {
	return &Publisher{store: store, bucket: bucket, log: log}
}

// Publish reads the plugin's effective_version from state, diffs
// newArtifactDir against the locally cached copy of the prior published
// tree at priorArtifactDir (empty or missing for a first build), and, if
// a blob store is configured, publishes the diff (diffmatchpatch's
// pretty-text rendering, not a unified diff) as a single object, setting
// RegularDiffLink and SemanticDiffLink to its URL. HosterURL is not set.
func (p *Publisher) Publish(ctx context.Context, st *state.State, channel, internalName, newArtifactDir, priorArtifactDir string) (Result, error) {
	var result Result

	if ps := st.GetPluginState(channel, internalName); ps != nil {
		result.PreviousVersion = ps.EffectiveVersion
	}

	oldText, newText, err := renderTrees(priorArtifactDir, newArtifactDir)
	if err != nil {
		return result, fmt.Errorf("reading artifact trees: %w", err)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	added, removed := countChangedLines(diffs)
	result.LinesAdded = added
	result.LinesRemoved = removed

	if p.store == nil {
		return result, nil
	}

	unified := dmp.DiffPrettyText(diffs)
	key := fmt.Sprintf("%s/%s/%s.diff", channel, internalName, shortHash(newText))
	diffURL, err := p.store.Put(ctx, p.bucket, key, []byte(unified))
	if err != nil {
		p.log.Warn("publishing diff failed, continuing without a link",
			zap.String("plugin", internalName), zap.Error(err))
		return result, nil
	}
	result.RegularDiffLink = diffURL
	result.SemanticDiffLink = diffURL

	return result, nil
}

// renderTrees concatenates every regular file under each directory, path
// then contents, into a single string suitable for line-oriented
// diffing. Either directory may be empty or absent.
func renderTrees(oldDir, newDir string) (string, string, error) {
	oldText, err := renderTree(oldDir)
	if err != nil {
		return "", "", err
	}
	newText, err := renderTree(newDir)
	if err != nil {
		return "", "", err
	}
	return oldText, newText, nil
}

func renderTree(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var paths []string
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			paths = append(paths, rel)
		}
		return nil
	}); err != nil {
		return "", err
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return "", err
		}
		b.WriteString("--- ")
		b.WriteString(filepath.ToSlash(rel))
		b.WriteString(" ---\n")
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func countChangedLines(diffs []diffmatchpatch.Diff) (added, removed int) {
	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n")
		if d.Text != "" && !strings.HasSuffix(d.Text, "\n") {
			lines++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			removed += lines
		}
	}
	return added, removed
}

func shortHash(s string) string {
	sum := 2166136261
	for i := 0; i < len(s); i++ {
		sum = (sum ^ int(s[i])) * 16777619
	}
	return fmt.Sprintf("%08x", uint32(sum))
}
