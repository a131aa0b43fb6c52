// Package hydrate resolves a project's package lockfile and downloads
// pinned packages into the task's local package feed directory.
package hydrate

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrLockfileMissing is returned when the project has no lockfile.
var ErrLockfileMissing = errors.New("lockfile missing")

// ErrLockfileVersion is returned when the lockfile's version field is not
// the one supported version.
var ErrLockfileVersion = errors.New("unsupported lockfile version")

// ErrVerification is returned when a downloaded package's content hash
// does not match the lockfile's declared hash.
var ErrVerification = errors.New("package content verification failed")

const supportedLockfileVersion = 1

// ReferenceAssembly is one of the two fixed compile-time reference
// packages hydrated regardless of lockfile contents.
type ReferenceAssembly struct {
	Name    string
	Version string
}

// lockfile mirrors the on-disk keyed document: {version, dependencies:
// runtime_identifier -> {name -> {resolved_version, content_hash?}}}.
type lockfile struct {
	Version      int                               `toml:"version"`
	Dependencies map[string]map[string]lockEntry `toml:"dependencies"`
}

type lockEntry struct {
	ResolvedVersion string `toml:"resolved_version"`
	ContentHash     string `toml:"content_hash,omitempty"`
}

// Package is a single resolved package need surfaced for review.
type Package struct {
	Name    string
	Version string
}

// Hydrator downloads pinned packages from a package feed into a task's
// local packages directory.
type Hydrator struct {
	feedHost            string
	referenceAssemblies []ReferenceAssembly
	httpClient          *http.Client
	log                 *zap.Logger
}

// New returns a Hydrator that fetches from feedHost
// ("https://<feed-host>/<name>/<version>/<name>.<version>.<ext>").
func New(feedHost string, referenceAssemblies []ReferenceAssembly, log *zap.Logger) *Hydrator {
	return &Hydrator{
		feedHost:            feedHost,
		referenceAssemblies: referenceAssemblies,
		httpClient:          &http.Client{},
		log:                 log,
	}
}

// Hydrate parses lockfilePath, downloads every package of its first
// runtime section plus the fixed reference assemblies into packagesDir,
// and returns the resolved package list (for the needs review engine).
func (h *Hydrator) Hydrate(ctx context.Context, lockfilePath, packagesDir string) ([]Package, error) {
	lf, err := h.parseLockfile(lockfilePath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(packagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating packages dir: %w", err)
	}

	runtimeID, entries := firstRuntimeSection(lf)

	var packages []Package
	var packagesMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for name, entry := range entries {
		name, entry := name, entry
		g.Go(func() error {
			ext := "nupkg"
			if err := h.downloadPackage(gctx, packagesDir, name, entry.ResolvedVersion, ext, entry.ContentHash); err != nil {
				return fmt.Errorf("package %s@%s: %w", name, entry.ResolvedVersion, err)
			}
			packagesMu.Lock()
			packages = append(packages, Package{Name: name, Version: entry.ResolvedVersion})
			packagesMu.Unlock()
			return nil
		})
	}

	for _, ref := range h.referenceAssemblies {
		ref := ref
		g.Go(func() error {
			if err := h.downloadPackage(gctx, packagesDir, ref.Name, ref.Version, "dll", ""); err != nil {
				return fmt.Errorf("reference assembly %s@%s: %w", ref.Name, ref.Version, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	h.log.Info("hydrated dependencies", zap.String("runtime", runtimeID), zap.Int("package_count", len(packages)))
	return packages, nil
}

func (h *Hydrator) parseLockfile(path string) (*lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrLockfileMissing
		}
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}

	var lf lockfile
	if err := toml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parsing lockfile: %w", err)
	}
	if lf.Version != supportedLockfileVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrLockfileVersion, lf.Version, supportedLockfileVersion)
	}
	return &lf, nil
}

func firstRuntimeSection(lf *lockfile) (string, map[string]lockEntry) {
	for runtimeID, entries := range lf.Dependencies {
		return runtimeID, entries
	}
	return "", nil
}

func (h *Hydrator) downloadPackage(ctx context.Context, packagesDir, name, version, ext, contentHash string) error {
	lowerName := strings.ToLower(name)
	url := fmt.Sprintf("https://%s/%s/%s/%s.%s.%s", h.feedHost, lowerName, version, lowerName, version, ext)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("fetch: status %d: %s", resp.StatusCode, string(body))
	}

	destPath := filepath.Join(packagesDir, fmt.Sprintf("%s.%s.%s", lowerName, version, ext))
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := sha512.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", destPath, err)
	}

	if contentHash != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, contentHash) {
			os.Remove(destPath)
			return fmt.Errorf("%w: %s@%s: got %s, want %s", ErrVerification, name, version, got, contentHash)
		}
	}

	return nil
}
