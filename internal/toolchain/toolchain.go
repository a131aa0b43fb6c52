// Package toolchain fetches and caches the target runtime/library bundle
// mounted read-only into every build container.
package toolchain

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/goatcorp/plogon/internal/config"
)

// ErrToolchainUnavailable is returned when the descriptor cannot be
// fetched or the referenced archive cannot be downloaded or unpacked.
var ErrToolchainUnavailable = errors.New("toolchain unavailable")

// Descriptor is the JSON document describing one toolchain release.
type Descriptor struct {
	AssemblyVersion  string `json:"AssemblyVersion"`
	SupportedGameVer string `json:"SupportedGameVer"`
	RuntimeVersion   string `json:"RuntimeVersion"`
	RuntimeRequired  bool   `json:"RuntimeRequired"`
	Key              string `json:"Key"`
	DownloadURL      string `json:"DownloadUrl"`
}

// Provider fetches and caches toolchain bundles under a releases root.
type Provider struct {
	descriptorURL string
	releasesDir   string
	tracks        config.TrackOverrides
	httpClient    *http.Client
	log           *zap.Logger
}

// New returns a Provider. descriptorURLTemplate must contain exactly one
// "%s" placeholder for the track name.
func New(descriptorURLTemplate, releasesDir string, tracks config.TrackOverrides, log *zap.Logger) *Provider {
	return &Provider{
		descriptorURL: descriptorURLTemplate,
		releasesDir:   releasesDir,
		tracks:        tracks,
		httpClient:    &http.Client{},
		log:           log,
	}
}

// Resolve returns the local directory holding the toolchain bundle for
// channelID, fetching and unpacking it first if not already materialized.
func (p *Provider) Resolve(ctx context.Context, channelID string) (string, error) {
	track := p.tracks.ResolveTrack(channelID)

	desc, err := p.fetchDescriptor(ctx, track)
	if err != nil {
		return "", fmt.Errorf("%w: fetching descriptor for track %s: %v", ErrToolchainUnavailable, track, err)
	}

	dir := filepath.Join(p.releasesDir, fmt.Sprintf("%s-%s", track, desc.AssemblyVersion))
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		p.log.Debug("toolchain already materialized", zap.String("dir", dir))
		return dir, nil
	}

	if err := p.downloadAndUnpack(ctx, desc.DownloadURL, dir); err != nil {
		return "", fmt.Errorf("%w: materializing track %s: %v", ErrToolchainUnavailable, track, err)
	}

	p.log.Info("toolchain materialized", zap.String("track", track), zap.String("version", desc.AssemblyVersion), zap.String("dir", dir))
	return dir, nil
}

func (p *Provider) fetchDescriptor(ctx context.Context, track string) (*Descriptor, error) {
	url := fmt.Sprintf(p.descriptorURL, track)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("descriptor fetch: status %d: %s", resp.StatusCode, string(body))
	}

	var desc Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("decoding descriptor: %w", err)
	}
	return &desc, nil
}

func (p *Provider) downloadAndUnpack(ctx context.Context, archiveURL, destDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive download: status %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp("", "plogon-toolchain-*.zip")
	if err != nil {
		return err
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}

	tmpDir := destDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return err
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}

	if err := unzip(tmpFile.Name(), tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("unpacking archive: %w", err)
	}

	if err := os.RemoveAll(destDir); err != nil {
		return err
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

func unzip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		path := filepath.Join(destDir, f.Name)
		if !isWithin(destDir, path) {
			return fmt.Errorf("archive entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, path); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

func isWithin(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
