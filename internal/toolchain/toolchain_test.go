package toolchain

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goatcorp/plogon/internal/config"
	"github.com/goatcorp/plogon/internal/logging"
)

func buildTestArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("lib/Dalamud.dll")
	require.NoError(t, err)
	_, err = f.Write([]byte("fake-binary"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestProvider_Resolve(t *testing.T) {
	archive := buildTestArchive(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/descriptor/release", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Descriptor{
			AssemblyVersion: "9.1.2",
			DownloadURL:     "http://" + r.Host + "/archive.zip",
		})
	})
	mux.HandleFunc("/archive.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	p := New(srv.URL+"/descriptor/%s", dir, config.TrackOverrides{}, logging.Discard())

	resolved, err := p.Resolve(context.Background(), "stable")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "release-9.1.2"), resolved)

	contents, err := os.ReadFile(filepath.Join(resolved, "lib", "Dalamud.dll"))
	require.NoError(t, err)
	require.Equal(t, "fake-binary", string(contents))
}

func TestProvider_Resolve_CachesLocally(t *testing.T) {
	archive := buildTestArchive(t)
	fetches := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/descriptor/release", func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(Descriptor{AssemblyVersion: "1.0.0", DownloadURL: "http://" + r.Host + "/archive.zip"})
	})
	mux.HandleFunc("/archive.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	p := New(srv.URL+"/descriptor/%s", dir, config.TrackOverrides{}, logging.Discard())

	_, err := p.Resolve(context.Background(), "stable")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "release-1.0.0", "lib", "Dalamud.dll")))
	_, err = p.Resolve(context.Background(), "stable")
	require.NoError(t, err)

	if _, statErr := os.Stat(filepath.Join(dir, "release-1.0.0", "lib", "Dalamud.dll")); statErr == nil {
		t.Fatal("expected second resolve to hit cache and skip re-download, but file was recreated")
	}
}

func TestProvider_Resolve_DescriptorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(srv.URL+"/descriptor/%s", t.TempDir(), config.TrackOverrides{}, logging.Discard())
	_, err := p.Resolve(context.Background(), "stable")
	require.ErrorIs(t, err, ErrToolchainUnavailable)
}

func TestTrackOverrides_ResolveTrack(t *testing.T) {
	overrides := config.TrackOverrides{"testing-preview": "custom-track"}
	require.Equal(t, "release", overrides.ResolveTrack("stable"))
	require.Equal(t, "custom-track", overrides.ResolveTrack("testing-preview"))
	require.Equal(t, "canary", overrides.ResolveTrack("testing-canary"))
}
