package hydrate

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatcorp/plogon/internal/logging"
)

func writeLockfile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "plugin.lock")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestHydrator_Hydrate(t *testing.T) {
	content := "package-bytes"
	hash := sha512.Sum512([]byte(content))
	hashHex := hex.EncodeToString(hash[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	dir := t.TempDir()
	lockPath := writeLockfile(t, dir, `
version = 1

[dependencies."net8.0"]
[dependencies."net8.0"."Acme.Widgets"]
resolved_version = "2.0.0"
content_hash = "`+hashHex+`"
`)

	h := New(strings.TrimPrefix(srv.URL, "http://"), nil, logging.Discard())
	packagesDir := filepath.Join(dir, "packages")

	packages, err := h.Hydrate(context.Background(), lockPath, packagesDir)
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, "Acme.Widgets", packages[0].Name)
	assert.Equal(t, "2.0.0", packages[0].Version)

	data, err := os.ReadFile(filepath.Join(packagesDir, "acme.widgets.2.0.0.nupkg"))
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestHydrator_Hydrate_MissingLockfile(t *testing.T) {
	h := New("feed.example.com", nil, logging.Discard())
	_, err := h.Hydrate(context.Background(), filepath.Join(t.TempDir(), "missing.lock"), t.TempDir())
	require.ErrorIs(t, err, ErrLockfileMissing)
}

func TestHydrator_Hydrate_BadVersion(t *testing.T) {
	dir := t.TempDir()
	lockPath := writeLockfile(t, dir, "version = 2\n")

	h := New("feed.example.com", nil, logging.Discard())
	_, err := h.Hydrate(context.Background(), lockPath, filepath.Join(dir, "packages"))
	require.ErrorIs(t, err, ErrLockfileVersion)
}

func TestHydrator_Hydrate_ContentHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	lockPath := writeLockfile(t, dir, `
version = 1

[dependencies."net8.0"]
[dependencies."net8.0"."Acme.Widgets"]
resolved_version = "2.0.0"
content_hash = "deadbeef"
`)

	h := New(strings.TrimPrefix(srv.URL, "http://"), nil, logging.Discard())
	_, err := h.Hydrate(context.Background(), lockPath, filepath.Join(dir, "packages"))
	require.ErrorIs(t, err, ErrVerification)
}
