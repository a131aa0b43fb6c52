package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebServicesClient_EmptyBaseURLDisables(t *testing.T) {
	assert.Nil(t, NewWebServicesClient("", ""))
}

func TestWebServicesClient_RoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/plugins/pr", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req registerPrRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "FooPlugin", req.InternalName)
			assert.Equal(t, 42, req.PR)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(getPrResponse{PR: 42, Found: true})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewWebServicesClient(srv.URL, "secret")
	require.NotNil(t, c)

	require.NoError(t, c.RegisterPrNumber(context.Background(), "FooPlugin", 42))

	pr, found, err := c.GetPrNumber(context.Background(), "FooPlugin")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, pr)
}

func TestWebServicesClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewWebServicesClient(srv.URL, "")
	err := c.RegisterPrNumber(context.Background(), "FooPlugin", 1)
	assert.Error(t, err)
}
