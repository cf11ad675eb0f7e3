package vercel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchkit-dev/launchkit/internal/domain"
	"github.com/launchkit-dev/launchkit/internal/platform"
)

type staticCreds struct{ token string }

func (c staticCreds) AccessToken(context.Context, string, domain.Platform) (string, error) {
	return c.token, nil
}

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost/callback",
		APIBase:      srv.URL,
		AuthBase:     srv.URL,
	}, staticCreds{token: "tok-abc"}, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestStatusTableCoversDocumentedStates(t *testing.T) {
	terminal := map[string]platform.State{
		"READY":    platform.StateReady,
		"ERROR":    platform.StateError,
		"CANCELED": platform.StateCanceled,
	}
	for raw, want := range terminal {
		assert.Equal(t, want, platform.NormalizeState(statusTable, raw), "raw %q", raw)
	}
	for _, raw := range []string{"QUEUED", "INITIALIZING", "BUILDING", "DEPLOYING"} {
		assert.True(t, platform.NormalizeState(statusTable, raw).InProgress(), "raw %q", raw)
	}
}

func TestCheckProjectNameAvailability(t *testing.T) {
	taken := map[string]bool{"shop-api": true}
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		name := r.URL.Path[len("/v9/projects/"):]
		if taken[name] {
			json.NewEncoder(w).Encode(map[string]string{"id": "prj_1", "name": name})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	free, err := adapter.CheckProjectNameAvailability(context.Background(), "user-1", "shop-api")
	require.NoError(t, err)
	assert.False(t, free)

	free, err = adapter.CheckProjectNameAvailability(context.Background(), "user-1", "shop-api-2")
	require.NoError(t, err)
	assert.True(t, free)
}

func TestGetDeploymentStatusMapsReadyState(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"readyState": "READY",
			"url":        "shop-api.vercel.app",
		})
	}))

	status, err := adapter.GetDeploymentStatus(context.Background(), "user-1", "prj_1", "dpl_1")
	require.NoError(t, err)
	assert.Equal(t, platform.StateReady, status.State)
	assert.Equal(t, "READY", status.RawState)
	assert.Equal(t, "https://shop-api.vercel.app", status.URL)
}

func TestTriggerDeploymentSendsUploadedFileRefs(t *testing.T) {
	var deployBody struct {
		Files []map[string]string `json:"files"`
	}
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/files":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/v13/deployments":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&deployBody))
			json.NewEncoder(w).Encode(map[string]string{"id": "dpl_42"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	files := []domain.GeneratedFile{
		{Path: "index.html", Content: "<html></html>"},
		{Path: "api/hello.js", Content: "export default () => {}"},
	}
	require.NoError(t, adapter.UploadFiles(context.Background(), "user-1", "prj_1", files))

	id, err := adapter.TriggerDeployment(context.Background(), "user-1", "prj_1")
	require.NoError(t, err)
	assert.Equal(t, "dpl_42", id)
	require.Len(t, deployBody.Files, 2)
	assert.Equal(t, "index.html", deployBody.Files[0]["file"])
	assert.Equal(t, "api/hello.js", deployBody.Files[1]["file"])
}

func TestProjectNameCheckSurfacesAPIError(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "insufficient scope"},
		})
	}))

	_, err := adapter.CheckProjectNameAvailability(context.Background(), "user-1", "shop-api")
	require.Error(t, err)
	var apiErr *platform.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "insufficient scope")
}
