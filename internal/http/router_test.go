package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchkit-dev/launchkit/internal/connections"
	"github.com/launchkit-dev/launchkit/internal/domain"
	"github.com/launchkit-dev/launchkit/internal/oauth"
	"github.com/launchkit-dev/launchkit/internal/orchestrator"
	"github.com/launchkit-dev/launchkit/internal/platform"
	"github.com/launchkit-dev/launchkit/internal/ratelimit"
	"github.com/launchkit-dev/launchkit/internal/repository"
	"github.com/launchkit-dev/launchkit/internal/stream"
	"github.com/launchkit-dev/launchkit/internal/vault"
)

type memConnRepo struct {
	mu    sync.Mutex
	conns map[string]*domain.PlatformConnection
}

func (r *memConnRepo) key(userID string, p domain.Platform) string { return userID + "/" + string(p) }

func (r *memConnRepo) CreateConnection(_ context.Context, c *domain.PlatformConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[r.key(c.UserID, c.Platform)]; ok {
		return repository.ErrConflict
	}
	clone := *c
	r.conns[r.key(c.UserID, c.Platform)] = &clone
	return nil
}

func (r *memConnRepo) GetConnection(_ context.Context, userID string, p domain.Platform) (*domain.PlatformConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[r.key(userID, p)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (r *memConnRepo) ListConnectionsByUser(_ context.Context, userID string) ([]domain.PlatformConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PlatformConnection
	for _, c := range r.conns {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *memConnRepo) UpdateConnectionTokens(_ context.Context, c *domain.PlatformConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *c
	r.conns[r.key(c.UserID, c.Platform)] = &clone
	return nil
}

func (r *memConnRepo) TouchConnection(context.Context, string, time.Time) error { return nil }

func (r *memConnRepo) DeleteConnection(_ context.Context, userID string, p domain.Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[r.key(userID, p)]; !ok {
		return repository.ErrNotFound
	}
	delete(r.conns, r.key(userID, p))
	return nil
}

type memDeployRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.Deployment
}

func (r *memDeployRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *d
	r.rows[d.ID] = &clone
	return nil
}

func (r *memDeployRepo) UpdateDeploymentStatus(_ context.Context, u domain.DeploymentStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[u.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	row.Status = u.Status
	row.BuildLogs = u.BuildLogs
	row.Error = u.Error
	row.DeploymentURL = u.DeploymentURL
	row.Services = u.Services
	row.CompletedAt = u.CompletedAt
	row.DurationMs = u.DurationMs
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memDeployRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *memDeployRepo) ListDeploymentsByUser(_ context.Context, userID string, _ int) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Deployment
	for _, row := range r.rows {
		if row.UserID == userID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *memDeployRepo) ListDeploymentsWithStatusUpdatedBefore(context.Context, string, time.Time) ([]domain.Deployment, error) {
	return nil, nil
}

// instantAdapter resolves every deployment immediately.
type instantAdapter struct {
	platform.Service
}

func (instantAdapter) Platform() domain.Platform { return domain.PlatformVercel }
func (instantAdapter) SupportsDeployURL() bool   { return true }
func (instantAdapter) InitiateOAuth(state string) string {
	return "https://provider.example/authorize?state=" + state
}
func (instantAdapter) HandleCallback(context.Context, string) (platform.TokenGrant, error) {
	return platform.TokenGrant{AccessToken: "tok", AccountName: "Dev"}, nil
}
func (instantAdapter) RevokeTokens(context.Context, string) error { return nil }
func (instantAdapter) CheckProjectNameAvailability(context.Context, string, string) (bool, error) {
	return true, nil
}
func (instantAdapter) CreateProject(_ context.Context, _ string, cfg domain.DeploymentConfig) (platform.Project, error) {
	return platform.Project{ID: "prj-1", Name: cfg.ProjectName}, nil
}
func (instantAdapter) SetEnvironmentVariables(context.Context, string, string, []domain.EnvironmentVariable) error {
	return nil
}
func (instantAdapter) UploadFiles(context.Context, string, string, []domain.GeneratedFile) error {
	return nil
}
func (instantAdapter) TriggerDeployment(context.Context, string, string) (string, error) {
	return "dpl-1", nil
}
func (instantAdapter) GetDeploymentStatus(context.Context, string, string, string) (platform.DeploymentStatus, error) {
	return platform.DeploymentStatus{State: platform.StateReady, RawState: "READY", URL: "https://demo.vercel.app"}, nil
}
func (instantAdapter) StreamBuildLogs(context.Context, string, string, string) (<-chan platform.LogLine, error) {
	out := make(chan platform.LogLine)
	close(out)
	return out, nil
}

type staticFiles struct{}

func (staticFiles) GeneratedFiles(context.Context, domain.DeploymentConfig) ([]domain.GeneratedFile, error) {
	return []domain.GeneratedFile{{Path: "index.html", Content: "ok"}}, nil
}

func newTestRouter(t *testing.T, limit int) *Router {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	v, err := vault.New(key)
	require.NoError(t, err)

	registry := platform.NewRegistry(instantAdapter{})
	conns := connections.New(&memConnRepo{conns: make(map[string]*domain.PlatformConnection)}, v, registry, oauth.NewStateManager("secret"), logger)

	store := ratelimit.NewMemoryStore()
	t.Cleanup(store.Close)
	limiter := ratelimit.New(store, limit, time.Hour, logger)

	hub := stream.NewHub(logger)
	t.Cleanup(hub.Close)

	orch := orchestrator.New(&memDeployRepo{rows: make(map[string]*domain.Deployment)}, registry, limiter, staticFiles{}, hub, time.Minute, logger)
	t.Cleanup(orch.Close)

	return NewRouter(logger, conns, orch, hub, "session-secret", nil)
}

// do issues a request carrying the session cookie from a prior response.
func do(t *testing.T, router *Router, method, target, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sessionCookies(rec *httptest.ResponseRecorder) []*http.Cookie {
	return rec.Result().Cookies()
}

func TestSubmitDeploymentAccepted(t *testing.T) {
	router := newTestRouter(t, 10)

	rec := do(t, router, http.MethodPost, "/deployments", `{"project_name":"demo","platform":"vercel"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.NotEmpty(t, payload["id"])
	assert.Equal(t, "demo", payload["project_name"])
	assert.Equal(t, "pending", payload["status"])

	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Set-Cookie"), "first contact mints a session")
}

func TestSubmitOverLimitReturnsStructured429(t *testing.T) {
	router := newTestRouter(t, 1)

	first := do(t, router, http.MethodPost, "/deployments", `{"project_name":"demo","platform":"vercel"}`, nil)
	require.Equal(t, http.StatusAccepted, first.Code)
	cookies := sessionCookies(first)

	second := do(t, router, http.MethodPost, "/deployments", `{"project_name":"demo-two","platform":"vercel"}`, cookies)
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	var payload struct {
		Error             string `json:"error"`
		Limit             int    `json:"limit"`
		Remaining         int    `json:"remaining"`
		ResetAt           string `json:"reset_at"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Limit)
	assert.Zero(t, payload.Remaining)
	assert.NotEmpty(t, payload.ResetAt)
	assert.Positive(t, payload.RetryAfterSeconds)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))
}

func TestSubmitInvalidProjectName(t *testing.T) {
	router := newTestRouter(t, 10)

	rec := do(t, router, http.MethodPost, "/deployments", `{"project_name":"Bad Name","platform":"vercel"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitUnsupportedPlatform(t *testing.T) {
	router := newTestRouter(t, 10)

	rec := do(t, router, http.MethodPost, "/deployments", `{"project_name":"demo","platform":"heroku"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDeploymentScopedToSession(t *testing.T) {
	router := newTestRouter(t, 10)

	submitted := do(t, router, http.MethodPost, "/deployments", `{"project_name":"demo","platform":"vercel"}`, nil)
	require.Equal(t, http.StatusAccepted, submitted.Code)
	cookies := sessionCookies(submitted)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(submitted.Body.Bytes(), &payload))
	id := payload["id"].(string)

	rec := do(t, router, http.MethodGet, "/deployments/"+id, "", cookies)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A different session never sees someone else's deployment.
	other := do(t, router, http.MethodGet, "/deployments/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, other.Code)
}

func TestConnectRedirectsWithStateCookie(t *testing.T) {
	router := newTestRouter(t, 10)

	rec := do(t, router, http.MethodGet, "/connect/vercel", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "https://provider.example/authorize?state=")

	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookieName {
			stateCookie = c
		}
	}
	require.NotNil(t, stateCookie)
	assert.True(t, stateCookie.HttpOnly)
}

func TestOAuthCallbackRoundTrip(t *testing.T) {
	router := newTestRouter(t, 10)

	started := do(t, router, http.MethodGet, "/connect/vercel", "", nil)
	require.Equal(t, http.StatusFound, started.Code)
	cookies := started.Result().Cookies()
	state := strings.TrimPrefix(started.Header().Get("Location"), "https://provider.example/authorize?state=")

	rec := do(t, router, http.MethodGet, "/connect/vercel/callback?code=abc&state="+state, "", cookies)
	require.Equal(t, http.StatusOK, rec.Code)

	var view connections.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.PlatformVercel, view.Platform)
	assert.Equal(t, "Dev", view.AccountName)

	listed := do(t, router, http.MethodGet, "/connections", "", cookies)
	require.Equal(t, http.StatusOK, listed.Code)
	assert.Contains(t, listed.Body.String(), "vercel")
}

func TestOAuthCallbackForgedStateRejected(t *testing.T) {
	router := newTestRouter(t, 10)

	started := do(t, router, http.MethodGet, "/connect/vercel", "", nil)
	cookies := started.Result().Cookies()

	rec := do(t, router, http.MethodGet, "/connect/vercel/callback?code=abc&state=forged", "", cookies)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	listed := do(t, router, http.MethodGet, "/connections", "", cookies)
	assert.NotContains(t, listed.Body.String(), "account_name")
}

func TestDisconnectUnknownPlatformIs404(t *testing.T) {
	router := newTestRouter(t, 10)

	rec := do(t, router, http.MethodDelete, "/connections/vercel", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLimitsEndpointDoesNotConsume(t *testing.T) {
	router := newTestRouter(t, 3)

	first := do(t, router, http.MethodGet, "/limits", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	cookies := sessionCookies(first)

	for i := 0; i < 5; i++ {
		rec := do(t, router, http.MethodGet, "/limits", "", cookies)
		require.Equal(t, http.StatusOK, rec.Code)
		var payload struct {
			Limit     int `json:"limit"`
			Remaining int `json:"remaining"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		assert.Equal(t, 3, payload.Limit)
		assert.Equal(t, 3, payload.Remaining)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, 10)

	rec := do(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
