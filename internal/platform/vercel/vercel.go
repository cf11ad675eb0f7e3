// Package vercel adapts the Vercel REST API to the platform contract.
package vercel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/launchkit-dev/launchkit/internal/domain"
	"github.com/launchkit-dev/launchkit/internal/platform"
)

// Config carries the OAuth application settings and endpoint bases. Endpoint
// bases are overridable for tests.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	APIBase      string
	AuthBase     string
}

// statusTable normalizes Vercel readyState values. Anything unlisted falls
// back to queued.
var statusTable = map[string]platform.State{
	"queued":       platform.StateQueued,
	"initializing": platform.StateBuilding,
	"building":     platform.StateBuilding,
	"deploying":    platform.StateDeploying,
	"ready":        platform.StateReady,
	"error":        platform.StateError,
	"canceled":     platform.StateCanceled,
}

// Adapter implements platform.Service for Vercel.
type Adapter struct {
	cfg    Config
	creds  platform.CredentialSource
	client *http.Client
	logger *slog.Logger

	// Deployment creation references files uploaded earlier, so the upload
	// step records the manifest per project.
	mu        sync.Mutex
	manifests map[string][]domain.GeneratedFile
}

var _ platform.Service = (*Adapter)(nil)

// New constructs the adapter.
func New(cfg Config, creds platform.CredentialSource, logger *slog.Logger) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.vercel.com"
	}
	if cfg.AuthBase == "" {
		cfg.AuthBase = "https://vercel.com"
	}
	return &Adapter{
		cfg:       cfg,
		creds:     creds,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		manifests: make(map[string][]domain.GeneratedFile),
	}
}

func (a *Adapter) rememberFiles(projectID string, files []domain.GeneratedFile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.manifests[projectID] = files
}

func (a *Adapter) recallFiles(projectID string) []domain.GeneratedFile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manifests[projectID]
}

func (a *Adapter) Platform() domain.Platform { return domain.PlatformVercel }

func (a *Adapter) SupportsDeployURL() bool { return true }

func (a *Adapter) InitiateOAuth(state string) string {
	query := url.Values{}
	query.Set("client_id", a.cfg.ClientID)
	query.Set("redirect_uri", a.cfg.RedirectURI)
	query.Set("state", state)
	return a.cfg.AuthBase + "/oauth/authorize?" + query.Encode()
}

func (a *Adapter) HandleCallback(ctx context.Context, code string) (platform.TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", a.cfg.RedirectURI)

	var payload struct {
		AccessToken string `json:"access_token"`
		TeamID      string `json:"team_id"`
		UserID      string `json:"user_id"`
	}
	if err := a.postForm(ctx, "/v2/oauth/access_token", form, &payload); err != nil {
		return platform.TokenGrant{}, err
	}
	grant := platform.TokenGrant{
		AccessToken: payload.AccessToken,
		AccountID:   payload.UserID,
		Scopes:      []string{"deployments", "projects"},
	}
	if payload.TeamID != "" {
		grant.AccountID = payload.TeamID
	}

	// The token response carries no profile; fetch the account name so the
	// UI can label the connection.
	var user struct {
		User struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := a.getJSON(ctx, "/v2/user", payload.AccessToken, &user); err != nil {
		a.logger.Warn("vercel profile lookup failed", "error", err)
	} else {
		grant.AccountName = user.User.Username
	}
	return grant, nil
}

// RefreshToken is unsupported: Vercel issues non-expiring access tokens.
func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (platform.TokenGrant, error) {
	return platform.TokenGrant{}, fmt.Errorf("vercel: tokens do not expire and cannot be refreshed")
}

// RevokeTokens is a no-op: Vercel documents no revocation endpoint, so
// revocation cannot be guaranteed provider-side.
func (a *Adapter) RevokeTokens(ctx context.Context, userID string) error {
	a.logger.Info("vercel token revocation skipped; no provider endpoint", "user_id", userID)
	return nil
}

func (a *Adapter) CheckProjectNameAvailability(ctx context.Context, userID, name string) (bool, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformVercel)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.APIBase+"/v9/projects/"+url.PathEscape(name), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return true, nil
	case resp.StatusCode < 300:
		return false, nil
	default:
		return false, platform.ReadAPIError(domain.PlatformVercel, resp)
	}
}

func (a *Adapter) CreateProject(ctx context.Context, userID string, cfg domain.DeploymentConfig) (platform.Project, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformVercel)
	if err != nil {
		return platform.Project{}, err
	}
	var created struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	body := map[string]any{"name": cfg.ProjectName}
	if err := a.postJSON(ctx, "/v9/projects", token, body, &created); err != nil {
		return platform.Project{}, err
	}
	return platform.Project{ID: created.ID, Name: created.Name}, nil
}

func (a *Adapter) SetEnvironmentVariables(ctx context.Context, userID, projectID string, vars []domain.EnvironmentVariable) error {
	if len(vars) == 0 {
		return nil
	}
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformVercel)
	if err != nil {
		return err
	}
	payload := make([]map[string]any, 0, len(vars))
	for _, v := range vars {
		entry := map[string]any{
			"key":    v.Key,
			"value":  v.Value,
			"target": []string{"production", "preview"},
			"type":   "plain",
		}
		if v.Sensitive {
			entry["type"] = "encrypted"
		}
		payload = append(payload, entry)
	}
	return a.postJSON(ctx, "/v10/projects/"+url.PathEscape(projectID)+"/env", token, payload, nil)
}

func (a *Adapter) UploadFiles(ctx context.Context, userID, projectID string, files []domain.GeneratedFile) error {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformVercel)
	if err != nil {
		return err
	}
	// Vercel takes one POST per file; the orchestrator sees this as a single
	// logical step with one outcome.
	for _, file := range files {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+"/v2/files", strings.NewReader(file.Content))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("x-vercel-filename", file.Path)
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 300 {
			apiErr := platform.ReadAPIError(domain.PlatformVercel, resp)
			resp.Body.Close()
			return apiErr
		}
		resp.Body.Close()
	}
	a.rememberFiles(projectID, files)
	return nil
}

func (a *Adapter) TriggerDeployment(ctx context.Context, userID, projectID string) (string, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformVercel)
	if err != nil {
		return "", err
	}
	files := a.recallFiles(projectID)
	refs := make([]map[string]string, 0, len(files))
	for _, f := range files {
		refs = append(refs, map[string]string{"file": f.Path})
	}
	body := map[string]any{
		"name":    projectID,
		"project": projectID,
		"files":   refs,
		"target":  "production",
	}
	var created struct {
		ID string `json:"id"`
	}
	// Identical payloads dedupe provider-side against the already queued
	// deployment, so retrying after a timeout is safe.
	if err := a.postJSON(ctx, "/v13/deployments?skipAutoDetectionConfirmation=1", token, body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (a *Adapter) GetDeploymentStatus(ctx context.Context, userID, projectID, deploymentID string) (platform.DeploymentStatus, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformVercel)
	if err != nil {
		return platform.DeploymentStatus{}, err
	}
	var payload struct {
		ReadyState string `json:"readyState"`
		URL        string `json:"url"`
	}
	if err := a.getJSON(ctx, "/v13/deployments/"+url.PathEscape(deploymentID), token, &payload); err != nil {
		return platform.DeploymentStatus{}, err
	}
	status := platform.DeploymentStatus{
		State:    platform.NormalizeState(statusTable, payload.ReadyState),
		RawState: payload.ReadyState,
	}
	if payload.URL != "" {
		status.URL = "https://" + payload.URL
	}
	return status, nil
}

func (a *Adapter) StreamBuildLogs(ctx context.Context, userID, projectID, deploymentID string) (<-chan platform.LogLine, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformVercel)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.APIBase+"/v2/deployments/"+url.PathEscape(deploymentID)+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		apiErr := platform.ReadAPIError(domain.PlatformVercel, resp)
		resp.Body.Close()
		return nil, apiErr
	}

	lines := make(chan platform.LogLine)
	go func() {
		defer close(lines)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var event struct {
				Text    string `json:"text"`
				Created int64  `json:"created"`
			}
			raw := scanner.Bytes()
			if err := json.Unmarshal(raw, &event); err != nil || event.Text == "" {
				continue
			}
			line := platform.LogLine{Text: event.Text, At: time.UnixMilli(event.Created)}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines, nil
}

func (a *Adapter) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(req, out)
}

func (a *Adapter) postJSON(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return a.do(req, out)
}

func (a *Adapter) getJSON(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.APIBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return a.do(req, out)
}

func (a *Adapter) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return platform.ReadAPIError(domain.PlatformVercel, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
