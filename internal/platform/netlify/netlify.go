// Package netlify adapts the Netlify REST API to the platform contract.
package netlify

import (
	"archive/zip"
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

// Config carries OAuth application settings and endpoint bases.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	APIBase      string
	AuthBase     string
}

// statusTable normalizes Netlify deploy states. Unlisted states fall back to
// queued.
var statusTable = map[string]platform.State{
	"new":        platform.StateQueued,
	"pending":    platform.StateQueued,
	"accepted":   platform.StateQueued,
	"enqueued":   platform.StateQueued,
	"uploading":  platform.StateBuilding,
	"uploaded":   platform.StateBuilding,
	"preparing":  platform.StateBuilding,
	"building":   platform.StateBuilding,
	"processing": platform.StateDeploying,
	"ready":      platform.StateReady,
	"error":      platform.StateError,
	"deleted":    platform.StateCanceled,
}

// Adapter implements platform.Service for Netlify.
type Adapter struct {
	cfg    Config
	creds  platform.CredentialSource
	client *http.Client
	logger *slog.Logger

	// Uploading the zip creates the deploy on Netlify; trigger then reports
	// the deploy id recorded here, which keeps retries from queueing a
	// second one.
	mu      sync.Mutex
	pending map[string]string
}

var _ platform.Service = (*Adapter)(nil)

// New constructs the adapter.
func New(cfg Config, creds platform.CredentialSource, logger *slog.Logger) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.netlify.com/api/v1"
	}
	if cfg.AuthBase == "" {
		cfg.AuthBase = "https://app.netlify.com"
	}
	return &Adapter{
		cfg:     cfg,
		creds:   creds,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
		pending: make(map[string]string),
	}
}

func (a *Adapter) Platform() domain.Platform { return domain.PlatformNetlify }

func (a *Adapter) SupportsDeployURL() bool { return true }

func (a *Adapter) InitiateOAuth(state string) string {
	query := url.Values{}
	query.Set("client_id", a.cfg.ClientID)
	query.Set("redirect_uri", a.cfg.RedirectURI)
	query.Set("response_type", "code")
	query.Set("state", state)
	return a.cfg.AuthBase + "/authorize?" + query.Encode()
}

func (a *Adapter) HandleCallback(ctx context.Context, code string) (platform.TokenGrant, error) {
	grant, err := a.tokenRequest(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {a.cfg.ClientID},
		"client_secret": {a.cfg.ClientSecret},
		"redirect_uri":  {a.cfg.RedirectURI},
	})
	if err != nil {
		return platform.TokenGrant{}, err
	}

	var user struct {
		ID       string `json:"id"`
		FullName string `json:"full_name"`
		Email    string `json:"email"`
	}
	if err := a.getJSON(ctx, "/user", grant.AccessToken, &user); err != nil {
		a.logger.Warn("netlify profile lookup failed", "error", err)
	} else {
		grant.AccountID = user.ID
		grant.AccountName = user.FullName
		if grant.AccountName == "" {
			grant.AccountName = user.Email
		}
	}
	return grant, nil
}

func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (platform.TokenGrant, error) {
	return a.tokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {a.cfg.ClientID},
		"client_secret": {a.cfg.ClientSecret},
	})
}

// RevokeTokens is a no-op: Netlify documents no revocation endpoint.
func (a *Adapter) RevokeTokens(ctx context.Context, userID string) error {
	a.logger.Info("netlify token revocation skipped; no provider endpoint", "user_id", userID)
	return nil
}

func (a *Adapter) CheckProjectNameAvailability(ctx context.Context, userID, name string) (bool, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformNetlify)
	if err != nil {
		return false, err
	}
	var sites []struct {
		Name string `json:"name"`
	}
	if err := a.getJSON(ctx, "/sites?name="+url.QueryEscape(name), token, &sites); err != nil {
		return false, err
	}
	for _, site := range sites {
		if strings.EqualFold(site.Name, name) {
			return false, nil
		}
	}
	return true, nil
}

func (a *Adapter) CreateProject(ctx context.Context, userID string, cfg domain.DeploymentConfig) (platform.Project, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformNetlify)
	if err != nil {
		return platform.Project{}, err
	}
	var site struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		URL  string `json:"ssl_url"`
	}
	if err := a.postJSON(ctx, "/sites", token, map[string]any{"name": cfg.ProjectName}, &site); err != nil {
		return platform.Project{}, err
	}
	return platform.Project{ID: site.ID, Name: site.Name, URL: site.URL}, nil
}

func (a *Adapter) SetEnvironmentVariables(ctx context.Context, userID, projectID string, vars []domain.EnvironmentVariable) error {
	if len(vars) == 0 {
		return nil
	}
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformNetlify)
	if err != nil {
		return err
	}
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		env[v.Key] = v.Value
	}
	body := map[string]any{
		"build_settings": map[string]any{"env": env},
	}
	return a.patchJSON(ctx, "/sites/"+url.PathEscape(projectID), token, body)
}

// UploadFiles packages the generated tree into a zip and posts it as a new
// deploy. Netlify starts processing on receipt, so this both uploads and
// queues the deployment.
func (a *Adapter) UploadFiles(ctx context.Context, userID, projectID string, files []domain.GeneratedFile) error {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformNetlify)
	if err != nil {
		return err
	}
	archive, err := zipFiles(files)
	if err != nil {
		return fmt.Errorf("netlify: package files: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+"/sites/"+url.PathEscape(projectID)+"/deploys", bytes.NewReader(archive))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/zip")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return platform.ReadAPIError(domain.PlatformNetlify, resp)
	}
	var deploy struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&deploy); err != nil {
		return err
	}
	a.mu.Lock()
	a.pending[projectID] = deploy.ID
	a.mu.Unlock()
	return nil
}

// TriggerDeployment reports the deploy created by the upload step.
func (a *Adapter) TriggerDeployment(ctx context.Context, userID, projectID string) (string, error) {
	a.mu.Lock()
	deployID := a.pending[projectID]
	a.mu.Unlock()
	if deployID == "" {
		return "", fmt.Errorf("netlify: no uploaded deploy for project %s", projectID)
	}
	return deployID, nil
}

func (a *Adapter) GetDeploymentStatus(ctx context.Context, userID, projectID, deploymentID string) (platform.DeploymentStatus, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformNetlify)
	if err != nil {
		return platform.DeploymentStatus{}, err
	}
	var deploy struct {
		State        string `json:"state"`
		SSLURL       string `json:"ssl_url"`
		DeployURL    string `json:"deploy_ssl_url"`
		ErrorMessage string `json:"error_message"`
	}
	if err := a.getJSON(ctx, "/deploys/"+url.PathEscape(deploymentID), token, &deploy); err != nil {
		return platform.DeploymentStatus{}, err
	}
	status := platform.DeploymentStatus{
		State:    platform.NormalizeState(statusTable, deploy.State),
		RawState: deploy.State,
		URL:      deploy.SSLURL,
		Message:  deploy.ErrorMessage,
	}
	if status.URL == "" {
		status.URL = deploy.DeployURL
	}
	return status, nil
}

// StreamBuildLogs polls the deploy log endpoint. Netlify has no token-scoped
// streaming log API, so the sequence is produced by diffing successive
// snapshots until the deploy leaves an in-progress state.
func (a *Adapter) StreamBuildLogs(ctx context.Context, userID, projectID, deploymentID string) (<-chan platform.LogLine, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformNetlify)
	if err != nil {
		return nil, err
	}
	lines := make(chan platform.LogLine)
	go func() {
		defer close(lines)
		seen := 0
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			var deploy struct {
				State   string   `json:"state"`
				Summary struct {
					Messages []struct {
						Title string `json:"title"`
					} `json:"messages"`
				} `json:"summary"`
			}
			if err := a.getJSON(ctx, "/deploys/"+url.PathEscape(deploymentID), token, &deploy); err != nil {
				return
			}
			for ; seen < len(deploy.Summary.Messages); seen++ {
				line := platform.LogLine{Text: deploy.Summary.Messages[seen].Title, At: time.Now().UTC()}
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if !platform.NormalizeState(statusTable, deploy.State).InProgress() {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines, nil
}

func (a *Adapter) tokenRequest(ctx context.Context, form url.Values) (platform.TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return platform.TokenGrant{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.client.Do(req)
	if err != nil {
		return platform.TokenGrant{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return platform.TokenGrant{}, platform.ReadAPIError(domain.PlatformNetlify, resp)
	}
	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return platform.TokenGrant{}, err
	}
	grant := platform.TokenGrant{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if payload.ExpiresIn > 0 {
		expiry := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
		grant.ExpiresAt = &expiry
	}
	if payload.Scope != "" {
		grant.Scopes = strings.Fields(payload.Scope)
	}
	return grant, nil
}

func (a *Adapter) getJSON(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.APIBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
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

func (a *Adapter) patchJSON(ctx context.Context, path, token string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, a.cfg.APIBase+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return a.do(req, nil)
}

func (a *Adapter) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return platform.ReadAPIError(domain.PlatformNetlify, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func zipFiles(files []domain.GeneratedFile) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, file := range files {
		w, err := zw.Create(file.Path)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(file.Content)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
