// Package railway adapts the Railway GraphQL API to the platform contract.
package railway

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
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
	UploadBase   string
}

// Railway reports statuses in upper case; NormalizeState folds case before
// the lookup.
var statusTable = map[string]platform.State{
	"queued":       platform.StateQueued,
	"waiting":      platform.StateQueued,
	"initializing": platform.StateQueued,
	"building":     platform.StateBuilding,
	"deploying":    platform.StateDeploying,
	"success":      platform.StateReady,
	"failed":       platform.StateError,
	"crashed":      platform.StateError,
	"removed":      platform.StateCanceled,
	"skipped":      platform.StateCanceled,
}

// Adapter implements platform.Service for Railway. Railway deployments run a
// service inside an environment, so project creation also records the default
// environment and service ids for the later steps.
type Adapter struct {
	cfg    Config
	creds  platform.CredentialSource
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	projects map[string]projectHandle
}

type projectHandle struct {
	environmentID string
	serviceID     string
}

var (
	_ platform.Service             = (*Adapter)(nil)
	_ platform.DatabaseProvisioner = (*Adapter)(nil)
)

// New constructs the adapter.
func New(cfg Config, creds platform.CredentialSource, logger *slog.Logger) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://backboard.railway.app/graphql/v2"
	}
	if cfg.AuthBase == "" {
		cfg.AuthBase = "https://railway.app"
	}
	if cfg.UploadBase == "" {
		cfg.UploadBase = "https://backboard.railway.app"
	}
	return &Adapter{
		cfg:      cfg,
		creds:    creds,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
		projects: make(map[string]projectHandle),
	}
}

func (a *Adapter) Platform() domain.Platform { return domain.PlatformRailway }

// SupportsDeployURL is false: Railway only exposes a URL once a domain is
// attached to the service, which may happen after the deploy succeeds.
func (a *Adapter) SupportsDeployURL() bool { return false }

func (a *Adapter) InitiateOAuth(state string) string {
	query := url.Values{}
	query.Set("client_id", a.cfg.ClientID)
	query.Set("redirect_uri", a.cfg.RedirectURI)
	query.Set("response_type", "code")
	query.Set("state", state)
	return a.cfg.AuthBase + "/oauth/authorize?" + query.Encode()
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

	var me struct {
		Me struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"me"`
	}
	if err := a.query(ctx, grant.AccessToken, `query { me { id name email } }`, nil, &me); err != nil {
		a.logger.Warn("railway profile lookup failed", "error", err)
	} else {
		grant.AccountID = me.Me.ID
		grant.AccountName = me.Me.Name
		if grant.AccountName == "" {
			grant.AccountName = me.Me.Email
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

// RevokeTokens is a no-op: Railway documents no revocation endpoint.
func (a *Adapter) RevokeTokens(ctx context.Context, userID string) error {
	a.logger.Info("railway token revocation skipped; no provider endpoint", "user_id", userID)
	return nil
}

func (a *Adapter) CheckProjectNameAvailability(ctx context.Context, userID, name string) (bool, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformRailway)
	if err != nil {
		return false, err
	}
	var out struct {
		Projects struct {
			Edges []struct {
				Node struct {
					Name string `json:"name"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"projects"`
	}
	if err := a.query(ctx, token, `query { projects { edges { node { name } } } }`, nil, &out); err != nil {
		return false, err
	}
	for _, edge := range out.Projects.Edges {
		if strings.EqualFold(edge.Node.Name, name) {
			return false, nil
		}
	}
	return true, nil
}

func (a *Adapter) CreateProject(ctx context.Context, userID string, cfg domain.DeploymentConfig) (platform.Project, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformRailway)
	if err != nil {
		return platform.Project{}, err
	}
	var out struct {
		ProjectCreate struct {
			ID           string `json:"id"`
			Name         string `json:"name"`
			Environments struct {
				Edges []struct {
					Node struct {
						ID string `json:"id"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"environments"`
		} `json:"projectCreate"`
	}
	const mutation = `mutation($input: ProjectCreateInput!) {
		projectCreate(input: $input) {
			id name environments { edges { node { id } } }
		}
	}`
	vars := map[string]any{"input": map[string]any{"name": cfg.ProjectName}}
	if err := a.query(ctx, token, mutation, vars, &out); err != nil {
		return platform.Project{}, err
	}
	project := platform.Project{ID: out.ProjectCreate.ID, Name: out.ProjectCreate.Name}

	handle := projectHandle{}
	if edges := out.ProjectCreate.Environments.Edges; len(edges) > 0 {
		handle.environmentID = edges[0].Node.ID
	}
	serviceID, err := a.createService(ctx, token, project.ID, cfg.ProjectName)
	if err != nil {
		return platform.Project{}, err
	}
	handle.serviceID = serviceID

	a.mu.Lock()
	a.projects[project.ID] = handle
	a.mu.Unlock()
	return project, nil
}

func (a *Adapter) createService(ctx context.Context, token, projectID, name string) (string, error) {
	var out struct {
		ServiceCreate struct {
			ID string `json:"id"`
		} `json:"serviceCreate"`
	}
	const mutation = `mutation($input: ServiceCreateInput!) {
		serviceCreate(input: $input) { id }
	}`
	vars := map[string]any{"input": map[string]any{"projectId": projectID, "name": name}}
	if err := a.query(ctx, token, mutation, vars, &out); err != nil {
		return "", err
	}
	return out.ServiceCreate.ID, nil
}

func (a *Adapter) SetEnvironmentVariables(ctx context.Context, userID, projectID string, vars []domain.EnvironmentVariable) error {
	if len(vars) == 0 {
		return nil
	}
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformRailway)
	if err != nil {
		return err
	}
	handle, err := a.handleFor(projectID)
	if err != nil {
		return err
	}
	values := make(map[string]string, len(vars))
	for _, v := range vars {
		values[v.Key] = v.Value
	}
	const mutation = `mutation($input: VariableCollectionUpsertInput!) {
		variableCollectionUpsert(input: $input)
	}`
	input := map[string]any{
		"projectId":     projectID,
		"environmentId": handle.environmentID,
		"serviceId":     handle.serviceID,
		"variables":     values,
	}
	return a.query(ctx, token, mutation, map[string]any{"input": input}, nil)
}

// UploadFiles posts a tar.gz of the generated tree to the code upload
// endpoint, which queues a build for the service.
func (a *Adapter) UploadFiles(ctx context.Context, userID, projectID string, files []domain.GeneratedFile) error {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformRailway)
	if err != nil {
		return err
	}
	handle, err := a.handleFor(projectID)
	if err != nil {
		return err
	}
	archive, err := tarball(files)
	if err != nil {
		return fmt.Errorf("railway: package files: %w", err)
	}
	endpoint := fmt.Sprintf("%s/project/%s/environment/%s/up?serviceId=%s",
		a.cfg.UploadBase, url.PathEscape(projectID), url.PathEscape(handle.environmentID), url.QueryEscape(handle.serviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(archive))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/gzip")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return platform.ReadAPIError(domain.PlatformRailway, resp)
	}
	return nil
}

// TriggerDeployment resolves the deployment the upload queued. If the build
// has not registered yet it redeploys the service explicitly.
func (a *Adapter) TriggerDeployment(ctx context.Context, userID, projectID string) (string, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformRailway)
	if err != nil {
		return "", err
	}
	handle, err := a.handleFor(projectID)
	if err != nil {
		return "", err
	}
	if id, err := a.latestDeploymentID(ctx, token, projectID, handle); err == nil && id != "" {
		return id, nil
	}

	var out struct {
		ServiceInstanceRedeploy struct {
			ID string `json:"id"`
		} `json:"serviceInstanceRedeploy"`
	}
	const mutation = `mutation($serviceId: String!, $environmentId: String!) {
		serviceInstanceRedeploy(serviceId: $serviceId, environmentId: $environmentId) { id }
	}`
	vars := map[string]any{"serviceId": handle.serviceID, "environmentId": handle.environmentID}
	if err := a.query(ctx, token, mutation, vars, &out); err != nil {
		return "", err
	}
	return out.ServiceInstanceRedeploy.ID, nil
}

func (a *Adapter) latestDeploymentID(ctx context.Context, token, projectID string, handle projectHandle) (string, error) {
	var out struct {
		Deployments struct {
			Edges []struct {
				Node struct {
					ID string `json:"id"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"deployments"`
	}
	const q = `query($input: DeploymentListInput!) {
		deployments(input: $input, first: 1) { edges { node { id } } }
	}`
	input := map[string]any{
		"projectId":     projectID,
		"environmentId": handle.environmentID,
		"serviceId":     handle.serviceID,
	}
	if err := a.query(ctx, token, q, map[string]any{"input": input}, &out); err != nil {
		return "", err
	}
	if len(out.Deployments.Edges) == 0 {
		return "", nil
	}
	return out.Deployments.Edges[0].Node.ID, nil
}

func (a *Adapter) GetDeploymentStatus(ctx context.Context, userID, projectID, deploymentID string) (platform.DeploymentStatus, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformRailway)
	if err != nil {
		return platform.DeploymentStatus{}, err
	}
	var out struct {
		Deployment struct {
			Status    string `json:"status"`
			StaticURL string `json:"staticUrl"`
		} `json:"deployment"`
	}
	const q = `query($id: String!) { deployment(id: $id) { status staticUrl } }`
	if err := a.query(ctx, token, q, map[string]any{"id": deploymentID}, &out); err != nil {
		return platform.DeploymentStatus{}, err
	}
	status := platform.DeploymentStatus{
		State:    platform.NormalizeState(statusTable, out.Deployment.Status),
		RawState: out.Deployment.Status,
	}
	if out.Deployment.StaticURL != "" {
		status.URL = "https://" + out.Deployment.StaticURL
	}
	return status, nil
}

// StreamBuildLogs polls buildLogs, emitting lines past the last seen offset
// until the deployment reaches a terminal state.
func (a *Adapter) StreamBuildLogs(ctx context.Context, userID, projectID, deploymentID string) (<-chan platform.LogLine, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformRailway)
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
			var out struct {
				BuildLogs []struct {
					Message   string    `json:"message"`
					Timestamp time.Time `json:"timestamp"`
				} `json:"buildLogs"`
				Deployment struct {
					Status string `json:"status"`
				} `json:"deployment"`
			}
			const q = `query($id: String!) {
				buildLogs(deploymentId: $id) { message timestamp }
				deployment(id: $id) { status }
			}`
			if err := a.query(ctx, token, q, map[string]any{"id": deploymentID}, &out); err != nil {
				return
			}
			for ; seen < len(out.BuildLogs); seen++ {
				entry := out.BuildLogs[seen]
				at := entry.Timestamp
				if at.IsZero() {
					at = time.Now().UTC()
				}
				select {
				case lines <- platform.LogLine{Text: entry.Message, At: at}:
				case <-ctx.Done():
					return
				}
			}
			if !platform.NormalizeState(statusTable, out.Deployment.Status).InProgress() {
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

// ProvisionDatabase creates a managed database service inside the project's
// default environment.
func (a *Adapter) ProvisionDatabase(ctx context.Context, userID, projectID, name string) (platform.ServiceInfo, error) {
	token, err := a.creds.AccessToken(ctx, userID, domain.PlatformRailway)
	if err != nil {
		return platform.ServiceInfo{}, err
	}
	handle, err := a.handleFor(projectID)
	if err != nil {
		return platform.ServiceInfo{}, err
	}
	var out struct {
		PluginCreate struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"pluginCreate"`
	}
	const mutation = `mutation($input: PluginCreateInput!) {
		pluginCreate(input: $input) { id name }
	}`
	input := map[string]any{
		"projectId":     projectID,
		"environmentId": handle.environmentID,
		"name":          name,
	}
	if err := a.query(ctx, token, mutation, map[string]any{"input": input}, &out); err != nil {
		return platform.ServiceInfo{}, err
	}
	return platform.ServiceInfo{Name: out.PluginCreate.Name}, nil
}

func (a *Adapter) handleFor(projectID string) (projectHandle, error) {
	a.mu.Lock()
	handle, ok := a.projects[projectID]
	a.mu.Unlock()
	if !ok {
		return projectHandle{}, fmt.Errorf("railway: unknown project %s", projectID)
	}
	return handle, nil
}

func (a *Adapter) tokenRequest(ctx context.Context, form url.Values) (platform.TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AuthBase+"/oauth/token", strings.NewReader(form.Encode()))
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
		return platform.TokenGrant{}, platform.ReadAPIError(domain.PlatformRailway, resp)
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

// query executes a GraphQL request. GraphQL errors arrive with HTTP 200, so
// the error list is checked before decoding data.
func (a *Adapter) query(ctx context.Context, token, query string, vars map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return platform.ReadAPIError(domain.PlatformRailway, resp)
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return &platform.APIError{
			Platform:   domain.PlatformRailway,
			StatusCode: resp.StatusCode,
			Message:    envelope.Errors[0].Message,
		}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func tarball(files []domain.GeneratedFile) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	now := time.Now()
	for _, file := range files {
		hdr := &tar.Header{
			Name:    file.Path,
			Mode:    0o644,
			Size:    int64(len(file.Content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write([]byte(file.Content)); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
