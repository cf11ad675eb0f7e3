// Package platform defines the uniform contract every hosting provider
// adapter implements. The orchestrator is written entirely against these
// types and never sees a provider-specific API shape.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/launchkit-dev/launchkit/internal/domain"
)

// State is the shared deployment status vocabulary adapters normalize
// provider-specific states into.
type State string

const (
	StateQueued    State = "queued"
	StateBuilding  State = "building"
	StateDeploying State = "deploying"
	StateReady     State = "ready"
	StateError     State = "error"
	StateCanceled  State = "canceled"
)

// InProgress reports whether the state is non-terminal.
func (s State) InProgress() bool {
	switch s {
	case StateReady, StateError, StateCanceled:
		return false
	}
	return true
}

// DeploymentStatus is one normalized status observation from a provider.
type DeploymentStatus struct {
	State    State
	RawState string
	URL      string
	Message  string
}

// Project identifies a provider-side project.
type Project struct {
	ID   string
	Name string
	URL  string
}

// ServiceInfo describes a provisioned named service, such as a database.
type ServiceInfo struct {
	Name string
	URL  string
}

// LogLine is a single build log entry from a provider stream.
type LogLine struct {
	Text string
	At   time.Time
}

// TokenGrant is the plaintext result of an OAuth exchange or refresh. It is
// handed to the connections service for immediate encryption and must not be
// retained by callers.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
	AccountID    string
	AccountName  string
}

// CredentialSource yields a short-lived plaintext access token for a user,
// refreshing the stored connection transparently when it has expired.
type CredentialSource interface {
	AccessToken(ctx context.Context, userID string, platform domain.Platform) (string, error)
}

// Service is implemented once per hosting provider.
type Service interface {
	Platform() domain.Platform
	// SupportsDeployURL declares whether the provider exposes a public URL
	// for successful deployments. When true, success requires a URL.
	SupportsDeployURL() bool

	// InitiateOAuth returns the provider authorization URL embedding the
	// CSRF state parameter.
	InitiateOAuth(state string) string
	// HandleCallback exchanges the authorization code for tokens.
	HandleCallback(ctx context.Context, code string) (TokenGrant, error)
	// RefreshToken exchanges a refresh token for a new grant.
	RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error)
	// RevokeTokens is best-effort: providers without a documented revocation
	// endpoint return nil and revocation is not guaranteed provider-side.
	RevokeTokens(ctx context.Context, userID string) error

	CheckProjectNameAvailability(ctx context.Context, userID, name string) (bool, error)
	CreateProject(ctx context.Context, userID string, cfg domain.DeploymentConfig) (Project, error)
	SetEnvironmentVariables(ctx context.Context, userID, projectID string, vars []domain.EnvironmentVariable) error
	UploadFiles(ctx context.Context, userID, projectID string, files []domain.GeneratedFile) error
	// TriggerDeployment is idempotent: re-invoking after a timeout must not
	// start a second live deployment when the provider already queued one.
	TriggerDeployment(ctx context.Context, userID, projectID string) (string, error)
	GetDeploymentStatus(ctx context.Context, userID, projectID, deploymentID string) (DeploymentStatus, error)
	// StreamBuildLogs produces a lazy, finite sequence of log lines. The
	// channel closes when the provider stream ends; restarting means
	// re-issuing the call.
	StreamBuildLogs(ctx context.Context, userID, projectID, deploymentID string) (<-chan LogLine, error)
}

// DatabaseProvisioner is implemented by adapters whose provider can create
// managed databases.
type DatabaseProvisioner interface {
	ProvisionDatabase(ctx context.Context, userID, projectID, name string) (ServiceInfo, error)
}

// NormalizeState maps a raw provider state through an adapter's mapping
// table. Unknown states resolve to queued, the most conservative in-progress
// state, never to ready.
func NormalizeState(table map[string]State, raw string) State {
	if state, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return state
	}
	return StateQueued
}

// APIError is a categorizable provider API failure. Adapters wrap non-2xx
// responses in APIError so the orchestrator can translate HTTP semantics into
// the deployment error taxonomy.
type APIError struct {
	Platform   domain.Platform
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api: status %d: %s", e.Platform, e.StatusCode, e.Message)
}

// ErrUnsupportedPlatform indicates no adapter is registered for a platform.
var ErrUnsupportedPlatform = errors.New("platform: unsupported")

// Registry resolves adapters by platform.
type Registry struct {
	services map[domain.Platform]Service
}

// NewRegistry indexes the given adapters.
func NewRegistry(services ...Service) *Registry {
	r := &Registry{services: make(map[domain.Platform]Service, len(services))}
	for _, svc := range services {
		r.services[svc.Platform()] = svc
	}
	return r
}

// Get returns the adapter for a platform.
func (r *Registry) Get(p domain.Platform) (Service, error) {
	svc, ok := r.services[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}
	return svc, nil
}

// All returns every registered adapter.
func (r *Registry) All() []Service {
	out := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}
