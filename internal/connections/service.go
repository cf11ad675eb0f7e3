// Package connections manages the lifecycle of platform OAuth connections:
// the authorization flow, encrypted credential storage, and token refresh.
package connections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/launchkit-dev/launchkit/internal/domain"
	"github.com/launchkit-dev/launchkit/internal/oauth"
	"github.com/launchkit-dev/launchkit/internal/platform"
	"github.com/launchkit-dev/launchkit/internal/repository"
	"github.com/launchkit-dev/launchkit/internal/vault"
)

// refreshSkew renews tokens slightly before their stated expiry so a token
// handed to an adapter does not expire mid-request.
const refreshSkew = 2 * time.Minute

var (
	// ErrNotConnected indicates the user has no stored connection for the
	// platform.
	ErrNotConnected = errors.New("connections: platform not connected")
	// ErrTokenExpired indicates the stored credentials expired and cannot be
	// refreshed. The user must reconnect.
	ErrTokenExpired = errors.New("connections: token expired, reconnect required")
)

// View is the sanitized representation of a connection. Ciphertext never
// leaves the service.
type View struct {
	Platform    domain.Platform `json:"platform"`
	AccountID   string          `json:"account_id,omitempty"`
	AccountName string          `json:"account_name,omitempty"`
	Scopes      []string        `json:"scopes,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	Expired     bool            `json:"expired"`
	ConnectedAt time.Time       `json:"connected_at"`
	LastUsedAt  time.Time       `json:"last_used_at"`
}

// Service owns connection state. It is the only component that sees plaintext
// tokens, and only inside a decrypt-use-discard scope.
type Service struct {
	repo     repository.ConnectionRepository
	vault    *vault.Vault
	registry *platform.Registry
	states   *oauth.StateManager
	logger   *slog.Logger

	// refreshing coalesces concurrent refreshes for the same connection so
	// only one provider round trip happens per expiry.
	refreshing singleflight.Group

	now func() time.Time
}

var _ platform.CredentialSource = (*Service)(nil)

// New constructs the service.
func New(repo repository.ConnectionRepository, v *vault.Vault, registry *platform.Registry, states *oauth.StateManager, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		vault:    v,
		registry: registry,
		states:   states,
		logger:   logger,
		now:      time.Now,
	}
}

// SetRegistry injects the adapter registry after construction. Adapters hold
// the service as their credential source, so the two are wired in two steps
// at startup, before any request is served.
func (s *Service) SetRegistry(registry *platform.Registry) {
	s.registry = registry
}

// InitiateOAuth starts an authorization flow and returns the provider
// redirect URL plus the signed state token the client must carry to the
// callback.
func (s *Service) InitiateOAuth(userID string, p domain.Platform) (redirectURL, stateToken string, err error) {
	svc, err := s.registry.Get(p)
	if err != nil {
		return "", "", err
	}
	state, token, err := s.states.Issue(userID, string(p))
	if err != nil {
		return "", "", err
	}
	return svc.InitiateOAuth(state), token, nil
}

// HandleCallback completes an authorization flow. The callback state is
// verified against the signed token before the code is exchanged; on a
// mismatch nothing is exchanged or persisted. Plaintext tokens from the
// exchange are encrypted before the connection is written.
func (s *Service) HandleCallback(ctx context.Context, stateToken, callbackState, code string) (*View, error) {
	userID, platformName, err := s.states.Verify(stateToken, callbackState)
	if err != nil {
		return nil, err
	}
	p := domain.Platform(platformName)
	svc, err := s.registry.Get(p)
	if err != nil {
		return nil, err
	}

	grant, err := svc.HandleCallback(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	conn, err := s.sealGrant(userID, p, grant)
	if err != nil {
		return nil, err
	}
	if err := s.upsert(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info("platform connected",
		"user_id", userID,
		"platform", p,
		"account", conn.AccountName,
	)
	view := s.view(conn)
	return &view, nil
}

// List returns the user's connections without credential material.
func (s *Service) List(ctx context.Context, userID string) ([]View, error) {
	conns, err := s.repo.ListConnectionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(conns))
	for i := range conns {
		views = append(views, s.view(&conns[i]))
	}
	return views, nil
}

// Disconnect revokes provider-side tokens on a best-effort basis and always
// removes the stored connection.
func (s *Service) Disconnect(ctx context.Context, userID string, p domain.Platform) error {
	if svc, err := s.registry.Get(p); err == nil {
		if err := svc.RevokeTokens(ctx, userID); err != nil {
			s.logger.Warn("provider token revocation failed",
				"user_id", userID,
				"platform", p,
				"error", err,
			)
		}
	}
	err := s.repo.DeleteConnection(ctx, userID, p)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotConnected
	}
	return err
}

// AccessToken returns a plaintext access token for the adapter call that
// needs it, refreshing the connection first when it is expired or about to
// expire. Callers must not retain the token.
func (s *Service) AccessToken(ctx context.Context, userID string, p domain.Platform) (string, error) {
	conn, err := s.repo.GetConnection(ctx, userID, p)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrNotConnected
	}
	if err != nil {
		return "", err
	}

	if s.needsRefresh(conn) {
		conn, err = s.refresh(ctx, userID, p)
		if err != nil {
			return "", err
		}
	}

	token, err := s.vault.Decrypt(conn.EncryptedAccessToken)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	if err := s.repo.TouchConnection(ctx, conn.ID, s.now()); err != nil {
		s.logger.Warn("touch connection failed", "connection_id", conn.ID, "error", err)
	}
	return token, nil
}

func (s *Service) needsRefresh(conn *domain.PlatformConnection) bool {
	if conn.ExpiresAt == nil {
		return false
	}
	return s.now().After(conn.ExpiresAt.Add(-refreshSkew))
}

// refresh renews the connection's tokens with the provider. Concurrent calls
// for the same connection share one round trip; each caller re-reads the
// refreshed row.
func (s *Service) refresh(ctx context.Context, userID string, p domain.Platform) (*domain.PlatformConnection, error) {
	key := userID + ":" + string(p)
	result, err, _ := s.refreshing.Do(key, func() (any, error) {
		conn, err := s.repo.GetConnection(ctx, userID, p)
		if err != nil {
			return nil, err
		}
		// Another flight may already have refreshed it.
		if !s.needsRefresh(conn) {
			return conn, nil
		}
		if conn.EncryptedRefreshToken == "" {
			return nil, ErrTokenExpired
		}
		svc, err := s.registry.Get(p)
		if err != nil {
			return nil, err
		}
		refreshToken, err := s.vault.Decrypt(conn.EncryptedRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
		grant, err := svc.RefreshToken(ctx, refreshToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTokenExpired, err)
		}
		updated, err := s.sealGrant(userID, p, grant)
		if err != nil {
			return nil, err
		}
		updated.ID = conn.ID
		// Providers may omit a new refresh token; keep the old one.
		if grant.RefreshToken == "" {
			updated.EncryptedRefreshToken = conn.EncryptedRefreshToken
		}
		if err := s.repo.UpdateConnectionTokens(ctx, updated); err != nil {
			return nil, err
		}
		s.logger.Info("connection tokens refreshed", "user_id", userID, "platform", p)
		return updated, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.PlatformConnection), nil
}

// sealGrant encrypts a token grant into a connection row. The grant's
// plaintext is not retained past this call.
func (s *Service) sealGrant(userID string, p domain.Platform, grant platform.TokenGrant) (*domain.PlatformConnection, error) {
	encAccess, err := s.vault.Encrypt(grant.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	conn := &domain.PlatformConnection{
		ID:                   uuid.NewString(),
		UserID:               userID,
		Platform:             p,
		AccountID:            grant.AccountID,
		AccountName:          grant.AccountName,
		EncryptedAccessToken: encAccess,
		ExpiresAt:            grant.ExpiresAt,
		Scopes:               grant.Scopes,
		CreatedAt:            s.now(),
		LastUsedAt:           s.now(),
	}
	if grant.RefreshToken != "" {
		encRefresh, err := s.vault.Encrypt(grant.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
		conn.EncryptedRefreshToken = encRefresh
	}
	return conn, nil
}

// upsert inserts the connection, replacing tokens in place when the user
// already connected this platform.
func (s *Service) upsert(ctx context.Context, conn *domain.PlatformConnection) error {
	err := s.repo.CreateConnection(ctx, conn)
	if !errors.Is(err, repository.ErrConflict) {
		return err
	}
	existing, err := s.repo.GetConnection(ctx, conn.UserID, conn.Platform)
	if err != nil {
		return err
	}
	conn.ID = existing.ID
	return s.repo.UpdateConnectionTokens(ctx, conn)
}

func (s *Service) view(conn *domain.PlatformConnection) View {
	return View{
		Platform:    conn.Platform,
		AccountID:   conn.AccountID,
		AccountName: conn.AccountName,
		Scopes:      conn.Scopes,
		ExpiresAt:   conn.ExpiresAt,
		Expired:     conn.IsExpired(s.now()),
		ConnectedAt: conn.CreatedAt,
		LastUsedAt:  conn.LastUsedAt,
	}
}
