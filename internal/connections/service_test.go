package connections

import (
	"context"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchkit-dev/launchkit/internal/domain"
	"github.com/launchkit-dev/launchkit/internal/oauth"
	"github.com/launchkit-dev/launchkit/internal/platform"
	"github.com/launchkit-dev/launchkit/internal/repository"
	"github.com/launchkit-dev/launchkit/internal/vault"
)

type fakeConnRepo struct {
	mu      sync.Mutex
	conns   map[string]*domain.PlatformConnection
	touched int
}

func newFakeConnRepo() *fakeConnRepo {
	return &fakeConnRepo{conns: make(map[string]*domain.PlatformConnection)}
}

func (r *fakeConnRepo) key(userID string, p domain.Platform) string {
	return userID + "/" + string(p)
}

func (r *fakeConnRepo) CreateConnection(_ context.Context, conn *domain.PlatformConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(conn.UserID, conn.Platform)
	if _, ok := r.conns[k]; ok {
		return repository.ErrConflict
	}
	clone := *conn
	r.conns[k] = &clone
	return nil
}

func (r *fakeConnRepo) GetConnection(_ context.Context, userID string, p domain.Platform) (*domain.PlatformConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[r.key(userID, p)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *conn
	return &clone, nil
}

func (r *fakeConnRepo) ListConnectionsByUser(_ context.Context, userID string) ([]domain.PlatformConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PlatformConnection
	for _, conn := range r.conns {
		if conn.UserID == userID {
			out = append(out, *conn)
		}
	}
	return out, nil
}

func (r *fakeConnRepo) UpdateConnectionTokens(_ context.Context, conn *domain.PlatformConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(conn.UserID, conn.Platform)
	if _, ok := r.conns[k]; !ok {
		return repository.ErrNotFound
	}
	clone := *conn
	r.conns[k] = &clone
	return nil
}

func (r *fakeConnRepo) TouchConnection(_ context.Context, id string, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched++
	for _, conn := range r.conns {
		if conn.ID == id {
			conn.LastUsedAt = usedAt
		}
	}
	return nil
}

func (r *fakeConnRepo) DeleteConnection(_ context.Context, userID string, p domain.Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(userID, p)
	if _, ok := r.conns[k]; !ok {
		return repository.ErrNotFound
	}
	delete(r.conns, k)
	return nil
}

type fakeProvider struct {
	platform.Service
	p            domain.Platform
	grant        platform.TokenGrant
	refreshGrant platform.TokenGrant
	refreshErr   error
	refreshDelay time.Duration
	revokeErr    error

	mu        sync.Mutex
	callbacks int
	refreshes int
	revokes   int
}

func (f *fakeProvider) Platform() domain.Platform { return f.p }

func (f *fakeProvider) InitiateOAuth(state string) string {
	return "https://provider.example/authorize?state=" + state
}

func (f *fakeProvider) HandleCallback(context.Context, string) (platform.TokenGrant, error) {
	f.mu.Lock()
	f.callbacks++
	f.mu.Unlock()
	return f.grant, nil
}

func (f *fakeProvider) RefreshToken(context.Context, string) (platform.TokenGrant, error) {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return platform.TokenGrant{}, f.refreshErr
	}
	return f.refreshGrant, nil
}

func (f *fakeProvider) RevokeTokens(context.Context, string) error {
	f.mu.Lock()
	f.revokes++
	f.mu.Unlock()
	return f.revokeErr
}

func (f *fakeProvider) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func newTestService(t *testing.T, provider *fakeProvider) (*Service, *fakeConnRepo, *vault.Vault) {
	t.Helper()
	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	v, err := vault.New(key)
	require.NoError(t, err)
	repo := newFakeConnRepo()
	svc := New(repo, v, platform.NewRegistry(provider), oauth.NewStateManager("secret"), slog.New(slog.DiscardHandler))
	return svc, repo, v
}

func TestHandleCallbackPersistsEncryptedTokens(t *testing.T) {
	provider := &fakeProvider{
		p:     domain.PlatformVercel,
		grant: platform.TokenGrant{AccessToken: "plain-access", AccountID: "acct-1", AccountName: "Dev"},
	}
	svc, repo, v := newTestService(t, provider)

	// Complete the flow with the state embedded in the redirect URL.
	redirect, token, err := svc.InitiateOAuth("user-1", domain.PlatformVercel)
	require.NoError(t, err)
	callbackState := redirect[len("https://provider.example/authorize?state="):]

	view, err := svc.HandleCallback(context.Background(), token, callbackState, "code-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlatformVercel, view.Platform)
	assert.Equal(t, "Dev", view.AccountName)

	stored, err := repo.GetConnection(context.Background(), "user-1", domain.PlatformVercel)
	require.NoError(t, err)
	assert.NotEqual(t, "plain-access", stored.EncryptedAccessToken)
	plaintext, err := v.Decrypt(stored.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "plain-access", plaintext)
}

func TestHandleCallbackRejectsMismatchedState(t *testing.T) {
	provider := &fakeProvider{p: domain.PlatformVercel, grant: platform.TokenGrant{AccessToken: "x"}}
	svc, repo, _ := newTestService(t, provider)

	_, token, err := svc.InitiateOAuth("user-1", domain.PlatformVercel)
	require.NoError(t, err)

	_, err = svc.HandleCallback(context.Background(), token, "forged-state", "code-1")
	assert.ErrorIs(t, err, oauth.ErrStateMismatch)
	assert.Zero(t, provider.callbacks, "code must not be exchanged on a state mismatch")
	assert.Empty(t, repo.conns, "nothing may be persisted on a state mismatch")
}

func TestReconnectReplacesTokens(t *testing.T) {
	provider := &fakeProvider{
		p:     domain.PlatformNetlify,
		grant: platform.TokenGrant{AccessToken: "first"},
	}
	svc, repo, v := newTestService(t, provider)

	connectViaCallback(t, svc, "user-1", domain.PlatformNetlify)
	provider.grant = platform.TokenGrant{AccessToken: "second"}
	connectViaCallback(t, svc, "user-1", domain.PlatformNetlify)

	require.Len(t, repo.conns, 1)
	stored, err := repo.GetConnection(context.Background(), "user-1", domain.PlatformNetlify)
	require.NoError(t, err)
	plaintext, err := v.Decrypt(stored.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "second", plaintext)
}

func TestAccessTokenDecryptsAndTouches(t *testing.T) {
	provider := &fakeProvider{
		p:     domain.PlatformVercel,
		grant: platform.TokenGrant{AccessToken: "plain-access"},
	}
	svc, repo, _ := newTestService(t, provider)
	connectViaCallback(t, svc, "user-1", domain.PlatformVercel)

	token, err := svc.AccessToken(context.Background(), "user-1", domain.PlatformVercel)
	require.NoError(t, err)
	assert.Equal(t, "plain-access", token)
	assert.Equal(t, 1, repo.touched)
}

func TestAccessTokenWithoutConnection(t *testing.T) {
	provider := &fakeProvider{p: domain.PlatformVercel}
	svc, _, _ := newTestService(t, provider)

	_, err := svc.AccessToken(context.Background(), "user-1", domain.PlatformVercel)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAccessTokenRefreshesExpiredConnection(t *testing.T) {
	soon := time.Now().Add(30 * time.Second)
	later := time.Now().Add(2 * time.Hour)
	provider := &fakeProvider{
		p:            domain.PlatformRailway,
		grant:        platform.TokenGrant{AccessToken: "old-access", RefreshToken: "refresh-1", ExpiresAt: &soon},
		refreshGrant: platform.TokenGrant{AccessToken: "new-access", RefreshToken: "refresh-2", ExpiresAt: &later},
	}
	svc, repo, v := newTestService(t, provider)
	connectViaCallback(t, svc, "user-1", domain.PlatformRailway)

	token, err := svc.AccessToken(context.Background(), "user-1", domain.PlatformRailway)
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, 1, provider.refreshes)

	stored, err := repo.GetConnection(context.Background(), "user-1", domain.PlatformRailway)
	require.NoError(t, err)
	refresh, err := v.Decrypt(stored.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", refresh)

	// A follow-up call sees the fresh expiry and skips the provider.
	_, err = svc.AccessToken(context.Background(), "user-1", domain.PlatformRailway)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.refreshes)
}

func TestConcurrentAccessTokenRefreshCoalesces(t *testing.T) {
	soon := time.Now().Add(30 * time.Second)
	later := time.Now().Add(2 * time.Hour)
	provider := &fakeProvider{
		p:            domain.PlatformRailway,
		grant:        platform.TokenGrant{AccessToken: "old-access", RefreshToken: "refresh-1", ExpiresAt: &soon},
		refreshGrant: platform.TokenGrant{AccessToken: "new-access", RefreshToken: "refresh-2", ExpiresAt: &later},
		refreshDelay: 20 * time.Millisecond,
	}
	svc, _, _ := newTestService(t, provider)
	connectViaCallback(t, svc, "user-1", domain.PlatformRailway)

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = svc.AccessToken(context.Background(), "user-1", domain.PlatformRailway)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access", tokens[i])
	}
	assert.Equal(t, 1, provider.refreshCount(), "concurrent refreshes must share one provider exchange")
}

func TestAccessTokenExpiredWithoutRefreshToken(t *testing.T) {
	soon := time.Now().Add(-time.Minute)
	provider := &fakeProvider{
		p:     domain.PlatformVercel,
		grant: platform.TokenGrant{AccessToken: "old", ExpiresAt: &soon},
	}
	svc, _, _ := newTestService(t, provider)
	connectViaCallback(t, svc, "user-1", domain.PlatformVercel)

	_, err := svc.AccessToken(context.Background(), "user-1", domain.PlatformVercel)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestDisconnectRemovesEvenWhenRevocationFails(t *testing.T) {
	provider := &fakeProvider{
		p:         domain.PlatformVercel,
		grant:     platform.TokenGrant{AccessToken: "x"},
		revokeErr: assert.AnError,
	}
	svc, repo, _ := newTestService(t, provider)
	connectViaCallback(t, svc, "user-1", domain.PlatformVercel)

	require.NoError(t, svc.Disconnect(context.Background(), "user-1", domain.PlatformVercel))
	assert.Equal(t, 1, provider.revokes)
	assert.Empty(t, repo.conns)

	err := svc.Disconnect(context.Background(), "user-1", domain.PlatformVercel)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func connectViaCallback(t *testing.T, svc *Service, userID string, p domain.Platform) {
	t.Helper()
	redirect, token, err := svc.InitiateOAuth(userID, p)
	require.NoError(t, err)
	state := redirect[len("https://provider.example/authorize?state="):]
	_, err = svc.HandleCallback(context.Background(), token, state, "code")
	require.NoError(t, err)
}
