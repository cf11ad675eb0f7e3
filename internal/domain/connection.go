package domain

import "time"

// Platform identifies a supported hosting provider.
type Platform string

const (
	PlatformVercel  Platform = "vercel"
	PlatformNetlify Platform = "netlify"
	PlatformRailway Platform = "railway"
)

// Valid reports whether the platform is one of the supported providers.
func (p Platform) Valid() bool {
	switch p {
	case PlatformVercel, PlatformNetlify, PlatformRailway:
		return true
	}
	return false
}

// PlatformConnection stores one user's OAuth credentials for one provider.
// Token fields hold TokenVault ciphertext; plaintext tokens never leave the
// decrypt-use-discard scope inside the connections service.
type PlatformConnection struct {
	ID                    string
	UserID                string
	Platform              Platform
	AccountID             string
	AccountName           string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             *time.Time
	Scopes                []string
	CreatedAt             time.Time
	LastUsedAt            time.Time
}

// IsExpired reports whether the access token is past its expiry. A nil
// ExpiresAt means the provider issued a non-expiring token.
func (c *PlatformConnection) IsExpired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return now.After(*c.ExpiresAt)
}
