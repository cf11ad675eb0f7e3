package jwt

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims defines JWT payload.
type Claims struct {
	UserID   string `json:"user_id"`
	Platform string `json:"platform,omitempty"`
	State    string `json:"state,omitempty"`
	jwtlib.RegisteredClaims
}

// GenerateSessionToken issues a signed session JWT for a user.
func GenerateSessionToken(userID, secret string, ttl time.Duration) (string, error) {
	return generate(Claims{UserID: userID}, secret, ttl)
}

// GenerateStateToken issues a short-lived JWT binding an OAuth state value to
// the user and platform that started the flow.
func GenerateStateToken(userID, platform, state, secret string, ttl time.Duration) (string, error) {
	return generate(Claims{UserID: userID, Platform: platform, State: state}, secret, ttl)
}

func generate(claims Claims, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwtlib.RegisteredClaims{
		Issuer:    "launchkit",
		IssuedAt:  jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
