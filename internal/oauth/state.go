// Package oauth manages the CSRF state handed through provider authorization
// flows.
package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/launchkit-dev/launchkit/pkg/jwt"
)

// StateTTL bounds how long a started authorization flow stays redeemable.
const StateTTL = 10 * time.Minute

// ErrStateMismatch indicates the callback state does not match the one issued
// when the flow started.
var ErrStateMismatch = errors.New("oauth: state mismatch")

// StateManager issues and verifies OAuth state values. The state itself is
// random; a signed token carried on the client binds it to the user and
// platform so the server stays stateless between redirect and callback.
type StateManager struct {
	secret string
}

// NewStateManager builds a manager signing with the given secret.
func NewStateManager(secret string) *StateManager {
	return &StateManager{secret: secret}
}

// Issue generates a fresh state value and a signed token wrapping it.
func (m *StateManager) Issue(userID, platform string) (state, token string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("oauth: generate state: %w", err)
	}
	state = hex.EncodeToString(buf)
	token, err = jwt.GenerateStateToken(userID, platform, state, m.secret, StateTTL)
	if err != nil {
		return "", "", fmt.Errorf("oauth: sign state: %w", err)
	}
	return state, token, nil
}

// Verify checks the callback state against the signed token in constant time
// and returns the user and platform the flow was started for.
func (m *StateManager) Verify(token, callbackState string) (userID, platform string, err error) {
	claims, err := jwt.Parse(token, m.secret)
	if err != nil {
		return "", "", fmt.Errorf("oauth: parse state token: %w", err)
	}
	if callbackState == "" || claims.State == "" {
		return "", "", ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(claims.State), []byte(callbackState)) != 1 {
		return "", "", ErrStateMismatch
	}
	return claims.UserID, claims.Platform, nil
}
