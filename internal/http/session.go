package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/launchkit-dev/launchkit/pkg/jwt"
)

type sessionContextKey string

const contextKeySession sessionContextKey = "launchkit-session"

const (
	sessionCookieName = "launchkit_session"
	sessionTTL        = 30 * 24 * time.Hour
)

type contextSetter interface {
	SetContext(context.Context)
}

// withSession resolves or mints the caller's user identity. Sessions are
// anonymous: a signed cookie carries an opaque user id, created on first
// contact. Connections and deployments are scoped to it.
func (r *Router) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		userID := r.sessionUserID(req)
		if userID == "" {
			userID = uuid.NewString()
			token, err := jwt.GenerateSessionToken(userID, r.sessionSecret, sessionTTL)
			if err != nil {
				r.logger.Error("mint session token failed", "error", err)
				writeError(w, http.StatusInternalServerError, "session unavailable")
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookieName,
				Value:    token,
				Path:     "/",
				MaxAge:   int(sessionTTL.Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := context.WithValue(req.Context(), contextKeySession, userID)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// sessionUserID extracts a valid session's user id, or empty.
func (r *Router) sessionUserID(req *http.Request) string {
	cookie, err := req.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	claims, err := jwt.Parse(cookie.Value, r.sessionSecret)
	if err != nil {
		return ""
	}
	return claims.UserID
}

// userIDFromContext extracts the session user id from context.
func userIDFromContext(ctx context.Context) (string, bool) {
	value := ctx.Value(contextKeySession)
	if value == nil {
		return "", false
	}
	id, ok := value.(string)
	return id, ok && id != ""
}
