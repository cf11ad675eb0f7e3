package orchestrator

import (
	"errors"
	"net/http"

	"github.com/launchkit-dev/launchkit/internal/connections"
	"github.com/launchkit-dev/launchkit/internal/domain"
	"github.com/launchkit-dev/launchkit/internal/platform"
	"github.com/launchkit-dev/launchkit/internal/vault"
)

// mapError translates an internal failure into the deployment error taxonomy.
// Nothing crosses the orchestration boundary uncategorized.
func mapError(step string, err error) *domain.DeploymentError {
	switch {
	case errors.Is(err, connections.ErrNotConnected):
		return &domain.DeploymentError{
			Code:        domain.ErrCodeAuthFailed,
			Message:     "no platform connection for this account",
			Step:        step,
			Recoverable: false,
			Suggestions: []string{"connect the platform before deploying"},
		}
	case errors.Is(err, connections.ErrTokenExpired):
		return &domain.DeploymentError{
			Code:        domain.ErrCodeAuthFailed,
			Message:     "platform credentials expired and could not be refreshed",
			Step:        step,
			Recoverable: false,
			Suggestions: []string{"reconnect the platform"},
		}
	case errors.Is(err, vault.ErrAuthenticationFailed), errors.Is(err, vault.ErrInvalidFormat):
		// Undecryptable credentials are never retried.
		return &domain.DeploymentError{
			Code:        domain.ErrCodeAuthFailed,
			Message:     "stored credentials could not be decrypted",
			Step:        step,
			Recoverable: false,
			Suggestions: []string{"disconnect and reconnect the platform"},
		}
	}

	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		return mapAPIError(step, apiErr)
	}

	return &domain.DeploymentError{
		Code:        domain.ErrCodeConnectionError,
		Message:     err.Error(),
		Step:        step,
		Recoverable: true,
		Suggestions: []string{"check connectivity and retry"},
	}
}

func mapAPIError(step string, apiErr *platform.APIError) *domain.DeploymentError {
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized:
		return &domain.DeploymentError{
			Code:        domain.ErrCodeAuthFailed,
			Message:     apiErr.Message,
			Step:        step,
			Recoverable: false,
			Suggestions: []string{"reconnect the platform"},
		}
	case apiErr.StatusCode == http.StatusForbidden:
		return &domain.DeploymentError{
			Code:        domain.ErrCodeInsufficientPermissions,
			Message:     apiErr.Message,
			Step:        step,
			Recoverable: false,
			Suggestions: []string{"grant the required scopes and reconnect"},
		}
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return &domain.DeploymentError{
			Code:        domain.ErrCodeRateLimitExceeded,
			Message:     apiErr.Message,
			Step:        step,
			Recoverable: true,
			Suggestions: []string{"wait for the provider rate limit to reset and retry"},
		}
	case apiErr.StatusCode >= http.StatusInternalServerError:
		return &domain.DeploymentError{
			Code:        domain.ErrCodePlatformUnavailable,
			Message:     apiErr.Message,
			Step:        step,
			Recoverable: true,
			Suggestions: []string{"the provider is having trouble; retry shortly"},
		}
	case step == "upload":
		return &domain.DeploymentError{
			Code:        domain.ErrCodeUploadFailed,
			Message:     apiErr.Message,
			Step:        step,
			Recoverable: true,
			Suggestions: []string{"retry the deployment"},
		}
	default:
		return &domain.DeploymentError{
			Code:        domain.ErrCodeBuildFailed,
			Message:     apiErr.Message,
			Step:        step,
			Recoverable: true,
		}
	}
}
