package domain

import "fmt"

// ErrorCode is the single vocabulary for categorized deployment failures.
// Every internal error is translated into one of these before it crosses the
// orchestration boundary.
type ErrorCode string

const (
	ErrCodeAuthFailed              ErrorCode = "AUTH_FAILED"
	ErrCodeProjectNameTaken        ErrorCode = "PROJECT_NAME_TAKEN"
	ErrCodeBuildFailed             ErrorCode = "BUILD_FAILED"
	ErrCodePlatformUnavailable     ErrorCode = "PLATFORM_UNAVAILABLE"
	ErrCodeTimeout                 ErrorCode = "TIMEOUT"
	ErrCodeUploadFailed            ErrorCode = "UPLOAD_FAILED"
	ErrCodeRateLimitExceeded       ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
	ErrCodeConnectionError         ErrorCode = "CONNECTION_ERROR"
)

// DeploymentError carries the categorized failure attached to a failed
// deployment. Step records which orchestration phase failed.
type DeploymentError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Step        string    `json:"step"`
	Recoverable bool      `json:"recoverable"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Step, e.Message)
}
