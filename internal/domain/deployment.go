package domain

import (
	"encoding/json"
	"regexp"
	"time"
)

// Deployment states form the orchestration state machine. Transitions are
// pending → creating → uploading → configuring → building → deploying and end
// in success or failed; terminal states never transition again.
const (
	StatePending     = "pending"
	StateCreating    = "creating"
	StateUploading   = "uploading"
	StateConfiguring = "configuring"
	StateBuilding    = "building"
	StateDeploying   = "deploying"
	StateSuccess     = "success"
	StateFailed      = "failed"
)

// IsTerminalState reports whether no further transitions can occur.
func IsTerminalState(state string) bool {
	return state == StateSuccess || state == StateFailed
}

var projectNamePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidProjectName reports whether the name is acceptable to every provider.
func ValidProjectName(name string) bool {
	return name != "" && projectNamePattern.MatchString(name)
}

// EnvironmentVariable is a single configuration entry applied before upload.
type EnvironmentVariable struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
	Required  bool   `json:"required"`
}

// GeneratedFile is produced by the scaffold subsystem and treated as opaque
// upload input.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// DeploymentConfig is the client-submitted deployment request.
type DeploymentConfig struct {
	ProjectName string                `json:"project_name"`
	Platform    Platform              `json:"platform"`
	ScaffoldRef string                `json:"scaffold_ref"`
	EnvVars     []EnvironmentVariable `json:"env_vars"`
	Services    []string              `json:"services"`
}

// ServiceEndpoint describes a provisioned named service.
type ServiceEndpoint struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Deployment is the unit under orchestration. It is owned exclusively by its
// orchestration worker for its lifetime; everyone else sees Snapshot copies.
type Deployment struct {
	ID            string
	UserID        string
	ProjectName   string
	Platform      Platform
	Status        string
	BuildLogs     []string
	Error         *DeploymentError
	DeploymentURL string
	Services      []ServiceEndpoint
	Config        json.RawMessage
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMs    int64
	UpdatedAt     time.Time
}

// Snapshot is a read-only copy of deployment state pushed to subscribers.
// ElapsedMs counts from project creation so a client can warn ahead of the
// orchestration timeout.
type Snapshot struct {
	ID            string            `json:"id"`
	ProjectName   string            `json:"project_name"`
	Platform      Platform          `json:"platform"`
	Status        string            `json:"status"`
	BuildLogs     []string          `json:"build_logs,omitempty"`
	Error         *DeploymentError  `json:"error,omitempty"`
	DeploymentURL string            `json:"deployment_url,omitempty"`
	Services      []ServiceEndpoint `json:"services,omitempty"`
	ElapsedMs     int64             `json:"elapsed_ms"`
	TimeoutMs     int64             `json:"timeout_ms"`
	Timestamp     time.Time         `json:"timestamp"`
}

// DeploymentStatusUpdate captures the mutable fields persisted on transition.
type DeploymentStatusUpdate struct {
	DeploymentID  string
	Status        string
	BuildLogs     []string
	Error         *DeploymentError
	DeploymentURL string
	Services      []ServiceEndpoint
	CompletedAt   *time.Time
	DurationMs    int64
}
