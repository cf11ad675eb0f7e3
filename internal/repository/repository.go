package repository

import (
	"context"
	"time"

	"github.com/launchkit-dev/launchkit/internal/domain"
)

// ConnectionRepository persists encrypted platform connections.
type ConnectionRepository interface {
	CreateConnection(ctx context.Context, conn *domain.PlatformConnection) error
	GetConnection(ctx context.Context, userID string, platform domain.Platform) (*domain.PlatformConnection, error)
	ListConnectionsByUser(ctx context.Context, userID string) ([]domain.PlatformConnection, error)
	UpdateConnectionTokens(ctx context.Context, conn *domain.PlatformConnection) error
	TouchConnection(ctx context.Context, id string, usedAt time.Time) error
	DeleteConnection(ctx context.Context, userID string, platform domain.Platform) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByUser(ctx context.Context, userID string, limit int) ([]domain.Deployment, error)
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status string, updatedBefore time.Time) ([]domain.Deployment, error)
}
