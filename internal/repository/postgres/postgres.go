package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/launchkit-dev/launchkit/internal/domain"
	"github.com/launchkit-dev/launchkit/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ConnectionRepository = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

// CreateConnection inserts a platform connection.
func (r *Repository) CreateConnection(ctx context.Context, conn *domain.PlatformConnection) error {
	const query = `INSERT INTO platform_connections
		(id, user_id, platform, account_id, account_name, encrypted_access_token, encrypted_refresh_token, expires_at, scopes, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		conn.ID, conn.UserID, string(conn.Platform), conn.AccountID, conn.AccountName,
		conn.EncryptedAccessToken, conn.EncryptedRefreshToken, conn.ExpiresAt, conn.Scopes,
		conn.CreatedAt, conn.LastUsedAt)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetConnection fetches one user's connection for a platform.
func (r *Repository) GetConnection(ctx context.Context, userID string, platform domain.Platform) (*domain.PlatformConnection, error) {
	const query = `SELECT id, user_id, platform, account_id, account_name, encrypted_access_token, encrypted_refresh_token, expires_at, scopes, created_at, last_used_at
		FROM platform_connections WHERE user_id = $1 AND platform = $2`
	row := r.pool.QueryRow(ctx, query, userID, string(platform))
	return scanConnection(row)
}

// ListConnectionsByUser returns all of a user's connections.
func (r *Repository) ListConnectionsByUser(ctx context.Context, userID string) ([]domain.PlatformConnection, error) {
	const query = `SELECT id, user_id, platform, account_id, account_name, encrypted_access_token, encrypted_refresh_token, expires_at, scopes, created_at, last_used_at
		FROM platform_connections WHERE user_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var connections []domain.PlatformConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, *conn)
	}
	return connections, rows.Err()
}

// UpdateConnectionTokens replaces the encrypted token material in place.
func (r *Repository) UpdateConnectionTokens(ctx context.Context, conn *domain.PlatformConnection) error {
	const query = `UPDATE platform_connections
		SET encrypted_access_token = $2, encrypted_refresh_token = $3, expires_at = $4, last_used_at = $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, conn.ID, conn.EncryptedAccessToken, conn.EncryptedRefreshToken, conn.ExpiresAt, conn.LastUsedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// TouchConnection records the last successful credential use.
func (r *Repository) TouchConnection(ctx context.Context, id string, usedAt time.Time) error {
	const query = `UPDATE platform_connections SET last_used_at = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, usedAt)
	return err
}

// DeleteConnection removes a user's connection for a platform.
func (r *Repository) DeleteConnection(ctx context.Context, userID string, platform domain.Platform) error {
	const query = `DELETE FROM platform_connections WHERE user_id = $1 AND platform = $2`
	tag, err := r.pool.Exec(ctx, query, userID, string(platform))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	services, err := json.Marshal(deployment.Services)
	if err != nil {
		return err
	}
	var deployErr []byte
	if deployment.Error != nil {
		if deployErr, err = json.Marshal(deployment.Error); err != nil {
			return err
		}
	}
	const query = `INSERT INTO deployments
		(id, user_id, project_name, platform, status, build_logs, error, deployment_url, services, config, started_at, completed_at, duration_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = r.pool.Exec(ctx, query,
		deployment.ID, deployment.UserID, deployment.ProjectName, string(deployment.Platform),
		deployment.Status, deployment.BuildLogs, deployErr, deployment.DeploymentURL,
		services, []byte(deployment.Config), deployment.StartedAt, deployment.CompletedAt,
		deployment.DurationMs, deployment.UpdatedAt)
	return err
}

// UpdateDeploymentStatus persists a state transition.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	services, err := json.Marshal(update.Services)
	if err != nil {
		return err
	}
	var deployErr []byte
	if update.Error != nil {
		if deployErr, err = json.Marshal(update.Error); err != nil {
			return err
		}
	}
	const query = `UPDATE deployments
		SET status = $2, build_logs = $3, error = $4, deployment_url = $5, services = $6,
			completed_at = $7, duration_ms = $8, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.DeploymentID, update.Status, update.BuildLogs,
		deployErr, update.DeploymentURL, services, update.CompletedAt, update.DurationMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, user_id, project_name, platform, status, build_logs, error, deployment_url, services, config, started_at, completed_at, duration_ms, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	return scanDeployment(row)
}

// ListDeploymentsByUser returns recent deployments for a user.
func (r *Repository) ListDeploymentsByUser(ctx context.Context, userID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, user_id, project_name, platform, status, build_logs, error, deployment_url, services, config, started_at, completed_at, duration_ms, updated_at
		FROM deployments WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *dep)
	}
	return deployments, rows.Err()
}

// ListDeploymentsWithStatusUpdatedBefore finds deployments stuck in a status.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status string, updatedBefore time.Time) ([]domain.Deployment, error) {
	const query = `SELECT id, user_id, project_name, platform, status, build_logs, error, deployment_url, services, config, started_at, completed_at, duration_ms, updated_at
		FROM deployments WHERE status = $1 AND updated_at < $2`
	rows, err := r.pool.Query(ctx, query, status, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *dep)
	}
	return deployments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*domain.PlatformConnection, error) {
	var (
		conn     domain.PlatformConnection
		platform string
	)
	err := row.Scan(&conn.ID, &conn.UserID, &platform, &conn.AccountID, &conn.AccountName,
		&conn.EncryptedAccessToken, &conn.EncryptedRefreshToken, &conn.ExpiresAt, &conn.Scopes,
		&conn.CreatedAt, &conn.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	conn.Platform = domain.Platform(platform)
	return &conn, nil
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		dep       domain.Deployment
		platform  string
		errBytes  []byte
		svcBytes  []byte
		cfgBytes  []byte
	)
	err := row.Scan(&dep.ID, &dep.UserID, &dep.ProjectName, &platform, &dep.Status,
		&dep.BuildLogs, &errBytes, &dep.DeploymentURL, &svcBytes, &cfgBytes,
		&dep.StartedAt, &dep.CompletedAt, &dep.DurationMs, &dep.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	dep.Platform = domain.Platform(platform)
	if len(errBytes) > 0 {
		var depErr domain.DeploymentError
		if err := json.Unmarshal(errBytes, &depErr); err != nil {
			return nil, err
		}
		dep.Error = &depErr
	}
	if len(svcBytes) > 0 {
		if err := json.Unmarshal(svcBytes, &dep.Services); err != nil {
			return nil, err
		}
	}
	dep.Config = json.RawMessage(cfgBytes)
	return &dep, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
