// Package orchestrator drives deployments through their state machine, one
// worker per deployment.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/launchkit-dev/launchkit/internal/domain"
	"github.com/launchkit-dev/launchkit/internal/platform"
	"github.com/launchkit-dev/launchkit/internal/ratelimit"
	"github.com/launchkit-dev/launchkit/internal/repository"
)

// DefaultTimeout is the wall-clock ceiling for a deployment, measured from
// project creation.
const DefaultTimeout = 5 * time.Minute

const defaultPollInterval = 2 * time.Second

var (
	// ErrInvalidProjectName rejects names outside the provider-safe charset.
	ErrInvalidProjectName = errors.New("orchestrator: invalid project name")
	// ErrNotRetryable indicates the deployment is not in a retryable state.
	ErrNotRetryable = errors.New("orchestrator: deployment not retryable")
	// ErrNotFound indicates no such deployment for the user.
	ErrNotFound = errors.New("orchestrator: deployment not found")
)

// RateLimitedError is the structured pre-condition rejection for a user over
// their deployment budget. It is not a DeploymentError: no Deployment record
// exists when it is returned.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("orchestrator: rate limit exceeded, resets at %s", e.Decision.ResetAt.Format(time.RFC3339))
}

// FileSource resolves a deployment config's scaffold reference into the file
// set to upload. The scaffold subsystem behind it is opaque to orchestration.
type FileSource interface {
	GeneratedFiles(ctx context.Context, cfg domain.DeploymentConfig) ([]domain.GeneratedFile, error)
}

// Notifier receives a snapshot after every visible state change.
type Notifier interface {
	Publish(deploymentID string, snap domain.Snapshot)
}

var deploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "launchkit",
	Name:      "deployments_total",
	Help:      "Deployments reaching a terminal state, by platform and outcome.",
}, []string{"platform", "status"})

// Orchestrator owns deployment workers. Each deployment id has at most one
// worker for its lifetime; all other components observe snapshots.
type Orchestrator struct {
	repo     repository.DeploymentRepository
	registry *platform.Registry
	limiter  *ratelimit.Limiter
	files    FileSource
	notifier Notifier
	logger   *slog.Logger

	timeout      time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	workers map[string]context.CancelFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs the orchestrator. A zero timeout selects DefaultTimeout.
func New(repo repository.DeploymentRepository, registry *platform.Registry, limiter *ratelimit.Limiter, files FileSource, notifier Notifier, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:         repo,
		registry:     registry,
		limiter:      limiter,
		files:        files,
		notifier:     notifier,
		logger:       logger,
		timeout:      timeout,
		pollInterval: defaultPollInterval,
		workers:      make(map[string]context.CancelFunc),
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// Submit validates the request, charges the rate limiter, records the
// deployment and starts its worker. A denied rate check returns
// *RateLimitedError before any record is created.
func (o *Orchestrator) Submit(ctx context.Context, userID string, cfg domain.DeploymentConfig) (*domain.Deployment, error) {
	if !domain.ValidProjectName(cfg.ProjectName) {
		return nil, ErrInvalidProjectName
	}
	if _, err := o.registry.Get(cfg.Platform); err != nil {
		return nil, err
	}

	decision := o.limiter.CheckLimit(ctx, userID)
	if !decision.Allowed {
		return nil, &RateLimitedError{Decision: decision}
	}

	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode deployment config: %w", err)
	}
	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:          uuid.NewString(),
		UserID:      userID,
		ProjectName: cfg.ProjectName,
		Platform:    cfg.Platform,
		Status:      domain.StatePending,
		Config:      rawCfg,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.repo.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}

	view := detach(deployment)
	o.start(deployment, cfg, false)
	o.logger.Info("deployment submitted",
		"deployment_id", view.ID,
		"user_id", userID,
		"platform", cfg.Platform,
		"project", cfg.ProjectName,
	)
	return view, nil
}

// Retry re-enters the orchestration sequence from project creation with the
// originally submitted config. Only failed deployments whose error is marked
// recoverable can be retried, and a retry is a new attempt against the
// rate limit.
func (o *Orchestrator) Retry(ctx context.Context, userID, deploymentID string) (*domain.Deployment, error) {
	deployment, err := o.Get(ctx, userID, deploymentID)
	if err != nil {
		return nil, err
	}
	if deployment.Status != domain.StateFailed || deployment.Error == nil || !deployment.Error.Recoverable {
		return nil, ErrNotRetryable
	}
	var cfg domain.DeploymentConfig
	if err := json.Unmarshal(deployment.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode stored config: %w", err)
	}

	decision := o.limiter.CheckLimit(ctx, userID)
	if !decision.Allowed {
		return nil, &RateLimitedError{Decision: decision}
	}

	deployment.Status = domain.StatePending
	deployment.Error = nil
	deployment.BuildLogs = nil
	deployment.DeploymentURL = ""
	deployment.CompletedAt = nil
	deployment.DurationMs = 0
	if err := o.repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.StatePending,
	}); err != nil {
		return nil, err
	}

	view := detach(deployment)
	o.start(deployment, cfg, true)
	o.logger.Info("deployment retry started", "deployment_id", view.ID, "user_id", userID)
	return view, nil
}

// Get loads a deployment, scoped to its owner.
func (o *Orchestrator) Get(ctx context.Context, userID, deploymentID string) (*domain.Deployment, error) {
	deployment, err := o.repo.GetDeploymentByID(ctx, deploymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if deployment.UserID != userID {
		return nil, ErrNotFound
	}
	return deployment, nil
}

// List returns the user's most recent deployments.
func (o *Orchestrator) List(ctx context.Context, userID string, limit int) ([]domain.Deployment, error) {
	return o.repo.ListDeploymentsByUser(ctx, userID, limit)
}

// RateLimitInfo reports the user's current budget without consuming a slot.
func (o *Orchestrator) RateLimitInfo(ctx context.Context, userID string) ratelimit.Info {
	return o.limiter.Info(ctx, userID)
}

// detach deep-copies a deployment about to be handed to a worker. The worker
// keeps exclusive ownership of the original struct until it reaches a
// terminal state; callers only ever see detached copies.
func detach(d *domain.Deployment) *domain.Deployment {
	clone := *d
	clone.Config = append(json.RawMessage(nil), d.Config...)
	clone.BuildLogs = append([]string(nil), d.BuildLogs...)
	clone.Services = append([]domain.ServiceEndpoint(nil), d.Services...)
	if d.Error != nil {
		derr := *d.Error
		derr.Suggestions = append([]string(nil), d.Error.Suggestions...)
		clone.Error = &derr
	}
	if d.CompletedAt != nil {
		at := *d.CompletedAt
		clone.CompletedAt = &at
	}
	return &clone
}

// start launches the worker for a deployment. A second start for the same id
// while one is running is ignored.
func (o *Orchestrator) start(deployment *domain.Deployment, cfg domain.DeploymentConfig, skipAvailability bool) {
	o.mu.Lock()
	if _, running := o.workers[deployment.ID]; running {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.workers[deployment.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.workers, deployment.ID)
			o.mu.Unlock()
		}()
		o.run(ctx, deployment, cfg, skipAvailability)
	}()
}

// ReapStale marks deployments as failed that were in flight when a previous
// process died. It claims nothing about provider-side progress.
func (o *Orchestrator) ReapStale(ctx context.Context, staleAfter time.Duration) error {
	cutoff := time.Now().UTC().Add(-staleAfter)
	states := []string{
		domain.StatePending,
		domain.StateCreating,
		domain.StateUploading,
		domain.StateConfiguring,
		domain.StateBuilding,
		domain.StateDeploying,
	}
	for _, state := range states {
		stale, err := o.repo.ListDeploymentsWithStatusUpdatedBefore(ctx, state, cutoff)
		if err != nil {
			return err
		}
		for i := range stale {
			d := &stale[i]
			o.mu.Lock()
			_, running := o.workers[d.ID]
			o.mu.Unlock()
			if running {
				continue
			}
			now := time.Now().UTC()
			update := domain.DeploymentStatusUpdate{
				DeploymentID: d.ID,
				Status:       domain.StateFailed,
				BuildLogs:    d.BuildLogs,
				Error: &domain.DeploymentError{
					Code:        domain.ErrCodeTimeout,
					Message:     "orchestration was interrupted; the deployment may still be progressing on the provider side",
					Step:        d.Status,
					Recoverable: true,
					Suggestions: []string{"check the provider dashboard", "retry the deployment"},
				},
				CompletedAt: &now,
				DurationMs:  now.Sub(d.StartedAt).Milliseconds(),
			}
			if err := o.repo.UpdateDeploymentStatus(ctx, update); err != nil {
				o.logger.Error("reap stale deployment failed", "deployment_id", d.ID, "error", err)
				continue
			}
			o.logger.Warn("reaped stale deployment", "deployment_id", d.ID, "last_status", d.Status)
		}
	}
	return nil
}

// Close stops all workers and waits for them to exit.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}
