package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/launchkit-dev/launchkit/internal/domain"
	"github.com/launchkit-dev/launchkit/internal/platform"
)

// maxBuildLogLines bounds log retention per deployment.
const maxBuildLogLines = 500

// errorLogTail is how many trailing log lines accompany a build failure.
const errorLogTail = 20

// pollFailureBudget is how many consecutive status poll failures are
// tolerated before the worker gives up with CONNECTION_ERROR.
const pollFailureBudget = 3

// run drives one deployment from pending to a terminal state. It is the only
// goroutine that mutates the deployment.
func (o *Orchestrator) run(ctx context.Context, d *domain.Deployment, cfg domain.DeploymentConfig, skipAvailability bool) {
	svc, err := o.registry.Get(d.Platform)
	if err != nil {
		o.fail(d, mapError("create_project", err), time.Time{})
		return
	}

	if !skipAvailability {
		available, err := svc.CheckProjectNameAvailability(ctx, d.UserID, cfg.ProjectName)
		if err != nil {
			o.fail(d, mapError("check_name", err), time.Time{})
			return
		}
		if !available {
			o.fail(d, &domain.DeploymentError{
				Code:        domain.ErrCodeProjectNameTaken,
				Message:     "project name " + cfg.ProjectName + " is already in use on " + string(d.Platform),
				Step:        "check_name",
				Recoverable: false,
				Suggestions: []string{"choose a different project name"},
			}, time.Time{})
			return
		}
	}

	files, err := o.files.GeneratedFiles(ctx, cfg)
	if err != nil {
		o.fail(d, mapError("scaffold", err), time.Time{})
		return
	}

	// The timeout clock starts at project creation and covers everything
	// after it.
	o.transition(d, domain.StateCreating, time.Time{})
	clockStart := time.Now().UTC()
	runCtx, cancel := context.WithDeadline(ctx, clockStart.Add(o.timeout))
	defer cancel()

	project, err := svc.CreateProject(runCtx, d.UserID, cfg)
	if err != nil {
		o.fail(d, o.timeoutOr(runCtx, mapError("create_project", err)), clockStart)
		return
	}

	if len(cfg.Services) > 0 {
		o.provisionServices(runCtx, svc, d, project.ID, cfg.Services)
	}

	o.transition(d, domain.StateConfiguring, clockStart)
	if err := svc.SetEnvironmentVariables(runCtx, d.UserID, project.ID, cfg.EnvVars); err != nil {
		o.fail(d, o.timeoutOr(runCtx, mapError("set_env", err)), clockStart)
		return
	}

	o.transition(d, domain.StateUploading, clockStart)
	if err := svc.UploadFiles(runCtx, d.UserID, project.ID, files); err != nil {
		o.fail(d, o.timeoutOr(runCtx, mapError("upload", err)), clockStart)
		return
	}

	deployID, err := svc.TriggerDeployment(runCtx, d.UserID, project.ID)
	if err != nil {
		o.fail(d, o.timeoutOr(runCtx, mapError("trigger", err)), clockStart)
		return
	}

	o.transition(d, domain.StateBuilding, clockStart)
	o.watch(runCtx, svc, d, project.ID, deployID, clockStart)
}

// provisionServices creates requested named services when the provider can.
// Providers without database support log and skip; the deployment itself is
// unaffected.
func (o *Orchestrator) provisionServices(ctx context.Context, svc platform.Service, d *domain.Deployment, projectID string, names []string) {
	provisioner, ok := svc.(platform.DatabaseProvisioner)
	if !ok {
		o.logger.Warn("provider cannot provision services, skipping",
			"deployment_id", d.ID,
			"platform", d.Platform,
			"services", names,
		)
		return
	}
	for _, name := range names {
		info, err := provisioner.ProvisionDatabase(ctx, d.UserID, projectID, name)
		if err != nil {
			o.logger.Error("service provisioning failed",
				"deployment_id", d.ID,
				"service", name,
				"error", err,
			)
			continue
		}
		d.Services = append(d.Services, domain.ServiceEndpoint{Name: info.Name, URL: info.URL})
	}
}

// watch polls provider status and consumes the log stream until the
// deployment reaches a terminal state or the clock runs out.
func (o *Orchestrator) watch(ctx context.Context, svc platform.Service, d *domain.Deployment, projectID, deployID string, clockStart time.Time) {
	logs, err := svc.StreamBuildLogs(ctx, d.UserID, projectID, deployID)
	if err != nil {
		// Status polling alone still reaches a terminal verdict.
		o.logger.Warn("build log stream unavailable", "deployment_id", d.ID, "error", err)
		logs = nil
	}

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	pollFailures := 0

	for {
		select {
		case <-ctx.Done():
			o.finishOnContext(ctx, d, clockStart)
			return

		case line, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			o.appendLog(d, line.Text)
			if d.Status == domain.StateBuilding || d.Status == domain.StateUploading || d.Status == domain.StateConfiguring {
				if phase := buildSubPhase(line.Text); phase != d.Status {
					o.transition(d, phase, clockStart)
					continue
				}
			}
			o.notifier.Publish(d.ID, o.snapshot(d, clockStart))

		case <-ticker.C:
			status, err := svc.GetDeploymentStatus(ctx, d.UserID, projectID, deployID)
			if err != nil {
				if ctx.Err() != nil {
					o.finishOnContext(ctx, d, clockStart)
					return
				}
				pollFailures++
				o.logger.Warn("status poll failed",
					"deployment_id", d.ID,
					"attempt", pollFailures,
					"error", err,
				)
				if pollFailures >= pollFailureBudget {
					o.fail(d, mapError("poll", err), clockStart)
					return
				}
				continue
			}
			pollFailures = 0

			switch status.State {
			case platform.StateReady:
				if svc.SupportsDeployURL() && status.URL == "" {
					// Ready without a URL is not success yet for providers
					// that promise one.
					break
				}
				o.succeed(d, status.URL, clockStart)
				return

			case platform.StateError:
				o.fail(d, &domain.DeploymentError{
					Code:        domain.ErrCodeBuildFailed,
					Message:     failureMessage(status.Message),
					Step:        d.Status,
					Recoverable: true,
					Suggestions: append([]string{"inspect the build logs"}, logTail(d.BuildLogs)...),
				}, clockStart)
				return

			case platform.StateCanceled:
				o.fail(d, &domain.DeploymentError{
					Code:        domain.ErrCodeBuildFailed,
					Message:     "deployment was canceled on the provider side",
					Step:        d.Status,
					Recoverable: true,
				}, clockStart)
				return

			case platform.StateDeploying:
				if d.Status != domain.StateDeploying {
					o.transition(d, domain.StateDeploying, clockStart)
					continue
				}

			default:
				// queued or building; sub-phase labeling is handled on log
				// lines.
			}

			// Quiet polls still publish so stream clients watch ElapsedMs
			// climb toward the ceiling between state changes.
			o.notifier.Publish(d.ID, o.snapshot(d, clockStart))
		}
	}
}

// finishOnContext resolves a context-driven exit: a deadline is a timeout
// failure, a shutdown leaves the row for the reaper.
func (o *Orchestrator) finishOnContext(ctx context.Context, d *domain.Deployment, clockStart time.Time) {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		o.logger.Info("worker stopped by shutdown", "deployment_id", d.ID)
		return
	}
	o.fail(d, &domain.DeploymentError{
		Code:        domain.ErrCodeTimeout,
		Message:     "deployment did not finish within the time ceiling; it may still be progressing on the provider side",
		Step:        d.Status,
		Recoverable: true,
		Suggestions: []string{"check the provider dashboard", "retry the deployment"},
	}, clockStart)
}

// timeoutOr replaces a step error with the timeout verdict when the clock,
// not the provider, caused it.
func (o *Orchestrator) timeoutOr(ctx context.Context, derr *domain.DeploymentError) *domain.DeploymentError {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return derr
	}
	return &domain.DeploymentError{
		Code:        domain.ErrCodeTimeout,
		Message:     "deployment did not finish within the time ceiling; it may still be progressing on the provider side",
		Step:        derr.Step,
		Recoverable: true,
		Suggestions: []string{"check the provider dashboard", "retry the deployment"},
	}
}

// buildSubPhase infers upload/configure sub-phases from free-text log lines.
// A mismatch is a harmless labeling artifact, never a state machine error.
func buildSubPhase(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "upload"):
		return domain.StateUploading
	case strings.Contains(lower, "configur"):
		return domain.StateConfiguring
	default:
		return domain.StateBuilding
	}
}

func (o *Orchestrator) appendLog(d *domain.Deployment, line string) {
	d.BuildLogs = append(d.BuildLogs, line)
	if len(d.BuildLogs) > maxBuildLogLines {
		d.BuildLogs = d.BuildLogs[len(d.BuildLogs)-maxBuildLogLines:]
	}
}

// transition persists and publishes a state change.
func (o *Orchestrator) transition(d *domain.Deployment, status string, clockStart time.Time) {
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	o.persist(domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       status,
		BuildLogs:    d.BuildLogs,
		Services:     d.Services,
	})
	o.notifier.Publish(d.ID, o.snapshot(d, clockStart))
}

func (o *Orchestrator) succeed(d *domain.Deployment, url string, clockStart time.Time) {
	now := time.Now().UTC()
	d.Status = domain.StateSuccess
	d.DeploymentURL = url
	d.CompletedAt = &now
	d.DurationMs = now.Sub(clockStart).Milliseconds()
	d.UpdatedAt = now
	o.persist(domain.DeploymentStatusUpdate{
		DeploymentID:  d.ID,
		Status:        domain.StateSuccess,
		BuildLogs:     d.BuildLogs,
		DeploymentURL: url,
		Services:      d.Services,
		CompletedAt:   &now,
		DurationMs:    d.DurationMs,
	})
	o.notifier.Publish(d.ID, o.snapshot(d, clockStart))
	deploymentsTotal.WithLabelValues(string(d.Platform), domain.StateSuccess).Inc()
	o.logger.Info("deployment succeeded",
		"deployment_id", d.ID,
		"url", url,
		"duration_ms", d.DurationMs,
	)
}

func (o *Orchestrator) fail(d *domain.Deployment, derr *domain.DeploymentError, clockStart time.Time) {
	now := time.Now().UTC()
	d.Status = domain.StateFailed
	d.Error = derr
	d.CompletedAt = &now
	if !clockStart.IsZero() {
		d.DurationMs = now.Sub(clockStart).Milliseconds()
	}
	d.UpdatedAt = now
	o.persist(domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StateFailed,
		BuildLogs:    d.BuildLogs,
		Error:        derr,
		Services:     d.Services,
		CompletedAt:  &now,
		DurationMs:   d.DurationMs,
	})
	o.notifier.Publish(d.ID, o.snapshot(d, clockStart))
	deploymentsTotal.WithLabelValues(string(d.Platform), domain.StateFailed).Inc()
	o.logger.Error("deployment failed",
		"deployment_id", d.ID,
		"code", derr.Code,
		"step", derr.Step,
		"recoverable", derr.Recoverable,
		"message", derr.Message,
	)
}

// persist writes the update on a fresh context: the worker context may
// already be past its deadline when a terminal state lands.
func (o *Orchestrator) persist(update domain.DeploymentStatusUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.repo.UpdateDeploymentStatus(ctx, update); err != nil {
		o.logger.Error("persist deployment status failed",
			"deployment_id", update.DeploymentID,
			"status", update.Status,
			"error", err,
		)
	}
}

func (o *Orchestrator) snapshot(d *domain.Deployment, clockStart time.Time) domain.Snapshot {
	snap := domain.Snapshot{
		ID:            d.ID,
		ProjectName:   d.ProjectName,
		Platform:      d.Platform,
		Status:        d.Status,
		BuildLogs:     d.BuildLogs,
		Error:         d.Error,
		DeploymentURL: d.DeploymentURL,
		Services:      d.Services,
		TimeoutMs:     o.timeout.Milliseconds(),
		Timestamp:     time.Now().UTC(),
	}
	if !clockStart.IsZero() {
		snap.ElapsedMs = time.Since(clockStart).Milliseconds()
	}
	return snap
}

func failureMessage(providerMessage string) string {
	if providerMessage != "" {
		return "provider reported a build failure: " + providerMessage
	}
	return "provider reported a build failure"
}

func logTail(lines []string) []string {
	if len(lines) <= errorLogTail {
		return append([]string(nil), lines...)
	}
	return append([]string(nil), lines[len(lines)-errorLogTail:]...)
}
