package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/launchkit-dev/launchkit/internal/connections"
	"github.com/launchkit-dev/launchkit/internal/domain"
	"github.com/launchkit-dev/launchkit/internal/oauth"
	"github.com/launchkit-dev/launchkit/internal/orchestrator"
	"github.com/launchkit-dev/launchkit/internal/platform"
	"github.com/launchkit-dev/launchkit/internal/ratelimit"
	"github.com/launchkit-dev/launchkit/internal/stream"
)

const (
	healthCheckTimeout   = 2 * time.Second
	sseHeartbeatInterval = 25 * time.Second
	stateCookieName      = "launchkit_oauth_state"
	defaultListLimit     = 50
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	conns         *connections.Service
	orch          *orchestrator.Orchestrator
	hub           *stream.Hub
	upgrader      websocket.Upgrader
	sessionSecret string
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, conns *connections.Service, orch *orchestrator.Orchestrator, hub *stream.Hub, sessionSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		conns:  conns,
		orch:   orch,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessionSecret: sessionSecret,
		dbHealth:      dbHealth,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/connect/", r.audit(r.withSession(r.handleConnect)))
	r.mux.HandleFunc("/connections", r.audit(r.withSession(r.handleConnections)))
	r.mux.HandleFunc("/connections/", r.audit(r.withSession(r.handleConnectionByPlatform)))
	r.mux.HandleFunc("/deployments", r.audit(r.withSession(r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit(r.withSession(r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/limits", r.audit(r.withSession(r.handleLimits)))
	r.mux.HandleFunc("/ws/deployments", r.audit(r.withSession(r.handleDeploymentsWS)))
}

// handleConnect serves GET /connect/{platform} and its /callback leg.
func (r *Router) handleConnect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/connect/")
	if callbackOf, ok := strings.CutSuffix(rest, "/callback"); ok {
		r.handleConnectCallback(w, req, callbackOf)
		return
	}
	p := domain.Platform(rest)
	if !p.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported platform")
		return
	}
	userID, ok := userIDFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "session missing")
		return
	}
	authURL, stateToken, err := r.conns.InitiateOAuth(userID, p)
	if err != nil {
		r.logger.Error("initiate oauth failed", "platform", p, "error", err)
		writeError(w, http.StatusInternalServerError, "could not start authorization")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    stateToken,
		Path:     "/connect/",
		MaxAge:   int(oauth.StateTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, req, authURL, http.StatusFound)
}

func (r *Router) handleConnectCallback(w http.ResponseWriter, req *http.Request, platformName string) {
	if !domain.Platform(platformName).Valid() {
		writeError(w, http.StatusBadRequest, "unsupported platform")
		return
	}
	query := req.URL.Query()
	if provErr := query.Get("error"); provErr != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+provErr)
		return
	}
	code := query.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}
	cookie, err := req.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusForbidden, "authorization state missing or expired")
		return
	}
	// One-shot state: clear the cookie regardless of outcome.
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/connect/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	view, err := r.conns.HandleCallback(req.Context(), cookie.Value, query.Get("state"), code)
	switch {
	case errors.Is(err, oauth.ErrStateMismatch):
		r.logger.Warn("oauth state mismatch", "platform", platformName, "ip", clientIP(req))
		writeError(w, http.StatusForbidden, "authorization state mismatch")
		return
	case err != nil:
		r.logger.Error("oauth callback failed", "platform", platformName, "error", err)
		writeError(w, http.StatusBadGateway, "authorization could not be completed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (r *Router) handleConnections(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	userID, _ := userIDFromContext(req.Context())
	views, err := r.conns.List(req.Context(), userID)
	if err != nil {
		r.logger.Error("list connections failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list connections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": views})
}

func (r *Router) handleConnectionByPlatform(w http.ResponseWriter, req *http.Request) {
	p := domain.Platform(strings.TrimPrefix(req.URL.Path, "/connections/"))
	if !p.Valid() {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	userID, _ := userIDFromContext(req.Context())
	err := r.conns.Disconnect(req.Context(), userID, p)
	switch {
	case errors.Is(err, connections.ErrNotConnected):
		r.notFound(w)
	case err != nil:
		r.logger.Error("disconnect failed", "platform", p, "error", err)
		writeError(w, http.StatusInternalServerError, "could not disconnect")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	}
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	userID, _ := userIDFromContext(req.Context())
	switch req.Method {
	case http.MethodPost:
		var cfg domain.DeploymentConfig
		if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		deployment, err := r.orch.Submit(req.Context(), userID, cfg)
		if err != nil {
			r.submitError(w, req, err)
			return
		}
		r.applyRateHeaders(w, r.orch.RateLimitInfo(req.Context(), userID))
		writeJSON(w, http.StatusAccepted, deploymentView(deployment))
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		if limit <= 0 || limit > 200 {
			limit = defaultListLimit
		}
		list, err := r.orch.List(req.Context(), userID, limit)
		if err != nil {
			r.logger.Error("list deployments failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not list deployments")
			return
		}
		views := make([]map[string]any, 0, len(list))
		for i := range list {
			views = append(views, deploymentView(&list[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": views})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/deployments/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		r.notFound(w)
		return
	}
	userID, _ := userIDFromContext(req.Context())
	switch action {
	case "":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		deployment, err := r.orch.Get(req.Context(), userID, id)
		if err != nil {
			r.deploymentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deploymentView(deployment))
	case "retry":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		deployment, err := r.orch.Retry(req.Context(), userID, id)
		if err != nil {
			r.submitError(w, req, err)
			return
		}
		r.applyRateHeaders(w, r.orch.RateLimitInfo(req.Context(), userID))
		writeJSON(w, http.StatusAccepted, deploymentView(deployment))
	case "events":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleDeploymentEvents(w, req, userID, id)
	default:
		r.notFound(w)
	}
}

// handleDeploymentEvents streams snapshots over SSE until the deployment ends
// or the client leaves. A dropped stream never affects orchestration.
func (r *Router) handleDeploymentEvents(w http.ResponseWriter, req *http.Request, userID, id string) {
	if _, err := r.orch.Get(req.Context(), userID, id); err != nil {
		r.deploymentError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := stream.NewSSEClient(w, flusher, r.logger)
	r.hub.Subscribe(id, client)
	go client.RunHeartbeats(sseHeartbeatInterval)

	select {
	case <-req.Context().Done():
	case <-client.Done():
	}
	r.hub.Unsubscribe(id, client)
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := req.URL.Query().Get("deployment_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	userID, _ := userIDFromContext(req.Context())
	if _, err := r.orch.Get(req.Context(), userID, id); err != nil {
		r.deploymentError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := stream.NewWSClient(conn, r.logger)
	r.hub.Subscribe(id, client)
	go func() {
		defer func() {
			r.hub.Unsubscribe(id, client)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (r *Router) handleLimits(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	userID, _ := userIDFromContext(req.Context())
	info := r.orch.RateLimitInfo(req.Context(), userID)
	r.applyRateHeaders(w, info)
	writeJSON(w, http.StatusOK, map[string]any{
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetAt.UTC().Format(time.RFC3339),
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// submitError maps Submit/Retry failures, including the structured rate
// limit rejection.
func (r *Router) submitError(w http.ResponseWriter, req *http.Request, err error) {
	var limited *orchestrator.RateLimitedError
	switch {
	case errors.As(err, &limited):
		d := limited.Decision
		r.applyRateHeaders(w, ratelimit.Info{Limit: d.Limit, Remaining: d.Remaining, ResetAt: d.ResetAt})
		retryAfter := int(time.Until(d.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		r.recordRateLimitHit(req.URL.Path)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "deployment rate limit exceeded",
			"limit":               d.Limit,
			"remaining":           d.Remaining,
			"reset_at":            d.ResetAt.UTC().Format(time.RFC3339),
			"retry_after_seconds": retryAfter,
		})
	case errors.Is(err, orchestrator.ErrInvalidProjectName):
		writeError(w, http.StatusBadRequest, "project name must match ^[a-z0-9-]+$")
	case errors.Is(err, platform.ErrUnsupportedPlatform):
		writeError(w, http.StatusBadRequest, "unsupported platform")
	case errors.Is(err, orchestrator.ErrNotRetryable):
		writeError(w, http.StatusConflict, "deployment is not retryable")
	case errors.Is(err, orchestrator.ErrNotFound):
		r.notFound(w)
	default:
		r.logger.Error("deployment submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not submit deployment")
	}
}

func (r *Router) deploymentError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrNotFound) {
		r.notFound(w)
		return
	}
	r.logger.Error("deployment lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, "could not load deployment")
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, info ratelimit.Info) {
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	if !info.ResetAt.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
	}
}

// deploymentView is the wire shape of a deployment.
func deploymentView(d *domain.Deployment) map[string]any {
	view := map[string]any{
		"id":           d.ID,
		"project_name": d.ProjectName,
		"platform":     d.Platform,
		"status":       d.Status,
		"started_at":   d.StartedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(d.BuildLogs) > 0 {
		view["build_logs"] = d.BuildLogs
	}
	if d.Error != nil {
		view["error"] = d.Error
	}
	if d.DeploymentURL != "" {
		view["deployment_url"] = d.DeploymentURL
	}
	if len(d.Services) > 0 {
		view["services"] = d.Services
	}
	if d.CompletedAt != nil {
		view["completed_at"] = d.CompletedAt.UTC().Format(time.RFC3339Nano)
		view["duration_ms"] = d.DurationMs
	}
	return view
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if userID, ok := userIDFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", userID)
		}
		fields = append(fields, "actor", actor)

		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses dynamic path segments to keep metric cardinality low.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "/"
	}
	switch parts[0] {
	case "deployments":
		if len(parts) == 1 {
			return "/deployments"
		}
		if len(parts) >= 3 {
			return "/deployments/{id}/" + parts[2]
		}
		return "/deployments/{id}"
	case "connections":
		if len(parts) > 1 {
			return "/connections/{platform}"
		}
		return "/connections"
	case "connect":
		if len(parts) >= 3 {
			return "/connect/{platform}/callback"
		}
		return "/connect/{platform}"
	default:
		return "/" + parts[0]
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
