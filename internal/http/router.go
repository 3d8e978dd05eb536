package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/service/deploy"
	"github.com/devflowhub/controlplane/internal/service/promotion"
	"github.com/devflowhub/controlplane/internal/service/run"
	"github.com/devflowhub/controlplane/internal/service/snapshot"
	"github.com/devflowhub/controlplane/internal/ws"
)

// headerUserID identifies the acting user. Authentication is handled by the
// main application in front of this service; the header is trusted.
const headerUserID = "X-User-ID"

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	defaultListLimit   = 50
)

// QuotaReader reports a user's current deploy quota.
type QuotaReader interface {
	Check(ctx context.Context, userID string) (domain.Quota, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	deploy    *deploy.Service
	runs      *run.Service
	promotion *promotion.Service
	snapshots *snapshot.Service
	quota     QuotaReader
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc *deploy.Service, runSvc *run.Service, promotionSvc *promotion.Service, snapshotSvc *snapshot.Service, quotaSvc QuotaReader, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		deploy:    deploySvc,
		runs:      runSvc,
		promotion: promotionSvc,
		snapshots: snapshotSvc,
		quota:     quotaSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects/", r.audit("projects", r.handleProjectSubroutes))
	r.mux.HandleFunc("/deployments/", r.audit("deployments", r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/runs/", r.audit("runs", r.withRateLimit("runs", rateLimitRead, rateWindowDefault, r.handleRunSubroutes)))
	r.mux.HandleFunc("/snapshots/", r.audit("snapshots", r.withRateLimit("snapshots", rateLimitRead, rateWindowDefault, r.handleSnapshotSubroutes)))
	r.mux.HandleFunc("/quota", r.audit("quota", r.withRateLimit("quota", rateLimitRead, rateWindowDefault, r.handleQuota)))
	r.mux.HandleFunc("/ws/events", r.audit("ws_events", r.withRateLimit("ws_events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	projectID := parts[0]
	switch parts[1] {
	case "deployments":
		r.withRateLimit("project_deployments", r.limitForMethod(req), rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleProjectDeployments(w, req, projectID)
		})(w, req)
	case "runs":
		r.withRateLimit("project_runs", r.limitForMethod(req), rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleProjectRuns(w, req, projectID)
		})(w, req)
	case "snapshots":
		r.withRateLimit("project_snapshots", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleProjectSnapshots(w, req, projectID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) limitForMethod(req *http.Request) int {
	if req.Method == http.MethodGet {
		return rateLimitRead
	}
	return rateLimitWrite
}

func (r *Router) handleProjectDeployments(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodPost:
		userID, ok := r.requireUser(w, req)
		if !ok {
			return
		}
		var payload struct {
			Environment   string            `json:"environment"`
			Provider      string            `json:"provider"`
			Branch        string            `json:"branch"`
			CommitSHA     string            `json:"commit_sha"`
			CommitMessage string            `json:"commit_message"`
			BuildCommand  string            `json:"build_command"`
			EnvVars       map[string]string `json:"env_vars"`
			RequestAdvice bool              `json:"request_advice"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		result, err := r.deploy.CreateDeployment(req.Context(), projectID, userID, deploy.CreateOptions{
			Environment:   payload.Environment,
			Provider:      payload.Provider,
			Branch:        payload.Branch,
			CommitSHA:     payload.CommitSHA,
			CommitMessage: payload.CommitMessage,
			BuildCommand:  payload.BuildCommand,
			EnvVars:       payload.EnvVars,
			RequestAdvice: payload.RequestAdvice,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		body := map[string]any{
			"deployment": result.Deployment,
			"quota":      result.Quota,
		}
		if result.Advice != nil {
			body["advice"] = result.Advice
		}
		writeJSON(w, http.StatusAccepted, body)
	case http.MethodGet:
		limit := queryLimit(req)
		deployments, err := r.deploy.ListByProject(req.Context(), projectID, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectRuns(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodPost:
		userID, ok := r.requireUser(w, req)
		if !ok {
			return
		}
		var payload struct {
			Branch            string            `json:"branch"`
			EnvVars           map[string]string `json:"env_vars"`
			Public            bool              `json:"public"`
			TTLMinutes        int               `json:"ttl_minutes"`
			SnapshotBeforeRun bool              `json:"snapshot_before_run"`
			RequireSnapshot   bool              `json:"require_snapshot"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		sandbox, err := r.runs.Create(req.Context(), projectID, userID, run.Options{
			Branch:            payload.Branch,
			EnvVars:           payload.EnvVars,
			Public:            payload.Public,
			TTLMinutes:        payload.TTLMinutes,
			SnapshotBeforeRun: payload.SnapshotBeforeRun,
			RequireSnapshot:   payload.RequireSnapshot,
		})
		if err != nil {
			// an adapter failure still persisted a failed row; return it
			if sandbox != nil {
				writeJSON(w, http.StatusBadGateway, map[string]any{
					"run":   sandbox,
					"error": err.Error(),
				})
				return
			}
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sandbox)
	case http.MethodGet:
		limit := queryLimit(req)
		runs, err := r.runs.ListByProject(req.Context(), projectID, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSnapshots(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(req.Body).Decode(&payload)
	if payload.Reason == "" {
		payload.Reason = "manual snapshot"
	}
	snapshotID, err := r.snapshots.Create(req.Context(), projectID, payload.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"snapshot_id": snapshotID})
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	deploymentID := parts[0]
	if deploymentID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.withRateLimit("deployment_get", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploymentGet(w, req, deploymentID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "promote":
		r.withRateLimit("deployment_promote", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handlePromote(w, req, deploymentID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "rollback":
		r.withRateLimit("deployment_rollback", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleRollback(w, req, deploymentID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeploymentGet(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	dep, err := r.deploy.Get(req.Context(), req.URL.Query().Get("project_id"), deploymentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (r *Router) handlePromote(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Environment string `json:"environment"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	promoted, err := r.promotion.Promote(req.Context(), deploymentID, payload.Environment)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, promoted)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	rollback, err := r.promotion.Rollback(req.Context(), deploymentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rollback)
}

func (r *Router) handleRunSubroutes(w http.ResponseWriter, req *http.Request) {
	runID := strings.TrimPrefix(req.URL.Path, "/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		sandbox, err := r.runs.Get(req.Context(), req.URL.Query().Get("project_id"), runID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sandbox)
	case http.MethodDelete:
		sandbox, err := r.runs.Stop(req.Context(), req.URL.Query().Get("project_id"), runID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sandbox)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSnapshotSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/snapshots/")
	parts := strings.Split(trimmed, "/")
	snapshotID := parts[0]
	if snapshotID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		snap, err := r.snapshots.Get(req.Context(), snapshotID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case len(parts) == 2 && parts[1] == "restore":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.ProjectID == "" {
			writeError(w, http.StatusBadRequest, "project_id is required")
			return
		}
		if err := r.snapshots.Restore(req.Context(), snapshotID, payload.ProjectID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleQuota(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	userID, ok := r.requireUser(w, req)
	if !ok {
		return
	}
	quota, err := r.quota.Check(req.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
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

// requireUser extracts the forwarded user identity.
func (r *Router) requireUser(w http.ResponseWriter, req *http.Request) (string, bool) {
	userID := strings.TrimSpace(req.Header.Get(headerUserID))
	if userID == "" {
		writeError(w, http.StatusBadRequest, headerUserID+" header required")
		return "", false
	}
	return userID, true
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

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
		if userID := strings.TrimSpace(req.Header.Get(headerUserID)); userID != "" {
			fields = append(fields, "user_id", userID)
		}

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

func queryLimit(req *http.Request) int {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	return limit
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
