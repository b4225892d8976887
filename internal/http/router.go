package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shipyard-dev/shipyard/internal/repository"
	"github.com/shipyard-dev/shipyard/internal/service/deploy"
	"github.com/shipyard-dev/shipyard/internal/service/project"
	"github.com/shipyard-dev/shipyard/internal/service/webhook"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux             *http.ServeMux
	logger          *slog.Logger
	project         project.Service
	deploy          deploy.Service
	webhook         webhook.Service
	limiter         RateLimiter
	supervisorToken string
	dbHealth        func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault       = time.Minute
	rateLimitWebhook        = 120
	rateLimitWrite          = 60
	rateLimitSupervisor     = 600
	healthCheckTimeout      = 2 * time.Second
	maxWebhookBodyBytes     = 1 << 20
	webhookSignatureHeader  = "X-Webhook-Signature"
	supervisorTokenHeader   = "X-Supervisor-Token"
	defaultDeploymentsLimit = 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, projectSvc project.Service, deploySvc deploy.Service, webhookSvc webhook.Service, limiter RateLimiter, supervisorToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:             http.NewServeMux(),
		logger:          logger,
		project:         projectSvc,
		deploy:          deploySvc,
		webhook:         webhookSvc,
		limiter:         limiter,
		supervisorToken: strings.TrimSpace(supervisorToken),
		dbHealth:        dbHealth,
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
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/webhook/", r.audit("/webhook", r.withRateLimit("/webhook", rateLimitWebhook, rateWindowDefault, r.handleWebhook)))
	r.mux.HandleFunc("/projects", r.audit("/projects", r.withRateLimit("/projects", rateLimitWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("/projects", r.withRateLimit("/projects", rateLimitWrite, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments", r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/deployments/callback", r.audit("/deployments/callback", r.withRateLimit("/deployments/callback", rateLimitSupervisor, rateWindowDefault, r.handleCallback)))
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/webhook/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "secret" {
		r.handleWebhookSecret(w, req, projectID)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBodyBytes))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "could not read body")
		return
	}
	signature := req.Header.Get(webhookSignatureHeader)
	if err := r.webhook.Authenticate(req.Context(), projectID, body, signature); err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			writeStatus(w, http.StatusForbidden, "error", "invalid signature")
			return
		}
		r.logger.Error("webhook authentication failed", "project_id", projectID, "error", err)
		writeStatus(w, http.StatusInternalServerError, "error", "authentication unavailable")
		return
	}

	var event webhook.PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "invalid JSON body")
		return
	}
	result, err := r.webhook.HandlePush(req.Context(), projectID, event)
	if err != nil {
		r.logger.Error("webhook dispatch failed", "project_id", projectID, "error", err)
		writeStatus(w, http.StatusInternalServerError, "error", "dispatch failed")
		return
	}
	writeStatus(w, http.StatusOK, "ok", result.Message)
}

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.webhook.UpsertSecret(req.Context(), projectID, payload.Secret); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload project.CreateInput
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	proj, err := r.project.Create(req.Context(), payload)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, repository.ErrConflict) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, proj)
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		r.handleProject(w, req, projectID)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "name":
		r.handleProjectName(w, req, projectID)
	case "commands":
		r.handleProjectCommands(w, req, projectID)
	case "subdomain":
		r.handleProjectSubdomain(w, req, projectID)
	case "artifacts":
		r.handleProjectArtifacts(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		proj, err := r.project.Get(req.Context(), projectID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, proj)
	case http.MethodDelete:
		if err := r.project.Delete(req.Context(), projectID); err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectName(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.project.Rename(req.Context(), projectID, payload.Name); err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (r *Router) handleProjectCommands(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		InstallCommand string `json:"install_command"`
		BuildCommand   string `json:"build_command"`
		RootDir        string `json:"root_dir"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.project.UpdateCommands(req.Context(), projectID, payload.InstallCommand, payload.BuildCommand, payload.RootDir); err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (r *Router) handleProjectSubdomain(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Subdomain string `json:"subdomain"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.project.ChangeSubdomain(req.Context(), projectID, payload.Subdomain); err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (r *Router) handleProjectArtifacts(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.project.PurgeArtifacts(req.Context(), projectID); err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	if parts[0] == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "env" {
		r.handleDeploymentEnv(w, req, parts[0])
		return
	}
	if len(parts) != 1 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultDeploymentsLimit
	}
	deployments, err := r.deploy.ListByProject(req.Context(), parts[0], limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleDeploymentEnv(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		EnvVars map[string]string `json:"env_vars"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.deploy.SetEnvVars(req.Context(), deploymentID, payload.EnvVars); err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (r *Router) handleCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifySupervisorToken(w, req) {
		return
	}
	var payload deploy.CallbackPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.deploy.ProcessCallback(req.Context(), payload); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, deploy.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
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

// verifySupervisorToken ensures worker-supervisor callbacks carry the
// configured shared token.
func (r *Router) verifySupervisorToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.supervisorToken
	if expected == "" {
		r.logger.Error("supervisor token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "callback authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get(supervisorTokenHeader))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("supervisor token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid supervisor token")
		return false
	}
	return true
}

func (r *Router) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
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

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
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

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
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

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
