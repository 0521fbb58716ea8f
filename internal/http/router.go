package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/deploy"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/logs"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/project"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/webhook"
	"github.com/DiegoStefanini/shipit-sub000/internal/ws"
)

// DeployQueue accepts deploy requests from the API.
type DeployQueue interface {
	Enqueue(projectID string) *deploy.Ticket
	QueueDepth() int
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	project  project.Service
	deploys  DeployQueue
	logs     logs.Sink
	webhook  webhook.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	apiToken string
	dbHealth func(context.Context) error

	trustProxy bool
	streamPoll time.Duration

	registerer         prometheus.Registerer
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxWebhookBody     = 5 << 20
	defaultDeployLimit = 20
)

// Option customises a Router.
type Option func(*Router)

// WithRegisterer sets where request metrics are registered. Nil disables them.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Router) { r.registerer = reg }
}

// WithTrustedProxy makes the router take the client address from
// X-Forwarded-For. Enable it only behind a proxy that sets the header.
func WithTrustedProxy(trust bool) Option {
	return func(r *Router) { r.trustProxy = trust }
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, projectSvc project.Service, queue DeployQueue, logSink logs.Sink, webhookSvc webhook.Service, limiter RateLimiter, apiToken string, dbHealth func(context.Context) error, opts ...Option) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		project: projectSvc,
		deploys: queue,
		logs:    logSink,
		webhook: webhookSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		apiToken:   strings.TrimSpace(apiToken),
		dbHealth:   dbHealth,
		registerer: prometheus.DefaultRegisterer,
		streamPoll: sseHeartbeat,
	}
	for _, opt := range opts {
		opt(r)
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
	r.mux.HandleFunc("/projects", r.audit("/projects", r.handlerAuthRate("/projects", r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("/projects/{id}", r.handlerAuthRate("/projects/{id}", r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deploys/", r.audit("/deploys/{id}", r.requireToken(r.handleDeploySubroutes)))
	r.mux.HandleFunc("/ws/deploys/", r.audit("/ws/deploys/{id}", r.requireToken(
		r.limited("/ws/deploys/{id}", streamPolicy, r.handleDeployWS))))
	r.mux.HandleFunc("/webhook/", r.audit("/webhook/{id}", r.limited("/webhook/{id}", webhookPolicy, r.handleWebhook)))
}

// handlerAuthRate applies the read or write budget depending on the method.
func (r *Router) handlerAuthRate(route string, next http.HandlerFunc) http.HandlerFunc {
	read := r.limited(route, readPolicy, next)
	write := r.limited(route, writePolicy, next)
	return r.requireToken(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodGet || req.Method == http.MethodHead {
			read(w, req)
			return
		}
		write(w, req)
	})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		projects, err := r.project.List(req.Context())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if projects == nil {
			projects = []domain.Project{}
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		var payload project.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		proj, err := r.project.Create(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, proj)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/"), "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleProject(w, req, projectID)
	case len(parts) == 2 && parts[1] == "deploys":
		r.handleProjectDeploys(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		proj, err := r.project.Get(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, proj)
	case http.MethodDelete:
		if err := r.project.Delete(req.Context(), projectID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectDeploys(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		limit := defaultDeployLimit
		if raw := req.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		deploys, err := r.project.Deploys(req.Context(), projectID, limit)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if deploys == nil {
			deploys = []domain.Deploy{}
		}
		writeJSON(w, http.StatusOK, deploys)
	case http.MethodPost:
		proj, err := r.project.Get(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if !r.spendProjectDeploy(w, "/projects/{id}/deploys", proj.ID) {
			return
		}
		ticket := r.deploys.Enqueue(proj.ID)
		select {
		case <-ticket.Done():
			if outcome := ticket.Result(); errors.Is(outcome.Err, deploy.ErrQueueClosed) {
				writeError(w, http.StatusServiceUnavailable, "deploy queue is shutting down")
				return
			}
		default:
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":      "queued",
			"project_id":  proj.ID,
			"queue_depth": r.deploys.QueueDepth(),
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploySubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/deploys/"), "/"), "/")
	deployID := parts[0]
	if deployID == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.limited("/deploys/{id}", readPolicy, func(w http.ResponseWriter, req *http.Request) {
			d, err := r.project.Deploy(req.Context(), deployID)
			if err != nil {
				r.writeServiceError(w, req, err)
				return
			}
			writeJSON(w, http.StatusOK, d)
		})(w, req)
	case len(parts) == 2 && parts[1] == "stream":
		r.limited("/deploys/{id}/stream", streamPolicy, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploySSE(w, req, deployID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

// handleDeploySSE streams live log lines of one deploy and ends with an "end"
// event once the deploy is finished. Lines written before the subscription
// are available from GET /deploys/{id}.
func (r *Router) handleDeploySSE(w http.ResponseWriter, req *http.Request, deployID string) {
	d, err := r.project.Deploy(req.Context(), deployID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	if d.Status.IsTerminal() {
		r.endStream(client, d)
		return
	}
	hub := r.logs.Hub()
	hub.Subscribe(deployID, client)
	defer hub.Unsubscribe(deployID, client)

	// the deploy may have finished before the subscription took effect
	if r.streamFinished(req.Context(), client, deployID) {
		return
	}
	if err := client.Heartbeat(); err != nil {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(r.streamPoll)
	defer poll.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case payload := <-client.Pending():
			if err := client.Deliver(payload); err != nil {
				return
			}
		case <-poll.C:
			if r.streamFinished(req.Context(), client, deployID) {
				return
			}
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// streamFinished ends the stream when the deploy is terminal. Lines already
// queued are written before the end event.
func (r *Router) streamFinished(ctx context.Context, client *ws.SSEClient, deployID string) bool {
	d, err := r.project.Deploy(ctx, deployID)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("sse status check failed", "deploy_id", deployID, "error", err)
		}
		return errors.Is(err, repository.ErrNotFound)
	}
	if !d.Status.IsTerminal() {
		return false
	}
	if err := client.Drain(); err != nil {
		return true
	}
	r.endStream(client, d)
	return true
}

func (r *Router) endStream(client *ws.SSEClient, d *domain.Deploy) {
	payload, _ := json.Marshal(map[string]any{"deploy_id": d.ID, "status": d.Status})
	_ = client.Event("end", payload)
}

func (r *Router) handleDeployWS(w http.ResponseWriter, req *http.Request) {
	deployID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/ws/deploys/"), "/")
	if deployID == "" || strings.Contains(deployID, "/") {
		r.notFound(w)
		return
	}
	if _, err := r.project.Deploy(req.Context(), deployID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.logs.Hub()
	hub.Subscribe(deployID, client)
	defer hub.Unsubscribe(deployID, client)
	client.Serve(req.Context())
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	projectID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/webhook/"), "/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	event := strings.TrimSpace(req.Header.Get("X-GitHub-Event"))
	if event == "" || event == "push" {
		// only verified pushes may spend the project's budget
		if err := r.webhook.ValidateSignature(body, signature); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if !r.spendProjectDeploy(w, "/webhook/{id}", projectID) {
			return
		}
	}
	result, err := r.webhook.HandlePush(req.Context(), projectID, event, body, signature)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
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
	components["queue"] = map[string]any{"depth": r.deploys.QueueDepth()}
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
		if ip := r.clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if req.Header.Get("X-GitHub-Delivery") != "" {
			fields = append(fields, "delivery", req.Header.Get("X-GitHub-Delivery"))
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

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) clientIP(req *http.Request) string {
	if r.trustProxy {
		if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
			if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
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
