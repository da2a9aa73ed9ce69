// Package httpapi is the control surface of the edge agent: lifecycle and
// queue administration, push ingress, notification interactions, and the
// websocket hub host clients attach to.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/offlineagent/internal/agent"
	"github.com/agentworkforce/offlineagent/internal/manifest"
	"github.com/agentworkforce/offlineagent/internal/notify"
	"github.com/agentworkforce/offlineagent/internal/writequeue"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	MessageSkipWaiting       = "SKIP_WAITING"
	MessageNotificationClick = "notificationclick"
	MessageNotificationClose = "notificationclose"
	MessageSync              = "sync"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// AllowedOrigins are host patterns accepted on the client websocket.
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Deps are the components the control surface drives. Monitor and
// LoadManifest are optional.
type Deps struct {
	Lifecycle    *agent.Lifecycle
	Queue        *writequeue.Queue
	Dispatcher   *notify.Dispatcher
	Hub          *Hub
	Monitor      *agent.Monitor
	LoadManifest func(ctx context.Context) (manifest.Manifest, error)
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	log         *zap.Logger
	validate    *validator.Validate
	rateLimiter *rateLimiter
	router      chi.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type correlationKey struct{}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		deps:        deps,
		cfg:         cfg,
		log:         logger,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withCorrelationID)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", s.handleHealth)
	r.Get("/dashboard", s.handleDashboard)

	r.Route("/v1", func(r chi.Router) {
		r.With(s.require("lifecycle:read")).Get("/lifecycle", s.handleLifecycle)
		r.With(s.require("lifecycle:write")).Post("/lifecycle/install", s.handleInstall)
		r.With(s.require("lifecycle:write")).Post("/lifecycle/activate", s.handleActivate)
		r.With(s.require("lifecycle:write")).Post("/messages", s.handleMessage)

		r.With(s.require("queue:read")).Get("/queue", s.handleQueueList)
		r.With(s.require("queue:write")).Post("/queue", s.handleQueueEnqueue)
		r.With(s.require("queue:write")).Delete("/queue/{id}", s.handleQueuePurge)
		r.With(s.require("queue:write")).Post("/queue/{id}/requeue", s.handleQueueRequeue)
		r.With(s.require("queue:write")).Post("/sync/{tag}", s.handleSync)

		r.With(s.require("push:write")).Post("/push", s.handlePush)
		r.With(s.require("notify:read")).Get("/notifications", s.handleNotifications)
		r.With(s.require("notify:write")).Post("/notifications/{id}/click", s.handleNotificationClick)
		r.With(s.require("notify:write")).Post("/notifications/{id}/close", s.handleNotificationClose)

		r.With(promoteQueryToken, s.require("clients:connect")).Get("/clients/ws", s.handleClientSocket)
	})
	return r
}

func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, correlationID)))
	})
}

func (s *Server) require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := getCorrelationID(r)
			claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, time.Now().UTC())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
				return
			}
			if s.rateLimiter != nil {
				key := claims.Subject
				if key == "" {
					key = "anonymous"
				}
				if !s.rateLimiter.allow(key, time.Now().UTC()) {
					retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// promoteQueryToken lets websocket clients, which cannot set headers,
// authenticate with ?token=.
func promoteQueryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
				r.Header.Set("Authorization", "Bearer "+token)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type lifecycleResponse struct {
	Lifecycle    agent.LifecycleStatus `json:"lifecycle"`
	Connectivity *agent.MonitorStatus  `json:"connectivity,omitempty"`
	QueueDepth   int                   `json:"queueDepth"`
	Clients      []string              `json:"clients"`
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	resp := lifecycleResponse{Lifecycle: s.deps.Lifecycle.Status(), Clients: []string{}}
	if s.deps.Monitor != nil {
		status := s.deps.Monitor.Status()
		resp.Connectivity = &status
	}
	if s.deps.Queue != nil {
		depth, err := s.deps.Queue.Depth(r.Context())
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		resp.QueueDepth = depth
	}
	if s.deps.Hub != nil {
		resp.Clients = s.deps.Hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

type installRequest struct {
	Generation string   `json:"generation" validate:"required"`
	URLs       []string `json:"urls" validate:"required,min=1,dive,required"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var m manifest.Manifest
	if len(strings.TrimSpace(string(body))) == 0 {
		if s.deps.LoadManifest == nil {
			writeError(w, http.StatusBadRequest, "bad_request", "manifest body required", getCorrelationID(r))
			return
		}
		loaded, err := s.deps.LoadManifest(r.Context())
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		m = loaded
	} else {
		var req installRequest
		if !s.decodeAndValidate(w, r, body, &req) {
			return
		}
		m = manifest.Manifest{Generation: req.Generation, URLs: req.URLs}
	}
	gen, err := s.deps.Lifecycle.Install(r.Context(), m)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	gen, err := s.deps.Lifecycle.Activate(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var msg ClientMessage
	if !s.decodeAndValidate(w, r, body, &msg) {
		return
	}
	result, err := s.dispatchMessage(r.Context(), msg)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

var errUnknownMessage = errors.New("unknown message type")

// dispatchMessage serves control messages from both the HTTP endpoint and
// the client websocket.
func (s *Server) dispatchMessage(ctx context.Context, msg ClientMessage) (any, error) {
	switch msg.Type {
	case MessageSkipWaiting:
		return s.deps.Lifecycle.SkipWaiting(ctx)
	case MessageNotificationClick:
		return s.deps.Dispatcher.Interact(ctx, msg.ID, msg.Action)
	case MessageNotificationClose:
		return s.deps.Dispatcher.Dismiss(ctx, msg.ID)
	case MessageSync:
		return s.deps.Queue.Drain(ctx, msg.Tag)
	default:
		return nil, errUnknownMessage
	}
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	ops, err := s.deps.Queue.Pending(r.Context(), tag)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	depth, err := s.deps.Queue.Depth(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]queueItem, 0, len(ops))
	for _, op := range ops {
		items = append(items, newQueueItem(op))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"depth":    depth,
		"capacity": s.deps.Queue.Capacity(),
		"tags":     s.deps.Queue.Tags(),
	})
}

// queueItem is a pending operation without its credential.
type queueItem struct {
	ID            string     `json:"id"`
	Tag           string     `json:"tag"`
	Endpoint      string     `json:"endpoint"`
	Method        string     `json:"method"`
	ContentType   string     `json:"contentType,omitempty"`
	PayloadBytes  int        `json:"payloadBytes"`
	CreatedAt     time.Time  `json:"createdAt"`
	RetryCount    int        `json:"retryCount"`
	LastError     string     `json:"lastError,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	State         string     `json:"state"`
}

func newQueueItem(op writequeue.PendingOperation) queueItem {
	return queueItem{
		ID:            op.ID,
		Tag:           op.Tag,
		Endpoint:      op.Endpoint,
		Method:        op.Method,
		ContentType:   op.ContentType,
		PayloadBytes:  len(op.Payload),
		CreatedAt:     op.CreatedAt,
		RetryCount:    op.RetryCount,
		LastError:     op.LastError,
		NextAttemptAt: op.NextAttemptAt,
		State:         op.State,
	}
}

type enqueueRequest struct {
	ID          string `json:"id"`
	Tag         string `json:"tag" validate:"required"`
	Endpoint    string `json:"endpoint" validate:"required,url"`
	Method      string `json:"method" validate:"required,oneof=POST PUT PATCH DELETE post put patch delete"`
	Payload     string `json:"payload"`
	ContentType string `json:"contentType"`
	Credential  string `json:"credential"`
}

func (s *Server) handleQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if !s.decodeAndValidate(w, r, body, &req) {
		return
	}
	op, err := s.deps.Queue.Enqueue(r.Context(), writequeue.PendingOperation{
		ID:          req.ID,
		Tag:         req.Tag,
		Endpoint:    req.Endpoint,
		Method:      req.Method,
		Payload:     []byte(req.Payload),
		ContentType: req.ContentType,
		Credential:  req.Credential,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newQueueItem(op))
}

func (s *Server) handleQueuePurge(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueRequeue(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQueueItem(op))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Queue.Drain(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	n, err := s.deps.Dispatcher.Push(r.Context(), body)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.deps.Dispatcher.List()})
}

type clickRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req clickRequest
	if len(strings.TrimSpace(string(body))) > 0 && !s.decodeAndValidate(w, r, body, &req) {
		return
	}
	n, err := s.deps.Dispatcher.Interact(r.Context(), chi.URLParam(r, "id"), req.Action)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleNotificationClose(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Dispatcher.Dismiss(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "client hub is not configured", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.log.Debug("client websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.MaxBodyBytes)
	s.deps.Hub.Serve(r.Context(), conn, func(ctx context.Context, msg ClientMessage) (any, error) {
		if err := s.validate.Struct(msg); err != nil {
			return nil, errUnknownMessage
		}
		return s.dispatchMessage(ctx, msg)
	})
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, body []byte, dst any) bool {
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err), getCorrelationID(r))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return "invalid request: " + strings.Join(fields, ", ")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", getCorrelationID(r))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", getCorrelationID(r))
		return nil, false
	}
	return body, true
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("control request failed", zap.String("path", r.URL.Path), zap.String("correlation_id", getCorrelationID(r)), zap.Error(err))
	}
	writeError(w, status, code, err.Error(), getCorrelationID(r))
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errUnknownMessage),
		errors.Is(err, writequeue.ErrInvalidInput),
		errors.Is(err, agent.ErrInvalidInput),
		errors.Is(err, manifest.ErrInvalidManifest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, writequeue.ErrNotFound),
		errors.Is(err, writequeue.ErrUnknownTag),
		errors.Is(err, notify.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, writequeue.ErrDuplicateOperation):
		return http.StatusConflict, "conflict"
	case errors.Is(err, writequeue.ErrInvalidState),
		errors.Is(err, notify.ErrInvalidState),
		errors.Is(err, agent.ErrClientsAttached),
		errors.Is(err, agent.ErrNoWaitingGeneration):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, writequeue.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, agent.ErrInstallationFailed):
		return http.StatusBadGateway, "install_failed"
	case errors.Is(err, writequeue.ErrNotImplemented):
		return http.StatusNotImplemented, "not_implemented"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func getCorrelationID(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey{}).(string); ok {
		return id
	}
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
