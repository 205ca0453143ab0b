package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/flowrelay/internal/relay"
	"github.com/google/uuid"
)

const (
	defaultMaxBodyBytes     = 1 << 20
	defaultSignatureMaxSkew = 5 * time.Minute
	defaultRunListLimit     = 50
	maxRunListLimit         = 500

	adminReadScope    = "admin:read"
	runsTriggerScope  = "runs:trigger"
	headerSignature   = "X-Lark-Signature"
	headerTimestamp   = "X-Lark-Request-Timestamp"
	headerNonce       = "X-Lark-Request-Nonce"
	headerCorrelation = "X-Correlation-Id"
)

type ServerConfig struct {
	VerificationToken string
	// EncryptKey enables signature checks on callbacks that carry X-Lark-Signature.
	EncryptKey       string
	JWTSecret        string
	AdminRateLimit   float64
	AdminRateBurst   int
	MaxBodyBytes     int64
	SignatureMaxSkew time.Duration
	Service          string
	Version          string
	Logger           *slog.Logger
}

type Server struct {
	relay             *relay.Relay
	metrics           *relay.Metrics
	cfg               ServerConfig
	verificationToken atomic.Pointer[string]
	validator         *eventValidator
	adminLimiter      *rateLimiter
	logger            *slog.Logger
	now               func() time.Time
}

func NewServer(r *relay.Relay, metrics *relay.Metrics, cfg ServerConfig) (*Server, error) {
	if r == nil {
		return nil, errors.New("httpapi: relay is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.SignatureMaxSkew == 0 {
		cfg.SignatureMaxSkew = defaultSignatureMaxSkew
	}
	if cfg.Service == "" {
		cfg.Service = "flowrelay"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := newEventValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		relay:        r,
		metrics:      metrics,
		cfg:          cfg,
		validator:    validator,
		adminLimiter: newRateLimiter(cfg.AdminRateLimit, cfg.AdminRateBurst),
		logger:       logger,
		now:          time.Now,
	}
	s.SetVerificationToken(cfg.VerificationToken)
	return s, nil
}

// SetVerificationToken swaps the shared callback token. Safe to call while serving.
func (s *Server) SetVerificationToken(token string) {
	token = strings.TrimSpace(token)
	s.verificationToken.Store(&token)
}

func (s *Server) currentVerificationToken() string {
	if p := s.verificationToken.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("handler panic recovered", "panic", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", correlationID(r))
		}
	}()
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		s.handleIndex(w, r)
		return
	case (r.URL.Path == "/health" || r.URL.Path == "/api/health") && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": s.cfg.Service,
			"version": s.cfg.Version,
		})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics are disabled", correlationID(r))
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
		return
	case r.URL.Path == "/webhook" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
		return
	case r.URL.Path == "/api/process" && r.Method == http.MethodPost:
		s.handleProcess(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "admin" && r.Method == http.MethodGet {
		s.handleAdmin(w, r, parts[2:])
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID(r))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": s.cfg.Service,
		"version": s.cfg.Version,
		"endpoints": map[string]string{
			"webhook": "/webhook (POST)",
			"process": "/api/process (POST)",
			"health":  "/health (GET)",
			"metrics": "/metrics (GET)",
			"runs":    "/v1/admin/runs (GET)",
			"feed":    "/v1/admin/runs/feed (GET, websocket)",
			"ingress": "/v1/admin/ingress (GET)",
		},
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	corrID := correlationID(r)
	logger := s.logger.With("correlation_id", corrID)
	body, ok := s.readRequestBody(w, r, corrID)
	if !ok {
		s.relay.RecordRejected()
		return
	}
	now := s.now().UTC()
	if s.cfg.EncryptKey != "" && r.Header.Get(headerSignature) != "" {
		if authErr := verifyCallbackSignature(
			s.cfg.EncryptKey,
			r.Header.Get(headerTimestamp),
			r.Header.Get(headerNonce),
			r.Header.Get(headerSignature),
			body,
			now,
			s.cfg.SignatureMaxSkew,
		); authErr != nil {
			s.relay.RecordRejected()
			logger.Warn("callback signature rejected", "reason", authErr.message)
			writeError(w, authErr.status, authErr.code, authErr.message, corrID)
			return
		}
	}
	if err := s.validator.Validate(body); err != nil {
		s.relay.RecordRejected()
		logger.Warn("callback rejected by schema", "error", err)
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), corrID)
		return
	}
	evt, err := relay.ParseChatEvent(body)
	if err != nil {
		s.relay.RecordRejected()
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", corrID)
		return
	}
	if evt.Encrypt != "" {
		s.relay.RecordRejected()
		writeError(w, http.StatusBadRequest, "bad_request", "encrypted callbacks are not supported", corrID)
		return
	}

	expected := s.currentVerificationToken()
	if evt.IsURLVerification() {
		if token := evt.VerificationToken(); token != "" && !tokensEqual(token, expected) {
			s.relay.RecordRejected()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		logger.Info("answering url verification")
		writeJSON(w, http.StatusOK, map[string]string{"challenge": evt.Challenge})
		return
	}
	if !tokensEqual(evt.VerificationToken(), expected) {
		s.relay.RecordRejected()
		logger.Warn("callback token mismatch", "event_id", evt.Header.EventID)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	if evt.EventType() != relay.EventTypeMessageReceive {
		s.relay.RecordIgnored()
		logger.Info("ignoring event", "event_type", evt.EventType())
		writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
		return
	}

	trigger, err := evt.Trigger(now)
	if err != nil {
		s.relay.RecordRejected()
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), corrID)
		return
	}
	queued, err := s.relay.Submit(r.Context(), trigger)
	if err != nil {
		s.writeSubmitError(w, err, corrID)
		return
	}
	if queued.Status == relay.DuplicateStatus {
		writeJSON(w, http.StatusOK, map[string]string{"message": "already processed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
}

type processRequest struct {
	DocURL string `json:"doc_url"`
}

// handleProcess schedules a run for a link posted directly, notifying the default
// chat when it finishes.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	corrID := correlationID(r)
	if s.cfg.JWTSecret != "" {
		if _, authErr := authorizeAdmin(bearerToken(r.Header.Get("Authorization")), s.cfg.JWTSecret, runsTriggerScope, s.now().UTC()); authErr != nil {
			writeJSON(w, authErr.status, map[string]any{"success": false, "message": authErr.message})
			return
		}
	}
	body, ok := s.readRequestBody(w, r, corrID)
	if !ok {
		return
	}
	var req processRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid json body"})
		return
	}
	if strings.TrimSpace(req.DocURL) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "doc_url is required"})
		return
	}
	link, found := relay.ExtractDocURL(strings.TrimSpace(req.DocURL))
	if !found {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "doc_url is not a valid document link"})
		return
	}
	queued, err := s.relay.Submit(r.Context(), relay.Trigger{
		TriggerID:   uuid.NewString(),
		PayloadText: link,
		ReceivedAt:  s.now().UTC(),
		Direct:      true,
	})
	if err != nil {
		s.writeSubmitError(w, err, corrID)
		return
	}
	s.logger.Info("direct run scheduled", "trigger_id", queued.TriggerID, "input_url", link, "correlation_id", corrID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":   true,
		"message":   "workflow scheduled; the result will be posted to the chat",
		"triggerId": queued.TriggerID,
		"docUrl":    link,
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error, corrID string) {
	switch {
	case errors.Is(err, relay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), corrID)
	case errors.Is(err, relay.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", "trigger queue is full", corrID)
	case errors.Is(err, relay.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "relay is shutting down", corrID)
	default:
		s.logger.Error("submit trigger failed", "error", err, "correlation_id", corrID)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), corrID)
	}
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, route []string) {
	corrID := correlationID(r)
	if s.adminLimiter != nil {
		if ok, delay := s.adminLimiter.allow(clientIP(r), s.now()); !ok {
			retryAfter := int(math.Ceil(delay.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", corrID)
			return
		}
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" && len(route) == 2 && route[1] == "feed" {
		// Browsers cannot set headers on websocket upgrades.
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if _, authErr := authorizeAdmin(token, s.cfg.JWTSecret, adminReadScope, s.now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, corrID)
		return
	}

	switch {
	case len(route) == 1 && route[0] == "ingress":
		writeJSON(w, http.StatusOK, s.relay.IngressStatus())
	case len(route) == 1 && route[0] == "runs":
		s.handleListRuns(w, r, corrID)
	case len(route) == 2 && route[0] == "runs" && route[1] == "feed":
		s.handleRunFeed(w, r)
	case len(route) == 2 && route[0] == "runs":
		record, ok := s.relay.Tracker().Get(route[1])
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "run not found", corrID)
			return
		}
		writeJSON(w, http.StatusOK, record)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", corrID)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, corrID string) {
	limit := defaultRunListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", corrID)
			return
		}
		limit = parsed
	}
	if limit > maxRunListLimit {
		limit = maxRunListLimit
	}
	runs := s.relay.Tracker().List(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": runs,
		"count": len(runs),
	})
}

func correlationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerCorrelation))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, corrID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", corrID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", corrID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	payload := map[string]any{
		"error":   message,
		"code":    code,
		"message": message,
	}
	if correlationID != "" {
		payload["correlationId"] = correlationID
	}
	writeJSON(w, status, payload)
}
