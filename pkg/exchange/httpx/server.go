package httpx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

// ServerMetrics holds the Prometheus collectors registered by NewServer,
// mirroring pkg/observability/prometheus's request-metrics shape.
type ServerMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	MailboxGauge    prometheus.Gauge
}

func newServerMetrics(registerer prometheus.Registerer) *ServerMetrics {
	if registerer == nil {
		// Each server gets its own registry by default so that hosting more
		// than one exchange server in a process (or in a test binary) never
		// collides on prometheus.DefaultRegisterer's collector names.
		registerer = prometheus.NewRegistry()
	}
	return &ServerMetrics{
		RequestsTotal: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_http_requests_total",
			Help: "Total HTTP exchange requests by endpoint and status code.",
		}, []string{"endpoint", "status"}),
		RequestDuration: promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
			Name: "exchange_http_request_duration_seconds",
			Help: "HTTP exchange request latency by endpoint.",
		}, []string{"endpoint"}),
		MailboxGauge: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "exchange_http_active_mailboxes",
			Help: "Mailboxes created through this HTTP exchange server that have not been terminated.",
		}),
	}
}

// AuthFunc validates the bearer token (or absence of one) carried by an
// incoming request and derives the caller identity the backend should use
// for authorization. Returning exchangeerr.Unauthorized maps to 401;
// anything else is surfaced as-is. A nil AuthFunc disables authentication
// and every request is treated as its own caller (no shared groups).
type AuthFunc func(bearer string) (mailbox.CallerIdentity, error)

// ServerConfig configures the HTTP exchange server.
type ServerConfig struct {
	Addr   string
	Auth   AuthFunc
	Logger logging.Logger
	// MetricsRegisterer receives the server's Prometheus collectors; nil
	// creates a fresh, private registry for this server instance.
	MetricsRegisterer prometheus.Registerer
}

// Server wraps a mailbox.Backend with the six-endpoint HTTP wire protocol.
// Grounded on pkg/web/http_server.go's BaseServer-embedding shape, adapted
// here to a standalone net/http.Server since the exchange domain has no
// Vertx/EventBus of its own to embed into.
type Server struct {
	backend mailbox.Backend
	auth    AuthFunc
	logger  logging.Logger
	metrics *ServerMetrics
	http    *http.Server
}

// NewServer constructs an HTTP exchange server over backend.
func NewServer(backend mailbox.Backend, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}
	s := &Server{
		backend: backend,
		auth:    config.Auth,
		logger:  logger.WithFields(map[string]interface{}{"component": "exchange-http-server"}),
		metrics: newServerMetrics(config.MetricsRegisterer),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/mailbox", s.wrap("mailbox", s.handleMailbox))
	mux.HandleFunc("/message", s.wrap("message", s.handleMessage))
	mux.HandleFunc("/discover", s.wrap("discover", s.handleDiscover))
	mux.HandleFunc("/healthz", s.handleHealth)
	s.http = &http.Server{Addr: config.Addr, Handler: mux}
	return s
}

// ListenAndServe blocks, serving until Shutdown is called (or a listen
// error occurs).
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// wrap applies the auth and Prometheus metrics middleware common to every
// exchange endpoint, matching the lineage's request-metrics-middleware
// pattern (pkg/observability/prometheus).
func (s *Server) wrap(endpoint string, next func(http.ResponseWriter, *http.Request, mailbox.CallerIdentity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		caller, err := s.authenticate(r)
		if err != nil {
			writeError(rec, http.StatusUnauthorized, exchangeerr.New(exchangeerr.Unauthorized, "%v", err))
		} else {
			next(rec, r, caller)
		}

		s.metrics.RequestsTotal.WithLabelValues(endpoint, http.StatusText(rec.status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) authenticate(r *http.Request) (mailbox.CallerIdentity, error) {
	if s.auth == nil {
		return mailbox.CallerIdentity{}, nil
	}
	header := r.Header.Get("Authorization")
	bearer := strings.TrimPrefix(header, "Bearer ")
	if bearer == header && header != "" {
		return mailbox.CallerIdentity{}, exchangeerr.New(exchangeerr.Unauthorized, "malformed Authorization header")
	}
	return s.auth(bearer)
}

func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request, caller mailbox.CallerIdentity) {
	switch r.Method {
	case http.MethodPost:
		var req mailboxCreateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := identity.ParseEntityId(req.Mailbox)
		if err != nil {
			writeError(w, http.StatusBadRequest, exchangeerr.New(exchangeerr.BadEntity, "%v", err))
			return
		}
		if req.Behavior != "" {
			id.Ancestry = strings.Split(req.Behavior, ",")
		}
		if caller.ID.IsZero() {
			caller.ID = id
		}
		if err := s.backend.CreateMailbox(caller, id); err != nil {
			writeTaxonomyError(w, err)
			return
		}
		s.metrics.MailboxGauge.Inc()
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		var req mailboxIDRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := identity.ParseEntityId(req.Mailbox)
		if err != nil {
			writeError(w, http.StatusBadRequest, exchangeerr.New(exchangeerr.BadEntity, "%v", err))
			return
		}
		if caller.ID.IsZero() {
			caller.ID = id
		}
		if err := s.backend.Terminate(caller, id); err != nil {
			writeTaxonomyError(w, err)
			return
		}
		s.metrics.MailboxGauge.Dec()
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		var req mailboxIDRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := identity.ParseEntityId(req.Mailbox)
		if err != nil {
			writeError(w, http.StatusBadRequest, exchangeerr.New(exchangeerr.BadEntity, "%v", err))
			return
		}
		if caller.ID.IsZero() {
			caller.ID = id
		}
		status, err := s.backend.Status(caller, id)
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, mailboxStatusResponse{Status: string(status)})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, caller mailbox.CallerIdentity) {
	switch r.Method {
	case http.MethodPut:
		var req messagePutRequest
		if !decodeBody(w, r, &req) {
			return
		}
		msg, err := identity.Deserialize(req.Message)
		if err != nil {
			writeError(w, http.StatusBadRequest, exchangeerr.New(exchangeerr.BadEntity, "%v", err))
			return
		}
		if caller.ID.IsZero() {
			caller.ID = msg.Src
		}
		if err := s.backend.Put(caller, msg); err != nil {
			writeTaxonomyError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		var req messageGetRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := identity.ParseEntityId(req.Mailbox)
		if err != nil {
			writeError(w, http.StatusBadRequest, exchangeerr.New(exchangeerr.BadEntity, "%v", err))
			return
		}
		if caller.ID.IsZero() {
			caller.ID = id
		}
		timeout := time.Duration(req.TimeoutMilli) * time.Millisecond
		ctx := r.Context()
		msg, err := s.backend.Get(ctx, caller, id, timeout)
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}
		encoded, err := identity.Serialize(msg)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, messageGetResponse{Message: encoded})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request, caller mailbox.CallerIdentity) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req discoverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ids, err := s.backend.Discover(caller, req.Behavior, req.AllowSubclasses)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, discoverResponse{AgentIDs: joinAgentIDs(ids)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, exchangeerr.New(exchangeerr.BadEntity, "malformed request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeTaxonomyError maps a *exchangeerr.Error to the wire protocol's status
// codes: 404 BadEntity, 403 Forbidden/MailboxTerminated, 408 Timeout, 413
// MessageTooLarge, 503 MailboxFull (transient backpressure, safe to retry),
// 401 Unauthorized, 500 anything else.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case exchangeerr.Is(err, exchangeerr.BadEntity):
		status = http.StatusNotFound
	case exchangeerr.Is(err, exchangeerr.Forbidden), exchangeerr.Is(err, exchangeerr.MailboxTerminated):
		status = http.StatusForbidden
	case exchangeerr.Is(err, exchangeerr.Timeout):
		status = http.StatusRequestTimeout
	case exchangeerr.Is(err, exchangeerr.MessageTooLarge):
		status = http.StatusRequestEntityTooLarge
	case exchangeerr.Is(err, exchangeerr.MailboxFull):
		status = http.StatusServiceUnavailable
	case exchangeerr.Is(err, exchangeerr.Unauthorized):
		status = http.StatusUnauthorized
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	kind := ""
	if te, ok := err.(*exchangeerr.Error); ok {
		kind = string(te.Kind)
	}
	writeJSON(w, status, errorResponse{Kind: kind, Message: err.Error()})
}

// joinAgentIDs renders ids into the wire protocol's "id1,id2,…" form. Each
// id is serialized to its JSON form and base64-encoded before joining, since
// a serialized EntityId's own JSON contains literal commas.
func joinAgentIDs(ids []identity.EntityId) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		encoded, err := id.Serialize()
		if err != nil {
			continue
		}
		parts = append(parts, base64.StdEncoding.EncodeToString([]byte(encoded)))
	}
	return strings.Join(parts, ",")
}

// splitAgentIDs reverses joinAgentIDs.
func splitAgentIDs(s string) ([]identity.EntityId, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]identity.EntityId, 0, len(parts))
	for _, p := range parts {
		raw, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, err
		}
		id, err := identity.ParseEntityId(string(raw))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
