// Package gateway is the task-group proxy between spreadsheet clients and
// the upstream task API: it creates task groups from row jobs, relays the
// upstream event stream over SSE with results spliced in, and enforces
// at-most-one stream per task group.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/gridfill/gridfill-cli/internal/model"
	"github.com/gridfill/gridfill-cli/internal/registry"
	"github.com/gridfill/gridfill-cli/internal/resilience"
	"github.com/gridfill/gridfill-cli/internal/store"
	"github.com/gridfill/gridfill-cli/pkg/parallel"
)

// Server handles the spreadsheet enrichment endpoints.
type Server struct {
	client  parallel.Client
	store   store.Store
	locks   *registry.Locks
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker

	// targets maps task group id to run id to grid target so persisted
	// outcomes carry row numbers. Populated at submission, pruned when the
	// group reaches a terminal signal or is cancelled.
	targetsMu sync.Mutex
	targets   map[string]map[string]model.RunTarget

	keepalive time.Duration
}

// Option configures the server.
type Option func(*Server)

// WithKeepalive sets the SSE keepalive comment interval.
func WithKeepalive(d time.Duration) Option {
	return func(s *Server) {
		s.keepalive = d
	}
}

// WithUpstreamRetry sets the retry schedule for non-streaming upstream calls.
func WithUpstreamRetry(cfg resilience.RetryConfig) Option {
	return func(s *Server) {
		s.retry = cfg
	}
}

// WithBreaker sets the circuit breaker guarding the upstream task API.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Server) {
		s.breaker = cb
	}
}

// NewServer creates a gateway server. client may be nil when no upstream API
// key is configured; requests then fail with 500 instead of the process
// refusing to start.
func NewServer(client parallel.Client, st store.Store, locks *registry.Locks, opts ...Option) *Server {
	s := &Server{
		client:    client,
		store:     st,
		locks:     locks,
		retry:     resilience.DefaultRetryConfig(),
		breaker:   resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{}),
		keepalive: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP routing table.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api/spreadsheet/parallel", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleStream)
		r.Delete("/", s.handleCancel)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireClient rejects the request when no upstream client is configured.
func (s *Server) requireClient(w http.ResponseWriter) bool {
	if s.client == nil {
		writeError(w, http.StatusInternalServerError, "PARALLEL_API_KEY is not configured")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}
