package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/middleware/ratelimit"
	"bilancio/internal/middleware/security"
	"bilancio/internal/middleware/trace"
	"bilancio/internal/services"
)

// Services groups the engine operations the API exposes.
type Services struct {
	Transactions *services.TransactionService
	Recurring    *services.RecurringExecutor
	Installments *services.InstallmentTracker
	Calendar     *services.CalendarAggregator
	Dashboard    *services.DashboardEngine
	Categories   services.CategoryReader
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the server. Zero values fall back to defaults.
type Options struct {
	RateLimitPerMinute int
	// Today returns the current calendar day in the configured time zone.
	Today  func() core.Date
	Logger *log.Logger
}

type Server struct {
	http.Server
	svc   Services
	store Pinger
	today func() core.Date

	rateLimiter     *ratelimit.Limiter
	traceMiddleware *trace.Middleware
	detector        *security.Detector
	started         time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run http.Server.
func NewServer(addr string, svc Services, store Pinger, opts Options) *Server {
	if opts.Today == nil {
		opts.Today = func() core.Date { return core.DateOf(time.Now()) }
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.DefaultConfig(slog.LevelInfo, log.ComponentHTTP))
	}
	rlConfig := ratelimit.DefaultConfig()
	if opts.RateLimitPerMinute > 0 {
		rlConfig.RequestsPerMinute = opts.RateLimitPerMinute
	}

	detector := security.NewDetector()
	s := &Server{
		svc:             svc,
		store:           store,
		today:           opts.Today,
		rateLimiter:     ratelimit.NewLimiter(rlConfig),
		traceMiddleware: trace.NewMiddleware(detector.ExtractClientIP),
		detector:        detector,
		started:         time.Now(),
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "route not found", "")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	r.HandleFunc("/categories", s.handleListCategories).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)

	// calendar must be registered before /transactions/{id}
	r.HandleFunc("/transactions/calendar", s.handleCalendar).Methods(http.MethodGet)
	r.HandleFunc("/transactions", s.handleCreateTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}", s.handleGetTransaction).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}", s.handleDeleteTransaction).Methods(http.MethodDelete)
	r.HandleFunc("/transactions/{id}/confirm", s.handleConfirmTransaction).Methods(http.MethodPost)

	r.HandleFunc("/recurring-transactions", s.handleCreateRecurring).Methods(http.MethodPost)
	r.HandleFunc("/recurring-transactions", s.handleListRecurring).Methods(http.MethodGet)
	r.HandleFunc("/recurring-transactions/execute-due", s.handleExecuteDue).Methods(http.MethodPost)
	r.HandleFunc("/recurring-transactions/{id}", s.handleGetRecurring).Methods(http.MethodGet)
	r.HandleFunc("/recurring-transactions/{id}", s.handleUpdateRecurring).Methods(http.MethodPut)
	r.HandleFunc("/recurring-transactions/{id}/execute", s.handleExecuteRecurring).Methods(http.MethodPost)

	r.HandleFunc("/installments", s.handleCreateInstallment).Methods(http.MethodPost)
	r.HandleFunc("/installments", s.handleListInstallments).Methods(http.MethodGet)
	r.HandleFunc("/installments/{id}", s.handleGetInstallment).Methods(http.MethodGet)
	r.HandleFunc("/installments/{id}/next", s.handleInstallmentPayment).Methods(http.MethodPost)
	r.HandleFunc("/installments/{id}/cancel", s.handleCancelInstallment).Methods(http.MethodPost)

	// Outermost first: the request logger must be in the context before
	// tracing logs the request start.
	var h http.Handler = r
	h = s.rateLimiter.Middleware(detector.ExtractClientIP, s.onRateLimited)(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	h = detector.Middleware(h)
	h = log.RequestIDMiddleware(trace.FromRequest)(h)
	h = s.traceMiddleware.Middleware(h)
	h = log.Middleware(opts.Logger)(h)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded, retry later", "")
}

// Shutdown gracefully shuts down the server and its cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// invalidate drops cached read models after a committed write.
func (s *Server) invalidate() {
	if s.svc.Calendar != nil {
		s.svc.Calendar.Invalidate()
	}
}
