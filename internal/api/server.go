package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/evaluation"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/logging"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/telemetry"
)

// Defaults applied by NewServer.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultHeartbeat      = 25 * time.Second
)

// Options configures a Server.
type Options struct {
	// Env is used when a request carries no envId.
	Env string
	// AdminAPIKey protects the cache and segment endpoints. Empty disables auth.
	AdminAPIKey string
	// RateLimitPerIP is the request budget per client IP and minute. Zero disables limiting.
	RateLimitPerIP int
	RequestTimeout time.Duration
	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
	Logger    zerolog.Logger
}

type Server struct {
	svc         *evaluation.Service
	env         string
	adminAPIKey string
	rateLimit   int
	timeout     time.Duration
	heartbeat   time.Duration
	logger      zerolog.Logger
}

func NewServer(svc *evaluation.Service, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Server{
		svc:         svc,
		env:         opts.Env,
		adminAPIKey: opts.AdminAPIKey,
		rateLimit:   opts.RateLimitPerIP,
		timeout:     opts.RequestTimeout,
		heartbeat:   opts.Heartbeat,
		logger:      logging.Component(opts.Logger, "api"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(logging.AccessLog(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware)
	if s.rateLimit > 0 {
		r.Use(httprate.Limit(s.rateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(RateLimitedError),
		))
	}

	// health
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// long-lived: no request timeout
	r.Get("/v1/stream", s.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))

		// public: evaluation
		r.Post("/v1/evaluate", s.handleEvaluate)
		r.Post("/v1/evaluate/batch", s.handleEvaluateBatch)

		// public: published rules (ETag)
		r.Get("/v1/rules/{envId}/{flagId}", s.handleGetRules)
		r.Post("/v1/rules/validate", s.handleValidateRules)

		// admin (protected)
		r.Post("/v1/cache", s.authAdmin(s.handleUpdateCache))
		r.Delete("/v1/cache/{envId}/{flagId}", s.authAdmin(s.handleDeleteFlag))
		r.Put("/v1/segments/{envId}/{segmentId}", s.authAdmin(s.handlePutSegment))
		r.Delete("/v1/segments/{envId}/{segmentId}", s.authAdmin(s.handleDeleteSegment))
	})

	return r
}

// envOrDefault returns env, or the server's default environment when empty.
func (s *Server) envOrDefault(env string) string {
	if env = strings.TrimSpace(env); env != "" {
		return env
	}
	return s.env
}

// ---- middleware ----

func (s *Server) authAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		got = strings.TrimSpace(got)
		if !ok || got == "" {
			UnauthorizedError(w, r, "missing bearer token")
			return
		}
		// constant-time compare
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminAPIKey)) != 1 {
			ForbiddenError(w, r, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	}
}
