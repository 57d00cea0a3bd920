// Package api serves the CivicPipe admin API and provider webhooks.
//
// Administrators validate, publish and activate flow documents, manage availability
// schedules, preview offerable slots and inspect or reset conversation sessions. Chat
// providers that push messages over HTTP (Twilio) are mounted under /webhook.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CivicPipe/internal/flow"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps request bodies (flow documents, schedules).
	maxBodyBytes = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	AllowedOrigins []string
	TwilioWebhook  http.HandlerFunc
	Now            func() time.Time
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAllowedOrigins sets the CORS origins allowed to call the admin API.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithTwilioWebhook mounts h at POST /webhook/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithClock sets the clock used by the availability preview.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Server is the HTTP front of CivicPipe.
type Server struct {
	opts     Opts
	catalog  *flow.Catalog
	sessions *flow.SessionManager
	router   chi.Router
}

// NewServer builds the router.
func NewServer(catalog *flow.Catalog, sessions *flow.SessionManager, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{opts: cfg, catalog: catalog, sessions: sessions}
	s.router = s.buildRouter()
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.opts.TwilioWebhook != nil {
		r.Post("/webhook/twilio", s.opts.TwilioWebhook)
	}

	r.Route("/v1/tenants/{tenantID}", func(r chi.Router) {
		r.Route("/flows", func(r chi.Router) {
			r.Post("/validate", s.validateFlowHandler)
			r.Post("/", s.publishFlowHandler)
			r.Get("/active", s.activeFlowsHandler)
			r.Get("/{flowID}/versions/{version}", s.getFlowHandler)
			r.Post("/{flowID}/versions/{version}/activate", s.activateFlowHandler)
			r.Delete("/{flowID}/active", s.deactivateFlowHandler)
		})
		r.Get("/schedules", s.getScheduleHandler)
		r.Put("/schedules", s.putScheduleHandler)
		r.Get("/availability", s.availabilityHandler)
		r.Get("/sessions/{participantID}", s.getSessionHandler)
		r.Delete("/sessions/{participantID}", s.resetSessionHandler)
	})
	return r
}

// requestLogger logs each request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully. Each worker runs
// alongside the server; the first failure of either stops everything.
func (s *Server) Run(ctx context.Context, workers ...func(context.Context) error) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("CivicPipe API listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		slog.Info("CivicPipe API shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	for _, w := range workers {
		g.Go(func() error { return w(gctx) })
	}
	return g.Wait()
}
