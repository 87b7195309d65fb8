// Package server exposes answers, keystroke submission and replay over
// HTTP and websockets.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"keyreplay/internal/cache"
	"keyreplay/internal/clock"
	"keyreplay/internal/health"
	"keyreplay/internal/observe"
	"keyreplay/internal/store"
	"keyreplay/internal/submit"
)

// maxBodyBytes bounds request bodies. A long answer session can hold tens
// of thousands of events.
const maxBodyBytes = 16 << 20

// Options configures a Server. Store is required.
type Options struct {
	Store     store.Store
	Submitter *submit.Submitter
	Cache     cache.ReplayCache
	Metrics   *observe.Metrics
	Health    *health.Checker
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Logger         *slog.Logger
	// Clock drives replay and recording sessions. Defaults to clock.Real().
	Clock        clock.Clock
	DefaultSpeed float64
	Debounce     time.Duration
	// CheckOrigin overrides the websocket origin policy.
	CheckOrigin func(*http.Request) bool
}

// Server routes API requests.
type Server struct {
	store        store.Store
	submitter    *submit.Submitter
	cache        cache.ReplayCache
	metrics      *observe.Metrics
	logger       *slog.Logger
	clock        clock.Clock
	defaultSpeed float64
	debounce     time.Duration
	upgrader     websocket.Upgrader
	router       *mux.Router
}

// New builds a Server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Submitter == nil {
		opts.Submitter = submit.New(opts.Store, submit.Options{
			Cache:   opts.Cache,
			Metrics: opts.Metrics,
			Logger:  opts.Logger,
		})
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DefaultSpeed <= 0 {
		opts.DefaultSpeed = 1
	}

	s := &Server{
		store:        opts.Store,
		submitter:    opts.Submitter,
		cache:        opts.Cache,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "server"),
		clock:        opts.Clock,
		defaultSpeed: opts.DefaultSpeed,
		debounce:     opts.Debounce,
		upgrader:     websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
	}
	s.routes(opts.Health, opts.MetricsHandler)
	return s, nil
}

func (s *Server) routes(checker *health.Checker, metricsHandler http.Handler) {
	r := mux.NewRouter()
	r.Use(observe.Middleware(s.metrics, s.logger, routeTemplate))

	r.HandleFunc("/answers", s.handleCreateAnswer).Methods(http.MethodPost)
	r.HandleFunc("/answers/{id}", s.handleGetAnswer).Methods(http.MethodGet)
	r.HandleFunc("/answers/{id}/keystrokes", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/answers/{id}/replay", s.handleGetReplay).Methods(http.MethodGet)
	r.HandleFunc("/answers/{id}/replay/ws", s.handleReplaySocket).Methods(http.MethodGet)
	r.HandleFunc("/answers/{id}/record/ws", s.handleRecordSocket).Methods(http.MethodGet)

	if checker != nil {
		r.Handle("/healthz", checker.Handler()).Methods(http.MethodGet)
		r.Handle("/livez", checker.LivenessHandler()).Methods(http.MethodGet)
		r.Handle("/readyz", checker.ReadinessHandler()).Methods(http.MethodGet)
	}
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router = r
}

// ServeHTTP dispatches to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tpl
}
