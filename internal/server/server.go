// Package server exposes the media pipeline over HTTP: album browsing and
// search from the catalog, on-demand thumbnails with placeholder fallbacks,
// the bulk back-fill trigger, and a server-sent-events stream of generated
// artifacts. Every error leaves through one JSON envelope.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/stillframe/shoebox/internal/cache"
	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/internal/events"
	"github.com/stillframe/shoebox/internal/hls"
	"github.com/stillframe/shoebox/internal/indexer"
	"github.com/stillframe/shoebox/internal/sched"
	"github.com/stillframe/shoebox/internal/thumbs"
	"github.com/stillframe/shoebox/pkg/observability"
)

const (
	// requestTimeout bounds ordinary API requests. The SSE stream and the
	// batch trigger run outside it.
	requestTimeout = 60 * time.Second

	// readHeaderTimeout bounds slow-loris style header dribble.
	readHeaderTimeout = 10 * time.Second

	// browseCacheSize bounds the browse response cache.
	browseCacheSize = 256

	// browseCacheTTL matches the short client-side TTL on incomplete
	// results, so both sides converge at the same cadence.
	browseCacheTTL = 10 * time.Second
)

// Options wire the server to the pipeline.
type Options struct {
	Store   *catalog.Store
	Views   *catalog.ViewRecorder
	Thumbs  *thumbs.Engine
	HLS     *hls.Engine
	Indexer *indexer.Indexer
	Bus     *events.Bus
	Sched   *sched.Scheduler
	Config  *config.Config

	// MetricsHandler serves the Prometheus exposition endpoint when set.
	MetricsHandler http.Handler

	// Tracer enables per-request spans when set.
	Tracer trace.Tracer

	Logger *slog.Logger
}

// Server is the HTTP surface over the media pipeline.
type Server struct {
	opts   Options
	logger *slog.Logger
	router chi.Router
	http   *http.Server

	// closing is closed when Shutdown begins, so long-lived streams end
	// instead of pinning the drain until its deadline.
	closing chan struct{}

	browseCache *cache.LRU[browseEntry]
}

// New assembles the router. Start opens the listener.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		opts:        opts,
		logger:      logger.With(slog.String("component", "server")),
		closing:     make(chan struct{}),
		browseCache: cache.New[browseEntry](browseCacheSize, browseCacheTTL),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if opts.Tracer != nil {
		r.Use(func(next http.Handler) http.Handler {
			return observability.HTTPMiddleware(opts.Tracer, next)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/api/browse", s.handleBrowse)
		r.Get("/api/browse/*", s.handleBrowse)
		r.Get("/api/search", s.handleSearch)
		r.Get("/api/thumbnail", s.handleThumbnail)
		r.Get("/api/thumbnail/stats", s.handleThumbnailStats)
		r.Get("/api/history", s.handleHistoryList)
		r.Post("/api/history", s.handleHistoryRecord)
		r.Get("/healthz", s.handleHealthz)
		r.Method(http.MethodGet, "/readyz", observability.ReadyHandler(opts.Store.Ping))

		if opts.MetricsHandler != nil {
			r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
		}
	})

	// The event stream outlives any per-request deadline, and a looping
	// back-fill legitimately runs for minutes.
	r.Group(func(r chi.Router) {
		r.Get("/api/events", s.handleEvents)
		r.Post("/api/thumbnail/batch", s.handleThumbnailBatch)
	})

	s.router = r
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Config.Port),
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.http.RegisterOnShutdown(sync.OnceFunc(func() { close(s.closing) }))

	return s
}

// Handler returns the assembled router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start opens the listener and serves in the background. The returned
// channel delivers the terminal serve error; a clean Shutdown delivers nil.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}

	errc := make(chan error, 1)

	go func() {
		err := s.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}

		errc <- err
	}()

	s.logger.Info("http listener open", slog.String("addr", ln.Addr().String()))

	return errc, nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
