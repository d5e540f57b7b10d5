// Package broker implements the storage-less relay from spec.md §4.6: a
// per-user directory of nodes, long-poll pull registrations, and
// block-request sets, exposed over HTTP+JSON per spec.md §6.2. Grounded in
// the teacher's pkg/dashboard Start/Stop-over-http.Server lifecycle and
// apiServer's mux/handler/writeJSON conventions.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/i5heu/blocksync/internal/health"
)

// Config tunes the broker's timing and optional resource ceilings.
// MaxUsers and MaxNodesPerUser default to zero, meaning unbounded — spec.md
// §5 permits but does not mandate a ceiling (SPEC_FULL.md §9 decision).
type Config struct {
	NodeTimeout     time.Duration
	GCInterval      time.Duration
	PullTimeout     time.Duration
	MaxUsers        int
	MaxNodesPerUser int
}

// DefaultConfig returns the timings named in spec.md §4.6/§6.2: a 20s node
// timeout, a ~1s gc tick, and a 120s long-poll timeout.
func DefaultConfig() Config {
	return Config{
		NodeTimeout: 20 * time.Second,
		GCInterval:  time.Second,
		PullTimeout: 120 * time.Second,
	}
}

// Server is the broker's HTTP handler plus its background GC loop.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	log     *slog.Logger
	sampler *health.Sampler

	startedAt time.Time

	mu    sync.Mutex
	users map[string]*userState

	httpServer *http.Server
	gcStop     chan struct{}
	gcDone     chan struct{}
}

// New builds a broker Server. log and sampler may be nil; a nil sampler
// leaves /status's health snapshot zeroed rather than failing requests.
func New(cfg Config, log *slog.Logger, sampler *health.Sampler) *Server {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultConfig().NodeTimeout
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultConfig().GCInterval
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultConfig().PullTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		log:       log.With("component", "broker"),
		sampler:   sampler,
		startedAt: time.Now(),
		users:     make(map[string]*userState),
		gcStop:    make(chan struct{}),
		gcDone:    make(chan struct{}),
	}
	s.mux = http.NewServeMux()
	s.routes()
	go s.runGC()
	return s
}

// Close stops the background GC loop. It does not close any listener
// obtained through Listen/Serve; call those with a canceled context for
// that.
func (s *Server) Close() {
	select {
	case <-s.gcStop:
	default:
		close(s.gcStop)
	}
	<-s.gcDone
}

func (s *Server) routes() {
	s.mux.HandleFunc("/check-in", onlyMethod(http.MethodPost, s.handleCheckIn))
	s.mux.HandleFunc("/pull-blocks", onlyMethod(http.MethodPost, s.handlePullBlocks))
	s.mux.HandleFunc("/push-blocks", onlyMethod(http.MethodPost, s.handlePushBlocks))
	s.mux.HandleFunc("/request-blocks", onlyMethod(http.MethodPost, s.handleRequestBlocks))
	s.mux.HandleFunc("/status", onlyMethod(http.MethodGet, s.handleStatus))
}

// onlyMethod rejects requests whose method is not method with 405.
func onlyMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// ServeHTTP enforces the X-User-Id requirement of spec.md §6.2, stamps a
// Server header, and logs each request at debug level with latency
// (SPEC_FULL.md §6.2's ambient observability addition).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("Server", "blocksync-broker/1")

	userID := userIDFromRequest(r)
	if userID == "" {
		http.Error(w, "missing X-User-Id", http.StatusUnauthorized)
		return
	}

	s.mux.ServeHTTP(w, r)
	s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "userId", userID, "latency", time.Since(start))
}

func userIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

// Listen starts the HTTP server on addr and blocks until ctx is canceled,
// then shuts it down gracefully, mirroring the teacher's dashboard
// Start/Stop-over-http.Server lifecycle.
func (s *Server) Listen(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve runs the broker over an already-open listener and blocks until ctx
// is canceled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-serveErr:
		s.Close()
		return err
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("broker: shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("broker: failed to encode response", "error", err)
	}
}
