package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guildops/muster/internal/observe"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers before the connection is dropped.
const readHeaderTimeout = 5 * time.Second

// RouteRegistrar adds routes to a mux. The roster WebSocket server
// implements it; so does [Handler].
type RouteRegistrar interface {
	Register(mux *http.ServeMux)
}

// ServerConfig configures a [Server].
type ServerConfig struct {
	// Addr is the listen address. Default ":8080".
	Addr string

	// Checkers are evaluated on each /readyz request.
	Checkers []Checker

	// Routes are additional route providers mounted on the same mux,
	// such as the live-roster WebSocket server.
	Routes []RouteRegistrar

	// Metrics enables the observe HTTP middleware (spans, request
	// duration, correlation id header) when non-nil.
	Metrics *observe.Metrics

	// Logger for lifecycle events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Server is the operational HTTP server: liveness and readiness probes,
// the Prometheus scrape endpoint, and any registered extra routes.
type Server struct {
	addr       string
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

// NewServer assembles the mux and the underlying [http.Server]. Call
// [Server.Start] to begin serving.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mux := http.NewServeMux()
	New(cfg.Checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	for _, r := range cfg.Routes {
		r.Register(mux)
	}

	var handler http.Handler = mux
	if cfg.Metrics != nil {
		handler = observe.Middleware(cfg.Metrics)(mux)
	}

	return &Server{
		addr: cfg.Addr,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: cfg.Logger,
	}
}

// Start binds the listener and serves in the background. A bind failure
// is returned synchronously; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health: bind %s: %w", s.addr, err)
	}
	s.listener = ln

	s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped unexpectedly",
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr returns the bound listen address, or the configured address if
// the server has not started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting new connections and waits for in-flight
// requests up to the context deadline. Hijacked WebSocket streams are
// not waited for; they end when their clients disconnect.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health: shutdown: %w", err)
	}
	return nil
}
