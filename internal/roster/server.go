package roster

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DefaultPushInterval is how often connected roster clients receive a
// fresh snapshot.
const DefaultPushInterval = 5 * time.Second

// writeTimeout bounds a single snapshot write so one stalled client
// cannot pin its goroutine.
const writeTimeout = 5 * time.Second

// ServerConfig configures a [Server].
type ServerConfig struct {
	// Provider supplies the snapshots.
	Provider *Provider
	// PushInterval is the period between pushes to a connected client.
	// Zero means DefaultPushInterval.
	PushInterval time.Duration
	// Logger for connection events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Server streams roster snapshots over WebSocket. A client receives one
// snapshot on connect and another every push interval until it closes.
type Server struct {
	provider     *Provider
	pushInterval time.Duration
	logger       *slog.Logger
}

// NewServer creates a Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		provider:     cfg.Provider,
		pushInterval: cfg.PushInterval,
		logger:       cfg.Logger,
	}
}

// Register adds the roster route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /events/{id}/roster", s.handleRoster)
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid event id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("roster websocket accept failed",
			slog.Int64("event_id", eventID),
			slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// The stream is push-only. CloseRead keeps reading control frames and
	// cancels the context when the client goes away.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		if err := s.push(ctx, conn, eventID); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

// push writes one snapshot. Events with no in-memory sessions fall back
// to the flushed rows so completed events stay queryable.
func (s *Server) push(ctx context.Context, conn *websocket.Conn, eventID int64) error {
	snap := s.provider.Snapshot(eventID, time.Now())
	if len(snap.Participants) == 0 {
		stored, err := s.provider.Persisted(ctx, eventID)
		switch {
		case err != nil:
			s.logger.Warn("roster store fallback failed",
				slog.Int64("event_id", eventID),
				slog.String("error", err.Error()))
		case len(stored.Participants) > 0:
			snap = stored
		}
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, snap)
}
