// Package availability validates declared availability windows and answers
// the overlap queries the scheduling side runs during event creation.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guildops/muster/pkg/store"
)

// MaxWindow is the longest span a single window may cover.
const MaxWindow = 24 * time.Hour

// ErrValidation marks rejected input. Callers separate bad requests from
// store failures with errors.Is.
var ErrValidation = errors.New("invalid availability window")

// Config configures a Service.
type Config struct {
	// Store persists windows and runs the overlap queries.
	Store store.AvailabilityStore

	// Logger for created windows. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Service is the availability domain API. Safe for concurrent use.
type Service struct {
	store  store.AvailabilityStore
	logger *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:  cfg.Store,
		logger: cfg.Logger,
	}
}

// CreateWindow validates and persists one declared window. An empty status
// defaults to available.
func (s *Service) CreateWindow(ctx context.Context, w store.AvailabilityWindow) (*store.AvailabilityWindow, error) {
	if w.Status == "" {
		w.Status = store.AvailabilityAvailable
	}
	if err := validate(w); err != nil {
		return nil, err
	}

	out, err := s.store.CreateWindow(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("availability: create window: %w", err)
	}
	s.logger.Debug("availability window created",
		slog.Int64("window_id", out.ID),
		slog.Int64("user_id", out.UserID),
		slog.String("status", string(out.Status)),
		slog.Time("start", out.StartTime),
		slog.Time("end", out.EndTime))
	return out, nil
}

// CheckConflicts returns the user's committed or blocked windows overlapping
// [start, end). Windows for excludeGameID never conflict, and excludeID
// drops the window being edited from its own check.
func (s *Service) CheckConflicts(ctx context.Context, userID int64, start, end time.Time, excludeGameID, excludeID *int64) ([]store.AvailabilityWindow, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end must be after start", ErrValidation)
	}

	rows, err := s.store.ConflictingWindows(ctx, userID, start, end, excludeGameID, excludeID)
	if err != nil {
		return nil, fmt.Errorf("availability: conflicts for user %d: %w", userID, err)
	}
	return rows, nil
}

// WindowsForUsersInRange returns every window of the given users overlapping
// [start, end), grouped by user id. Users without windows are absent from
// the map.
func (s *Service) WindowsForUsersInRange(ctx context.Context, userIDs []int64, start, end time.Time) (map[int64][]store.AvailabilityWindow, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end must be after start", ErrValidation)
	}

	byUser, err := s.store.WindowsForUsersInRange(ctx, userIDs, start, end)
	if err != nil {
		return nil, fmt.Errorf("availability: windows for users: %w", err)
	}
	return byUser, nil
}

// validate collects every range and status violation of one window.
func validate(w store.AvailabilityWindow) error {
	var errs []error
	if !w.EndTime.After(w.StartTime) {
		errs = append(errs, fmt.Errorf("%w: end must be after start", ErrValidation))
	} else if w.EndTime.Sub(w.StartTime) > MaxWindow {
		errs = append(errs, fmt.Errorf("%w: window exceeds %s", ErrValidation, MaxWindow))
	}
	if !w.Status.IsValid() {
		errs = append(errs, fmt.Errorf("%w: unknown status %q", ErrValidation, w.Status))
	}
	return errors.Join(errs...)
}
