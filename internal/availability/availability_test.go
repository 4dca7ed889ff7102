package availability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guildops/muster/internal/availability"
	"github.com/guildops/muster/pkg/store"
	"github.com/guildops/muster/pkg/store/mock"
)

var base = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func int64Ptr(v int64) *int64 { return &v }

func window(start, end time.Time, status store.AvailabilityStatus) store.AvailabilityWindow {
	return store.AvailabilityWindow{
		UserID:    42,
		StartTime: start,
		EndTime:   end,
		Status:    status,
	}
}

func TestCreateWindowPersistsValidInput(t *testing.T) {
	t.Parallel()

	st := &mock.Store{}
	svc := availability.New(availability.Config{Store: st})

	out, err := svc.CreateWindow(context.Background(), window(base, base.Add(3*time.Hour), store.AvailabilityCommitted))
	if err != nil {
		t.Fatalf("CreateWindow() error = %v", err)
	}
	if out.ID == 0 {
		t.Error("expected the stored window to carry an id")
	}
	if got := st.CallCount("CreateWindow"); got != 1 {
		t.Errorf("store CreateWindow calls = %d, want 1", got)
	}
}

func TestCreateWindowDefaultsStatusToAvailable(t *testing.T) {
	t.Parallel()

	st := &mock.Store{}
	svc := availability.New(availability.Config{Store: st})

	if _, err := svc.CreateWindow(context.Background(), window(base, base.Add(time.Hour), "")); err != nil {
		t.Fatalf("CreateWindow() error = %v", err)
	}

	calls := st.Calls()
	if len(calls) != 1 {
		t.Fatalf("store calls = %d, want 1", len(calls))
	}
	got := calls[0].Args[0].(store.AvailabilityWindow)
	if got.Status != store.AvailabilityAvailable {
		t.Errorf("stored status = %q, want %q", got.Status, store.AvailabilityAvailable)
	}
}

func TestCreateWindowValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		w    store.AvailabilityWindow
		ok   bool
	}{
		{
			name: "inverted range",
			w:    window(base.Add(time.Hour), base, store.AvailabilityAvailable),
		},
		{
			name: "empty range",
			w:    window(base, base, store.AvailabilityAvailable),
		},
		{
			name: "over the 24h cap",
			w:    window(base, base.Add(24*time.Hour+time.Second), store.AvailabilityAvailable),
		},
		{
			name: "exactly 24h is allowed",
			w:    window(base, base.Add(24*time.Hour), store.AvailabilityAvailable),
			ok:   true,
		},
		{
			name: "unknown status",
			w:    window(base, base.Add(time.Hour), "busy"),
		},
		{
			name: "inverted range and unknown status together",
			w:    window(base.Add(time.Hour), base, "busy"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := &mock.Store{}
			svc := availability.New(availability.Config{Store: st})

			_, err := svc.CreateWindow(context.Background(), tt.w)
			if tt.ok {
				if err != nil {
					t.Fatalf("CreateWindow() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, availability.ErrValidation) {
				t.Fatalf("CreateWindow() error = %v, want ErrValidation", err)
			}
			if got := st.CallCount("CreateWindow"); got != 0 {
				t.Errorf("store CreateWindow calls = %d, want 0 for rejected input", got)
			}
		})
	}
}

func TestCheckConflictsForwardsExclusions(t *testing.T) {
	t.Parallel()

	st := &mock.Store{}
	st.ConflictingWindowsResult = []store.AvailabilityWindow{
		{ID: 7, UserID: 42, StartTime: base, EndTime: base.Add(time.Hour), Status: store.AvailabilityBlocked},
	}
	svc := availability.New(availability.Config{Store: st})

	gameID, editID := int64Ptr(4), int64Ptr(9)
	rows, err := svc.CheckConflicts(context.Background(), 42, base, base.Add(2*time.Hour), gameID, editID)
	if err != nil {
		t.Fatalf("CheckConflicts() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ID != 7 {
		t.Errorf("conflicts = %+v, want the stored blocked window", rows)
	}

	calls := st.Calls()
	if len(calls) != 1 {
		t.Fatalf("store calls = %d, want 1", len(calls))
	}
	args := calls[0].Args
	if got := args[0].(int64); got != 42 {
		t.Errorf("user id forwarded = %d, want 42", got)
	}
	if got := args[3].(*int64); got == nil || *got != 4 {
		t.Errorf("excludeGameID forwarded = %v, want 4", got)
	}
	if got := args[4].(*int64); got == nil || *got != 9 {
		t.Errorf("excludeID forwarded = %v, want 9", got)
	}
}

func TestCheckConflictsRejectsInvertedRange(t *testing.T) {
	t.Parallel()

	st := &mock.Store{}
	svc := availability.New(availability.Config{Store: st})

	_, err := svc.CheckConflicts(context.Background(), 42, base.Add(time.Hour), base, nil, nil)
	if !errors.Is(err, availability.ErrValidation) {
		t.Fatalf("CheckConflicts() error = %v, want ErrValidation", err)
	}
	if got := st.CallCount("ConflictingWindows"); got != 0 {
		t.Errorf("store ConflictingWindows calls = %d, want 0", got)
	}
}

func TestCheckConflictsWrapsStoreErrors(t *testing.T) {
	t.Parallel()

	st := &mock.Store{ConflictingWindowsErr: errors.New("connection refused")}
	svc := availability.New(availability.Config{Store: st})

	_, err := svc.CheckConflicts(context.Background(), 42, base, base.Add(time.Hour), nil, nil)
	if err == nil {
		t.Fatal("expected the store failure to surface")
	}
	if errors.Is(err, availability.ErrValidation) {
		t.Error("store failures must not look like validation errors")
	}
}

func TestWindowsForUsersInRangeGroupsByUser(t *testing.T) {
	t.Parallel()

	st := &mock.Store{}
	st.WindowsForUsersInRangeResult = map[int64][]store.AvailabilityWindow{
		42: {{ID: 1, UserID: 42, StartTime: base, EndTime: base.Add(time.Hour), Status: store.AvailabilityAvailable}},
	}
	svc := availability.New(availability.Config{Store: st})

	byUser, err := svc.WindowsForUsersInRange(context.Background(), []int64{42, 43}, base, base.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("WindowsForUsersInRange() error = %v", err)
	}
	if len(byUser[42]) != 1 {
		t.Errorf("windows for user 42 = %d, want 1", len(byUser[42]))
	}
	if _, ok := byUser[43]; ok {
		t.Error("users without windows must be absent from the map")
	}
}
