package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guildops/muster/internal/session"
	"github.com/guildops/muster/pkg/store/mock"
)

func TestFlusherFlushNow_WritesDirtyAndActive(t *testing.T) {
	t.Parallel()

	st := &mock.Store{}
	tbl := session.NewTable()
	tbl.Join(key(1, "active"), "alice", nil, base)
	tbl.Join(key(1, "left"), "bob", nil, base)
	tbl.Leave(key(1, "left"), base.Add(3*time.Minute))

	f := session.NewFlusher(session.FlusherConfig{Table: tbl, Store: st})

	if err := f.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}

	rows := st.UpsertedSessions()
	if len(rows) != 2 {
		t.Fatalf("got %d upserts, want 2", len(rows))
	}
	var sawLeft bool
	for _, row := range rows {
		if row.DiscordUserID != "left" {
			continue
		}
		sawLeft = true
		if row.TotalDurationSec != 180 {
			t.Errorf("left TotalDurationSec = %d, want 180", row.TotalDurationSec)
		}
		if row.DiscordUsername != "bob" {
			t.Errorf("left DiscordUsername = %q, want %q", row.DiscordUsername, "bob")
		}
	}
	if !sawLeft {
		t.Fatal("flush skipped the dirty inactive session")
	}

	// A second pass rewrites only the active session: the inactive one was
	// acknowledged and is clean now.
	st.Reset()
	if err := f.FlushNow(context.Background()); err != nil {
		t.Fatalf("second FlushNow: %v", err)
	}
	rows = st.UpsertedSessions()
	if len(rows) != 1 || rows[0].DiscordUserID != "active" {
		t.Errorf("second pass wrote %+v, want only the active session", rows)
	}
}

func TestFlusherFlushNow_EmptyTableWritesNothing(t *testing.T) {
	t.Parallel()

	st := &mock.Store{}
	f := session.NewFlusher(session.FlusherConfig{Table: session.NewTable(), Store: st})

	if err := f.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if got := st.CallCount("UpsertVoiceSession"); got != 0 {
		t.Errorf("store called %d times, want 0", got)
	}
}

func TestFlusherFlushNow_FailedWriteStaysDirty(t *testing.T) {
	t.Parallel()

	st := &mock.Store{UpsertVoiceSessionErr: errors.New("connection refused")}
	tbl := session.NewTable()
	tbl.Join(key(1, "u1"), "alice", nil, base)
	tbl.Leave(key(1, "u1"), base.Add(time.Minute))

	f := session.NewFlusher(session.FlusherConfig{Table: tbl, Store: st})

	if err := f.FlushNow(context.Background()); err == nil {
		t.Fatal("FlushNow should surface the write failure")
	}

	// Once the store recovers the entry is retried, then drops out.
	st.UpsertVoiceSessionErr = nil
	if err := f.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow after recovery: %v", err)
	}
	if got := st.CallCount("UpsertVoiceSession"); got != 2 {
		t.Fatalf("store called %d times, want 2 (one failure, one retry)", got)
	}

	if err := f.FlushNow(context.Background()); err != nil {
		t.Fatalf("third FlushNow: %v", err)
	}
	if got := st.CallCount("UpsertVoiceSession"); got != 2 {
		t.Errorf("store called %d times, want still 2 (clean inactive entry must not rewrite)", got)
	}
}

func TestFlusherStartStop(t *testing.T) {
	t.Parallel()

	st := &mock.Store{}
	tbl := session.NewTable()
	tbl.Join(key(1, "u1"), "alice", nil, time.Now())

	f := session.NewFlusher(session.FlusherConfig{
		Table:    tbl,
		Store:    st,
		Interval: 10 * time.Millisecond,
	})

	f.Start(t.Context())
	time.Sleep(50 * time.Millisecond)
	f.Stop()

	if st.CallCount("UpsertVoiceSession") == 0 {
		t.Error("expected at least one periodic flush")
	}

	// Calling Stop again should not panic.
	f.Stop()
}
