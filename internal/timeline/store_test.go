package timeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/config"
	"github.com/loqalabs/loqa-voicebridge/internal/playback"
	"github.com/loqalabs/loqa-voicebridge/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "timeline.db")
	}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func info(id, room string, started time.Time) session.Info {
	return session.Info{ID: id, RoomID: room, MonitoredChannelID: "C1", VoiceChannelID: "V1", StartedAt: started}
}

func TestOpenEphemeral(t *testing.T) {
	st := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if st.db != nil {
		t.Fatal("ephemeral timeline should not open a database")
	}
	st.SessionStarted(info("s1", "R1", time.Now()))
	events, err := st.ListSessionEvents(context.Background(), "s1", 10)
	if err != nil || events != nil {
		t.Fatalf("ephemeral store should record nothing, got %v %v", events, err)
	}
}

func TestRecordsSessionLifecycle(t *testing.T) {
	st := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	in := info("s1", "R1", time.Now())
	job := playback.NewJob("R1", 42, playback.NewClip("/tmp/none.mp3", "mp3", "en-US-GuyNeural"))

	st.SessionStarted(in)
	st.JobEnqueued(in, job)
	st.JobPlayed(in, job, 1500*time.Millisecond)
	st.JobFailed(in, job, errors.New("bridge error"))
	st.JobDiscarded(in, job, "session stopped")
	st.SynthesisFailed("R1", 42, errors.New("synthesis failed: timeout"))
	st.SynthesisFailed("R9", 42, errors.New("no session"))
	st.SessionStopped(in, 1)

	events, err := st.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{EventEnqueued, EventPlayed, EventFailed, EventDiscarded, EventSynthFailed}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Fatalf("event %d: expected %s, got %s", i, typ, events[i].Type)
		}
	}
	if events[0].Speaker != 42 || events[0].Detail != "en-US-GuyNeural" || events[0].JobID != job.ID {
		t.Fatalf("unexpected enqueue event %+v", events[0])
	}
	if events[1].Detail != "1.5s" {
		t.Fatalf("unexpected played detail %q", events[1].Detail)
	}

	sessions, err := st.ListSessions(ctx, "R1", 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].EndedAt == nil || sessions[0].Discarded != 1 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestReopenClosesDanglingSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.db")
	cfg := config.EventStoreConfig{Path: path, RetentionMode: "session"}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.SessionStarted(info("s1", "R1", time.Now()))
	_ = st.Close()

	st = openStore(t, cfg)
	sessions, err := st.ListSessions(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].EndedAt == nil {
		t.Fatalf("expected dangling session closed, got %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	st := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st.clock = func() time.Time { return old }
	st.SessionStarted(info("old-session", "R1", old))
	st.JobEnqueued(info("old-session", "R1", old), playback.NewJob("R1", 1, nil))
	st.SessionStopped(info("old-session", "R1", old), 0)

	later := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	st.clock = func() time.Time { return later }
	st.SessionStarted(info("new-session", "R1", later))
	if err := st.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := st.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, _ := st.ListSessions(ctx, "", 10)
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions after prune %+v", sessions)
	}
}
