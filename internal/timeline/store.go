// Package timeline keeps a SQLite audit log of room sessions and what
// happened to every clip queued in them.
package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/config"
	"github.com/loqalabs/loqa-voicebridge/internal/playback"
	"github.com/loqalabs/loqa-voicebridge/internal/session"
	_ "modernc.org/sqlite"
)

// Event types written to the events table.
const (
	EventEnqueued    = "enqueued"
	EventPlayed      = "played"
	EventFailed      = "failed"
	EventDiscarded   = "discarded"
	EventSynthFailed = "synth_failed"
)

const (
	retentionEphemeral = "ephemeral"
	writeTimeout       = 2 * time.Second
	// Fixed width so stored timestamps sort lexically.
	timeFormat = "2006-01-02T15:04:05.000000000Z"
)

var _ session.Observer = (*Store)(nil)

// Event is one recorded entry.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	JobID     string    `json:"job_id,omitempty"`
	Type      string    `json:"type"`
	Speaker   uint64    `json:"speaker,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRecord is a room session as stored.
type SessionRecord struct {
	ID                 string     `json:"id"`
	RoomID             string     `json:"room_id"`
	MonitoredChannelID string     `json:"monitored_channel_id"`
	VoiceChannelID     string     `json:"voice_channel_id"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	Discarded          int        `json:"discarded"`
}

// Store wraps the SQLite timeline. In ephemeral mode it records nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time

	mu     sync.Mutex
	active map[string]string // room -> session id
}

// Open initializes the timeline according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	s := &Store{
		cfg:    cfg,
		log:    log.With(slog.String("component", "timeline")),
		clock:  time.Now,
		active: make(map[string]string),
	}
	if cfg.RetentionMode == retentionEphemeral {
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.closeDangling(ctx); err != nil {
		s.log.Warn("failed to close sessions left open by a previous run", slogError(err))
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("timeline vacuum failed", slogError(err))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("timeline prune on start failed", slogError(err))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    monitored_channel_id TEXT,
    voice_channel_id TEXT,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    discarded INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    job_id TEXT,
    event_type TEXT NOT NULL,
    speaker TEXT,
    detail TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_room_started ON sessions(room_id, started_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init timeline schema: %w", err)
	}
	return nil
}

func (s *Store) closeDangling(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE ended_at IS NULL`, s.now())
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) enabled() bool {
	return s.db != nil
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeFormat)
}

// SessionStarted records a new room session.
func (s *Store) SessionStarted(info session.Info) {
	s.mu.Lock()
	s.active[info.RoomID] = info.ID
	s.mu.Unlock()
	if !s.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, room_id, monitored_channel_id, voice_channel_id, started_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET monitored_channel_id=excluded.monitored_channel_id, voice_channel_id=excluded.voice_channel_id`,
		info.ID, info.RoomID, info.MonitoredChannelID, info.VoiceChannelID, info.StartedAt.UTC().Format(timeFormat))
	if err != nil {
		s.log.Warn("failed to record session start", slog.String("session", info.ID), slogError(err))
	}
}

// SessionStopped marks the session ended.
func (s *Store) SessionStopped(info session.Info, discarded int) {
	s.mu.Lock()
	if s.active[info.RoomID] == info.ID {
		delete(s.active, info.RoomID)
	}
	s.mu.Unlock()
	if !s.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, discarded = ? WHERE session_id = ?`,
		s.now(), discarded, info.ID)
	if err != nil {
		s.log.Warn("failed to record session stop", slog.String("session", info.ID), slogError(err))
	}
}

func (s *Store) JobEnqueued(info session.Info, job playback.Job) {
	s.append(Event{SessionID: info.ID, JobID: job.ID, Type: EventEnqueued, Speaker: job.Speaker, Detail: voiceOf(job)})
}

func (s *Store) JobPlayed(info session.Info, job playback.Job, elapsed time.Duration) {
	s.append(Event{SessionID: info.ID, JobID: job.ID, Type: EventPlayed, Speaker: job.Speaker, Detail: elapsed.Round(time.Millisecond).String()})
}

func (s *Store) JobFailed(info session.Info, job playback.Job, err error) {
	s.append(Event{SessionID: info.ID, JobID: job.ID, Type: EventFailed, Speaker: job.Speaker, Detail: err.Error()})
}

func (s *Store) JobDiscarded(info session.Info, job playback.Job, reason string) {
	s.append(Event{SessionID: info.ID, JobID: job.ID, Type: EventDiscarded, Speaker: job.Speaker, Detail: reason})
}

// SynthesisFailed attaches a failed synthesis to the room's active session.
// Failures in rooms without a session are only logged by the caller.
func (s *Store) SynthesisFailed(roomID string, speaker uint64, err error) {
	s.mu.Lock()
	sessionID, ok := s.active[roomID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.append(Event{SessionID: sessionID, Type: EventSynthFailed, Speaker: speaker, Detail: err.Error()})
}

func (s *Store) append(evt Event) {
	if !s.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.AppendEvent(ctx, evt); err != nil {
		s.log.Warn("failed to record timeline event",
			slog.String("session", evt.SessionID),
			slog.String("type", evt.Type),
			slogError(err))
	}
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().Format(timeFormat)
	}
	var speaker any
	if evt.Speaker != 0 {
		speaker = strconv.FormatUint(evt.Speaker, 10)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, job_id, event_type, speaker, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.JobID, evt.Type, speaker, evt.Detail, created)
	return err
}

// ListSessions returns the most recent sessions of a room, newest first. An
// empty roomID lists every room.
func (s *Store) ListSessions(ctx context.Context, roomID string, limit int) ([]SessionRecord, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT session_id, room_id, monitored_channel_id, voice_channel_id, started_at, ended_at, discarded
		 FROM sessions`
	args := []any{}
	if roomID != "" {
		query += ` WHERE room_id = ?`
		args = append(args, roomID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var monitored, voice sql.NullString
		var started string
		var ended sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RoomID, &monitored, &voice, &started, &ended, &rec.Discarded); err != nil {
			return nil, err
		}
		rec.MonitoredChannelID = monitored.String
		rec.VoiceChannelID = voice.String
		rec.StartedAt = parseTime(started)
		if ended.Valid {
			ts := parseTime(ended.String)
			rec.EndedAt = &ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were recorded.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, job_id, event_type, speaker, detail, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var jobID, speaker, detail sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &jobID, &e.Type, &speaker, &detail, &created); err != nil {
			return nil, err
		}
		e.JobID = jobID.String
		e.Detail = detail.String
		if speaker.Valid {
			e.Speaker, _ = strconv.ParseUint(speaker.String, 10, 64)
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and from the
// runtime's maintenance loop).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeFormat)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at IS NOT NULL AND started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeFormat, v)
	if err != nil {
		ts, _ = time.Parse(time.RFC3339Nano, v)
	}
	return ts
}

func voiceOf(job playback.Job) string {
	if job.Clip == nil {
		return ""
	}
	return job.Clip.Voice
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
