package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/playback"
)

var (
	ErrSessionActive    = errors.New("session already active")
	ErrSessionNotActive = errors.New("session not active")
	ErrSessionClosed    = errors.New("session closed")
)

// Info is a read-only view of a session.
type Info struct {
	ID                 string         `json:"id"`
	RoomID             string         `json:"room_id"`
	MonitoredChannelID string         `json:"monitored_channel_id"`
	VoiceChannelID     string         `json:"voice_channel_id"`
	Connected          bool           `json:"connected"`
	Queued             int            `json:"queued"`
	State              playback.State `json:"-"`
	StateName          string         `json:"state"`
	StartedAt          time.Time      `json:"started_at"`
}

// Session owns a room's transport, queue and scheduler.
type Session struct {
	id        string
	roomID    string
	startedAt time.Time
	transport playback.Transport
	queue     *playback.Queue
	scheduler *playback.Scheduler
	events    *sessionEvents
	logger    *slog.Logger

	mu        sync.RWMutex
	monitored string
	closed    bool
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) RoomID() string                { return s.roomID }
func (s *Session) Transport() playback.Transport { return s.transport }

func (s *Session) MonitoredChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monitored
}

// Monitor replaces the text channel whose messages are spoken.
func (s *Session) Monitor(channelID string) {
	s.mu.Lock()
	s.monitored = channelID
	s.mu.Unlock()
	s.logger.Info("monitored channel changed", slog.String("channel", channelID))
}

func (s *Session) State() playback.State {
	return s.scheduler.State()
}

func (s *Session) QueueLen() int {
	return s.queue.Len()
}

func (s *Session) Info() Info {
	state := s.scheduler.State()
	return Info{
		ID:                 s.id,
		RoomID:             s.roomID,
		MonitoredChannelID: s.MonitoredChannelID(),
		VoiceChannelID:     s.transport.ChannelID(),
		Connected:          s.transport.IsConnected(),
		Queued:             s.queue.Len(),
		State:              state,
		StateName:          state.String(),
		StartedAt:          s.startedAt,
	}
}

// Enqueue appends job to the room's queue and makes sure the scheduler runs.
// When the session is already torn down the clip is released and
// ErrSessionClosed returned.
func (s *Session) Enqueue(job playback.Job) error {
	if job.RoomID == "" {
		job.RoomID = s.roomID
	}
	if job.RoomID != s.roomID {
		return fmt.Errorf("job for room %s enqueued on room %s", job.RoomID, s.roomID)
	}
	if err := s.queue.Push(job); err != nil {
		if releaseErr := job.Clip.Release(); releaseErr != nil {
			s.logger.Warn("failed to release rejected clip", slog.String("job", job.ID), slogError(releaseErr))
		}
		if errors.Is(err, playback.ErrQueueClosed) {
			return ErrSessionClosed
		}
		return err
	}
	s.events.enqueued(job)
	s.scheduler.Kick()
	return nil
}

// close stops playback, releases everything still queued and disconnects.
func (s *Session) close(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	rest := s.queue.Close()
	for _, job := range rest {
		if err := job.Clip.Release(); err != nil {
			s.logger.Warn("failed to release queued clip", slog.String("job", job.ID), slogError(err))
		}
		s.events.Discarded(job, "session stopped")
	}
	if err := s.transport.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect transport: %w", err))
	}
	return len(rest), errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
