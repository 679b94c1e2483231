package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicebridge/internal/playback"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds at most one session per room.
type Registry struct {
	ctx          context.Context
	pollInterval time.Duration
	observer     Observer
	logger       *slog.Logger
	metrics      *metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose schedulers live under ctx.
func NewRegistry(ctx context.Context, pollInterval time.Duration, observer Observer, logger *slog.Logger) *Registry {
	if observer == nil {
		observer = nopObserver{}
	}
	r := &Registry{
		ctx:          ctx,
		pollInterval: pollInterval,
		observer:     observer,
		logger:       logger.With(slog.String("component", "session-registry")),
		sessions:     make(map[string]*Session),
	}
	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-voicebridge/session")); err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return r
}

// Start registers a session for roomID that plays through transport.
func (r *Registry) Start(roomID, monitoredChannelID string, transport playback.Transport) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[roomID]; ok {
		return nil, ErrSessionActive
	}

	s := &Session{
		id:        uuid.NewString(),
		roomID:    roomID,
		startedAt: time.Now().UTC(),
		transport: transport,
		queue:     playback.NewQueue(),
		monitored: monitoredChannelID,
		logger:    r.logger.With(slog.String("room", roomID)),
	}
	s.events = &sessionEvents{session: s, observer: r.observer, metrics: r.metrics}
	s.scheduler = playback.NewScheduler(r.ctx, transport, s.queue, r.pollInterval, s.events, r.logger)
	r.sessions[roomID] = s

	r.logger.Info("session started",
		slog.String("room", roomID),
		slog.String("session", s.id),
		slog.String("monitored_channel", monitoredChannelID),
		slog.String("voice_channel", transport.ChannelID()))
	r.observer.SessionStarted(s.Info())
	return s, nil
}

// Stop tears the room's session down. Queued clips are released unplayed.
func (r *Registry) Stop(ctx context.Context, roomID string) error {
	r.mu.Lock()
	s, ok := r.sessions[roomID]
	if ok {
		delete(r.sessions, roomID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotActive
	}

	info := s.Info()
	discarded, err := s.close(ctx)
	r.logger.Info("session stopped",
		slog.String("room", roomID),
		slog.String("session", s.id),
		slog.Int("discarded", discarded))
	r.observer.SessionStopped(info, discarded)
	return err
}

func (r *Registry) Get(roomID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[roomID]
	return s, ok
}

// List returns a snapshot of active sessions ordered by room.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// StopAll tears down every session, used on shutdown.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	rooms := make([]string, 0, len(r.sessions))
	for room := range r.sessions {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	var errs []error
	for _, room := range rooms {
		if err := r.Stop(ctx, room); err != nil && !errors.Is(err, ErrSessionNotActive) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	jobs, err := meter.Int64Counter("voicebridge.playback.jobs", metric.WithDescription("Playback jobs by outcome"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("voicebridge.playback.duration", metric.WithDescription("Seconds spent playing a clip"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	r.metrics = &metrics{jobs: jobs, duration: duration}

	sessions, err := meter.Int64ObservableGauge("voicebridge.sessions.active", metric.WithDescription("Rooms with an active session"))
	if err != nil {
		return err
	}
	queued, err := meter.Int64ObservableGauge("voicebridge.playback.queued", metric.WithDescription("Jobs waiting across all rooms"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		active, waiting := r.snapshotCounts()
		obs.ObserveInt64(sessions, active)
		obs.ObserveInt64(queued, waiting)
		return nil
	}, sessions, queued)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var waiting int64
	for _, s := range r.sessions {
		waiting += int64(s.queue.Len())
	}
	return int64(len(r.sessions)), waiting
}
