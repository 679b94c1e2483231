package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a room's scheduler loop.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StatePlaying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Events receives per-job outcomes.
type Events interface {
	Played(job Job, elapsed time.Duration)
	Failed(job Job, err error)
	Discarded(job Job, reason string)
}

// FailureReporter is implemented by transports that learn asynchronously
// that a clip failed after Play returned.
type FailureReporter interface {
	PlayError(jobID string) error
}

type nopEvents struct{}

func (nopEvents) Played(Job, time.Duration) {}
func (nopEvents) Failed(Job, error)         {}
func (nopEvents) Discarded(Job, string)     {}

// Scheduler drains one room's queue into its transport, one clip at a time.
type Scheduler struct {
	parent    context.Context
	transport Transport
	queue     *Queue
	interval  time.Duration
	events    Events
	logger    *slog.Logger

	active atomic.Bool
	state  atomic.Int32

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	shutdown bool
}

func NewScheduler(parent context.Context, transport Transport, queue *Queue, interval time.Duration, events Events, logger *slog.Logger) *Scheduler {
	if events == nil {
		events = nopEvents{}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Scheduler{
		parent:    parent,
		transport: transport,
		queue:     queue,
		interval:  interval,
		events:    events,
		logger:    logger.With(slog.String("component", "playback"), slog.String("room", transport.RoomID())),
	}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Active reports whether the loop goroutine is running.
func (s *Scheduler) Active() bool {
	return s.active.Load()
}

// Kick starts the loop unless it is already running or the scheduler has
// been stopped. It reports whether a new loop was started.
func (s *Scheduler) Kick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	if !s.active.CompareAndSwap(false, true) {
		return false
	}
	ctx, cancel := context.WithCancel(s.parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.state.Store(int32(StateDraining))
	go s.run(ctx, done)
	return true
}

// Stop cancels the loop and waits for it to exit. A clip that was playing is
// abandoned and released. Queued jobs are left for the queue owner.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state.Store(int32(StateStopped))
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer func() {
		s.state.Store(int32(StateStopped))
		s.active.Store(false)
		close(done)
		// A push may have raced with the exit decision.
		if ctx.Err() == nil && s.queue.Len() > 0 {
			s.Kick()
		}
	}()

	s.logger.Debug("playback loop started")
	for {
		if ctx.Err() != nil {
			s.logger.Debug("playback loop cancelled")
			return
		}
		job, ok := s.queue.TryPop()
		if !ok {
			if !s.transport.IsConnected() {
				s.logger.Debug("playback loop finished, transport disconnected")
				return
			}
			s.state.Store(int32(StateDraining))
			select {
			case <-ctx.Done():
			case <-s.queue.Ready():
			case <-ticker.C:
			}
			continue
		}
		s.play(ctx, ticker, job)
	}
}

func (s *Scheduler) play(ctx context.Context, ticker *time.Ticker, job Job) {
	defer s.release(job)
	defer s.state.Store(int32(StateDraining))

	if !s.transport.IsConnected() {
		s.events.Discarded(job, "transport disconnected")
		return
	}
	if !s.waitIdle(ctx, ticker) {
		s.events.Discarded(job, "session stopped")
		return
	}

	s.state.Store(int32(StatePlaying))
	started := time.Now()
	if err := s.transport.Play(job); err != nil {
		err = fmt.Errorf("%w: %v", ErrPlayback, err)
		s.logger.Warn("failed to start clip", slog.String("job", job.ID), slogError(err))
		s.events.Failed(job, err)
		return
	}
	if !s.waitIdle(ctx, ticker) {
		s.logger.Info("clip interrupted by teardown", slog.String("job", job.ID))
		s.events.Discarded(job, "interrupted")
		return
	}

	if reporter, ok := s.transport.(FailureReporter); ok {
		if err := reporter.PlayError(job.ID); err != nil {
			err = fmt.Errorf("%w: %v", ErrPlayback, err)
			s.logger.Warn("clip failed during playback", slog.String("job", job.ID), slogError(err))
			s.events.Failed(job, err)
			return
		}
	}
	s.events.Played(job, time.Since(started))
}

// waitIdle blocks until the transport stops playing. It returns false if ctx
// ended first.
func (s *Scheduler) waitIdle(ctx context.Context, ticker *time.Ticker) bool {
	for s.transport.IsPlaying() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return ctx.Err() == nil
}

func (s *Scheduler) release(job Job) {
	if err := job.Clip.Release(); err != nil {
		s.logger.Warn("failed to release clip", slog.String("job", job.ID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
