package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/config"
	"github.com/loqalabs/loqa-voicebridge/internal/playback"
	"github.com/loqalabs/loqa-voicebridge/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrServiceClosed = errors.New("synthesis service closed")
	ErrRateLimited   = errors.New("speaker rate limited")
)

// SubmitRequest asks for text to be spoken into a room. When SessionID is
// set the clip is only queued on that session; a room that was left and
// rejoined while synthesis ran drops the clip.
type SubmitRequest struct {
	RoomID    string
	SessionID string
	Speaker   uint64
	Text      string
	Voice     string
}

// Rooms finds the session a finished clip belongs to.
type Rooms interface {
	Get(roomID string) (*session.Session, bool)
}

// FailureRecorder is told about requests that never produced a job.
type FailureRecorder interface {
	SynthesisFailed(roomID string, speaker uint64, err error)
}

// Service synthesizes submitted text in the background and queues the
// resulting clips on their room's session.
type Service struct {
	synth    Synthesizer
	rooms    Rooms
	recorder FailureRecorder
	timeout  time.Duration
	limiter  *speakerLimiter
	sem      chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
	tracer   trace.Tracer

	mu     sync.Mutex
	closed bool

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewService(parent context.Context, cfg config.TTSConfig, synth Synthesizer, rooms Rooms, recorder FailureRecorder, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	s := &Service{
		synth:    synth,
		rooms:    rooms,
		recorder: recorder,
		timeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
		limiter:  newSpeakerLimiter(cfg.RequestsPerMinute),
		sem:      make(chan struct{}, concurrency),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "synth-service")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-voicebridge/synth"),
	}
	if s.timeout <= 0 {
		s.timeout = 45 * time.Second
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voicebridge/synth")
	var err error
	if s.requests, err = meter.Int64Counter("voicebridge.synth.requests", metric.WithDescription("Synthesis requests by result")); err != nil {
		s.logger.Warn("failed to create synth counter", slogError(err))
	}
	if s.latency, err = meter.Float64Histogram("voicebridge.synth.latency", metric.WithDescription("Seconds spent synthesizing"), metric.WithUnit("s")); err != nil {
		s.logger.Warn("failed to create synth histogram", slogError(err))
	}
	return s
}

// Submit schedules synthesis and returns immediately. Speakers over their
// rate get ErrRateLimited and nothing is synthesized.
func (s *Service) Submit(req SubmitRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrSynthesis)
	}
	if !s.limiter.allow(req.RoomID, req.Speaker) {
		s.count(s.ctx, "rate_limited")
		return ErrRateLimited
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.process(req)
	}()
	return nil
}

// Close cancels in-flight synthesis and waits for workers to finish.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) process(req SubmitRequest) {
	ctx, span := s.tracer.Start(s.ctx, "synth.submit", trace.WithAttributes(
		attribute.String("room.id", req.RoomID),
		attribute.String("voice", req.Voice),
		attribute.Int("text.length", len(req.Text)),
	))
	defer span.End()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.fail(ctx, span, req, fmt.Errorf("%w: %v", ErrSynthesis, ctx.Err()))
		return
	}
	defer func() { <-s.sem }()

	synthCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	clip, err := s.synth.Synthesize(synthCtx, Request{Text: req.Text, Voice: req.Voice})
	if s.latency != nil {
		s.latency.Record(ctx, time.Since(started).Seconds())
	}
	if err != nil {
		if !errors.Is(err, ErrSynthesis) {
			err = fmt.Errorf("%w: %v", ErrSynthesis, err)
		}
		s.fail(ctx, span, req, err)
		return
	}

	sess, ok := s.rooms.Get(req.RoomID)
	if !ok || (req.SessionID != "" && sess.ID() != req.SessionID) {
		s.logger.Info("dropping clip, room session ended",
			slog.String("room", req.RoomID),
			slog.String("session", req.SessionID))
		if err := clip.Release(); err != nil {
			s.logger.Warn("failed to release clip", slogError(err))
		}
		s.count(ctx, "orphaned")
		return
	}
	job := playback.NewJob(req.RoomID, req.Speaker, clip)
	if err := sess.Enqueue(job); err != nil {
		s.logger.Info("session rejected clip", slog.String("room", req.RoomID), slogError(err))
		s.count(ctx, "orphaned")
		return
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	s.count(ctx, "queued")
}

func (s *Service) fail(ctx context.Context, span trace.Span, req SubmitRequest, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Warn("tts synthesis error",
		slog.String("room", req.RoomID),
		slog.Uint64("speaker", req.Speaker),
		slogError(err))
	s.count(ctx, "failed")
	if s.recorder != nil {
		s.recorder.SynthesisFailed(req.RoomID, req.Speaker, err)
	}
}

func (s *Service) count(ctx context.Context, result string) {
	if s.requests == nil {
		return
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
