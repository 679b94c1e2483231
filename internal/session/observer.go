package session

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/playback"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Observer is told about session lifecycle and job outcomes.
type Observer interface {
	SessionStarted(info Info)
	SessionStopped(info Info, discarded int)
	JobEnqueued(info Info, job playback.Job)
	JobPlayed(info Info, job playback.Job, elapsed time.Duration)
	JobFailed(info Info, job playback.Job, err error)
	JobDiscarded(info Info, job playback.Job, reason string)
}

// Observers fans out to each element.
type Observers []Observer

func (o Observers) SessionStarted(info Info) {
	for _, x := range o {
		x.SessionStarted(info)
	}
}

func (o Observers) SessionStopped(info Info, discarded int) {
	for _, x := range o {
		x.SessionStopped(info, discarded)
	}
}

func (o Observers) JobEnqueued(info Info, job playback.Job) {
	for _, x := range o {
		x.JobEnqueued(info, job)
	}
}

func (o Observers) JobPlayed(info Info, job playback.Job, elapsed time.Duration) {
	for _, x := range o {
		x.JobPlayed(info, job, elapsed)
	}
}

func (o Observers) JobFailed(info Info, job playback.Job, err error) {
	for _, x := range o {
		x.JobFailed(info, job, err)
	}
}

func (o Observers) JobDiscarded(info Info, job playback.Job, reason string) {
	for _, x := range o {
		x.JobDiscarded(info, job, reason)
	}
}

// sessionEvents adapts scheduler callbacks to the registry's observer and
// job counters.
type sessionEvents struct {
	session  *Session
	observer Observer
	metrics  *metrics
}

func (e *sessionEvents) enqueued(job playback.Job) {
	e.metrics.job(job, "enqueued")
	e.observer.JobEnqueued(e.info(), job)
}

func (e *sessionEvents) Played(job playback.Job, elapsed time.Duration) {
	e.metrics.job(job, "played")
	e.metrics.played(elapsed)
	e.observer.JobPlayed(e.info(), job, elapsed)
}

func (e *sessionEvents) Failed(job playback.Job, err error) {
	e.metrics.job(job, "failed")
	e.session.logger.Warn("job failed", slogError(err))
	e.observer.JobFailed(e.info(), job, err)
}

func (e *sessionEvents) Discarded(job playback.Job, reason string) {
	e.metrics.job(job, "discarded")
	e.observer.JobDiscarded(e.info(), job, reason)
}

func (e *sessionEvents) info() Info {
	return Info{
		ID:                 e.session.id,
		RoomID:             e.session.roomID,
		MonitoredChannelID: e.session.MonitoredChannelID(),
		VoiceChannelID:     e.session.transport.ChannelID(),
		StartedAt:          e.session.startedAt,
	}
}

type metrics struct {
	jobs     metric.Int64Counter
	duration metric.Float64Histogram
}

func (m *metrics) job(job playback.Job, outcome string) {
	if m == nil || m.jobs == nil {
		return
	}
	voice := ""
	if job.Clip != nil {
		voice = job.Clip.Voice
	}
	m.jobs.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("voice", voice),
	))
}

func (m *metrics) played(elapsed time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(context.Background(), elapsed.Seconds())
}

type nopObserver struct{}

func (nopObserver) SessionStarted(Info)                         {}
func (nopObserver) SessionStopped(Info, int)                    {}
func (nopObserver) JobEnqueued(Info, playback.Job)              {}
func (nopObserver) JobPlayed(Info, playback.Job, time.Duration) {}
func (nopObserver) JobFailed(Info, playback.Job, error)         {}
func (nopObserver) JobDiscarded(Info, playback.Job, string)     {}
