// Package voicelink drives a remote voice bridge over NATS. The bridge owns
// the actual voice connection; this side asks it to join or leave and streams
// clips to it, tracking playback through the status subject.
package voicelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/bus"
	"github.com/loqalabs/loqa-voicebridge/internal/playback"
	"github.com/loqalabs/loqa-voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

var (
	ErrConnect      = errors.New("voice connect failed")
	ErrNotConnected = errors.New("voice transport not connected")
)

// DefaultStallTimeout bounds how long a clip may report playing without the
// bridge confirming it finished.
const DefaultStallTimeout = 5 * time.Minute

// Connector asks the bridge to join voice channels.
type Connector struct {
	bus          *bus.Client
	logger       *slog.Logger
	stallTimeout time.Duration
}

func NewConnector(busClient *bus.Client, stallTimeout time.Duration, logger *slog.Logger) *Connector {
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	return &Connector{
		bus:          busClient,
		logger:       logger.With(slog.String("component", "voicelink")),
		stallTimeout: stallTimeout,
	}
}

// Connect subscribes to the room's status subject, then requests the join.
func (c *Connector) Connect(ctx context.Context, roomID, channelID string) (playback.Transport, error) {
	t := &Transport{
		bus:          c.bus,
		room:         roomID,
		channel:      channelID,
		stallTimeout: c.stallTimeout,
		failures:     make(map[string]error),
		logger:       c.logger.With(slog.String("room", roomID)),
	}
	sub, err := c.bus.Conn().Subscribe(protocol.StatusSubject(roomID), t.handleStatus)
	if err != nil {
		return nil, fmt.Errorf("subscribe voice status: %w", err)
	}
	t.sub = sub

	var ack protocol.VoiceAck
	req := protocol.VoiceConnectRequest{RoomID: roomID, ChannelID: channelID}
	if err := c.bus.RequestJSON(ctx, protocol.SubjectVoiceConnect, req, &ack); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if !ack.OK {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: %s", ErrConnect, ack.Error)
	}
	if ack.ChannelID != "" {
		t.channel = ack.ChannelID
	}
	t.connected = true
	t.logger.Info("voice connected", slog.String("channel", t.channel))
	return t, nil
}

// Transport is one room's connection to the bridge.
type Transport struct {
	bus          *bus.Client
	sub          *nats.Subscription
	room         string
	channel      string
	stallTimeout time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	connected bool
	playing   bool
	current   string
	startedAt time.Time
	failures  map[string]error
}

func (t *Transport) RoomID() string    { return t.room }
func (t *Transport) ChannelID() string { return t.channel }

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) IsPlaying() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.playing && time.Since(t.startedAt) > t.stallTimeout {
		t.logger.Warn("no playback status from bridge, giving up on clip", slog.String("job", t.current))
		t.failures[t.current] = errors.New("playback status timeout")
		t.playing = false
	}
	return t.playing
}

// Play publishes the clip's bytes. It returns once the bridge has the clip,
// so the caller may release the file afterwards.
func (t *Transport) Play(job playback.Job) error {
	if job.Clip == nil {
		return errors.New("job has no clip")
	}
	audio, err := os.ReadFile(job.Clip.Path)
	if err != nil {
		return fmt.Errorf("read clip: %w", err)
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.playing = true
	t.current = job.ID
	t.startedAt = time.Now()
	t.mu.Unlock()

	req := protocol.PlayRequest{RoomID: t.room, JobID: job.ID, Format: job.Clip.Format, Audio: audio}
	if err := t.bus.PublishJSON(protocol.PlaySubject(t.room), req); err != nil {
		t.mu.Lock()
		t.playing = false
		t.mu.Unlock()
		return err
	}
	return nil
}

// PlayError reports, once, an error the bridge raised while rendering jobID.
func (t *Transport) PlayError(jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.failures[jobID]
	delete(t.failures, jobID)
	return err
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	t.playing = false
	t.mu.Unlock()

	var errs []error
	if wasConnected {
		var ack protocol.VoiceAck
		if err := t.bus.RequestJSON(ctx, protocol.SubjectVoiceDisconnect, protocol.VoiceDisconnectRequest{RoomID: t.room}, &ack); err != nil {
			errs = append(errs, err)
		} else if !ack.OK {
			errs = append(errs, fmt.Errorf("voice disconnect: %s", ack.Error))
		}
	}
	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	t.logger.Info("voice disconnected")
	return errors.Join(errs...)
}

func (t *Transport) handleStatus(msg *nats.Msg) {
	var status protocol.VoiceStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.logger.Warn("invalid voice status", slogError(err))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch status.Status {
	case protocol.StatusStarted:
		if status.JobID == t.current {
			t.playing = true
		}
	case protocol.StatusFinished:
		if status.JobID == t.current {
			t.playing = false
		}
	case protocol.StatusFailed:
		if status.JobID != t.current {
			t.logger.Debug("ignoring failure for stale job", slog.String("job", status.JobID))
			return
		}
		msg := status.Error
		if msg == "" {
			msg = "bridge reported failure"
		}
		t.failures[status.JobID] = errors.New(msg)
		t.playing = false
	case protocol.StatusDisconnected:
		t.logger.Warn("bridge lost voice connection")
		t.connected = false
		t.playing = false
	default:
		t.logger.Debug("ignoring voice status", slog.String("status", status.Status))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
