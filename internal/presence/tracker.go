package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/bus"
	"github.com/loqalabs/loqa-voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Tracker keeps the latest voice state of every participant, per room.
type Tracker struct {
	log   *slog.Logger
	mu    sync.RWMutex
	rooms map[string]map[uint64]protocol.VoiceState
	sub   *nats.Subscription
	meter metric.Meter
	gauge metric.Int64ObservableGauge
	reg   metric.Registration
}

func NewTracker(log *slog.Logger) *Tracker {
	t := &Tracker{
		log:   log.With(slog.String("component", "presence")),
		rooms: make(map[string]map[uint64]protocol.VoiceState),
		meter: otel.Meter("github.com/loqalabs/loqa-voicebridge/presence"),
	}
	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return t
}

// Subscribe feeds the tracker from voice.state events on the bus.
func (t *Tracker) Subscribe(busClient *bus.Client) error {
	sub, err := busClient.Conn().Subscribe(protocol.SubjectVoiceState, t.handleVoiceState)
	if err != nil {
		return fmt.Errorf("subscribe voice state: %w", err)
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	return nil
}

func (t *Tracker) Close() {
	t.mu.Lock()
	sub, reg := t.sub, t.reg
	t.sub, t.reg = nil, nil
	t.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	if reg != nil {
		_ = reg.Unregister()
	}
}

func (t *Tracker) handleVoiceState(msg *nats.Msg) {
	var state protocol.VoiceState
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.log.Warn("invalid voice state", slog.String("error", err.Error()))
		return
	}
	t.Observe(state)
}

// Observe records state. An empty channel removes the participant.
func (t *Tracker) Observe(state protocol.VoiceState) {
	if state.RoomID == "" {
		return
	}
	if state.Timestamp.IsZero() {
		state.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.rooms[state.RoomID]
	if state.ChannelID == "" {
		if room != nil {
			delete(room, state.ParticipantID)
			if len(room) == 0 {
				delete(t.rooms, state.RoomID)
			}
		}
		return
	}
	if room == nil {
		room = make(map[uint64]protocol.VoiceState)
		t.rooms[state.RoomID] = room
	}
	if prev, ok := room[state.ParticipantID]; ok && prev.Timestamp.After(state.Timestamp) {
		return
	}
	room[state.ParticipantID] = state
}

// Lookup returns the participant's voice state if they are in a voice channel.
func (t *Tracker) Lookup(roomID string, participantID uint64) (protocol.VoiceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.rooms[roomID][participantID]
	return state, ok
}

// Occupants counts participants currently in channelID.
func (t *Tracker) Occupants(roomID, channelID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, state := range t.rooms[roomID] {
		if state.ChannelID == channelID {
			n++
		}
	}
	return n
}

func (t *Tracker) initMetrics() error {
	gauge, err := t.meter.Int64ObservableGauge("voicebridge.presence.participants", metric.WithDescription("Participants currently in a voice channel"))
	if err != nil {
		return err
	}
	t.gauge = gauge
	reg, err := t.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, t.count())
		return nil
	}, gauge)
	if err != nil {
		return err
	}
	t.reg = reg
	return nil
}

func (t *Tracker) count() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, room := range t.rooms {
		n += int64(len(room))
	}
	return n
}
