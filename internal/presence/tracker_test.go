package presence_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/bus/bustest"
	"github.com/loqalabs/loqa-voicebridge/internal/playback/playbacktest"
	"github.com/loqalabs/loqa-voicebridge/internal/presence"
	"github.com/loqalabs/loqa-voicebridge/internal/protocol"
)

func newTracker(t *testing.T) *presence.Tracker {
	t.Helper()
	tr := presence.NewTracker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(tr.Close)
	return tr
}

func TestObserveAndLookup(t *testing.T) {
	tr := newTracker(t)
	tr.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1", SelfMute: true})

	state, ok := tr.Lookup("R1", 7)
	if !ok || state.ChannelID != "V1" || !state.SelfMute {
		t.Fatalf("unexpected state %+v (found=%v)", state, ok)
	}
	if _, ok := tr.Lookup("R2", 7); ok {
		t.Fatal("presence must be scoped per room")
	}
	if tr.Occupants("R1", "V1") != 1 {
		t.Fatalf("expected one occupant, got %d", tr.Occupants("R1", "V1"))
	}
}

func TestLeavingVoiceRemovesParticipant(t *testing.T) {
	tr := newTracker(t)
	tr.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1"})
	tr.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: ""})
	if _, ok := tr.Lookup("R1", 7); ok {
		t.Fatal("expected participant removed after leaving voice")
	}
}

func TestStaleStateIgnored(t *testing.T) {
	tr := newTracker(t)
	now := time.Now().UTC()
	tr.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V2", Timestamp: now})
	tr.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1", Timestamp: now.Add(-time.Second)})
	state, _ := tr.Lookup("R1", 7)
	if state.ChannelID != "V2" {
		t.Fatalf("older event overwrote newer state: %+v", state)
	}
}

func TestSubscribeFromBus(t *testing.T) {
	client := bustest.Connect(t)
	tr := newTracker(t)
	if err := tr.Subscribe(client); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	data, _ := json.Marshal(protocol.VoiceState{RoomID: "R1", ParticipantID: 9, ChannelID: "V1", Mute: true})
	if err := client.Conn().Publish(protocol.SubjectVoiceState, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	playbacktest.Eventually(t, 2*time.Second, func() bool {
		state, ok := tr.Lookup("R1", 9)
		return ok && state.Mute
	}, "voice state delivered")
}
