package command_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/command"
	"github.com/loqalabs/loqa-voicebridge/internal/playback/playbacktest"
	"github.com/loqalabs/loqa-voicebridge/internal/presence"
	"github.com/loqalabs/loqa-voicebridge/internal/protocol"
	"github.com/loqalabs/loqa-voicebridge/internal/session"
	"github.com/loqalabs/loqa-voicebridge/internal/synth"
	"github.com/loqalabs/loqa-voicebridge/internal/voices"
)

var catalog = []string{"en-US-AriaNeural", "en-US-JennyNeural", "en-US-GuyNeural"}

type replies struct {
	mu  sync.Mutex
	got []protocol.Reply
}

func (r *replies) Reply(_ context.Context, reply protocol.Reply) error {
	r.mu.Lock()
	r.got = append(r.got, reply)
	r.mu.Unlock()
	return nil
}

func (r *replies) last(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.got) == 0 {
		t.Fatal("expected a reply")
	}
	return r.got[len(r.got)-1].Content
}

type speaker struct {
	mu   sync.Mutex
	reqs []synth.SubmitRequest
}

func (s *speaker) Submit(req synth.SubmitRequest) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return nil
}

type fixture struct {
	dispatcher *command.Dispatcher
	registry   *session.Registry
	connector  *playbacktest.Connector
	presence   *presence.Tracker
	voices     *voices.Assigner
	speaker    *speaker
	replies    *replies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := session.NewRegistry(context.Background(), 5*time.Millisecond, nil, logger)
	t.Cleanup(func() { _ = reg.StopAll(context.Background()) })
	assigner, err := voices.NewAssigner(context.Background(), catalog, voices.NewFileStore(filepath.Join(t.TempDir(), "voices.json")), logger)
	if err != nil {
		t.Fatalf("assigner: %v", err)
	}
	tracker := presence.NewTracker(logger)
	t.Cleanup(tracker.Close)

	f := &fixture{
		registry:  reg,
		connector: &playbacktest.Connector{PlayFor: time.Millisecond},
		presence:  tracker,
		voices:    assigner,
		speaker:   &speaker{},
		replies:   &replies{},
	}
	f.dispatcher = command.NewDispatcher(command.Deps{
		Prefix:    "!",
		Registry:  reg,
		Connector: f.connector,
		Presence:  tracker,
		Voices:    assigner,
		Speaker:   f.speaker,
		Replier:   f.replies,
		Logger:    logger,
	})
	return f
}

func message(channel, content string) protocol.ChatMessage {
	return protocol.ChatMessage{
		MessageID: "m1",
		RoomID:    "R1",
		ChannelID: channel,
		Author:    protocol.Author{ID: 7, DisplayName: "Alice", Member: true},
		Content:   content,
	}
}

func (f *fixture) run(t *testing.T, channel, content string) {
	t.Helper()
	if !f.dispatcher.Dispatch(context.Background(), message(channel, content)) {
		t.Fatalf("%q not dispatched", content)
	}
}

func TestDispatchIgnoresPlainText(t *testing.T) {
	f := newFixture(t)
	if f.dispatcher.Dispatch(context.Background(), message("C1", "hello")) {
		t.Fatal("plain text must not dispatch")
	}
	if f.dispatcher.Dispatch(context.Background(), message("C1", "!unknown")) {
		t.Fatal("unknown command must not dispatch")
	}
}

func TestJoinRequiresVoice(t *testing.T) {
	f := newFixture(t)
	f.run(t, "C1", "!join")
	if got := f.replies.last(t); got != "You need to be in a voice channel for me to join!" {
		t.Fatalf("unexpected reply %q", got)
	}
	if _, ok := f.registry.Get("R1"); ok {
		t.Fatal("no session expected")
	}
}

func TestJoinStartsSession(t *testing.T) {
	f := newFixture(t)
	f.presence.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1"})
	f.run(t, "C1", "!join")

	sess, ok := f.registry.Get("R1")
	if !ok {
		t.Fatal("expected session")
	}
	if sess.MonitoredChannelID() != "C1" || sess.Transport().ChannelID() != "V1" {
		t.Fatalf("unexpected session channels %s/%s", sess.MonitoredChannelID(), sess.Transport().ChannelID())
	}
	if !strings.HasPrefix(f.replies.last(t), "Joined voice channel V1!") {
		t.Fatalf("unexpected reply %q", f.replies.last(t))
	}
}

func TestJoinAgainRetargetsMonitoredChannel(t *testing.T) {
	f := newFixture(t)
	f.presence.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1"})
	f.run(t, "C1", "!join")
	first, _ := f.registry.Get("R1")

	f.run(t, "C2", "!join")
	sess, _ := f.registry.Get("R1")
	if sess != first {
		t.Fatal("expected the same session")
	}
	if sess.MonitoredChannelID() != "C2" {
		t.Fatalf("expected monitored channel C2, got %s", sess.MonitoredChannelID())
	}
}

func TestJoinFromOtherVoiceChannelConflicts(t *testing.T) {
	f := newFixture(t)
	f.presence.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1"})
	f.run(t, "C1", "!join")
	f.presence.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V2"})
	f.run(t, "C2", "!join")

	if got := f.replies.last(t); !strings.Contains(got, session.ErrSessionActive.Error()) {
		t.Fatalf("expected conflict reply, got %q", got)
	}
	sess, _ := f.registry.Get("R1")
	if sess.MonitoredChannelID() != "C1" {
		t.Fatal("conflicting join must not modify the session")
	}
}

func TestJoinReplacesDroppedSession(t *testing.T) {
	f := newFixture(t)
	f.presence.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1"})
	f.run(t, "C1", "!join")
	first, _ := f.registry.Get("R1")
	f.connector.Transport("R1").DropConnection()

	f.run(t, "C1", "!join")
	sess, ok := f.registry.Get("R1")
	if !ok || sess == first {
		t.Fatal("expected a fresh session after the connection dropped")
	}
}

func TestJoinConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.connector.Err = errors.New("no permission")
	f.presence.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1"})
	f.run(t, "C1", "!join")
	if got := f.replies.last(t); !strings.HasPrefix(got, "Error joining voice channel") {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	f.run(t, "C1", "!leave")
	if got := f.replies.last(t); got != "I'm not in a voice channel!" {
		t.Fatalf("unexpected reply %q", got)
	}

	f.presence.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1"})
	f.run(t, "C1", "!join")
	f.run(t, "C1", "!leave")
	if got := f.replies.last(t); got != "Left the voice channel!" {
		t.Fatalf("unexpected reply %q", got)
	}
	if _, ok := f.registry.Get("R1"); ok {
		t.Fatal("session should be gone")
	}
	if f.connector.Transport("R1").Disconnects() != 1 {
		t.Fatal("expected transport disconnected")
	}
}

func TestSpeakCommand(t *testing.T) {
	f := newFixture(t)
	f.run(t, "C1", "!s hello there")
	if got := f.replies.last(t); got != "I need to be in a voice channel first! Use `!join`" {
		t.Fatalf("unexpected reply %q", got)
	}

	f.presence.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1"})
	f.run(t, "C1", "!join")
	f.run(t, "C9", "!s hello there")
	if got := f.replies.last(t); got != "I'm only providing TTS in the channel where I was summoned!" {
		t.Fatalf("unexpected reply %q", got)
	}

	f.run(t, "C1", "!s hello there")
	f.speaker.mu.Lock()
	defer f.speaker.mu.Unlock()
	if len(f.speaker.reqs) != 1 {
		t.Fatalf("expected one submission, got %d", len(f.speaker.reqs))
	}
	req := f.speaker.reqs[0]
	if req.Text != "Alice says: hello there" || req.RoomID != "R1" || req.Speaker != 7 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Voice != catalog[7%len(catalog)] {
		t.Fatalf("expected default voice, got %s", req.Voice)
	}
	sess, _ := f.registry.Get("R1")
	if req.SessionID != sess.ID() {
		t.Fatalf("expected request pinned to session %s, got %q", sess.ID(), req.SessionID)
	}
}

func TestCommandNameEndsAtAnyWhitespace(t *testing.T) {
	f := newFixture(t)
	f.presence.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1"})
	f.run(t, "C1", "!join")

	for _, content := range []string{"!s\thello", "!s\nhello", "!s  hello"} {
		f.run(t, "C1", content)
	}
	f.speaker.mu.Lock()
	defer f.speaker.mu.Unlock()
	if len(f.speaker.reqs) != 3 {
		t.Fatalf("expected three submissions, got %d", len(f.speaker.reqs))
	}
	for _, req := range f.speaker.reqs {
		if req.Text != "Alice says: hello" {
			t.Fatalf("unexpected speech %q", req.Text)
		}
	}
}

func TestTestCommandDefaultsText(t *testing.T) {
	f := newFixture(t)
	f.presence.Observe(protocol.VoiceState{RoomID: "R1", ParticipantID: 7, ChannelID: "V1"})
	f.run(t, "C1", "!join")
	f.run(t, "C9", "!test")

	f.speaker.mu.Lock()
	defer f.speaker.mu.Unlock()
	if len(f.speaker.reqs) != 1 || f.speaker.reqs[0].Text != "This is a test message" {
		t.Fatalf("unexpected submissions %+v", f.speaker.reqs)
	}
}

func TestVoiceCommands(t *testing.T) {
	f := newFixture(t)
	f.run(t, "C1", "!voice")
	if got := f.replies.last(t); got != "Your current voice is: "+catalog[7%len(catalog)] {
		t.Fatalf("unexpected reply %q", got)
	}

	f.run(t, "C1", "!voice en-GB-Nobody")
	if got := f.replies.last(t); !strings.HasPrefix(got, "Invalid voice. Available voices:") || !strings.Contains(got, "en-US-JennyNeural") {
		t.Fatalf("unexpected reply %q", got)
	}

	f.run(t, "C1", "!voice en-US-JennyNeural")
	if got := f.replies.last(t); got != "Your voice has been set to: en-US-JennyNeural" {
		t.Fatalf("unexpected reply %q", got)
	}
	if v := f.voices.Get(context.Background(), 7); v != "en-US-JennyNeural" {
		t.Fatalf("voice not stored, got %q", v)
	}

	f.run(t, "C1", "!voices")
	if got := f.replies.last(t); !strings.Contains(got, strings.Join(catalog, "\n")) {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestHelpUsesPrefix(t *testing.T) {
	f := newFixture(t)
	f.run(t, "C1", "!help_tts")
	if got := f.replies.last(t); !strings.Contains(got, "`!join`") || !strings.Contains(got, "`!s <message>`") {
		t.Fatalf("unexpected help %q", got)
	}
}
