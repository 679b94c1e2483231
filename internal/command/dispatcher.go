// Package command handles the prefixed chat commands that control a room's
// session and a participant's voice.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-voicebridge/internal/bus"
	"github.com/loqalabs/loqa-voicebridge/internal/eligibility"
	"github.com/loqalabs/loqa-voicebridge/internal/playback"
	"github.com/loqalabs/loqa-voicebridge/internal/protocol"
	"github.com/loqalabs/loqa-voicebridge/internal/session"
	"github.com/loqalabs/loqa-voicebridge/internal/synth"
	"github.com/loqalabs/loqa-voicebridge/internal/voices"
)

const defaultTestText = "This is a test message"

// Replier posts command responses back to chat.
type Replier interface {
	Reply(ctx context.Context, reply protocol.Reply) error
}

// BusReplier publishes replies on chat.reply for the gateway bridge.
type BusReplier struct {
	Bus *bus.Client
}

func (b BusReplier) Reply(_ context.Context, reply protocol.Reply) error {
	return b.Bus.PublishJSON(protocol.SubjectChatReply, reply)
}

// Presence answers where a participant currently is in voice.
type Presence interface {
	Lookup(roomID string, participantID uint64) (protocol.VoiceState, bool)
}

// Speaker accepts text for synthesis.
type Speaker interface {
	Submit(req synth.SubmitRequest) error
}

// Dispatcher routes prefixed messages to command handlers.
type Dispatcher struct {
	prefix    string
	registry  *session.Registry
	connector playback.Connector
	presence  Presence
	voices    *voices.Assigner
	speaker   Speaker
	replier   Replier
	logger    *slog.Logger
	handlers  map[string]handler
}

type handler func(ctx context.Context, msg protocol.ChatMessage, args string)

// Deps groups the collaborators a Dispatcher needs.
type Deps struct {
	Prefix    string
	Registry  *session.Registry
	Connector playback.Connector
	Presence  Presence
	Voices    *voices.Assigner
	Speaker   Speaker
	Replier   Replier
	Logger    *slog.Logger
}

func NewDispatcher(deps Deps) *Dispatcher {
	prefix := deps.Prefix
	if prefix == "" {
		prefix = "!"
	}
	d := &Dispatcher{
		prefix:    prefix,
		registry:  deps.Registry,
		connector: deps.Connector,
		presence:  deps.Presence,
		voices:    deps.Voices,
		speaker:   deps.Speaker,
		replier:   deps.Replier,
		logger:    deps.Logger.With(slog.String("component", "commands")),
	}
	d.handlers = map[string]handler{
		"join":     d.join,
		"leave":    d.leave,
		"s":        d.speak,
		"voice":    d.voice,
		"voices":   d.listVoices,
		"test":     d.test,
		"help_tts": d.help,
	}
	return d
}

// Prefix is the string every command starts with.
func (d *Dispatcher) Prefix() string {
	return d.prefix
}

// Dispatch runs the command in msg, if any. It reports whether a known
// command was found.
func (d *Dispatcher) Dispatch(ctx context.Context, msg protocol.ChatMessage) bool {
	name, args, ok := d.parse(msg.Content)
	if !ok {
		return false
	}
	h, ok := d.handlers[name]
	if !ok {
		d.logger.Debug("unknown command", slog.String("command", name))
		return false
	}
	d.logger.Debug("dispatching command",
		slog.String("command", name),
		slog.String("room", msg.RoomID),
		slog.Uint64("author", msg.Author.ID))
	h(ctx, msg, args)
	return true
}

func (d *Dispatcher) parse(content string) (string, string, bool) {
	if !strings.HasPrefix(content, d.prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(content, d.prefix)
	name, args := rest, ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		name, args = rest[:i], rest[i:]
	}
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(args), true
}

func (d *Dispatcher) join(ctx context.Context, msg protocol.ChatMessage, _ string) {
	if !msg.Author.Member {
		return
	}
	if msg.RoomID == "" {
		d.reply(ctx, msg, "This command can only be used in a server.")
		return
	}
	state, ok := d.presence.Lookup(msg.RoomID, msg.Author.ID)
	if !ok || state.ChannelID == "" {
		d.reply(ctx, msg, "You need to be in a voice channel for me to join!")
		return
	}

	if existing, ok := d.registry.Get(msg.RoomID); ok {
		transport := existing.Transport()
		switch {
		case transport.IsConnected() && transport.ChannelID() == state.ChannelID:
			existing.Monitor(msg.ChannelID)
			d.reply(ctx, msg, "Now reading messages from this channel.")
			return
		case transport.IsConnected():
			d.reply(ctx, msg, fmt.Sprintf("Error: %v", session.ErrSessionActive))
			return
		default:
			// The bridge dropped the old connection; replace the session.
			if err := d.registry.Stop(ctx, msg.RoomID); err != nil && !errors.Is(err, session.ErrSessionNotActive) {
				d.logger.Warn("failed to stop stale session", slog.String("room", msg.RoomID), slogError(err))
			}
		}
	}

	transport, err := d.connector.Connect(ctx, msg.RoomID, state.ChannelID)
	if err != nil {
		d.logger.Warn("voice connect failed", slog.String("room", msg.RoomID), slogError(err))
		d.reply(ctx, msg, fmt.Sprintf("Error joining voice channel: %v", err))
		return
	}
	if _, err := d.registry.Start(msg.RoomID, msg.ChannelID, transport); err != nil {
		if derr := transport.Disconnect(ctx); derr != nil {
			d.logger.Warn("failed to disconnect unused transport", slogError(derr))
		}
		d.reply(ctx, msg, fmt.Sprintf("Error: %v", err))
		return
	}
	d.reply(ctx, msg, fmt.Sprintf("Joined voice channel %s! Use `%ss <message>` to convert text to speech.", transport.ChannelID(), d.prefix))
}

func (d *Dispatcher) leave(ctx context.Context, msg protocol.ChatMessage, _ string) {
	if msg.RoomID == "" {
		d.reply(ctx, msg, "This command can only be used in a server.")
		return
	}
	err := d.registry.Stop(ctx, msg.RoomID)
	if errors.Is(err, session.ErrSessionNotActive) {
		d.reply(ctx, msg, "I'm not in a voice channel!")
		return
	}
	if err != nil {
		d.logger.Warn("session teardown incomplete", slog.String("room", msg.RoomID), slogError(err))
	}
	d.reply(ctx, msg, "Left the voice channel!")
}

func (d *Dispatcher) speak(ctx context.Context, msg protocol.ChatMessage, text string) {
	if msg.RoomID == "" {
		d.reply(ctx, msg, "This command can only be used in a server.")
		return
	}
	if text == "" {
		d.reply(ctx, msg, fmt.Sprintf("Usage: `%ss <message>`", d.prefix))
		return
	}
	sess, ok := d.connectedSession(msg.RoomID)
	if !ok {
		d.reply(ctx, msg, fmt.Sprintf("I need to be in a voice channel first! Use `%sjoin`", d.prefix))
		return
	}
	if msg.ChannelID != sess.MonitoredChannelID() {
		d.reply(ctx, msg, "I'm only providing TTS in the channel where I was summoned!")
		return
	}
	d.submit(ctx, msg, sess.ID(), eligibility.SpeechFor(msg.Author.DisplayName, text))
}

func (d *Dispatcher) test(ctx context.Context, msg protocol.ChatMessage, text string) {
	if msg.RoomID == "" {
		d.reply(ctx, msg, "This command can only be used in a server.")
		return
	}
	if text == "" {
		text = defaultTestText
	}
	sess, ok := d.connectedSession(msg.RoomID)
	if !ok {
		d.reply(ctx, msg, fmt.Sprintf("I need to be in a voice channel first! Use `%sjoin`", d.prefix))
		return
	}
	if d.submit(ctx, msg, sess.ID(), text) {
		d.reply(ctx, msg, "TTS test queued!")
	}
}

func (d *Dispatcher) voice(ctx context.Context, msg protocol.ChatMessage, choice string) {
	if choice == "" {
		d.reply(ctx, msg, "Your current voice is: "+d.voices.Get(ctx, msg.Author.ID))
		return
	}
	if err := d.voices.Set(ctx, msg.Author.ID, choice); err != nil {
		if errors.Is(err, voices.ErrInvalidChoice) {
			d.reply(ctx, msg, "Invalid voice. Available voices:\n"+d.catalogBlock())
			return
		}
		d.logger.Warn("failed to set voice", slogError(err))
		return
	}
	d.reply(ctx, msg, "Your voice has been set to: "+choice)
}

func (d *Dispatcher) listVoices(ctx context.Context, msg protocol.ChatMessage, _ string) {
	d.reply(ctx, msg, "Available voices:\n"+d.catalogBlock())
}

func (d *Dispatcher) help(ctx context.Context, msg protocol.ChatMessage, _ string) {
	p := d.prefix
	var b strings.Builder
	b.WriteString("**TTS Bot Commands:**\n")
	fmt.Fprintf(&b, "`%sjoin` - Join your current voice channel\n", p)
	fmt.Fprintf(&b, "`%sleave` - Leave the voice channel\n", p)
	fmt.Fprintf(&b, "`%ss <message>` - Convert text to speech\n", p)
	fmt.Fprintf(&b, "`%svoice [voice_name]` - Set or view your TTS voice\n", p)
	fmt.Fprintf(&b, "`%svoices` - List all available voices\n", p)
	fmt.Fprintf(&b, "`%stest [text]` - Test TTS functionality\n", p)
	fmt.Fprintf(&b, "`%shelp_tts` - Show this help message\n", p)
	b.WriteString("\n**Features:**\n")
	b.WriteString("- Messages from muted members in the summoning channel are read aloud\n")
	b.WriteString("- Clips play one at a time, in the order they are ready\n")
	b.WriteString("- Each user gets their own voice\n")
	d.reply(ctx, msg, b.String())
}

func (d *Dispatcher) connectedSession(roomID string) (*session.Session, bool) {
	sess, ok := d.registry.Get(roomID)
	if !ok || !sess.Transport().IsConnected() {
		return nil, false
	}
	return sess, true
}

func (d *Dispatcher) submit(ctx context.Context, msg protocol.ChatMessage, sessionID, text string) bool {
	req := synth.SubmitRequest{
		RoomID:    msg.RoomID,
		SessionID: sessionID,
		Speaker:   msg.Author.ID,
		Text:      text,
		Voice:     d.voices.Get(ctx, msg.Author.ID),
	}
	if err := d.speaker.Submit(req); err != nil {
		if errors.Is(err, synth.ErrRateLimited) {
			d.reply(ctx, msg, "You're sending messages too fast, slow down a little.")
			return false
		}
		d.logger.Warn("failed to submit speech", slog.String("room", msg.RoomID), slogError(err))
		return false
	}
	return true
}

func (d *Dispatcher) catalogBlock() string {
	return "```" + strings.Join(d.voices.Catalog(), "\n") + "```"
}

func (d *Dispatcher) reply(ctx context.Context, msg protocol.ChatMessage, content string) {
	reply := protocol.Reply{
		RoomID:    msg.RoomID,
		ChannelID: msg.ChannelID,
		ReplyTo:   msg.MessageID,
		Content:   content,
	}
	if err := d.replier.Reply(ctx, reply); err != nil {
		d.logger.Warn("failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
