// Package intake consumes chat and voice events from the bus and turns
// eligible messages into speech.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-voicebridge/internal/bus"
	"github.com/loqalabs/loqa-voicebridge/internal/eligibility"
	"github.com/loqalabs/loqa-voicebridge/internal/protocol"
	"github.com/loqalabs/loqa-voicebridge/internal/session"
	"github.com/loqalabs/loqa-voicebridge/internal/synth"
	"github.com/loqalabs/loqa-voicebridge/internal/voices"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Presence answers where a participant currently is in voice.
type Presence interface {
	Lookup(roomID string, participantID uint64) (protocol.VoiceState, bool)
}

// Speaker accepts text for synthesis.
type Speaker interface {
	Submit(req synth.SubmitRequest) error
}

// Commands handles prefixed messages.
type Commands interface {
	Prefix() string
	Dispatch(ctx context.Context, msg protocol.ChatMessage) bool
}

// Service routes every chat message through the eligibility rules and then
// to the command dispatcher.
type Service struct {
	bus      *bus.Client
	registry *session.Registry
	presence Presence
	voices   *voices.Assigner
	speaker  Speaker
	commands Commands
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	sub       *nats.Subscription
	decisions metric.Int64Counter
}

func NewService(parent context.Context, busClient *bus.Client, registry *session.Registry, presence Presence, assigner *voices.Assigner, speaker Speaker, commands Commands, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		bus:      busClient,
		registry: registry,
		presence: presence,
		voices:   assigner,
		speaker:  speaker,
		commands: commands,
		logger:   logger.With(slog.String("component", "intake")),
		ctx:      ctx,
		cancel:   cancel,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-voicebridge/intake").Int64Counter(
		"voicebridge.intake.decisions",
		metric.WithDescription("Chat messages evaluated, by decision reason"))
	if err != nil {
		s.logger.Warn("failed to create decision counter", slogError(err))
	}
	s.decisions = counter
	return s
}

// Start subscribes to chat messages.
func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectChatMessage, s.handleChat)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

func (s *Service) handleChat(msg *nats.Msg) {
	var chat protocol.ChatMessage
	if err := json.Unmarshal(msg.Data, &chat); err != nil {
		s.logger.Warn("intake failed to decode chat message", slogError(err))
		return
	}
	s.HandleMessage(s.ctx, chat)
}

// HandleMessage evaluates one chat message, submits it for speech when
// eligible, and then offers it to the command dispatcher.
func (s *Service) HandleMessage(ctx context.Context, chat protocol.ChatMessage) eligibility.Decision {
	if chat.Author.Bot {
		return eligibility.Decision{Reason: ReasonBot, AuthorID: chat.Author.ID}
	}

	var decision eligibility.Decision
	if chat.RoomID != "" {
		var sessionID string
		decision, sessionID = s.evaluate(ctx, chat)
		s.record(ctx, decision.Reason)
		if decision.Convert {
			err := s.speaker.Submit(synth.SubmitRequest{
				RoomID:    chat.RoomID,
				SessionID: sessionID,
				Speaker:   chat.Author.ID,
				Text:      decision.Speech,
				Voice:     decision.Voice,
			})
			switch {
			case err == nil, errors.Is(err, synth.ErrServiceClosed):
			case errors.Is(err, synth.ErrRateLimited):
				s.logger.Info("speaker rate limited",
					slog.String("room", chat.RoomID),
					slog.Uint64("speaker", chat.Author.ID))
			default:
				s.logger.Warn("failed to submit speech", slog.String("room", chat.RoomID), slogError(err))
			}
		} else {
			s.logger.Debug("message not spoken",
				slog.String("room", chat.RoomID),
				slog.String("reason", string(decision.Reason)))
		}
	}

	if s.commands != nil {
		s.commands.Dispatch(ctx, chat)
	}
	return decision
}

// ReasonBot marks messages from bot accounts, which are never considered.
const ReasonBot eligibility.Reason = "bot author"

// evaluate also returns the id of the session the decision was made against.
func (s *Service) evaluate(ctx context.Context, chat protocol.ChatMessage) (eligibility.Decision, string) {
	evt := eligibility.Event{
		RoomID:      chat.RoomID,
		ChannelID:   chat.ChannelID,
		AuthorID:    chat.Author.ID,
		DisplayName: chat.Author.DisplayName,
		Member:      chat.Author.Member,
		Content:     chat.Content,
	}

	var view *eligibility.Session
	var sessionID string
	if sess, ok := s.registry.Get(chat.RoomID); ok {
		sessionID = sess.ID()
		transport := sess.Transport()
		view = &eligibility.Session{
			MonitoredChannelID: sess.MonitoredChannelID(),
			VoiceChannelID:     transport.ChannelID(),
			Connected:          transport.IsConnected(),
		}
	}

	var voice *eligibility.VoiceState
	if state, ok := s.presence.Lookup(chat.RoomID, chat.Author.ID); ok {
		voice = &eligibility.VoiceState{
			ChannelID: state.ChannelID,
			SelfMute:  state.SelfMute,
			Mute:      state.Mute,
		}
	}

	prefix := ""
	if s.commands != nil {
		prefix = s.commands.Prefix()
	}
	decision := eligibility.Evaluate(evt, view, voice, prefix, func(id uint64) string {
		return s.voices.Get(ctx, id)
	})
	return decision, sessionID
}

func (s *Service) record(ctx context.Context, reason eligibility.Reason) {
	if s.decisions == nil {
		return
	}
	s.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
