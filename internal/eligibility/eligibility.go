// Package eligibility decides whether a chat message from a muted participant
// should be spoken into the room's voice channel.
package eligibility

import (
	"fmt"
	"strings"
)

// Reason explains a decision.
type Reason string

const (
	ReasonConvert      Reason = "convert"
	ReasonNoSession    Reason = "no session"
	ReasonWrongChannel Reason = "wrong channel"
	ReasonNotMember    Reason = "not a member"
	ReasonNotColocated Reason = "not co-located"
	ReasonNotMuted     Reason = "not muted"
	ReasonCommand      Reason = "is a command"
	ReasonEmpty        Reason = "empty"
)

// Event is an incoming chat message.
type Event struct {
	RoomID      string
	ChannelID   string
	AuthorID    uint64
	DisplayName string
	// Member is false for system messages, webhooks and other non-member actors.
	Member  bool
	Content string
}

// Session is the part of a room session the decision needs.
type Session struct {
	MonitoredChannelID string
	VoiceChannelID     string
	Connected          bool
}

// VoiceState is the author's current voice presence.
type VoiceState struct {
	ChannelID string
	SelfMute  bool
	Mute      bool
}

// Muted reports whether either mute flag is set.
func (v VoiceState) Muted() bool {
	return v.SelfMute || v.Mute
}

// Decision is the outcome of Evaluate. Speech and Voice are set only when
// Convert is true.
type Decision struct {
	Convert  bool
	Reason   Reason
	AuthorID uint64
	Text     string
	Speech   string
	Voice    string
}

// VoiceFunc resolves the voice for a participant.
type VoiceFunc func(participantID uint64) string

// Evaluate applies the gating rules in order and stops at the first failure.
// session and voice are nil when the room has no session or the author is
// not in any voice channel.
func Evaluate(evt Event, session *Session, voice *VoiceState, prefix string, resolve VoiceFunc) Decision {
	ignore := func(r Reason) Decision {
		return Decision{Reason: r, AuthorID: evt.AuthorID}
	}

	if session == nil {
		return ignore(ReasonNoSession)
	}
	if evt.ChannelID != session.MonitoredChannelID {
		return ignore(ReasonWrongChannel)
	}
	if !evt.Member {
		return ignore(ReasonNotMember)
	}
	if voice == nil || !session.Connected || voice.ChannelID == "" || voice.ChannelID != session.VoiceChannelID {
		return ignore(ReasonNotColocated)
	}
	if !voice.Muted() {
		return ignore(ReasonNotMuted)
	}
	if prefix != "" && strings.HasPrefix(evt.Content, prefix) {
		return ignore(ReasonCommand)
	}
	text := strings.TrimSpace(evt.Content)
	if text == "" {
		return ignore(ReasonEmpty)
	}

	return Decision{
		Convert:  true,
		Reason:   ReasonConvert,
		AuthorID: evt.AuthorID,
		Text:     text,
		Speech:   SpeechFor(evt.DisplayName, text),
		Voice:    resolve(evt.AuthorID),
	}
}

// SpeechFor formats what gets spoken on behalf of a participant.
func SpeechFor(displayName, text string) string {
	return fmt.Sprintf("%s says: %s", displayName, text)
}
