package protocol

import "time"

// ChatMessage is a text event relayed by the gateway bridge.
type ChatMessage struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	ChannelID string    `json:"channel_id"`
	Author    Author    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Author describes who wrote a chat message. Member is false for webhooks and
// system messages.
type Author struct {
	ID          uint64 `json:"id"`
	DisplayName string `json:"display_name"`
	Bot         bool   `json:"bot"`
	Member      bool   `json:"member"`
}

// VoiceState is the latest voice presence of a participant. An empty
// ChannelID means the participant is not in any voice channel.
type VoiceState struct {
	RoomID        string    `json:"room_id"`
	ParticipantID uint64    `json:"participant_id"`
	ChannelID     string    `json:"channel_id"`
	SelfMute      bool      `json:"self_mute"`
	Mute          bool      `json:"mute"`
	Timestamp     time.Time `json:"timestamp"`
}

// Reply is a text response to a command, posted back into a channel.
type Reply struct {
	RoomID    string `json:"room_id"`
	ChannelID string `json:"channel_id"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Content   string `json:"content"`
}

// VoiceConnectRequest asks the bridge to join a voice channel.
type VoiceConnectRequest struct {
	RoomID    string `json:"room_id"`
	ChannelID string `json:"channel_id"`
}

// VoiceDisconnectRequest asks the bridge to leave the room's voice channel.
type VoiceDisconnectRequest struct {
	RoomID string `json:"room_id"`
}

// VoiceAck answers connect and disconnect requests.
type VoiceAck struct {
	OK        bool   `json:"ok"`
	ChannelID string `json:"channel_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PlayRequest carries one synthesized clip to the bridge for rendering.
type PlayRequest struct {
	RoomID string `json:"room_id"`
	JobID  string `json:"job_id"`
	Format string `json:"format"`
	Audio  []byte `json:"audio"`
}

// Playback status values reported on SubjectVoiceStatusPrefix.
const (
	StatusStarted      = "started"
	StatusFinished     = "finished"
	StatusFailed       = "failed"
	StatusDisconnected = "disconnected"
)

// VoiceStatus is emitted by the bridge as playback progresses.
type VoiceStatus struct {
	RoomID    string    `json:"room_id"`
	JobID     string    `json:"job_id,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectChatMessage       = "chat.message"
	SubjectChatReply         = "chat.reply"
	SubjectVoiceState        = "voice.state"
	SubjectVoiceConnect      = "voice.connect"
	SubjectVoiceDisconnect   = "voice.disconnect"
	SubjectVoicePlayPrefix   = "voice.play"
	SubjectVoiceStatusPrefix = "voice.status"
)

// PlaySubject is where clips for a room are published.
func PlaySubject(roomID string) string {
	return SubjectVoicePlayPrefix + "." + roomID
}

// StatusSubject is where the bridge reports playback status for a room.
func StatusSubject(roomID string) string {
	return SubjectVoiceStatusPrefix + "." + roomID
}
