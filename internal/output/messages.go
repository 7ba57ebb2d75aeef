package output

import (
	"encoding/base64"

	"github.com/fictive-reality/voxstream/pkg/lipsync"
)

// MessageType tags every message crossing the duplex connection.
type MessageType string

const (
	MessageTypeAudio      MessageType = "websocket_audio"
	MessageTypeTranscript MessageType = "websocket_transcript"
	MessageTypeReady      MessageType = "websocket_ready"
	MessageTypeStart      MessageType = "websocket_start"
	MessageTypeStop       MessageType = "websocket_stop"
)

// AudioMessage carries one audio chunk, base64-encoded, with the viseme
// events detected inside it.
type AudioMessage struct {
	Type          MessageType           `json:"type"`
	Data          string                `json:"data"`
	LipsyncEvents []lipsync.VisemeEvent `json:"lipsync_events,omitempty"`
}

// NewAudioMessage builds an [AudioMessage] from raw chunk bytes.
func NewAudioMessage(chunk []byte, events []lipsync.VisemeEvent) AudioMessage {
	return AudioMessage{
		Type:          MessageTypeAudio,
		Data:          base64.StdEncoding.EncodeToString(chunk),
		LipsyncEvents: events,
	}
}

// TranscriptEvent is one line of conversation transcript.
type TranscriptEvent struct {
	// Text is what was said.
	Text string `json:"text"`

	// Sender identifies who said it, e.g. "bot" or "human".
	Sender string `json:"sender"`

	// Timestamp is seconds since the conversation started.
	Timestamp float64 `json:"timestamp"`
}

// TranscriptMessage wraps a [TranscriptEvent] for the wire.
type TranscriptMessage struct {
	Type MessageType `json:"type"`
	TranscriptEvent
}

// NewTranscriptMessage builds a [TranscriptMessage] from an event.
func NewTranscriptMessage(event TranscriptEvent) TranscriptMessage {
	return TranscriptMessage{Type: MessageTypeTranscript, TranscriptEvent: event}
}
