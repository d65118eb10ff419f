package reaction

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type MessageType string

const (
	TypeEmotion    MessageType = "emotion"
	TypeConnection MessageType = "connection"
	TypeError      MessageType = "error"
)

// Message is the single wire envelope for every variant.
type Message struct {
	Type      MessageType `json:"type"`
	Emoji     string      `json:"emoji,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	StreamID  string      `json:"stream_id,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Message   string      `json:"message,omitempty"`
}

var (
	ErrInvalidFormat   = errors.New("invalid message format")
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMissingEmoji    = errors.New("missing emoji")
	ErrRateLimited     = errors.New("rate limited")
	// ErrStreamMismatch is dropped without a reply.
	ErrStreamMismatch = errors.New("stream id does not match room")
)

// ParseInbound decodes a client frame for the room streamID. Clients may only
// send emotions.
func ParseInbound(data []byte, streamID string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrInvalidFormat
	}

	switch msg.Type {
	case TypeEmotion:
	default:
		// connection and error only flow server to client
		return nil, ErrUnsupportedType
	}

	if msg.Emoji == "" {
		return nil, ErrMissingEmoji
	}
	if msg.StreamID != streamID {
		return nil, ErrStreamMismatch
	}

	return &Message{
		Type:     TypeEmotion,
		Emoji:    msg.Emoji,
		UserID:   msg.UserID,
		StreamID: streamID,
	}, nil
}

func newConnectionMessage(streamID string) *Message {
	return &Message{
		Type:     TypeConnection,
		Message:  "Connected to emotion stream",
		StreamID: streamID,
	}
}

// newErrorMessage renders err as the reply text clients display.
func newErrorMessage(err error) *Message {
	text := err.Error()
	if text != "" {
		text = strings.ToUpper(text[:1]) + text[1:]
	}
	return &Message{Type: TypeError, Message: text}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
