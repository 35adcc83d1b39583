package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire event names.
const (
	EventPreviousMessages = "previous-messages"
	EventChatMessage      = "chat-message"
	EventFileMessage      = "file-message"
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventAuthError        = "auth-error"
	EventError            = "error"
)

// Frame is the JSON envelope used in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PresenceChange is the payload of user-joined and user-left.
type PresenceChange struct {
	Identity  Profile `json:"identity"`
	RoomCount int     `json:"roomCount"`
}

// ErrorPayload is the payload of auth-error and error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Inbound is a validated client frame.
type Inbound interface {
	inbound()
}

// TextMessageIn is a chat-message sent over the socket.
type TextMessageIn struct {
	Text string `json:"text"`
}

// FileMessageIn describes an uploaded file. It only arrives through the upload
// endpoint; the socket rejects it.
type FileMessageIn struct {
	File FileDescriptor `json:"file"`
}

func (TextMessageIn) inbound() {}
func (FileMessageIn) inbound() {}

// DecodeInbound parses and validates a raw client frame.
func DecodeInbound(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrValidation, err)
	}
	switch f.Event {
	case EventChatMessage:
		var m TextMessageIn
		if len(f.Data) == 0 {
			return nil, fmt.Errorf("%w: chat-message requires data", ErrValidation)
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("%w: chat-message data must be {text}: %v", ErrValidation, err)
		}
		if strings.TrimSpace(m.Text) == "" {
			return nil, fmt.Errorf("%w: text is required", ErrValidation)
		}
		if len(m.Text) > MaxTextLength {
			return nil, fmt.Errorf("%w: text exceeds %d bytes", ErrValidation, MaxTextLength)
		}
		return m, nil
	case EventFileMessage:
		return nil, fmt.Errorf("%w: file messages must be sent through the upload endpoint", ErrValidation)
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unsupported event %q", ErrValidation, f.Event)
	}
}

// EncodeFrame marshals an outbound frame.
func EncodeFrame(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: payload})
}

func eventName(k Kind) string {
	if k == KindFile {
		return EventFileMessage
	}
	return EventChatMessage
}
