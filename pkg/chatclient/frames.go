package chatclient

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// FrameType discriminates inbound realtime envelopes.
type FrameType string

const (
	FrameMessage          FrameType = "message"
	FrameTyping           FrameType = "typing"
	FrameStreamChunk      FrameType = "stream_chunk"
	FrameMessageCompleted FrameType = "message_completed"
	FrameError            FrameType = "error"
)

// ErrUnknownFrameType is returned by ParseFrame for envelopes whose type is
// not part of the protocol. Production dispatch treats these as a no-op;
// tests assert the rejection.
var ErrUnknownFrameType = errors.New("unknown frame type")

// Frame is the inbound realtime envelope. Fields are populated per type:
// message uses id/agent_id/agent_name/content/timestamp, stream_chunk uses
// message_id/chunk, typing and error carry their payload under data.
type Frame struct {
	Type      FrameType  `json:"type"`
	ID        string     `json:"id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	AgentName string     `json:"agent_name,omitempty"`
	Content   string     `json:"content,omitempty"`
	Timestamp string     `json:"timestamp,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Chunk     string     `json:"chunk,omitempty"`
	Seq       *int64     `json:"seq,omitempty"`
	Data      *FrameData `json:"data,omitempty"`
}

// FrameData is the nested payload of typing and error frames.
type FrameData struct {
	IsTyping  bool   `json:"is_typing,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ParseFrame decodes an inbound envelope. A decode failure or an unknown
// discriminator is reported to the caller; the frame is still returned for
// unknown types so a tolerant caller can log it.
func ParseFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(b, f); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	switch f.Type {
	case FrameMessage, FrameTyping, FrameStreamChunk, FrameMessageCompleted, FrameError:
		return f, nil
	default:
		return f, errors.Wrapf(ErrUnknownFrameType, "%q", string(f.Type))
	}
}

// eventTime parses the frame timestamp, falling back to now so a missing or
// malformed server clock never blocks transcript mutation.
func (f *Frame) eventTime() time.Time {
	if f.Timestamp == "" {
		return time.Now()
	}
	if t, err := time.Parse(time.RFC3339Nano, f.Timestamp); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, f.Timestamp); err == nil {
		return t
	}
	return time.Now()
}

// ChatPayload is the data section of the outbound send frame.
type ChatPayload struct {
	AgentID   string         `json:"agent_id"`
	Message   string         `json:"message"`
	MessageID string         `json:"message_id"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// OutboundFrame is the envelope written to the realtime channel.
type OutboundFrame struct {
	Type string      `json:"type"`
	Data ChatPayload `json:"data"`
}

// NewChatFrame builds the outbound send envelope for one user message.
func NewChatFrame(sessionID, messageID, agentID, content string, metadata map[string]any) OutboundFrame {
	return OutboundFrame{
		Type: "chat",
		Data: ChatPayload{
			AgentID:   agentID,
			Message:   content,
			MessageID: messageID,
			SessionID: sessionID,
			Metadata:  metadata,
		},
	}
}
