package chatclient

import (
	"context"
	"time"
)

// MessageStatus tracks the delivery lifecycle of a single message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusError     MessageStatus = "error"
)

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Role is the chat-completion role attached to a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Feedback is the user's verdict on an assistant message. The empty string
// means no feedback has been given.
type Feedback string

const (
	FeedbackNone       Feedback = ""
	FeedbackThumbsUp   Feedback = "thumbs_up"
	FeedbackThumbsDown Feedback = "thumbs_down"
)

// ConnectionStatus is the realtime channel's lifecycle state.
type ConnectionStatus string

const (
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnError        ConnectionStatus = "error"
)

// Session is one chat conversation as known to the client.
type Session struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Status          string         `json:"status,omitempty"`
	SelectedAgentID *string        `json:"selected_agent_id,omitempty"`
	MessageCount    int            `json:"message_count"`
	LastMessage     string         `json:"last_message,omitempty"`
	LastMessageAt   *time.Time     `json:"last_message_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CreatedAt       time.Time      `json:"created_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// displayKey is the sort key for the session list: last activity wins, with
// updated/created timestamps as fallbacks when a session has no messages yet.
func (s *Session) displayKey() time.Time {
	if s.LastMessageAt != nil && !s.LastMessageAt.IsZero() {
		return *s.LastMessageAt
	}
	if !s.UpdatedAt.IsZero() {
		return s.UpdatedAt
	}
	return s.CreatedAt
}

// Message is one transcript entry. IDs are generated client-side before any
// network round trip so the optimistic entry and the server echo share one
// identity.
type Message struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	Sender       Sender        `json:"sender"`
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	CreatedAt    time.Time     `json:"created_at"`
	Status       MessageStatus `json:"status"`
	IsStreaming  bool          `json:"is_streaming,omitempty"`
	Seq          *int64        `json:"seq,omitempty"`
	AgentID      string        `json:"agent_id,omitempty"`
	AgentName    string        `json:"agent_name,omitempty"`
	Feedback     Feedback      `json:"feedback,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Agent is one entry of the selectable agent roster.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TypingState mirrors the "agent is typing" indicator.
type TypingState struct {
	Active    bool
	AgentName string
}

// SendMessageRequest is the body of the fallback send call. The client
// supplies the message id so the optimistic entry and the stored record
// converge on one identity.
type SendMessageRequest struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	AgentID  string         `json:"agent_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendMessageResult is the fallback send response: the refreshed session
// summary plus the stored user and assistant records.
type SendMessageResult struct {
	Session          Session `json:"session"`
	UserMessage      Message `json:"user_message"`
	AssistantMessage Message `json:"assistant_message"`
}

// FeedbackRequest is the body of the feedback upsert call, idempotent per
// message id.
type FeedbackRequest struct {
	SessionID    string   `json:"session_id"`
	MessageID    string   `json:"message_id"`
	AgentID      string   `json:"agent_id,omitempty"`
	FeedbackType Feedback `json:"feedback_type"`
	Rating       int      `json:"rating,omitempty"`
}

// Backend is the request/response collaborator behind the engine: session and
// message CRUD, the single-shot fallback send, feedback, and the agent roster.
type Backend interface {
	ListSessions(ctx context.Context) ([]Session, error)
	CreateSession(ctx context.Context, agentID *string) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	SendMessage(ctx context.Context, sessionID string, req SendMessageRequest) (SendMessageResult, error)
	UpsertFeedback(ctx context.Context, req FeedbackRequest) error
	ListAgents(ctx context.Context) ([]Agent, error)
}
