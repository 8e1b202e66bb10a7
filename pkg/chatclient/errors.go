package chatclient

// Error codes reported into the error slot. Transport-level codes are always
// recoverable and auto-retried by the channel manager; collaborator-call codes
// are recoverable but only retried on explicit user action; a failed send is
// not recoverable because silently resending risks duplicate assistant turns.
const (
	ErrCodeWebsocketReconnect    = "websocket_reconnect"
	ErrCodeWebsocketError        = "websocket_error"
	ErrCodeWebsocketMessageError = "websocket_message_error"
	ErrCodeSessionCreateFailed   = "session_create_failed"
	ErrCodeSessionLoadFailed     = "session_load_failed"
	ErrCodeSessionDeleteFailed   = "session_delete_failed"
	ErrCodeBootstrapFailed       = "bootstrap_failed"
	ErrCodeAgentsLoadFailed      = "agents_load_failed"
	ErrCodeMessageSendFailed     = "message_send_failed"
	ErrCodeFeedbackFailed        = "message_feedback_failed"
)

// ClientError is the single current-error value surfaced to the view layer.
// A new error replaces the previous one; there is no queue.
type ClientError struct {
	Code        string
	Message     string
	Recoverable bool
}

func (e *ClientError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
