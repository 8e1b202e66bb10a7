package chatclient

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSessionRefresh installs the out-of-band session summary refresh invoked
// after a message_completed frame.
func WithSessionRefresh(fn func(ctx context.Context, sessionID string)) DispatcherOption {
	return func(d *Dispatcher) { d.refreshSession = fn }
}

// Dispatcher is the protocol state machine: it consumes inbound frames from
// the frame bus and applies the corresponding transcript mutations. It is the
// single subscriber of FramesTopic, so frames apply in arrival order.
type Dispatcher struct {
	store          *Store
	sub            message.Subscriber
	refreshSession func(ctx context.Context, sessionID string)
	logger         zerolog.Logger
}

// NewDispatcher builds a dispatcher over the given store and frame bus.
func NewDispatcher(store *Store, sub message.Subscriber, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		sub:    sub,
		logger: log.With().Str("component", "dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run subscribes to the frame bus and dispatches until the context is
// cancelled or the bus closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	ch, err := d.sub.Subscribe(ctx, FramesTopic)
	if err != nil {
		return errors.Wrap(err, "subscribe to frame bus")
	}
	d.logger.Debug().Str("topic", FramesTopic).Msg("dispatcher running")
	for msg := range ch {
		f, err := ParseFrame(msg.Payload)
		if err != nil {
			if errors.Is(err, ErrUnknownFrameType) {
				d.logger.Warn().Str("type", string(f.Type)).Msg("ignoring unknown frame type")
			} else {
				d.logger.Warn().Err(err).Msg("dropping undecodable frame")
			}
			msg.Ack()
			continue
		}
		d.Apply(ctx, f)
		msg.Ack()
	}
	d.logger.Debug().Msg("dispatcher stopped")
	return nil
}

// Apply runs one frame through the dispatch table.
func (d *Dispatcher) Apply(ctx context.Context, f *Frame) {
	sid, ok := d.resolveSession(f)
	if !ok {
		d.logger.Debug().
			Str("type", string(f.Type)).
			Str("frame_session", f.SessionID).
			Msg("dropping frame for stale or unknown session")
		return
	}

	switch f.Type {
	case FrameMessage:
		d.applyMessage(sid, f)
	case FrameTyping:
		d.applyTyping(f)
	case FrameStreamChunk:
		d.applyStreamChunk(sid, f)
	case FrameMessageCompleted:
		d.applyMessageCompleted(ctx, sid, f)
	case FrameError:
		d.applyError(sid, f)
	}
}

// resolveSession picks the target session from the frame payload, falling
// back to the active stream marker. A frame that names a session other than
// the marker's belongs to a stream the user has navigated away from and is
// dropped. A frame that names its own session while no marker is set is
// still applied: background delivery into that session's ledger is intended.
func (d *Dispatcher) resolveSession(f *Frame) (string, bool) {
	marker := d.store.ActiveStreamSessionID()
	sid := f.SessionID
	if sid == "" {
		sid = marker
	}
	if sid == "" {
		return "", false
	}
	if marker != "" && sid != marker {
		return "", false
	}
	return sid, true
}

func (d *Dispatcher) applyMessage(sid string, f *Frame) {
	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}
	// Complete assistant messages still arrive marked streaming; the
	// completion frame finalizes them.
	d.store.UpsertMessage(sid, Message{
		ID:          id,
		SessionID:   sid,
		Sender:      SenderAgent,
		Role:        RoleAssistant,
		Content:     f.Content,
		CreatedAt:   f.eventTime(),
		Status:      StatusSent,
		IsStreaming: true,
		Seq:         f.Seq,
		AgentID:     f.AgentID,
		AgentName:   f.AgentName,
	})
	d.store.MarkLatestPendingUserMessage(sid, StatusDelivered, "")
	d.store.ClearTyping()
}

func (d *Dispatcher) applyTyping(f *Frame) {
	active := false
	name := f.AgentName
	if f.Data != nil {
		active = f.Data.IsTyping
		if f.Data.AgentName != "" {
			name = f.Data.AgentName
		}
	}
	d.store.SetTyping(active, name)
}

func (d *Dispatcher) applyStreamChunk(sid string, f *Frame) {
	if f.MessageID == "" || f.Chunk == "" {
		d.logger.Warn().Str("session_id", sid).Msg("stream_chunk frame missing message_id or chunk")
		return
	}
	d.store.AppendStreamChunk(sid, f.MessageID, f.Chunk, f.AgentID, f.AgentName)
}

func (d *Dispatcher) applyMessageCompleted(ctx context.Context, sid string, f *Frame) {
	if f.MessageID == "" {
		d.logger.Warn().Str("session_id", sid).Msg("message_completed frame missing message_id")
		return
	}
	d.store.FinalizeStreamMessage(sid, f.MessageID)
	d.store.MarkLatestPendingUserMessage(sid, StatusDelivered, "")
	d.store.ClearTyping()
	d.store.ClearActiveStream()
	if d.refreshSession != nil {
		go d.refreshSession(ctx, sid)
	}
}

func (d *Dispatcher) applyError(sid string, f *Frame) {
	msg := "server error"
	if f.Data != nil && f.Data.Message != "" {
		msg = f.Data.Message
	} else if f.Content != "" {
		msg = f.Content
	}
	d.store.MarkLatestPendingUserMessage(sid, StatusError, msg)
	d.store.ClearTyping()
	d.store.ClearActiveStream()
	d.store.SetError(ErrCodeWebsocketMessageError, msg, true)
}
