package chatclient

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	// WebsocketURL is the realtime channel endpoint. Empty disables the
	// realtime path; every send then uses the fallback.
	WebsocketURL string
	// Backend is the request/response collaborator.
	Backend Backend
}

// Engine owns the reconciliation core: the state store, the realtime channel,
// the protocol dispatcher, and the send pipeline. The view layer reads
// snapshots from Store and calls the operation methods; it never mutates
// state itself.
type Engine struct {
	store      *Store
	backend    Backend
	conn       *ChannelManager
	dispatcher *Dispatcher
	bus        *gochannel.GoChannel
	logger     zerolog.Logger
}

// NewEngine builds an engine. The frame bus, store, channel manager, and
// dispatcher are owned by the engine and shut down by Close.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, errors.New("engine requires a backend")
	}
	store := NewStore()
	// Persistent so frames read before the dispatcher subscribes are not lost.
	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64, Persistent: true}, watermill.NopLogger{})

	e := &Engine{
		store:   store,
		backend: cfg.Backend,
		bus:     bus,
		logger:  log.With().Str("component", "engine").Logger(),
	}
	e.dispatcher = NewDispatcher(store, bus, WithSessionRefresh(e.refreshSessionSummary))
	if cfg.WebsocketURL != "" {
		e.conn = NewChannelManager(cfg.WebsocketURL, store, bus)
	}
	return e, nil
}

// Store exposes the shared state container for snapshot reads.
func (e *Engine) Store() *Store { return e.store }

// Start runs the dispatcher loop and opens the realtime channel. A failed
// dial is not fatal: it surfaces a recoverable error and the channel manager
// keeps retrying with backoff.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		if err := e.dispatcher.Run(ctx); err != nil {
			e.logger.Error().Err(err).Msg("dispatcher exited with error")
		}
	}()
	if e.conn != nil {
		_ = e.conn.Connect(ctx)
	}
}

// Bootstrap loads the agent roster and session list, creates an initial
// session when none exists, and loads the active session's transcript.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.store.SetSessionsLoading(true)
	defer e.store.SetSessionsLoading(false)

	agents, err := e.backend.ListAgents(ctx)
	if err != nil {
		// The roster only feeds selection; session loading continues.
		e.logger.Warn().Err(err).Msg("agent roster load failed")
		e.store.SetError(ErrCodeAgentsLoadFailed, err.Error(), true)
	} else {
		e.store.SetAgents(agents)
	}

	sessions, err := e.backend.ListSessions(ctx)
	if err != nil {
		e.store.SetError(ErrCodeBootstrapFailed, err.Error(), true)
		return errors.Wrap(err, "list sessions")
	}
	e.store.SetSessions(sessions)

	if e.store.CurrentSessionID() == "" {
		sess, err := e.backend.CreateSession(ctx, nil)
		if err != nil {
			e.store.SetError(ErrCodeSessionCreateFailed, err.Error(), true)
			return errors.Wrap(err, "create initial session")
		}
		e.store.UpsertSession(sess)
		e.store.SetCurrentSession(sess.ID)
	}

	if sid := e.store.CurrentSessionID(); sid != "" {
		if err := e.loadMessages(ctx, sid); err != nil {
			e.store.SetError(ErrCodeSessionLoadFailed, err.Error(), true)
			return err
		}
	}

	e.store.SetBootstrapped(true)
	e.logger.Info().Int("sessions", len(sessions)).Msg("bootstrap complete")
	return nil
}

// NewSession creates a session, makes it current, and selects its agent.
func (e *Engine) NewSession(ctx context.Context, agentID string) (Session, error) {
	var aptr *string
	if agentID != "" {
		aptr = &agentID
	}
	sess, err := e.backend.CreateSession(ctx, aptr)
	if err != nil {
		e.store.SetError(ErrCodeSessionCreateFailed, err.Error(), true)
		return Session{}, errors.Wrap(err, "create session")
	}
	e.store.UpsertSession(sess)
	e.store.SetCurrentSession(sess.ID)
	e.store.ReplaceMessages(sess.ID, nil)
	if agentID != "" {
		e.store.SelectAgent(agentID)
	}
	return sess, nil
}

// SelectSession switches the active session and loads its transcript.
func (e *Engine) SelectSession(ctx context.Context, id string) error {
	e.store.SetCurrentSession(id)
	if err := e.loadMessages(ctx, id); err != nil {
		e.store.SetError(ErrCodeSessionLoadFailed, err.Error(), true)
		return err
	}
	return nil
}

// DeleteSession removes a session server-side, then cascades locally. When
// the deleted session was active the next-newest becomes active and its
// transcript is loaded best-effort.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if err := e.backend.DeleteSession(ctx, id); err != nil {
		e.store.SetError(ErrCodeSessionDeleteFailed, err.Error(), true)
		return errors.Wrap(err, "delete session")
	}
	wasCurrent := e.store.CurrentSessionID() == id
	e.store.RemoveSession(id)
	if wasCurrent {
		if sid := e.store.CurrentSessionID(); sid != "" {
			if err := e.loadMessages(ctx, sid); err != nil {
				e.logger.Warn().Err(err).Str("session_id", sid).Msg("failed to load next session transcript")
			}
		}
	}
	return nil
}

// SelectAgent records the agent used for subsequent realtime sends.
func (e *Engine) SelectAgent(id string) { e.store.SelectAgent(id) }

func (e *Engine) loadMessages(ctx context.Context, sessionID string) error {
	msgs, err := e.backend.ListMessages(ctx, sessionID)
	if err != nil {
		return errors.Wrap(err, "load messages")
	}
	e.store.ReplaceMessages(sessionID, msgs)
	return nil
}

// Send runs the send pipeline: ensure a session, insert the optimistic user
// message, then pick exactly one transport. Realtime requires a connected
// channel and a selected agent; everything else goes through the single-shot
// fallback. The two paths are never raced.
func (e *Engine) Send(ctx context.Context, content string, metadata map[string]any) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, errors.New("empty message")
	}

	sid := e.store.CurrentSessionID()
	if sid == "" {
		sess, err := e.backend.CreateSession(ctx, nil)
		if err != nil {
			e.store.SetError(ErrCodeSessionCreateFailed, err.Error(), true)
			return Message{}, errors.Wrap(err, "create session for send")
		}
		e.store.UpsertSession(sess)
		e.store.SetCurrentSession(sess.ID)
		sid = sess.ID
	}

	msgID := uuid.NewString()
	e.store.AddOptimisticUserMessage(sid, Message{ID: msgID, Content: content})

	agentID := e.store.SelectedAgentID()
	if e.conn != nil && e.store.ConnectionStatus() == ConnConnected && agentID != "" {
		return e.sendRealtime(sid, msgID, agentID, content, metadata)
	}
	return e.sendFallback(ctx, sid, msgID, agentID, content, metadata)
}

func (e *Engine) sendRealtime(sid, msgID, agentID, content string, metadata map[string]any) (Message, error) {
	e.store.SetActiveStream(sid)
	agentName := ""
	if a, ok := e.store.SelectedAgent(); ok {
		agentName = a.Name
	}
	e.store.SetTyping(true, agentName)

	if err := e.conn.Send(NewChatFrame(sid, msgID, agentID, content, metadata)); err != nil {
		e.store.ClearTyping()
		e.store.ClearActiveStream()
		e.store.MarkMessageStatus(sid, msgID, StatusError, err.Error())
		e.store.SetError(ErrCodeMessageSendFailed, err.Error(), false)
		return Message{}, err
	}

	// Delivery is only confirmed by a later completion frame.
	e.store.MarkMessageStatus(sid, msgID, StatusSent, "")
	m, _ := e.store.MessageByID(sid, msgID)
	return m, nil
}

func (e *Engine) sendFallback(ctx context.Context, sid, msgID, agentID, content string, metadata map[string]any) (Message, error) {
	res, err := e.backend.SendMessage(ctx, sid, SendMessageRequest{
		ID:       msgID,
		Content:  content,
		AgentID:  agentID,
		Metadata: metadata,
	})
	if err != nil {
		e.store.MarkMessageStatus(sid, msgID, StatusError, err.Error())
		e.store.ClearTyping()
		e.store.SetError(ErrCodeMessageSendFailed, err.Error(), false)
		return Message{}, errors.Wrap(err, "send message")
	}

	// Reconcile into the original session even if the user switched away
	// while the call was in flight.
	e.store.UpsertSession(res.Session)
	um := res.UserMessage
	if um.Status == "" {
		um.Status = StatusDelivered
	}
	e.store.UpsertMessage(sid, um)
	am := res.AssistantMessage
	if am.Status == "" {
		am.Status = StatusDelivered
	}
	e.store.UpsertMessage(sid, am)
	e.store.ClearTyping()

	m, _ := e.store.MessageByID(sid, msgID)
	return m, nil
}

// Feedback applies feedback optimistically and rolls back to the exact prior
// value when the collaborator call fails.
func (e *Engine) Feedback(ctx context.Context, sessionID, messageID string, fb Feedback) error {
	m, ok := e.store.MessageByID(sessionID, messageID)
	if !ok {
		return errors.Errorf("unknown message %s", messageID)
	}
	prev := m.Feedback
	e.store.ApplyFeedback(sessionID, messageID, fb)

	err := e.backend.UpsertFeedback(ctx, FeedbackRequest{
		SessionID:    sessionID,
		MessageID:    messageID,
		AgentID:      m.AgentID,
		FeedbackType: fb,
		Rating:       ratingFor(fb),
	})
	if err != nil {
		e.store.ApplyFeedback(sessionID, messageID, prev)
		e.store.SetError(ErrCodeFeedbackFailed, err.Error(), true)
		return errors.Wrap(err, "upsert feedback")
	}
	return nil
}

func ratingFor(fb Feedback) int {
	switch fb {
	case FeedbackThumbsUp:
		return 1
	case FeedbackThumbsDown:
		return -1
	default:
		return 0
	}
}

// Reconnect is the manual reconnect action: it resets the backoff counter and
// forces an immediate attempt.
func (e *Engine) Reconnect(ctx context.Context) error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Reconnect(ctx)
}

// refreshSessionSummary is the out-of-band refresh triggered by a completion
// frame.
func (e *Engine) refreshSessionSummary(ctx context.Context, sessionID string) {
	sess, err := e.backend.GetSession(ctx, sessionID)
	if err != nil {
		e.logger.Debug().Err(err).Str("session_id", sessionID).Msg("session summary refresh failed")
		return
	}
	e.store.UpsertSession(sess)
}

// Close shuts down the realtime channel and the frame bus.
func (e *Engine) Close() error {
	if e.conn != nil {
		_ = e.conn.Close()
	}
	return e.bus.Close()
}
