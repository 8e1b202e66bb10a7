package chatclient

import (
	"sort"
	"sync"
	"time"
)

// Store is the single state container shared by every engine component: the
// session registry, the per-session message ledgers, typing/connection state,
// and the error slot. All mutation happens under one lock so a reader never
// observes a half-applied transition, and every ledger mutation re-derives the
// owning session's preview fields so the session list never needs a separate
// synchronization step.
type Store struct {
	mu sync.Mutex

	sessions         []*Session
	currentSessionID string
	messages         map[string][]*Message

	agents          []Agent
	selectedAgentID string

	typing           TypingState
	connStatus       ConnectionStatus
	reconnectAttempt int
	lastErr          *ClientError

	bootstrapped    bool
	sessionsLoading bool

	// activeStreamSessionID records which session the realtime channel's
	// in-flight assistant response belongs to.
	activeStreamSessionID string

	notify chan struct{}
}

// NewStore returns an empty store with the channel disconnected.
func NewStore() *Store {
	return &Store{
		messages:   map[string][]*Message{},
		connStatus: ConnDisconnected,
		notify:     make(chan struct{}, 1),
	}
}

// Changes returns a coalescing signal channel that fires after any mutation.
// Intended for view layers that re-render from snapshots.
func (s *Store) Changes() <-chan struct{} { return s.notify }

func (s *Store) signalLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// --- session registry ---

// SetSessions replaces the known session set and drops ledgers for sessions
// no longer present. The current session is kept if it is still present;
// otherwise the newest session becomes current (or none when the list is
// empty).
func (s *Store) SetSessions(list []Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make([]*Session, 0, len(list))
	known := make(map[string]struct{}, len(list))
	for i := range list {
		sess := list[i]
		s.sessions = append(s.sessions, &sess)
		known[sess.ID] = struct{}{}
	}
	for id := range s.messages {
		if _, ok := known[id]; !ok {
			delete(s.messages, id)
		}
	}
	s.resortLocked()

	if s.findSessionLocked(s.currentSessionID) == nil {
		s.selectNewestLocked()
	}
	s.signalLocked()
}

// UpsertSession inserts or replaces one session summary by id and re-sorts.
func (s *Store) UpsertSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findSessionLocked(sess.ID); existing != nil {
		*existing = sess
	} else {
		c := sess
		s.sessions = append(s.sessions, &c)
	}
	s.resortLocked()
	s.signalLocked()
}

// RemoveSession deletes a session and its ledger. If it was the active
// session, the next-newest remaining session becomes active and the agent
// selection is re-derived from it.
func (s *Store) RemoveSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, id)
	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if sess.ID != id {
			kept = append(kept, sess)
		}
	}
	s.sessions = kept

	if s.currentSessionID == id {
		s.selectNewestLocked()
	}
	s.signalLocked()
}

// SetCurrentSession switches the active session explicitly and re-derives the
// agent selection from it.
func (s *Store) SetCurrentSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentSessionID = id
	s.deriveAgentLocked()
	s.signalLocked()
}

// CurrentSessionID returns the active session id, or "" when none is active.
func (s *Store) CurrentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSessionID
}

// Sessions returns the session list in display order.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// SessionByID returns a session summary copy by id.
func (s *Store) SessionByID(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess := s.findSessionLocked(id); sess != nil {
		return *sess, true
	}
	return Session{}, false
}

func (s *Store) findSessionLocked(id string) *Session {
	if id == "" {
		return nil
	}
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

// selectNewestLocked makes the newest remaining session current, or none.
func (s *Store) selectNewestLocked() {
	if len(s.sessions) == 0 {
		s.currentSessionID = ""
	} else {
		s.currentSessionID = s.sessions[0].ID
	}
	s.deriveAgentLocked()
}

func (s *Store) deriveAgentLocked() {
	sess := s.findSessionLocked(s.currentSessionID)
	if sess == nil {
		s.selectedAgentID = ""
		return
	}
	if sess.SelectedAgentID != nil {
		s.selectedAgentID = *sess.SelectedAgentID
	} else {
		s.selectedAgentID = ""
	}
}

// resortLocked orders sessions by last activity, newest first. The stable
// sort keeps insertion order for ties.
func (s *Store) resortLocked() {
	sort.SliceStable(s.sessions, func(i, j int) bool {
		return s.sessions[i].displayKey().After(s.sessions[j].displayKey())
	})
}

// --- message ledger ---

// ReplaceMessages wholesale-replaces a session's ledger, as when a session is
// (re)loaded from the backend, and recomputes the session preview from it.
func (s *Store) ReplaceMessages(sessionID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		m.SessionID = sessionID
		list = append(list, &m)
	}
	s.messages[sessionID] = list
	s.refreshPreviewLocked(sessionID)
	s.signalLocked()
}

// AddOptimisticUserMessage appends the user's message before any send
// attempt, so the transcript never has a gap between the user action and the
// visible echo. Status is forced to sending.
func (s *Store) AddOptimisticUserMessage(sessionID string, m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.SessionID = sessionID
	m.Sender = SenderUser
	m.Role = RoleUser
	m.Status = StatusSending
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[sessionID] = append(s.messages[sessionID], &m)
	s.refreshPreviewLocked(sessionID)
	s.signalLocked()
}

// UpsertMessage appends the message if its id is unseen, otherwise merges the
// provided (non-zero) fields into the existing entry. This is how a
// server-confirmed record and a client-side placeholder converge without
// duplicating the transcript entry.
func (s *Store) UpsertMessage(sessionID string, m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.findMessageLocked(sessionID, m.ID)
	if existing == nil {
		c := m
		c.SessionID = sessionID
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		s.messages[sessionID] = append(s.messages[sessionID], &c)
	} else {
		mergeMessage(existing, m)
	}
	s.refreshPreviewLocked(sessionID)
	s.signalLocked()
}

// mergeMessage overwrites only the fields the incoming record provides. The
// streaming flag travels with the status so a finalizing upsert clears it.
func mergeMessage(dst *Message, src Message) {
	if src.Content != "" {
		dst.Content = src.Content
	}
	if src.Status != "" {
		dst.Status = src.Status
		dst.IsStreaming = src.IsStreaming
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	if src.Seq != nil {
		dst.Seq = src.Seq
	}
	if src.Sender != "" {
		dst.Sender = src.Sender
	}
	if src.Role != "" {
		dst.Role = src.Role
	}
	if src.AgentID != "" {
		dst.AgentID = src.AgentID
	}
	if src.AgentName != "" {
		dst.AgentName = src.AgentName
	}
	if src.Feedback != FeedbackNone {
		dst.Feedback = src.Feedback
	}
	if src.ErrorMessage != "" {
		dst.ErrorMessage = src.ErrorMessage
	}
}

// AppendStreamChunk accumulates one streamed fragment. The first chunk for an
// unseen id creates the message (status sent, streaming); later chunks
// concatenate in arrival order. Agent identity fields are refreshed when
// newly supplied.
func (s *Store) AppendStreamChunk(sessionID, messageID, chunk, agentID, agentName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessageLocked(sessionID, messageID)
	if m == nil {
		m = &Message{
			ID:          messageID,
			SessionID:   sessionID,
			Sender:      SenderAgent,
			Role:        RoleAssistant,
			Content:     chunk,
			CreatedAt:   time.Now(),
			Status:      StatusSent,
			IsStreaming: true,
			AgentID:     agentID,
			AgentName:   agentName,
		}
		s.messages[sessionID] = append(s.messages[sessionID], m)
	} else {
		m.Content += chunk
		if agentID != "" {
			m.AgentID = agentID
		}
		if agentName != "" {
			m.AgentName = agentName
		}
	}
	s.refreshPreviewLocked(sessionID)
	s.signalLocked()
}

// FinalizeStreamMessage marks a streamed message delivered. Unknown ids and
// repeat calls are no-ops.
func (s *Store) FinalizeStreamMessage(sessionID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessageLocked(sessionID, messageID)
	if m == nil {
		return
	}
	m.Status = StatusDelivered
	m.IsStreaming = false
	s.refreshPreviewLocked(sessionID)
	s.signalLocked()
}

// MarkMessageStatus transitions a known message's delivery status directly.
func (s *Store) MarkMessageStatus(sessionID, messageID string, status MessageStatus, errorMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessageLocked(sessionID, messageID)
	if m == nil {
		return
	}
	m.Status = status
	if errorMessage != "" {
		m.ErrorMessage = errorMessage
	}
	s.signalLocked()
}

// MarkLatestPendingUserMessage scans the ledger from the end and transitions
// only the most recent user message still in flight (sending or sent). This
// attributes a completion or error frame, which carries no id for the user
// turn, to the most recently dispatched request.
func (s *Store) MarkLatestPendingUserMessage(sessionID string, status MessageStatus, errorMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[sessionID]
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Sender != SenderUser {
			continue
		}
		if m.Status != StatusSending && m.Status != StatusSent {
			continue
		}
		m.Status = status
		if errorMessage != "" {
			m.ErrorMessage = errorMessage
		}
		s.signalLocked()
		return
	}
}

// ApplyFeedback sets or clears feedback on a message in place. The caller is
// responsible for rolling back on a failed network call.
func (s *Store) ApplyFeedback(sessionID, messageID string, fb Feedback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessageLocked(sessionID, messageID)
	if m == nil {
		return
	}
	m.Feedback = fb
	s.signalLocked()
}

// Messages returns a session's ledger in insertion order.
func (s *Store) Messages(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[sessionID]
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out
}

// MessageByID returns a copy of one ledger entry.
func (s *Store) MessageByID(sessionID, messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.findMessageLocked(sessionID, messageID); m != nil {
		return *m, true
	}
	return Message{}, false
}

func (s *Store) findMessageLocked(sessionID, messageID string) *Message {
	if messageID == "" {
		return nil
	}
	for _, m := range s.messages[sessionID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// refreshPreviewLocked re-derives the owning session's preview fields from
// its ledger and re-sorts the registry. The message count only ratchets up:
// the ledger may hold fewer entries than the server has stored.
func (s *Store) refreshPreviewLocked(sessionID string) {
	sess := s.findSessionLocked(sessionID)
	if sess == nil {
		return
	}
	msgs := s.messages[sessionID]
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		sess.LastMessage = last.Content
		t := last.CreatedAt
		sess.LastMessageAt = &t
	}
	if len(msgs) > sess.MessageCount {
		sess.MessageCount = len(msgs)
	}
	s.resortLocked()
}

// --- agent roster ---

// SetAgents replaces the selectable agent roster.
func (s *Store) SetAgents(list []Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = append([]Agent(nil), list...)
	s.signalLocked()
}

// Agents returns the roster.
func (s *Store) Agents() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Agent(nil), s.agents...)
}

// SelectAgent records the agent used for subsequent realtime sends.
func (s *Store) SelectAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedAgentID = id
	s.signalLocked()
}

// SelectedAgentID returns the selected agent id, or "" when none is selected.
func (s *Store) SelectedAgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedAgentID
}

// SelectedAgent resolves the selected agent against the roster.
func (s *Store) SelectedAgent() (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.agents {
		if a.ID == s.selectedAgentID && a.ID != "" {
			return a, true
		}
	}
	return Agent{}, false
}

// --- typing indicator ---

// SetTyping updates the typing indicator.
func (s *Store) SetTyping(active bool, agentName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = TypingState{Active: active, AgentName: agentName}
	s.signalLocked()
}

// ClearTyping resets the typing indicator.
func (s *Store) ClearTyping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = TypingState{}
	s.signalLocked()
}

// Typing returns the current typing indicator state.
func (s *Store) Typing() TypingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// --- connection state ---

// SetConnectionStatus records the realtime channel state.
func (s *Store) SetConnectionStatus(st ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connStatus = st
	s.signalLocked()
}

// ConnectionStatus returns the realtime channel state.
func (s *Store) ConnectionStatus() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connStatus
}

// SetReconnectAttempt records the current reconnect attempt counter.
func (s *Store) SetReconnectAttempt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempt = n
	s.signalLocked()
}

// ReconnectAttempt returns the reconnect attempt counter. It is reset to 0
// only on a successful connect.
func (s *Store) ReconnectAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempt
}

// --- active stream marker ---

// SetActiveStream records which session the channel's in-flight assistant
// response is attributed to.
func (s *Store) SetActiveStream(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeStreamSessionID = sessionID
	s.signalLocked()
}

// ClearActiveStream drops the active stream marker.
func (s *Store) ClearActiveStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeStreamSessionID = ""
	s.signalLocked()
}

// ActiveStreamSessionID returns the active stream marker, or "".
func (s *Store) ActiveStreamSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeStreamSessionID
}

// --- error slot ---

// SetError replaces the current error slot value; latest wins.
func (s *Store) SetError(code, message string, recoverable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = &ClientError{Code: code, Message: message, Recoverable: recoverable}
	s.signalLocked()
}

// ClearError empties the error slot.
func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
	s.signalLocked()
}

// LastError returns the current error slot value, or nil.
func (s *Store) LastError() *ClientError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return nil
	}
	c := *s.lastErr
	return &c
}

// --- bootstrap flags ---

// SetBootstrapped records that initial data loading finished.
func (s *Store) SetBootstrapped(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootstrapped = v
	s.signalLocked()
}

// Bootstrapped reports whether initial data loading finished.
func (s *Store) Bootstrapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootstrapped
}

// SetSessionsLoading flags an in-flight session list load.
func (s *Store) SetSessionsLoading(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsLoading = v
	s.signalLocked()
}

// SessionsLoading reports an in-flight session list load.
func (s *Store) SessionsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionsLoading
}
