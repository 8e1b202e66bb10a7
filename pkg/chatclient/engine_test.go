package chatclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	mu sync.Mutex

	sessions []Session
	agents   []Agent

	sendErr     error
	feedbackErr error

	// When set, SendMessage signals sendStarted and blocks until sendRelease
	// closes, so tests can interleave store mutations with an in-flight send.
	sendStarted chan struct{}
	sendRelease chan struct{}

	createCalls   int
	feedbackCalls []FeedbackRequest
}

var _ Backend = &stubBackend{}

func (b *stubBackend) ListSessions(context.Context) ([]Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Session(nil), b.sessions...), nil
}

func (b *stubBackend) CreateSession(_ context.Context, agentID *string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createCalls++
	sess := Session{ID: "created-1", Title: "New chat", SelectedAgentID: agentID, CreatedAt: time.Now()}
	b.sessions = append(b.sessions, sess)
	return sess, nil
}

func (b *stubBackend) GetSession(_ context.Context, id string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return Session{}, errors.Errorf("no session %s", id)
}

func (b *stubBackend) DeleteSession(context.Context, string) error { return nil }

func (b *stubBackend) ListMessages(context.Context, string) ([]Message, error) { return nil, nil }

func (b *stubBackend) SendMessage(_ context.Context, sessionID string, req SendMessageRequest) (SendMessageResult, error) {
	if b.sendStarted != nil {
		close(b.sendStarted)
		<-b.sendRelease
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return SendMessageResult{}, b.sendErr
	}
	return SendMessageResult{
		Session: Session{ID: sessionID, CreatedAt: time.Now(), MessageCount: 2},
		UserMessage: Message{
			ID: req.ID, SessionID: sessionID, Sender: SenderUser, Role: RoleUser,
			Content: req.Content, Status: StatusDelivered, CreatedAt: time.Now(),
		},
		AssistantMessage: Message{
			ID: "assistant-" + req.ID, SessionID: sessionID, Sender: SenderAgent, Role: RoleAssistant,
			Content: "echo: " + req.Content, Status: StatusDelivered, CreatedAt: time.Now(),
		},
	}, nil
}

func (b *stubBackend) UpsertFeedback(_ context.Context, req FeedbackRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.feedbackErr != nil {
		return b.feedbackErr
	}
	b.feedbackCalls = append(b.feedbackCalls, req)
	return nil
}

func (b *stubBackend) ListAgents(context.Context) ([]Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Agent(nil), b.agents...), nil
}

func newTestEngine(t *testing.T, backend Backend) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{Backend: backend})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestBootstrapCreatesInitialSession(t *testing.T) {
	backend := &stubBackend{agents: []Agent{{ID: "agent-1", Name: "Helper"}}}
	e := newTestEngine(t, backend)

	require.NoError(t, e.Bootstrap(context.Background()))

	require.Equal(t, 1, backend.createCalls)
	require.Equal(t, "created-1", e.Store().CurrentSessionID())
	require.True(t, e.Store().Bootstrapped())
	require.False(t, e.Store().SessionsLoading())
	require.Len(t, e.Store().Agents(), 1)
}

func TestBootstrapKeepsExistingSessions(t *testing.T) {
	backend := &stubBackend{sessions: []Session{{ID: "s1", CreatedAt: time.Now()}}}
	e := newTestEngine(t, backend)

	require.NoError(t, e.Bootstrap(context.Background()))
	require.Zero(t, backend.createCalls)
	require.Equal(t, "s1", e.Store().CurrentSessionID())
}

func TestFallbackSendReconcilesById(t *testing.T) {
	backend := &stubBackend{sessions: []Session{{ID: "s1", CreatedAt: time.Now()}}}
	e := newTestEngine(t, backend)
	require.NoError(t, e.Bootstrap(context.Background()))

	m, err := e.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, m.Status)

	msgs := e.Store().Messages("s1")
	require.Len(t, msgs, 2)
	require.Equal(t, m.ID, msgs[0].ID)
	require.Equal(t, StatusDelivered, msgs[0].Status)
	require.Equal(t, RoleAssistant, msgs[1].Role)
	require.Equal(t, "echo: hello", msgs[1].Content)
	require.False(t, e.Store().Typing().Active)
}

func TestFallbackSendFailureMarksOptimisticMessage(t *testing.T) {
	backend := &stubBackend{
		sessions: []Session{{ID: "s1", CreatedAt: time.Now()}},
		sendErr:  errors.New("backend down"),
	}
	e := newTestEngine(t, backend)
	require.NoError(t, e.Bootstrap(context.Background()))

	_, err := e.Send(context.Background(), "hello", nil)
	require.Error(t, err)

	msgs := e.Store().Messages("s1")
	require.Len(t, msgs, 1)
	require.Equal(t, StatusError, msgs[0].Status)
	require.Contains(t, msgs[0].ErrorMessage, "backend down")

	slot := e.Store().LastError()
	require.NotNil(t, slot)
	require.Equal(t, ErrCodeMessageSendFailed, slot.Code)
	require.False(t, slot.Recoverable)
}

func TestSendCreatesSessionWhenNoneExists(t *testing.T) {
	backend := &stubBackend{}
	e := newTestEngine(t, backend)

	_, err := e.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Equal(t, 1, backend.createCalls)
	require.Equal(t, "created-1", e.Store().CurrentSessionID())
	require.Len(t, e.Store().Messages("created-1"), 2)
}

func TestFeedbackRollbackOnFailure(t *testing.T) {
	backend := &stubBackend{
		sessions:    []Session{{ID: "s1", CreatedAt: time.Now()}},
		feedbackErr: errors.New("feedback rejected"),
	}
	e := newTestEngine(t, backend)
	require.NoError(t, e.Bootstrap(context.Background()))
	e.Store().ReplaceMessages("s1", []Message{
		{ID: "a1", Sender: SenderAgent, Role: RoleAssistant, Status: StatusDelivered, Feedback: FeedbackThumbsUp},
	})

	err := e.Feedback(context.Background(), "s1", "a1", FeedbackThumbsDown)
	require.Error(t, err)

	m, _ := e.Store().MessageByID("s1", "a1")
	require.Equal(t, FeedbackThumbsUp, m.Feedback)
	require.Equal(t, ErrCodeFeedbackFailed, e.Store().LastError().Code)
}

func TestFeedbackRollbackRestoresNone(t *testing.T) {
	backend := &stubBackend{
		sessions:    []Session{{ID: "s1", CreatedAt: time.Now()}},
		feedbackErr: errors.New("feedback rejected"),
	}
	e := newTestEngine(t, backend)
	require.NoError(t, e.Bootstrap(context.Background()))
	e.Store().ReplaceMessages("s1", []Message{
		{ID: "a1", Sender: SenderAgent, Role: RoleAssistant, Status: StatusDelivered},
	})

	require.Error(t, e.Feedback(context.Background(), "s1", "a1", FeedbackThumbsUp))
	m, _ := e.Store().MessageByID("s1", "a1")
	require.Equal(t, FeedbackNone, m.Feedback)
}

func TestFeedbackSuccessRecordsRequest(t *testing.T) {
	backend := &stubBackend{sessions: []Session{{ID: "s1", CreatedAt: time.Now()}}}
	e := newTestEngine(t, backend)
	require.NoError(t, e.Bootstrap(context.Background()))
	e.Store().ReplaceMessages("s1", []Message{
		{ID: "a1", Sender: SenderAgent, Role: RoleAssistant, Status: StatusDelivered, AgentID: "agent-1"},
	})

	require.NoError(t, e.Feedback(context.Background(), "s1", "a1", FeedbackThumbsUp))

	m, _ := e.Store().MessageByID("s1", "a1")
	require.Equal(t, FeedbackThumbsUp, m.Feedback)
	require.Len(t, backend.feedbackCalls, 1)
	req := backend.feedbackCalls[0]
	require.Equal(t, "s1", req.SessionID)
	require.Equal(t, "a1", req.MessageID)
	require.Equal(t, "agent-1", req.AgentID)
	require.Equal(t, 1, req.Rating)
}

func TestDeleteActiveSessionSwitchesToNextNewest(t *testing.T) {
	backend := &stubBackend{sessions: []Session{
		{ID: "a", CreatedAt: ts(t, "2026-01-02T10:00:00Z")},
		{ID: "b", CreatedAt: ts(t, "2026-01-01T10:00:00Z")},
	}}
	e := newTestEngine(t, backend)
	require.NoError(t, e.Bootstrap(context.Background()))
	require.Equal(t, "a", e.Store().CurrentSessionID())

	require.NoError(t, e.DeleteSession(context.Background(), "a"))
	require.Equal(t, "b", e.Store().CurrentSessionID())
	require.Empty(t, e.Store().Messages("a"))
}

func TestFallbackSendReconcilesIntoOriginSessionAfterSwitch(t *testing.T) {
	backend := &stubBackend{
		sessions: []Session{
			{ID: "s1", CreatedAt: time.Now()},
			{ID: "s2", CreatedAt: time.Now().Add(-time.Hour)},
		},
		sendStarted: make(chan struct{}),
		sendRelease: make(chan struct{}),
	}
	e := newTestEngine(t, backend)
	require.NoError(t, e.Bootstrap(context.Background()))
	require.Equal(t, "s1", e.Store().CurrentSessionID())

	type sendResult struct {
		m   Message
		err error
	}
	resCh := make(chan sendResult, 1)
	go func() {
		m, err := e.Send(context.Background(), "hello", nil)
		resCh <- sendResult{m, err}
	}()

	// Switch away while the backend call is in flight.
	<-backend.sendStarted
	require.NoError(t, e.SelectSession(context.Background(), "s2"))
	close(backend.sendRelease)

	res := <-resCh
	require.NoError(t, res.err)
	require.Equal(t, StatusDelivered, res.m.Status)

	// The exchange lands in the session the send left from, not the one the
	// user switched to, and the switch itself sticks.
	msgs := e.Store().Messages("s1")
	require.Len(t, msgs, 2)
	require.Equal(t, res.m.ID, msgs[0].ID)
	require.Equal(t, "echo: hello", msgs[1].Content)
	require.Empty(t, e.Store().Messages("s2"))
	require.Equal(t, "s2", e.Store().CurrentSessionID())
}
