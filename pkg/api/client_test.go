package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/chatclient"
)

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]chatclient.Session{
				{ID: "s1", Title: "First", CreatedAt: time.Now()},
			})
		case http.MethodPost:
			var body struct {
				AgentID *string `json:"agent_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_ = json.NewEncoder(w).Encode(chatclient.Session{
				ID: "s2", Title: "New chat", SelectedAgentID: body.AgentID, CreatedAt: time.Now(),
			})
		}
	})
	mux.HandleFunc("/api/sessions/s1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(chatclient.Session{ID: "s1", Title: "First", MessageCount: 3})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/api/sessions/s1/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]chatclient.Message{
				{ID: "m1", SessionID: "s1", Sender: chatclient.SenderUser, Content: "hi", Status: chatclient.StatusDelivered},
			})
		case http.MethodPost:
			var req chatclient.SendMessageRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(chatclient.SendMessageResult{
				Session:          chatclient.Session{ID: "s1", MessageCount: 2},
				UserMessage:      chatclient.Message{ID: req.ID, Content: req.Content, Status: chatclient.StatusDelivered},
				AssistantMessage: chatclient.Message{ID: "a1", Content: "pong", Status: chatclient.StatusDelivered},
			})
		}
	})
	mux.HandleFunc("/api/feedback", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/agents", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]chatclient.Agent{{ID: "agent-1", Name: "Helper"}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL)
}

func TestListSessions(t *testing.T) {
	_, c := newTestServer(t)
	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "s1", sessions[0].ID)
}

func TestCreateSessionWithAgent(t *testing.T) {
	_, c := newTestServer(t)
	agent := "agent-1"
	sess, err := c.CreateSession(context.Background(), &agent)
	require.NoError(t, err)
	require.Equal(t, "s2", sess.ID)
	require.NotNil(t, sess.SelectedAgentID)
	require.Equal(t, "agent-1", *sess.SelectedAgentID)
}

func TestGetAndDeleteSession(t *testing.T) {
	_, c := newTestServer(t)
	sess, err := c.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 3, sess.MessageCount)
	require.NoError(t, c.DeleteSession(context.Background(), "s1"))
}

func TestListMessages(t *testing.T) {
	_, c := newTestServer(t)
	msgs, err := c.ListMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, chatclient.StatusDelivered, msgs[0].Status)
}

func TestSendMessageRoundTrip(t *testing.T) {
	_, c := newTestServer(t)
	res, err := c.SendMessage(context.Background(), "s1", chatclient.SendMessageRequest{ID: "m9", Content: "ping"})
	require.NoError(t, err)
	require.Equal(t, "m9", res.UserMessage.ID)
	require.Equal(t, "pong", res.AssistantMessage.Content)
	require.Equal(t, 2, res.Session.MessageCount)
}

func TestUpsertFeedback(t *testing.T) {
	_, c := newTestServer(t)
	err := c.UpsertFeedback(context.Background(), chatclient.FeedbackRequest{
		SessionID: "s1", MessageID: "a1", FeedbackType: chatclient.FeedbackThumbsUp, Rating: 1,
	})
	require.NoError(t, err)
}

func TestListAgents(t *testing.T) {
	_, c := newTestServer(t)
	agents, err := c.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, "Helper", agents[0].Name)
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL)
	_, err := c.GetSession(context.Background(), "nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 404")
	require.Contains(t, err.Error(), "session not found")
}
