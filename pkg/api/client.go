// Package api implements the request/response collaborator client: session
// and message CRUD, the single-shot fallback send, feedback upsert, and the
// agent roster fetch.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/chatclient"
)

// Client talks JSON over HTTP to the chat backend. It performs exactly one
// attempt per call; retries are explicit user actions, never implicit loops.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

var _ chatclient.Backend = &Client{}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient builds a client for the given base URL (scheme://host[:port]).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.With().Str("component", "api_client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createSessionBody struct {
	AgentID *string `json:"agent_id,omitempty"`
}

// ListSessions fetches all known sessions.
func (c *Client) ListSessions(ctx context.Context) ([]chatclient.Session, error) {
	var out []chatclient.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	return out, nil
}

// CreateSession creates a session, optionally pinned to an agent.
func (c *Client) CreateSession(ctx context.Context, agentID *string) (chatclient.Session, error) {
	var out chatclient.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", createSessionBody{AgentID: agentID}, &out); err != nil {
		return chatclient.Session{}, errors.Wrap(err, "create session")
	}
	return out, nil
}

// GetSession fetches one session summary.
func (c *Client) GetSession(ctx context.Context, id string) (chatclient.Session, error) {
	var out chatclient.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return chatclient.Session{}, errors.Wrap(err, "get session")
	}
	return out, nil
}

// DeleteSession removes a session and its messages server-side.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil); err != nil {
		return errors.Wrap(err, "delete session")
	}
	return nil
}

// ListMessages fetches a session's transcript.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]chatclient.Message, error) {
	var out []chatclient.Message
	p := "/api/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	return out, nil
}

// SendMessage is the fallback send: one attempt, no internal retry. The
// response carries the stored user and assistant records for reconciliation.
func (c *Client) SendMessage(ctx context.Context, sessionID string, req chatclient.SendMessageRequest) (chatclient.SendMessageResult, error) {
	var out chatclient.SendMessageResult
	p := "/api/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodPost, p, req, &out); err != nil {
		return chatclient.SendMessageResult{}, errors.Wrap(err, "send message")
	}
	return out, nil
}

// UpsertFeedback records feedback for a message, idempotent per message id.
func (c *Client) UpsertFeedback(ctx context.Context, req chatclient.FeedbackRequest) error {
	if err := c.do(ctx, http.MethodPost, "/api/feedback", req, nil); err != nil {
		return errors.Wrap(err, "upsert feedback")
	}
	return nil
}

// ListAgents fetches the selectable agent roster.
func (c *Client) ListAgents(ctx context.Context) ([]chatclient.Agent, error) {
	var out []chatclient.Agent
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &out); err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Debug().
			Int("status", resp.StatusCode).
			Str("path", path).
			Msg("backend call failed")
		return errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response body")
	}
	return nil
}
