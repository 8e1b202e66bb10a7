package chatclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestReconnectBackoffSchedule(t *testing.T) {
	b := newReconnectBackoff()
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for i, w := range want {
		require.Equal(t, w, b.NextBackOff(), "attempt %d", i+1)
	}

	b.Reset()
	require.Equal(t, 1000*time.Millisecond, b.NextBackOff())
}

func newFrameBus() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64, Persistent: true}, watermill.NopLogger{})
}

func TestChannelManagerDeliversFramesInOrder(t *testing.T) {
	var upgrades atomic.Int32
	done := make(chan struct{})
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgrades.Add(1)
		defer func() { _ = c.Close() }()
		_ = c.WriteJSON(map[string]any{
			"type":       "typing",
			"session_id": "s1",
			"data":       map[string]any{"is_typing": true, "agent_name": "Helper"},
		})
		_ = c.WriteJSON(map[string]any{"type": "stream_chunk", "session_id": "s1", "message_id": "a1", "chunk": "Hel"})
		_ = c.WriteJSON(map[string]any{"type": "stream_chunk", "session_id": "s1", "message_id": "a1", "chunk": "lo"})
		_ = c.WriteJSON(map[string]any{"type": "message_completed", "session_id": "s1", "message_id": "a1"})
		<-done
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})

	store := NewStore()
	store.SetSessions([]Session{{ID: "s1", CreatedAt: time.Now()}})
	bus := newFrameBus()
	d := NewDispatcher(store, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	cm := NewChannelManager("ws"+strings.TrimPrefix(srv.URL, "http"), store, bus)
	require.NoError(t, cm.Connect(ctx))
	require.Equal(t, ConnConnected, store.ConnectionStatus())
	require.Equal(t, 0, store.ReconnectAttempt())

	// Idempotent: a second connect does not open a duplicate channel.
	require.NoError(t, cm.Connect(ctx))

	require.Eventually(t, func() bool {
		m, ok := store.MessageByID("s1", "a1")
		return ok && m.Status == StatusDelivered && m.Content == "Hello"
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), upgrades.Load())

	require.NoError(t, cm.Close())
	require.Equal(t, ConnDisconnected, store.ConnectionStatus())
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	// Grab a port nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	store := NewStore()
	cm := NewChannelManager("ws://"+addr+"/ws", store, newFrameBus())
	t.Cleanup(func() { _ = cm.Close() })

	require.Error(t, cm.Connect(context.Background()))
	require.Equal(t, ConnDisconnected, store.ConnectionStatus())
	require.Equal(t, 1, store.ReconnectAttempt())

	slot := store.LastError()
	require.NotNil(t, slot)
	require.Equal(t, ErrCodeWebsocketReconnect, slot.Code)
	require.True(t, slot.Recoverable)
	require.Contains(t, slot.Message, "attempt 1")
}

func TestCloseSuppressesReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Hold the connection open; the client closes first.
		_, _, _ = c.ReadMessage()
		_ = c.Close()
	}))
	t.Cleanup(srv.Close)

	store := NewStore()
	cm := NewChannelManager("ws"+strings.TrimPrefix(srv.URL, "http"), store, newFrameBus())
	require.NoError(t, cm.Connect(context.Background()))
	require.NoError(t, cm.Close())

	// The read pump observes the close after shutdown; no reconnect may be
	// scheduled.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, ConnDisconnected, store.ConnectionStatus())
	require.Equal(t, 0, store.ReconnectAttempt())

	require.Error(t, cm.Connect(context.Background()))
}

func TestSendRequiresConnection(t *testing.T) {
	store := NewStore()
	cm := NewChannelManager("ws://127.0.0.1:1/ws", store, newFrameBus())
	err := cm.Send(NewChatFrame("s1", "m1", "agent-1", "hi", nil))
	require.Error(t, err)
}

func TestManualReconnectResetsBackoffAndConnects(t *testing.T) {
	var accept atomic.Bool
	done := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !accept.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		<-done
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})

	store := NewStore()
	cm := NewChannelManager("ws"+strings.TrimPrefix(srv.URL, "http"), store, newFrameBus())
	t.Cleanup(func() { _ = cm.Close() })

	require.Error(t, cm.Connect(context.Background()))
	require.Equal(t, 1, store.ReconnectAttempt())

	accept.Store(true)
	require.NoError(t, cm.Reconnect(context.Background()))
	require.Equal(t, ConnConnected, store.ConnectionStatus())
	require.Equal(t, 0, store.ReconnectAttempt())
	require.Nil(t, store.LastError())

	// The schedule starts over after a manual reconnect.
	cm.mu.Lock()
	next := cm.backoff.NextBackOff()
	cm.mu.Unlock()
	require.Equal(t, time.Second, next)
}

func TestStalePumpCloseLeavesReplacementAlone(t *testing.T) {
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		<-done
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})

	store := NewStore()
	cm := NewChannelManager("ws"+strings.TrimPrefix(srv.URL, "http"), store, newFrameBus())
	t.Cleanup(func() { _ = cm.Close() })
	require.NoError(t, cm.Connect(context.Background()))

	cm.mu.Lock()
	healthy := cm.conn
	cm.mu.Unlock()

	// Stand in for the connection of a pump the manager already replaced.
	stale, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	cm.handleClose(stale, errors.New("read loop ended"))

	require.Equal(t, ConnConnected, store.ConnectionStatus())
	require.Equal(t, 0, store.ReconnectAttempt())
	cm.mu.Lock()
	require.Same(t, healthy, cm.conn)
	cm.mu.Unlock()
}
