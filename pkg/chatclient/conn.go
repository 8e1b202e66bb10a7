package chatclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FramesTopic is the bus topic inbound realtime frames are published on. The
// dispatcher is its single subscriber, which keeps frame application in
// arrival order.
const FramesTopic = "chat:frames"

const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 10 * time.Second
)

// newReconnectBackoff returns the reconnect schedule: 1s, 2s, 4s, 8s, then
// capped at 10s. Randomization is disabled so the schedule is exact.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = reconnectMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ChannelManager owns the realtime websocket lifecycle: connect, read pump,
// close detection, and reconnect scheduling. Inbound frames are published to
// FramesTopic; all transcript mutation happens in the dispatcher.
type ChannelManager struct {
	url    string
	store  *Store
	pub    message.Publisher
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	backoff        *backoff.ExponentialBackOff
	attempt        int
	reconnectTimer *time.Timer
	shutdown       bool

	writeMu sync.Mutex
}

// NewChannelManager builds a manager for the given websocket URL. Frames read
// from the socket are published on pub under FramesTopic.
func NewChannelManager(url string, store *Store, pub message.Publisher) *ChannelManager {
	return &ChannelManager{
		url:     url,
		store:   store,
		pub:     pub,
		dialer:  websocket.DefaultDialer,
		backoff: newReconnectBackoff(),
		logger:  log.With().Str("component", "channel_manager").Logger(),
	}
}

// Connect opens the realtime channel. It is idempotent: if the channel is
// already connected or connecting it returns immediately. A dial failure
// surfaces a recoverable error and schedules a reconnect.
func (cm *ChannelManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.shutdown {
		cm.mu.Unlock()
		return errors.New("channel manager is shut down")
	}
	switch cm.store.ConnectionStatus() {
	case ConnConnected, ConnConnecting:
		cm.mu.Unlock()
		return nil
	}
	cm.cancelTimerLocked()
	cm.mu.Unlock()

	cm.store.SetConnectionStatus(ConnConnecting)
	cm.logger.Debug().Str("url", cm.url).Msg("dialing realtime channel")

	conn, resp, err := cm.dialer.DialContext(ctx, cm.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		cm.logger.Warn().Err(err).Msg("dial failed")
		cm.store.SetConnectionStatus(ConnError)
		cm.store.SetError(ErrCodeWebsocketError, err.Error(), true)
		cm.store.SetConnectionStatus(ConnDisconnected)
		cm.scheduleReconnect()
		return errors.Wrap(err, "dial realtime channel")
	}

	cm.mu.Lock()
	if cm.shutdown {
		cm.mu.Unlock()
		_ = conn.Close()
		return errors.New("channel manager is shut down")
	}
	cm.conn = conn
	cm.cancelTimerLocked()
	cm.backoff.Reset()
	cm.attempt = 0
	cm.mu.Unlock()

	cm.store.SetReconnectAttempt(0)
	cm.store.SetConnectionStatus(ConnConnected)
	cm.store.ClearError()
	cm.logger.Info().Str("url", cm.url).Msg("realtime channel connected")

	go cm.readPump(conn)
	return nil
}

// readPump reads frames until the connection drops and publishes each one on
// the frame bus.
func (cm *ChannelManager) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cm.handleClose(conn, err)
			return
		}
		msg := message.NewMessage(watermill.NewUUID(), data)
		if err := cm.pub.Publish(FramesTopic, msg); err != nil {
			cm.logger.Warn().Err(err).Msg("failed to publish inbound frame")
		}
	}
}

// handleClose runs the close transition for the connection whose pump
// failed: abnormal failures surface a recoverable transport error first, then
// the channel goes disconnected, typing and the stream marker are cleared,
// and a reconnect is scheduled unless shutdown was requested. A pump for a
// connection the manager has already replaced must not touch shared state.
func (cm *ChannelManager) handleClose(conn *websocket.Conn, err error) {
	cm.mu.Lock()
	if cm.conn != conn {
		cm.mu.Unlock()
		_ = conn.Close()
		return
	}
	shutdown := cm.shutdown
	_ = cm.conn.Close()
	cm.conn = nil
	cm.mu.Unlock()

	if shutdown {
		cm.store.SetConnectionStatus(ConnDisconnected)
		return
	}

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		cm.logger.Warn().Err(err).Msg("realtime channel error")
		cm.store.SetConnectionStatus(ConnError)
		cm.store.SetError(ErrCodeWebsocketError, err.Error(), true)
	} else {
		cm.logger.Info().Msg("realtime channel closed")
	}

	cm.store.SetConnectionStatus(ConnDisconnected)
	cm.store.ClearTyping()
	cm.store.ClearActiveStream()
	cm.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. A new schedule request
// cancels any prior pending timer first.
func (cm *ChannelManager) scheduleReconnect() {
	cm.mu.Lock()
	if cm.shutdown {
		cm.mu.Unlock()
		return
	}
	cm.cancelTimerLocked()
	cm.attempt++
	attempt := cm.attempt
	delay := cm.backoff.NextBackOff()
	cm.reconnectTimer = time.AfterFunc(delay, func() {
		_ = cm.Connect(context.Background())
	})
	cm.mu.Unlock()

	cm.store.SetReconnectAttempt(attempt)
	cm.store.SetError(ErrCodeWebsocketReconnect, fmt.Sprintf("reconnecting, attempt %d", attempt), true)
	cm.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduled reconnect")
}

func (cm *ChannelManager) cancelTimerLocked() {
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
}

// Reconnect resets the backoff schedule and forces an immediate attempt. It
// is the handler behind the manual reconnect action; a channel that is
// already connected is left alone.
func (cm *ChannelManager) Reconnect(ctx context.Context) error {
	if cm.store.ConnectionStatus() == ConnConnected {
		return nil
	}
	cm.mu.Lock()
	if cm.shutdown {
		cm.mu.Unlock()
		return errors.New("channel manager is shut down")
	}
	cm.cancelTimerLocked()
	cm.backoff.Reset()
	cm.attempt = 0
	cm.mu.Unlock()

	cm.store.SetReconnectAttempt(0)
	return cm.Connect(ctx)
}

// Send writes one outbound frame to the channel. It fails when the channel
// is not connected; the caller decides whether the fallback path applies.
func (cm *ChannelManager) Send(v any) error {
	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()
	if conn == nil || cm.store.ConnectionStatus() != ConnConnected {
		return errors.New("realtime channel is not connected")
	}
	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()
	return errors.Wrap(conn.WriteJSON(v), "write frame")
}

// Close shuts the manager down: no further reconnects are scheduled, the
// pending timer is cancelled, and the connection is closed.
func (cm *ChannelManager) Close() error {
	cm.mu.Lock()
	cm.shutdown = true
	cm.cancelTimerLocked()
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	cm.store.SetConnectionStatus(ConnDisconnected)
	cm.logger.Info().Msg("channel manager closed")
	return nil
}
