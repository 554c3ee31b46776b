// Copyright 2024-2026 Aiku AI

package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

// wsConn is a client websocket connection. Envelopes are queued by Send and
// written by writePump, which is the only writer of data frames.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	closeCode int
	closeText string
}

var _ relay.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn, queueSize int, log zerolog.Logger) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, queueSize),
		closed: make(chan struct{}),
		log:    log.With().Str("conn_id", id).Logger(),
	}
}

func (c *wsConn) ID() string {
	return c.id
}

// Send queues env without blocking.
func (c *wsConn) Send(env *relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	select {
	case <-c.closed:
		return relay.ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return relay.ErrConnClosed
	default:
		return relay.ErrQueueFull
	}
}

// Close asks writePump to send a close frame with code and text and then
// drop the connection. Only the first call has any effect.
func (c *wsConn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.closed)
	})
}

// reject closes a connection that never started its pumps.
func (c *wsConn) reject(code int, text string, writeTimeout time.Duration) {
	c.Close(code, text)
	msg := websocket.FormatCloseMessage(code, text)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		c.log.Debug().Err(err).Msg("Failed to write close frame")
	}
	_ = c.ws.Close()
}

// readPump hands every data frame to handle until the peer goes away or
// misses the pong deadline.
func (c *wsConn) readPump(maxFrameBytes int64, pongTimeout time.Duration, handle func([]byte)) {
	if maxFrameBytes > 0 {
		c.ws.SetReadLimit(maxFrameBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("Websocket read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		handle(data)
	}
}

// writePump writes queued envelopes and keep-alive pings until Close is
// called or a write fails.
func (c *wsConn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("Websocket write failed")
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug().Err(err).Msg("Websocket ping failed")
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closed:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			}
			return
		}
	}
}
