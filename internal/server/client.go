package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lgbtaye777/ephemerium-chat/internal/protocol"
)

const defaultSendBuffer = 32

// client wraps one WebSocket connection. Outbound frames go through a
// buffered channel drained by the write pump; a full buffer closes the
// connection rather than blocking the broker.
type client struct {
	log          *zap.Logger
	conn         *websocket.Conn
	send         chan protocol.ServerMessage
	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
}

func newClient(parentCtx context.Context, log *zap.Logger, conn *websocket.Conn, sendBuffer int, writeTimeout time.Duration) *client {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &client{
		log:          log,
		conn:         conn,
		send:         make(chan protocol.ServerMessage, sendBuffer),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: writeTimeout,
	}
}

// Send queues one frame for delivery. Never blocks: a saturated buffer
// cancels the connection, which runs the disconnect cascade upstream.
func (c *client) Send(msg protocol.ServerMessage) {
	select {
	case <-c.ctx.Done():
	case c.send <- msg:
	default:
		c.log.Warn("send buffer full, dropping connection")
		c.cancel()
	}
}

// writePump drains the send channel onto the wire until the client
// context ends, then closes the underlying connection so the read loop
// unblocks.
func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case msg := <-c.send:
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("websocket write failed", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}
