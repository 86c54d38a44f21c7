package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/core"
	"pkt.systems/pslog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 54 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// client is one websocket attachment to a room.
type client struct {
	room   *room
	conn   *websocket.Conn
	userID string
	logger pslog.Logger

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(r *room, conn *websocket.Conn, userID string, logger pslog.Logger) *client {
	return &client{
		room:   r,
		conn:   conn,
		userID: userID,
		logger: logger.With("user", userID),
		outbox: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// send enqueues a frame without blocking; a client that cannot drain
// its outbox is disconnected and left to reconnect with a fresh
// snapshot.
func (c *client) send(payload []byte) {
	select {
	case <-c.done:
		return
	case c.outbox <- payload:
	default:
		c.logger.Warn("relay.client.slow_consumer")
		c.closeConn()
	}
}

func (c *client) closeConn() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// run services the connection until either pump exits.
func (c *client) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// readPump decodes client frames and forwards them to the bus. A
// mutation refused by the room's resolver is answered with an error
// envelope so the client can reconcile its optimistic state.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.room.detachClient(c)
		c.closeConn()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("relay.client.read_failed", "error", err)
			}
			return
		}
		switch env.Type {
		case envelopeMutation:
			if env.Mutation == nil {
				continue
			}
			// The relay, not the client, owns identity on the wire.
			env.Mutation.UserID = c.userID
			if err := c.room.publish(ctx, env); err != nil {
				c.sendError(err)
			}
		case envelopePresence:
			if env.Presence == nil {
				continue
			}
			env.Presence.UserID = c.userID
			if err := c.room.publish(ctx, env); err != nil {
				c.sendError(err)
			}
		default:
			c.logger.Debug("relay.client.unknown_frame", "type", env.Type)
		}
	}
}

func (c *client) sendError(err error) {
	info := failureInfo(err)
	payload, marshalErr := json.Marshal(Envelope{Type: envelopeError, Error: &info})
	if marshalErr != nil {
		return
	}
	c.send(payload)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func failureInfo(err error) api.ErrorInfo {
	var f core.Failure
	if errors.As(err, &f) {
		return api.ErrorInfo{Code: f.Code, Detail: f.Detail, RetryAfter: f.RetryAfter}
	}
	return api.ErrorInfo{Code: core.CodeChannelUnavailable, Detail: err.Error()}
}
