package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sideline-chat/internal/realtime"
	"sideline-chat/pkg/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Close reasons carried by the final frame.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
)

// Client streams one subscription over one connection. The stream is
// server-to-client only; inbound frames are read just to observe pongs and
// disconnects.
type Client struct {
	conn *websocket.Conn
	sub  *realtime.Subscription
	log  *Logger
}

func NewClient(conn *websocket.Conn, sub *realtime.Subscription, log *Logger) *Client {
	return &Client{conn: conn, sub: sub, log: log}
}

func (c *Client) writeFrame(frame events.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, realtime.ErrSlowConsumer):
		return ReasonSlowConsumer
	case errors.Is(err, realtime.ErrBusClosed):
		return ReasonShutdown
	case err != nil:
		return err.Error()
	}
	return ""
}

// WriteLoop sends the ready frame, then every event of the subscription,
// pinging while idle. It returns when the subscription ends, ctx is done or a
// write fails.
func (c *Client) WriteLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	if err := c.writeFrame(events.Frame{Kind: events.FrameReady}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				reason := closeReason(c.sub.Err())
				if reason != "" {
					c.log.Warn("subscription_closed", c.sub.UserID, c.sub.ID, zap.String("reason", reason))
				}
				_ = c.writeFrame(events.Frame{Kind: events.FrameClosed, Reason: reason})
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(writeWait))
				return
			}
			if err := c.writeFrame(events.Frame{Kind: events.FrameEvent, Event: &ev}); err != nil {
				c.log.Error("write_failed", c.sub.UserID, c.sub.ID, err)
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

// ReadLoop blocks until the peer goes away.
func (c *Client) ReadLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
