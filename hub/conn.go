// This file contains the Conn struct which is the WebSocket transport. It owns the read and
// write pumps, ping/pong keepalive and idempotent shutdown.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Conn struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	receive   chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	options   *Options
	logger    zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func newConn(parent context.Context, wsConn *websocket.Conn, id string, options *Options) (*Conn, error) {
	ctx, cancel := context.WithCancel(parent)

	c := &Conn{
		id:        id,
		conn:      wsConn,
		ctx:       ctx,
		cancel:    cancel,
		closeChan: make(chan struct{}),
		send:      make(chan []byte, options.SendChannelBuffer),
		receive:   make(chan []byte, options.ReceiveBuffer),
		options:   options,
		logger:    options.Logger.With().Str("conn", id).Str("transport", string(TransportWebSocket)).Logger(),
	}

	wsConn.SetReadLimit(options.MaxMessageSize)
	if err := wsConn.SetReadDeadline(time.Now().Add(options.PongWait)); err != nil {
		cancel()

		return nil, wrapF(err, "failed to set initial read deadline for connection %s", id)
	}

	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	go c.readPump()

	go c.writePump()

	go func() {
		select {
		case <-c.ctx.Done():
			c.Close()
		case <-c.closeChan:
		}
	}()

	return c, nil
}

func (c *Conn) readPump() {
	defer c.Close()

	for {
		messageType, message, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Warn().Err(err).Msg("websocket closed unexpectedly")
				c.reportError("read_pump", err)
			} else if !errors.Is(err, context.Canceled) {
				c.logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Debug().Int("type", messageType).Msg("dropping non-text frame")

			continue
		}
		select {
		case c.receive <- message:
		case <-c.closeChan:
			return
		case <-time.After(c.options.WriteWait):
			c.reportError("read_pump", internal("", "timed out handing frame to session"))

			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.options.PingInterval)

	defer func() {
		ticker.Stop()

		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)

			if err != nil {
				return
			}
			if _, err = w.Write(message); err != nil {
				_ = w.Close()

				return
			}
			if err = w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

			return
		}
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Type() TransportType {
	return TransportWebSocket
}

// Send queues data for the write pump. One frame is written per event so clients can
// decode each frame as a single JSON document.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closeChan:
		return transportError("connection " + c.id + " is closed")
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn().Msg("send buffer full, closing slow connection")
		go c.Close()

		return transportError("send buffer full for connection " + c.id)
	}
}

func (c *Conn) Receive() <-chan []byte {
	return c.receive
}

func (c *Conn) Done() <-chan struct{} {
	return c.closeChan
}

// Close shuts the connection down. It is safe to call from any goroutine, any number of times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)

		c.cancel()

		go func() {
			// let the write pump flush the close frame before tearing down the socket
			time.Sleep(50 * time.Millisecond)
			_ = c.conn.Close()
		}()
	})
}

func (c *Conn) reportError(component string, err error) {
	if err == nil || c.options.Metrics == nil {
		return
	}
	c.options.Metrics.Error(component, err)
}
