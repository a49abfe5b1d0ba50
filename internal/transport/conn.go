// ABOUTME: WebSocket connection handle with a buffered outbound queue and write pump
// ABOUTME: Send never blocks on the network; a dedicated goroutine performs timed writes

package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrSendQueueFull indicates the peer is not draining its outbound queue.
	// The frame is dropped for that peer only.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrConnClosed indicates a send on a connection that has been closed.
	ErrConnClosed = errors.New("connection closed")
)

// Conn is a live client connection. It implements directory.Handle.
type Conn struct {
	ws           *websocket.Conn
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	remoteAddr   string
	logger       *slog.Logger
}

func newConn(ws *websocket.Conn, remoteAddr string, opts Options, logger *slog.Logger) *Conn {
	return &Conn{
		ws:           ws,
		out:          make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		remoteAddr:   remoteAddr,
		logger:       logger,
	}
}

// Send queues frame for the write pump.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close marks the connection closed. The write pump sends the close frame.
// Safe to call more than once and from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the peer address the connection was accepted from.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// writePump drains the outbound queue until the connection is closed or ctx
// is cancelled, then closes the websocket.
func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case frame := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Debug("write failed", "remote_addr", c.remoteAddr, "error", err)
				c.Close()
				_ = c.ws.CloseNow()
				return
			}

		case <-c.done:
			_ = c.ws.Close(websocket.StatusNormalClosure, "")
			return

		case <-ctx.Done():
			c.Close()
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}
