// ABOUTME: HTTP handler that upgrades relay clients to WebSocket and runs their sessions
// ABOUTME: Rejects requests without a user id before upgrading; one read loop per connection

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/coven-relay/internal/session"
)

// Defaults applied by NewHandler when an option is zero.
const (
	DefaultSendBuffer    = 64
	DefaultWriteTimeout  = 10 * time.Second
	DefaultMaxFrameBytes = 64 * 1024
)

// missingUserBody is the plain-text body of a handshake rejection.
const missingUserBody = "Missing user query param"

// Options tunes per-connection behavior.
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	MaxFrameBytes  int64
	OriginPatterns []string
}

// Handler accepts relay connections.
type Handler struct {
	router *session.Router
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a Handler that opens sessions on router. Pass nil logger for default.
func NewHandler(router *session.Router, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		router: router,
		opts:   opts,
		logger: logger.With("component", "transport"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP performs the handshake and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if err := session.ValidateIdentity(user); err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, missingUserBody)
		return
	}

	if h.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(h.opts.MaxFrameBytes)

	h.wg.Add(1)
	defer h.wg.Done()

	logger := h.logger.With("user", user, "remote_addr", r.RemoteAddr)
	conn := newConn(ws, r.RemoteAddr, h.opts, logger)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		conn.writePump(h.ctx)
	}()

	sess, err := h.router.Open(h.ctx, user, conn)
	if err != nil {
		logger.Warn("handshake failed", "error", err)
		conn.Close()
		<-pumpDone
		return
	}

	h.readLoop(conn, sess, logger)

	_ = sess.Close()
	conn.Close()
	<-pumpDone
}

// readLoop feeds text frames to the session one at a time until the
// connection fails or is closed.
func (h *Handler) readLoop(conn *Conn, sess *session.Session, logger *slog.Logger) {
	for {
		typ, data, err := conn.ws.Read(h.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				logger.Debug("connection closed", "status", status)
			} else {
				logger.Debug("read failed", "error", err)
			}
			return
		}

		if typ != websocket.MessageText {
			logger.Debug("ignoring binary frame", "bytes", len(data))
			continue
		}

		// Frame errors are logged by the session; the connection stays open.
		_ = sess.HandleFrame(h.ctx, data)
	}
}

// Shutdown stops accepting frames on every connection and waits for their
// sessions to close, or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
