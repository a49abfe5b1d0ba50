// ABOUTME: Per-connection session state machine and the router that drives it
// ABOUTME: Handles the handshake, dispatches msg and history envelopes, and tears down on close

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/2389/coven-relay/internal/directory"
	"github.com/2389/coven-relay/internal/presence"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

// DefaultHistoryLimit is the number of messages returned per history request.
const DefaultHistoryLimit = 50

var (
	// ErrMissingUser indicates a connection attempt without a user id.
	ErrMissingUser = errors.New("missing user id")

	// ErrSessionClosed is returned when a frame arrives after Close.
	ErrSessionClosed = errors.New("session closed")
)

// State is a session lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ValidateIdentity checks the user id supplied with a connection request.
func ValidateIdentity(user string) error {
	if user == "" {
		return ErrMissingUser
	}
	return nil
}

// Options tunes router behavior.
type Options struct {
	// HistoryLimit caps each history response. Zero means DefaultHistoryLimit.
	HistoryLimit int

	// StorageTimeout bounds each log append or query. Zero disables the bound.
	StorageTimeout time.Duration

	// CloseSuperseded closes a user's previous connection when they reconnect.
	CloseSuperseded bool

	// RosterOnConnect sends a new connection the presence of everyone already online.
	RosterOnConnect bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Router owns the shared services every session uses.
type Router struct {
	dir      *directory.Directory
	presence *presence.Broadcaster
	log      store.Log
	opts     Options
	logger   *slog.Logger
}

// NewRouter creates a Router. Pass nil logger for default.
func NewRouter(dir *directory.Directory, pres *presence.Broadcaster, log store.Log, opts Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		dir:      dir,
		presence: pres,
		log:      log,
		opts:     opts,
		logger:   logger.With("component", "session"),
	}
}

// Session is one user's open connection. A Session is only ever returned in
// StateOpen, so frames cannot be handled before the handshake completes.
type Session struct {
	id     string
	user   string
	handle directory.Handle
	router *Router
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// Open completes the handshake for userID on h: it registers the handle,
// sends the ready envelope privately and announces the user online.
func (r *Router) Open(ctx context.Context, userID string, h directory.Handle) (*Session, error) {
	if err := ValidateIdentity(userID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	s := &Session{
		id:     id,
		user:   userID,
		handle: h,
		router: r,
		logger: r.logger.With("session_id", id, "user", userID),
		state:  StateConnecting,
	}

	prev, replaced := r.dir.Register(userID, h)
	if replaced && prev != h && r.opts.CloseSuperseded {
		if err := prev.Close(); err != nil {
			s.logger.Debug("closing superseded connection", "error", err)
		}
	}

	s.send(protocol.NewReady(userID))
	if r.opts.RosterOnConnect {
		r.presence.AnnounceRoster(h, userID)
	}

	s.mu.Lock()
	s.state = StateOpen
	s.mu.Unlock()

	r.presence.Announce(userID, true)
	s.logger.Info("session opened", "superseded", replaced)
	return s, nil
}

// ID returns the session's unique id, used for log correlation.
func (s *Session) ID() string { return s.id }

// User returns the user id bound at handshake.
func (s *Session) User() string { return s.user }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandleFrame processes one inbound text frame. Frames that fail to decode
// are dropped and the error is returned for logging only; the session stays
// open. Calls are serialized per session.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return ErrSessionClosed
	}

	cmd, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Debug("dropping envelope", "error", err)
		return err
	}

	switch cmd := cmd.(type) {
	case *protocol.SendMessage:
		s.handleSend(ctx, cmd)
	case *protocol.FetchHistory:
		s.handleHistory(ctx, cmd)
	}
	return nil
}

// handleSend persists the message, echoes it to the sender and delivers it
// to the recipient if online. A failed append does not stop delivery.
func (s *Session) handleSend(ctx context.Context, cmd *protocol.SendMessage) {
	r := s.router
	msg := &store.Message{
		From:      s.user,
		To:        cmd.To,
		Text:      cmd.Text,
		Timestamp: r.opts.Now().Unix(),
	}

	sctx, cancel := r.storageContext(ctx)
	err := r.log.Append(sctx, msg)
	cancel()
	if err != nil {
		s.logger.Warn("message not persisted", "to", msg.To, "error", err)
	}

	frame, err := protocol.Encode(protocol.NewMessage(msg.From, msg.To, msg.Text, msg.Timestamp))
	if err != nil {
		s.logger.Error("encoding message", "error", err)
		return
	}

	if err := s.handle.Send(frame); err != nil {
		s.logger.Debug("echo not delivered", "error", err)
	}

	peer, ok := r.dir.Lookup(msg.To)
	if !ok {
		s.logger.Debug("recipient offline", "to", msg.To)
		return
	}
	if err := peer.Send(frame); err != nil {
		s.logger.Debug("message not delivered", "to", msg.To, "error", err)
	}
}

// handleHistory answers with the recent conversation between the session
// user and cmd.With. A failed query answers with an empty history.
func (s *Session) handleHistory(ctx context.Context, cmd *protocol.FetchHistory) {
	r := s.router

	sctx, cancel := r.storageContext(ctx)
	msgs, err := r.log.Query(sctx, s.user, cmd.With, r.opts.HistoryLimit)
	cancel()
	if err != nil {
		s.logger.Warn("history query failed", "with", cmd.With, "error", err)
		msgs = nil
	}

	records := lo.Map(msgs, func(m *store.Message, _ int) protocol.Record {
		return protocol.Record{From: m.From, To: m.To, Text: m.Text, Ts: m.Timestamp}
	})
	s.send(protocol.NewHistory(cmd.With, records))
}

// Close ends the session. The user is announced offline only if this
// session's handle was still the registered one. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	r := s.router
	if r.dir.Unregister(s.user, s.handle) {
		r.presence.Announce(s.user, false)
		s.logger.Info("session closed")
	} else {
		s.logger.Info("session closed after being superseded")
	}
	return nil
}

// send encodes v and queues it on the session's own handle.
func (s *Session) send(v any) {
	frame, err := protocol.Encode(v)
	if err != nil {
		s.logger.Error("encoding envelope", "error", err)
		return
	}
	if err := s.handle.Send(frame); err != nil {
		s.logger.Debug("envelope not delivered", "error", err)
	}
}

// storageContext bounds a log call by the configured storage timeout.
func (r *Router) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.StorageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.StorageTimeout)
}
