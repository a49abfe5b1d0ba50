// ABOUTME: Fans out presence transitions to every online connection
// ABOUTME: Snapshots the directory, releases it, then sends one encoded envelope per handle

package presence

import (
	"log/slog"

	"github.com/2389/coven-relay/internal/directory"
	"github.com/2389/coven-relay/internal/protocol"
)

// Snapshotter yields a point-in-time copy of the online directory.
type Snapshotter interface {
	Snapshot() []directory.Entry
}

// Broadcaster announces users going online or offline.
type Broadcaster struct {
	dir    Snapshotter
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster over dir. Pass nil logger for default.
func NewBroadcaster(dir Snapshotter, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		dir:    dir,
		logger: logger.With("component", "presence"),
	}
}

// Announce tells every online connection, including the announced user's
// own, that userID went online or offline. It returns how many handles
// accepted the envelope. Send failures only affect the failing peer.
func (b *Broadcaster) Announce(userID string, online bool) int {
	frame, err := protocol.Encode(protocol.NewPresence(userID, online))
	if err != nil {
		b.logger.Error("encoding presence", "user", userID, "error", err)
		return 0
	}

	// Snapshot copies entries so no lock is held while sending
	targets := b.dir.Snapshot()

	sent := 0
	for _, e := range targets {
		if err := e.Handle.Send(frame); err != nil {
			b.logger.Debug("presence not delivered",
				"user", userID,
				"peer", e.UserID,
				"error", err)
			continue
		}
		sent++
	}

	b.logger.Debug("presence announced",
		"user", userID,
		"online", online,
		"peers", len(targets),
		"sent", sent)
	return sent
}

// AnnounceRoster sends h one presence-online envelope per user already
// online, skipping self. It returns how many envelopes h accepted.
func (b *Broadcaster) AnnounceRoster(h directory.Handle, self string) int {
	sent := 0
	for _, e := range b.dir.Snapshot() {
		if e.UserID == self {
			continue
		}
		frame, err := protocol.Encode(protocol.NewPresence(e.UserID, true))
		if err != nil {
			continue
		}
		if err := h.Send(frame); err != nil {
			b.logger.Debug("roster not delivered", "user", self, "peer", e.UserID, "error", err)
			return sent
		}
		sent++
	}
	return sent
}
