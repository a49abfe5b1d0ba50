// ABOUTME: Online connection directory mapping user ids to their live connection handle
// ABOUTME: At most one handle per user, last registration wins, removal matched by handle identity

package directory

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Handle is an opaque reference to a live client connection.
// Implementations must be comparable; handle identity is interface equality.
type Handle interface {
	// Send queues one encoded envelope for the connection. It must not block
	// on network I/O.
	Send(frame []byte) error

	// Close terminates the connection. Safe to call more than once.
	Close() error
}

// Entry is one online user and their connection handle.
type Entry struct {
	UserID string
	Handle Handle
}

// Directory tracks which users are online and how to reach them.
type Directory struct {
	entries map[string]Handle
	mu      sync.RWMutex
	logger  *slog.Logger
}

// New creates an empty Directory.
func New(logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		entries: make(map[string]Handle),
		logger:  logger.With("component", "directory"),
	}
}

// Register installs h as the connection for userID. Any existing entry is
// replaced and returned as prev so the caller can decide what to do with it.
func (d *Directory) Register(userID string, h Handle) (prev Handle, replaced bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, replaced = d.entries[userID]
	d.entries[userID] = h

	if replaced {
		d.logger.Info("connection superseded",
			"user", userID,
			"same_handle", prev == h,
			"online", len(d.entries),
		)
	} else {
		d.logger.Debug("user online", "user", userID, "online", len(d.entries))
	}
	return prev, replaced
}

// Unregister removes userID only if its current handle is h, and reports
// whether it did. A connection that was already superseded leaves the newer
// entry untouched.
func (d *Directory) Unregister(userID string, h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.entries[userID]
	if !ok || current != h {
		return false
	}
	delete(d.entries, userID)
	d.logger.Debug("user offline", "user", userID, "online", len(d.entries))
	return true
}

// Lookup returns the handle registered for userID.
func (d *Directory) Lookup(userID string) (Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h, ok := d.entries[userID]
	return h, ok
}

// Snapshot returns a copy of all entries, ordered by user id.
// The copy is safe to iterate after the lock is released.
func (d *Directory) Snapshot() []Entry {
	d.mu.RLock()
	entries := lo.MapToSlice(d.entries, func(userID string, h Handle) Entry {
		return Entry{UserID: userID, Handle: h}
	})
	d.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// Count returns the number of online users.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Users returns the ids of all online users, sorted.
func (d *Directory) Users() []string {
	return lo.Map(d.Snapshot(), func(e Entry, _ int) string {
		return e.UserID
	})
}
