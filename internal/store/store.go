// ABOUTME: Conversation log interface and message record for coven-relay persistence
// ABOUTME: Defines Message, Log, StorageError, the unordered pair key and backend selection

//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_log.go -package=mocks
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// ErrClosed is returned by a Log after Close.
var ErrClosed = errors.New("log closed")

// Message is one direct message between two users. Records are immutable once appended.
type Message struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`
}

// Involves reports whether the message belongs to the conversation between a and b,
// regardless of direction.
func (m *Message) Involves(a, b string) bool {
	return (m.From == a && m.To == b) || (m.From == b && m.To == a)
}

// Log is the durable conversation log.
type Log interface {
	// Append durably records msg. Concurrent appends never interleave.
	Append(ctx context.Context, msg *Message) error

	// Query returns at most limit of the most recent messages exchanged between
	// userA and userB, oldest first. The pair is unordered.
	Query(ctx context.Context, userA, userB string, limit int) ([]*Message, error)

	// Close releases the underlying storage.
	Close() error
}

// StorageError reports a failed log operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err as a StorageError unless it already is one.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// PairKey returns the canonical key of the unordered pair {a, b}.
// Each id is length-prefixed so the key is self-delimiting.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + strconv.Itoa(len(b)) + ":" + b
}

// encodeRecord renders msg in the on-disk record format (one JSON object).
func encodeRecord(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// decodeRecord parses one stored record. Records that are not JSON objects or
// lack a sender or recipient are reported as unusable.
func decodeRecord(data []byte) (*Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	if msg.From == "" || msg.To == "" {
		return nil, false
	}
	return &msg, true
}

// Options selects and configures a Log backend.
type Options struct {
	Backend string // file, sqlite or badger; defaults to file
	Path    string // file path, database path, or badger directory
	Driver  string // sqlite only: "sqlite" (modernc) or "sqlite3" (cgo)
	Logger  *slog.Logger
}

// Open creates the Log backend described by opts.
func Open(opts Options) (Log, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "backend", opts.Backend)

	var (
		log Log
		err error
	)
	switch opts.Backend {
	case "", BackendFile:
		log, err = NewFileLog(opts.Path, logger)
	case BackendSQLite:
		log, err = NewSQLiteLog(opts.Path, opts.Driver, logger)
	case BackendBadger:
		log, err = NewBadgerLog(opts.Path, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}
