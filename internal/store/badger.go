// ABOUTME: BadgerDB implementation of the conversation log
// ABOUTME: Keys are msg:{pair}:{seq} so a reverse prefix scan yields the newest messages first

package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var sequenceKey = []byte("seq:messages")

// sequenceBandwidth is how many sequence numbers badger leases at a time.
const sequenceBandwidth = 128

// BadgerLog implements Log on a badger key-value store.
type BadgerLog struct {
	db     *badger.DB
	seq    *badger.Sequence
	mu     sync.Mutex // serializes appends so sequence order matches commit order
	logger *slog.Logger
}

// NewBadgerLog opens a badger store in dir. An empty dir opens an in-memory store.
func NewBadgerLog(dir string, logger *slog.Logger) (*BadgerLog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	seq, err := db.GetSequence(sequenceKey, sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("leasing message sequence: %w", err)
	}

	logger.Info("badger log opened", "dir", dir, "in_memory", dir == "")
	return &BadgerLog{db: db, seq: seq, logger: logger}, nil
}

// pairPrefix is the key prefix shared by every message of one conversation.
func pairPrefix(a, b string) []byte {
	return []byte("msg:" + PairKey(a, b) + ":")
}

// Append stores msg under the next sequence number of its conversation.
// The key is formatted as "msg:{pair}:{seq padded}" so lexicographic order is arrival order.
func (l *BadgerLog) Append(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return storageErr("append", err)
	}

	value, err := encodeRecord(msg)
	if err != nil {
		return storageErr("append", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.seq.Next()
	if err != nil {
		return storageErr("append", err)
	}
	key := fmt.Appendf(pairPrefix(msg.From, msg.To), "%020d", n)

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	return storageErr("append", err)
}

// Query walks the conversation prefix backwards from the newest key,
// collecting up to limit decodable records.
func (l *BadgerLog) Query(ctx context.Context, userA, userB string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return []*Message{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("query", err)
	}

	prefix := pairPrefix(userA, userB)
	msgs := make([]*Message, 0, limit)
	skipped := 0

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the greatest key <= seek.
		seek := append(slices.Clone(prefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(msgs) < limit; it.Next() {
			err := it.Item().Value(func(v []byte) error {
				msg, ok := decodeRecord(v)
				if !ok {
					skipped++
					return nil
				}
				msgs = append(msgs, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("query", err)
	}

	if skipped > 0 {
		l.logger.Debug("skipped unreadable records", "count", skipped)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// Close releases the sequence lease and closes the database.
func (l *BadgerLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.seq.Release(); err != nil {
		l.logger.Warn("releasing message sequence", "error", err)
	}
	return l.db.Close()
}
