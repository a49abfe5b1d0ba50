// ABOUTME: Append-only JSON-lines conversation log on a single file
// ABOUTME: One record per line, fsync per append, full scan with a tail window per query

package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ctxCheckEvery is how many lines a scan reads between context checks.
const ctxCheckEvery = 1024

// FileLog stores messages as newline-delimited JSON in one append-only file.
// Lines that fail to parse are skipped on read and never rewritten.
type FileLog struct {
	path   string
	mu     sync.RWMutex
	file   *os.File
	logger *slog.Logger
}

// NewFileLog opens (creating if needed) the log file at path.
// Parent directories are created if needed.
func NewFileLog(path string, logger *slog.Logger) (*FileLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, errors.New("file log path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	if err := sealTornTail(path); err != nil {
		return nil, fmt.Errorf("checking log tail: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	logger.Info("file log opened", "path", path)
	return &FileLog{path: path, file: f, logger: logger}, nil
}

// sealTornTail terminates a final line left without a newline by an
// interrupted write, so the next record starts on a line of its own.
func sealTornTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.WriteAt([]byte{'\n'}, info.Size())
	return err
}

// Append writes msg as one line and syncs it to disk.
func (l *FileLog) Append(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return storageErr("append", err)
	}

	line, err := encodeRecord(msg)
	if err != nil {
		return storageErr("append", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return storageErr("append", ErrClosed)
	}

	n, err := l.file.Write(line)
	if err != nil {
		if n > 0 && n < len(line) {
			// Terminate the partial record so it stays confined to its own line.
			_, _ = l.file.Write([]byte{'\n'})
		}
		return storageErr("append", err)
	}
	if err := l.file.Sync(); err != nil {
		return storageErr("append", err)
	}
	return nil
}

// Query scans the whole file and returns the last limit records exchanged
// between userA and userB, oldest first.
func (l *FileLog) Query(ctx context.Context, userA, userB string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return []*Message{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("query", err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.file == nil {
		return nil, storageErr("query", ErrClosed)
	}

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []*Message{}, nil
	}
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer f.Close()

	window := newTailWindow(limit)
	reader := bufio.NewReader(f)
	skipped := 0
	for lineNo := 1; ; lineNo++ {
		if lineNo%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, storageErr("query", err)
			}
		}

		line, readErr := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if msg, ok := decodeRecord(line); !ok {
				skipped++
			} else if msg.Involves(userA, userB) {
				window.push(msg)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, storageErr("query", readErr)
		}
	}

	if skipped > 0 {
		l.logger.Debug("skipped unreadable log lines", "count", skipped)
	}
	return window.items(), nil
}

// Close closes the log file. Further operations return ErrClosed.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// tailWindow keeps the most recent limit messages pushed into it.
type tailWindow struct {
	limit int
	buf   []*Message
	start int
}

func newTailWindow(limit int) *tailWindow {
	return &tailWindow{limit: limit, buf: make([]*Message, 0, min(limit, 256))}
}

func (w *tailWindow) push(msg *Message) {
	if len(w.buf) < w.limit {
		w.buf = append(w.buf, msg)
		return
	}
	w.buf[w.start] = msg
	w.start = (w.start + 1) % w.limit
}

// items returns the window contents in arrival order.
func (w *tailWindow) items() []*Message {
	out := make([]*Message, 0, len(w.buf))
	out = append(out, w.buf[w.start:]...)
	return append(out, w.buf[:w.start]...)
}
