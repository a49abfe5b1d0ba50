// ABOUTME: Backend-independent tests for the conversation log
// ABOUTME: Runs the same ordering, windowing and pair-filtering checks against every backend

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFactory func(t *testing.T) Log

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"file": func(t *testing.T) Log {
			l, err := NewFileLog(filepath.Join(t.TempDir(), "messages.jsonl"), nil)
			require.NoError(t, err)
			return l
		},
		"sqlite-modernc": func(t *testing.T) Log {
			l, err := NewSQLiteLog(filepath.Join(t.TempDir(), "relay.db"), DriverModernc, nil)
			require.NoError(t, err)
			return l
		},
		"badger": func(t *testing.T) Log {
			l, err := NewBadgerLog(t.TempDir(), nil)
			require.NoError(t, err)
			return l
		},
		"badger-memory": func(t *testing.T) Log {
			l, err := NewBadgerLog("", nil)
			require.NoError(t, err)
			return l
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, l Log)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			t.Cleanup(func() { _ = l.Close() })
			fn(t, l)
		})
	}
}

func msg(from, to, text string, ts int64) *Message {
	return &Message{From: from, To: to, Text: text, Timestamp: ts}
}

func texts(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestLog_QueryReturnsBothDirectionsInAppendOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		require.NoError(t, l.Append(ctx, msg("alice", "bob", "hi", 100)))
		require.NoError(t, l.Append(ctx, msg("bob", "alice", "yo", 101)))
		require.NoError(t, l.Append(ctx, msg("alice", "carol", "elsewhere", 102)))

		got, err := l.Query(ctx, "bob", "alice", 50)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, msg("alice", "bob", "hi", 100), got[0])
		assert.Equal(t, msg("bob", "alice", "yo", 101), got[1])

		same, err := l.Query(ctx, "alice", "bob", 50)
		require.NoError(t, err)
		assert.Equal(t, got, same)
	})
}

func TestLog_QueryKeepsMostRecentWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		for i := range 60 {
			require.NoError(t, l.Append(ctx, msg("alice", "bob", fmt.Sprintf("m%d", i), int64(i))))
		}

		got, err := l.Query(ctx, "alice", "bob", 50)
		require.NoError(t, err)
		require.Len(t, got, 50)
		assert.Equal(t, "m10", got[0].Text)
		assert.Equal(t, "m59", got[49].Text)
	})
}

func TestLog_QueryNonPositiveLimitIsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		require.NoError(t, l.Append(ctx, msg("alice", "bob", "hi", 1)))

		for _, limit := range []int{0, -1} {
			got, err := l.Query(ctx, "alice", "bob", limit)
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Empty(t, got)
		}
	})
}

func TestLog_QueryUnknownPairIsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		got, err := l.Query(context.Background(), "nobody", "else", 50)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestLog_SelfConversation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		require.NoError(t, l.Append(ctx, msg("alice", "alice", "note to self", 5)))
		require.NoError(t, l.Append(ctx, msg("alice", "bob", "not mine", 6)))

		got, err := l.Query(ctx, "alice", "alice", 50)
		require.NoError(t, err)
		assert.Equal(t, []string{"note to self"}, texts(got))
	})
}

func TestLog_PairIDsDoNotCollide(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		require.NoError(t, l.Append(ctx, msg("a", "b:c", "first", 1)))
		require.NoError(t, l.Append(ctx, msg("a:b", "c", "second", 2)))

		got, err := l.Query(ctx, "a", "b:c", 50)
		require.NoError(t, err)
		assert.Equal(t, []string{"first"}, texts(got))
	})
}

func TestLog_PreservesTextVerbatim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		text := "line one\nline two \"quoted\" éè \U0001F600"
		require.NoError(t, l.Append(ctx, msg("alice", "bob", text, 1)))

		got, err := l.Query(ctx, "alice", "bob", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, text, got[0].Text)
	})
}

func TestLog_ConcurrentAppends(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for w := range 8 {
			wg.Go(func() {
				for i := range 25 {
					assert.NoError(t, l.Append(ctx, msg("alice", "bob", fmt.Sprintf("w%d-%d", w, i), int64(i))))
				}
			})
		}
		wg.Wait()

		got, err := l.Query(ctx, "alice", "bob", 1000)
		require.NoError(t, err)
		assert.Len(t, got, 200)

		// Per-writer order is preserved.
		last := map[string]int{}
		for _, m := range got {
			var w, i int
			_, err := fmt.Sscanf(m.Text, "w%d-%d", &w, &i)
			require.NoError(t, err)
			key := fmt.Sprint(w)
			if prev, ok := last[key]; ok {
				assert.Greater(t, i, prev)
			}
			last[key] = i
		}
	})
}

func TestPairKey(t *testing.T) {
	assert.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	assert.Equal(t, "5:alice3:bob", PairKey("bob", "alice"))
	assert.NotEqual(t, PairKey("a", "b:c"), PairKey("a:b", "c"))
	assert.Equal(t, "1:x1:x", PairKey("x", "x"))
}

func TestMessage_Involves(t *testing.T) {
	m := msg("alice", "bob", "hi", 1)
	assert.True(t, m.Involves("alice", "bob"))
	assert.True(t, m.Involves("bob", "alice"))
	assert.False(t, m.Involves("alice", "carol"))
	assert.False(t, m.Involves("alice", "alice"))
}

func TestDecodeRecord(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"valid", `{"from":"a","to":"b","text":"hi","ts":1}`, true},
		{"extra fields", `{"from":"a","to":"b","text":"hi","ts":1,"id":7}`, true},
		{"missing text", `{"from":"a","to":"b","ts":1}`, true},
		{"not json", `garbage`, false},
		{"truncated", `{"from":"a","to":"b","te`, false},
		{"missing from", `{"to":"b","text":"hi","ts":1}`, false},
		{"missing to", `{"from":"a","text":"hi","ts":1}`, false},
		{"array", `[1,2,3]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := decodeRecord([]byte(tt.line))
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		opts    Options
		want    any
		wantErr bool
	}{
		{Options{Path: filepath.Join(dir, "default.jsonl")}, &FileLog{}, false},
		{Options{Backend: BackendFile, Path: filepath.Join(dir, "m.jsonl")}, &FileLog{}, false},
		{Options{Backend: BackendSQLite, Path: filepath.Join(dir, "m.db")}, &SQLiteLog{}, false},
		{Options{Backend: BackendBadger, Path: filepath.Join(dir, "badger")}, &BadgerLog{}, false},
		{Options{Backend: "postgres", Path: "x"}, nil, true},
		{Options{Backend: BackendFile}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.opts.Backend, func(t *testing.T) {
			l, err := Open(tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, l)
				return
			}
			require.NoError(t, err)
			defer l.Close()
			assert.IsType(t, tt.want, l)
		})
	}
}

func TestStorageError(t *testing.T) {
	cause := errors.New("disk full")
	err := storageErr("append", cause)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "append", se.Op)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "storage append: disk full", err.Error())

	// Already-wrapped errors are not wrapped twice.
	assert.Same(t, err, storageErr("query", err))
	assert.NoError(t, storageErr("append", nil))
}
