// ABOUTME: End-to-end test of a relay-cli session against a scripted WebSocket server
// ABOUTME: Verifies the user query param, outbound frames and rendered output

package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/protocol"
)

func TestChat(t *testing.T) {
	color.NoColor = true

	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		ready, _ := protocol.Encode(protocol.NewReady(user))
		_ = conn.Write(ctx, websocket.MessageText, ready)

		_, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		received <- string(frame)

		echo, _ := protocol.Encode(protocol.NewMessage(user, "bob", "hi", 1700000000))
		_ = conn.Write(ctx, websocket.MessageText, echo)
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	in, inWriter := io.Pipe()
	defer inWriter.Close()
	go func() {
		_, _ = io.WriteString(inWriter, "\n/nope\n@bob hi\n")
	}()

	cfg := defaultConfig()
	cfg.Relay.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Identity.User = "alice"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out syncBuffer
	require.NoError(t, chat(ctx, cfg, in, &out))

	select {
	case frame := <-received:
		assert.JSONEq(t, `{"type":"msg","to":"bob","text":"hi"}`, frame)
	default:
		t.Fatal("server received no frame")
	}

	output := out.String()
	assert.Contains(t, output, "connected as alice")
	assert.Contains(t, output, "unknown command")
	assert.Contains(t, output, "→ bob: hi")
}

func TestRun_RequiresUser(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	err := run(context.Background(), nil, strings.NewReader(""), io.Discard)
	assert.ErrorContains(t, err, "identity.user")
}

// syncBuffer is a bytes.Buffer safe for the reader and input goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
