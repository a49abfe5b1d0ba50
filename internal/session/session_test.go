// ABOUTME: Tests for the session router against a real directory and file log
// ABOUTME: Covers handshake, message round trip, offline delivery, history and close semantics

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/directory"
	"github.com/2389/coven-relay/internal/presence"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

// fakeConn records frames sent to it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		env, err := protocol.DecodeEnvelope(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) ofType(t *testing.T, typ string) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, env := range f.envelopes(t) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

const fixedTime = 1700000000

type harness struct {
	dir    *directory.Directory
	log    store.Log
	router *Router
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	log, err := store.NewFileLog(filepath.Join(t.TempDir(), "messages.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Unix(fixedTime, 0) }
	}
	dir := directory.New(nil)
	return &harness{
		dir:    dir,
		log:    log,
		router: NewRouter(dir, presence.NewBroadcaster(dir, nil), log, opts, nil),
	}
}

func (h *harness) open(t *testing.T, user string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s, err := h.router.Open(t.Context(), user, conn)
	require.NoError(t, err)
	return s, conn
}

func TestValidateIdentity(t *testing.T) {
	assert.ErrorIs(t, ValidateIdentity(""), ErrMissingUser)
	assert.NoError(t, ValidateIdentity("alice"))
}

func TestOpen_RejectsMissingUser(t *testing.T) {
	h := newHarness(t, Options{})
	s, err := h.router.Open(t.Context(), "", &fakeConn{})
	assert.ErrorIs(t, err, ErrMissingUser)
	assert.Nil(t, s)
	assert.Equal(t, 0, h.dir.Count())
}

func TestOpen_SendsReadyThenPresence(t *testing.T) {
	h := newHarness(t, Options{})
	s, conn := h.open(t, "alice")

	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, "alice", s.User())
	assert.NotEmpty(t, s.ID())

	envs := conn.envelopes(t)
	require.Len(t, envs, 2)
	assert.Equal(t, &protocol.Envelope{Type: protocol.TypeReady, User: "alice"}, envs[0])
	assert.Equal(t, &protocol.Envelope{Type: protocol.TypePresence, User: "alice", Online: true}, envs[1])
}

func TestPresenceRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	_, alice := h.open(t, "alice")
	bobSession, bob := h.open(t, "bob")

	aliceSaw := alice.ofType(t, protocol.TypePresence)
	require.Len(t, aliceSaw, 2)
	assert.Equal(t, "bob", aliceSaw[1].User)
	assert.True(t, aliceSaw[1].Online)

	// bob only sees his own announcement; alice was online before he connected.
	bobSaw := bob.ofType(t, protocol.TypePresence)
	require.Len(t, bobSaw, 1)
	assert.Equal(t, "bob", bobSaw[0].User)

	alice.reset()
	require.NoError(t, bobSession.Close())

	aliceSaw = alice.ofType(t, protocol.TypePresence)
	require.Len(t, aliceSaw, 1)
	assert.Equal(t, "bob", aliceSaw[0].User)
	assert.False(t, aliceSaw[0].Online)
}

func TestMessageRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	alice, aliceConn := h.open(t, "alice")
	_, bobConn := h.open(t, "bob")
	aliceConn.reset()
	bobConn.reset()

	require.NoError(t, alice.HandleFrame(t.Context(), []byte(`{"type":"msg","to":"bob","text":"hi"}`)))

	want := &protocol.Envelope{Type: protocol.TypeMessage, From: "alice", To: "bob", Text: "hi", Ts: fixedTime}
	assert.Equal(t, []*protocol.Envelope{want}, aliceConn.envelopes(t))
	assert.Equal(t, []*protocol.Envelope{want}, bobConn.envelopes(t))

	msgs, err := h.log.Query(t.Context(), "alice", "bob", 50)
	require.NoError(t, err)
	assert.Equal(t, []*store.Message{{From: "alice", To: "bob", Text: "hi", Timestamp: fixedTime}}, msgs)
}

func TestOfflineDelivery(t *testing.T) {
	h := newHarness(t, Options{})
	alice, aliceConn := h.open(t, "alice")
	_, carolConn := h.open(t, "carol")
	aliceConn.reset()
	carolConn.reset()

	require.NoError(t, alice.HandleFrame(t.Context(), []byte(`{"type":"msg","to":"bob","text":"you there?"}`)))

	echoes := aliceConn.ofType(t, protocol.TypeMessage)
	require.Len(t, echoes, 1)
	assert.Equal(t, "bob", echoes[0].To)
	assert.Empty(t, carolConn.envelopes(t))

	msgs, err := h.log.Query(t.Context(), "bob", "alice", 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSelfMessage_EchoAndDelivery(t *testing.T) {
	h := newHarness(t, Options{})
	alice, conn := h.open(t, "alice")
	conn.reset()

	require.NoError(t, alice.HandleFrame(t.Context(), []byte(`{"type":"msg","to":"alice","text":"memo"}`)))

	assert.Len(t, conn.ofType(t, protocol.TypeMessage), 2)
	msgs, err := h.log.Query(t.Context(), "alice", "alice", 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestEmptyFieldRejection(t *testing.T) {
	h := newHarness(t, Options{})
	alice, aliceConn := h.open(t, "alice")
	_, bobConn := h.open(t, "bob")
	aliceConn.reset()
	bobConn.reset()

	tests := []struct {
		frame string
		want  error
	}{
		{`{"type":"msg","to":"","text":"hi"}`, protocol.ErrInvalid},
		{`{"type":"msg","to":"bob","text":""}`, protocol.ErrInvalid},
		{`{"type":"msg","to":"bob"}`, protocol.ErrInvalid},
		{`{"type":"msg","TO":"bob","Text":"hi"}`, protocol.ErrInvalid},
		{`{"TYPE":"msg","to":"bob","text":"yo"}`, protocol.ErrUnknownType},
		{"{\"type\":\"msg\",\"to\":\"bob\",\"text\":\"a\xffb\"}", protocol.ErrMalformed},
	}
	for _, tt := range tests {
		err := alice.HandleFrame(t.Context(), []byte(tt.frame))
		assert.ErrorIs(t, err, tt.want, tt.frame)
	}

	assert.Empty(t, aliceConn.envelopes(t))
	assert.Empty(t, bobConn.envelopes(t))
	msgs, err := h.log.Query(t.Context(), "alice", "bob", 50)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, StateOpen, alice.State())
}

// registeringConn takes the directory's write lock from inside Send.
type registeringConn struct {
	fakeConn
	dir *directory.Directory
}

func (c *registeringConn) Send(frame []byte) error {
	c.dir.Register("carol", &fakeConn{})
	return c.fakeConn.Send(frame)
}

func TestMessageDelivery_SendsWithoutDirectoryLock(t *testing.T) {
	h := newHarness(t, Options{})
	aliceConn := &registeringConn{dir: h.dir}
	alice, err := h.router.Open(t.Context(), "alice", aliceConn)
	require.NoError(t, err)
	bobConn := &registeringConn{dir: h.dir}
	_, err = h.router.Open(t.Context(), "bob", bobConn)
	require.NoError(t, err)
	aliceConn.reset()
	bobConn.reset()

	done := make(chan error, 1)
	go func() {
		done <- alice.HandleFrame(context.Background(), []byte(`{"type":"msg","to":"bob","text":"hi"}`))
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("HandleFrame deadlocked: handle sent to while the directory was locked")
	}
	assert.Len(t, aliceConn.ofType(t, protocol.TypeMessage), 1)
	assert.Len(t, bobConn.ofType(t, protocol.TypeMessage), 1)
}

func TestMalformedFramesKeepSessionOpen(t *testing.T) {
	h := newHarness(t, Options{})
	alice, conn := h.open(t, "alice")
	conn.reset()

	assert.ErrorIs(t, alice.HandleFrame(t.Context(), []byte(`not json`)), protocol.ErrMalformed)
	assert.ErrorIs(t, alice.HandleFrame(t.Context(), []byte(`{"type":"typing"}`)), protocol.ErrUnknownType)
	assert.ErrorIs(t, alice.HandleFrame(t.Context(), []byte(`{"type":"history"}`)), protocol.ErrInvalid)
	assert.Empty(t, conn.envelopes(t))

	require.NoError(t, alice.HandleFrame(t.Context(), []byte(`{"type":"history","with":"bob"}`)))
	assert.Len(t, conn.ofType(t, protocol.TypeHistory), 1)
}

func TestHistory_OrderingAndBound(t *testing.T) {
	h := newHarness(t, Options{})
	for i := 1; i <= 60; i++ {
		from, to := "alice", "bob"
		if i%2 == 0 {
			from, to = to, from
		}
		require.NoError(t, h.log.Append(t.Context(), &store.Message{From: from, To: to, Text: fmt.Sprintf("M%d", i), Timestamp: int64(i)}))
	}
	require.NoError(t, h.log.Append(t.Context(), &store.Message{From: "alice", To: "carol", Text: "other", Timestamp: 61}))

	alice, conn := h.open(t, "alice")
	conn.reset()
	require.NoError(t, alice.HandleFrame(t.Context(), []byte(`{"type":"history","with":"bob"}`)))

	hist := conn.ofType(t, protocol.TypeHistory)
	require.Len(t, hist, 1)
	assert.Equal(t, "bob", hist[0].With)
	require.Len(t, hist[0].Messages, 50)
	for i, rec := range hist[0].Messages {
		assert.Equal(t, fmt.Sprintf("M%d", i+11), rec.Text)
	}
}

func TestHistory_SymmetricAndConfigurableLimit(t *testing.T) {
	h := newHarness(t, Options{HistoryLimit: 2})
	for i := 1; i <= 3; i++ {
		require.NoError(t, h.log.Append(t.Context(), &store.Message{From: "alice", To: "bob", Text: fmt.Sprintf("M%d", i), Timestamp: int64(i)}))
	}

	alice, aliceConn := h.open(t, "alice")
	bob, bobConn := h.open(t, "bob")
	require.NoError(t, alice.HandleFrame(t.Context(), []byte(`{"type":"history","with":"bob"}`)))
	require.NoError(t, bob.HandleFrame(t.Context(), []byte(`{"type":"history","with":"alice"}`)))

	a := aliceConn.ofType(t, protocol.TypeHistory)[0]
	b := bobConn.ofType(t, protocol.TypeHistory)[0]
	assert.Equal(t, a.Messages, b.Messages)
	require.Len(t, a.Messages, 2)
	assert.Equal(t, "M2", a.Messages[0].Text)
}

func TestHistory_EmptyEncodesArray(t *testing.T) {
	h := newHarness(t, Options{})
	alice, conn := h.open(t, "alice")
	conn.reset()

	require.NoError(t, alice.HandleFrame(t.Context(), []byte(`{"type":"history","with":"nobody"}`)))

	conn.mu.Lock()
	raw := conn.frames[0]
	conn.mu.Unlock()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, []any{}, decoded["messages"])
}

func TestClose_IdempotentAndTerminal(t *testing.T) {
	h := newHarness(t, Options{})
	alice, _ := h.open(t, "alice")
	_, bobConn := h.open(t, "bob")
	bobConn.reset()

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())
	assert.Equal(t, StateClosed, alice.State())

	assert.Len(t, bobConn.ofType(t, protocol.TypePresence), 1)
	assert.ErrorIs(t, alice.HandleFrame(t.Context(), []byte(`{"type":"msg","to":"bob","text":"late"}`)), ErrSessionClosed)
	assert.Empty(t, bobConn.ofType(t, protocol.TypeMessage))
}

func TestSupersededSessionCloseIsSilent(t *testing.T) {
	h := newHarness(t, Options{})
	first, firstConn := h.open(t, "alice")
	_, secondConn := h.open(t, "alice")
	_, bobConn := h.open(t, "bob")
	secondConn.reset()
	bobConn.reset()

	require.NoError(t, first.Close())

	// The newer connection stays registered and nobody hears alice went offline.
	got, ok := h.dir.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, secondConn, got)
	assert.Empty(t, bobConn.ofType(t, protocol.TypePresence))
	assert.False(t, firstConn.isClosed())
}

func TestCloseSuperseded(t *testing.T) {
	h := newHarness(t, Options{CloseSuperseded: true})
	_, firstConn := h.open(t, "alice")
	_, secondConn := h.open(t, "alice")

	assert.True(t, firstConn.isClosed())
	assert.False(t, secondConn.isClosed())
}

func TestRosterOnConnect(t *testing.T) {
	h := newHarness(t, Options{RosterOnConnect: true})
	h.open(t, "bob")
	h.open(t, "carol")
	_, alice := h.open(t, "alice")

	envs := alice.envelopes(t)
	require.Len(t, envs, 4)
	assert.Equal(t, protocol.TypeReady, envs[0].Type)
	assert.Equal(t, "bob", envs[1].User)
	assert.Equal(t, "carol", envs[2].User)
	assert.Equal(t, "alice", envs[3].User)
}

func TestOpen_CancelledContext(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := h.router.Open(ctx, "alice", &fakeConn{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.dir.Count())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
