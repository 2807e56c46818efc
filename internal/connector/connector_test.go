package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/testutil"
)

// fakeTransport records frames and can answer rpc-queries through onSend.
type fakeTransport struct {
	kind   Kind
	open   atomic.Bool
	mu     sync.Mutex
	frames [][]byte
	onSend func(frame []byte)
}

func newFake(kind Kind) *fakeTransport {
	f := &fakeTransport{kind: kind}
	f.open.Store(true)
	return f
}

func (f *fakeTransport) Kind() Kind   { return f.kind }
func (f *fakeTransport) IsOpen() bool { return f.open.Load() }
func (f *fakeTransport) Close() error { f.open.Store(false); return nil }
func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, data)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (f *fakeTransport) sent() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, fr := range f.frames {
		var m map[string]any
		_ = json.Unmarshal(fr, &m)
		out = append(out, m)
	}
	return out
}

func queryID(t *testing.T, frame []byte) uint64 {
	t.Helper()
	var q struct {
		Type string `json:"type"`
		ID   uint64 `json:"id"`
	}
	if err := json.Unmarshal(frame, &q); err != nil || q.Type != TypeRPCQuery {
		t.Fatalf("unexpected frame %s", frame)
	}
	return q.ID
}

func TestQuery_NotConnectedIsImmediate(t *testing.T) {
	t.Parallel()
	c := New(WithQueryTimeout(5 * time.Second))

	start := time.Now()
	_, err := c.Query(context.Background(), "getWorldInfo", nil)
	if !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Query() waited %v without a session", elapsed)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
}

func TestQuery_RoundTrip(t *testing.T) {
	t.Parallel()
	c := New()
	ft := newFake(KindDirect)
	s := c.Attach(ft)
	ft.onSend = func(frame []byte) {
		id := queryID(t, frame)
		go c.Deliver(s, []byte(`{"type":"rpc-response","id":`+jsonNumber(id)+`,"data":{"scenes":3}}`))
	}

	res, err := c.Query(context.Background(), "listScenes", map[string]any{"active": true})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if string(res) != `{"scenes":3}` {
		t.Errorf("Query() = %s", res)
	}

	sent := ft.sent()[0]
	data := sent["data"].(map[string]any)
	if data["method"] != "listScenes" {
		t.Errorf("method = %v", data["method"])
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d after response", c.Pending())
	}
}

func TestQuery_IDsAreMonotonic(t *testing.T) {
	t.Parallel()
	c := New()
	ft := newFake(KindDirect)
	s := c.Attach(ft)
	var ids []uint64
	ft.onSend = func(frame []byte) {
		id := queryID(t, frame)
		ids = append(ids, id)
		go c.Deliver(s, []byte(`{"type":"rpc-response","id":`+jsonNumber(id)+`}`))
	}

	for range 3 {
		if _, err := c.Query(context.Background(), "ping", nil); err != nil {
			t.Fatalf("Query() error = %v", err)
		}
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not increasing: %v", ids)
		}
	}
}

func TestQuery_TimeoutRemovesPendingAndIgnoresLateResponse(t *testing.T) {
	t.Parallel()
	c := New(WithQueryTimeout(50 * time.Millisecond))
	ft := newFake(KindPeerChannel)
	s := c.Attach(ft)

	_, err := c.Query(context.Background(), "slow", nil)
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d after timeout, want 0", c.Pending())
	}

	lateID := queryID(t, ft.frames[0])
	c.Deliver(s, []byte(`{"type":"rpc-response","id":`+jsonNumber(lateID)+`,"data":"late"}`))

	// A new query gets a fresh id and is not resolved by the late response.
	ft.onSend = func(frame []byte) {
		id := queryID(t, frame)
		if id == lateID {
			t.Errorf("id %d reused", id)
		}
		go c.Deliver(s, []byte(`{"type":"rpc-response","id":`+jsonNumber(id)+`,"data":"fresh"}`))
	}
	res, err := c.Query(context.Background(), "fast", nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if string(res) != `"fresh"` {
		t.Errorf("Query() = %s, want fresh", res)
	}
}

func TestQuery_ErrorResponse(t *testing.T) {
	t.Parallel()
	c := New()
	ft := newFake(KindDirect)
	s := c.Attach(ft)
	ft.onSend = func(frame []byte) {
		id := queryID(t, frame)
		go c.Deliver(s, []byte(`{"type":"rpc-response","id":`+jsonNumber(id)+`,"error":"scene not found"}`))
	}

	_, err := c.Query(context.Background(), "getScene", nil)
	if !errors.Is(err, apperrors.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestDetach_RejectsPending(t *testing.T) {
	t.Parallel()
	c := New(WithQueryTimeout(5 * time.Second))
	ft := newFake(KindDirect)
	s := c.Attach(ft)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Query(context.Background(), "hang", nil)
		errCh <- err
	}()
	testutil.MustWaitFor(t, func() bool { return c.Pending() == 1 }, testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))

	c.Detach(s)

	select {
	case err := <-errCh:
		if !errors.Is(err, apperrors.ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending query not rejected on detach")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", c.State())
	}
}

func TestAttach_SupersedesPreviousSession(t *testing.T) {
	t.Parallel()
	c := New(WithQueryTimeout(5 * time.Second))
	direct := newFake(KindDirect)
	old := c.Attach(direct)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Query(context.Background(), "hang", nil)
		errCh <- err
	}()
	testutil.MustWaitFor(t, func() bool { return c.Pending() == 1 }, testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))

	channel := newFake(KindPeerChannel)
	current := c.Attach(channel)

	select {
	case err := <-errCh:
		if !errors.Is(err, apperrors.ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending query not rejected on supersede")
	}

	if c.ActiveKind() != KindPeerChannel {
		t.Errorf("active kind = %s", c.ActiveKind())
	}

	if err := c.Broadcast("map-generation-progress", map[string]any{"progress": 10}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if n := len(channel.sent()); n != 1 {
		t.Errorf("new session frames = %d, want 1", n)
	}

	// Replies still go to the session that asked.
	if err := c.Reply(old, "check-status-response", json.RawMessage(`"r1"`), map[string]any{"ok": true}); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	oldFrames := direct.sent()
	if last := oldFrames[len(oldFrames)-1]; last["type"] != "check-status-response" {
		t.Errorf("old session frame = %v", last)
	}

	// Detaching the superseded session leaves the new one in place.
	c.Detach(old)
	if !c.IsConnected() {
		t.Error("expected connector to stay connected")
	}
	c.Detach(current)
	if c.IsConnected() {
		t.Error("expected disconnected")
	}
}

func TestDeliver_RoutesToDispatcher(t *testing.T) {
	t.Parallel()
	c := New()
	ft := newFake(KindDirect)
	s := c.Attach(ft)

	got := make(chan Message, 1)
	c.SetDispatcher(DispatcherFunc(func(_ *Session, msg Message) { got <- msg }))

	c.Deliver(s, []byte(`{"type":"check-map-status-request","requestId":7,"data":{"jobId":"j1"}}`))
	c.Deliver(s, []byte(`not json`))

	select {
	case msg := <-got:
		if msg.Type != "check-map-status-request" || !msg.HasRequestID() {
			t.Errorf("message = %+v", msg)
		}
		var params struct {
			JobID string `json:"jobId"`
		}
		if err := msg.DecodeData(&params); err != nil || params.JobID != "j1" {
			t.Errorf("DecodeData() = %+v, %v", params, err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher not called")
	}
}

func TestReply_SpreadsResultFields(t *testing.T) {
	t.Parallel()
	c := New()
	ft := newFake(KindDirect)
	s := c.Attach(ft)

	if err := c.Reply(s, "generate-map-request-response", json.RawMessage(`"abc"`), map[string]any{"success": true, "jobId": "j1"}); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if err := c.Reply(s, "list-response", json.RawMessage(`1`), []string{"a"}); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}

	frames := ft.sent()
	first := frames[0]
	if first["type"] != "generate-map-request-response" || first["requestId"] != "abc" || first["jobId"] != "j1" || first["success"] != true {
		t.Errorf("reply = %v", first)
	}
	second := frames[1]
	if _, ok := second["data"].([]any); !ok {
		t.Errorf("non-object result should land under data: %v", second)
	}
}

func TestBroadcast_WithoutSession(t *testing.T) {
	t.Parallel()
	c := New()
	if err := c.Broadcast("map-generation-progress", nil); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestState_Transitions(t *testing.T) {
	t.Parallel()
	c := New()
	if c.State() != StateDisconnected {
		t.Fatalf("initial state = %s", c.State())
	}
	c.BeginConnecting()
	if c.State() != StateConnecting {
		t.Errorf("state = %s, want connecting", c.State())
	}
	c.AbortConnecting()
	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", c.State())
	}

	c.BeginConnecting()
	s := c.Attach(newFake(KindPeerChannel))
	if c.State() != StateConnected || !c.IsConnected() {
		t.Errorf("state = %s, want connected", c.State())
	}
	c.BeginConnecting()
	if c.State() != StateConnected {
		t.Error("signaling must not downgrade a connected session")
	}
	c.Detach(s)
	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", c.State())
	}
}

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
