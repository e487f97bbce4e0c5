package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Sameersah/talknshop/internal/domain"
)

type fakeConn struct {
	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closes     int
	code       websocket.StatusCode
	reason     string
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, append([]byte(nil), p...))
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeConn) setFailWrites(v bool) {
	f.mu.Lock()
	f.failWrites = v
	f.mu.Unlock()
}

func (f *fakeConn) closed() (int, websocket.StatusCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes, f.code, f.reason
}

func (f *fakeConn) envelopes(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("invalid frame %s: %v", frame, err)
		}
		out = append(out, env)
	}
	return out
}

// fakeClock is advanced by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *fakeClock) {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	m := NewManager(cfg, nil)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return m, clock
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestManagerConnectSendsConnected(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	conn := &fakeConn{}

	if err := m.Connect(conn, "sess_1", "user-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	envs := conn.envelopes(t)
	if len(envs) != 1 || envs[0].Type != EventConnected {
		t.Fatalf("expected one connected event, got %+v", envs)
	}
	data := envs[0].Data.(map[string]any)
	if data["session_id"] != "sess_1" || data["message"] != connectedMessage {
		t.Errorf("unexpected connected payload %v", data)
	}
	if envs[0].SessionID != "sess_1" || envs[0].Timestamp != "2026-01-01T12:00:00Z" {
		t.Errorf("unexpected envelope %+v", envs[0])
	}
	if !m.IsConnected("sess_1") || m.Count() != 1 {
		t.Errorf("expected sess_1 to be connected")
	}
}

func TestManagerConnectionLimit(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{MaxConnections: 1})
	if err := m.Connect(&fakeConn{}, "sess_1", "user-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rejected := &fakeConn{}
	err := m.Connect(rejected, "sess_2", "user-2")
	if !errors.Is(err, ErrConnectionLimit) {
		t.Fatalf("expected ErrConnectionLimit, got %v", err)
	}
	closes, code, reason := rejected.closed()
	if closes != 1 || code != websocket.StatusPolicyViolation || reason != "Connection limit reached" {
		t.Errorf("expected 1008 close, got %d %v %q", closes, code, reason)
	}
	if m.Count() != 1 || m.IsConnected("sess_2") {
		t.Errorf("rejected connection must not be registered")
	}
}

func TestManagerReplacesSessionConnection(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{MaxConnections: 1})
	first := &fakeConn{}
	second := &fakeConn{}

	if err := m.Connect(first, "sess_1", "user-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Connect(second, "sess_1", "user-1"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	if closes, _, reason := first.closed(); closes != 1 || reason != "session replaced" {
		t.Errorf("expected old connection closed as replaced, got %d %q", closes, reason)
	}
	if err := m.Send(context.Background(), "sess_1", EventProgress, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := len(second.envelopes(t)); n != 2 {
		t.Errorf("expected events on the new connection, got %d", n)
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 connection, got %d", m.Count())
	}
}

func TestManagerSendFailureDisconnects(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	conn := &fakeConn{}
	if err := m.Connect(conn, "sess_1", "user-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.setFailWrites(true)
	err := m.Send(context.Background(), "sess_1", EventProgress, map[string]any{"step": "parse_input"})
	if !errors.Is(err, domain.ErrChannel) {
		t.Fatalf("expected ErrChannel, got %v", err)
	}
	if m.IsConnected("sess_1") {
		t.Error("expected session to be disconnected after a failed send")
	}
	if closes, _, _ := conn.closed(); closes != 1 {
		t.Errorf("expected connection to be closed once, got %d", closes)
	}

	// Nothing is retried on the stale channel.
	if err := m.Send(context.Background(), "sess_1", EventProgress, nil); !errors.Is(err, domain.ErrChannel) {
		t.Errorf("expected ErrChannel for disconnected session, got %v", err)
	}
}

func TestManagerDisconnectIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	conn := &fakeConn{}
	if err := m.Connect(conn, "sess_1", "user-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	m.Disconnect("sess_1", "Client disconnected")
	m.Disconnect("sess_1", "Client disconnected")
	m.Disconnect("missing", "Client disconnected")

	if closes, code, _ := conn.closed(); closes != 1 || code != websocket.StatusNormalClosure {
		t.Errorf("expected a single normal close, got %d %v", closes, code)
	}
	if m.Count() != 0 {
		t.Errorf("expected no connections, got %d", m.Count())
	}
}

func TestManagerReleaseIgnoresReplacedConnection(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	first := &fakeConn{}
	second := &fakeConn{}
	_ = m.Connect(first, "sess_1", "user-1")
	_ = m.Connect(second, "sess_1", "user-1")

	// The first socket's read loop ending must not drop the new connection.
	m.release("sess_1", first, "Client disconnected")
	if !m.IsConnected("sess_1") {
		t.Fatal("expected replacement connection to stay registered")
	}

	m.release("sess_1", second, "Client disconnected")
	if m.IsConnected("sess_1") {
		t.Fatal("expected session to be released")
	}
}

func TestManagerSweepEvictsOverdueHeartbeat(t *testing.T) {
	m, clock := newTestManager(t, ManagerConfig{HeartbeatInterval: 10 * time.Second})
	silent := &fakeConn{}
	alive := &fakeConn{}
	_ = m.Connect(silent, "sess_silent", "user-1")
	_ = m.Connect(alive, "sess_alive", "user-1")

	evicted := m.get("sess_silent")
	kept := m.get("sess_alive")

	clock.Advance(15 * time.Second)
	m.Pong("sess_alive")
	m.Touch("sess_alive")
	clock.Advance(10 * time.Second)

	if n := m.Sweep(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	select {
	case <-evicted.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected heartbeat of evicted connection to stop")
	}
	select {
	case <-kept.stopped:
		t.Error("expected heartbeat of live connection to keep running")
	default:
	}
	if m.IsConnected("sess_silent") {
		t.Error("expected silent connection to be evicted")
	}
	if !m.IsConnected("sess_alive") {
		t.Error("expected live connection to be kept")
	}
	if closes, code, reason := silent.closed(); closes != 1 || code != websocket.StatusGoingAway || reason != "Stale connection" {
		t.Errorf("unexpected close %d %v %q", closes, code, reason)
	}
}

func TestManagerSweepEvictsIdleConnection(t *testing.T) {
	m, clock := newTestManager(t, ManagerConfig{
		HeartbeatInterval: 10 * time.Second,
		StaleTimeout:      30 * time.Second,
	})
	conn := &fakeConn{}
	_ = m.Connect(conn, "sess_1", "user-1")

	// Heartbeats keep arriving but nothing else happens.
	for range 3 {
		clock.Advance(10 * time.Second)
		m.Pong("sess_1")
		if n := m.Sweep(); n != 0 {
			t.Fatalf("evicted before the stale timeout")
		}
	}
	clock.Advance(10 * time.Second)
	m.Pong("sess_1")
	if n := m.Sweep(); n != 1 {
		t.Fatalf("expected idle connection to be evicted, got %d", n)
	}
	if m.IsConnected("sess_1") {
		t.Error("expected idle connection to be gone")
	}
}

func TestManagerHeartbeatSendsPing(t *testing.T) {
	m := NewManager(ManagerConfig{HeartbeatInterval: 20 * time.Millisecond}, nil)
	defer func() { _ = m.Shutdown(context.Background()) }()
	conn := &fakeConn{}
	_ = m.Connect(conn, "sess_1", "user-1")

	waitFor(t, func() bool {
		for _, env := range conn.envelopes(t) {
			if env.Type == EventPing {
				return true
			}
		}
		return false
	})

	info, ok := m.Info("sess_1")
	if !ok || info.Messages < 2 {
		t.Errorf("expected message counter to include pings, got %+v", info)
	}
}

func TestManagerHeartbeatFailureDisconnects(t *testing.T) {
	m := NewManager(ManagerConfig{HeartbeatInterval: 20 * time.Millisecond}, nil)
	defer func() { _ = m.Shutdown(context.Background()) }()
	conn := &fakeConn{}
	_ = m.Connect(conn, "sess_1", "user-1")

	conn.setFailWrites(true)
	waitFor(t, func() bool { return !m.IsConnected("sess_1") })
}

func TestManagerBroadcastToUser(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	_ = m.Connect(a, "sess_a", "user-1")
	_ = m.Connect(b, "sess_b", "user-1")
	_ = m.Connect(other, "sess_c", "user-2")

	if n := m.BroadcastToUser(context.Background(), "user-1", EventProgress, map[string]any{"step": "x"}); n != 2 {
		t.Fatalf("expected 2 sends, got %d", n)
	}
	if len(other.envelopes(t)) != 1 {
		t.Error("other user must not receive the broadcast")
	}
	if got := m.UserSessions("user-1"); len(got) != 2 || got[0] != "sess_a" || got[1] != "sess_b" {
		t.Errorf("unexpected user sessions %v", got)
	}
}

func TestManagerSnapshotAndShutdown(t *testing.T) {
	m := NewManager(ManagerConfig{HeartbeatInterval: time.Hour}, nil)
	m.Start(context.Background())
	conns := map[string]*fakeConn{"sess_b": {}, "sess_a": {}}
	for sid, c := range conns {
		if err := m.Connect(c, sid, "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}

	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].SessionID != "sess_a" || snap[1].SessionID != "sess_b" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap[0].Messages != 1 {
		t.Errorf("expected the connected event to be counted, got %d", snap[0].Messages)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("expected no connections after shutdown, got %d", m.Count())
	}
	for sid, c := range conns {
		if closes, code, _ := c.closed(); closes != 1 || code != websocket.StatusGoingAway {
			t.Errorf("%s: expected going-away close, got %d %v", sid, closes, code)
		}
	}
}
