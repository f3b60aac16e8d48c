package session

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn records writes and closes; failWrites makes WriteJSON error.
type fakeConn struct {
	mu         sync.Mutex
	writes     []any
	closed     bool
	closeCode  int
	failWrites bool
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeConn) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func newTestManager(cfg Config) (*Manager, func(time.Duration)) {
	m := NewManager(cfg, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, func(d time.Duration) { now = now.Add(d) }
}

func TestManager_ConnectAssignsUniqueIDs(t *testing.T) {
	m, _ := newTestManager(Config{})
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id, err := m.Connect(&fakeConn{})
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("duplicate session ID %q", id)
		}
		seen[id] = true
	}
	if active, _ := m.Counts(); active != 10 {
		t.Errorf("active = %d, want 10", active)
	}
}

func TestManager_CapacityRejectsWhenNoIdleSessions(t *testing.T) {
	m, _ := newTestManager(Config{MaxConnections: 2})

	if _, err := m.Connect(&fakeConn{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(&fakeConn{}); err != nil {
		t.Fatal(err)
	}

	rejected := &fakeConn{}
	_, err := m.Connect(rejected)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
	if !rejected.closed || rejected.closeCode != CloseCapacity {
		t.Errorf("rejected conn closed=%v code=%d, want closed with %d",
			rejected.closed, rejected.closeCode, CloseCapacity)
	}
	if active, _ := m.Counts(); active != 2 {
		t.Errorf("active = %d, capacity must hold at 2", active)
	}
}

func TestManager_CapacityFreedByHibernatingIdleSessions(t *testing.T) {
	m, advance := newTestManager(Config{MaxConnections: 2, InactiveTimeout: 10 * time.Minute})

	idle := &fakeConn{}
	idleID, err := m.Connect(idle)
	if err != nil {
		t.Fatal(err)
	}
	busyID, err := m.Connect(&fakeConn{})
	if err != nil {
		t.Fatal(err)
	}

	advance(11 * time.Minute)
	m.UpdateActivity(busyID) // keep one session fresh

	newID, err := m.Connect(&fakeConn{})
	if err != nil {
		t.Fatalf("connect at capacity with idle candidate: %v", err)
	}

	if m.IsConnected(idleID) {
		t.Error("idle session should have been hibernated to make room")
	}
	if !idle.closed || idle.closeCode != CloseNormal {
		t.Errorf("idle conn closed=%v code=%d, want clean close", idle.closed, idle.closeCode)
	}
	if !m.IsConnected(busyID) || !m.IsConnected(newID) {
		t.Error("fresh sessions should remain active")
	}
}

func TestManager_DisconnectHibernatesNotRemoves(t *testing.T) {
	m, _ := newTestManager(Config{})
	id, err := m.Connect(&fakeConn{})
	if err != nil {
		t.Fatal(err)
	}

	m.Disconnect(id)

	if m.IsConnected(id) {
		t.Error("disconnected session still active")
	}
	if _, hibernated := m.Counts(); hibernated != 1 {
		t.Errorf("hibernated = %d, want 1", hibernated)
	}
}

func TestManager_SendJSON(t *testing.T) {
	m, _ := newTestManager(Config{})
	conn := &fakeConn{}
	id, err := m.Connect(conn)
	if err != nil {
		t.Fatal(err)
	}

	if !m.SendJSON(id, map[string]string{"type": "pong"}) {
		t.Fatal("send to active session should succeed")
	}
	if conn.writeCount() != 1 {
		t.Errorf("writes = %d, want 1", conn.writeCount())
	}
	if m.SendJSON("no-such-session", "x") {
		t.Error("send to unknown session should report false")
	}
}

func TestManager_SendFailureDemotesSession(t *testing.T) {
	m, _ := newTestManager(Config{})
	conn := &fakeConn{failWrites: true}
	id, err := m.Connect(conn)
	if err != nil {
		t.Fatal(err)
	}

	if m.SendJSON(id, "hello") {
		t.Fatal("send over broken transport should report false")
	}
	if m.IsConnected(id) {
		t.Error("failed session should be hibernated")
	}
	if !conn.closed || conn.closeCode != CloseInternal {
		t.Errorf("conn closed=%v code=%d, want best-effort close %d",
			conn.closed, conn.closeCode, CloseInternal)
	}
}

func TestManager_BroadcastExcludesAndIsolatesFailures(t *testing.T) {
	m, _ := newTestManager(Config{})

	good := &fakeConn{}
	bad := &fakeConn{failWrites: true}
	skip := &fakeConn{}

	goodID, _ := m.Connect(good)
	badID, _ := m.Connect(bad)
	skipID, _ := m.Connect(skip)
	_ = goodID

	m.BroadcastJSON(map[string]string{"type": "notice"}, skipID)

	if good.writeCount() != 1 {
		t.Errorf("good conn writes = %d, want 1", good.writeCount())
	}
	if skip.writeCount() != 0 {
		t.Errorf("excluded conn writes = %d, want 0", skip.writeCount())
	}
	if m.IsConnected(badID) {
		t.Error("failing broadcast target should be hibernated")
	}
}

func TestManager_SweepHibernatesAndPurges(t *testing.T) {
	m, advance := newTestManager(Config{
		InactiveTimeout:      10 * time.Minute,
		HibernationRetention: time.Hour,
	})

	id, err := m.Connect(&fakeConn{})
	if err != nil {
		t.Fatal(err)
	}

	advance(11 * time.Minute)
	if n := m.HibernateInactive(); n != 1 {
		t.Fatalf("hibernated %d sessions, want 1", n)
	}
	if m.IsConnected(id) {
		t.Fatal("session should be hibernated")
	}

	// Not yet past retention.
	advance(30 * time.Minute)
	if n := m.PurgeHibernated(); n != 0 {
		t.Errorf("purged %d sessions before retention, want 0", n)
	}

	advance(31 * time.Minute)
	if n := m.PurgeHibernated(); n != 1 {
		t.Errorf("purged %d sessions after retention, want 1", n)
	}
	if _, hibernated := m.Counts(); hibernated != 0 {
		t.Errorf("hibernated = %d after purge, want 0", hibernated)
	}
}

func TestManager_ActivityDefersHibernation(t *testing.T) {
	m, advance := newTestManager(Config{InactiveTimeout: 10 * time.Minute})

	id, err := m.Connect(&fakeConn{})
	if err != nil {
		t.Fatal(err)
	}

	advance(9 * time.Minute)
	m.UpdateActivity(id)
	advance(9 * time.Minute)

	if n := m.HibernateInactive(); n != 0 {
		t.Errorf("hibernated %d sessions, want 0 — activity was refreshed", n)
	}
	if !m.IsConnected(id) {
		t.Error("refreshed session should stay active")
	}
}
