package session

import (
	"net"
	"testing"
	"time"
)

type mockAddr struct{}

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return "127.0.0.1:0" }

type mockConn struct{}

func (m *mockConn) Read(b []byte) (n int, err error)   { return 0, nil }
func (m *mockConn) Write(b []byte) (n int, err error)  { return len(b), nil }
func (m *mockConn) Close() error                       { return nil }
func (m *mockConn) LocalAddr() net.Addr                { return &mockAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &mockAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func TestManager_Register(t *testing.T) {
	m := NewManager(10)

	s, err := m.Register("conn1", &mockConn{}, 8)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if m.Count() != 1 {
		t.Errorf("Expected 1 session, got %d", m.Count())
	}

	got, exists := m.Get("conn1")
	if !exists {
		t.Fatal("session not found")
	}
	if got != s {
		t.Error("Get returned a different session")
	}
	if got.State() != StateHandshake {
		t.Errorf("expected new session in Handshake, got %s", got.State())
	}
}

func TestManager_RegisterMaxSessions(t *testing.T) {
	m := NewManager(2)

	m.Register("conn1", &mockConn{}, 8)
	m.Register("conn2", &mockConn{}, 8)

	if _, err := m.Register("conn3", &mockConn{}, 8); err != ErrMaxSessionsReached {
		t.Errorf("expected ErrMaxSessionsReached, got %v", err)
	}
}

func TestManager_AuthenticateClosesPriorSessionForDevice(t *testing.T) {
	m := NewManager(10)

	s1, _ := m.Register("conn1", &mockConn{}, 8)
	m.Authenticate(s1, "device-1")

	s2, _ := m.Register("conn2", &mockConn{}, 8)
	m.Authenticate(s2, "device-1")

	if s1.State() != StateClosing {
		t.Errorf("expected prior session closed, state = %s", s1.State())
	}

	current, ok := m.GetByDevice("device-1")
	if !ok || current != s2 {
		t.Error("expected device-1 to map to the newest session")
	}
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(10)

	s, _ := m.Register("conn1", &mockConn{}, 8)
	m.Authenticate(s, "device-1")
	m.Unregister(s)

	if m.Count() != 0 {
		t.Errorf("expected 0 sessions after unregister, got %d", m.Count())
	}
	if _, ok := m.GetByDevice("device-1"); ok {
		t.Error("expected device-1 mapping removed")
	}
}

func TestManager_InactiveSince(t *testing.T) {
	m := NewManager(10)

	s1, _ := m.Register("conn1", &mockConn{}, 8)
	m.Register("conn2", &mockConn{}, 8)

	s1.mu.Lock()
	s1.lastHeardFrom = time.Now().Add(-5 * time.Minute)
	s1.mu.Unlock()

	stale := m.InactiveSince(time.Now().Add(-1 * time.Minute))
	if len(stale) != 1 || stale[0] != "conn1" {
		t.Errorf("expected only conn1 stale, got %v", stale)
	}
}

func TestSession_SendClosesOnFullBuffer(t *testing.T) {
	s := newSession("conn1", &mockConn{}, 0)
	// A zero-capacity channel is always full for a non-blocking send.
	if err := s.Send([]byte("x")); err == nil {
		t.Error("expected Send to fail and close on a full buffer")
	}
	if s.State() != StateClosing {
		t.Errorf("expected session closed after overflow, got %s", s.State())
	}
}
