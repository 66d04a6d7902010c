package session

import (
	"net"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/firecore/platform/pkg/config"
)

// fakeAddr lets tests control the string RemoteAddr() reports, since
// mockConn (manager_test.go) always reports the same fixed address.
type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type fakeConn struct {
	mockConn
	remote net.Addr
}

func (c *fakeConn) RemoteAddr() net.Addr { return c.remote }

func newTestServer(t *testing.T, authAttemptsPerMinute int) *Server {
	t.Helper()
	cfg := config.SessionConfig{AuthAttemptsPerMinute: authAttemptsPerMinute}
	return &Server{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		logger:   zap.NewNop(),
	}
}

func TestRemoteHost_StripsPort(t *testing.T) {
	sess := &Session{conn: &fakeConn{remote: fakeAddr("203.0.113.5:54321")}}
	if got := remoteHost(sess); got != "203.0.113.5" {
		t.Errorf("expected port stripped, got %q", got)
	}
}

func TestAllowAuthAttempt_SharesBucketAcrossConnectionsFromSameHost(t *testing.T) {
	s := newTestServer(t, 1)

	connA := &Session{ConnectionID: "conn-a", conn: &fakeConn{remote: fakeAddr("203.0.113.5:11111")}}
	connB := &Session{ConnectionID: "conn-b", conn: &fakeConn{remote: fakeAddr("203.0.113.5:22222")}}

	if !s.allowAuthAttempt(remoteHost(connA)) {
		t.Fatal("expected first attempt from the host to be allowed")
	}
	// A second connection from the same source IP, different ephemeral
	// port and a fresh ConnectionID, must share the exhausted bucket.
	if s.allowAuthAttempt(remoteHost(connB)) {
		t.Error("expected second attempt from the same host to be rate limited")
	}
}

func TestAllowAuthAttempt_IndependentBucketsPerHost(t *testing.T) {
	s := newTestServer(t, 1)

	connA := &Session{ConnectionID: "conn-a", conn: &fakeConn{remote: fakeAddr("203.0.113.5:11111")}}
	connB := &Session{ConnectionID: "conn-b", conn: &fakeConn{remote: fakeAddr("198.51.100.9:11111")}}

	if !s.allowAuthAttempt(remoteHost(connA)) {
		t.Fatal("expected first host's first attempt to be allowed")
	}
	if !s.allowAuthAttempt(remoteHost(connB)) {
		t.Error("expected a different host to get its own bucket")
	}
}
