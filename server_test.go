package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-io/mqttsuite/packet"
)

func TestNewServer(t *testing.T) {
	ctx := context.Background()
	server, err := NewServer(ctx)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	if server.activeConn == nil {
		t.Fatal("server.activeConn should not be nil")
	}
	if server.listeners == nil {
		t.Fatal("server.listeners should not be nil")
	}
	if server.Broker() == nil {
		t.Fatal("server.Broker() should not be nil")
	}
}

func TestServerShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server, err := NewServer(ctx)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	// This should not block indefinitely
	done := make(chan bool)
	go func() {
		server.Shutdown(context.Background())
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown should complete within 2 seconds")
	}
}

func TestServerNewConn(t *testing.T) {
	server, err := NewServer(context.Background())
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	mockConn := &mockConn{}
	c := server.newConn(mockConn)
	if c == nil {
		t.Fatal("newConn() should return a non-nil connection")
	}
	if c.server != server {
		t.Error("connection should reference the server")
	}
	if c.rwc != mockConn {
		t.Error("connection should use the provided net.Conn")
	}
	if c.connected {
		t.Error("connection must not start in the connected state")
	}
}

func TestServerTrackConn(t *testing.T) {
	server, err := NewServer(context.Background())
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	c := server.newConn(&mockConn{})

	server.trackConn(c, true)
	if len(server.activeConn) != 1 {
		t.Error("connection should be tracked")
	}

	server.trackConn(c, false)
	if len(server.activeConn) != 0 {
		t.Error("connection should be removed from tracking")
	}
}

func TestServerShuttingDown(t *testing.T) {
	server, err := NewServer(context.Background())
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	if server.shuttingDown() {
		t.Error("server should not be shutting down initially")
	}

	server.inShutdown.Store(true)
	if !server.shuttingDown() {
		t.Error("server should be shutting down after setting flag")
	}
	if err := server.ListenAndServe(); err != ErrServerClosed {
		t.Errorf("ListenAndServe() after shutdown = %v, want ErrServerClosed", err)
	}
}

func TestConnStatePacking(t *testing.T) {
	server, err := NewServer(context.Background())
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	c := server.newConn(&mockConn{})

	before := time.Now().Unix()
	c.setState(c.rwc, StateActive, false)
	state, unixSec := c.getState()
	if state != StateActive {
		t.Errorf("state = %d, want StateActive", state)
	}
	if unixSec < before || unixSec > time.Now().Unix() {
		t.Errorf("unixSec = %d out of range", unixSec)
	}
	server.trackConn(c, false)
}

// Mock implementations for testing
type mockConn struct {
	closed bool
}

func (m *mockConn) Read(b []byte) (n int, err error)   { return 0, nil }
func (m *mockConn) Write(b []byte) (n int, err error)  { return len(b), nil }
func (m *mockConn) Close() error                       { m.closed = true; return nil }
func (m *mockConn) LocalAddr() net.Addr                { return &mockAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &mockAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

type mockAddr struct{}

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return "127.0.0.1:1883" }

type mockHandler struct{}

func (m *mockHandler) ServeMQTT(rw ResponseWriter, r packet.Packet) {}

func TestServerHandlerInterface(t *testing.T) {
	server, err := NewServer(context.Background())
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	customHandler := &mockHandler{}
	server.Handler = customHandler
	if server.Handler != customHandler {
		t.Error("server should use custom handler")
	}
}
