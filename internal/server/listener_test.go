// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package server

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/fortunnels/client/internal/protocol"
)

// fakeAgent drives the agent side of a control connection for tests: it
// replies to `request` frames with `connect`, then echoes any `data`
// frame it receives back as a `data` frame with the same payload,
// simulating a target that echoes bytes verbatim.
type fakeAgent struct {
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
}

func newFakeAgent(conn net.Conn) *fakeAgent {
	return &fakeAgent{conn: conn, reader: protocol.NewReader(conn), writer: protocol.NewWriter(conn)}
}

func (a *fakeAgent) registerAndRun(apiKey string, done <-chan struct{}) error {
	if err := a.writer.WriteFrame(protocol.Register(apiKey)); err != nil {
		return err
	}
	reply, err := a.reader.ReadFrame()
	if err != nil {
		return err
	}
	if reply.Type != protocol.TypeRegistered {
		return nil
	}
	for {
		select {
		case <-done:
			return nil
		default:
		}
		f, err := a.reader.ReadFrame()
		if err != nil {
			return nil
		}
		switch f.Type {
		case protocol.TypeRequest:
			if err := a.writer.WriteFrame(protocol.Connect(f.RequestID)); err != nil {
				return err
			}
		case protocol.TypeData:
			if err := a.writer.WriteFrame(protocol.Data(f.RequestID, f.Data)); err != nil {
				return err
			}
		case protocol.TypeEnd:
			_ = a.writer.WriteFrame(protocol.End(f.RequestID))
		}
	}
}

func newTestServer(t *testing.T, apiKey, backendID string) (*Registry, net.Conn) {
	t.Helper()
	table := NewRequestTable()
	mgr := NewBackendManager(staticResolver{apiKey: backendID}, table, nil, nil, 0, 0)
	registry := NewRegistry(mgr, table, nil, nil)

	controlServer, controlAgent := net.Pipe()
	go mgr.Accept(controlServer)
	return registry, controlAgent
}

func TestHappyPathEchoThroughTunnel(t *testing.T) {
	registry, controlAgent := newTestServer(t, "key-1", "b1")
	defer controlAgent.Close()

	done := make(chan struct{})
	defer close(done)
	agent := newFakeAgent(controlAgent)
	go agent.registerAndRun("key-1", done)

	// Give the fake agent time to register before creating the tunnel.
	time.Sleep(50 * time.Millisecond)

	m := TunnelMapping{BackendID: "b1", TunnelID: "t1", ServerPort: 0, TargetIP: "127.0.0.1", LocalPort: 8080}
	if err := registry.CreateTunnel(m); err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	defer registry.StopTunnel("b1", "t1")

	port := registry.Status().ActiveTunnels[0].ServerPort
	userConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer userConn.Close()

	msg := []byte("GET /\r\n\r\n")
	if _, err := userConn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, len(msg))
	userConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := netReadFull(userConn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
}

func TestAcceptClosesWhenBackendMissing(t *testing.T) {
	table := NewRequestTable()
	mgr := NewBackendManager(staticResolver{}, table, nil, nil, 0, 0)
	registry := NewRegistry(mgr, table, nil, nil)

	// Create a tunnel for a backend that never connects a control session,
	// so BackendManager.Get fails inside TunnelListener.handle.
	m := TunnelMapping{BackendID: "ghost", TunnelID: "t1", ServerPort: 0, TargetIP: "127.0.0.1", LocalPort: 8080}
	if err := registry.CreateTunnel(m); err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	defer registry.StopTunnel("ghost", "t1")

	port := registry.Status().ActiveTunnels[0].ServerPort
	userConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer userConn.Close()

	userConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := userConn.Read(buf); err == nil {
		t.Error("expected connection to be closed when backend is missing")
	}
}

func TestGracefulClientFINLeavesSessionClosingNotDead(t *testing.T) {
	table := NewRequestTable()
	mgr := NewBackendManager(staticResolver{"key-1": "b1"}, table, nil, nil, 0, 0)
	registry := NewRegistry(mgr, table, nil, nil)

	controlServer, controlAgent := net.Pipe()
	defer controlAgent.Close()
	go mgr.Accept(controlServer)

	w := protocol.NewWriter(controlAgent)
	r := protocol.NewReader(controlAgent)
	if err := w.WriteFrame(protocol.Register("key-1")); err != nil {
		t.Fatalf("write register: %v", err)
	}
	if _, err := r.ReadFrame(); err != nil {
		t.Fatalf("read registered: %v", err)
	}

	requestIDCh := make(chan string, 1)
	endSeen := make(chan struct{})
	go func() {
		for {
			f, err := r.ReadFrame()
			if err != nil {
				return
			}
			switch f.Type {
			case protocol.TypeRequest:
				requestIDCh <- f.RequestID
				_ = w.WriteFrame(protocol.Connect(f.RequestID))
			case protocol.TypeEnd:
				close(endSeen)
			}
		}
	}()

	m := TunnelMapping{BackendID: "b1", TunnelID: "t1", ServerPort: 0, TargetIP: "127.0.0.1", LocalPort: 8080}
	if err := registry.CreateTunnel(m); err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	defer registry.StopTunnel("b1", "t1")

	port := registry.Status().ActiveTunnels[0].ServerPort
	userConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}

	// Half-close the client side, simulating a graceful FIN, without
	// closing the whole socket.
	if tc, ok := userConn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	} else {
		userConn.Close()
	}
	defer userConn.Close()

	var requestID string
	select {
	case requestID = <-requestIDCh:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw a request frame")
	}

	select {
	case <-endSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw an end frame for the client FIN")
	}

	deadline := time.Now().Add(time.Second)
	var rs *RequestSession
	for time.Now().Before(deadline) {
		if found, ok := table.Get(requestID); ok {
			rs = found
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rs == nil {
		t.Fatal("request session was removed from the table on a graceful client FIN")
	}
	if rs.State() != StateClosing {
		t.Errorf("state = %v, want StateClosing", rs.State())
	}
}

func TestStalledRequestStaysPendingWithoutConnect(t *testing.T) {
	table := NewRequestTable()
	mgr := NewBackendManager(staticResolver{"key-1": "b1"}, table, nil, nil, 0, 0)
	registry := NewRegistry(mgr, table, nil, nil)

	controlServer, controlAgent := net.Pipe()
	defer controlAgent.Close()
	go mgr.Accept(controlServer)

	w := protocol.NewWriter(controlAgent)
	r := protocol.NewReader(controlAgent)
	if err := w.WriteFrame(protocol.Register("key-1")); err != nil {
		t.Fatalf("write register: %v", err)
	}
	if _, err := r.ReadFrame(); err != nil {
		t.Fatalf("read registered: %v", err)
	}
	// Never send connect -- simulate a dead/unresponsive agent; just drain
	// frames so the listener's Send calls don't block on net.Pipe.
	go func() {
		for {
			if _, err := r.ReadFrame(); err != nil {
				return
			}
		}
	}()

	m := TunnelMapping{BackendID: "b1", TunnelID: "t1", ServerPort: 0, TargetIP: "127.0.0.1", LocalPort: 8080}
	if err := registry.CreateTunnel(m); err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	defer registry.StopTunnel("b1", "t1")

	port := registry.Status().ActiveTunnels[0].ServerPort
	userConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer userConn.Close()

	if table.Len() == 0 {
		time.Sleep(50 * time.Millisecond)
	}
	if table.Len() != 1 {
		t.Fatalf("table.Len() = %d, want 1 pending session", table.Len())
	}
}
