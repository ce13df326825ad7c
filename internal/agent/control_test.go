// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortunnels/client/internal/agentconfig"
	"github.com/fortunnels/client/internal/protocol"
)

func testConfig(serverHost string, serverPort int) *agentconfig.Config {
	return &agentconfig.Config{
		APIKey:                  "key-1",
		ServerHost:              serverHost,
		ServerPort:              serverPort,
		DialTimeout:             time.Second,
		DialAttempts:            2,
		DialBackoff:             10 * time.Millisecond,
		ReconnectBackoffInitial: 20 * time.Millisecond,
		ReconnectBackoffMax:     40 * time.Millisecond,
		QueueCapacity:           10,
		QueueTTL:                time.Minute,
	}
}

func TestRunExitsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close() // immediately drop, forcing reconnect loop
		}
	}()

	host, _, _ := net.SplitHostPort(ln.Addr().String())
	port := ln.Addr().(*net.TCPAddr).Port

	ctrl := NewControl(testConfig(host, port), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestHandleFrameStartsDialAndTracksSession(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer targetLn.Close()
	accepted := make(chan struct{})
	// Hold the target connection open until the test ends: a target EOF
	// ends runDialer, which removes the session from ctrl.sessions.
	release := make(chan struct{})
	defer close(release)
	go func() {
		c, err := targetLn.Accept()
		if err == nil {
			close(accepted)
			<-release
			c.Close()
		}
	}()

	cfg := testConfig("127.0.0.1", 0)
	ctrl := NewControl(cfg, nil)

	var frames []protocol.Frame
	send := func(f protocol.Frame) error {
		frames = append(frames, f)
		return nil
	}

	localPort := targetLn.Addr().(*net.TCPAddr).Port
	f := protocol.Request("r1", "t1", localPort, "127.0.0.1")
	ctrl.handleFrame(f, send)

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("dialer never connected to target")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ctrl.mu.Lock()
		_, ok := ctrl.sessions["r1"]
		ctrl.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctrl.mu.Lock()
	_, ok := ctrl.sessions["r1"]
	ctrl.mu.Unlock()
	if !ok {
		t.Error("session r1 not tracked after request frame")
	}
}

func TestDestroyAllSessionsClearsMap(t *testing.T) {
	ctrl := NewControl(testConfig("127.0.0.1", 0), nil)
	ctrl.mu.Lock()
	ctrl.sessions["r1"] = newDialSession("r1", "t1", 10, time.Minute)
	ctrl.sessions["r2"] = newDialSession("r2", "t1", 10, time.Minute)
	ctrl.mu.Unlock()

	ctrl.destroyAllSessions()

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.sessions) != 0 {
		t.Errorf("sessions after destroyAllSessions = %d, want 0", len(ctrl.sessions))
	}
}

func TestNextBackoffCapsAtLimit(t *testing.T) {
	got := nextBackoff(30*time.Second, 40*time.Second)
	if got != 40*time.Second {
		t.Errorf("nextBackoff = %v, want 40s", got)
	}
	got = nextBackoff(5*time.Second, 40*time.Second)
	if got != 10*time.Second {
		t.Errorf("nextBackoff = %v, want 10s", got)
	}
}
