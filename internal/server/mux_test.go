// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package server

import (
	"net"
	"testing"
	"time"

	"github.com/fortunnels/client/internal/protocol"
)

func TestDecodeMuxPrefaceRejectsMissingAPIKey(t *testing.T) {
	if _, err := decodeMuxPreface("{}\n"); err == nil {
		t.Fatal("want error for preface with no apiKey")
	}
}

func TestDecodeMuxPrefaceRejectsGarbage(t *testing.T) {
	if _, err := decodeMuxPreface("not json\n"); err == nil {
		t.Fatal("want error for malformed preface")
	}
}

func TestDecodeMuxPrefaceAcceptsValidLine(t *testing.T) {
	apiKey, err := decodeMuxPreface(`{"apiKey":"key-1"}` + "\n")
	if err != nil {
		t.Fatalf("decodeMuxPreface: %v", err)
	}
	if apiKey != "key-1" {
		t.Errorf("apiKey = %q, want key-1", apiKey)
	}
}

func TestAcceptMuxConnRejectsUnknownAPIKey(t *testing.T) {
	table := NewRequestTable()
	mgr := NewBackendManager(staticResolver{"key-1": "b1"}, table, nil, nil, 0, 0)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.AcceptMuxConn(serverConn) }()

	if _, err := clientConn.Write([]byte(`{"apiKey":"wrong"}` + "\n")); err != nil {
		t.Fatalf("write preface: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("want error for unknown apiKey")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptMuxConn did not return")
	}
}

func TestAcceptMuxConnRejectsWhenBackendNotLive(t *testing.T) {
	table := NewRequestTable()
	mgr := NewBackendManager(staticResolver{"key-1": "b1"}, table, nil, nil, 0, 0)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.AcceptMuxConn(serverConn) }()

	if _, err := clientConn.Write([]byte(`{"apiKey":"key-1"}` + "\n")); err != nil {
		t.Fatalf("write preface: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("want error: no live control session for backend b1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptMuxConn did not return")
	}
}

func TestAcceptMuxConnAttachesSessionToLiveBackend(t *testing.T) {
	table := NewRequestTable()
	mgr := NewBackendManager(staticResolver{"key-1": "b1"}, table, nil, nil, 0, 0)

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

	muxServer, muxClient := net.Pipe()
	defer muxClient.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.AcceptMuxConn(muxServer) }()

	if _, err := muxClient.Write([]byte(`{"apiKey":"key-1"}` + "\n")); err != nil {
		t.Fatalf("write preface: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("AcceptMuxConn: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptMuxConn did not return")
	}

	session, ok := mgr.Get("b1")
	if !ok {
		t.Fatal("backend session missing")
	}
	session.mu.Lock()
	attached := session.muxSession != nil
	session.mu.Unlock()
	if !attached {
		t.Error("mux session was not attached to the live backend session")
	}
}
