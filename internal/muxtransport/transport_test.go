// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package muxtransport

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestPrefaceRoundTrip(t *testing.T) {
	b, err := EncodePreface(Preface{RequestID: "r1", TunnelID: "t1"})
	if err != nil {
		t.Fatalf("EncodePreface: %v", err)
	}
	got, err := ReadPreface(bufio.NewReader(bytes.NewReader(b)))
	if err != nil {
		t.Fatalf("ReadPreface: %v", err)
	}
	if got.RequestID != "r1" || got.TunnelID != "t1" {
		t.Errorf("got %+v, want {r1 t1}", got)
	}
}

func TestClientServerSessionStreamsPreface(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverSess, err := NewServerSession(serverConn)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	defer serverSess.Close()

	clientSess, err := NewClientSession(clientConn)
	if err != nil {
		t.Fatalf("NewClientSession: %v", err)
	}
	defer clientSess.Close()

	acceptErr := make(chan error, 1)
	var accepted net.Conn
	go func() {
		s, err := serverSess.AcceptStream()
		accepted = s
		acceptErr <- err
	}()

	stream, err := OpenRequestStream(clientSess, "r1", "t1")
	if err != nil {
		t.Fatalf("OpenRequestStream: %v", err)
	}
	defer stream.Close()

	if err := <-acceptErr; err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	defer accepted.Close()

	pr := bufio.NewReader(accepted)
	got, err := ReadPreface(pr)
	if err != nil {
		t.Fatalf("ReadPreface: %v", err)
	}
	if got.RequestID != "r1" || got.TunnelID != "t1" {
		t.Errorf("got %+v, want {r1 t1}", got)
	}

	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	_ = accepted.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(pr, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("payload = %q, want hello", buf)
	}
}

func TestPipeStreamsClosesBothSidesOnEOF(t *testing.T) {
	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()

	done := make(chan struct{})
	go func() {
		PipeStreams(aServer, bServer)
		close(done)
	}()

	go func() {
		buf := make([]byte, 16)
		n, _ := bClient.Read(buf)
		_ = n
		bClient.Close()
	}()

	aClient.Write([]byte("x"))
	aClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PipeStreams did not return after both sides closed")
	}
}
