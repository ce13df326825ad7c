// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package muxtransport implements the session and stream primitives of the
// optional smux fast path negotiated via the `smux` capability on the
// control-wire register frame: an smux session over a dedicated TCP
// connection, and per-request streams opened with a JSON preface. The
// session is established by both ends, but request bytes are not routed
// over it; they still travel as base64-encoded `data` control frames.
// Grounded on the teacher's
// dataplane.Client/dataplane.Manager (which runs the same smux session
// over a websocket instead of a second TCP dial) and the preface +
// PipeStreams shape from dataplane/tcp.go and dataplane/bridge.go.
package muxtransport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/xtaci/smux"
)

// Preface is written as one JSON line at the start of every stream,
// letting the receiving side route bytes to the right RequestSession
// without needing a side channel (mirrors dataplane/tcp.go's
// encodePreface, generalized from {dst,proto} to Bifrost's identifiers).
type Preface struct {
	RequestID string `json:"requestId"`
	TunnelID  string `json:"tunnelId"`
}

// DefaultConfig mirrors the keepalive tuning the teacher applies to
// smux.DefaultConfig() rather than using the library defaults untouched.
func DefaultConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	cfg.KeepAliveInterval = 10 * time.Second
	cfg.KeepAliveTimeout = 30 * time.Second
	return cfg
}

// NewClientSession wraps a dialed TCP connection as the backend agent's
// side of the mux session (spec SPEC_FULL §3 domain stack: xtaci/smux).
func NewClientSession(conn net.Conn) (*smux.Session, error) {
	sess, err := smux.Client(conn, DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("muxtransport: smux client: %w", err)
	}
	return sess, nil
}

// NewServerSession wraps the server's accepted counterpart connection.
func NewServerSession(conn net.Conn) (*smux.Session, error) {
	sess, err := smux.Server(conn, DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("muxtransport: smux server: %w", err)
	}
	return sess, nil
}

// EncodePreface serializes p as a single JSON line.
func EncodePreface(p Preface) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ReadPreface reads the leading JSON line from a freshly opened stream.
func ReadPreface(r *bufio.Reader) (Preface, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return Preface{}, fmt.Errorf("muxtransport: read preface: %w", err)
	}
	var p Preface
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		return Preface{}, fmt.Errorf("muxtransport: decode preface: %w", err)
	}
	return p, nil
}

// OpenRequestStream opens a new stream on sess, writes its preface, and
// returns it ready for bidirectional use.
func OpenRequestStream(sess *smux.Session, requestID, tunnelID string) (net.Conn, error) {
	stream, err := sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("muxtransport: open stream: %w", err)
	}
	b, err := EncodePreface(Preface{RequestID: requestID, TunnelID: tunnelID})
	if err != nil {
		stream.Close()
		return nil, err
	}
	if _, err := stream.Write(b); err != nil {
		stream.Close()
		return nil, fmt.Errorf("muxtransport: write preface: %w", err)
	}
	return stream, nil
}

// SafeClose closes c, discarding the error; used from defers where the
// close failure carries no actionable information.
func SafeClose(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// PipeStreams copies bytes in both directions between a and b until
// either side closes, then closes both. Grounded directly on
// dataplane/bridge.go's PipeStreams.
func PipeStreams(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	cp := func(dst io.Writer, src io.Reader) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	SafeClose(a)
	SafeClose(b)
	<-done
}
