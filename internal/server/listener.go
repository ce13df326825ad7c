// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package server

import (
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/fortunnels/client/internal/protocol"
	"github.com/fortunnels/client/internal/security"
	"github.com/fortunnels/client/internal/support"
)

// connectDeadline bounds how long a Pending RequestSession waits for the
// agent's connect frame before being abortively closed.
//
// Open question resolved (spec §4.C, §9): the source re-sends `request` on
// a timer without canceling on `connect`, producing duplicate frames for
// one requestId. This implementation takes option (b): no retransmission
// at all. A single `request` frame is sent once; if no `connect` arrives
// within connectDeadline the session is torn down. This is simpler than
// canceling a retry timer on first data/connect (option (a)) and is
// sufficient because the agent dialer (§4.G) already retries its own
// target dial internally before giving up.
const connectDeadline = 20 * time.Second

// requestIDBytes is the width of a requestId before hex-encoding (spec §3:
// "128-bit random hex").
const requestIDBytes = 16

// TunnelListener is one instance of spec §4.C: a public TCP listener bound
// to a single TunnelMapping's serverPort, forwarding each accepted
// connection through the mapping's backend.
type TunnelListener struct {
	TunnelID   string
	BackendID  string
	ServerPort int
	LocalPort  int
	TargetIP   string

	ln       net.Listener
	backends *BackendManager
	table    *RequestTable
	events   Events
	cipher   *security.PayloadCipher

	closeCh chan struct{}
}

// ListenTunnel binds the listener's socket. Binding is separated from
// Serve so Registry.CreateTunnel can detect a bind failure (PortInUse or
// an OS-level error) before handing control to the accept loop.
func ListenTunnel(serverPort int, tunnelID, backendID string, localPort int, targetIP string, backends *BackendManager, table *RequestTable, events Events, cipher *security.PayloadCipher) (*TunnelListener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(serverPort)))
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = NopEvents{}
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port
	return &TunnelListener{
		TunnelID:   tunnelID,
		BackendID:  backendID,
		ServerPort: boundPort,
		LocalPort:  localPort,
		TargetIP:   targetIP,
		ln:         ln,
		backends:   backends,
		table:      table,
		events:     events,
		cipher:     cipher,
		closeCh:    make(chan struct{}),
	}, nil
}

// Addr returns the bound listener's address.
func (l *TunnelListener) Addr() net.Addr { return l.ln.Addr() }

// Serve runs the accept loop until Close is called (spec §4.C).
func (l *TunnelListener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
				log.Printf("bifrost server: tunnel %s accept error: %v", l.TunnelID, err)
				return
			}
		}
		go l.handle(conn)
	}
}

// Close stops accepting new connections. In-flight RequestSessions are
// torn down separately by Registry.StopTunnel, which owns that sweep
// (spec §4.E stopTunnel).
func (l *TunnelListener) Close() error {
	close(l.closeCh)
	return l.ln.Close()
}

func (l *TunnelListener) handle(conn net.Conn) {
	protocol.SetNoDelay(conn)

	requestID, err := support.RandomHexID(requestIDBytes)
	if err != nil {
		log.Printf("bifrost server: generate requestId: %v", err)
		_ = conn.Close()
		return
	}

	backend, ok := l.backends.Get(l.BackendID)
	if !ok {
		_ = conn.Close()
		return
	}

	rs := NewRequestSession(requestID, l.BackendID, l.TunnelID, conn)
	l.table.Add(rs)

	if err := backend.Send(protocol.Request(requestID, l.TunnelID, l.LocalPort, l.TargetIP)); err != nil {
		rs.MarkDead()
		l.table.Remove(requestID)
		return
	}

	go l.watchConnectDeadline(rs)
	l.pumpUserConn(rs, backend)
}

// watchConnectDeadline implements the chosen redesign (see connectDeadline
// doc comment): if the session is still Pending after connectDeadline,
// abortively tear it down rather than retransmitting `request`.
func (l *TunnelListener) watchConnectDeadline(rs *RequestSession) {
	t := time.NewTimer(connectDeadline)
	defer t.Stop()
	select {
	case <-t.C:
		if rs.State() == StatePending {
			rs.MarkDead()
			l.table.Remove(rs.RequestID)
			l.events.RequestClosed(rs.RequestID, rs.BackendID)
		}
	case <-l.closeCh:
	}
}

// pumpUserConn reads from the accepted client socket and forwards bytes as
// `data` frames. A graceful client FIN only half-closes: it tells the agent
// via `end` and leaves the session Closing (spec §4.C step 5), the same way
// dispatch's TypeEnd case and the agent's endSession half-close their own
// side rather than destroying the session outright. The session only
// becomes Dead -- removed from the table and reported closed -- on an
// actual transport failure, an agent `error` frame, or IdleSweeper reaping
// it. An agent `end` frame after the client FIN only half-closes the user
// socket; it does not remove the session, so a session closed from both
// sides stays Closing in the table until IdleSweeper reaps it.
func (l *TunnelListener) pumpUserConn(rs *RequestSession, backend *BackendSession) {
	buf := make([]byte, 32*1024)
	for {
		n, err := rs.Conn().Read(buf)
		if n > 0 {
			rs.Touch()
			payload := buf[:n]
			if l.cipher != nil {
				sealed, sealErr := l.cipher.Seal(rs.TunnelID, payload)
				if sealErr != nil {
					log.Printf("bifrost server: encrypt payload for request %s: %v", rs.RequestID, sealErr)
					l.killRequest(rs)
					return
				}
				payload = sealed
			}
			if sendErr := backend.Send(protocol.Data(rs.RequestID, protocol.EncodePayload(payload))); sendErr != nil {
				l.killRequest(rs)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Graceful client FIN: tell the agent so it can half-close
				// its own target socket (spec §4.C step 5 / §4.B dispatch),
				// then stop reading but leave rs alive so backend data
				// frames still reach the client until an agent `error`
				// frame or the idle sweeper removes this request.
				_ = backend.Send(protocol.End(rs.RequestID))
				rs.MarkClosing()
				return
			}
			if !support.IsBenignCopyError(err) {
				log.Printf("bifrost server: read user conn for request %s: %v", rs.RequestID, err)
			}
			l.killRequest(rs)
			return
		}
	}
}

// killRequest tears a RequestSession down outright: mark Dead, drop it from
// the table, and report the closure (spec §4.C step 5 failure path).
func (l *TunnelListener) killRequest(rs *RequestSession) {
	rs.MarkDead()
	l.table.Remove(rs.RequestID)
	l.events.RequestClosed(rs.RequestID, rs.BackendID)
}
