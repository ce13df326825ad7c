// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fortunnels/client/internal/metrics"
	"github.com/fortunnels/client/internal/protocol"
	"github.com/fortunnels/client/internal/security"
	"github.com/fortunnels/client/internal/support"
)

// dialSession is the agent-side counterpart of BackendSideConn (spec §3):
// one in-flight or established target connection for a single requestId.
// It is exclusively owned by the Control loop generation that created it;
// a reconnect destroys every dialSession outright rather than trying to
// migrate it (spec §4.F "all local BackendSideConns MUST be destroyed").
type dialSession struct {
	requestID string
	tunnelID  string

	mu           sync.Mutex
	conn         net.Conn
	connected    bool
	queue        *PacketQueue
	closed       bool
	lastActivity time.Time
}

func newDialSession(requestID, tunnelID string, queueCapacity int, queueTTL time.Duration) *dialSession {
	return &dialSession{
		requestID:    requestID,
		tunnelID:     tunnelID,
		queue:        NewPacketQueue(queueCapacity, queueTTL),
		lastActivity: time.Now(),
	}
}

// enqueueOrWrite buffers payload if the dial hasn't completed yet,
// otherwise writes it straight through (spec §4.G "On data from server").
func (d *dialSession) enqueueOrWrite(payload []byte) error {
	d.mu.Lock()
	conn := d.conn
	connected := d.connected
	d.lastActivity = time.Now()
	d.mu.Unlock()

	if !connected {
		d.queue.Push(payload)
		return nil
	}
	_, err := conn.Write(payload)
	return err
}

func (d *dialSession) markConnected(conn net.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.connected = true
	d.lastActivity = time.Now()
	d.mu.Unlock()
}

// connState returns the current target connection and whether the dial
// has completed, for callers (e.g. Control.endSession) that need to act
// on it without holding the session's own lock.
func (d *dialSession) connState() (net.Conn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn, d.connected
}

// touch records activity on this session (spec §3 BackendSideConn.lastActivity:
// updated on every frame in either direction for this requestId).
func (d *dialSession) touch() {
	d.mu.Lock()
	d.lastActivity = time.Now()
	d.mu.Unlock()
}

// idleFor reports how long this session has gone without activity, used by
// the control loop's heartbeat sweep.
func (d *dialSession) idleFor() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.lastActivity)
}

func (d *dialSession) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// dialerConfig bundles the retry/backoff policy spec §4.G specifies for
// the per-request target dial.
type dialerConfig struct {
	attempts  int
	timeout   time.Duration
	backoff   time.Duration
	keepAlive time.Duration
}

// runDialer performs the target dial with retries, then on success sends
// `connect`, drains any packets queued while dialing, and pumps
// target->server bytes as `data` frames until the target or control
// connection closes (spec §4.G steps 1-4 and "On data from target").
func runDialer(session *dialSession, targetIP string, localPort int, cfg dialerConfig, send func(protocol.Frame) error, cipher *security.PayloadCipher) {
	addr := net.JoinHostPort(targetIP, strconv.Itoa(localPort))

	conn, err := dialWithRetry(addr, cfg)
	if err != nil {
		metrics.DialAttemptsTotal.WithLabelValues("failed").Inc()
		_ = send(protocol.ErrorFrame(session.requestID, err.Error()))
		return
	}
	metrics.DialAttemptsTotal.WithLabelValues("succeeded").Inc()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(cfg.keepAlive)
	}

	session.markConnected(conn)
	if err := send(protocol.Connect(session.requestID)); err != nil {
		session.close()
		return
	}

	for _, payload := range session.queue.Drain() {
		if _, err := conn.Write(payload); err != nil {
			session.close()
			return
		}
	}

	pumpTarget(session, conn, send, cipher)
}

// dialWithRetry implements spec §4.G step 2: up to cfg.attempts dials,
// each bounded by cfg.timeout, with cfg.backoff between attempts and
// abortive cleanup of the failed socket.
func dialWithRetry(addr string, cfg dialerConfig) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, cfg.timeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < cfg.attempts {
			time.Sleep(cfg.backoff)
		}
	}
	return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
}

// pumpTarget reads from the dialed target and forwards bytes upstream as
// `data` frames, sending `end` on a graceful close.
func pumpTarget(session *dialSession, conn net.Conn, send func(protocol.Frame) error, cipher *security.PayloadCipher) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			session.touch()
			payload := append([]byte(nil), buf[:n]...)
			if cipher != nil {
				sealed, sealErr := cipher.Seal(session.tunnelID, payload)
				if sealErr != nil {
					log.Printf("bifrost agent: encrypt payload for request %s: %v", session.requestID, sealErr)
					break
				}
				payload = sealed
			}
			if sendErr := send(protocol.Data(session.requestID, protocol.EncodePayload(payload))); sendErr != nil {
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = send(protocol.End(session.requestID))
			} else if !support.IsBenignCopyError(err) {
				_ = send(protocol.ErrorFrame(session.requestID, err.Error()))
			}
			break
		}
	}
	session.close()
}
