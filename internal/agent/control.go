// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package agent

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/xtaci/smux"

	"github.com/fortunnels/client/internal/agentconfig"
	"github.com/fortunnels/client/internal/metrics"
	"github.com/fortunnels/client/internal/muxtransport"
	"github.com/fortunnels/client/internal/protocol"
	"github.com/fortunnels/client/internal/security"
)

// Control runs the Backend Agent's persistent control loop (spec §4.F):
// dial, register, read frames, and on disconnect wait and retry. Modeled
// on the teacher's dataplane.Manager reconnect-with-backoff shape, with
// its boolean "reconnecting" guard replaced by the loop's own
// single-goroutine structure -- Run never starts a second dial attempt
// concurrently because it is not re-entered until the previous attempt's
// connection has fully died.
type Control struct {
	cfg    *agentconfig.Config
	cipher *security.PayloadCipher

	mu         sync.Mutex
	sessions   map[string]*dialSession
	muxSession *smux.Session // nil unless the smux dataplane is negotiated and dialed
}

// NewControl builds a control loop from agent configuration. cipher may
// be nil to disable payload encryption.
func NewControl(cfg *agentconfig.Config, cipher *security.PayloadCipher) *Control {
	return &Control{cfg: cfg, cipher: cipher, sessions: make(map[string]*dialSession)}
}

// Run blocks until ctx is canceled, maintaining a control connection and
// reconnecting with exponential backoff on any disconnect (spec §4.F).
// An `unauthorized` reply terminates the process with a nonzero status,
// matching the source's fatal-on-bad-key behavior.
func (c *Control) Run(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoffInitial
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !first {
			metrics.ReconnectsTotal.Inc()
		}
		first = false

		err := c.runOnce(ctx)
		c.destroyAllSessions()
		c.closeMuxDataplane()

		if err == errUnauthorized {
			fmt.Fprintln(os.Stderr, "bifrost agent: server rejected API key, exiting")
			os.Exit(1)
		}
		if err != nil {
			log.Printf("bifrost agent: control connection lost: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.cfg.ReconnectBackoffMax)
	}
}

var errUnauthorized = fmt.Errorf("bifrost agent: unauthorized")

// runOnce dials once, registers, and dispatches frames until the
// connection fails or ctx is canceled.
func (c *Control) runOnce(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.ServerHost, strconv.Itoa(c.cfg.ServerPort))
	conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	defer conn.Close()
	protocol.SetNoDelay(conn)

	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)

	var capabilities []string
	if c.cfg.EnableSmux {
		capabilities = append(capabilities, "smux")
	}
	if err := writer.WriteFrame(protocol.Register(c.cfg.APIKey, capabilities...)); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	reply, err := reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("read register reply: %w", err)
	}
	switch reply.Type {
	case protocol.TypeUnauthorized:
		return errUnauthorized
	case protocol.TypeRegistered:
		log.Printf("bifrost agent: registered as backend %s", reply.BackendID)
	default:
		return fmt.Errorf("unexpected reply to register: %q", reply.Type)
	}

	if len(capabilities) > 0 && c.cfg.ServerMuxPort > 0 {
		if err := c.dialMuxDataplane(); err != nil {
			log.Printf("bifrost agent: smux dataplane unavailable, staying on data frames: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	go c.heartbeatLoop(done)

	send := func(f protocol.Frame) error {
		metrics.FramesTotal.WithLabelValues(f.Type, "outbound").Inc()
		return writer.WriteFrame(f)
	}

	for {
		f, err := reader.ReadFrame()
		if err != nil {
			return err
		}
		c.handleFrame(f, send)
	}
}

// dialMuxDataplane opens the second TCP connection that carries the
// optional smux fast path (SPEC_FULL §3), authenticating it with the same
// API key used on the control connection. Establishing this session lets
// the server open raw streams for bulk request bytes instead of wrapping
// every chunk in a base64 `data` frame; this agent only establishes and
// holds the session open here, it does not yet redirect per-request
// byte pumping onto it -- that remains on the control-frame path to avoid
// a second writer racing pumpTarget's existing reads of the same target
// socket.
func (c *Control) dialMuxDataplane() error {
	addr := net.JoinHostPort(c.cfg.ServerHost, strconv.Itoa(c.cfg.ServerMuxPort))
	conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial mux dataplane: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "{\"apiKey\":%q}\n", c.cfg.APIKey); err != nil {
		conn.Close()
		return fmt.Errorf("send mux preface: %w", err)
	}
	sess, err := muxtransport.NewClientSession(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.muxSession = sess
	c.mu.Unlock()
	log.Printf("bifrost agent: smux dataplane established")
	return nil
}

func (c *Control) handleFrame(f protocol.Frame, send func(protocol.Frame) error) {
	metrics.FramesTotal.WithLabelValues(f.Type, "inbound").Inc()
	switch f.Type {
	case protocol.TypeRequest:
		c.startDial(f, send)
	case protocol.TypeData:
		c.forwardData(f)
	case protocol.TypeEnd:
		c.endSession(f.RequestID)
	case protocol.TypeError:
		c.removeSession(f.RequestID)
	}
}

func (c *Control) startDial(f protocol.Frame, send func(protocol.Frame) error) {
	session := newDialSession(f.RequestID, f.TunnelID, c.cfg.QueueCapacity, c.cfg.QueueTTL)

	c.mu.Lock()
	c.sessions[f.RequestID] = session
	c.mu.Unlock()

	cfg := dialerConfig{
		attempts:  c.cfg.DialAttempts,
		timeout:   c.cfg.DialTimeout,
		backoff:   c.cfg.DialBackoff,
		keepAlive: time.Second,
	}
	go func() {
		runDialer(session, f.TargetIP, f.LocalPort, cfg, send, c.cipher)
		c.removeSession(f.RequestID)
	}()
}

func (c *Control) forwardData(f protocol.Frame) {
	c.mu.Lock()
	session, ok := c.sessions[f.RequestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	payload, err := protocol.DecodePayload(f.Data)
	if err != nil {
		log.Printf("bifrost agent: bad base64 payload for request %s: %v", f.RequestID, err)
		return
	}
	if c.cipher != nil {
		payload, err = c.cipher.Open(session.tunnelID, payload)
		if err != nil {
			log.Printf("bifrost agent: decrypt payload for request %s: %v", f.RequestID, err)
			return
		}
	}
	if err := session.enqueueOrWrite(payload); err != nil {
		c.removeSession(f.RequestID)
	}
}

func (c *Control) endSession(requestID string) {
	c.mu.Lock()
	session, ok := c.sessions[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	conn, connected := session.connState()
	if tc, ok := conn.(interface{ CloseWrite() error }); ok && connected {
		_ = tc.CloseWrite()
		return
	}
	c.removeSession(requestID)
}

func (c *Control) removeSession(requestID string) {
	c.mu.Lock()
	session, ok := c.sessions[requestID]
	delete(c.sessions, requestID)
	c.mu.Unlock()
	if ok {
		session.close()
	}
}

// heartbeatLoop runs the periodic sweep spec §4.G / §5 calls for ("a
// heartbeat tick every 30s") until done is closed.
func (c *Control) heartbeatLoop(done <-chan struct{}) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.sweepStaleSessions()
		}
	}
}

// sweepStaleSessions drops aged queued packets on every dialSession, then
// destroys any session that has been waiting past DialPendingIdleThreshold
// for its target dial to complete.
//
// Open question resolved (spec §4.G / §5, same caveat as §4.D): the source
// applies its 15s idle threshold to every BackendSideConn regardless of
// state, which would destroy a session quietly proxying traffic on an
// already-connected target. This sweep only ever destroys sessions whose
// dial has not yet completed -- an established session's target socket is
// torn down by its own read loop (pumpTarget) on EOF or error, never by
// this heartbeat.
func (c *Control) sweepStaleSessions() {
	c.mu.Lock()
	sessions := make([]*dialSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.queue.DropAged()
		if _, connected := s.connState(); connected {
			continue
		}
		if s.idleFor() < c.cfg.DialPendingIdleThreshold {
			continue
		}
		log.Printf("bifrost agent: heartbeat destroyed stalled dial session %s", s.requestID)
		c.removeSession(s.requestID)
	}
}

func (c *Control) closeMuxDataplane() {
	c.mu.Lock()
	sess := c.muxSession
	c.muxSession = nil
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

// destroyAllSessions discards every local dialSession on disconnect (spec
// §4.F: "While disconnected, all local BackendSideConns MUST be
// destroyed (their queued packets discarded)").
func (c *Control) destroyAllSessions() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*dialSession)
	c.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// nextBackoff doubles current, capped at limit, matching the teacher's
// dataplane.nextBackoff.
func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}
