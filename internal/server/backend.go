// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package server

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/xtaci/smux"
	"golang.org/x/time/rate"

	"github.com/fortunnels/client/internal/metrics"
	"github.com/fortunnels/client/internal/muxtransport"
	"github.com/fortunnels/client/internal/protocol"
	"github.com/fortunnels/client/internal/security"
)

// registrationDeadline bounds how long a newly accepted control socket may
// sit silent before sending `register` (spec §4.B: "until a valid register
// arrives, no other frames are processed"). Not specified by the source;
// without a deadline a slow-loris connection would hold a goroutine and a
// socket forever.
const registrationDeadline = 10 * time.Second

// APIKeyResolver maps a presented API key to a backendId. The registry
// (spec §4.E) is the canonical implementation; BackendManager only
// consumes this narrow interface, per spec §3's note that the core never
// persists BackendIdentity records itself.
type APIKeyResolver interface {
	ResolveAPIKey(apiKey string) (backendID string, ok bool)
}

// Events lets collaborators (metrics, the admin watch hub) observe
// lifecycle transitions without BackendManager or TunnelListener knowing
// about them concretely. Constructors that take an Events substitute
// NopEvents when given nil.
type Events interface {
	BackendRegistered(backendID string)
	BackendClosed(backendID, reason string)
	RequestOpened(requestID, backendID, tunnelID string)
	RequestClosed(requestID, backendID string)
}

// NopEvents implements Events with no-ops.
type NopEvents struct{}

func (NopEvents) BackendRegistered(string)             {}
func (NopEvents) BackendClosed(string, string)         {}
func (NopEvents) RequestOpened(string, string, string) {}
func (NopEvents) RequestClosed(string, string)         {}

// MultiEvents fans one lifecycle callback out to several Events sinks, so
// cmd/server can hand BackendManager a single combined observer backed by
// both internal/metrics and internal/adminwatch.
type MultiEvents []Events

func (m MultiEvents) BackendRegistered(backendID string) {
	for _, e := range m {
		e.BackendRegistered(backendID)
	}
}

func (m MultiEvents) BackendClosed(backendID, reason string) {
	for _, e := range m {
		e.BackendClosed(backendID, reason)
	}
}

func (m MultiEvents) RequestOpened(requestID, backendID, tunnelID string) {
	for _, e := range m {
		e.RequestOpened(requestID, backendID, tunnelID)
	}
}

func (m MultiEvents) RequestClosed(requestID, backendID string) {
	for _, e := range m {
		e.RequestClosed(requestID, backendID)
	}
}

// BackendSession is the server-side half of one agent's control connection
// (spec §3 BackendSession, §4.B). At most one live session may exist per
// BackendID; BackendManager enforces that invariant by evicting any
// pre-existing session before installing a new one.
type BackendSession struct {
	BackendID    string
	Capabilities []string

	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer

	limiter *rate.Limiter // nil disables rate limiting

	mu         sync.Mutex
	live       bool
	closeCh    chan struct{}
	muxSession *smux.Session // nil until the backend opens its optional mux-dataplane conn
}

// OpenMuxStream opens a new smux stream to this backend for the given
// request, returning ok=false when the backend never established a mux
// session (spec SPEC_FULL §3: smux is an optional fast path, not a
// requirement -- callers fall back to base64 `data` frames).
func (s *BackendSession) OpenMuxStream(requestID, tunnelID string) (net.Conn, bool) {
	s.mu.Lock()
	sess := s.muxSession
	s.mu.Unlock()
	if sess == nil || sess.IsClosed() {
		return nil, false
	}
	stream, err := muxtransport.OpenRequestStream(sess, requestID, tunnelID)
	if err != nil {
		return nil, false
	}
	return stream, true
}

// Send serializes and writes a frame to the agent. Safe for concurrent
// callers; the underlying protocol.Writer serializes writes so frames on
// this connection never interleave mid-line (spec §4.B send()).
func (s *BackendSession) Send(f protocol.Frame) error {
	return s.writer.WriteFrame(f)
}

// Live reports whether this session is still the installed session for
// its BackendID. Once evicted or torn down it stays false forever.
func (s *BackendSession) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *BackendSession) markDead() {
	s.mu.Lock()
	if !s.live {
		s.mu.Unlock()
		return
	}
	s.live = false
	mux := s.muxSession
	s.mu.Unlock()
	close(s.closeCh)
	_ = s.conn.Close()
	if mux != nil {
		_ = mux.Close()
	}
}

// BackendManager owns the live BackendSession set and the shared
// RequestTable, and implements the dispatch half of spec §4.B. It is the
// explicit context object the design notes (spec §9) call for in place of
// the source's global mutable registries.
type BackendManager struct {
	resolver APIKeyResolver
	table    *RequestTable
	events   Events
	cipher   *security.PayloadCipher // nil disables payload encryption

	rateLimit float64
	rateBurst int

	mu       sync.RWMutex
	sessions map[string]*BackendSession
}

// NewBackendManager builds a manager bound to the given resolver and
// shared request table. rateLimit <= 0 disables per-backend frame rate
// limiting (SPEC_FULL §3 domain stack: golang.org/x/time/rate).
func NewBackendManager(resolver APIKeyResolver, table *RequestTable, events Events, cipher *security.PayloadCipher, rateLimit float64, rateBurst int) *BackendManager {
	if events == nil {
		events = NopEvents{}
	}
	return &BackendManager{
		resolver:  resolver,
		table:     table,
		events:    events,
		cipher:    cipher,
		rateLimit: rateLimit,
		rateBurst: rateBurst,
		sessions:  make(map[string]*BackendSession),
	}
}

// SetResolver wires the resolver after construction, for the common
// bootstrap cycle where the resolver (Registry) itself needs a reference
// to this BackendManager. Must be called once before Accept is used
// concurrently; it is not safe to call after traffic starts.
func (m *BackendManager) SetResolver(resolver APIKeyResolver) {
	m.resolver = resolver
}

// Get looks up the live session for a backendId, used by TunnelListener
// (spec §4.C step 2).
func (m *BackendManager) Get(backendID string) (*BackendSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[backendID]
	return s, ok
}

// Accept runs the full lifecycle of one inbound control connection: wait
// for register, authenticate, install, dispatch until the socket dies,
// then tear down (spec §4.B accept()/dispatch()/Failure semantics).
func (m *BackendManager) Accept(conn net.Conn) {
	protocol.SetNoDelay(conn)
	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)

	if err := conn.SetReadDeadline(time.Now().Add(registrationDeadline)); err != nil {
		log.Printf("bifrost server: set registration deadline: %v", err)
	}

	regFrame, err := reader.ReadFrame()
	if err != nil {
		_ = conn.Close()
		return
	}
	if regFrame.Type != protocol.TypeRegister {
		log.Printf("bifrost server: first frame from %s was %q, not register", conn.RemoteAddr(), regFrame.Type)
		_ = conn.Close()
		return
	}

	backendID, ok := m.resolver.ResolveAPIKey(regFrame.APIKey)
	if !ok {
		_ = writer.WriteFrame(protocol.Unauthorized())
		_ = conn.Close()
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		log.Printf("bifrost server: clear registration deadline: %v", err)
	}

	var limiter *rate.Limiter
	if m.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.rateLimit), m.rateBurst)
	}

	session := &BackendSession{
		BackendID:    backendID,
		Capabilities: regFrame.Capabilities,
		conn:         conn,
		reader:       reader,
		writer:       writer,
		limiter:      limiter,
		live:         true,
		closeCh:      make(chan struct{}),
	}

	m.install(session)

	if err := session.Send(protocol.Registered(backendID)); err != nil {
		m.tearDown(session, "write registered: "+err.Error())
		return
	}
	m.events.BackendRegistered(backendID)

	m.dispatchLoop(session)
}

// install evicts any pre-existing session for this backendId (spec §4.B:
// "evict any pre-existing session for that backend, closing its socket
// and all its RequestSessions") before publishing the new one.
func (m *BackendManager) install(session *BackendSession) {
	m.mu.Lock()
	prev, existed := m.sessions[session.BackendID]
	m.sessions[session.BackendID] = session
	m.mu.Unlock()

	if existed {
		prev.markDead()
		n := m.table.RemoveAllForBackend(session.BackendID)
		if n > 0 {
			log.Printf("bifrost server: evicted %d pending request(s) for superseded backend %s", n, session.BackendID)
		}
	}
}

// dispatchLoop reads frames until the socket errors or EOFs, routing each
// to dispatch, then tears the session down (spec §4.B).
func (m *BackendManager) dispatchLoop(session *BackendSession) {
	for {
		f, err := session.reader.ReadFrame()
		if err != nil {
			m.tearDown(session, err.Error())
			return
		}
		if session.limiter != nil && !session.limiter.Allow() {
			continue
		}
		m.dispatch(session, f)
	}
}

// dispatch implements spec §4.B dispatch(frame): look up the RequestSession
// by requestId, drop if absent, and apply type-specific behavior.
func (m *BackendManager) dispatch(session *BackendSession, f protocol.Frame) {
	metrics.FramesTotal.WithLabelValues(f.Type, "inbound").Inc()
	if f.Type == protocol.TypeRegister {
		// A second register on an already-registered socket is a protocol
		// violation (spec §3 invariant 1); treat it as fatal for this
		// session rather than silently re-authenticating mid-stream.
		m.tearDown(session, "unexpected register on live session")
		return
	}

	rs, ok := m.table.Get(f.RequestID)
	if !ok {
		return
	}
	if rs.BackendID != session.BackendID {
		// A requestId owned by a different backend; never honor it.
		return
	}

	switch f.Type {
	case protocol.TypeConnect:
		rs.MarkConnected()
		m.events.RequestOpened(rs.RequestID, rs.BackendID, rs.TunnelID)
	case protocol.TypeData:
		m.writeData(rs, f)
	case protocol.TypeEnd:
		rs.MarkClosing()
		rs.Touch()
		if tc, ok := rs.Conn().(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		} else {
			rs.MarkDead()
			m.table.Remove(rs.RequestID)
			m.events.RequestClosed(rs.RequestID, rs.BackendID)
		}
	case protocol.TypeError:
		rs.MarkDead()
		m.table.Remove(rs.RequestID)
		m.events.RequestClosed(rs.RequestID, rs.BackendID)
	}
}

func (m *BackendManager) writeData(rs *RequestSession, f protocol.Frame) {
	payload, err := protocol.DecodePayload(f.Data)
	if err != nil {
		log.Printf("bifrost server: bad base64 payload for request %s: %v", f.RequestID, err)
		return
	}
	if m.cipher != nil {
		payload, err = m.cipher.Open(rs.TunnelID, payload)
		if err != nil {
			log.Printf("bifrost server: decrypt payload for request %s: %v", f.RequestID, err)
			return
		}
	}
	if _, err := rs.Conn().Write(payload); err != nil {
		return
	}
	rs.Touch()
}

// tearDown implements spec §4.B failure semantics: remove the session,
// destroy every RequestSession whose backendId matches, and close the
// socket. Idempotent so it is safe to call from both the read-error path
// and an eviction.
func (m *BackendManager) tearDown(session *BackendSession, reason string) {
	m.mu.Lock()
	current, ok := m.sessions[session.BackendID]
	wasCurrent := ok && current == session
	if wasCurrent {
		delete(m.sessions, session.BackendID)
	}
	m.mu.Unlock()

	session.markDead()
	if wasCurrent {
		// An evicted session's requests were already destroyed by install;
		// those now in the table belong to its successor.
		n := m.table.RemoveAllForBackend(session.BackendID)
		if n > 0 {
			log.Printf("bifrost server: backend %s torn down (%s), destroyed %d request session(s)", session.BackendID, reason, n)
		}
	}
	m.events.BackendClosed(session.BackendID, reason)
}

// Count reports the number of live backend sessions, used by the registry
// status() snapshot (spec §4.E).
func (m *BackendManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// BackendIDs returns a snapshot of currently registered backend ids.
func (m *BackendManager) BackendIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}
