// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package server implements the Bifrost server-side core: the backend
// control session (spec §4.B), the tunnel listener (§4.C), the request
// session (§4.D), and the tunnel registry (§4.E).
package server

import (
	"net"
	"sync"
	"time"
)

// State is a RequestSession's position in its lifecycle (spec §3).
type State int

const (
	// StatePending is the state from accept until a connect frame arrives.
	StatePending State = iota
	// StateConnected is the state after the agent's target dial succeeded.
	StateConnected
	// StateClosing is the state after either side sent end/FIN.
	StateClosing
	// StateDead is the terminal state; the session is eligible for removal.
	StateDead
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// RequestSession tracks one end-user TCP stream being proxied through a
// single Backend Agent (spec §3). It is exclusively owned by the
// TunnelListener that accepted the user connection; its reference to the
// owning BackendSession is a weak lookup by backendId (spec §9 "Cyclic
// references" design note), never a direct pointer, so a BackendSession's
// destruction never has to reach back into a RequestSession to null out a
// pointer -- it iterates the shared RequestTable by backendId instead.
type RequestSession struct {
	RequestID string
	BackendID string
	TunnelID  string

	conn net.Conn

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

// NewRequestSession wraps an accepted user connection in Pending state.
func NewRequestSession(requestID, backendID, tunnelID string, conn net.Conn) *RequestSession {
	return &RequestSession{
		RequestID:    requestID,
		BackendID:    backendID,
		TunnelID:     tunnelID,
		conn:         conn,
		state:        StatePending,
		lastActivity: time.Now(),
	}
}

// Conn exposes the underlying user socket.
func (r *RequestSession) Conn() net.Conn { return r.conn }

// State returns the current lifecycle state.
func (r *RequestSession) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Touch records activity, used by both read and write paths on this id.
func (r *RequestSession) Touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// IdleFor reports how long it has been since the session last saw traffic.
func (r *RequestSession) IdleFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastActivity)
}

// MarkConnected transitions Pending -> Connected on receipt of a connect
// frame (spec §3 lifecycle). A no-op from any other state.
func (r *RequestSession) MarkConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StatePending {
		r.state = StateConnected
	}
	r.lastActivity = time.Now()
}

// MarkClosing transitions to Closing on a graceful end/FIN from either side.
func (r *RequestSession) MarkClosing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateDead {
		r.state = StateClosing
	}
}

// MarkDead transitions to the terminal state and closes the user socket.
// Safe to call more than once.
func (r *RequestSession) MarkDead() {
	r.mu.Lock()
	already := r.state == StateDead
	r.state = StateDead
	r.mu.Unlock()
	if !already {
		_ = r.conn.Close()
	}
}

// RequestTable is the process-wide index from requestId to RequestSession.
// Ownership of a session's lifecycle remains with its creating
// TunnelListener; this table only ever serves lookups, so a
// BackendSession dispatching a frame, or the idle sweep, never needs a
// back-reference into listener state (spec §9 "Global mutable registries"
// design note).
type RequestTable struct {
	mu       sync.RWMutex
	sessions map[string]*RequestSession
}

// NewRequestTable constructs an empty table.
func NewRequestTable() *RequestTable {
	return &RequestTable{sessions: make(map[string]*RequestSession)}
}

// Add registers a session under its RequestID.
func (t *RequestTable) Add(s *RequestSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.RequestID] = s
}

// Get looks up a session by id.
func (t *RequestTable) Get(requestID string) (*RequestSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[requestID]
	return s, ok
}

// Remove deletes a session from the table. It does not close the socket;
// callers are expected to call MarkDead first (or let the caller that
// owns the removal do both under its own discretion).
func (t *RequestTable) Remove(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, requestID)
}

// RemoveAllForBackend destroys every session whose BackendID matches,
// returning how many were removed. Used on backend session teardown
// (spec §4.B "Failure semantics").
func (t *RequestTable) RemoveAllForBackend(backendID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, s := range t.sessions {
		if s.BackendID == backendID {
			s.MarkDead()
			delete(t.sessions, id)
			n++
		}
	}
	return n
}

// Snapshot returns a stable copy of all sessions for sweeps/inspection.
func (t *RequestTable) Snapshot() []*RequestSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*RequestSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of tracked sessions.
func (t *RequestTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
