// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"github.com/fortunnels/client/internal/muxtransport"
)

// muxPreface is the first JSON line a backend agent sends on a dedicated
// mux-dataplane connection, authenticating it the same way `register`
// authenticates the control connection.
type muxPreface struct {
	APIKey string `json:"apiKey"`
}

// AcceptMuxConn handles one inbound connection on the server's optional
// mux-dataplane listener (SPEC_FULL §3: xtaci/smux fast path). It
// authenticates the connection against the same resolver as the control
// plane, wraps it as an smux server session, and attaches it to the
// matching live BackendSession, where BackendSession.OpenMuxStream can
// open streams on it. TunnelListener does not use it: request bytes for
// that backend still travel as base64 `data` frames.
func (m *BackendManager) AcceptMuxConn(conn net.Conn) error {
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("bifrost server: read mux preface: %w", err)
	}
	apiKey, err := decodeMuxPreface(line)
	if err != nil {
		conn.Close()
		return err
	}
	backendID, ok := m.resolver.ResolveAPIKey(apiKey)
	if !ok {
		conn.Close()
		return fmt.Errorf("bifrost server: mux conn presented unknown API key")
	}

	m.mu.RLock()
	session, ok := m.sessions[backendID]
	m.mu.RUnlock()
	if !ok || !session.Live() {
		conn.Close()
		return fmt.Errorf("bifrost server: mux conn for backend %s with no live control session", backendID)
	}

	sess, err := muxtransport.NewServerSession(conn)
	if err != nil {
		conn.Close()
		return err
	}
	session.mu.Lock()
	session.muxSession = sess
	session.mu.Unlock()
	return nil
}

func decodeMuxPreface(line string) (string, error) {
	var p muxPreface
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		return "", fmt.Errorf("bifrost server: decode mux preface: %w", err)
	}
	if p.APIKey == "" {
		return "", fmt.Errorf("bifrost server: mux preface missing apiKey")
	}
	return p.APIKey, nil
}
