// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fortunnels/client/internal/security"
)

// ErrPortInUse is returned by CreateTunnel when another mapping already
// claims serverPort (spec §4.E createTunnel).
var ErrPortInUse = errors.New("bifrost server: port already in use")

// ErrNoPortsAvailable is returned by FindAvailablePort when the scan range
// is exhausted (spec §4.E findAvailablePort).
var ErrNoPortsAvailable = errors.New("bifrost server: no available ports in range")

// ErrUnknownTunnel is returned by StopTunnel for a mapping that does not
// exist.
var ErrUnknownTunnel = errors.New("bifrost server: unknown tunnel mapping")

// TunnelMapping is one public-port-to-target-address binding (spec §3
// GLOSSARY "Tunnel").
type TunnelMapping struct {
	BackendID  string
	TunnelID   string
	ServerPort int
	TargetIP   string
	LocalPort  int
}

type tunnelKey struct {
	backendID string
	tunnelID  string
}

// Status is the snapshot returned by Registry.Status (spec §4.E status()).
type Status struct {
	ActiveTunnels      []TunnelMapping
	ActiveBackendIDs   []string
	ActiveRequestCount int
}

// Registry is the server's central component (spec §4.E): it owns
// TunnelMappings, resolves API keys to backend identities for
// BackendManager, and creates/destroys TunnelListeners. It also satisfies
// APIKeyResolver, the narrow interface BackendManager consumes (spec §3:
// "the core never persists [BackendIdentity] itself; it asks the registry
// to resolve a presented key" -- here the registry IS the core component,
// and identities are provisioned into it by an admin-plane collaborator
// via AddBackendIdentity/RemoveBackendIdentity).
type Registry struct {
	backends *BackendManager
	table    *RequestTable
	events   Events
	cipher   *security.PayloadCipher

	mu      sync.Mutex
	byKey   map[tunnelKey]*TunnelListener
	byPort  map[int]*TunnelListener
	apiKeys map[string]string // apiKey -> backendId
}

// NewRegistry constructs an empty registry wired to the given
// BackendManager and RequestTable (the same instances the control
// listener's Accept loop uses).
func NewRegistry(backends *BackendManager, table *RequestTable, events Events, cipher *security.PayloadCipher) *Registry {
	if events == nil {
		events = NopEvents{}
	}
	return &Registry{
		backends: backends,
		table:    table,
		events:   events,
		cipher:   cipher,
		byKey:    make(map[tunnelKey]*TunnelListener),
		byPort:   make(map[int]*TunnelListener),
		apiKeys:  make(map[string]string),
	}
}

// AddBackendIdentity provisions an API key -> backendId mapping. Called by
// the admin-plane collaborator (out of the core's scope per spec §3); the
// core only ever resolves keys that have been provisioned this way.
func (r *Registry) AddBackendIdentity(backendID, apiKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiKeys[apiKey] = backendID
}

// RemoveBackendIdentity revokes a previously provisioned API key.
func (r *Registry) RemoveBackendIdentity(apiKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apiKeys, apiKey)
}

// ResolveAPIKey implements APIKeyResolver.
func (r *Registry) ResolveAPIKey(apiKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	backendID, ok := r.apiKeys[apiKey]
	return backendID, ok
}

// CreateTunnel binds a listener for the mapping and starts its accept
// loop. Fails with ErrPortInUse if the port is already claimed by this
// registry, or with the underlying bind error if the OS refuses the bind
// (spec §4.E createTunnel).
func (r *Registry) CreateTunnel(m TunnelMapping) error {
	if m.ServerPort != 0 {
		r.mu.Lock()
		_, exists := r.byPort[m.ServerPort]
		r.mu.Unlock()
		if exists {
			return ErrPortInUse
		}
	}

	l, err := ListenTunnel(m.ServerPort, m.TunnelID, m.BackendID, m.LocalPort, m.TargetIP, r.backends, r.table, r.events, r.cipher)
	if err != nil {
		return fmt.Errorf("bifrost server: bind tunnel: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.byPort[l.ServerPort]; exists {
		r.mu.Unlock()
		_ = l.Close()
		return ErrPortInUse
	}
	key := tunnelKey{backendID: m.BackendID, tunnelID: m.TunnelID}
	r.byKey[key] = l
	r.byPort[l.ServerPort] = l
	r.mu.Unlock()

	go l.Serve()
	return nil
}

// StopTunnel closes the listener, destroys every RequestSession it owns,
// and removes both index entries (spec §4.E stopTunnel).
func (r *Registry) StopTunnel(backendID, tunnelID string) error {
	key := tunnelKey{backendID: backendID, tunnelID: tunnelID}

	r.mu.Lock()
	l, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownTunnel
	}
	delete(r.byKey, key)
	for port, candidate := range r.byPort {
		if candidate == l {
			delete(r.byPort, port)
			break
		}
	}
	r.mu.Unlock()

	_ = l.Close()
	for _, rs := range r.table.Snapshot() {
		if rs.TunnelID == tunnelID && rs.BackendID == backendID {
			rs.MarkDead()
			r.table.Remove(rs.RequestID)
		}
	}
	return nil
}

// IsPortAvailable reports whether port is unclaimed by this registry
// (spec §4.E isPortAvailable; range validation is the caller's
// responsibility per spec).
func (r *Registry) IsPortAvailable(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, claimed := r.byPort[port]
	return !claimed
}

// FindAvailablePort performs a first-fit linear scan over [min, max]
// (spec §4.E findAvailablePort, defaults 10000-65535).
func (r *Registry) FindAvailablePort(min, max int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port := min; port <= max; port++ {
		if _, claimed := r.byPort[port]; !claimed {
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// Status returns a snapshot for admin/metrics consumers (spec §4.E
// status()).
func (r *Registry) Status() Status {
	r.mu.Lock()
	mappings := make([]TunnelMapping, 0, len(r.byKey))
	for key, l := range r.byKey {
		mappings = append(mappings, TunnelMapping{
			BackendID:  key.backendID,
			TunnelID:   key.tunnelID,
			ServerPort: l.ServerPort,
			TargetIP:   l.TargetIP,
			LocalPort:  l.LocalPort,
		})
	}
	r.mu.Unlock()

	return Status{
		ActiveTunnels:      mappings,
		ActiveBackendIDs:   r.backends.BackendIDs(),
		ActiveRequestCount: r.table.Len(),
	}
}
