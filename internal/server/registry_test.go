// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package server

import "testing"

func newTestRegistry() *Registry {
	table := NewRequestTable()
	backends := NewBackendManager(nil, table, nil, nil, 0, 0)
	return NewRegistry(backends, table, nil, nil)
}

func TestResolveAPIKeyAfterProvision(t *testing.T) {
	r := newTestRegistry()
	r.AddBackendIdentity("b1", "key-1")

	id, ok := r.ResolveAPIKey("key-1")
	if !ok || id != "b1" {
		t.Fatalf("ResolveAPIKey = (%q, %v), want (b1, true)", id, ok)
	}

	if _, ok := r.ResolveAPIKey("unknown"); ok {
		t.Error("ResolveAPIKey(unknown) = true, want false")
	}
}

func TestRemoveBackendIdentity(t *testing.T) {
	r := newTestRegistry()
	r.AddBackendIdentity("b1", "key-1")
	r.RemoveBackendIdentity("key-1")

	if _, ok := r.ResolveAPIKey("key-1"); ok {
		t.Error("ResolveAPIKey after removal = true, want false")
	}
}

func TestCreateTunnelPortCollision(t *testing.T) {
	r := newTestRegistry()
	m1 := TunnelMapping{BackendID: "b1", TunnelID: "t1", ServerPort: 0, TargetIP: "127.0.0.1", LocalPort: 8080}
	if err := r.CreateTunnel(m1); err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	defer r.StopTunnel("b1", "t1")

	status := r.Status()
	if len(status.ActiveTunnels) != 1 {
		t.Fatalf("ActiveTunnels = %d, want 1", len(status.ActiveTunnels))
	}
	port := status.ActiveTunnels[0].ServerPort

	m2 := TunnelMapping{BackendID: "b2", TunnelID: "t2", ServerPort: port, TargetIP: "127.0.0.1", LocalPort: 9090}
	if err := r.CreateTunnel(m2); err != ErrPortInUse {
		t.Errorf("CreateTunnel on claimed port = %v, want ErrPortInUse", err)
	}
}

func TestStopTunnelUnknown(t *testing.T) {
	r := newTestRegistry()
	if err := r.StopTunnel("nope", "nope"); err != ErrUnknownTunnel {
		t.Errorf("StopTunnel(unknown) = %v, want ErrUnknownTunnel", err)
	}
}

func TestStopTunnelRemovesMapping(t *testing.T) {
	r := newTestRegistry()
	m := TunnelMapping{BackendID: "b1", TunnelID: "t1", ServerPort: 0, TargetIP: "127.0.0.1", LocalPort: 8080}
	if err := r.CreateTunnel(m); err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}
	port := r.Status().ActiveTunnels[0].ServerPort

	if err := r.StopTunnel("b1", "t1"); err != nil {
		t.Fatalf("StopTunnel: %v", err)
	}
	if !r.IsPortAvailable(port) {
		t.Error("port still claimed after StopTunnel")
	}
	if len(r.Status().ActiveTunnels) != 0 {
		t.Error("ActiveTunnels not empty after StopTunnel")
	}
}

func TestFindAvailablePort(t *testing.T) {
	r := newTestRegistry()
	port, err := r.FindAvailablePort(10000, 10002)
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	if port != 10000 {
		t.Errorf("FindAvailablePort = %d, want 10000", port)
	}
}

func TestFindAvailablePortExhausted(t *testing.T) {
	r := newTestRegistry()
	for p := 10000; p <= 10001; p++ {
		r.mu.Lock()
		r.byPort[p] = &TunnelListener{}
		r.mu.Unlock()
	}
	if _, err := r.FindAvailablePort(10000, 10001); err != ErrNoPortsAvailable {
		t.Errorf("FindAvailablePort on exhausted range = %v, want ErrNoPortsAvailable", err)
	}
}
