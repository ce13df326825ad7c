// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package serverconfig parses the Bifrost server's environment and flag
// configuration, following the same flag+env-fallback shape the teacher
// CLI uses for its own Config (internal/config in the original client).
package serverconfig

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fortunnels/client/internal/support"
)

// Config aggregates the server's startup configuration. Only BackendPort
// and the registry's API-key resolution are part of the core contract
// (spec §6); the remaining knobs tune ambient behavior the core needs to
// run as a long-lived service (idle sweeps, rate limiting, optional
// metrics/admin endpoints).
type Config struct {
	BackendPort int

	IdleSweepInterval      time.Duration
	PendingIdleThreshold   time.Duration
	ConnectedIdleThreshold time.Duration

	BackendFrameRateLimit float64 // frames/sec per backend, 0 disables limiting
	BackendFrameBurst     int

	MetricsAddr    string // empty disables the metrics HTTP listener
	AdminWatchAddr string // empty disables the admin websocket hub

	MuxPort int // 0 disables the optional smux dataplane listener

	PayloadSecret string // empty disables PSK payload encryption

	// BootstrapBackends seeds the registry's API-key table at startup, as
	// "backendId:apiKey" pairs. The authenticated REST CRUD layer and its
	// JSON persistence file are explicitly out of scope (spec §1); this is
	// just enough for the binary to be runnable standalone.
	BootstrapBackends []BackendIdentity
}

// BackendIdentity is one static backendId/apiKey pair parsed from
// BIFROST_BOOTSTRAP_BACKENDS.
type BackendIdentity struct {
	BackendID string
	APIKey    string
}

// Parse parses flags into a Config with Bifrost's documented defaults.
// Environment variables (BACKEND_PORT, METRICS_ADDR, ADMIN_WATCH_ADDR,
// MUX_PORT, PSK_SECRET, BIFROST_BOOTSTRAP_BACKENDS) supply the defaults for
// their settings; the idle-sweep and rate-limit settings have no
// environment variable and are set by flag only.
func Parse(args []string) (*Config, error) {
	cfg := defaultConfig()

	fs := flag.NewFlagSet("bifrost-server", flag.ContinueOnError)
	fs.IntVar(&cfg.BackendPort, "backend-port", cfg.BackendPort, "TCP port the control listener binds to")
	fs.DurationVar(&cfg.IdleSweepInterval, "idle-sweep-interval", cfg.IdleSweepInterval, "interval between idle request-session sweeps")
	fs.DurationVar(&cfg.PendingIdleThreshold, "pending-idle-threshold", cfg.PendingIdleThreshold, "max time a Pending request session may wait for connect")
	fs.DurationVar(&cfg.ConnectedIdleThreshold, "connected-idle-threshold", cfg.ConnectedIdleThreshold, "max silence on a Connected request session before it is reaped")
	fs.Float64Var(&cfg.BackendFrameRateLimit, "backend-frame-rate-limit", cfg.BackendFrameRateLimit, "max inbound frames/sec accepted from a single backend (0 disables)")
	fs.IntVar(&cfg.BackendFrameBurst, "backend-frame-burst", cfg.BackendFrameBurst, "burst size for the per-backend frame rate limiter")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on (empty disables)")
	fs.StringVar(&cfg.AdminWatchAddr, "admin-watch-addr", cfg.AdminWatchAddr, "address to serve the admin websocket watch hub on (empty disables)")
	fs.IntVar(&cfg.MuxPort, "mux-port", cfg.MuxPort, "TCP port the optional smux dataplane listener binds to (0 disables)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		BackendPort:            envInt("BACKEND_PORT", 9041),
		IdleSweepInterval:      30 * time.Second,
		PendingIdleThreshold:   15 * time.Second,
		ConnectedIdleThreshold: 5 * time.Minute,
		BackendFrameRateLimit:  200,
		BackendFrameBurst:      400,
		MetricsAddr:            support.GetEnvTrimmed("METRICS_ADDR"),
		AdminWatchAddr:         support.GetEnvTrimmed("ADMIN_WATCH_ADDR"),
		MuxPort:                envInt("MUX_PORT", 0),
		PayloadSecret:          support.GetEnvTrimmed("PSK_SECRET"),
		BootstrapBackends:      parseBootstrapBackends(support.GetEnvTrimmed("BIFROST_BOOTSTRAP_BACKENDS")),
	}
}

// parseBootstrapBackends parses "backendId:apiKey,backendId2:apiKey2".
// Malformed entries are skipped with a warning rather than aborting
// startup, since this is a convenience seed, not the system of record.
func parseBootstrapBackends(raw string) []BackendIdentity {
	if raw == "" {
		return nil
	}
	var out []BackendIdentity
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			fmt.Fprintf(os.Stderr, "bifrost server: skipping malformed BIFROST_BOOTSTRAP_BACKENDS entry %q\n", pair)
			continue
		}
		out = append(out, BackendIdentity{BackendID: parts[0], APIKey: parts[1]})
	}
	return out
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures later, exiting the process the way the teacher's
// config.Validate does for the CLI.
func Validate(cfg *Config) {
	if cfg.BackendPort <= 0 || cfg.BackendPort > 65535 {
		fmt.Fprintf(os.Stderr, "invalid BACKEND_PORT: %d\n", cfg.BackendPort)
		os.Exit(2)
	}
	if cfg.PendingIdleThreshold <= 0 {
		fmt.Fprintln(os.Stderr, "pending-idle-threshold must be positive")
		os.Exit(2)
	}
	if cfg.ConnectedIdleThreshold <= 0 {
		fmt.Fprintln(os.Stderr, "connected-idle-threshold must be positive")
		os.Exit(2)
	}
	if cfg.IdleSweepInterval <= 0 {
		fmt.Fprintln(os.Stderr, "idle-sweep-interval must be positive")
		os.Exit(2)
	}
}

func envInt(name string, fallback int) int {
	v := support.GetEnvTrimmed(name)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}
