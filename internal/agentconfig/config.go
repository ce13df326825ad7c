// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package agentconfig parses the Backend Agent's environment
// configuration (spec §6: API_KEY, SERVER_HOST, SERVER_PORT).
package agentconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/fortunnels/client/internal/support"
)

// Config aggregates the agent's startup configuration.
type Config struct {
	APIKey     string
	ServerHost string
	ServerPort int

	// Target dial policy (spec §4.G / §5).
	DialTimeout  time.Duration
	DialAttempts int
	DialBackoff  time.Duration

	// Control-loop reconnect policy (spec §4.F, refined per SPEC_FULL §4
	// with exponential backoff bounded by ReconnectBackoffMax; the floor
	// behavior -- "wait 5s and retry" -- is ReconnectBackoffInitial).
	ReconnectBackoffInitial time.Duration
	ReconnectBackoffMax     time.Duration

	// Packet queue policy (spec §4.G / §5).
	QueueCapacity int
	QueueTTL      time.Duration

	// HeartbeatInterval is how often the control loop sweeps dialSessions
	// (spec §4.G / §5 "a heartbeat tick every 30s"): drop aged queued
	// packets and destroy dial sessions idle past DialPendingIdleThreshold.
	HeartbeatInterval time.Duration

	// DialPendingIdleThreshold bounds how long a dialSession may sit
	// without completing its target dial before the heartbeat destroys it
	// (spec §4.G / §5: "destroy records whose lastActivity is older than
	// 15s"). Mirrors the server-side PendingIdleThreshold redesign
	// (SPEC_FULL §4.D): restricted to sessions whose dial has not yet
	// connected, so a quiet-but-healthy proxied connection is never killed
	// by this sweep -- only its own read loop can end it.
	DialPendingIdleThreshold time.Duration

	EnableSmux    bool
	ServerMuxPort int // 0 disables dialing the optional smux dataplane

	MetricsAddr string

	PayloadSecret string // empty disables PSK payload encryption
}

// Parse reads configuration from the environment. Required variables
// missing at startup is a fatal, nonzero-exit condition (spec §6).
func Parse() (*Config, error) {
	cfg := &Config{
		APIKey:     support.GetEnvTrimmed("API_KEY"),
		ServerHost: support.GetEnvTrimmed("SERVER_HOST"),
		ServerPort: envInt("SERVER_PORT", 9041),

		DialTimeout:  15 * time.Second,
		DialAttempts: 3,
		DialBackoff:  5 * time.Second,

		ReconnectBackoffInitial: 5 * time.Second,
		ReconnectBackoffMax:     5 * time.Second,

		QueueCapacity: 1000,
		QueueTTL:      60 * time.Second,

		HeartbeatInterval:        30 * time.Second,
		DialPendingIdleThreshold: 15 * time.Second,

		EnableSmux: support.GetEnvTrimmed("BIFROST_ENABLE_SMUX") == "1",

		MetricsAddr: support.GetEnvTrimmed("METRICS_ADDR"),

		PayloadSecret: support.GetEnvTrimmed("PSK_SECRET"),
		ServerMuxPort: envInt("SERVER_MUX_PORT", 0),
	}

	if maxBackoff := support.GetEnvTrimmed("BIFROST_RECONNECT_BACKOFF_MAX"); maxBackoff != "" {
		d, err := time.ParseDuration(maxBackoff)
		if err != nil {
			return nil, fmt.Errorf("invalid BIFROST_RECONNECT_BACKOFF_MAX: %w", err)
		}
		cfg.ReconnectBackoffMax = d
	}

	return cfg, nil
}

// Validate exits the process with a nonzero status if required
// configuration is missing, matching spec §6's "missing required vars ->
// exit nonzero at startup".
func Validate(cfg *Config) {
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "API_KEY is required")
		os.Exit(1)
	}
	if cfg.ServerHost == "" {
		fmt.Fprintln(os.Stderr, "SERVER_HOST is required")
		os.Exit(1)
	}
	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		fmt.Fprintf(os.Stderr, "invalid SERVER_PORT: %d\n", cfg.ServerPort)
		os.Exit(1)
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
