// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package server

import (
	"context"
	"log"
	"time"

	"github.com/fortunnels/client/internal/metrics"
)

// IdleSweeper periodically reaps stale RequestSessions (spec §4.D).
//
// Open question resolved (spec §4.D, §9): the source applies a flat 15s
// idle threshold to every RequestSession regardless of state, which kills
// a healthy, merely-quiet Connected proxy stream (e.g. an idle SSH
// session). This implementation restricts the aggressive threshold to
// Pending sessions only -- a Pending session that has waited
// PendingIdleThreshold without a connect frame is almost certainly stuck,
// since watchConnectDeadline already handles the common timeout path and
// this sweep exists as a backstop for sessions that somehow missed it.
// Connected sessions get a much more permissive ConnectedIdleThreshold so
// ordinary idle periods in a live tunnel are never mistaken for a dead
// one.
type IdleSweeper struct {
	table     *RequestTable
	events    Events
	pending   time.Duration
	connected time.Duration
	interval  time.Duration
}

// NewIdleSweeper builds a sweeper over table with the given thresholds.
func NewIdleSweeper(table *RequestTable, events Events, interval, pendingThreshold, connectedThreshold time.Duration) *IdleSweeper {
	if events == nil {
		events = NopEvents{}
	}
	return &IdleSweeper{
		table:     table,
		events:    events,
		pending:   pendingThreshold,
		connected: connectedThreshold,
		interval:  interval,
	}
}

// Run blocks, sweeping on a ticker until ctx is canceled.
func (s *IdleSweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepOnce()
		}
	}
}

func (s *IdleSweeper) sweepOnce() {
	killed := 0
	for _, rs := range s.table.Snapshot() {
		var threshold time.Duration
		var stateLabel string
		switch rs.State() {
		case StatePending:
			threshold = s.pending
			stateLabel = "pending"
		case StateConnected, StateClosing:
			threshold = s.connected
			stateLabel = "connected"
		default:
			continue
		}
		if rs.IdleFor() < threshold {
			continue
		}
		rs.MarkDead()
		s.table.Remove(rs.RequestID)
		s.events.RequestClosed(rs.RequestID, rs.BackendID)
		metrics.IdleKillsTotal.WithLabelValues(stateLabel).Inc()
		killed++
	}
	if killed > 0 {
		log.Printf("bifrost server: idle sweep reaped %d request session(s)", killed)
	}
}
