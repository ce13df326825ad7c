// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package agent implements the Backend Agent side of Bifrost: the
// persistent control loop (spec §4.F) and the per-request dialer session
// (spec §4.G).
package agent

import (
	"sync"
	"time"
)

// packet is one queued server->target payload awaiting the local dial to
// finish (spec §3 BackendSideConn.packetQueue).
type packet struct {
	payload []byte
	arrived time.Time
}

// PacketQueue is a bounded FIFO of pending payloads. It exists solely to
// absorb `data` frames that arrive before the local dial completes (spec
// §3, §9 "Packet-queue semantics" -- it is one-directional: target->server
// bytes are never queued because there is no target socket to read from
// until the dial succeeds).
type PacketQueue struct {
	mu       sync.Mutex
	items    []packet
	capacity int
	ttl      time.Duration
}

// NewPacketQueue builds a queue holding at most capacity packets, each
// discarded if older than ttl by the time it is drained.
func NewPacketQueue(capacity int, ttl time.Duration) *PacketQueue {
	return &PacketQueue{capacity: capacity, ttl: ttl}
}

// Push enqueues payload, dropping the oldest entry first if the queue is
// already at capacity (spec §5 boundary: "capacity 1000 + 1: oldest
// packet is dropped").
func (q *PacketQueue) Push(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, packet{payload: payload, arrived: time.Now()})
}

// Drain removes and returns every queued payload in arrival order,
// discarding any packet older than the configured TTL (spec §5 boundary:
// "packet older than 60000ms never reaches the target").
func (q *PacketQueue) Drain() [][]byte {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	now := time.Now()
	out := make([][]byte, 0, len(items))
	for _, p := range items {
		if now.Sub(p.arrived) > q.ttl {
			continue
		}
		out = append(out, p.payload)
	}
	return out
}

// Len reports the number of currently queued packets.
func (q *PacketQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DropAged discards queued packets older than ttl in place, for the
// control loop's periodic heartbeat sweep (spec §4.G / §5: "a heartbeat
// tick every 30s: drop aged packets") rather than waiting for them to be
// filtered out lazily at Drain time.
func (q *PacketQueue) DropAged() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	kept := q.items[:0]
	for _, p := range q.items {
		if now.Sub(p.arrived) <= q.ttl {
			kept = append(kept, p)
		}
	}
	q.items = kept
}
