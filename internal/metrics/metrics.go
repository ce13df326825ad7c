// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package metrics defines the Prometheus collectors exported by the
// Bifrost server and agent, grounded on the pack's promauto-global
// pattern (internal/metrics/metrics.go in the connection-pooling
// example).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BackendsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bifrost_backends_active",
		Help: "Number of backend agents currently registered",
	})

	RequestsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bifrost_requests_active",
		Help: "Number of end-user request sessions per state",
	}, []string{"state"})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bifrost_frames_total",
		Help: "Total control-wire frames processed, by frame type and direction",
	}, []string{"type", "direction"})

	BackendRegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bifrost_backend_registrations_total",
		Help: "Total backend registration attempts by outcome",
	}, []string{"outcome"})

	IdleKillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bifrost_idle_kills_total",
		Help: "Total request sessions killed by the idle sweeper, by state",
	}, []string{"state"})

	DialAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bifrost_agent_dial_attempts_total",
		Help: "Total target dials made by the backend agent, by final outcome after retries",
	}, []string{"outcome"})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bifrost_agent_reconnects_total",
		Help: "Total times the backend agent reconnected to the server",
	})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler { return promhttp.Handler() }

// Recorder implements server.Events by translating lifecycle callbacks
// into Prometheus observations, so it can run alongside (or instead of)
// an adminwatch.Hub as BackendManager/Registry/IdleSweeper's event sink.
type Recorder struct{}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) BackendRegistered(backendID string) {
	BackendsActive.Inc()
	BackendRegistrationsTotal.WithLabelValues("accepted").Inc()
}

func (r *Recorder) BackendClosed(backendID, reason string) {
	BackendsActive.Dec()
}

func (r *Recorder) RequestOpened(requestID, backendID, tunnelID string) {
	RequestsActive.WithLabelValues("connected").Inc()
}

func (r *Recorder) RequestClosed(requestID, backendID string) {
	RequestsActive.WithLabelValues("connected").Dec()
}
