// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Command agent runs the Bifrost Backend Agent: it holds a persistent
// control connection to the server and dials the local target on the
// server's behalf for each accepted end-user connection.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fortunnels/client/internal/agent"
	"github.com/fortunnels/client/internal/agentconfig"
	"github.com/fortunnels/client/internal/metrics"
	"github.com/fortunnels/client/internal/security"
)

func main() {
	cfg, err := agentconfig.Parse()
	if err != nil {
		log.Fatal(err)
	}
	agentconfig.Validate(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cipher *security.PayloadCipher
	if cfg.PayloadSecret != "" {
		cipher = security.NewPayloadCipher([]byte(cfg.PayloadSecret))
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}

	ctrl := agent.NewControl(cfg, cipher)
	log.Printf("bifrost agent: connecting to %s:%d", cfg.ServerHost, cfg.ServerPort)
	ctrl.Run(ctx)
}

func serveMetrics(ctx context.Context, addr string) {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("bifrost agent: metrics server on %s: %v", addr, err)
	}
}
