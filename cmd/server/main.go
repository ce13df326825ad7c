// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Command server runs the Bifrost reverse-tunnel server: the control-port
// listener backend agents register against, the registry that maps
// tunnels to listeners, and the optional metrics/admin-watch/smux
// sidecars.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fortunnels/client/internal/adminwatch"
	"github.com/fortunnels/client/internal/metrics"
	"github.com/fortunnels/client/internal/security"
	"github.com/fortunnels/client/internal/server"
	"github.com/fortunnels/client/internal/serverconfig"
)

func main() {
	cfg, err := serverconfig.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	serverconfig.Validate(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run(ctx, cfg)
}

func run(ctx context.Context, cfg *serverconfig.Config) {
	table := server.NewRequestTable()

	var cipher *security.PayloadCipher
	if cfg.PayloadSecret != "" {
		cipher = security.NewPayloadCipher([]byte(cfg.PayloadSecret))
	}

	events := buildEvents(ctx, cfg)

	backends := server.NewBackendManager(nil, table, events, cipher, cfg.BackendFrameRateLimit, cfg.BackendFrameBurst)
	registry := server.NewRegistry(backends, table, events, cipher)
	backends.SetResolver(registry)

	for _, id := range cfg.BootstrapBackends {
		registry.AddBackendIdentity(id.BackendID, id.APIKey)
	}

	sweeper := server.NewIdleSweeper(table, events, cfg.IdleSweepInterval, cfg.PendingIdleThreshold, cfg.ConnectedIdleThreshold)
	go sweeper.Run(ctx)

	if cfg.MuxPort > 0 {
		go serveMuxDataplane(ctx, cfg.MuxPort, backends)
	}

	serveControlPlane(ctx, cfg.BackendPort, backends)
}

func buildEvents(ctx context.Context, cfg *serverconfig.Config) server.Events {
	var sinks server.MultiEvents

	recorder := metrics.NewRecorder()
	sinks = append(sinks, recorder)
	if cfg.MetricsAddr != "" {
		go serveHTTP(ctx, "metrics", cfg.MetricsAddr, metrics.Handler())
	}

	if cfg.AdminWatchAddr != "" {
		hub := adminwatch.NewHub()
		sinks = append(sinks, hub)
		go serveHTTP(ctx, "admin watch", cfg.AdminWatchAddr, http.HandlerFunc(hub.ServeHTTP))
	}

	return sinks
}

func serveHTTP(ctx context.Context, name, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Printf("bifrost server: serving %s on %s", name, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("bifrost server: http server on %s: %v", addr, err)
	}
}

func serveControlPlane(ctx context.Context, port int, backends *server.BackendManager) {
	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		log.Fatalf("bifrost server: listen control port: %v", err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Printf("bifrost server: control plane listening on %d", port)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("bifrost server: control accept: %v", err)
				return
			}
		}
		go backends.Accept(conn)
	}
}

func serveMuxDataplane(ctx context.Context, port int, backends *server.BackendManager) {
	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		log.Printf("bifrost server: listen mux dataplane port: %v", err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Printf("bifrost server: mux dataplane listening on %d", port)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("bifrost server: mux accept: %v", err)
				return
			}
		}
		go func() {
			if err := backends.AcceptMuxConn(conn); err != nil {
				log.Printf("bifrost server: %v", err)
			}
		}()
	}
}
