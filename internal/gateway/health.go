// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/luxfi/psrpc"
)

// StateSource reports a connection state.
type StateSource interface {
	State() psrpc.ConnectionState
}

// HealthMonitor mirrors a client connection state into the standard gRPC
// health service. service is the name health checks ask about; the empty
// name tracks the same status.
type HealthMonitor struct {
	source   StateSource
	service  string
	interval time.Duration
	log      *slog.Logger
	server   *health.Server

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

func NewHealthMonitor(service string, source StateSource, interval time.Duration, log *slog.Logger) *HealthMonitor {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &HealthMonitor{
		source:   source,
		service:  service,
		interval: interval,
		log:      log.With("component", "health"),
		server:   health.NewServer(),
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
	m.server.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	m.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Register adds the health service to s.
func (m *HealthMonitor) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, m.server)
}

// Server returns the underlying health server.
func (m *HealthMonitor) Server() *health.Server {
	return m.server
}

// Update samples the source once and publishes the status when it changed.
func (m *HealthMonitor) Update() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	state := m.source.State()
	if state == psrpc.StateConnected {
		status = healthpb.HealthCheckResponse_SERVING
	}

	m.mu.Lock()
	changed := status != m.last
	m.last = status
	m.mu.Unlock()

	if changed {
		m.server.SetServingStatus(m.service, status)
		m.server.SetServingStatus("", status)
		m.log.Info("health status changed", "service", m.service, "state", state.String(), "status", status.String())
	}
	return status
}

// Run updates the status every interval until ctx is done, then marks every
// service as not serving.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Update()
	for {
		select {
		case <-ctx.Done():
			m.server.Shutdown()
			return
		case <-ticker.C:
			m.Update()
		}
	}
}
