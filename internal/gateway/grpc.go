// ABOUTME: gRPC health service reporting per-remote-server serving status
// ABOUTME: The empty service name tracks the relay itself; each server name tracks one connector

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/mcp-relay/internal/manager"
)

// newHealthServer creates the gRPC server with only the health service
// registered. The relay itself reports SERVING immediately.
func newHealthServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	logger.Debug("gRPC health service registered")
	return server, hs
}

// servingStatus maps a manager event onto the health status of its server.
// ok is false for events that do not change it.
func servingStatus(kind manager.EventKind) (status healthpb.HealthCheckResponse_ServingStatus, ok bool) {
	switch kind {
	case manager.EventConnected:
		return healthpb.HealthCheckResponse_SERVING, true
	case manager.EventAdded, manager.EventDisconnected, manager.EventRetrying, manager.EventGaveUp, manager.EventError:
		return healthpb.HealthCheckResponse_NOT_SERVING, true
	case manager.EventRemoved:
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN, true
	}
	return 0, false
}

// updateHealth applies a manager event to the health service.
func (g *Gateway) updateHealth(ev manager.Event) {
	if g.health == nil || ev.Server == "" {
		return
	}
	if status, ok := servingStatus(ev.Kind); ok {
		g.health.SetServingStatus(ev.Server, status)
	}
}
