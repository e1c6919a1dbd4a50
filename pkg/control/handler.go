package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/core-tools/hsu-users/pkg/domain"
	"github.com/core-tools/hsu-users/pkg/logging"
)

// ServiceName is the grpc.health.v1 service name the users service answers
// for, in addition to the empty overall name.
const ServiceName = "users"

// RegisterGRPCServerHandler exposes handler as the grpc.health.v1 Health
// service. It does nothing when the registrar already serves Health.
func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	if info, ok := grpcServerRegistrar.(interface {
		GetServiceInfo() map[string]grpc.ServiceInfo
	}); ok {
		if _, exists := info.GetServiceInfo()[healthpb.Health_ServiceDesc.ServiceName]; exists {
			logger.Warnf("Health service already registered, users status is not exposed")
			return
		}
	}

	healthpb.RegisterHealthServer(grpcServerRegistrar, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	healthpb.UnimplementedHealthServer
	handler domain.Contract
	logger  logging.Logger
}

func (h *grpcServerHandler) Check(ctx context.Context, request *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if service := request.GetService(); service != "" && service != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", service)
	}

	current, err := h.handler.Status(ctx)
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
		return nil, status.Error(codes.Internal, err.Error())
	}
	h.logger.Debugf("Status server handler done, status: %s", current)
	return &healthpb.HealthCheckResponse{Status: ServingStatus(current)}, nil
}

// ServingStatus converts a domain status to the grpc.health.v1 enum.
// Unrecognised values map to UNKNOWN.
func ServingStatus(s string) healthpb.HealthCheckResponse_ServingStatus {
	if value, ok := healthpb.HealthCheckResponse_ServingStatus_value[s]; ok {
		return healthpb.HealthCheckResponse_ServingStatus(value)
	}
	return healthpb.HealthCheckResponse_UNKNOWN
}
