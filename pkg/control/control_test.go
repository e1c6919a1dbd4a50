package control

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/core-tools/hsu-users/pkg/domain"
	"github.com/core-tools/hsu-users/pkg/logging"
)

func startTestServer(t *testing.T, register func(*grpc.Server)) *grpc.ClientConn {
	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	register(server)

	go server.Serve(listener)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCHandler_StatusRoundTrip(t *testing.T) {
	handler := domain.NewStatusHandler(logging.Nop())
	conn := startTestServer(t, func(s *grpc.Server) {
		RegisterGRPCServerHandler(s, handler, logging.Nop())
	})
	gateway := NewGRPCClientGateway(conn, logging.Nop())
	ctx := context.Background()

	current, err := gateway.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotServing, current)

	handler.SetStatus(domain.StatusServing)
	current, err = gateway.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusServing, current)

	t.Run("overall_service_name", func(t *testing.T) {
		response, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, response.GetStatus())
	})

	t.Run("unknown_service", func(t *testing.T) {
		_, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "orders"})
		assert.Equal(t, codes.NotFound, status.Code(err))
	})
}

func TestRegisterGRPCServerHandler_SkipsExistingHealthService(t *testing.T) {
	existing := health.NewServer()
	existing.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	handler := domain.NewStatusHandler(logging.Nop())
	conn := startTestServer(t, func(s *grpc.Server) {
		healthpb.RegisterHealthServer(s, existing)
		assert.NotPanics(t, func() {
			RegisterGRPCServerHandler(s, handler, logging.Nop())
		})
	})

	current, err := NewGRPCClientGateway(conn, logging.Nop()).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusServing, current, "answered by the existing service")
}

func TestServingStatus(t *testing.T) {
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(domain.StatusServing))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, ServingStatus(domain.StatusNotServing))
	assert.Equal(t, healthpb.HealthCheckResponse_UNKNOWN, ServingStatus("OK"))
}

func TestControlUnit_StopBeforeStart(t *testing.T) {
	unit := NewControlUnit(UnitOptions{Port: 50055}, NewCoreLogger("", logging.Nop()), logging.Nop())

	assert.Equal(t, "control", unit.Name())
	assert.Empty(t, unit.Dependencies())
	assert.NoError(t, unit.Stop(context.Background()))
	assert.NoError(t, unit.Stop(context.Background()))

	current, err := unit.Handler().Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotServing, current)
}
