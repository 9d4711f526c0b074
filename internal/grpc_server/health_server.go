package grpc_server

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/georgeji/record-observer/internal/observer"
)

// ServiceName is the health service name reported for the observer.
const ServiceName = "recordobserver.Observer"

// HealthServer gRPC 健康检查，跟随观察器状态
type HealthServer struct {
	logger *zap.Logger
	health *health.Server
}

func NewHealthServer(logger *zap.Logger) *HealthServer {
	s := &HealthServer{
		logger: logger,
		health: health.NewServer(),
	}
	// 启动前不可用
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the standard health service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// HandleStatus is an observer.StatusHandler. The observer is serving once
// started and until stopped; a dropped live channel does not change it since
// polling continues.
func (s *HealthServer) HandleStatus(st observer.Status) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.Started && !st.Stopped {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.logger.Debug("health status changed",
		zap.String("service", ServiceName),
		zap.String("status", status.String()),
		zap.Bool("live_subscribed", st.LiveSubscribed),
	)
	s.health.SetServingStatus(ServiceName, status)
}

// Shutdown marks every service NOT_SERVING and ends watch streams.
func (s *HealthServer) Shutdown() {
	s.health.Shutdown()
}
