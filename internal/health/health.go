// Package health reports model readiness over the gRPC health protocol and
// re-probes the model on a schedule.
package health

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/model"
)

// ModelService is the health service name tracking the model resource.
const ModelService = "relay.model"

// StatusSource is the read side of model.Resource.
type StatusSource interface {
	Watch(ctx context.Context) <-chan model.Status
}

type Server struct {
	health *health.Server
	grpc   *grpc.Server
	logger *zap.Logger
}

func NewServer(logger *zap.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus(ModelService, healthpb.HealthCheckResponse_NOT_SERVING)
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{health: hs, grpc: gs, logger: logging.OrNop(logger)}
}

// Mirror sets the model service status from src until ctx is done or the
// watch channel closes.
func (s *Server) Mirror(ctx context.Context, src StatusSource) {
	for st := range src.Watch(ctx) {
		s.Set(st)
	}
	s.health.SetServingStatus(ModelService, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Set maps a model status to SERVING (Ready) or NOT_SERVING.
func (s *Server) Set(st model.Status) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.State == model.Ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ModelService, status)
	s.logger.Debug("health status", zap.String("service", ModelService), zap.Stringer("model", st), zap.Stringer("grpc", status))
}

func (s *Server) Checker() healthpb.HealthServer { return s.health }

// Serve accepts gRPC connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
