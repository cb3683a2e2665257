package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/wppdesk/internal/config"
	"github.com/matheus3301/wppdesk/internal/metrics"
	"github.com/matheus3301/wppdesk/internal/session"
	"github.com/matheus3301/wppdesk/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reporting the push connection.
const ServiceName = "wppdesk.Session"

// Server manages the gRPC server lifecycle for a session daemon. It exposes
// the standard health service; the session reports SERVING only while the
// push channel is connected.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the session's Unix domain socket.
func NewServer(p Params, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	listener, err := listenUnix(socketPath)
	if err != nil {
		return nil, err
	}

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// listenUnix binds a socket only the owner can reach, replacing a stale one.
func listenUnix(socketPath string) (net.Listener, error) {
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return listener, nil
}

// SetSessionStatus maps the session status onto the health service.
func (s *Server) SetSessionStatus(st status.State) {
	s.health.SetServingStatus(ServiceName, servingStatus(st))
}

func servingStatus(st status.State) healthpb.HealthCheckResponse_ServingStatus {
	if st == status.Connected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// MetricsServer serves the Prometheus registry over HTTP. It is inert when no
// address is configured.
type MetricsServer struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates the metrics endpoint for cfg.Daemon.MetricsAddr.
func NewMetricsServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{logger: logger}
	if cfg.Daemon.MetricsAddr == "" {
		return ms
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	ms.srv = &http.Server{
		Addr:              cfg.Daemon.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Start serves in the background.
func (ms *MetricsServer) Start() {
	if ms.srv == nil {
		return
	}
	ms.logger.Info("metrics server starting", zap.String("addr", ms.srv.Addr))
	go func() {
		if err := ms.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the endpoint down.
func (ms *MetricsServer) Stop(ctx context.Context) {
	if ms.srv == nil {
		return
	}
	if err := ms.srv.Shutdown(ctx); err != nil {
		ms.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
