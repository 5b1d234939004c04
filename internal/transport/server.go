// Package transport serves the engine's gRPC control surface: the standard
// health service, keyed by stage name, plus server reflection.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"scriptflow/internal/transform"
)

type Server struct {
	grpc   *grpc.Server
	lis    net.Listener
	health *health.Server

	mu   sync.Mutex
	open map[string]int
}

func StartServer(port int) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		lis:    lis,
		health: health.NewServer(),
		open:   map[string]int{},
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Port reports the bound port.
func (s *Server) Port() int { return s.lis.Addr().(*net.TCPAddr).Port }

// Declare registers stage names so health checks answer NOT_SERVING for them
// before any instance opens instead of NOT_FOUND.
func (s *Server) Declare(stages ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range stages {
		if s.open[name] == 0 {
			s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
}

// Ready flips the overall service to SERVING.
func (s *Server) Ready() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Observer returns a stage observer that keeps per-stage health in step with
// the number of open stage instances.
func (s *Server) Observer() transform.Observer { return healthObserver{s} }

func (s *Server) stage(name string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.open[name] + delta
	if n < 0 {
		n = 0
	}
	s.open[name] = n
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if n > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(name, status)
}

type healthObserver struct {
	s *Server
}

func (o healthObserver) StageOpened(stage string) { o.s.stage(stage, 1) }
func (o healthObserver) StageClosed(stage string) { o.s.stage(stage, -1) }

func (healthObserver) ProcessSpawned(string, int)           {}
func (healthObserver) ProcessReleased(string, int)          {}
func (healthObserver) RowTransformed(string, time.Duration) {}
func (healthObserver) RowFailed(string, string)             {}
