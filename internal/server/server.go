// Package server exposes the kill switch state as a gRPC health service so
// load balancers and orchestrators stop routing to a locked deployment.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ppiankov/shieldclaw/internal/model"
)

// ServiceName is the health service name reporting the kill switch.
const ServiceName = "shieldclaw"

// DefaultPollInterval bounds how long a marker created by another process
// goes unnoticed.
const DefaultPollInterval = 2 * time.Second

// StateSource reports the kill switch state and its transitions.
type StateSource interface {
	Status() model.KillSwitchState
	OnChange(fn func(model.KillSwitchState))
}

// Config holds gRPC server configuration.
type Config struct {
	Listen       string
	PollInterval time.Duration
}

// Server serves grpc.health.v1.Health for the kill switch.
type Server struct {
	cfg        Config
	source     StateSource
	health     *grpchealth.Server
	grpcServer *grpc.Server
	logger     zerolog.Logger
}

// New creates a server mirroring source. Transitions made through the
// same process update the status immediately; the poll covers the rest.
func New(cfg Config, source StateSource, logger zerolog.Logger) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	s := &Server{
		cfg:        cfg,
		source:     source,
		health:     grpchealth.NewServer(),
		grpcServer: grpc.NewServer(),
		logger:     logger.With().Str("component", "grpc").Logger(),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.set(source.Status())
	source.OnChange(s.set)
	return s
}

func servingStatus(state model.KillSwitchState) healthpb.HealthCheckResponse_ServingStatus {
	if state == model.Locked {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (s *Server) set(state model.KillSwitchState) {
	status := servingStatus(state)
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Refresh re-reads the kill switch state and publishes it.
func (s *Server) Refresh() model.KillSwitchState {
	state := s.source.Status()
	s.set(state)
	return state
}

// Serve listens on cfg.Listen and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("health service listening")
	return s.ServeOn(ctx, lis)
}

// ServeOn serves on lis until ctx is cancelled.
func (s *Server) ServeOn(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.grpcServer.Serve(lis) }()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	last := s.Refresh()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpcServer.GracefulStop()
			<-errc
			return nil
		case err := <-errc:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-ticker.C:
			if state := s.Refresh(); state != last {
				s.logger.Warn().Str("state", string(state)).Msg("kill switch state changed")
				last = state
			}
		}
	}
}
