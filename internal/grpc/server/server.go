package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/EternisAI/silo-link/internal/grpc/channel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

type Server struct {
	grpcServer    *grpc.Server
	streamHandler *StreamHandler
	port          int
}

// NewServer builds the channel server. creds may be nil for a plaintext
// listener.
func NewServer(port int, handler *StreamHandler, creds credentials.TransportCredentials) *Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}

	s := &Server{
		grpcServer:    grpc.NewServer(opts...),
		streamHandler: handler,
		port:          port,
	}
	channel.RegisterLinkServiceServer(s.grpcServer, s)
	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	slog.Info("Starting gRPC server", "address", lis.Addr().String())

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}
	return nil
}

func (s *Server) Channel(stream channel.ServerStream) error {
	return s.streamHandler.HandleStream(stream)
}
