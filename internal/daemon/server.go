package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server manages the gRPC server lifecycle for a session daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the session's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, svc *api.Service) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists. The session lock guarantees no live
	// daemon owns it.
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

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(metrics.GRPCServerMetricsUnaryInterceptor()))
	api.RegisterChatSyncServer(srv, svc)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// SocketPath is where the server listens.
func (s *Server) SocketPath() string { return s.socketPath }

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop drains in-flight calls and removes the socket file. Streams still
// open when ctx expires are cut off.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
	_ = os.Remove(s.socketPath)
}
