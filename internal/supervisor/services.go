package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// HTTPServer is the lifecycle subset of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs an HTTP server as a supervised service and shuts
// it down gracefully when the tree stops.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
	logger          *zap.Logger
}

func NewHTTPServerService(name string, server HTTPServer, shutdownTimeout time.Duration, logger *zap.Logger) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout, name: name, logger: logger}
}

func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", h.name, err)
		}
		<-errCh
		h.logger.Info("listener stopped", zap.String("service", h.name))
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return h.name
}

// GRPCServerService serves a gRPC server on addr.
type GRPCServerService struct {
	server          *grpc.Server
	addr            string
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

func NewGRPCServerService(server *grpc.Server, addr string, shutdownTimeout time.Duration, logger *zap.Logger) *GRPCServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &GRPCServerService{server: server, addr: addr, shutdownTimeout: shutdownTimeout, logger: logger}
}

func (g *GRPCServerService) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.server.Serve(lis)
	}()
	g.logger.Info("admin gRPC server listening", zap.String("addr", g.addr))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin grpc server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			g.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(g.shutdownTimeout):
			g.server.Stop()
		}
		<-errCh
		return ctx.Err()
	}
}

func (g *GRPCServerService) String() string {
	return "admin-grpc"
}
