package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryLoggingInterceptor logs admin RPCs. Health probes are logged at debug
// level unless they fail.
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		logger.Check(rpcLevel(info.FullMethod, err), "unary RPC").Write(
			zap.String("method", info.FullMethod),
			zap.String("request_id", incomingRequestID(ctx)),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", status.Code(err).String()),
			zap.Error(err),
		)
		return resp, err
	}
}

// StreamLoggingInterceptor logs streaming admin RPCs such as health Watch.
func StreamLoggingInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		requestID := incomingRequestID(ss.Context())

		logger.Debug("stream RPC started",
			zap.String("method", info.FullMethod),
			zap.String("request_id", requestID),
		)

		err := handler(srv, ss)

		code := status.Code(err)
		logErr := err
		// A client hanging up on Watch is the normal end of the stream.
		if code == codes.Canceled {
			logErr = nil
		}
		logger.Check(rpcLevel(info.FullMethod, logErr), "stream RPC").Write(
			zap.String("method", info.FullMethod),
			zap.String("request_id", requestID),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", code.String()),
			zap.Error(logErr),
		)
		return err
	}
}

func rpcLevel(method string, err error) zapcore.Level {
	switch {
	case err != nil:
		return zapcore.ErrorLevel
	case strings.HasPrefix(method, "/grpc.health."):
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func incomingRequestID(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if ids := md.Get("x-request-id"); len(ids) > 0 && ids[0] != "" {
		return ids[0]
	}
	return uuid.New().String()
}
