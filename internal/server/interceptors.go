package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// healthServicePrefix matches every method of grpc.health.v1.Health.
const healthServicePrefix = "/grpc.health.v1.Health/"

// checkBearer validates an Authorization value against token. It returns
// the refusal reason, or "" when the credential is accepted.
func checkBearer(header, token string) string {
	if header == "" {
		return "missing authorization header"
	}
	provided, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "invalid authorization scheme"
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
		return "invalid token"
	}
	return ""
}

func authorizeRPC(ctx context.Context, method, token string) error {
	if token == "" || strings.HasPrefix(method, healthServicePrefix) {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	if reason := checkBearer(header, token); reason != "" {
		return status.Error(codes.Unauthenticated, reason)
	}
	return nil
}

// AuthInterceptor requires "authorization: Bearer <token>" metadata on
// unary calls. An empty token disables auth; the health service is exempt.
func AuthInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := authorizeRPC(ctx, info.FullMethod, token); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is AuthInterceptor for streaming calls such as
// Health/Watch.
func StreamAuthInterceptor(token string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := authorizeRPC(ss.Context(), info.FullMethod, token); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// LoggingInterceptor logs every unary call with its duration. Health
// probes log at debug level since orchestrators poll them constantly.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		attrs := []any{"method", info.FullMethod, "duration", time.Since(start)}
		switch {
		case err != nil:
			logger.Error("server: rpc failed", append(attrs, "code", status.Code(err), "err", err)...)
		case strings.HasPrefix(info.FullMethod, healthServicePrefix):
			logger.Debug("server: rpc completed", attrs...)
		default:
			logger.Info("server: rpc completed", attrs...)
		}
		return resp, err
	}
}

func recoverRPC(method string, err *error) {
	if r := recover(); r != nil {
		slog.Error("server: panic recovered in gRPC handler",
			"method", method,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()),
		)
		*err = status.Errorf(codes.Internal, "internal server error")
	}
}

// RecoveryInterceptor turns a handler panic into codes.Internal.
func RecoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer recoverRPC(info.FullMethod, &err)
	return handler(ctx, req)
}

// StreamRecoveryInterceptor turns a stream handler panic into codes.Internal.
func StreamRecoveryInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer recoverRPC(info.FullMethod, &err)
	return handler(srv, ss)
}

// AuthMiddleware requires a Bearer token on HTTP requests. An empty token
// disables auth. GET /v1/health is exempt. The two decision streams also
// accept ?access_token=, since browser EventSource and WebSocket clients
// cannot set headers.
func AuthMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/v1/health" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" && isStreamPath(r) {
			if qt := r.URL.Query().Get("access_token"); qt != "" {
				header = "Bearer " + qt
			}
		}
		if reason := checkBearer(header, token); reason != "" {
			writeError(w, http.StatusUnauthorized, reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isStreamPath(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		(r.URL.Path == "/v1/decisions/stream" || r.URL.Path == "/v1/decisions/ws")
}
