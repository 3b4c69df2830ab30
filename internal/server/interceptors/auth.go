package interceptors

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"constellation/backend/internal/claims"
	"constellation/backend/internal/obs"
)

// AuthUnary returns a unary server interceptor that validates the Bearer access token
// from gRPC metadata and stores the Principal in the context for protected RPCs.
// publicMethods is the set of full method names that do not require a Bearer token
// (e.g. TokenService ValidateToken, grpc.health.v1.Health Check).
func AuthUnary(validator *claims.Validator, publicMethods map[string]bool, metrics *obs.Metrics, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		p, err := validator.ValidateAuthorization(authorizationHeader(ctx))
		if err != nil {
			reason := claims.ReasonOf(err)
			metrics.Rejected(reason)
			logger.Debug("grpc access token rejected", zap.String("method", info.FullMethod), zap.String("reason", reason))
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		return handler(WithPrincipal(ctx, p), req)
	}
}

// authorizationHeader returns the first authorization metadata value, or "".
func authorizationHeader(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}
