package interceptors

import (
	"context"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"constellation/backend/internal/audit"
	"constellation/backend/internal/telemetry"
)

// AuditUnary returns a unary server interceptor that records an access_denied audit
// event when an RPC fails with Unauthenticated or PermissionDenied.
// skipMethods is the set of full method names never audited (e.g. health checks).
// Recording is best-effort and never changes the RPC result.
func AuditUnary(auditor audit.AuditLogger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if auditor == nil || err == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		switch status.Code(err) {
		case codes.Unauthenticated, codes.PermissionDenied:
		default:
			return resp, err
		}
		auditor.LogEvent(ctx, &telemetry.SecurityEvent{
			Type:      telemetry.EventAccessDenied,
			UserID:    UserIDFrom(ctx),
			IP:        ClientIP(ctx),
			UserAgent: userAgent(ctx),
			Detail:    info.FullMethod,
			At:        time.Now().UTC(),
		})
		return resp, err
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}

func userAgent(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("user-agent"); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
