// Package server assembles the gRPC token service: interceptors, service registration and health.
package server

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"constellation/backend/internal/audit"
	"constellation/backend/internal/claims"
	"constellation/backend/internal/health"
	"constellation/backend/internal/obs"
	"constellation/backend/internal/server/interceptors"
)

// Full method names of the token service.
const (
	TokenServiceName     = "constellation.auth.v1.TokenService"
	MethodValidateToken  = "/" + TokenServiceName + "/ValidateToken"
	MethodWhoAmI         = "/" + TokenServiceName + "/WhoAmI"
	healthCheckMethod    = "/grpc.health.v1.Health/Check"
	healthWatchMethod    = "/grpc.health.v1.Health/Watch"
	defaultHealthRefresh = 10 * time.Second
)

// Deps holds the dependencies of the gRPC server. Auditor, Metrics, Health and Logger may be nil.
type Deps struct {
	Validator *claims.Validator
	Auditor   audit.AuditLogger
	Metrics   *obs.Metrics
	Health    *health.Checker
	Logger    *zap.Logger
}

// publicMethods do not require a Bearer token.
var publicMethods = map[string]bool{
	MethodValidateToken: true,
	healthCheckMethod:   true,
	healthWatchMethod:   true,
}

// quietMethods are not logged.
var quietMethods = map[string]bool{
	healthCheckMethod: true,
	healthWatchMethod: true,
}

// unauditedMethods skip the audit interceptor. ValidateToken rejections are
// routine answers for downstream services and must not write to shared storage.
var unauditedMethods = map[string]bool{
	MethodValidateToken: true,
	healthCheckMethod:   true,
	healthWatchMethod:   true,
}

// NewGRPCServer returns a gRPC server with the interceptor chain and all services registered,
// plus the health server so the caller can drive serving status.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) (*grpc.Server, *grpchealth.Server) {
	opts = append(opts,
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.LoggingUnary(deps.Logger, quietMethods),
			interceptors.AuditUnary(deps.Auditor, unauditedMethods),
			interceptors.AuthUnary(deps.Validator, publicMethods, deps.Metrics, deps.Logger),
		),
	)
	s := grpc.NewServer(opts...)
	hs := RegisterServices(s, deps)
	return s, hs
}

// RegisterServices registers the token service and the standard health service with s.
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) *grpchealth.Server {
	s.RegisterService(&tokenServiceDesc, &tokenServer{validator: deps.Validator})
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

// WatchHealth runs checker every interval and publishes the result as the serving
// status of the overall server and the token service. It returns when ctx is done.
func WatchHealth(ctx context.Context, checker *health.Checker, hs *grpchealth.Server, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = defaultHealthRefresh
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	update := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if checker != nil {
			if ok, failed := checker.Check(ctx); !ok {
				st = healthpb.HealthCheckResponse_NOT_SERVING
				logger.Warn("grpc health: dependencies failing", zap.Strings("failed", failed))
			}
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(TokenServiceName, st)
	}
	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}

// TokenServiceServer is implemented by the token service.
type TokenServiceServer interface {
	ValidateToken(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	WhoAmI(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

type tokenServer struct {
	validator *claims.Validator
}

// ValidateToken validates a raw access token for other services and returns its principal.
func (s *tokenServer) ValidateToken(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	p, err := s.validator.Validate(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "token rejected: "+claims.ReasonOf(err))
	}
	return principalStruct(p)
}

// WhoAmI returns the principal of the bearer token presented in metadata.
func (s *tokenServer) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	p, ok := interceptors.PrincipalFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	return principalStruct(p)
}

func principalStruct(p *claims.Principal) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(map[string]interface{}{
		"user_id":    p.UserID,
		"email":      p.Email,
		"verified":   p.Verified,
		"issued_at":  p.IssuedAt.UTC().Format(time.RFC3339),
		"expires_at": p.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode principal")
	}
	return out, nil
}

func validateTokenHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenServiceServer).ValidateToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodValidateToken}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TokenServiceServer).ValidateToken(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func whoAmIHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenServiceServer).WhoAmI(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodWhoAmI}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TokenServiceServer).WhoAmI(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var tokenServiceDesc = grpc.ServiceDesc{
	ServiceName: TokenServiceName,
	HandlerType: (*TokenServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ValidateToken", Handler: validateTokenHandler},
		{MethodName: "WhoAmI", Handler: whoAmIHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "constellation/auth/v1/token.proto",
}
