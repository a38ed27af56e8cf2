package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"usergate.dev/internal/auth"
	"usergate.dev/internal/obs"
)

// ServiceName is the health service key reported next to the server-wide "".
const ServiceName = "usergate.v1.Accounts"

// Authenticator resolves a bearer access token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (auth.Principal, error)
}

// GRPCServer publishes readiness through the standard grpc.health.v1 service.
type GRPCServer struct {
	health    *health.Server
	readiness ReadyProbe
}

// NewGRPCServer creates the health wrapper. Nothing is reported as serving
// until the first Check.
func NewGRPCServer(rp ReadyProbe) *GRPCServer {
	s := &GRPCServer{health: health.NewServer(), readiness: rp}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to reg.
func (s *GRPCServer) Register(reg grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(reg, s.health)
}

// Check evaluates readiness once and publishes the result.
func (s *GRPCServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		obs.Logger().WithError(err).Warn("grpc_readiness_check_failed")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(st == healthpb.HealthCheckResponse_SERVING)
	s.set(st)
	return st
}

// Run re-checks readiness every interval until ctx is done, then marks the
// server as shutting down so watchers drain.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	s.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

func (s *GRPCServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// NewGRPC builds a server with bearer authentication on every unary method
// except the health probes, and the health service registered.
func NewGRPC(authn Authenticator, rp ReadyProbe, opts ...grpc.ServerOption) (*grpc.Server, *GRPCServer) {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		UnaryAuth(authn, WithExcludedMethods(
			healthpb.Health_Check_FullMethodName,
			"/grpc.health.v1.Health/List",
		)),
	))
	srv := grpc.NewServer(opts...)
	hs := NewGRPCServer(rp)
	hs.Register(srv)
	return srv, hs
}

// AuthOption configures the auth interceptor.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedMethods map[string]bool
}

// WithExcludedMethods lists fully qualified methods that skip authentication.
func WithExcludedMethods(methods ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, m := range methods {
			cfg.excludedMethods[m] = true
		}
	}
}

// UnaryAuth authenticates the "authorization: Bearer <token>" metadata and
// stores the principal in the handler context.
func UnaryAuth(authn Authenticator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := &authConfig{excludedMethods: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		token := bearerFromMD(md)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing authorization token")
		}
		if authn == nil {
			return nil, status.Error(codes.Internal, "authenticator not configured")
		}
		principal, err := authn.Authenticate(ctx, token)
		if err != nil {
			return nil, grpcError(err)
		}
		ctx = auth.ContextWithPrincipal(ctx, principal)
		ctx = auth.ContextWithToken(ctx, token)
		return handler(ctx, req)
	}
}

func bearerFromMD(md metadata.MD) string {
	for _, v := range md.Get("authorization") {
		if token, err := extractBearerToken(v); err == nil {
			return token
		}
	}
	return ""
}

// grpcError maps service errors onto status codes, mirroring statusFor.
func grpcError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, auth.ErrValidation), errors.Is(err, auth.ErrNoFields):
		code = codes.InvalidArgument
	case errors.Is(err, auth.ErrInvalidCredentials), auth.IsTokenError(err):
		code = codes.Unauthenticated
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, auth.ErrRoleChangeDenied):
		code = codes.PermissionDenied
	case errors.Is(err, auth.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, auth.ErrConflict):
		code = codes.AlreadyExists
	default:
		obs.Logger().WithError(err).Error("grpc_request_failed")
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, strings.TrimPrefix(err.Error(), "auth: "))
}
