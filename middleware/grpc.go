package middleware

import (
	"context"
	"net"
	"strconv"

	"github.com/MrEthical07/gatekeeper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// UnaryAuthInterceptor authenticates the "authorization" metadata bearer
// token. Methods in skip pass through unauthenticated.
func UnaryAuthInterceptor(engine *gatekeeper.Engine, skip ...string) grpc.UnaryServerInterceptor {
	public := methodSet(skip)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if public[info.FullMethod] {
			return handler(ctx, req)
		}
		authed, err := authenticate(ctx, engine)
		if err != nil {
			return nil, err
		}
		return handler(authed, req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(engine *gatekeeper.Engine, skip ...string) grpc.StreamServerInterceptor {
	public := methodSet(skip)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if public[info.FullMethod] {
			return handler(srv, ss)
		}
		authed, err := authenticate(ss.Context(), engine)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: authed})
	}
}

// UnaryRateLimitInterceptor admits calls against category, keyed by the
// authenticated user or the peer address. Quota data is sent as header
// metadata.
func UnaryRateLimitInterceptor(engine *gatekeeper.Engine, category string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if engine == nil {
			return handler(ctx, req)
		}
		d := engine.CheckRate(ctx, grpcRateKey(ctx), category, "")
		md := metadata.Pairs(
			"x-ratelimit-limit", strconv.Itoa(d.Limit),
			"x-ratelimit-remaining", strconv.Itoa(d.Remaining),
		)
		if !d.Allowed {
			md.Set("retry-after", retryAfterSeconds(d.RetryAfter))
		}
		_ = grpc.SetHeader(ctx, md)
		if !d.Allowed {
			return nil, statusError(&gatekeeper.RateLimitError{Category: d.Category, RetryAfter: d.RetryAfter, Decision: d})
		}
		return handler(ctx, req)
	}
}

func authenticate(ctx context.Context, engine *gatekeeper.Engine) (context.Context, error) {
	if engine == nil {
		return nil, statusError(gatekeeper.ErrEngineNotReady)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var token string
	if values := md.Get("authorization"); len(values) > 0 {
		token, _ = bearerToken(values[0])
	}
	if token == "" {
		return nil, statusError(gatekeeper.ErrUnauthorized)
	}

	res, err := engine.ValidateAccess(ctx, token)
	if err != nil {
		return nil, statusError(err)
	}
	ctx = gatekeeper.WithAuthResult(ctx, res)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ctx = gatekeeper.WithClientIP(ctx, peerHost(p.Addr))
	}
	if res.TenantID != "" {
		ctx = gatekeeper.WithTenantID(ctx, res.TenantID)
	}
	return ctx, nil
}

func grpcRateKey(ctx context.Context) string {
	if res, ok := gatekeeper.AuthResultFromContext(ctx); ok {
		return "user:" + res.UserID
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return "ip:" + peerHost(p.Addr)
	}
	return "ip:unknown"
}

func peerHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// statusError maps an engine error onto a gRPC status.
func statusError(err error) error {
	kind := gatekeeper.KindOf(err)
	msg := err.Error()
	switch kind {
	case gatekeeper.KindInternal, gatekeeper.KindUnavailable:
		msg = string(kind)
	}
	return status.Error(grpcCode(kind), msg)
}

func grpcCode(k gatekeeper.Kind) codes.Code {
	switch k {
	case gatekeeper.KindInvalidCredentials, gatekeeper.KindMFARequired, gatekeeper.KindRefreshReuseDetected,
		gatekeeper.KindSessionExpired, gatekeeper.KindUnauthorized:
		return codes.Unauthenticated
	case gatekeeper.KindInvalidOTP, gatekeeper.KindInvalidRequest:
		return codes.InvalidArgument
	case gatekeeper.KindOTPExpired:
		return codes.DeadlineExceeded
	case gatekeeper.KindMaxAttemptsExceeded, gatekeeper.KindRateLimited:
		return codes.ResourceExhausted
	case gatekeeper.KindCSRFInvalid:
		return codes.PermissionDenied
	case gatekeeper.KindNotFound:
		return codes.NotFound
	case gatekeeper.KindConflict:
		return codes.FailedPrecondition
	case gatekeeper.KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func methodSet(methods []string) map[string]bool {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	return set
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }
