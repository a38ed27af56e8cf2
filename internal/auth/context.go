package auth

import "context"

// caller is what the transport learned about whoever sent the request.
type caller struct {
	principal Principal
	token     string
}

type callerKey struct{}

func callerFrom(ctx context.Context) caller {
	if ctx == nil {
		return caller{}
	}
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}

// ContextWithPrincipal attaches the authenticated principal to ctx.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	c := callerFrom(ctx)
	c.principal = principal
	return context.WithValue(ctx, callerKey{}, c)
}

// PrincipalFromContext returns the principal set by ContextWithPrincipal.
// A principal without an id counts as absent.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p := callerFrom(ctx).principal
	return p, p.ID != ""
}

// ContextWithToken keeps the raw bearer token next to the principal. It must
// never be logged.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	c := callerFrom(ctx)
	c.token = token
	return context.WithValue(ctx, callerKey{}, c)
}

// TokenFromContext returns the bearer token the request authenticated with.
func TokenFromContext(ctx context.Context) (string, bool) {
	t := callerFrom(ctx).token
	return t, t != ""
}
