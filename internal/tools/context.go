package tools

import (
	"context"

	"counsel/internal/gateway"
)

type ctxKey int

const (
	registryKey ctxKey = iota
	gatewayKey
)

// WithRegistry attaches the registry to ctx. Execute does this
// automatically, so a tool handler can invoke other tools through
// [RegistryFrom].
func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, registryKey, r)
}

// RegistryFrom returns the registry attached to ctx, or nil.
func RegistryFrom(ctx context.Context) *Registry {
	r, _ := ctx.Value(registryKey).(*Registry)
	return r
}

// WithGateway attaches the calling advisor's gateway client to ctx so
// a tool can make its own model calls.
func WithGateway(ctx context.Context, c gateway.Client) context.Context {
	return context.WithValue(ctx, gatewayKey, c)
}

// GatewayFrom returns the gateway client attached to ctx, or nil.
func GatewayFrom(ctx context.Context) gateway.Client {
	c, _ := ctx.Value(gatewayKey).(gateway.Client)
	return c
}
