package meshbus

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in meshbus (prevents collisions).
type ctxKey string

const (
	codecCtxKey   ctxKey = "meshbus:codec"
	loggerCtxKey  ctxKey = "meshbus:logger"
	clockCtxKey   ctxKey = "meshbus:clock"
	resolverCtxKey ctxKey = "meshbus:resolver"
)

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves a Codec previously injected into the context.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves the active *xlog.Logger, if injected.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext retrieves the active xclock.Clock, if injected.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectResolver(ctx context.Context, r DependencyResolver) context.Context {
	if r == nil {
		return ctx
	}
	return context.WithValue(ctx, resolverCtxKey, r)
}

// ResolverFromContext retrieves the active DependencyResolver, if injected.
func ResolverFromContext(ctx context.Context) (DependencyResolver, bool) {
	if v := ctx.Value(resolverCtxKey); v != nil {
		if r, ok := v.(DependencyResolver); ok && r != nil {
			return r, true
		}
	}
	return nil, false
}

// injectAll attaches every standard dependency in one call; used on the path
// into a handler/consumer invocation.
func injectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock, resolver DependencyResolver) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	ctx = injectResolver(ctx, resolver)
	return ctx
}
