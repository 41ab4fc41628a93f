package redisstream

import (
	"github.com/meshbus/meshbus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Option configures the meshbus.BusBuilder when calling Use.
type Option func(*meshbus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *meshbus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *meshbus.BusBuilder) { b.WithClock(c) }
}

// WithSerializer selects the codec used to encode/decode payloads.
func WithSerializer(c meshbus.Codec) Option {
	return func(b *meshbus.BusBuilder) { b.WithSerializer(c) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...meshbus.Middleware) Option {
	return func(b *meshbus.BusBuilder) {
		for _, m := range mw {
			b.WithMiddleware(m)
		}
	}
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...meshbus.Observer) Option {
	return func(b *meshbus.BusBuilder) {
		for _, o := range obs {
			b.WithObserver(o)
		}
	}
}
