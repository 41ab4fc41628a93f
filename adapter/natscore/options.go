package natscore

import (
	"github.com/meshbus/meshbus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Option configures the meshbus.BusBuilder when calling Use.
type Option func(*meshbus.BusBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *meshbus.BusBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *meshbus.BusBuilder) { b.WithClock(c) }
}

func WithMiddleware(mw ...meshbus.Middleware) Option {
	return func(b *meshbus.BusBuilder) {
		for _, m := range mw {
			b.WithMiddleware(m)
		}
	}
}

func WithObserver(obs ...meshbus.Observer) Option {
	return func(b *meshbus.BusBuilder) {
		for _, o := range obs {
			b.WithObserver(o)
		}
	}
}
