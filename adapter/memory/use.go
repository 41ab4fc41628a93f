package memory

import (
	"fmt"

	"github.com/meshbus/meshbus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus with the in-memory transport and sets it as the
// process-wide default (mirrors redisstream.Use).
func Use(cfg Config, configure func(*meshbus.BusBuilder), opts ...Option) *meshbus.Bus {
	transport := NewTransport(cfg)
	bb := meshbus.NewBusBuilder("memory").WithTransport(transport)

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	if configure != nil {
		configure(bb)
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	meshbus.SetDefault(bus)
	return bus
}

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

// WithMiddleware adds processing middlewares (retry, timeout, etc).
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

// WithObserverPool configures the async observer pool's size.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *meshbus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
