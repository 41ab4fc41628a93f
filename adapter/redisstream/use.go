package redisstream

import (
	"fmt"

	"github.com/meshbus/meshbus"
)

const TransportName = "redis-streams"

// Use builds a Bus with the Redis Streams transport and sets it as the
// process-wide default (mirrors memory.Use).
func Use(cfg Config, configure func(*meshbus.BusBuilder), opts ...Option) *meshbus.Bus {
	transport := NewTransport(cfg)
	bb := meshbus.NewBusBuilder("redis-streams").WithTransport(transport)

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
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	meshbus.SetDefault(bus)
	return bus
}
