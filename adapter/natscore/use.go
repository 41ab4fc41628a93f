package natscore

import (
	"fmt"

	"github.com/meshbus/meshbus"
)

// Use builds a Bus with the NATS JetStream transport and sets it as the
// process-wide default (mirrors memory.Use and redisstream.Use).
func Use(cfg Config, configure func(*meshbus.BusBuilder), opts ...Option) *meshbus.Bus {
	transport := NewTransport(cfg)
	bb := meshbus.NewBusBuilder("nats-jetstream").WithTransport(transport)

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
		panic(fmt.Errorf("natscore.Use: %w", err))
	}

	meshbus.SetDefault(bus)
	return bus
}
