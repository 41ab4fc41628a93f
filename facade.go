package meshbus

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide singleton Bus, lazily built against the
// in-memory transport the first time it's needed.
func Default() *Bus {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus != nil {
		return defaultBus
	}

	transport, err := NewTransport("memory", nil)
	if err != nil {
		panic(fmt.Sprintf("meshbus: failed to initialize default transport: %v", err))
	}
	bus, err := NewBusBuilder("default").
		WithTransport(transport).
		AutoStartConsumersEnabled(false).
		Build()
	if err != nil {
		panic(fmt.Sprintf("meshbus: failed to initialize default bus: %v", err))
	}
	defaultBus = bus
	return defaultBus
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("meshbus: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, path string, payload any, meta map[string]string) error {
	return Default().Publish(ctx, path, payload, meta)
}

// PublishBatch is the Facade using the default bus for batch publishing.
func PublishBatch(ctx context.Context, path string, events ...PublishEvent) error {
	return Default().PublishBatch(ctx, path, events...)
}

// Send is the Facade using the default bus for request/response.
func Send(ctx context.Context, path string, payload any, meta map[string]string) (any, error) {
	return Default().Send(ctx, path, payload, meta)
}

// Subscribe is the Facade using the default bus.
func Subscribe(cs ConsumerSettings) error {
	return Default().Subscribe(cs)
}
