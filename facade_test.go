package meshbus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbus/meshbus"
	_ "github.com/meshbus/meshbus/adapter/memory" // registers the "memory" transport factory Default() resolves by name
)

func TestSetDefault_ReplacesProcessWideBus(t *testing.T) {
	custom, err := newMemoryBuilder("custom-default").Build()
	require.NoError(t, err)
	defer custom.Dispose(context.Background())

	meshbus.SetDefault(custom)
	assert.Same(t, custom, meshbus.Default())
}

func TestSetDefault_PanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { meshbus.SetDefault(nil) })
}

func TestFacade_Publish_UsesDefaultBus(t *testing.T) {
	builder := newMemoryBuilder("facade-default")
	meshbus.Produce[orderCreated](builder, meshbus.ProduceOptions{DefaultPath: "orders"})
	bus, err := builder.Build()
	require.NoError(t, err)
	defer bus.Dispose(context.Background())

	meshbus.SetDefault(bus)
	assert.NoError(t, meshbus.Publish(context.Background(), "orders", orderCreated{OrderID: "facade"}, nil))
}
