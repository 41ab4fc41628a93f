package meshbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbus/meshbus"
	"github.com/meshbus/meshbus/adapter/memory"
)

type notificationSent struct {
	UserID string `json:"user_id"`
}

func memoryChildBuilder(name string) *meshbus.BusBuilder {
	return meshbus.NewBusBuilder(name).
		WithTransport(memory.NewTransport(memory.Config{BufferSize: 32, Concurrency: 1, AssignIDs: true}))
}

func TestHybridBus_Publish_RoutesByType(t *testing.T) {
	ordersDone := make(chan struct{}, 1)
	notificationsDone := make(chan struct{}, 1)

	ordersBuilder := memoryChildBuilder("orders")
	meshbus.Produce[orderCreated](ordersBuilder, meshbus.ProduceOptions{DefaultPath: "orders"})
	meshbus.Consume[orderCreated](ordersBuilder, meshbus.ConsumeOptions{
		Path: "orders", Group: "g", Instances: 1,
		Consumer: func(context.Context, *meshbus.Message) error { ordersDone <- struct{}{}; return nil },
	})

	notificationsBuilder := memoryChildBuilder("notifications")
	meshbus.Produce[notificationSent](notificationsBuilder, meshbus.ProduceOptions{DefaultPath: "notifications"})
	meshbus.Consume[notificationSent](notificationsBuilder, meshbus.ConsumeOptions{
		Path: "notifications", Group: "g", Instances: 1,
		Consumer: func(context.Context, *meshbus.Message) error { notificationsDone <- struct{}{}; return nil },
	})

	hb := meshbus.NewHybridBuilder("storefront").
		WithPublishExecutionMode(meshbus.PublishParallel).
		AddChildBus("orders", ordersBuilder).
		AddChildBus("notifications", notificationsBuilder)

	bus, err := hb.Build()
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	defer bus.Dispose(context.Background())

	require.NoError(t, bus.Publish(context.Background(), "orders", orderCreated{OrderID: "1"}, nil))
	require.NoError(t, bus.Publish(context.Background(), "notifications", notificationSent{UserID: "u1"}, nil))

	for i, ch := range []chan struct{}{ordersDone, notificationsDone} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for route %d", i)
		}
	}
}

func TestHybridBuilder_Build_RejectsEmptyChildren(t *testing.T) {
	_, err := meshbus.NewHybridBuilder("empty").Build()
	assert.Error(t, err)
}

func TestHybridBuilder_Build_DoesNotStartChildren(t *testing.T) {
	hb := meshbus.NewHybridBuilder("storefront").
		AddChildBus("orders", memoryChildBuilder("orders")).
		AddChildBus("notifications", memoryChildBuilder("notifications"))

	bus, err := hb.Build()
	require.NoError(t, err)
	assert.False(t, bus.IsStarted(), "children must not be consuming until HybridBus.Start is called")

	require.NoError(t, bus.Start(context.Background()))
	assert.True(t, bus.IsStarted())
}

func TestHybridBuilder_AddChildBus_RejectsDuplicateName(t *testing.T) {
	hb := meshbus.NewHybridBuilder("dup").
		AddChildBus("orders", memoryChildBuilder("orders")).
		AddChildBus("orders", memoryChildBuilder("orders-2"))

	_, err := hb.Build()
	assert.Error(t, err)
}

func TestHybridBuilder_Build_RejectsRequestTypeOwnedByTwoChildren(t *testing.T) {
	first := memoryChildBuilder("a")
	meshbus.RequestResponseFor[priceQuoteRequest, priceQuoteResponse](first, meshbus.ProduceOptions{DefaultPath: "pricing"})

	second := memoryChildBuilder("b")
	meshbus.RequestResponseFor[priceQuoteRequest, priceQuoteResponse](second, meshbus.ProduceOptions{DefaultPath: "pricing"})

	hb := meshbus.NewHybridBuilder("conflict").
		AddChildBus("a", first).
		AddChildBus("b", second)

	_, err := hb.Build()
	assert.Error(t, err)
}

func TestHybridBus_Subscribe_AlwaysErrors(t *testing.T) {
	hb := meshbus.NewHybridBuilder("single").AddChildBus("orders", memoryChildBuilder("orders"))
	bus, err := hb.Build()
	require.NoError(t, err)
	defer bus.Dispose(context.Background())

	err = bus.Subscribe(meshbus.ConsumerSettings{Path: "orders"})
	assert.Error(t, err)
}

func TestHybridBus_Send_RoutesToSoleOwningChild(t *testing.T) {
	builder := memoryChildBuilder("pricing").ExpectRequestResponses("pricing.replies", "g", time.Second)
	meshbus.Handle[priceQuoteRequest, priceQuoteResponse](builder,
		meshbus.ProduceOptions{DefaultPath: "pricing.requests"},
		meshbus.HandleOptions{
			Path: "pricing.requests", Group: "g", Instances: 1,
			Handler: func(ctx context.Context, msg *meshbus.Message) (any, error) {
				return priceQuoteResponse{AmountUSD: 9.99}, nil
			},
		})

	hb := meshbus.NewHybridBuilder("single").AddChildBus("pricing", builder)
	bus, err := hb.Build()
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	defer bus.Dispose(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := bus.Send(ctx, "pricing.requests", priceQuoteRequest{OrderID: "1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, priceQuoteResponse{AmountUSD: 9.99}, resp)
}

func TestHybridBus_GetMetrics_AggregatesChildren(t *testing.T) {
	hb := meshbus.NewHybridBuilder("agg").
		AddChildBus("a", memoryChildBuilder("a")).
		AddChildBus("b", memoryChildBuilder("b"))

	bus, err := hb.Build()
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	defer bus.Dispose(context.Background())

	m := bus.GetMetrics()
	assert.Equal(t, uint64(0), m.Produced)
}
