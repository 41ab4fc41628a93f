package sqspoll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbus/meshbus"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	msg := &meshbus.Message{
		ID:         "msg-1",
		Name:       "OrderCreated",
		Payload:    []byte(`{"order_id":"ord-1"}`),
		Metadata:   map[string]string{"source": "test"},
		ProducedAt: time.Unix(0, 1700000000000000000),
	}

	body, err := encodeMessage(msg)
	require.NoError(t, err)

	got, err := decodeMessage("sqs-msg-id", body)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Name, got.Name)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, msg.Metadata["source"], got.Metadata["source"])
	assert.True(t, msg.ProducedAt.Equal(got.ProducedAt))
}

func TestDecodeMessage_FallsBackToSQSMessageID(t *testing.T) {
	env := envelope{Name: "NoIDEvent", Payload: "", ProducedAt: 0}
	body, err := encodeMessage(&meshbus.Message{Name: env.Name})
	require.NoError(t, err)

	got, err := decodeMessage("sqs-generated-id", body)
	require.NoError(t, err)
	assert.Equal(t, "sqs-generated-id", got.ID)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Region = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxMessages = 11
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.WaitTimeSeconds = 21
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Concurrency = 0
	assert.Error(t, bad.Validate())
}

func TestConfigFromMap_AppliesOverrides(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"region":       "eu-west-1",
		"max_messages": int32(5),
		"concurrency":  12,
	})

	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, int32(5), cfg.MaxMessages)
	assert.Equal(t, 12, cfg.Concurrency)
}

func TestTransport_ResolveQueueURL_UsesConfiguredMapWithoutNetwork(t *testing.T) {
	cfg := Defaults()
	cfg.QueueURLs = map[string]string{
		"orders": "https://sqs.us-east-1.amazonaws.com/123456789012/orders",
	}
	tr := NewTransport(cfg)

	url, err := tr.resolveQueueURL(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, cfg.QueueURLs["orders"], url)

	// Cached lookups also avoid the network.
	url2, err := tr.resolveQueueURL(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, url, url2)
}

func TestTransport_ProduceToPath_NoMessagesIsNoop(t *testing.T) {
	tr := NewTransport(Defaults())
	require.NoError(t, tr.ProduceToPath(context.Background(), "orders"))
}

func TestTransport_ProduceToPath_AfterDisposeErrors(t *testing.T) {
	tr := NewTransport(Defaults())
	require.NoError(t, tr.Dispose(context.Background()))

	err := tr.ProduceToPath(context.Background(), "orders", &meshbus.Message{Name: "x"})
	assert.Error(t, err)
}
