package natscore

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbus/meshbus"
)

func TestEncodeDecodeMessage_RoundTrip(t *testing.T) {
	msg := &meshbus.Message{
		ID:         "msg-1",
		Name:       "OrderCreated",
		Payload:    []byte(`{"order_id":"ord-1"}`),
		Metadata:   map[string]string{"source": "test"},
		ProducedAt: time.Unix(0, 1700000000000000000),
	}

	natsMsg := encodeMessage("MESHBUS.orders", msg)
	assert.Equal(t, "MESHBUS.orders", natsMsg.Subject)
	assert.Equal(t, msg.Payload, natsMsg.Data)

	got := decodeMessage(natsMsg)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Name, got.Name)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, msg.Metadata["source"], got.Metadata["source"])
	assert.True(t, msg.ProducedAt.Equal(got.ProducedAt))
}

func TestDecodeMessage_MissingHeadersYieldsEmptyFields(t *testing.T) {
	natsMsg := &nats.Msg{Subject: "MESHBUS.orders", Data: []byte("payload"), Header: nats.Header{}}
	got := decodeMessage(natsMsg)

	assert.Equal(t, "", got.ID)
	assert.Equal(t, "", got.Name)
	assert.Equal(t, []byte("payload"), got.Payload)
	assert.NotNil(t, got.Metadata)
	assert.Empty(t, got.Metadata)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.URL = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.StreamName = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxDeliver = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Concurrency = 0
	assert.Error(t, bad.Validate())
}

func TestConfigFromMap_AppliesOverrides(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"url":         "nats://nats.internal:4222",
		"stream_name": "ORDERS",
		"max_deliver": 10,
	})

	assert.Equal(t, "nats://nats.internal:4222", cfg.URL)
	assert.Equal(t, "ORDERS", cfg.StreamName)
	assert.Equal(t, 10, cfg.MaxDeliver)
}

func TestTransport_ProduceToPath_AfterDisposeErrors(t *testing.T) {
	tr := NewTransport(Defaults())
	require.NoError(t, tr.Dispose(nil))

	err := tr.ProduceToPath(nil, "orders", &meshbus.Message{Name: "x"})
	assert.Error(t, err)
}

func TestTransport_ProduceToPath_NoMessagesIsNoop(t *testing.T) {
	tr := NewTransport(Defaults())
	require.NoError(t, tr.ProduceToPath(nil, "orders"))
}
