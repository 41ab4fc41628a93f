package redisstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbus/meshbus"
)

// newTestServer starts an in-process Redis server for deterministic tests
// (no real network dependency, no shared fixture to clean up between runs).
func newTestServer(t *testing.T) (*miniredis.Miniredis, Config) {
	srv := miniredis.RunT(t)

	cfg := Defaults()
	cfg.Addr = srv.Addr()
	cfg.Group = "test-group"
	cfg.Consumer = "test-consumer"
	cfg.Concurrency = 2
	cfg.Block = 50 * time.Millisecond
	cfg.ClaimInterval = 0

	return srv, cfg
}

func startedTransport(t *testing.T, cfg Config) *Transport {
	tr := NewTransport(cfg)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Dispose(context.Background()) })
	return tr
}

func TestTransport_ProduceToPath_SingleMessage(t *testing.T) {
	srv, cfg := newTestServer(t)
	defer srv.Close()

	tr := startedTransport(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := &meshbus.Message{
		Name:       "TestEvent",
		Payload:    []byte(`{"test": "data"}`),
		Metadata:   map[string]string{"key": "value"},
		ProducedAt: time.Now(),
	}

	require.NoError(t, tr.ProduceToPath(ctx, "test-path", msg))

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	n, err := client.XLen(ctx, "test-path").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTransport_ProduceToPath_Batch(t *testing.T) {
	srv, cfg := newTestServer(t)
	defer srv.Close()

	tr := startedTransport(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const batchSize = 50
	msgs := make([]*meshbus.Message, batchSize)
	for i := 0; i < batchSize; i++ {
		msgs[i] = &meshbus.Message{
			Name:       "BatchEvent",
			Payload:    []byte(fmt.Sprintf(`{"index":%d}`, i)),
			Metadata:   map[string]string{"batch": "true"},
			ProducedAt: time.Now(),
		}
	}

	require.NoError(t, tr.ProduceToPath(ctx, "test-path", msgs...))

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	n, err := client.XLen(ctx, "test-path").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(batchSize), n)
}

func TestTransport_Subscribe_ConsumesAllMessages(t *testing.T) {
	srv, cfg := newTestServer(t)
	defer srv.Close()

	tr := startedTransport(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const numMessages = 25
	msgs := make([]*meshbus.Message, numMessages)
	for i := 0; i < numMessages; i++ {
		msgs[i] = &meshbus.Message{
			Name:       "ConsumeTestEvent",
			Payload:    []byte(fmt.Sprintf(`{"id":%d}`, i)),
			ProducedAt: time.Now(),
		}
	}
	require.NoError(t, tr.ProduceToPath(ctx, "consume-test", msgs...))

	var consumedCount atomic.Int64
	done := make(chan struct{})

	sub, err := tr.Subscribe(ctx, "consume-test", cfg.Group, func(d meshbus.Delivery) {
		_ = d.Ack(ctx)
		if consumedCount.Add(1) == int64(numMessages) {
			close(done)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-done:
		assert.Equal(t, int64(numMessages), consumedCount.Load())
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for messages (consumed %d/%d)", consumedCount.Load(), numMessages)
	}
}

func TestTransport_DeadLetter_NackWritesToDLQ(t *testing.T) {
	srv, cfg := newTestServer(t)
	defer srv.Close()

	cfg.DeadLetter = "test-dlq"
	tr := startedTransport(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := &meshbus.Message{
		Name:       "DLQTestEvent",
		Payload:    []byte(`{"test":"dlq"}`),
		ProducedAt: time.Now(),
	}
	require.NoError(t, tr.ProduceToPath(ctx, "dlq-path", msg))

	var nacked atomic.Bool
	done := make(chan struct{})

	sub, err := tr.Subscribe(ctx, "dlq-path", cfg.Group, func(d meshbus.Delivery) {
		if nacked.CompareAndSwap(false, true) {
			_ = d.Nack(ctx, fmt.Errorf("boom"))
			close(done)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for nack")
	}

	// Nack with a dead letter configured writes the DLQ entry and acks the
	// original before the handler closes done; poll until the entry is visible.
	require.Eventually(t, func() bool {
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		defer client.Close()
		n, err := client.XLen(ctx, cfg.DeadLetter).Result()
		return err == nil && n >= 1
	}, 2*time.Second, 50*time.Millisecond)
}

func TestTransport_ConcurrentProducers(t *testing.T) {
	srv, cfg := newTestServer(t)
	defer srv.Close()

	tr := startedTransport(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const numProducers = 8
	const messagesPerProducer = 25

	var wg sync.WaitGroup
	var errCount atomic.Int64

	for p := 0; p < numProducers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < messagesPerProducer; i++ {
				msg := &meshbus.Message{
					Name:       "ConcurrentEvent",
					Payload:    []byte(fmt.Sprintf(`{"producer":%d,"i":%d}`, id, i)),
					ProducedAt: time.Now(),
				}
				if err := tr.ProduceToPath(ctx, "concurrent-path", msg); err != nil {
					errCount.Add(1)
				}
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, int64(0), errCount.Load())

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	n, err := client.XLen(ctx, "concurrent-path").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(numProducers*messagesPerProducer), n)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Addr = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Concurrency = 0
	assert.Error(t, bad.Validate())
}

func TestConfigFromMap_AppliesOverrides(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"addr":        "localhost:1234",
		"group":       "orders",
		"concurrency": 16,
		"batch_size":  256,
	})

	assert.Equal(t, "localhost:1234", cfg.Addr)
	assert.Equal(t, "orders", cfg.Group)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, 256, cfg.BatchSize)
}
