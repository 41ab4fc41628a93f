package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meshbus/meshbus"
)

func init() {
	if err := meshbus.RegisterTransport(TransportName, func(cfg map[string]any) (meshbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("meshbus/redisstream: failed to register transport: %w", err))
	}
}

// Transport implements meshbus.Transport over Redis Streams consumer groups.
type Transport struct {
	cfg    Config
	client *redis.Client

	closeOnce sync.Once
	closed    atomic.Bool

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry.
type transportMetrics struct {
	produced      atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	poolHits      atomic.Uint64
	poolMisses    atomic.Uint64
	produceErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ meshbus.Transport = (*Transport)(nil)

// NewTransport builds a Redis Streams transport. The client is lazily
// connected; call Start to dial and verify connectivity.
func NewTransport(cfg Config) *Transport {
	return &Transport{
		cfg:     cfg,
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() interface{} { return new(delivery) },
		},
	}
}

// Start dials Redis and verifies connectivity with a PING.
func (t *Transport) Start(ctx context.Context) error {
	opts := &redis.Options{
		Addr:         t.cfg.Addr,
		Username:     t.cfg.Username,
		Password:     t.cfg.Password,
		DB:           t.cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}

	if t.cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    t.cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return err
	}

	t.client = client
	return nil
}

// Stop closes the underlying client; a subsequent Start reconnects.
func (t *Transport) Stop(_ context.Context) error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

// ProvisionTopology is a no-op: streams and consumer groups are created by
// Subscribe (XGROUP CREATE ... MKSTREAM) when AutoCreate is set.
func (t *Transport) ProvisionTopology(_ context.Context) error {
	return nil
}

// ProduceToPath sends messages to a stream using XADD (pipelined for batch efficiency).
func (t *Transport) ProduceToPath(ctx context.Context, path string, msgs ...*meshbus.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if t.closed.Load() {
		return errors.New("redisstream: transport is disposed")
	}

	pipe := t.client.Pipeline()

	for _, m := range msgs {
		// Pre-size map to reduce rehashing: id, name, payload, producedAt + metadata
		vals := make(map[string]any, 4+len(m.Metadata))

		if m.ID != "" {
			vals[fieldID] = m.ID
		}
		vals[fieldName] = m.Name
		vals[fieldPayload] = m.Payload
		vals[fieldProducedAt] = m.ProducedAt.UnixNano()

		for k, v := range m.Metadata {
			vals[fieldMetaPrefix+k] = v
		}

		args := &redis.XAddArgs{
			Stream: path,
			ID:     "*", // Let Redis generate ID
			Values: vals,
		}

		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}

		pipe.XAdd(ctx, args)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		t.metrics.produceErrors.Add(uint64(len(msgs)))
		return err
	}

	t.metrics.produced.Add(uint64(len(msgs)))
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe listens to a path/group with configurable concurrency and batching.
func (t *Transport) Subscribe(ctx context.Context, path, group string, handler func(meshbus.Delivery)) (meshbus.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("redisstream: transport is disposed")
	}

	if t.cfg.AutoCreate {
		// Start a new group at ID 0 so entries already on the stream are delivered.
		if err := t.client.XGroupCreateMkStream(ctx, path, group, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// Continue even on error; group may already exist or be created concurrently
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := t.cfg.Concurrency
	if workers < 1 {
		workers = 1
	}

	workCh := make(chan meshbus.Delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				if d != nil {
					handler(d)
					if md, ok := d.(*delivery); ok {
						t.releaseDelivery(md)
					}
				}
			}
		}()
	}

	pollerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer func() {
			close(workCh)
			close(pollerDone)
			wg.Done()
		}()

		t.pollerLoop(innerCtx, path, group, workCh)
	}()

	var claimCancel context.CancelFunc
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		var claimCtx context.Context
		claimCtx, claimCancel = context.WithCancel(innerCtx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(claimCtx, path, group)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			if claimCancel != nil {
				claimCancel()
			}
			<-pollerDone
			wg.Wait()
			return nil
		},
	}, nil
}

// pollerLoop reads from Redis Streams and distributes messages to workers.
func (t *Transport) pollerLoop(ctx context.Context, path, group string, workCh chan<- meshbus.Delivery) {
	streams := []string{path, ">"}
	xArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  streams,
		Count:    int64(_max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
		NoAck:    false,
	}

	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}

			if errors.Is(err, redis.Nil) {
				backoff = time.Millisecond * 100
				continue
			}

			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = _min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff = time.Millisecond * 100

		for _, stream := range res {
			for _, msg := range stream.Messages {
				d := t.newDelivery()
				d.t = t
				d.path = path
				d.group = group
				d.id = msg.ID
				d.msg = decodeMessage(msg.ID, msg.Values)
				d.onceAck = &sync.Once{}

				t.metrics.consumed.Add(1)

				select {
				case workCh <- d:
				case <-ctx.Done():
					t.releaseDelivery(d)
					return
				}
			}
		}
	}
}

// newDelivery gets a delivery from the pool or allocates a new one.
func (t *Transport) newDelivery() *delivery {
	v := t.dpool.Get()
	if v == nil {
		t.metrics.poolMisses.Add(1)
		return &delivery{}
	}

	t.metrics.poolHits.Add(1)
	d := v.(*delivery)

	d.t = nil
	d.path = ""
	d.group = ""
	d.id = ""
	d.msg = nil
	d.onceAck = nil

	return d
}

// releaseDelivery returns a delivery to the pool after clearing references.
func (t *Transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}

	d.t = nil
	d.msg = nil
	d.path = ""
	d.group = ""
	d.id = ""
	d.onceAck = nil

	t.dpool.Put(d)
}

// claimLoop periodically claims pending messages from dead consumers.
func (t *Transport) claimLoop(ctx context.Context, path, group string) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(_max(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle
	consumer := t.cfg.Consumer

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: path,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.Nil) {
				continue
			}
			continue
		}

		if len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}

		_, _ = t.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   path,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
	}
}

// Dispose gracefully shuts down the transport.
func (t *Transport) Dispose(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.Stop(ctx)
}

// Helper functions

func ping(ctx context.Context, c *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(pingCtx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}

func _max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func _min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
