package natscore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meshbus/meshbus"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

func init() {
	if err := meshbus.RegisterTransport(TransportName, func(cfg map[string]any) (meshbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("meshbus/natscore: failed to register transport: %w", err))
	}
}

// Transport implements meshbus.Transport over a NATS JetStream stream, with
// one durable pull consumer per group: the durable is named after the group
// and filtered to the path's subject.
type Transport struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext

	closed  atomic.Bool
	metrics *transportMetrics
}

type transportMetrics struct {
	produced      atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	produceErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ meshbus.Transport = (*Transport)(nil)

// NewTransport builds a NATS JetStream transport. The connection is lazily
// established; call Start to dial and create the JetStream context.
func NewTransport(cfg Config) *Transport {
	return &Transport{cfg: cfg, metrics: &transportMetrics{}}
}

// Start connects to NATS and acquires a JetStream context.
func (t *Transport) Start(_ context.Context) error {
	nc, err := nats.Connect(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("natscore: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("natscore: jetstream context: %w", err)
	}

	t.nc = nc
	t.js = js
	return nil
}

// Stop closes the NATS connection; a subsequent Start reconnects.
func (t *Transport) Stop(_ context.Context) error {
	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}

// ProvisionTopology ensures the configured stream exists, covering every
// path under "<StreamName>.>".
func (t *Transport) ProvisionTopology(_ context.Context) error {
	streamCfg := &nats.StreamConfig{
		Name:     t.cfg.StreamName,
		Subjects: []string{t.cfg.StreamName + ".>"},
		MaxAge:   7 * 24 * time.Hour,
		Replicas: t.cfg.Replicas,
	}

	switch t.cfg.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("natscore: ensure stream %q: %w", t.cfg.StreamName, err)
		}
	}
	return nil
}

func (t *Transport) subject(path string) string {
	return t.cfg.StreamName + "." + path
}

// ProduceToPath publishes messages to the JetStream subject for path.
func (t *Transport) ProduceToPath(ctx context.Context, path string, msgs ...*meshbus.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if t.closed.Load() {
		return errors.New("natscore: transport is disposed")
	}

	subject := t.subject(path)
	for _, m := range msgs {
		if _, err := t.js.PublishMsg(encodeMessage(subject, m), nats.Context(ctx)); err != nil {
			t.metrics.produceErrors.Add(1)
			return fmt.Errorf("natscore: publish: %w", err)
		}
		t.metrics.produced.Add(1)
	}
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

// Subscribe creates (or reuses) a durable pull consumer named group, filtered
// to path's subject, and fans fetched messages out to a worker pool.
func (t *Transport) Subscribe(ctx context.Context, path, group string, handler func(meshbus.Delivery)) (meshbus.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("natscore: transport is disposed")
	}

	subject := t.subject(path)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       group,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.cfg.MaxDeliver,
		AckWait:       t.cfg.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.cfg.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.cfg.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("natscore: ensure consumer %q: %w", group, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, group)
	if err != nil {
		return nil, fmt.Errorf("natscore: pull subscribe: %w", err)
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
				handler(d)
			}
		}()
	}

	fetchDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer func() {
			close(workCh)
			close(fetchDone)
			wg.Done()
		}()
		t.fetchLoop(innerCtx, sub, workCh)
	}()

	return &subscription{
		close: func() error {
			cancel()
			<-fetchDone
			wg.Wait()
			return sub.Unsubscribe()
		},
	}, nil
}

func (t *Transport) fetchLoop(ctx context.Context, sub *nats.Subscription, workCh chan<- meshbus.Delivery) {
	batch := t.cfg.FetchBatch
	if batch < 1 {
		batch = 1
	}
	wait := t.cfg.FetchWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(batch, nats.MaxWait(wait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || ctx.Err() != nil {
				continue
			}
			t.metrics.consumeErrors.Add(1)
			continue
		}

		for _, natsMsg := range msgs {
			d := &delivery{t: t, natsMsg: natsMsg, msg: decodeMessage(natsMsg)}
			t.metrics.consumed.Add(1)

			select {
			case workCh <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Dispose disposes the transport. Idempotent.
func (t *Transport) Dispose(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.Stop(ctx)
}
