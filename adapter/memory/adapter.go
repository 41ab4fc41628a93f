package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshbus/meshbus"
)

const TransportName = "memory"

func init() {
	if err := meshbus.RegisterTransport(TransportName, func(cfg map[string]any) (meshbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("meshbus/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the default number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// AssignIDs instructs the transport to assign IDs for messages with empty ID (default: true).
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		BufferSize:      maxInt(1, getInt("buffer_size", 1024)),
		Concurrency:     maxInt(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		AssignIDs:       getBool("assign_ids", true),
	}
}

// Transport implements meshbus.Transport using in-memory channels keyed by
// path/group. Not suitable for production but useful for local development,
// tests, and as the Default() bus's transport.
type Transport struct {
	cfg Config

	mu    sync.RWMutex
	paths map[string]*pathQueue

	started atomic.Bool
	closed  atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	produced      atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	redelivered   atomic.Uint64
	produceErrors atomic.Uint64
}

var _ meshbus.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Transport{
		cfg:     cfg,
		paths:   make(map[string]*pathQueue),
		metrics: &transportMetrics{},
	}
}

// Start marks the transport ready for use. There is nothing to dial;
// channels are allocated lazily per path/group.
func (t *Transport) Start(_ context.Context) error {
	t.started.Store(true)
	return nil
}

// Stop suspends activity; existing groups remain so a subsequent Start can
// resume without losing buffered messages.
func (t *Transport) Stop(_ context.Context) error {
	t.started.Store(false)
	return nil
}

// ProvisionTopology is a no-op: paths and groups are created lazily.
func (t *Transport) ProvisionTopology(_ context.Context) error { return nil }

// ProduceToPath fans out messages to all consumer groups bound to path.
func (t *Transport) ProduceToPath(ctx context.Context, path string, msgs ...*meshbus.Message) error {
	if t.closed.Load() {
		return errors.New("memory transport is disposed")
	}
	if len(msgs) == 0 {
		return nil
	}

	t.mu.RLock()
	p, ok := t.paths[path]
	t.mu.RUnlock()

	if !ok {
		// No groups subscribed yet: drop (in-memory dev semantics; a real
		// broker would still persist the message).
		return nil
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = nextID()
		}

		p.mu.RLock()
		for _, g := range p.groups {
			task := &deliveryTask{path: path, group: g, msg: m, tr: t, createdAt: time.Now()}
			select {
			case <-ctx.Done():
				p.mu.RUnlock()
				return ctx.Err()
			case g.queue <- task:
			default:
				select {
				case g.queue <- task:
				case <-ctx.Done():
					p.mu.RUnlock()
					return ctx.Err()
				}
			}
		}
		p.mu.RUnlock()

		t.metrics.produced.Add(1)
	}

	return nil
}

// Subscribe registers a handler for a path/group with configurable
// concurrency.
func (t *Transport) Subscribe(ctx context.Context, path, group string, handler func(meshbus.Delivery)) (meshbus.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("memory transport is disposed")
	}

	p := t.ensurePath(path)
	g := p.ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	workers := t.cfg.Concurrency
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(meshbus.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			if task == nil {
				continue
			}
			d := &memDelivery{task: task, tr: task.tr}
			t.metrics.consumed.Add(1)
			handler(d)
		}
	}
}

// Dispose releases every path/group and rejects further operations.
func (t *Transport) Dispose(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	t.paths = make(map[string]*pathQueue)
	t.mu.Unlock()
	return nil
}

// Stats reports in-memory transport telemetry.
type Stats struct {
	Produced      uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Redelivered   uint64
	ProduceErrors uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Produced:      t.metrics.produced.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Redelivered:   t.metrics.redelivered.Load(),
		ProduceErrors: t.metrics.produceErrors.Load(),
	}
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

type pathQueue struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *deliveryTask
}

type deliveryTask struct {
	tr        *Transport
	path      string
	group     *group
	msg       *meshbus.Message
	createdAt time.Time
}

type memDelivery struct {
	task    *deliveryTask
	ackOnce sync.Once
	tr      *Transport
}

func (d *memDelivery) Message() *meshbus.Message { return d.task.msg }

func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

func (d *memDelivery) Nack(ctx context.Context, _ error) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.nacked.Add(1)
		d.tr.metrics.redelivered.Add(1)

		delay := d.tr.cfg.RedeliveryDelay
		if delay <= 0 {
			select {
			case d.task.group.queue <- d.task:
			case <-ctx.Done():
			}
			return
		}

		timer := time.NewTimer(delay)
		go func() {
			defer timer.Stop()
			select {
			case <-timer.C:
				select {
				case d.task.group.queue <- d.task:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}()
	})
	return nil
}

func (t *Transport) ensurePath(name string) *pathQueue {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.paths[name]; ok {
		return p
	}
	p := &pathQueue{groups: make(map[string]*group)}
	t.paths[name] = p
	return p
}

func (p *pathQueue) ensureGroup(name string, bufferSize int) *group {
	p.mu.Lock()
	defer p.mu.Unlock()

	if g, ok := p.groups[name]; ok {
		return g
	}
	g := &group{name: name, queue: make(chan *deliveryTask, bufferSize)}
	p.groups[name] = g
	return g
}

var idSeq uint64

func nextID() string {
	n := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("mem-%d", n)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
