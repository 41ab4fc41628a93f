package meshbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type busState int32

const (
	busBuilt busState = iota
	busStarted
	busStopped
	busDisposed
)

// API is the complete public surface of a Bus.
type API interface {
	Publish(ctx context.Context, path string, payload any, meta map[string]string) error
	PublishBatch(ctx context.Context, path string, events ...PublishEvent) error
	Send(ctx context.Context, path string, payload any, meta map[string]string) (any, error)
	Subscribe(topic ConsumerSettings) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Dispose(ctx context.Context) error
	IsStarted() bool
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	producedCount atomic.Uint64
	consumedCount atomic.Uint64
	ackCount      atomic.Uint64
	nackCount     atomic.Uint64
	errorCount    atomic.Uint64
	processingNs  atomic.Int64
}

func (m *busMetrics) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := m.processingNs.Load()
	if current == 0 {
		m.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	m.processingNs.Store(newAvg)
}

// Bus is the master bus skeleton: the central Facade handling produce/
// consume against a single Transport Strategy.
type Bus struct {
	name      string
	transport Transport
	settings  *BusSettings
	registry  *typeRegistry
	pending   *PendingRegistry
	codec     Codec
	clock     xclock.Clock
	logger    *xlog.Logger

	middlewares []Middleware

	ackTimeout time.Duration

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	metrics *busMetrics

	state     atomic.Int32
	closeOnce sync.Once

	subsMu sync.Mutex
	subs   []Subscription

	consumerMu      sync.RWMutex
	consumersByPath map[string][]*ConsumerSettings
	consumersByName map[string]*ConsumerSettings

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Name returns the bus's configured name.
func (b *Bus) Name() string { return b.name }

// Codec returns the configured Serializer port (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Pending exposes the request/response registry for observability/tests.
func (b *Bus) Pending() *PendingRegistry { return b.pending }

// declaredProducers exposes every producer declaration for hybrid routing
// table construction.
func (b *Bus) declaredProducers() map[reflect.Type]*ProducerSettings {
	out := make(map[reflect.Type]*ProducerSettings, len(b.registry.producersByType))
	for t, ps := range b.registry.producersByType {
		out[t] = ps
	}
	return out
}

// Start provisions topology and marks the bus ready to consume. Idempotent.
func (b *Bus) Start(ctx context.Context) error {
	if b.state.Load() == int32(busDisposed) {
		return wrapError(KindDisposed, nil, "bus %s is disposed", b.name)
	}
	if !b.state.CompareAndSwap(int32(busBuilt), int32(busStarted)) &&
		!b.state.CompareAndSwap(int32(busStopped), int32(busStarted)) {
		return nil // already started
	}

	if err := b.transport.Start(ctx); err != nil {
		return wrapError(KindTransport, err, "transport start")
	}
	if err := b.transport.ProvisionTopology(ctx); err != nil {
		return wrapError(KindTransport, err, "provision topology")
	}

	b.rebuildConsumerIndex()

	for _, path := range b.consumerPaths() {
		sub, err := b.subscribePath(ctx, path)
		if err != nil {
			return err
		}
		b.subsMu.Lock()
		b.subs = append(b.subs, sub)
		b.subsMu.Unlock()
	}

	if b.settings.RequestResponse.ReplyToPath != "" {
		sub, err := b.transport.Subscribe(ctx, b.settings.RequestResponse.ReplyToPath, b.settings.RequestResponse.ReplyGroup, b.handleReply)
		if err != nil {
			return wrapError(KindTransport, err, "subscribe reply path %s", b.settings.RequestResponse.ReplyToPath)
		}
		b.subsMu.Lock()
		b.subs = append(b.subs, sub)
		b.subsMu.Unlock()
	}

	b.startSweeper(ctx)
	return nil
}

// Stop suspends consumption without releasing the transport handle.
// Idempotent.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(busStarted), int32(busStopped)) {
		return nil
	}

	b.stopSweeper()

	b.subsMu.Lock()
	subs := b.subs
	b.subs = nil
	b.subsMu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}

	return b.transport.Stop(ctx)
}

// IsStarted reports whether the bus is currently accepting consumption.
func (b *Bus) IsStarted() bool { return busState(b.state.Load()) == busStarted }

// Dispose tears the bus down permanently. Implies Stop; idempotent.
func (b *Bus) Dispose(ctx context.Context) error {
	var disposeErr error
	b.closeOnce.Do(func() {
		_ = b.Stop(ctx)
		b.state.Store(int32(busDisposed))

		b.pending.CancelAll()

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				disposeErr = err
			}
		}
		if err := b.transport.Dispose(ctx); err != nil {
			disposeErr = err
		}
	})
	return disposeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

func (b *Bus) notify(e Event) {
	if b.observerPool == nil {
		return
	}
	b.observersMu.RLock()
	n := len(b.observers)
	if n == 0 {
		b.observersMu.RUnlock()
		return
	}
	obs := make([]Observer, n)
	copy(obs, b.observers)
	b.observersMu.RUnlock()
	b.observerPool.Notify(e, obs)
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	return Metrics{
		Produced:            b.metrics.producedCount.Load(),
		Consumed:            b.metrics.consumedCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Errors:               b.metrics.errorCount.Load(),
		EventsDropped:        dropped,
		PendingRequests:      uint64(b.pending.Count()),
		AvgProcessingTimeMs:  float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports bus health for liveness/readiness probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if busState(b.state.Load()) == busDisposed {
		return HealthStatus{Status: "unhealthy", Timestamp: b.clock.Now(), Message: "bus is disposed"}
	}

	m := b.GetMetrics()
	status := "healthy"
	if m.Errors > 0 && m.Produced > 0 {
		if float64(m.Errors)/float64(m.Produced) > 0.05 {
			status = "degraded"
		}
	}
	return HealthStatus{Status: status, Metrics: m, Timestamp: b.clock.Now()}
}

// startSweeper runs the pending-request timeout sweep on a self-adjusting
// interval, bounded above by half the smallest outstanding timeout.
func (b *Bus) startSweeper(ctx context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	b.sweepCancel = cancel
	b.sweepDone = make(chan struct{})

	go func() {
		defer close(b.sweepDone)
		const floor = 10 * time.Millisecond
		const ceiling = 1 * time.Second
		for {
			interval := b.pending.nextSweepInterval(b.clock.Now(), floor, ceiling)
			timer := time.NewTimer(interval)
			select {
			case <-sctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				n := b.pending.Sweep(b.clock.Now())
				if n > 0 {
					b.notify(Event{Type: EventRequestTimeout})
				}
			}
		}
	}()
}

func (b *Bus) stopSweeper() {
	if b.sweepCancel != nil {
		b.sweepCancel()
		<-b.sweepDone
		b.sweepCancel = nil
	}
}

// messageTypeName resolves the cross-transport identifying name for t,
// falling back to the reflect type's own string.
func (b *Bus) messageTypeName(t reflect.Type) string {
	if b.settings.MessageTypeResolver != nil {
		if name := b.settings.MessageTypeResolver.ToName(reflect.New(t).Elem().Interface()); name != "" {
			return name
		}
	}
	return t.String()
}
