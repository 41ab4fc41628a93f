package meshbus

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PublishExecutionMode selects how a HybridBus fans a publish out across
// multiple matching child buses.
type PublishExecutionMode int

const (
	// PublishParallel awaits every child concurrently; failure of any is
	// surfaced once all complete.
	PublishParallel PublishExecutionMode = iota
	// PublishSequential iterates children in child-bus name order; the first
	// failure aborts the remainder.
	PublishSequential
)

type polyBase struct {
	base reflect.Type
	bus  *Bus
}

// HybridBus composes several child buses behind one API, routing by the
// runtime type of the value being produced.
type HybridBus struct {
	name     string
	children map[string]*Bus // immutable after construction
	mode     PublishExecutionMode

	exactBuses map[reflect.Type][]*Bus
	polyBases  []polyBase

	mu      sync.RWMutex
	started bool
}

var _ API = (*HybridBus)(nil)

// newHybridBus builds the type->buses routing table at construction time
// and enforces the single-owner invariant for request-capable types.
func newHybridBus(name string, children map[string]*Bus, mode PublishExecutionMode) (*HybridBus, error) {
	h := &HybridBus{name: name, children: children, mode: mode, exactBuses: make(map[reflect.Type][]*Bus)}

	requestTypes := make(map[reflect.Type]bool)
	seen := make(map[reflect.Type]map[*Bus]bool)

	names := make([]string, 0, len(children))
	for n := range children {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		child := children[n]
		for t, ps := range child.declaredProducers() {
			if seen[t] == nil {
				seen[t] = make(map[*Bus]bool)
			}
			if !seen[t][child] {
				seen[t][child] = true
				h.exactBuses[t] = append(h.exactBuses[t], child)
			}
			if ps.IsRequest() {
				requestTypes[t] = true
			}
			if ps.Polymorphic && t.Kind() == reflect.Interface {
				h.polyBases = append(h.polyBases, polyBase{base: t, bus: child})
			}
		}
	}

	for t, isRequest := range requestTypes {
		if isRequest && len(h.exactBuses[t]) != 1 {
			return nil, newError(KindConfiguration, "%s is declared as a request producer on more than one child bus", t)
		}
	}

	return h, nil
}

// route resolves the ordered, deduplicated set of child buses that declare a
// producer for t.
func (h *HybridBus) route(t reflect.Type) ([]*Bus, error) {
	if buses, ok := h.exactBuses[t]; ok {
		return buses, nil
	}

	var matched []*Bus
	seen := make(map[*Bus]bool)
	for _, pb := range h.polyBases {
		if t.Implements(pb.base) && !seen[pb.bus] {
			seen[pb.bus] = true
			matched = append(matched, pb.bus)
		}
	}
	if len(matched) == 0 {
		return nil, newError(KindConfiguration, "no child bus declares a producer for %s", t)
	}
	return matched, nil
}

// Publish fans a single event out to every child bus that declares a
// producer for payload's type, per the configured PublishExecutionMode.
func (h *HybridBus) Publish(ctx context.Context, path string, payload any, meta map[string]string) error {
	buses, err := h.route(reflect.TypeOf(payload))
	if err != nil {
		return err
	}
	if len(buses) == 1 {
		return buses[0].Publish(ctx, path, payload, meta)
	}

	if h.mode == PublishSequential {
		for _, b := range buses {
			if err := b.Publish(ctx, path, payload, meta); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range buses {
		b := b
		g.Go(func() error { return b.Publish(gctx, path, payload, meta) })
	}
	return g.Wait()
}

// PublishBatch groups the events by the child buses each one routes to and
// publishes every group as one batch on its bus, per the configured
// PublishExecutionMode.
func (h *HybridBus) PublishBatch(ctx context.Context, path string, events ...PublishEvent) error {
	byBus := make(map[*Bus][]PublishEvent)
	order := make([]*Bus, 0)
	for _, e := range events {
		buses, err := h.route(reflect.TypeOf(e.Payload))
		if err != nil {
			return err
		}
		for _, b := range buses {
			if _, ok := byBus[b]; !ok {
				order = append(order, b)
			}
			byBus[b] = append(byBus[b], e)
		}
	}

	if h.mode == PublishSequential {
		for _, b := range order {
			if err := b.PublishBatch(ctx, path, byBus[b]...); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range order {
		b := b
		g.Go(func() error { return b.PublishBatch(gctx, path, byBus[b]...) })
	}
	return g.Wait()
}

// Send routes to the sole owning child bus and forwards its response
// unchanged.
func (h *HybridBus) Send(ctx context.Context, path string, payload any, meta map[string]string) (any, error) {
	buses, err := h.route(reflect.TypeOf(payload))
	if err != nil {
		return nil, err
	}
	if len(buses) != 1 {
		return nil, newError(KindConfiguration, "%T has %d candidate child buses, expected exactly 1 for send", payload, len(buses))
	}
	return buses[0].Send(ctx, path, payload, meta)
}

// Subscribe is not meaningful at the hybrid level: consumers are declared on
// the child bus that owns the transport they bind to.
func (h *HybridBus) Subscribe(cs ConsumerSettings) error {
	return newError(KindConfiguration, "subscribe must target a specific child bus, not the hybrid router")
}

// Start fans out to every child bus and awaits all.
func (h *HybridBus) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range h.children {
		b := b
		g.Go(func() error { return b.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	h.started = true
	return nil
}

// Stop fans out to every child bus and awaits all.
func (h *HybridBus) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range h.children {
		b := b
		g.Go(func() error { return b.Stop(gctx) })
	}
	err := g.Wait()
	h.started = false
	return err
}

// Dispose disposes every child bus concurrently, waits for all of them and
// clears the child map. It returns the first child error; further child
// errors are neither returned nor logged.
func (h *HybridBus) Dispose(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, b := range h.children {
		wg.Add(1)
		go func(b *Bus) {
			defer wg.Done()
			if err := b.Dispose(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(b)
	}
	wg.Wait()
	h.children = map[string]*Bus{}
	return firstErr
}

// IsStarted is the conjunction over every child bus's state.
func (h *HybridBus) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.started {
		return false
	}
	for _, b := range h.children {
		if !b.IsStarted() {
			return false
		}
	}
	return true
}

// GetMetrics aggregates metrics across every child bus.
func (h *HybridBus) GetMetrics() Metrics {
	var m Metrics
	for _, b := range h.children {
		cm := b.GetMetrics()
		m.Produced += cm.Produced
		m.Consumed += cm.Consumed
		m.Acked += cm.Acked
		m.Nacked += cm.Nacked
		m.Errors += cm.Errors
		m.EventsDropped += cm.EventsDropped
		m.PendingRequests += cm.PendingRequests
	}
	return m
}

// Health reports healthy when every child bus is healthy; otherwise it
// reports a non-healthy child's status (degraded or unhealthy; with several,
// the last one visited).
func (h *HybridBus) Health(ctx context.Context) HealthStatus {
	status := "healthy"
	for _, b := range h.children {
		if cs := b.Health(ctx); cs.Status != "healthy" {
			status = cs.Status
		}
	}
	return HealthStatus{Status: status, Metrics: h.GetMetrics()}
}

// AddObserver attaches obs to every child bus.
func (h *HybridBus) AddObserver(obs Observer) {
	for _, b := range h.children {
		b.AddObserver(obs)
	}
}

// RemoveObserver detaches obs from every child bus.
func (h *HybridBus) RemoveObserver(obs Observer) {
	for _, b := range h.children {
		b.RemoveObserver(obs)
	}
}
