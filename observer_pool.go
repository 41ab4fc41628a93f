package meshbus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

// ObserverPool dispatches Events to Observers off the critical publish/
// consume path. Non-blocking: drops events if the buffer is full rather than
// apply backpressure to callers.
type ObserverPool struct {
	eventCh chan *Event
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	closed  atomic.Bool
	dropped atomic.Uint64
	processed atomic.Uint64
}

// PoolStats reports telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64
	Processed    uint64
	ActiveEvents int
	Workers      int
	BufferSize   int
}

// NewObserverPool creates a pool for async observer notification.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Go(op.worker)
	}

	return op
}

// Notify queues an event for asynchronous observer dispatch. Non-blocking:
// returns immediately, drops the event if the buffer is full.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}

	e.observers = make([]Observer, len(observers))
	copy(e.observers, observers)

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	for {
		select {
		case <-op.ctx.Done():
			for {
				select {
				case e := <-op.eventCh:
					if e != nil {
						op.dispatchEvent(e)
					}
				default:
					return
				}
			}
		case e := <-op.eventCh:
			if e != nil {
				op.dispatchEvent(e)
				op.processed.Add(1)
			}
		}
	}
}

// dispatchEvent calls every observer for a single event. conc.WaitGroup
// already recovers panics inside each worker goroutine, so a misbehaving
// observer cannot take down the pool; we additionally isolate observer from
// observer so one panic doesn't skip the remaining observers for this event.
func (op *ObserverPool) dispatchEvent(e *Event) {
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func(o Observer) {
			defer func() { _ = recover() }()
			o.OnEvent(*e)
		}(obs)
	}
}

// Close gracefully shuts down the observer pool, waiting up to timeout.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return newError(KindTimeout, "observer pool shutdown exceeded %s", timeout)
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
