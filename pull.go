package meshbus

import (
	"context"
	"sync"
	"time"
)

// PullQueueSource is a single pull-style queue: a non-blocking pop that
// returns (nil, false, nil) when empty.
type PullQueueSource interface {
	Name() string
	TryPop(ctx context.Context) (*Message, bool, error)
}

// PullProcessor handles one popped message. Processors for the same queue
// run in declared order; a failing processor does not stop the others
// A failing processor is isolated from the rest of that dispatch.
type PullProcessor func(ctx context.Context, msg *Message) error

// PullQueueConfig binds a source to its ordered processor list.
type PullQueueConfig struct {
	Source     PullQueueSource
	Processors []PullProcessor
}

// PullLoopConfig configures a ReferencePullLoop.
type PullLoopConfig struct {
	PollDelay time.Duration
	MaxIdle   time.Duration
	Queues    []PullQueueConfig
	OnError   func(queue string, err error)
}

// ReferencePullLoop is a transport-agnostic driver for pull-style transports
// (SQS long-poll, file queues, etc.) that avoids busy-looping on empty
// queues while staying responsive under load.
type ReferencePullLoop struct {
	cfg    PullLoopConfig
	clock  interface{ Now() time.Time }
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	running bool
}

// NewReferencePullLoop constructs a loop from cfg, validating at least one
// queue is configured.
func NewReferencePullLoop(cfg PullLoopConfig, clock interface{ Now() time.Time }) (*ReferencePullLoop, error) {
	if len(cfg.Queues) == 0 {
		return nil, newError(KindConfiguration, "pull loop requires at least one queue")
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 250 * time.Millisecond
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 2 * time.Second
	}
	return &ReferencePullLoop{cfg: cfg, clock: clock}, nil
}

// Start runs the loop's single long-running task. Calling Start twice while
// already running is a no-op.
func (l *ReferencePullLoop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	l.mu.Unlock()

	go l.run(lctx)
}

func (l *ReferencePullLoop) run(ctx context.Context) {
	defer close(l.done)

	idleSince := l.clock.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		produced := false
		for _, q := range l.cfg.Queues {
			msg, ok, err := q.Source.TryPop(ctx)
			if err != nil {
				l.reportError(q.Source.Name(), err)
				continue
			}
			if !ok {
				continue
			}
			produced = true
			l.dispatch(ctx, q, msg)
		}

		if produced {
			idleSince = l.clock.Now()
			continue
		}

		if l.clock.Now().Sub(idleSince) >= l.cfg.MaxIdle {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.PollDelay):
			}
		}
	}
}

// dispatch runs every processor for a popped message in order, continuing
// past an individual failure (continue past an individual
// processor failure").
func (l *ReferencePullLoop) dispatch(ctx context.Context, q PullQueueConfig, msg *Message) {
	for _, p := range q.Processors {
		if err := p(ctx, msg); err != nil {
			l.reportError(q.Source.Name(), err)
		}
	}
}

func (l *ReferencePullLoop) reportError(queue string, err error) {
	if l.cfg.OnError != nil {
		l.cfg.OnError(queue, err)
	}
}

// Stop cancels the loop's cancellation source and awaits the loop task.
func (l *ReferencePullLoop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	done := l.done
	l.running = false
	l.mu.Unlock()

	cancel()
	<-done
}

// Dispose stops the loop and drops every registered processor.
func (l *ReferencePullLoop) Dispose() {
	l.Stop()
	l.mu.Lock()
	l.cfg.Queues = nil
	l.mu.Unlock()
}
