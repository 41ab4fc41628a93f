package meshbus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbus/meshbus"
)

// fakeQueueSource yields the queued messages once each, then returns empty.
type fakeQueueSource struct {
	name     string
	mu       sync.Mutex
	messages []*meshbus.Message
	popErr   error
}

func (f *fakeQueueSource) Name() string { return f.name }

func (f *fakeQueueSource) TryPop(ctx context.Context) (*meshbus.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.popErr != nil {
		err := f.popErr
		f.popErr = nil
		return nil, false, err
	}
	if len(f.messages) == 0 {
		return nil, false, nil
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return msg, true, nil
}

// testClock wraps the real wall clock so ReferencePullLoop's idle tracking
// behaves like it would in production, without pulling in an external fake
// clock dependency for this package's external tests.
type testClock struct{}

func (testClock) Now() time.Time { return time.Now() }

func TestReferencePullLoop_DispatchesEachPoppedMessage(t *testing.T) {
	var processed int32
	source := &fakeQueueSource{name: "q1", messages: []*meshbus.Message{
		{ID: "1"}, {ID: "2"}, {ID: "3"},
	}}

	loop, err := meshbus.NewReferencePullLoop(meshbus.PullLoopConfig{
		PollDelay: 5 * time.Millisecond,
		MaxIdle:   5 * time.Millisecond,
		Queues: []meshbus.PullQueueConfig{{
			Source: source,
			Processors: []meshbus.PullProcessor{
				func(ctx context.Context, msg *meshbus.Message) error {
					atomic.AddInt32(&processed, 1)
					return nil
				},
			},
		}},
	}, testClock{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&processed) == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	loop.Stop()
}

func TestReferencePullLoop_ProcessorFailureDoesNotStopOthers(t *testing.T) {
	var ranA, ranB int32
	source := &fakeQueueSource{name: "q1", messages: []*meshbus.Message{{ID: "1"}}}

	var reportedErrs []string
	var mu sync.Mutex

	loop, err := meshbus.NewReferencePullLoop(meshbus.PullLoopConfig{
		PollDelay: 5 * time.Millisecond,
		MaxIdle:   5 * time.Millisecond,
		Queues: []meshbus.PullQueueConfig{{
			Source: source,
			Processors: []meshbus.PullProcessor{
				func(ctx context.Context, msg *meshbus.Message) error {
					atomic.AddInt32(&ranA, 1)
					return errors.New("processor a failed")
				},
				func(ctx context.Context, msg *meshbus.Message) error {
					atomic.AddInt32(&ranB, 1)
					return nil
				},
			},
		}},
		OnError: func(queue string, err error) {
			mu.Lock()
			reportedErrs = append(reportedErrs, err.Error())
			mu.Unlock()
		},
	}, testClock{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ranB) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ranA))

	cancel()
	loop.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, reportedErrs, 1)
}

func TestReferencePullLoop_SourceErrorIsReportedAndLoopContinues(t *testing.T) {
	source := &fakeQueueSource{name: "q1", popErr: errors.New("transient")}
	errCh := make(chan error, 1)

	loop, err := meshbus.NewReferencePullLoop(meshbus.PullLoopConfig{
		PollDelay: 5 * time.Millisecond,
		MaxIdle:   5 * time.Millisecond,
		Queues:    []meshbus.PullQueueConfig{{Source: source}},
		OnError: func(queue string, err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	}, testClock{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	select {
	case err := <-errCh:
		assert.EqualError(t, err, "transient")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reported source error")
	}

	cancel()
	loop.Stop()
}

func TestNewReferencePullLoop_RequiresAtLeastOneQueue(t *testing.T) {
	_, err := meshbus.NewReferencePullLoop(meshbus.PullLoopConfig{}, testClock{})
	assert.Error(t, err)
}

func TestReferencePullLoop_StartTwiceIsNoop(t *testing.T) {
	source := &fakeQueueSource{name: "q1"}
	loop, err := meshbus.NewReferencePullLoop(meshbus.PullLoopConfig{
		Queues: []meshbus.PullQueueConfig{{Source: source}},
	}, testClock{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	loop.Start(ctx) // must not panic or spawn a second runner
	loop.Stop()
}

func TestReferencePullLoop_DisposeStopsAndClearsQueues(t *testing.T) {
	source := &fakeQueueSource{name: "q1"}
	loop, err := meshbus.NewReferencePullLoop(meshbus.PullLoopConfig{
		Queues: []meshbus.PullQueueConfig{{Source: source}},
	}, testClock{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	loop.Dispose()
}
