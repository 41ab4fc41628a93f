package meshbus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbus/meshbus"
)

func TestRetryMiddleware_RetriesUntilSuccess(t *testing.T) {
	var attempts int32
	handler := meshbus.RetryMiddleware(meshbus.RetryConfig{MaxAttempts: 5, MaxInterval: time.Millisecond})(
		func(ctx context.Context, msg *meshbus.Message) (any, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, errors.New("not yet")
			}
			return "ok", nil
		},
	)

	resp, err := handler(context.Background(), &meshbus.Message{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRetryMiddleware_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts int32
	handler := meshbus.RetryMiddleware(meshbus.RetryConfig{MaxAttempts: 3, MaxInterval: time.Millisecond})(
		func(ctx context.Context, msg *meshbus.Message) (any, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New("always fails")
		},
	)

	_, err := handler(context.Background(), &meshbus.Message{})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRetryMiddleware_RetryIfFalseStopsImmediately(t *testing.T) {
	var attempts int32
	handler := meshbus.RetryMiddleware(meshbus.RetryConfig{
		MaxAttempts: 5,
		MaxInterval: time.Millisecond,
		RetryIf:     func(error) bool { return false },
	})(func(ctx context.Context, msg *meshbus.Message) (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("non-retryable")
	})

	_, err := handler(context.Background(), &meshbus.Message{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestTimeoutMiddleware_ExceedingHandlerErrorsWithTimeoutKind(t *testing.T) {
	handler := meshbus.TimeoutMiddleware(10 * time.Millisecond)(
		func(ctx context.Context, msg *meshbus.Message) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	)

	_, err := handler(context.Background(), &meshbus.Message{})
	require.Error(t, err)
	var berr *meshbus.Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, meshbus.KindTimeout, berr.Kind)
}

func TestTimeoutMiddleware_FastHandlerPassesThrough(t *testing.T) {
	handler := meshbus.TimeoutMiddleware(time.Second)(
		func(ctx context.Context, msg *meshbus.Message) (any, error) { return "fast", nil },
	)

	resp, err := handler(context.Background(), &meshbus.Message{})
	require.NoError(t, err)
	assert.Equal(t, "fast", resp)
}

func TestTimeoutMiddleware_ZeroDurationDisablesEnforcement(t *testing.T) {
	handler := meshbus.TimeoutMiddleware(0)(
		func(ctx context.Context, msg *meshbus.Message) (any, error) { return "passthrough", nil },
	)

	resp, err := handler(context.Background(), &meshbus.Message{})
	require.NoError(t, err)
	assert.Equal(t, "passthrough", resp)
}

func TestRecoveryMiddleware_ConvertsPanicToHandlerError(t *testing.T) {
	handler := meshbus.RecoveryMiddleware()(
		func(ctx context.Context, msg *meshbus.Message) (any, error) {
			panic("boom")
		},
	)

	_, err := handler(context.Background(), &meshbus.Message{})
	require.Error(t, err)
	var berr *meshbus.Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, meshbus.KindHandler, berr.Kind)
}

func TestChain_AppliesInDeclaredOrderOutermostFirst(t *testing.T) {
	var order []string
	mk := func(name string) meshbus.Middleware {
		return func(next meshbus.HandlerFunc) meshbus.HandlerFunc {
			return func(ctx context.Context, msg *meshbus.Message) (any, error) {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}

	h := meshbus.Chain(func(context.Context, *meshbus.Message) (any, error) {
		order = append(order, "handler")
		return nil, nil
	}, mk("outer"), mk("inner"))

	_, _ = h(context.Background(), &meshbus.Message{})
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestChain_SkipsNilMiddleware(t *testing.T) {
	h := meshbus.Chain(func(context.Context, *meshbus.Message) (any, error) {
		return "ok", nil
	}, nil)

	resp, err := h(context.Background(), &meshbus.Message{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}
