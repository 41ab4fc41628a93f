package meshbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HandlerFunc processes a single inbound message. Returning an error for a
// pub/sub consumer triggers Nack/Retry at the transport; for a request
// handler it also becomes an error-reply envelope.
type HandlerFunc func(ctx context.Context, msg *Message) (response any, err error)

// ConsumerFunc is a HandlerFunc variant for pub/sub-only consumers (no
// response produced).
type ConsumerFunc func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// MaxInterval bounds the exponential backoff computed between attempts.
	MaxInterval time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	RetryIf func(err error) bool
}

// RetryMiddleware provides bounded, selective retries around a handler,
// using an exponential backoff policy (grounded on meltica-gateway's
// reconnect-loop use of cenkalti/backoff/v5).
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *Message) (any, error) {
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}

			b := backoff.NewExponentialBackOff()
			if cfg.MaxInterval > 0 {
				b.MaxInterval = cfg.MaxInterval
				if b.InitialInterval > cfg.MaxInterval {
					b.InitialInterval = cfg.MaxInterval
				}
				b.Reset()
			}

			var lastResp any
			var lastErr error
			for i := 1; i <= attempts; i++ {
				lastResp, lastErr = next(ctx, msg)
				if lastErr == nil {
					return lastResp, nil
				}
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return lastResp, lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return lastResp, lastErr
				}
				wait := b.NextBackOff()
				if wait == backoff.Stop {
					return lastResp, lastErr
				}
				select {
				case <-ctx.Done():
					return lastResp, lastErr
				case <-time.After(wait):
				}
			}
			return lastResp, lastErr
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for a handler.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *Message) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				resp any
				err  error
			}
			resCh := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						resCh <- result{err: fmt.Errorf("panic recovered: %v", r)}
					}
				}()
				resp, err := next(tctx, msg)
				resCh <- result{resp: resp, err: err}
			}()

			select {
			case <-tctx.Done():
				return nil, wrapError(KindTimeout, tctx.Err(), "handler exceeded %s", d)
			case r := <-resCh:
				return r.resp, r.err
			}
		}
	}
}

// RecoveryMiddleware prevents panics from crashing consumers, converting
// them into a *Error{Kind: KindHandler}.
func RecoveryMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *Message) (resp any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = wrapError(KindHandler, fmt.Errorf("%v", r), "handler panic")
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Chain composes middlewares around a handler in declared order: the first
// middleware ends up outermost.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
