package meshbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeProducer_OrdersOutermostFirst(t *testing.T) {
	var order []string
	mk := func(name string) ProducerInterceptor {
		return func(ctx context.Context, msg *Message, next Next) (any, error) {
			order = append(order, name+":before")
			v, err := next()
			order = append(order, name+":after")
			return v, err
		}
	}
	terminal := func() (any, error) {
		order = append(order, "terminal")
		return "done", nil
	}

	chain := composeProducer(context.Background(), &Message{}, []ProducerInterceptor{mk("a"), mk("b")}, terminal)
	v, err := chain()
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, []string{"a:before", "b:before", "terminal", "b:after", "a:after"}, order)
}

func TestComposeProducer_ShortCircuitSkipsTerminal(t *testing.T) {
	terminalCalled := false
	terminal := func() (any, error) { terminalCalled = true; return nil, nil }

	shortCircuit := ProducerInterceptor(func(ctx context.Context, msg *Message, next Next) (any, error) {
		return "short-circuited", nil
	})

	chain := composeProducer(context.Background(), &Message{}, []ProducerInterceptor{shortCircuit}, terminal)
	v, err := chain()
	require.NoError(t, err)
	assert.Equal(t, "short-circuited", v)
	assert.False(t, terminalCalled)
}

func TestComposeConsumer_PropagatesError(t *testing.T) {
	boom := newError(KindHandler, "boom")
	terminal := func() (any, error) { return nil, boom }

	passthrough := ConsumerInterceptor(func(ctx context.Context, msg *Message, next Next) (any, error) {
		return next()
	})

	chain := composeConsumer(context.Background(), &Message{}, []ConsumerInterceptor{passthrough}, terminal)
	_, err := chain()
	assert.ErrorIs(t, err, boom)
}

func TestComposePublishOrSend_SelectsCorrectDirection(t *testing.T) {
	var ran string
	terminal := func() (any, error) { return nil, nil }
	pub := []PublishInterceptor{func(ctx context.Context, msg *Message, next Next) (any, error) {
		ran = "publish"
		return next()
	}}
	send := []SendInterceptor{func(ctx context.Context, msg *Message, next Next) (any, error) {
		ran = "send"
		return next()
	}}

	chain := composePublishOrSend(context.Background(), &Message{}, pub, send, false, terminal)
	_, _ = chain()
	assert.Equal(t, "publish", ran)

	ran = ""
	chain = composePublishOrSend(context.Background(), &Message{}, pub, send, true, terminal)
	_, _ = chain()
	assert.Equal(t, "send", ran)
}
