package meshbus

import "context"

// Next is the downstream continuation an interceptor may call zero or one
// time. Not calling it short-circuits the pipeline.
type Next func() (any, error)

// ProducerInterceptor wraps produce calls generically over the message type;
// it wraps PublishInterceptor/SendInterceptor (ordering: producer
// outermost -> publish/send -> terminal produce).
type ProducerInterceptor func(ctx context.Context, msg *Message, next Next) (any, error)

// PublishInterceptor wraps a publish-direction call.
type PublishInterceptor func(ctx context.Context, msg *Message, next Next) (any, error)

// SendInterceptor wraps a send-direction (request) call.
type SendInterceptor func(ctx context.Context, msg *Message, next Next) (any, error)

// ConsumerInterceptor wraps inbound dispatch before the user consumer/handler
// runs.
type ConsumerInterceptor func(ctx context.Context, msg *Message, next Next) (any, error)

// HandlerInterceptor wraps a request-handler invocation specifically (runs
// innermost, around the user handler that produces a response).
type HandlerInterceptor func(ctx context.Context, msg *Message, next Next) (any, error)

// composeProducer builds a single Next by wrapping terminal with interceptors
// in declared order: global hooks first, then per-producer hooks, with the
// first interceptor in the slice ending up outermost.
func composeProducer(ctx context.Context, msg *Message, interceptors []ProducerInterceptor, terminal Next) Next {
	chain := terminal
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic := interceptors[i]
		next := chain
		chain = func() (any, error) { return ic(ctx, msg, next) }
	}
	return chain
}

func composeConsumer(ctx context.Context, msg *Message, interceptors []ConsumerInterceptor, terminal Next) Next {
	chain := terminal
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic := interceptors[i]
		next := chain
		chain = func() (any, error) { return ic(ctx, msg, next) }
	}
	return chain
}

func composeHandler(ctx context.Context, msg *Message, interceptors []HandlerInterceptor, terminal Next) Next {
	chain := terminal
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic := interceptors[i]
		next := chain
		chain = func() (any, error) { return ic(ctx, msg, next) }
	}
	return chain
}

func composePublishOrSend(ctx context.Context, msg *Message, publish []PublishInterceptor, send []SendInterceptor, isSend bool, terminal Next) Next {
	if isSend {
		chain := terminal
		for i := len(send) - 1; i >= 0; i-- {
			ic := send[i]
			next := chain
			chain = func() (any, error) { return ic(ctx, msg, next) }
		}
		return chain
	}
	chain := terminal
	for i := len(publish) - 1; i >= 0; i-- {
		ic := publish[i]
		next := chain
		chain = func() (any, error) { return ic(ctx, msg, next) }
	}
	return chain
}
