package meshbus

import (
	"context"
	"reflect"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ProduceOptions configures a single declared producer: its default
// publish path, timeout, and any per-producer interceptors.
type ProduceOptions struct {
	DefaultPath    string
	DefaultTimeout time.Duration
	Polymorphic    bool
	Attachments    map[string]any
	Interceptors   []ProducerInterceptor
	PublishInterceptors []PublishInterceptor
	SendInterceptors    []SendInterceptor
	OnMessageProduced   func(Event)
}

// ConsumeOptions configures a pub/sub consumer: path, group, number of
// instances, and the handler function.
type ConsumeOptions struct {
	Path         string
	Group        string
	Instances    int
	Interceptors []ConsumerInterceptor
	Consumer     ConsumerFunc
	OnEvent      func(Event)
}

// HandleOptions configures a request handler: path, group, number of
// instances, and the handler function.
type HandleOptions struct {
	Path         string
	Group        string
	Instances    int
	Interceptors []ConsumerInterceptor
	// HandlerInterceptors wrap only the handler invocation itself, innermost
	// within Interceptors.
	HandlerInterceptors []HandlerInterceptor
	Handler      HandlerFunc
	OnEvent      func(Event)
}

// BusBuilder accumulates a BusSettings tree fluently, validating everything
// at Build() time.
type BusBuilder struct {
	settings   BusSettings
	transport  Transport
	parent     *BusSettings
	clock      xclock.Clock
	logger     *xlog.Logger
	middlewares []Middleware
	observers   []Observer
	observerWorkers int
	observerBuffer  int
	err        error
}

// NewBusBuilder starts a fresh settings tree named name.
func NewBusBuilder(name string) *BusBuilder {
	return &BusBuilder{
		settings: BusSettings{
			Name:               name,
			RequestResponse:    defaultRequestResponseSettings(),
			AutoStartConsumers: true,
		},
		clock:           xclock.Default(),
		observerWorkers: 4,
		observerBuffer:  1000,
	}
}

func (b *BusBuilder) fail(err error) *BusBuilder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// WithTransport selects the transport adapter.
func (b *BusBuilder) WithTransport(t Transport) *BusBuilder {
	b.transport = t
	return b
}

// WithSerializer overrides the default JSON codec.
func (b *BusBuilder) WithSerializer(c Codec) *BusBuilder {
	b.settings.Serializer = c
	return b
}

// WithDependencyResolver installs a DependencyResolver.
func (b *BusBuilder) WithDependencyResolver(r DependencyResolver) *BusBuilder {
	b.settings.DependencyResolver = r
	return b
}

// WithMessageTypeResolver installs a MessageTypeResolver.
func (b *BusBuilder) WithMessageTypeResolver(r MessageTypeResolver) *BusBuilder {
	b.settings.MessageTypeResolver = r
	return b
}

// WithHeaderModifier installs a global header modifier hook, run on every
// outbound message after the caller's headers and the MessageType and
// Originator headers are set. For a request, Send adds the CorrelationId,
// ReplyTo and Expires headers after the hook has run.
func (b *BusBuilder) WithHeaderModifier(f func(map[string]string)) *BusBuilder {
	b.settings.HeaderModifier = f
	return b
}

// WithClock overrides the injected clock abstraction (used for testing).
func (b *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	b.clock = c
	return b
}

// WithLogger overrides the structured logger.
func (b *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	b.logger = l
	return b
}

// WithObserver attaches an Observer, dispatched asynchronously by the pool.
func (b *BusBuilder) WithObserver(o Observer) *BusBuilder {
	b.observers = append(b.observers, o)
	return b
}

// WithObserverPool overrides the async observer pool's worker count and
// buffer size.
func (b *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	b.observerWorkers, b.observerBuffer = workers, bufferSize
	return b
}

// WithGlobalProducerHook registers a producer interceptor applied before any
// per-producer interceptor. Global hooks run outermost.
func (b *BusBuilder) WithGlobalProducerHook(ic ProducerInterceptor) *BusBuilder {
	b.settings.GlobalProducerHooks = append(b.settings.GlobalProducerHooks, ic)
	return b
}

// WithGlobalConsumerHook registers a consumer interceptor applied before any
// per-consumer interceptor.
func (b *BusBuilder) WithGlobalConsumerHook(ic ConsumerInterceptor) *BusBuilder {
	b.settings.GlobalConsumerHooks = append(b.settings.GlobalConsumerHooks, ic)
	return b
}

// WithMiddleware registers handler middleware applied to every consumer and
// handler invocation.
func (b *BusBuilder) WithMiddleware(mw Middleware) *BusBuilder {
	b.middlewares = append(b.middlewares, mw)
	return b
}

// AutoStartConsumersEnabled toggles whether Build() also calls Start().
func (b *BusBuilder) AutoStartConsumersEnabled(enabled bool) *BusBuilder {
	b.settings.AutoStartConsumers = enabled
	return b
}

// PerMessageScopeEnabled sets the PerMessageScope flag in the settings tree.
// The consumer pipeline does not read this flag: no child dependency scope
// is created around consumer invocations.
func (b *BusBuilder) PerMessageScopeEnabled(enabled bool) *BusBuilder {
	b.settings.PerMessageScope = enabled
	return b
}

// ExpectRequestResponses configures the bus-wide request/response defaults:
// the reply-to path, consumer group used for replies, and default timeout.
func (b *BusBuilder) ExpectRequestResponses(replyToPath, group string, defaultTimeout time.Duration) *BusBuilder {
	if defaultTimeout <= 0 {
		defaultTimeout = b.settings.RequestResponse.DefaultTimeout
	}
	b.settings.RequestResponse.ReplyToPath = replyToPath
	b.settings.RequestResponse.ReplyGroup = group
	b.settings.RequestResponse.DefaultTimeout = defaultTimeout
	return b
}

// MergeFrom inherits producers, consumers, serializer, resolver and
// request-response defaults from parent unless already set.
func (b *BusBuilder) MergeFrom(parent *BusSettings) *BusBuilder {
	b.parent = parent
	return b
}

// produceType registers a producer for an exact reflect.Type (the generic
// Produce[T] wrapper below is the ergonomic entry point).
func (b *BusBuilder) produceType(t reflect.Type, opts ProduceOptions) *BusBuilder {
	b.settings.Producers = append(b.settings.Producers, &ProducerSettings{
		MessageType:         t,
		Polymorphic:         opts.Polymorphic,
		DefaultPath:         opts.DefaultPath,
		DefaultTimeout:      opts.DefaultTimeout,
		Attachments:         opts.Attachments,
		Interceptors:        opts.Interceptors,
		PublishInterceptors: opts.PublishInterceptors,
		SendInterceptors:    opts.SendInterceptors,
		OnMessageProduced:   opts.OnMessageProduced,
	})
	return b
}

// handleType registers a request producer+handler pair for an exact
// (request, response) reflect.Type pair.
func (b *BusBuilder) handleType(reqType, respType reflect.Type, produceOpts ProduceOptions, handleOpts HandleOptions) *BusBuilder {
	b.produceType(reqType, produceOpts)
	b.settings.Producers[len(b.settings.Producers)-1].ResponseType = respType

	if handleOpts.Handler == nil {
		return b.fail(newError(KindConfiguration, "handler for %s must not be nil", reqType))
	}
	b.settings.Consumers = append(b.settings.Consumers, &ConsumerSettings{
		MessageType:         reqType,
		ResponseType:        respType,
		Path:                handleOpts.Path,
		Group:               handleOpts.Group,
		Instances:           handleOpts.Instances,
		Interceptors:        handleOpts.Interceptors,
		HandlerInterceptors: handleOpts.HandlerInterceptors,
		Handler:             handleOpts.Handler,
		OnEvent:             handleOpts.OnEvent,
	})
	return b
}

// consumeType registers a pub/sub consumer for an exact reflect.Type.
func (b *BusBuilder) consumeType(t reflect.Type, opts ConsumeOptions) *BusBuilder {
	if opts.Consumer == nil {
		return b.fail(newError(KindConfiguration, "consumer for %s must not be nil", t))
	}
	b.settings.Consumers = append(b.settings.Consumers, &ConsumerSettings{
		MessageType:  t,
		Path:         opts.Path,
		Group:        opts.Group,
		Instances:    opts.Instances,
		Interceptors: opts.Interceptors,
		Consumer:     opts.Consumer,
		OnEvent:      opts.OnEvent,
	})
	return b
}

// Produce declares T as a producer. Generic sugar over produceType so
// callers never juggle reflect.Type by hand.
func Produce[T any](b *BusBuilder, opts ProduceOptions) *BusBuilder {
	return b.produceType(reflect.TypeOf((*T)(nil)).Elem(), opts)
}

// Consume declares T as a pub/sub consumer target.
func Consume[T any](b *BusBuilder, opts ConsumeOptions) *BusBuilder {
	return b.consumeType(reflect.TypeOf((*T)(nil)).Elem(), opts)
}

// Handle declares Req as a request type answered with Resp. Registers both
// the producer side (so callers may Send(Req)) and the consumer side (so
// this bus may answer it).
func Handle[Req, Resp any](b *BusBuilder, produceOpts ProduceOptions, handleOpts HandleOptions) *BusBuilder {
	reqType := reflect.TypeOf((*Req)(nil)).Elem()
	respType := reflect.TypeOf((*Resp)(nil)).Elem()
	return b.handleType(reqType, respType, produceOpts, handleOpts)
}

// RequestResponseFor registers the producer half only: T may be Sent and a
// response of type Resp is expected, but this bus answers no such request
// itself (the handler lives on a peer bus/service).
func RequestResponseFor[Req, Resp any](b *BusBuilder, opts ProduceOptions) *BusBuilder {
	reqType := reflect.TypeOf((*Req)(nil)).Elem()
	respType := reflect.TypeOf((*Resp)(nil)).Elem()
	b.produceType(reqType, opts)
	b.settings.Producers[len(b.settings.Producers)-1].ResponseType = respType
	return b
}

// Build validates the accumulated settings tree and constructs a Bus.
func (b *BusBuilder) Build() (*Bus, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.transport == nil {
		return nil, ErrNoTransportConfigured
	}

	b.settings.MergeFrom(b.parent)
	if b.settings.Serializer == nil {
		b.settings.Serializer = JSONCodec{}
	}

	registry := newTypeRegistry()
	for _, ps := range b.settings.Producers {
		if err := registry.registerProducer(ps); err != nil {
			return nil, err
		}
	}
	for _, cs := range b.settings.Consumers {
		if cs.IsHandler() && cs.Handler == nil {
			return nil, newError(KindConfiguration, "handler for %s declares ResponseType but has no Handler func", cs.MessageType)
		}
		registry.registerConsumer(cs)
	}
	if err := registry.validateNoAmbiguousBases(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = xlog.Default()
	}

	bus := &Bus{
		name:        b.settings.Name,
		transport:   b.transport,
		settings:    &b.settings,
		registry:    registry,
		pending:     NewPendingRegistry(b.clock),
		codec:       b.settings.Serializer,
		clock:       b.clock,
		logger:      logger,
		middlewares: b.middlewares,
		metrics:     &busMetrics{},
	}
	bus.state.Store(int32(busBuilt))

	if len(b.observers) > 0 {
		bus.observerPool = NewObserverPool(context.Background(), b.observerWorkers, b.observerBuffer)
		bus.observers = append(bus.observers, b.observers...)
	}

	if b.settings.AutoStartConsumers {
		if err := bus.Start(context.Background()); err != nil {
			return nil, err
		}
	}

	return bus, nil
}

// HybridBuilder accumulates named child bus builders for composition into
// a single routing façade.
type HybridBuilder struct {
	name     string
	mode     PublishExecutionMode
	children map[string]*BusBuilder
	factory  func(name string) (*BusBuilder, error)
	err      error
}

// NewHybridBuilder starts a fresh hybrid router builder named name.
func NewHybridBuilder(name string) *HybridBuilder {
	return &HybridBuilder{name: name, children: make(map[string]*BusBuilder)}
}

// WithPublishExecutionMode sets the fan-out policy.
func (h *HybridBuilder) WithPublishExecutionMode(mode PublishExecutionMode) *HybridBuilder {
	h.mode = mode
	return h
}

// AddChildBus registers a named child bus builder.
func (h *HybridBuilder) AddChildBus(name string, builder *BusBuilder) *HybridBuilder {
	if _, exists := h.children[name]; exists && h.err == nil {
		h.err = newError(KindConfiguration, "child bus %q declared more than once", name)
		return h
	}
	h.children[name] = builder
	return h
}

// WithProvider records a child-bus factory on the builder. Build does not
// call it: only the children registered via AddChildBus are constructed.
func (h *HybridBuilder) WithProvider(factory func(name string) (*BusBuilder, error)) *HybridBuilder {
	h.factory = factory
	return h
}

// Build constructs every child bus and the routing table over them.
func (h *HybridBuilder) Build() (*HybridBus, error) {
	if h.err != nil {
		return nil, h.err
	}
	if len(h.children) == 0 {
		return nil, newError(KindConfiguration, "hybrid bus %q has no child buses", h.name)
	}

	built := make(map[string]*Bus, len(h.children))
	for name, cb := range h.children {
		// Children must not start consuming during Build(): the hybrid router
		// owns their lifecycle and only starts them from HybridBus.Start().
		cb.AutoStartConsumersEnabled(false)
		bus, err := cb.Build()
		if err != nil {
			return nil, wrapError(KindConfiguration, err, "building child bus %q", name)
		}
		built[name] = bus
	}

	return newHybridBus(h.name, built, h.mode)
}
