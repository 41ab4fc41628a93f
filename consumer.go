package meshbus

import (
	"context"
	"reflect"
)

// Subscribe registers a consumer or request handler dynamically. If the bus
// is already started, the new settings take effect immediately: a
// subscription is opened for its path if one is not already active.
func (b *Bus) Subscribe(cs ConsumerSettings) error {
	if cs.Path == "" {
		return ErrInvalidTopic
	}
	if cs.ResponseType != nil && cs.Handler == nil {
		return newError(KindConfiguration, "handler for %s declares a response type but no handler func", cs.MessageType)
	}
	owned := cs
	b.registry.registerConsumer(&owned)
	b.settings.Consumers = append(b.settings.Consumers, &owned)

	if !b.IsStarted() {
		return nil
	}

	b.consumerMu.RLock()
	_, active := b.consumersByPath[owned.Path]
	b.consumerMu.RUnlock()
	b.rebuildConsumerIndex()
	if active {
		return nil
	}
	sub, err := b.subscribePath(context.Background(), owned.Path)
	if err != nil {
		return err
	}
	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	return nil
}

// rebuildConsumerIndex groups declared consumers by path (one transport
// subscription per path) and by cross-transport name (for fan-in
// resolution when several types share a path).
func (b *Bus) rebuildConsumerIndex() {
	byPath := make(map[string][]*ConsumerSettings)
	byName := make(map[string]*ConsumerSettings)
	for _, cs := range b.settings.Consumers {
		byPath[cs.Path] = append(byPath[cs.Path], cs)
		byName[b.messageTypeName(cs.MessageType)] = cs
	}
	b.consumerMu.Lock()
	b.consumersByPath = byPath
	b.consumersByName = byName
	b.consumerMu.Unlock()
}

func (b *Bus) consumerPaths() []string {
	b.consumerMu.RLock()
	defer b.consumerMu.RUnlock()
	paths := make([]string, 0, len(b.consumersByPath))
	for p := range b.consumersByPath {
		paths = append(paths, p)
	}
	return paths
}

// resolveInboundSettings resolves by the envelope's message-type header
// first, falling back to path when exactly one consumer is declared there.
func (b *Bus) resolveInboundSettings(path string, msg *Message) (*ConsumerSettings, bool) {
	b.consumerMu.RLock()
	defer b.consumerMu.RUnlock()

	if name := msg.Header(HeaderMessageType); name != "" {
		if cs, ok := b.consumersByName[name]; ok {
			return cs, true
		}
	}
	group := b.consumersByPath[path]
	if len(group) == 1 {
		return group[0], true
	}
	return nil, false
}

// subscribePath opens one transport subscription per declared path. The
// group used is whichever the (first) consumer on that path declares.
func (b *Bus) subscribePath(ctx context.Context, path string) (Subscription, error) {
	b.consumerMu.RLock()
	group := b.consumersByPath[path]
	b.consumerMu.RUnlock()
	if len(group) == 0 {
		return nil, newError(KindConfiguration, "no consumer declared for path %s", path)
	}
	consumerGroup := group[0].Group

	return b.transport.Subscribe(ctx, path, consumerGroup, func(d Delivery) {
		b.dispatch(ctx, path, d)
	})
}

// dispatch runs the full consumer pipeline for one inbound delivery.
func (b *Bus) dispatch(ctx context.Context, path string, d Delivery) {
	msg := d.Message()
	start := b.clock.Now()
	b.notify(Event{Type: EventConsumeStart, Path: path, MessageID: msg.ID, MessageName: msg.Name})

	cs, ok := b.resolveInboundSettings(path, msg)
	if !ok {
		err := newError(KindHandler, "no consumer settings resolved for message %s on %s", msg.Name, path)
		b.failDelivery(ctx, d, err)
		return
	}

	dctx := injectAll(ctx, b.codec, b.logger, b.clock, b.settings.DependencyResolver)

	// Deserialize eagerly so an undecodable payload surfaces as a
	// Serialization failure before any interceptor runs; the handler itself
	// decodes the typed value from msg via Decode[T].
	if _, err := deserialize(b.codec, cs.MessageType, msg.Payload); err != nil {
		b.failDelivery(dctx, d, err)
		return
	}

	handler := b.buildHandler(cs)
	handlerTerminal := composeHandler(dctx, msg, cs.HandlerInterceptors, func() (any, error) { return handler(dctx, msg) })
	chain := composeConsumer(dctx, msg, append(append([]ConsumerInterceptor{}, b.settings.GlobalConsumerHooks...), cs.Interceptors...), handlerTerminal)

	response, err := chain()
	dur := b.clock.Now().Sub(start)

	if err != nil {
		b.metrics.errorCount.Add(1)
		b.notify(Event{Type: EventError, Path: path, MessageID: msg.ID, MessageName: msg.Name, Duration: dur, Err: err})
		if cs.IsHandler() {
			b.replyWithError(dctx, msg, cs, err)
		}
		if nackErr := d.Nack(dctx, err); nackErr != nil {
			b.notify(Event{Type: EventError, Path: path, Err: nackErr})
		}
		b.metrics.nackCount.Add(1)
		if cs.OnEvent != nil {
			cs.OnEvent(Event{Type: EventNack, Path: path, MessageID: msg.ID, MessageName: msg.Name, Err: err})
		}
		return
	}

	if cs.IsHandler() {
		if replyErr := b.replyWithResponse(dctx, msg, cs, response); replyErr != nil {
			b.metrics.errorCount.Add(1)
			b.notify(Event{Type: EventError, Path: path, MessageID: msg.ID, Err: replyErr})
		}
	}

	if ackErr := d.Ack(dctx); ackErr != nil {
		b.metrics.errorCount.Add(1)
		b.notify(Event{Type: EventError, Path: path, MessageID: msg.ID, Err: ackErr})
		return
	}

	b.metrics.consumedCount.Add(1)
	b.metrics.ackCount.Add(1)
	b.metrics.recordProcessingTime(dur.Nanoseconds())
	evt := Event{Type: EventConsumeDone, Path: path, MessageID: msg.ID, MessageName: msg.Name, Duration: dur}
	if cs.OnEvent != nil {
		cs.OnEvent(evt)
	}
	b.notify(evt)
}

// buildHandler adapts ConsumerSettings into a single HandlerFunc, applying
// bus-global middleware.
func (b *Bus) buildHandler(cs *ConsumerSettings) HandlerFunc {
	var base HandlerFunc
	if cs.IsHandler() {
		base = cs.Handler
	} else {
		consumer := cs.Consumer
		base = func(ctx context.Context, msg *Message) (any, error) {
			return nil, consumer(ctx, msg)
		}
	}
	return Chain(base, b.middlewares...)
}

// replyWithResponse serializes response and publishes it to the request's
// reply-to path, carrying the original correlation-id.
func (b *Bus) replyWithResponse(ctx context.Context, request *Message, cs *ConsumerSettings, response any) error {
	replyTo := request.Header(HeaderReplyTo)
	if replyTo == "" {
		return nil
	}
	data, err := serialize(b.codec, cs.ResponseType, response)
	if err != nil {
		return err
	}
	reply := &Message{
		ID:         request.ID,
		Name:       b.messageTypeName(cs.ResponseType),
		Payload:    data,
		ProducedAt: b.clock.Now(),
	}
	reply.SetHeader(b.settings.RequestResponse.CorrelationHeaderName, request.Header(b.settings.RequestResponse.CorrelationHeaderName))
	reply.SetHeader(HeaderMessageType, reply.Name)
	return b.transport.ProduceToPath(ctx, replyTo, reply)
}

// replyWithError publishes a header-only error envelope when a request
// handler fails.
func (b *Bus) replyWithError(ctx context.Context, request *Message, cs *ConsumerSettings, cause error) {
	replyTo := request.Header(HeaderReplyTo)
	if replyTo == "" {
		return
	}
	kind := KindHandler
	if be, ok := cause.(*Error); ok {
		kind = be.Kind
	}
	reply := &Message{
		ID:         request.ID,
		Name:       b.messageTypeName(cs.ResponseType),
		ProducedAt: b.clock.Now(),
	}
	reply.SetHeader(b.settings.RequestResponse.CorrelationHeaderName, request.Header(b.settings.RequestResponse.CorrelationHeaderName))
	reply.SetHeader("Error", cause.Error())
	reply.SetHeader("ErrorKind", string(kind))
	_ = b.transport.ProduceToPath(ctx, replyTo, reply)
}

// failDelivery reports an unresolvable or undeserializable delivery to the
// transport, which decides retry/ack policy.
func (b *Bus) failDelivery(ctx context.Context, d Delivery, err error) {
	b.metrics.errorCount.Add(1)
	msg := d.Message()
	b.notify(Event{Type: EventError, MessageID: msg.ID, MessageName: msg.Name, Err: err})
	if nackErr := d.Nack(ctx, err); nackErr != nil {
		b.notify(Event{Type: EventError, MessageID: msg.ID, Err: nackErr})
	}
	b.metrics.nackCount.Add(1)
}

// handleReply resolves a reply-path delivery against the pending-request
// registry instead of a declared consumer.
func (b *Bus) handleReply(d Delivery) {
	msg := d.Message()
	correlationID := msg.Header(b.settings.RequestResponse.CorrelationHeaderName)
	if correlationID == "" {
		_ = d.Nack(context.Background(), newError(KindHandler, "reply missing correlation id"))
		return
	}

	if errMsg := msg.Header("Error"); errMsg != "" {
		kind := Kind(msg.Header("ErrorKind"))
		if kind == "" {
			kind = KindHandler
		}
		b.pending.Fail(correlationID, &Error{Kind: kind, Message: errMsg})
		_ = d.Ack(context.Background())
		return
	}

	pendingType, ok := b.pendingMessageType(correlationID)
	if !ok {
		// Unknown or already-terminated correlation id: nothing to resolve,
		// still ack so the transport doesn't redeliver indefinitely.
		_ = d.Ack(context.Background())
		return
	}

	value, err := deserialize(b.codec, pendingType, msg.Payload)
	if err != nil {
		b.pending.Fail(correlationID, err)
		_ = d.Ack(context.Background())
		return
	}

	b.pending.Resolve(correlationID, value)
	_ = d.Ack(context.Background())
}

func (b *Bus) pendingMessageType(id string) (reflect.Type, bool) {
	return b.pending.peekType(id)
}
