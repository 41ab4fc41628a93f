package meshbus

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Publish sends a one-way event to path. payload's runtime type must
// resolve to a declared producer.
func (b *Bus) Publish(ctx context.Context, path string, payload any, meta map[string]string) error {
	ps, t, err := b.lookupProducerFor(payload)
	if err != nil {
		return err
	}
	resolvedPath := firstNonEmpty(path, ps.DefaultPath)
	if resolvedPath == "" {
		return ErrInvalidTopic
	}

	msg, err := b.buildMessage(ctx, ps, t, payload, meta)
	if err != nil {
		return err
	}
	msg.RoutingKey = path

	start := b.clock.Now()
	b.notify(Event{Type: EventProduceStart, Path: resolvedPath, MessageID: msg.ID, MessageName: msg.Name})

	terminal := func() (any, error) {
		return nil, b.transport.ProduceToPath(ctx, resolvedPath, msg)
	}
	chain := composePublishOrSend(ctx, msg, ps.PublishInterceptors, nil, false, terminal)
	chain = composeProducer(ctx, msg, append(append([]ProducerInterceptor{}, b.settings.GlobalProducerHooks...), ps.Interceptors...), chain)

	_, err = chain()
	dur := b.clock.Now().Sub(start)

	if err != nil {
		b.metrics.errorCount.Add(1)
		b.notify(Event{Type: EventError, Path: resolvedPath, MessageID: msg.ID, MessageName: msg.Name, Duration: dur, Err: err})
		return wrapError(KindProducer, err, "publish %s to %s", msg.Name, resolvedPath)
	}

	b.metrics.producedCount.Add(1)
	b.metrics.recordProcessingTime(dur.Nanoseconds())
	evt := Event{Type: EventProduceDone, Path: resolvedPath, MessageID: msg.ID, MessageName: msg.Name, Duration: dur}
	if ps.OnMessageProduced != nil {
		ps.OnMessageProduced(evt)
	}
	b.notify(evt)
	return nil
}

// PublishBatch sends several events to path in one transport round-trip.
// Each event is independently resolved, serialized and headered, then
// produced together.
func (b *Bus) PublishBatch(ctx context.Context, path string, events ...PublishEvent) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]*Message, 0, len(events))
	for _, e := range events {
		ps, t, err := b.lookupProducerFor(e.Payload)
		if err != nil {
			return err
		}
		msg, err := b.buildMessage(ctx, ps, t, e.Payload, e.Meta)
		if err != nil {
			return err
		}
		if e.Name != "" {
			msg.Name = e.Name
		}
		msg.RoutingKey = path
		msgs = append(msgs, msg)
	}

	resolvedPath := path
	if resolvedPath == "" {
		return ErrInvalidTopic
	}

	if err := b.transport.ProduceToPath(ctx, resolvedPath, msgs...); err != nil {
		b.metrics.errorCount.Add(1)
		return wrapError(KindProducer, err, "publish batch of %d to %s", len(msgs), resolvedPath)
	}
	b.metrics.producedCount.Add(uint64(len(msgs)))
	return nil
}

// Send issues a request and blocks until the correlated reply arrives, the
// request-level timeout elapses, or ctx is cancelled.
func (b *Bus) Send(ctx context.Context, path string, payload any, meta map[string]string) (any, error) {
	ps, t, err := b.lookupProducerFor(payload)
	if err != nil {
		return nil, err
	}
	if !ps.IsRequest() {
		return nil, newError(KindConfiguration, "producer for %s is not request-capable", t)
	}
	resolvedPath := firstNonEmpty(path, ps.DefaultPath)
	if resolvedPath == "" {
		return nil, ErrInvalidTopic
	}

	msg, err := b.buildMessage(ctx, ps, t, payload, meta)
	if err != nil {
		return nil, err
	}
	msg.RoutingKey = path

	timeout := ps.DefaultTimeout
	if timeout <= 0 {
		timeout = b.settings.RequestResponse.DefaultTimeout
	}
	now := b.clock.Now()
	expiresAt := now.Add(timeout)

	correlationID := uuid.NewString()
	msg.SetHeader(b.settings.RequestResponse.CorrelationHeaderName, correlationID)
	if b.settings.RequestResponse.ReplyToPath != "" {
		msg.SetHeader(HeaderReplyTo, b.settings.RequestResponse.ReplyToPath)
	}
	msg.SetHeader(HeaderExpires, expiresAt.Format(time.RFC3339Nano))

	pending, err := b.pending.Register(correlationID, ps.ResponseType, expiresAt)
	if err != nil {
		return nil, err
	}

	start := now
	b.notify(Event{Type: EventProduceStart, Path: resolvedPath, MessageID: msg.ID, MessageName: msg.Name, CorrelationID: correlationID})

	terminal := func() (any, error) {
		return nil, b.transport.ProduceToPath(ctx, resolvedPath, msg)
	}
	chain := composePublishOrSend(ctx, msg, nil, ps.SendInterceptors, true, terminal)
	chain = composeProducer(ctx, msg, append(append([]ProducerInterceptor{}, b.settings.GlobalProducerHooks...), ps.Interceptors...), chain)

	if _, err := chain(); err != nil {
		// Transport produce failed before any reply could ever arrive: the
		// entry is removed without delivering a terminal result.
		b.pending.unregister(correlationID)
		b.metrics.errorCount.Add(1)
		return nil, wrapError(KindProducer, err, "send %s to %s", msg.Name, resolvedPath)
	}

	b.metrics.producedCount.Add(1)
	evt := Event{Type: EventProduceDone, Path: resolvedPath, MessageID: msg.ID, MessageName: msg.Name, CorrelationID: correlationID}
	if ps.OnMessageProduced != nil {
		ps.OnMessageProduced(evt)
	}
	b.notify(evt)

	select {
	case <-ctx.Done():
		b.pending.cancel(correlationID)
		b.notify(Event{Type: EventRequestCancelled, CorrelationID: correlationID, MessageName: msg.Name})
		return nil, wrapError(KindCancelled, ctx.Err(), "send %s cancelled", msg.Name)
	case res := <-pending.sink:
		dur := b.clock.Now().Sub(start)
		b.metrics.recordProcessingTime(dur.Nanoseconds())
		if res.err != nil {
			b.metrics.errorCount.Add(1)
			return nil, res.err
		}
		return res.value, nil
	}
}

// lookupProducerFor resolves the ProducerSettings and declared type for
// payload's runtime type, erroring if nothing was declared: undeclared types
// never silently fall through to a transport.
func (b *Bus) lookupProducerFor(payload any) (*ProducerSettings, reflect.Type, error) {
	if payload == nil {
		return nil, nil, newError(KindProducer, "payload must not be nil")
	}
	t := reflect.TypeOf(payload)
	ps, ok := b.registry.resolveProducer(t)
	if !ok {
		return nil, nil, newError(KindConfiguration, "no producer declared for %s", t)
	}
	return ps, t, nil
}

// buildMessage serializes payload and stamps the standard headers.
func (b *Bus) buildMessage(ctx context.Context, ps *ProducerSettings, t reflect.Type, payload any, meta map[string]string) (*Message, error) {
	codec := b.codec
	if c, ok := CodecFromContext(ctx); ok {
		codec = c
	}
	data, err := serialize(codec, t, payload)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Name:       b.messageTypeName(t),
		Payload:    data,
		ProducedAt: b.clock.Now(),
	}
	for k, v := range meta {
		msg.SetHeader(k, v)
	}
	msg.SetHeader(HeaderMessageType, msg.Name)
	if b.settings.RequestResponse.OriginatorHeaderName != "" {
		msg.SetHeader(b.settings.RequestResponse.OriginatorHeaderName, b.name)
	}
	if b.settings.HeaderModifier != nil {
		b.settings.HeaderModifier(msg.Metadata)
	}
	return msg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
