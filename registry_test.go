package meshbus

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shippedEvent struct{}
type cancelledEvent struct{}

type domainEvent interface {
	isDomainEvent()
}

func (shippedEvent) isDomainEvent()   {}
func (cancelledEvent) isDomainEvent() {}

func TestTypeRegistry_RegisterAndResolveExact(t *testing.T) {
	r := newTypeRegistry()
	ps := &ProducerSettings{MessageType: reflect.TypeOf(shippedEvent{}), DefaultPath: "shipped"}
	require.NoError(t, r.registerProducer(ps))

	got, ok := r.resolveProducer(reflect.TypeOf(shippedEvent{}))
	require.True(t, ok)
	assert.Same(t, ps, got)
}

func TestTypeRegistry_RegisterProducerTwiceErrors(t *testing.T) {
	r := newTypeRegistry()
	ps := &ProducerSettings{MessageType: reflect.TypeOf(shippedEvent{})}
	require.NoError(t, r.registerProducer(ps))

	err := r.registerProducer(&ProducerSettings{MessageType: reflect.TypeOf(shippedEvent{})})
	assert.Error(t, err)
}

func TestTypeRegistry_ResolveProducer_UnknownTypeMisses(t *testing.T) {
	r := newTypeRegistry()
	_, ok := r.resolveProducer(reflect.TypeOf(shippedEvent{}))
	assert.False(t, ok)
}

func TestTypeRegistry_PolymorphicBase_ResolvesImplementingType(t *testing.T) {
	r := newTypeRegistry()
	base := &ProducerSettings{
		MessageType: reflect.TypeOf((*domainEvent)(nil)).Elem(),
		Polymorphic: true,
		DefaultPath: "events",
	}
	require.NoError(t, r.registerProducer(base))

	got, ok := r.resolveProducer(reflect.TypeOf(shippedEvent{}))
	require.True(t, ok)
	assert.Same(t, base, got)

	got, ok = r.resolveProducer(reflect.TypeOf(cancelledEvent{}))
	require.True(t, ok)
	assert.Same(t, base, got)
}

func TestTypeRegistry_ExactMatchWinsOverPolymorphicBase(t *testing.T) {
	r := newTypeRegistry()
	base := &ProducerSettings{
		MessageType: reflect.TypeOf((*domainEvent)(nil)).Elem(),
		Polymorphic: true,
		DefaultPath: "events",
	}
	exact := &ProducerSettings{MessageType: reflect.TypeOf(shippedEvent{}), DefaultPath: "shipped"}
	require.NoError(t, r.registerProducer(base))
	require.NoError(t, r.registerProducer(exact))

	got, ok := r.resolveProducer(reflect.TypeOf(shippedEvent{}))
	require.True(t, ok)
	assert.Same(t, exact, got)
}

func TestTypeRegistry_ValidateNoAmbiguousBases_DetectsOverlap(t *testing.T) {
	type narrower interface {
		domainEvent
	}
	r := newTypeRegistry()
	wide := &ProducerSettings{MessageType: reflect.TypeOf((*domainEvent)(nil)).Elem(), Polymorphic: true}
	narrow := &ProducerSettings{MessageType: reflect.TypeOf((*narrower)(nil)).Elem(), Polymorphic: true}
	require.NoError(t, r.registerProducer(wide))
	require.NoError(t, r.registerProducer(narrow))

	assert.Error(t, r.validateNoAmbiguousBases())
}

func TestTypeRegistry_ValidateNoAmbiguousBases_PassesForUnrelatedBases(t *testing.T) {
	type otherEvent interface {
		isOtherEvent()
	}
	r := newTypeRegistry()
	a := &ProducerSettings{MessageType: reflect.TypeOf((*domainEvent)(nil)).Elem(), Polymorphic: true}
	b := &ProducerSettings{MessageType: reflect.TypeOf((*otherEvent)(nil)).Elem(), Polymorphic: true}
	require.NoError(t, r.registerProducer(a))
	require.NoError(t, r.registerProducer(b))

	assert.NoError(t, r.validateNoAmbiguousBases())
}

func TestTypeRegistry_RegisterAndResolveConsumers(t *testing.T) {
	r := newTypeRegistry()
	cs := &ConsumerSettings{MessageType: reflect.TypeOf(shippedEvent{}), Path: "shipped"}
	r.registerConsumer(cs)

	got, ok := r.resolveConsumers(reflect.TypeOf(shippedEvent{}))
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Same(t, cs, got[0])
}
