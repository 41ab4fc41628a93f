package meshbus

import (
	"reflect"
	"sync"
)

// typeRegistry resolves the runtime type of a produced/consumed value to its
// nearest declared settings, walking the type's interface chain once and
// caching the result.
type typeRegistry struct {
	producersByType map[reflect.Type]*ProducerSettings // exact declarations
	consumersByType map[reflect.Type][]*ConsumerSettings

	producerCache sync.Map // reflect.Type -> *ProducerSettings (nil sentinel for miss)
	consumerCache sync.Map // reflect.Type -> []*ConsumerSettings
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{
		producersByType: make(map[reflect.Type]*ProducerSettings),
		consumersByType: make(map[reflect.Type][]*ConsumerSettings),
	}
}

// register records a producer declaration. Returns a *Error{Configuration}
// if the exact message type was already declared.
func (r *typeRegistry) registerProducer(ps *ProducerSettings) error {
	if _, exists := r.producersByType[ps.MessageType]; exists {
		return newError(KindConfiguration, "producer for %s declared more than once", ps.MessageType)
	}
	r.producersByType[ps.MessageType] = ps
	return nil
}

func (r *typeRegistry) registerConsumer(cs *ConsumerSettings) {
	r.consumersByType[cs.MessageType] = append(r.consumersByType[cs.MessageType], cs)
}

// resolveProducer finds the settings for the given concrete type: an exact
// match first, else the nearest declared ancestor interface with
// Polymorphic set. Cached per concrete type for the bus's lifetime.
func (r *typeRegistry) resolveProducer(t reflect.Type) (*ProducerSettings, bool) {
	if cached, ok := r.producerCache.Load(t); ok {
		ps, _ := cached.(*ProducerSettings)
		return ps, ps != nil
	}

	ps := r.lookupProducer(t)
	r.producerCache.Store(t, ps)
	return ps, ps != nil
}

func (r *typeRegistry) lookupProducer(t reflect.Type) *ProducerSettings {
	if ps, ok := r.producersByType[t]; ok {
		return ps
	}

	var best *ProducerSettings
	for base, ps := range r.producersByType {
		if base == t || !ps.Polymorphic {
			continue
		}
		if base.Kind() != reflect.Interface {
			continue
		}
		if !t.Implements(base) {
			continue
		}
		if best != nil && best != ps {
			// Two polymorphic bases both match t. Build() does not reject
			// this case (validateNoAmbiguousBases only compares bases with
			// each other), so the base kept is whichever map iteration
			// reaches first; resolveProducer then caches that choice.
			continue
		}
		best = ps
	}
	return best
}

// resolveConsumers returns every ConsumerSettings declared for t.
func (r *typeRegistry) resolveConsumers(t reflect.Type) ([]*ConsumerSettings, bool) {
	if cached, ok := r.consumerCache.Load(t); ok {
		cs, _ := cached.([]*ConsumerSettings)
		return cs, len(cs) > 0
	}
	cs := r.consumersByType[t]
	r.consumerCache.Store(t, cs)
	return cs, len(cs) > 0
}

// validateNoAmbiguousBases rejects, at Build() time, any two polymorphic
// interface bases where one implements the other. Two unrelated bases that a
// single concrete type implements are not detected here.
func (r *typeRegistry) validateNoAmbiguousBases() error {
	var interfaceBases []*ProducerSettings
	for base, ps := range r.producersByType {
		if ps.Polymorphic && base.Kind() == reflect.Interface {
			interfaceBases = append(interfaceBases, ps)
		}
	}
	for i := 0; i < len(interfaceBases); i++ {
		for j := i + 1; j < len(interfaceBases); j++ {
			a, b := interfaceBases[i], interfaceBases[j]
			if a.MessageType.Implements(b.MessageType) || b.MessageType.Implements(a.MessageType) {
				return newError(KindConfiguration, "ambiguous polymorphic producer bases %s and %s", a.MessageType, b.MessageType)
			}
		}
	}
	return nil
}
