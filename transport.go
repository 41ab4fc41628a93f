package meshbus

import (
	"context"
	"errors"
	"sync"
)

// Delivery encapsulates a received message with Ack/Nack semantics.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Transport is the Strategy/Adapter boundary the core consumes.
// Concrete brokers (Redis Streams, NATS, SQS, in-memory) implement this; the
// core never imports a broker SDK directly.
type Transport interface {
	// Start prepares the transport for use (e.g. dialing).
	Start(ctx context.Context) error
	// Stop suspends activity without releasing the handle.
	Stop(ctx context.Context) error
	// ProvisionTopology asks the adapter to reconcile required paths/groups
	// before any consumer begins receiving.
	ProvisionTopology(ctx context.Context) error
	// ProduceToPath sends messages to a topic/queue/hub.
	ProduceToPath(ctx context.Context, path string, msgs ...*Message) error
	// Subscribe binds a handler to a path within a consumer group. The
	// transport drives delivery in the background and honors ctx.
	Subscribe(ctx context.Context, path, group string, handler func(Delivery)) (Subscription, error)
	// Dispose releases resources. Implies Stop.
	Dispose(ctx context.Context) error
}

// DependencyResolver resolves a type to an instance, used to discover
// interceptors/consumers/handlers registered in an external container.
// Must recognise a "collection of T" query via ResolveAll.
type DependencyResolver interface {
	Resolve(t any) (any, error)
	ResolveAll(t any) ([]any, error)
}

// MessageTypeResolver maps a runtime type to a cross-transport identifying
// name and back, used to populate/read the MessageType header.
type MessageTypeResolver interface {
	ToName(t any) string
	ToType(name string) (any, bool)
}

// TransportFactory constructs transports from a config blob (Factory
// pattern).
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry    = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter by name.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport(name)
	}
	return f(cfg)
}
