package meshbus

import (
	"reflect"
	"time"
)

// ProducerSettings describes how a declared message type is produced.
// MessageType may be a base/interface type; Polymorphic controls whether
// derived/implementing types inherit it.
type ProducerSettings struct {
	MessageType    reflect.Type
	ResponseType   reflect.Type // set only for request-capable producers
	Polymorphic    bool
	DefaultPath    string
	DefaultTimeout time.Duration // meaningful only for request message types
	Attachments    map[string]any // transport-specific opaque attachments (key/partition providers)
	Interceptors   []ProducerInterceptor
	PublishInterceptors []PublishInterceptor
	SendInterceptors    []SendInterceptor
	OnMessageProduced func(Event)
}

// IsRequest reports whether this producer is request-capable.
func (p *ProducerSettings) IsRequest() bool { return p.ResponseType != nil }

// ConsumerSettings describes a consumer or a request handler.
type ConsumerSettings struct {
	MessageType  reflect.Type
	ResponseType reflect.Type // nil for pub/sub; set for request handlers
	Path         string
	Group        string
	Instances    int
	Interceptors []ConsumerInterceptor
	// HandlerInterceptors wrap only the request-handler invocation itself,
	// innermost within the consumer chain; unused by plain pub/sub consumers.
	HandlerInterceptors []HandlerInterceptor
	Handler      HandlerFunc
	Consumer     ConsumerFunc
	OnEvent      func(Event)
}

// IsHandler reports whether these settings describe a request-responder.
func (c *ConsumerSettings) IsHandler() bool { return c.ResponseType != nil }

// RequestResponseSettings holds bus-level request/response defaults.
type RequestResponseSettings struct {
	ReplyToPath           string
	ReplyGroup            string
	DefaultTimeout        time.Duration
	CorrelationHeaderName string
	OriginatorHeaderName  string
}

func defaultRequestResponseSettings() RequestResponseSettings {
	return RequestResponseSettings{
		ReplyToPath:           "",
		ReplyGroup:            "",
		DefaultTimeout:        30 * time.Second,
		CorrelationHeaderName: HeaderCorrelationID,
		OriginatorHeaderName:  HeaderOriginator,
	}
}

// BusSettings is the root settings tree.
type BusSettings struct {
	Name                 string
	Producers            []*ProducerSettings
	Consumers            []*ConsumerSettings
	RequestResponse      RequestResponseSettings
	Serializer           Codec
	DependencyResolver   DependencyResolver
	MessageTypeResolver  MessageTypeResolver
	PerMessageScope      bool
	AutoStartConsumers   bool
	GlobalProducerHooks  []ProducerInterceptor
	GlobalConsumerHooks  []ConsumerInterceptor
	HeaderModifier       func(headers map[string]string)
}

// MergeFrom copies producers, consumers, serializer, resolver and
// request-response defaults from parent unless the child already set them
// (child wins).
func (s *BusSettings) MergeFrom(parent *BusSettings) {
	if parent == nil {
		return
	}
	if len(s.Producers) == 0 {
		s.Producers = append(s.Producers, parent.Producers...)
	}
	if len(s.Consumers) == 0 {
		s.Consumers = append(s.Consumers, parent.Consumers...)
	}
	if s.Serializer == nil {
		s.Serializer = parent.Serializer
	}
	if s.DependencyResolver == nil {
		s.DependencyResolver = parent.DependencyResolver
	}
	if s.MessageTypeResolver == nil {
		s.MessageTypeResolver = parent.MessageTypeResolver
	}
	var zero RequestResponseSettings
	if s.RequestResponse == zero {
		s.RequestResponse = parent.RequestResponse
	}
}
