package meshbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Codec is the Strategy for encoding/decoding payloads on the wire. Marshal
// and Unmarshal take no type; serialize/deserialize below pass the declared
// reflect.Type alongside, so dynamic dispatch by a value tag is unnecessary.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory constructs codecs via the Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// serialize encodes v (declared as type t) via codec, converting any failure
// into a *Error{Kind: KindSerialization}.
func serialize(codec Codec, t reflect.Type, v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, wrapError(KindSerialization, err, "encode %s", t)
	}
	return data, nil
}

// deserialize decodes data into a new value of type t via codec.
func deserialize(codec Codec, t reflect.Type, data []byte) (any, error) {
	ptr := reflect.New(t)
	if err := codec.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, wrapError(KindSerialization, err, "decode %s", t)
	}
	return ptr.Elem().Interface(), nil
}

// Decode is a generic helper to unmarshal a message payload into T using a
// Codec found in ctx, falling back to the default "json" codec.
func Decode[T any](ctx context.Context, msg *Message) (T, error) {
	var v T
	c, ok := CodecFromContext(ctx)
	if !ok || c == nil {
		c = JSONCodec{}
	}
	if err := c.Unmarshal(msg.Payload, &v); err != nil {
		return v, wrapError(KindSerialization, err, "decode %T", v)
	}
	return v, nil
}
