package meshbus

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codecSample struct {
	Name string `json:"name"`
}

func TestJSONCodec_MarshalUnmarshal(t *testing.T) {
	c := JSONCodec{}
	assert.Equal(t, "json", c.Name())

	data, err := c.Marshal(codecSample{Name: "a"})
	require.NoError(t, err)

	var out codecSample
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, "a", out.Name)
}

func TestSerializeDeserialize_Roundtrip(t *testing.T) {
	c := JSONCodec{}
	t1 := reflect.TypeOf(codecSample{})

	data, err := serialize(c, t1, codecSample{Name: "roundtrip"})
	require.NoError(t, err)

	v, err := deserialize(c, t1, data)
	require.NoError(t, err)
	assert.Equal(t, codecSample{Name: "roundtrip"}, v)
}

func TestSerialize_WrapsMarshalFailureAsSerializationKind(t *testing.T) {
	c := JSONCodec{}
	// A channel can never be JSON-marshaled.
	_, err := serialize(c, reflect.TypeOf(make(chan int)), make(chan int))
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, KindSerialization, berr.Kind)
}

func TestDeserialize_WrapsUnmarshalFailureAsSerializationKind(t *testing.T) {
	c := JSONCodec{}
	_, err := deserialize(c, reflect.TypeOf(codecSample{}), []byte("not json"))
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, KindSerialization, berr.Kind)
}

func TestDecode_UsesCodecFromContext(t *testing.T) {
	msg := &Message{Payload: []byte(`{"name":"ctx"}`)}
	ctx := injectCodec(context.Background(), JSONCodec{})

	got, err := Decode[codecSample](ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "ctx", got.Name)
}

func TestDecode_FallsBackToJSONWithoutContextCodec(t *testing.T) {
	msg := &Message{Payload: []byte(`{"name":"fallback"}`)}
	got, err := Decode[codecSample](context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Name)
}

func TestRegisterAndNewCodec(t *testing.T) {
	require.NoError(t, RegisterCodec("codec-test-noop", func() Codec { return JSONCodec{} }))
	c, err := NewCodec("codec-test-noop")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = NewCodec("codec-test-does-not-exist")
	assert.Error(t, err)
}

func TestRegisterCodec_RejectsEmptyNameOrNilFactory(t *testing.T) {
	assert.Error(t, RegisterCodec("", func() Codec { return JSONCodec{} }))
	assert.Error(t, RegisterCodec("x", nil))
}
