package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Twisside/PAD-breaker/internal/runtime/ids"
)

func TestDecodeJSONNormalisesFields(t *testing.T) {
	env, err := DecodeJSON([]byte(`{"url":"http://x","msg":{"order":42},"reply_to":"replies"}`))
	require.NoError(t, err)

	assert.Equal(t, "http://x", env.URL)
	assert.Equal(t, DefaultMethod, env.Method)
	assert.JSONEq(t, `{"order":42}`, env.Msg)
	assert.Equal(t, "replies", env.ReplyTo)
	assert.Empty(t, env.CorrelationID)
}

func TestDecodeJSONKeepsStringMsgAndMethod(t *testing.T) {
	env, err := DecodeJSON([]byte(`{"method":"PUT","msg":"hello","correlation_id":"abc"}`))
	require.NoError(t, err)

	assert.Equal(t, "PUT", env.Method)
	assert.Equal(t, "hello", env.Msg)
	assert.Equal(t, "abc", env.CorrelationID)
}

func TestDecodeJSONEmptyBody(t *testing.T) {
	env, err := DecodeJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, Envelope{Method: DefaultMethod}, env)
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	_, err := DecodeJSON([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestProtobufRoundTrip(t *testing.T) {
	in := Envelope{
		URL:           "http://orders/hook",
		Method:        "POST",
		Msg:           `{"id":1}`,
		ReplyTo:       "replies",
		CorrelationID: "corr-1",
	}

	out, err := DecodeProtobuf(in.MarshalProtobuf())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeProtobufSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	b = protowire.AppendTag(b, fieldMsg, protowire.BytesType)
	b = protowire.AppendString(b, "payload")

	env, err := DecodeProtobuf(b)
	require.NoError(t, err)
	assert.Equal(t, "payload", env.Msg)
	assert.Empty(t, env.Method, "protobuf envelopes keep proto3 defaults")
}

func TestDecodeProtobufErrors(t *testing.T) {
	_, err := DecodeProtobuf(nil)
	assert.ErrorIs(t, err, ErrEmptyBody)

	truncated := protowire.AppendTag(nil, fieldURL, protowire.BytesType)
	truncated = protowire.AppendVarint(truncated, 10)
	_, err = DecodeProtobuf(append(truncated, 'a'))
	assert.ErrorIs(t, err, ErrInvalidProtobuf)
}

func TestResolveAssignsCorrelationIDOnce(t *testing.T) {
	env, err := Resolve(Ingress{Format: FormatJSON, Body: []byte(`{"msg":"x"}`)})
	require.NoError(t, err)
	require.NotEmpty(t, env.CorrelationID)

	_, err = ids.Timestamp(env.CorrelationID)
	assert.NoError(t, err, "generated correlation ids are ULIDs")
	assert.Equal(t, env.CorrelationID, env.Normalize().CorrelationID)

	kept, err := Resolve(Ingress{Format: FormatProtobuf, Body: Envelope{CorrelationID: "given"}.MarshalProtobuf()})
	require.NoError(t, err)
	assert.Equal(t, "given", kept.CorrelationID)
}

func TestFormatFromContentType(t *testing.T) {
	assert.Equal(t, FormatProtobuf, FormatFromContentType("application/x-protobuf"))
	assert.Equal(t, FormatProtobuf, FormatFromContentType("application/x-protobuf; charset=binary"))
	assert.Equal(t, FormatJSON, FormatFromContentType("application/json"))
	assert.Equal(t, FormatJSON, FormatFromContentType(""))
	assert.Equal(t, "Protobuf", FormatProtobuf.String())
	assert.Equal(t, "JSON", FormatJSON.String())
}

func TestMarshalUsesWireNames(t *testing.T) {
	b, err := Envelope{CorrelationID: "c", URL: "u", Method: "POST", Msg: "m", ReplyTo: "r"}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"correlation_id":"c","url":"u","method":"POST","msg":"m","reply_to":"r"}`, string(b))
}
