// Package envelope resolves publish request bodies into the broker's message
// envelope. Bodies arrive either as JSON or as a protobuf-encoded
// broker.MessageEnvelope and are normalised exactly once at ingress.
package envelope

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Twisside/PAD-breaker/internal/runtime/ids"
	"github.com/Twisside/PAD-breaker/internal/runtime/jsoncodec"
)

// ContentTypeProtobuf selects protobuf decoding on ingress.
const ContentTypeProtobuf = "application/x-protobuf"

// DefaultMethod is applied to JSON envelopes that omit a method.
const DefaultMethod = "POST"

// Format names the wire encoding of an ingress body.
type Format int

const (
	FormatJSON Format = iota
	FormatProtobuf
)

func (f Format) String() string {
	if f == FormatProtobuf {
		return "Protobuf"
	}
	return "JSON"
}

// FormatFromContentType picks protobuf for application/x-protobuf and JSON for
// everything else, parameters included.
func FormatFromContentType(contentType string) Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(contentType)
	}
	if strings.EqualFold(mediaType, ContentTypeProtobuf) {
		return FormatProtobuf
	}
	return FormatJSON
}

var (
	ErrEmptyBody       = errors.New("empty or invalid buffer received")
	ErrInvalidProtobuf = errors.New("invalid protobuf format")
	ErrInvalidJSON     = errors.New("invalid json envelope")
)

// Envelope is the normalised message published to a topic.
type Envelope struct {
	CorrelationID string `json:"correlation_id"`
	URL           string `json:"url"`
	Method        string `json:"method"`
	Msg           string `json:"msg"`
	ReplyTo       string `json:"reply_to"`
}

// Ingress is a raw publish body tagged with its encoding.
type Ingress struct {
	Format Format
	Body   []byte
}

// Resolve decodes the ingress body and assigns a correlation id when absent.
func Resolve(in Ingress) (Envelope, error) {
	var (
		env Envelope
		err error
	)
	switch in.Format {
	case FormatProtobuf:
		env, err = DecodeProtobuf(in.Body)
	default:
		env, err = DecodeJSON(in.Body)
	}
	if err != nil {
		return Envelope{}, err
	}
	return env.Normalize(), nil
}

// Normalize returns a copy of the envelope with a correlation id. An existing
// id is never replaced.
func (e Envelope) Normalize() Envelope {
	if e.CorrelationID == "" {
		e.CorrelationID = ids.NewCorrelationID()
	}
	return e
}

// Marshal renders the envelope in its JSON wire shape.
func (e Envelope) Marshal() ([]byte, error) {
	return jsoncodec.Marshal(e)
}

// DecodeJSON reads a loosely typed JSON body. Object and array msg values are
// re-encoded into a JSON string, missing strings become empty and a missing
// method defaults to POST.
func DecodeJSON(body []byte) (Envelope, error) {
	raw := map[string]any{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := jsoncodec.Unmarshal(body, &raw); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
	}

	msg, err := msgString(raw["msg"])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: msg: %v", ErrInvalidJSON, err)
	}

	env := Envelope{
		URL:           stringField(raw, "url"),
		Method:        stringField(raw, "method"),
		Msg:           msg,
		ReplyTo:       stringField(raw, "reply_to"),
		CorrelationID: stringField(raw, "correlation_id"),
	}
	if env.Method == "" {
		env.Method = DefaultMethod
	}
	return env, nil
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func msgString(v any) (string, error) {
	switch m := v.(type) {
	case nil:
		return "", nil
	case string:
		return m, nil
	default:
		b, err := jsoncodec.Marshal(m)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// Field numbers of broker.MessageEnvelope.
const (
	fieldURL           protowire.Number = 1
	fieldMethod        protowire.Number = 2
	fieldMsg           protowire.Number = 3
	fieldReplyTo       protowire.Number = 4
	fieldCorrelationID protowire.Number = 5
)

// DecodeProtobuf parses a broker.MessageEnvelope. Unknown fields are skipped.
func DecodeProtobuf(body []byte) (Envelope, error) {
	if len(body) == 0 {
		return Envelope{}, ErrEmptyBody
	}

	var env Envelope
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidProtobuf, protowire.ParseError(n))
		}
		body = body[n:]

		target := env.field(num)
		if target == nil || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidProtobuf, protowire.ParseError(n))
			}
			body = body[n:]
			continue
		}

		v, n := protowire.ConsumeString(body)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrInvalidProtobuf, num, protowire.ParseError(n))
		}
		*target = v
		body = body[n:]
	}
	return env, nil
}

func (e *Envelope) field(num protowire.Number) *string {
	switch num {
	case fieldURL:
		return &e.URL
	case fieldMethod:
		return &e.Method
	case fieldMsg:
		return &e.Msg
	case fieldReplyTo:
		return &e.ReplyTo
	case fieldCorrelationID:
		return &e.CorrelationID
	}
	return nil
}

// MarshalProtobuf encodes the envelope as a broker.MessageEnvelope. Empty
// fields are omitted as proto3 does.
func (e Envelope) MarshalProtobuf() []byte {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		val string
	}{
		{fieldURL, e.URL},
		{fieldMethod, e.Method},
		{fieldMsg, e.Msg},
		{fieldReplyTo, e.ReplyTo},
		{fieldCorrelationID, e.CorrelationID},
	} {
		if f.val == "" {
			continue
		}
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendString(b, f.val)
	}
	return b
}
