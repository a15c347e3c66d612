// Package jsoncodec is the single JSON entry point of the broker. Envelopes,
// durable log records and HTTP responses all go through sonic's std-compatible
// config so map keys are sorted and HTML is escaped the same way encoding/json
// would.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// Payload returns data unchanged when it already is JSON, and otherwise
// encodes it as a JSON string. The broker forwards opaque payloads this way so
// every outbound body is valid JSON.
func Payload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte("null"), nil
	}
	if Valid(data) {
		return data, nil
	}
	return Marshal(string(data))
}
