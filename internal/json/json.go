// Package json centralizes the JSON codec used above the wire-framing
// layer (jsonrpc's envelope handling stays on encoding/json, since its
// strict-decoding guard depends on encoding/json's exact duplicate-field
// and decoder behavior). Everywhere a tool's arguments and results get
// marshaled, this package's segmentio-backed codec is faster for the
// large, deeply nested argument payloads tool calls tend to carry.
// Unmarshal matches object keys to struct fields case-sensitively.
package json

import "github.com/segmentio/encoding/json"

func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	_, err := json.Parse(data, v, json.DontMatchCaseInsensitiveStructFields)
	return err
}

type RawMessage = json.RawMessage
