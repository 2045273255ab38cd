// Package codec serializes task records for byte-oriented stores.
package codec

import "fmt"

// Codec marshals records. Implementations must round-trip every exported
// field of types.Task.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ByName resolves a configured codec name; empty means JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON(), nil
	case "cbor":
		return CBOR()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
