// Package codec serializes events to and from message bodies.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact, honours json struct tags)
//   - Protocol Buffers (binary, schema-based; events must be proto messages)
//   - CBOR (binary, deterministic, RFC 8949)
//
// A codec's ContentType travels with every published message, so consumers
// can pick the matching codec from the registry with Get or MustGet.
package codec

import (
	"errors"
	"slices"
	"sync"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode event")
	ErrDecodeFailure = errors.New("failed to decode event")
)

// Codec encodes and decodes event bodies.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes v. Failures match ErrEncodeFailure.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into v, which must be a pointer.
	// A *map[string]any target receives the loosely-structured form used by
	// dynamic handlers. Failures match ErrDecodeFailure.
	Decode(data []byte, v any) error

	// ContentType returns the MIME type (e.g. "application/json").
	ContentType() string

	// Name returns a short identifier (e.g. "json").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

var (
	mu       sync.RWMutex
	registry = map[string]Codec{
		JSON{}.ContentType():    JSON{},
		MsgPack{}.ContentType(): MsgPack{},
		Proto{}.ContentType():   Proto{},
		CBOR{}.ContentType():    CBOR{},
	}
)

// Register adds a codec to the global registry, replacing any codec with the
// same content type.
func Register(c Codec) {
	if c == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	registry[c.ContentType()] = c
}

// Get looks up a codec by content type
func Get(contentType string) (Codec, bool) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[contentType]
	return c, ok
}

// MustGet looks up a codec by content type, falling back to JSON when the
// content type is empty or unknown.
func MustGet(contentType string) Codec {
	if c, ok := Get(contentType); ok {
		return c
	}
	return JSON{}
}

// ByName looks up a registered codec by its short name
func ByName(name string) (Codec, bool) {
	mu.RLock()
	defer mu.RUnlock()
	for _, c := range registry {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// ContentTypes returns the registered content types in sorted order
func ContentTypes() []string {
	mu.RLock()
	types := make([]string, 0, len(registry))
	for ct := range registry {
		types = append(types, ct)
	}
	mu.RUnlock()
	slices.Sort(types)
	return types
}
