package codec

import (
	"bytes"
	"encoding/json"
	"errors"
)

// JSON implements Codec using encoding/json.
// This is the default codec.
//
// With UseNumber set, numbers decoded into interface values (such as the
// maps handed to dynamic handlers) become json.Number instead of float64,
// so large integer ids survive intact.
type JSON struct {
	UseNumber bool
}

// Encode serializes v to JSON
func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON into v
func (c JSON) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if c.UseNumber {
		dec.UseNumber()
	}
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	return nil
}

// ContentType returns the MIME type for JSON
func (JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (JSON) Name() string {
	return "json"
}

// Compile-time check
var _ Codec = JSON{}
