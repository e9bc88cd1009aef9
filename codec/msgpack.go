package codec

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
//
// Struct fields are named by their json tags, so one event type can be
// published with either codec and read by consumers written for the other.
type MsgPack struct{}

// Encode serializes v to MessagePack
func (MsgPack) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes MessagePack into v
func (MsgPack) Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	return nil
}

// ContentType returns the MIME type for MessagePack
func (MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
