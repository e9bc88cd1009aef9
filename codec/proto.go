package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNotProtoMessage is returned when Proto is given a value that is not a
// proto.Message
var ErrNotProtoMessage = errors.New("value must implement proto.Message")

// Proto implements Codec using Protocol Buffers.
//
// Events must be generated proto messages. Dynamic handlers can only read
// events published as google.protobuf.Struct, since the wire format carries
// no field names.
type Proto struct{}

// Encode serializes v, which must implement proto.Message
func (Proto) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Join(ErrEncodeFailure, fmt.Errorf("%w: got %T", ErrNotProtoMessage, v))
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes data into v, which must be a proto.Message or a
// *map[string]any.
func (Proto) Decode(data []byte, v any) error {
	switch target := v.(type) {
	case proto.Message:
		if err := proto.Unmarshal(data, target); err != nil {
			return errors.Join(ErrDecodeFailure, err)
		}
		return nil
	case *map[string]any:
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return errors.Join(ErrDecodeFailure, err)
		}
		*target = s.AsMap()
		return nil
	default:
		return errors.Join(ErrDecodeFailure, fmt.Errorf("%w: got %T", ErrNotProtoMessage, v))
	}
}

// ContentType returns the MIME type for Protocol Buffers
func (Proto) ContentType() string {
	return "application/protobuf"
}

// Name returns the codec identifier
func (Proto) Name() string {
	return "proto"
}

// Compile-time check
var _ Codec = Proto{}
