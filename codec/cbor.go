package codec

import (
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cborEnc uses Core Deterministic Encoding so one event always encodes to
// the same bytes. Times keep nanosecond precision as RFC 3339 text.
var cborEnc cbor.EncMode

// cborDec decodes untyped maps as map[string]any, which is what dynamic
// handlers expect. Unknown fields are ignored.
var cborDec cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR implements Codec using RFC 8949 CBOR. Struct fields fall back to
// their json tags when no cbor tag is present.
type CBOR struct{}

// Encode serializes v to CBOR
func (CBOR) Encode(v any) ([]byte, error) {
	data, err := cborEnc.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes CBOR into v
func (CBOR) Decode(data []byte, v any) error {
	if err := cborDec.Unmarshal(data, v); err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	return nil
}

// ContentType returns the MIME type for CBOR
func (CBOR) ContentType() string {
	return "application/cbor"
}

// Name returns the codec identifier
func (CBOR) Name() string {
	return "cbor"
}

// Compile-time check
var _ Codec = CBOR{}
