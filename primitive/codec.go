package primitive

import (
	"github.com/jrife/plover/operation"
)

// Codec converts values to and from the bytes stored by the backend.
// Encode must return a non-nil slice: nil is reserved for absence.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// BytesCodec stores byte slices unchanged
type BytesCodec struct{}

var _ Codec[[]byte] = BytesCodec{}

// Encode implements Codec.Encode
func (BytesCodec) Encode(value []byte) ([]byte, error) {
	return append([]byte{}, value...), nil
}

// Decode implements Codec.Decode
func (BytesCodec) Decode(data []byte) ([]byte, error) {
	return data, nil
}

// StringCodec stores strings as their bytes
type StringCodec struct{}

var _ Codec[string] = StringCodec{}

// Encode implements Codec.Encode
func (StringCodec) Encode(value string) ([]byte, error) {
	return append([]byte{}, value...), nil
}

// Decode implements Codec.Decode
func (StringCodec) Decode(data []byte) (string, error) {
	return string(data), nil
}

// Int64Codec stores integers in the encoding counters use so that a
// value written through it can be incremented
type Int64Codec struct{}

var _ Codec[int64] = Int64Codec{}

// Encode implements Codec.Encode
func (Int64Codec) Encode(value int64) ([]byte, error) {
	return operation.EncodeInt64(value), nil
}

// Decode implements Codec.Decode
func (Int64Codec) Decode(data []byte) (int64, error) {
	return operation.DecodeInt64(data)
}
