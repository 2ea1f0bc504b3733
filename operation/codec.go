package operation

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gogo/protobuf/proto"
)

const (
	absent  = 0
	present = 1
)

// Encode serializes op as its tag followed by its body
func Encode(op Operation) ([]byte, error) {
	buffer := proto.NewBuffer(nil)

	if err := buffer.EncodeVarint(uint64(op.Tag())); err != nil {
		return nil, err
	}

	var err error

	switch op := op.(type) {
	case Get, Listen, Unlisten, KeepAlive, Delete:
	case Set:
		err = encodeValues(buffer, op.ttl, op.value)
	case CompareAndSet:
		err = encodeValues(buffer, op.ttl, op.expect, op.update)
	case GetAndSet:
		err = encodeValues(buffer, op.ttl, op.value)
	case Increment:
		err = encodeDelta(buffer, op.ttl, op.delta)
	case Decrement:
		err = encodeDelta(buffer, op.ttl, op.delta)
	default:
		return nil, fmt.Errorf("cannot encode %T: %w", op, ErrUnsupportedOperation)
	}

	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// Decode parses an operation produced by Encode. Trailing bytes
// after the body are ignored.
func Decode(data []byte) (Operation, error) {
	buffer := proto.NewBuffer(data)
	rawTag, err := buffer.DecodeVarint()

	if err != nil {
		return nil, truncated("tag", err)
	}

	switch tag := Tag(rawTag); tag {
	case TagGet:
		return Get{}, nil
	case TagListen:
		return Listen{}, nil
	case TagUnlisten:
		return Unlisten{}, nil
	case TagKeepAlive:
		return KeepAlive{}, nil
	case TagDelete:
		return Delete{}, nil
	case TagSet:
		ttl, values, err := decodeValues(buffer, 1)

		if err != nil {
			return nil, err
		}

		return Set{command: command{ttl: ttl}, value: values[0]}, nil
	case TagCompareAndSet:
		ttl, values, err := decodeValues(buffer, 2)

		if err != nil {
			return nil, err
		}

		return CompareAndSet{command: command{ttl: ttl}, expect: values[0], update: values[1]}, nil
	case TagGetAndSet:
		ttl, values, err := decodeValues(buffer, 1)

		if err != nil {
			return nil, err
		}

		return GetAndSet{command: command{ttl: ttl}, value: values[0]}, nil
	case TagIncrement:
		ttl, delta, err := decodeDelta(buffer)

		if err != nil {
			return nil, err
		}

		return Increment{command: command{ttl: ttl}, delta: delta}, nil
	case TagDecrement:
		ttl, delta, err := decodeDelta(buffer)

		if err != nil {
			return nil, err
		}

		return Decrement{command: command{ttl: ttl}, delta: delta}, nil
	default:
		return nil, fmt.Errorf("tag %d: %w", rawTag, ErrUnsupportedOperation)
	}
}

func truncated(field string, err error) error {
	return fmt.Errorf("could not decode %s (%s): %w", field, err, ErrInvalidOperation)
}

func encodeTTL(buffer *proto.Buffer, ttl time.Duration) error {
	return buffer.EncodeFixed64(uint64(ttl.Milliseconds()))
}

func decodeTTL(buffer *proto.Buffer) (time.Duration, error) {
	ms, err := buffer.DecodeFixed64()

	if err != nil {
		return 0, truncated("ttl", err)
	}

	ttl := time.Duration(int64(ms)) * time.Millisecond

	if ttl < 0 {
		return 0, fmt.Errorf("ttl %s is negative: %w", ttl, ErrInvalidOperation)
	}

	return ttl, nil
}

func encodeOptional(buffer *proto.Buffer, value []byte) error {
	if value == nil {
		return buffer.EncodeVarint(absent)
	}

	if err := buffer.EncodeVarint(present); err != nil {
		return err
	}

	return buffer.EncodeRawBytes(value)
}

func decodeOptional(buffer *proto.Buffer) ([]byte, error) {
	presence, err := buffer.DecodeVarint()

	if err != nil {
		return nil, truncated("value presence", err)
	}

	switch presence {
	case absent:
		return nil, nil
	case present:
	default:
		return nil, fmt.Errorf("value presence %d: %w", presence, ErrInvalidOperation)
	}

	value, err := buffer.DecodeRawBytes(true)

	if err != nil {
		return nil, truncated("value", err)
	}

	return value, nil
}

func encodeValues(buffer *proto.Buffer, ttl time.Duration, values ...[]byte) error {
	if err := encodeTTL(buffer, ttl); err != nil {
		return err
	}

	for _, value := range values {
		if err := encodeOptional(buffer, value); err != nil {
			return err
		}
	}

	return nil
}

func decodeValues(buffer *proto.Buffer, n int) (time.Duration, [][]byte, error) {
	ttl, err := decodeTTL(buffer)

	if err != nil {
		return 0, nil, err
	}

	values := make([][]byte, n)

	for i := range values {
		if values[i], err = decodeOptional(buffer); err != nil {
			return 0, nil, err
		}
	}

	return ttl, values, nil
}

func encodeDelta(buffer *proto.Buffer, ttl time.Duration, delta int64) error {
	if err := encodeTTL(buffer, ttl); err != nil {
		return err
	}

	return buffer.EncodeFixed64(uint64(delta))
}

func decodeDelta(buffer *proto.Buffer) (time.Duration, int64, error) {
	ttl, err := decodeTTL(buffer)

	if err != nil {
		return 0, 0, err
	}

	delta, err := buffer.DecodeFixed64()

	if err != nil {
		return 0, 0, truncated("delta", err)
	}

	return ttl, int64(delta), nil
}

// EncodeInt64 encodes a numeric value as 8 big-endian bytes
func EncodeInt64(i int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))

	return b
}

// DecodeInt64 decodes a numeric value. A nil value decodes as zero.
func DecodeInt64(b []byte) (int64, error) {
	if b == nil {
		return 0, nil
	}

	if len(b) != 8 {
		return 0, fmt.Errorf("numeric value must be 8 bytes, got %d: %w", len(b), ErrInvalidOperation)
	}

	return int64(binary.BigEndian.Uint64(b)), nil
}
