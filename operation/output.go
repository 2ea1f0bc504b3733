package operation

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
)

const (
	flagPresent   = 1 << 0
	flagSucceeded = 1 << 1
)

// Output is the result of applying an operation. Which fields are
// meaningful depends on the operation:
//
//	Get            Present, Value
//	CompareAndSet  Succeeded
//	GetAndSet      Present, Previous
//	Increment      Previous, Next
//	Decrement      Previous, Next
type Output struct {
	Present   bool
	Value     []byte
	Succeeded bool
	Previous  []byte
	Next      []byte
}

// EncodeOutput serializes output
func EncodeOutput(output Output) ([]byte, error) {
	buffer := proto.NewBuffer(nil)
	flags := uint64(0)

	if output.Present {
		flags |= flagPresent
	}

	if output.Succeeded {
		flags |= flagSucceeded
	}

	if err := buffer.EncodeVarint(flags); err != nil {
		return nil, err
	}

	for _, value := range [][]byte{output.Value, output.Previous, output.Next} {
		if err := encodeOptional(buffer, value); err != nil {
			return nil, err
		}
	}

	return buffer.Bytes(), nil
}

// DecodeOutput parses an Output produced by EncodeOutput. Empty
// data decodes as the zero Output.
func DecodeOutput(data []byte) (Output, error) {
	if len(data) == 0 {
		return Output{}, nil
	}

	buffer := proto.NewBuffer(data)
	flags, err := buffer.DecodeVarint()

	if err != nil {
		return Output{}, truncated("output flags", err)
	}

	output := Output{
		Present:   flags&flagPresent != 0,
		Succeeded: flags&flagSucceeded != 0,
	}

	for _, value := range []*[]byte{&output.Value, &output.Previous, &output.Next} {
		if *value, err = decodeOptional(buffer); err != nil {
			return Output{}, err
		}
	}

	return output, nil
}

// Change describes a value change pushed to listeners. A nil Value
// means the value was removed.
type Change struct {
	Value    []byte
	Previous []byte
}

// EncodeChange serializes change
func EncodeChange(change Change) ([]byte, error) {
	buffer := proto.NewBuffer(nil)

	if err := encodeOptional(buffer, change.Value); err != nil {
		return nil, err
	}

	if err := encodeOptional(buffer, change.Previous); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// DecodeChange parses a Change produced by EncodeChange
func DecodeChange(data []byte) (Change, error) {
	buffer := proto.NewBuffer(data)
	value, err := decodeOptional(buffer)

	if err != nil {
		return Change{}, fmt.Errorf("could not decode change: %w", err)
	}

	previous, err := decodeOptional(buffer)

	if err != nil {
		return Change{}, fmt.Errorf("could not decode change: %w", err)
	}

	return Change{Value: value, Previous: previous}, nil
}
