package operation

import "errors"

var (
	// ErrInvalidOperation is returned when an operation is malformed:
	// a required field is missing, a ttl is negative or an encoded
	// operation is truncated.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrUnsupportedOperation is returned when an encoded operation
	// carries a tag this version does not recognize.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)
