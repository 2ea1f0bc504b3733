// Package async provides a single-assignment result that callers can await
// or chain. Every asynchronous operation in plover returns a *Result.
package async

import (
	"context"
	"sync"
)

// Result holds the outcome of an asynchronous operation. It is completed
// exactly once. Later calls to Complete or Fail are ignored.
type Result[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New creates an incomplete result
func New[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// Completed returns a result already completed with value
func Completed[T any](value T) *Result[T] {
	result := New[T]()
	result.Complete(value)

	return result
}

// Failed returns a result already failed with err
func Failed[T any](err error) *Result[T] {
	result := New[T]()
	result.Fail(err)

	return result
}

// Complete resolves the result with value. It returns false if the result
// was already resolved.
func (result *Result[T]) Complete(value T) bool {
	return result.resolve(value, nil)
}

// Fail resolves the result with err. It returns false if the result
// was already resolved.
func (result *Result[T]) Fail(err error) bool {
	var zero T

	return result.resolve(zero, err)
}

func (result *Result[T]) resolve(value T, err error) bool {
	resolved := false

	result.once.Do(func() {
		result.value = value
		result.err = err
		resolved = true
		close(result.done)
	})

	return resolved
}

// Done is closed once the result is resolved
func (result *Result[T]) Done() <-chan struct{} {
	return result.done
}

// Await blocks until the result is resolved or ctx is done. A ctx error
// does not resolve the result.
func (result *Result[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-result.done:
		return result.value, result.err
	case <-ctx.Done():
		var zero T

		return zero, ctx.Err()
	}
}

// Get blocks until the result is resolved
func (result *Result[T]) Get() (T, error) {
	<-result.done

	return result.value, result.err
}

// Map returns a result resolved with fn applied to the value of result.
// Errors from result or fn fail the returned result.
func Map[T any, U any](result *Result[T], fn func(T) (U, error)) *Result[U] {
	mapped := New[U]()

	go func() {
		value, err := result.Get()

		if err != nil {
			mapped.Fail(err)

			return
		}

		u, err := fn(value)

		if err != nil {
			mapped.Fail(err)

			return
		}

		mapped.Complete(u)
	}()

	return mapped
}

// Then chains another asynchronous step after result
func Then[T any, U any](result *Result[T], fn func(T) *Result[U]) *Result[U] {
	chained := New[U]()

	go func() {
		value, err := result.Get()

		if err != nil {
			chained.Fail(err)

			return
		}

		u, err := fn(value).Get()

		if err != nil {
			chained.Fail(err)

			return
		}

		chained.Complete(u)
	}()

	return chained
}
