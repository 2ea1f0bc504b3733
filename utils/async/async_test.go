package async_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/jrife/plover/utils/async"
	"github.com/stretchr/testify/require"
)

func TestResultFirstCompletionWins(t *testing.T) {
	result := async.New[int]()

	require.True(t, result.Complete(1))
	require.False(t, result.Complete(2))
	require.False(t, result.Fail(errors.New("late")))

	value, err := result.Get()

	require.NoError(t, err)
	require.Equal(t, 1, value)
}

func TestAwaitContextDoesNotResolve(t *testing.T) {
	result := async.New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := result.Await(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-result.Done():
		t.Fatalf("result should still be pending")
	default:
	}

	result.Complete("ok")
	value, err := result.Await(context.Background())

	require.NoError(t, err)
	require.Equal(t, "ok", value)
}

func TestMap(t *testing.T) {
	mapped := async.Map(async.Completed(42), func(i int) (string, error) {
		return strconv.Itoa(i), nil
	})

	value, err := mapped.Get()

	require.NoError(t, err)
	require.Equal(t, "42", value)

	boom := errors.New("boom")
	failed := async.Map(async.Failed[int](boom), func(i int) (string, error) {
		t.Fatalf("fn should not be called")

		return "", nil
	})

	_, err = failed.Get()

	require.ErrorIs(t, err, boom)
}

func TestThen(t *testing.T) {
	chained := async.Then(async.Completed(2), func(i int) *async.Result[int] {
		return async.Completed(i * 21)
	})

	value, err := chained.Get()

	require.NoError(t, err)
	require.Equal(t, 42, value)
}
