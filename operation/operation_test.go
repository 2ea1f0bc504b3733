package operation_test

import (
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/plover/operation"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func mustOp(t *testing.T) func(op operation.Operation, err error) operation.Operation {
	return func(op operation.Operation, err error) operation.Operation {
		t.Helper()
		require.NoError(t, err)

		return op
	}
}

func TestEncodingGolden(t *testing.T) {
	must := mustOp(t)
	g := goldie.New(t)

	cases := map[string]operation.Operation{
		"get":             operation.NewGet(),
		"set_persistent":  must(operation.NewSet([]byte("hello"), 0)),
		"set_ephemeral":   must(operation.NewSet([]byte("hello"), 1500*time.Millisecond)),
		"set_absent":      must(operation.NewSet(nil, 0)),
		"compare_and_set": must(operation.NewCompareAndSet(nil, []byte("a"), 0)),
		"get_and_set":     must(operation.NewGetAndSet([]byte("b"), 10*time.Millisecond)),
		"listen":          operation.NewListen(),
		"unlisten":        operation.NewUnlisten(),
		"increment":       must(operation.NewIncrement(5, 0)),
		"decrement":       must(operation.NewDecrement(-2, 250*time.Millisecond)),
		"keep_alive":      operation.NewKeepAlive(),
		"delete":          operation.NewDelete(),
	}

	for name, op := range cases {
		name, op := name, op

		t.Run(name, func(t *testing.T) {
			encoded, err := operation.Encode(op)

			require.NoError(t, err)
			g.Assert(t, name, []byte(hex.EncodeToString(encoded)))

			decoded, err := operation.Decode(encoded)

			require.NoError(t, err)

			if diff := cmp.Diff(describe(op), describe(decoded)); diff != "" {
				t.Fatalf(diff)
			}
		})
	}
}

type description struct {
	Tag         operation.Tag
	Kind        operation.Kind
	Persistence operation.Persistence
	TTL         time.Duration
	Values      [][]byte
	Delta       int64
}

func describe(op operation.Operation) description {
	d := description{Tag: op.Tag(), Kind: op.Kind(), Persistence: op.Persistence(), TTL: op.TTL()}

	switch op := op.(type) {
	case operation.Set:
		d.Values = [][]byte{op.Value()}
	case operation.CompareAndSet:
		d.Values = [][]byte{op.Expect(), op.Update()}
	case operation.GetAndSet:
		d.Values = [][]byte{op.Value()}
	case operation.Increment:
		d.Delta = op.Delta()
	case operation.Decrement:
		d.Delta = op.Delta()
	}

	return d
}

func TestBuilders(t *testing.T) {
	testCases := map[string]struct {
		build func() (operation.Operation, error)
		err   error
	}{
		"set without value": {
			build: func() (operation.Operation, error) { return (&operation.SetBuilder{}).WithTTL(time.Second).Build() },
			err:   operation.ErrInvalidOperation,
		},
		"set with negative ttl": {
			build: func() (operation.Operation, error) { return operation.NewSet([]byte("x"), -time.Second) },
			err:   operation.ErrInvalidOperation,
		},
		"compare and set without update": {
			build: func() (operation.Operation, error) {
				return (&operation.CompareAndSetBuilder{}).WithExpect([]byte("x")).Build()
			},
			err: operation.ErrInvalidOperation,
		},
		"compare and set without expect": {
			build: func() (operation.Operation, error) {
				return (&operation.CompareAndSetBuilder{}).WithUpdate([]byte("x")).Build()
			},
			err: operation.ErrInvalidOperation,
		},
		"get and set without value": {
			build: func() (operation.Operation, error) { return (&operation.GetAndSetBuilder{}).Build() },
			err:   operation.ErrInvalidOperation,
		},
		"increment without delta": {
			build: func() (operation.Operation, error) { return (&operation.IncrementBuilder{}).BuildIncrement() },
			err:   operation.ErrInvalidOperation,
		},
		"decrement with negative ttl": {
			build: func() (operation.Operation, error) { return operation.NewDecrement(1, -time.Millisecond) },
			err:   operation.ErrInvalidOperation,
		},
		"compare and set with absent expect": {
			build: func() (operation.Operation, error) { return operation.NewCompareAndSet(nil, []byte("x"), 0) },
		},
		"set with absent value": {
			build: func() (operation.Operation, error) { return operation.NewSet(nil, 0) },
		},
	}

	for name, testCase := range testCases {
		testCase := testCase

		t.Run(name, func(t *testing.T) {
			_, err := testCase.build()

			if testCase.err == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, testCase.err)
		})
	}
}

func TestTTLClassification(t *testing.T) {
	testCases := []struct {
		ttl         time.Duration
		persistence operation.Persistence
		wire        time.Duration
	}{
		{0, operation.Persistent, 0},
		{time.Nanosecond, operation.Ephemeral, time.Millisecond},
		{time.Millisecond, operation.Ephemeral, time.Millisecond},
		{1500 * time.Microsecond, operation.Ephemeral, time.Millisecond},
		{time.Hour, operation.Ephemeral, time.Hour},
	}

	for _, testCase := range testCases {
		set, err := operation.NewSet([]byte("v"), testCase.ttl)

		require.NoError(t, err)
		require.Equal(t, testCase.persistence, set.Persistence(), "ttl %s", testCase.ttl)
		require.Equal(t, testCase.wire, set.TTL(), "ttl %s", testCase.ttl)
	}
}

func TestTTLClassificationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("ephemeral iff ttl > 0 on both sides of the wire", prop.ForAll(
		func(ttl int64, value []byte) bool {
			set, err := operation.NewSet(value, time.Duration(ttl))

			if err != nil {
				return false
			}

			encoded, err := operation.Encode(set)

			if err != nil {
				return false
			}

			decoded, err := operation.Decode(encoded)

			if err != nil {
				return false
			}

			expected := operation.Persistent

			if ttl > 0 {
				expected = operation.Ephemeral
			}

			return set.Persistence() == expected && decoded.Persistence() == expected
		},
		gen.Int64Range(0, int64(48*time.Hour)),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestDecodeErrors(t *testing.T) {
	_, err := operation.Decode([]byte{0x01})

	require.ErrorIs(t, err, operation.ErrUnsupportedOperation)

	_, err = operation.Decode(nil)

	require.ErrorIs(t, err, operation.ErrInvalidOperation)

	encoded, err := operation.Encode(mustOp(t)(operation.NewCompareAndSet([]byte("abc"), []byte("def"), time.Second)))

	require.NoError(t, err)

	for i := 1; i < len(encoded); i++ {
		_, err := operation.Decode(encoded[:i])

		if !errors.Is(err, operation.ErrInvalidOperation) {
			t.Fatalf("decoding %d of %d bytes: expected invalid operation, got %v", i, len(encoded), err)
		}
	}

	// trailing bytes are ignored
	decoded, err := operation.Decode(append(encoded, 0xff, 0xff))

	require.NoError(t, err)
	require.Equal(t, []byte("def"), decoded.(operation.CompareAndSet).Update())
}

func TestOutput(t *testing.T) {
	outputs := []operation.Output{
		{},
		{Present: true, Value: []byte{}},
		{Succeeded: true},
		{Present: true, Previous: []byte("old")},
		{Previous: operation.EncodeInt64(1), Next: operation.EncodeInt64(2)},
	}

	for _, output := range outputs {
		encoded, err := operation.EncodeOutput(output)

		require.NoError(t, err)

		decoded, err := operation.DecodeOutput(encoded)

		require.NoError(t, err)

		if diff := cmp.Diff(output, decoded); diff != "" {
			t.Fatalf(diff)
		}
	}
}

func TestInt64(t *testing.T) {
	i, err := operation.DecodeInt64(operation.EncodeInt64(-42))

	require.NoError(t, err)
	require.Equal(t, int64(-42), i)

	i, err = operation.DecodeInt64(nil)

	require.NoError(t, err)
	require.Zero(t, i)

	_, err = operation.DecodeInt64([]byte("abc"))

	require.ErrorIs(t, err, operation.ErrInvalidOperation)
}
