package log_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	storage_log "github.com/jrife/plover/storage/log"
	"github.com/stretchr/testify/require"
)

type record struct {
	Offset uint64
	Data   string
}

func scan(t *testing.T, partition *storage_log.Partition, from uint64) []record {
	t.Helper()

	records := []record{}

	require.NoError(t, partition.Scan(from, func(offset uint64, data []byte) error {
		records = append(records, record{Offset: offset, Data: string(data)})

		return nil
	}))

	return records
}

func TestAppendAndScan(t *testing.T) {
	store, err := storage_log.OpenTemp(t.TempDir())
	require.NoError(t, err)
	defer store.Delete()

	require.NoError(t, store.CreateTopic("foo", storage_log.Topic{Partitions: 2, ReplicationFactor: 1}))

	first := store.Partition("foo", 0)
	second := store.Partition("foo", 1)

	for _, data := range []string{"a", "b", "c"} {
		_, err := first.Append([]byte(data))
		require.NoError(t, err)
	}

	offset, err := second.Append([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), offset)

	expected := []record{{Offset: 2, Data: "b"}, {Offset: 3, Data: "c"}}

	if diff := cmp.Diff(expected, scan(t, first, 2)); diff != "" {
		t.Fatalf(diff)
	}

	last, err := first.LastOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)
}

func TestCreateTopicIsIdempotent(t *testing.T) {
	store, err := storage_log.OpenTemp(t.TempDir())
	require.NoError(t, err)
	defer store.Delete()

	topic := storage_log.Topic{Partitions: 3, ReplicationFactor: 2}

	require.NoError(t, store.CreateTopic("foo", topic))
	require.NoError(t, store.CreateTopic("foo", topic))

	err = store.CreateTopic("foo", storage_log.Topic{Partitions: 4, ReplicationFactor: 2})
	require.True(t, errors.Is(err, storage_log.ErrTopicMismatch))

	stored, err := store.Topic("foo")
	require.NoError(t, err)
	require.Equal(t, topic, stored)

	names, err := store.Topics()
	require.NoError(t, err)
	require.Equal(t, []string{"foo"}, names)
}

func TestMissingTopicAndPartition(t *testing.T) {
	store, err := storage_log.OpenTemp(t.TempDir())
	require.NoError(t, err)
	defer store.Delete()

	_, err = store.Partition("foo", 0).Append([]byte("a"))
	require.True(t, errors.Is(err, storage_log.ErrNoSuchTopic))

	_, err = store.Topic("foo")
	require.True(t, errors.Is(err, storage_log.ErrNoSuchTopic))

	require.NoError(t, store.CreateTopic("foo", storage_log.Topic{Partitions: 1, ReplicationFactor: 1}))

	_, err = store.Partition("foo", 1).Append([]byte("a"))
	require.True(t, errors.Is(err, storage_log.ErrNoSuchPartition))
}

func TestRecordsSurviveReopen(t *testing.T) {
	store, err := storage_log.OpenTemp(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.CreateTopic("foo", storage_log.Topic{Partitions: 1, ReplicationFactor: 1}))
	_, err = store.Partition("foo", 0).Append([]byte("a"))
	require.NoError(t, err)

	path := store.Path()
	require.NoError(t, store.Close())

	store, err = storage_log.Open(path)
	require.NoError(t, err)
	defer store.Delete()

	if diff := cmp.Diff([]record{{Offset: 1, Data: "a"}}, scan(t, store.Partition("foo", 0), 0)); diff != "" {
		t.Fatalf(diff)
	}

	offset, err := store.Partition("foo", 0).Append([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), offset)
}
