// Package log is an append-only topic log stored in bbolt. A topic has
// a fixed number of partitions and each partition is an ordered
// sequence of records addressed by offset, starting at 1.
package log

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/jrife/plover/utils/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNoSuchTopic is returned when a topic was never created
	ErrNoSuchTopic = errors.New("topic does not exist")
	// ErrNoSuchPartition is returned for a partition outside the topic
	ErrNoSuchPartition = errors.New("partition does not exist")
	// ErrTopicMismatch is returned when a topic is created again with
	// a different layout
	ErrTopicMismatch = errors.New("topic exists with a different layout")
)

var (
	topicsBucket = []byte("topics")
	metaKey      = []byte("meta")
)

// Topic describes a topic's layout
type Topic struct {
	Partitions        uint32
	ReplicationFactor uint32
}

func (topic Topic) marshal() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[:4], topic.Partitions)
	binary.BigEndian.PutUint32(b[4:], topic.ReplicationFactor)

	return b
}

func unmarshalTopic(b []byte) (Topic, error) {
	if len(b) != 8 {
		return Topic{}, fmt.Errorf("topic metadata is %d bytes, expected 8", len(b))
	}

	return Topic{
		Partitions:        binary.BigEndian.Uint32(b[:4]),
		ReplicationFactor: binary.BigEndian.Uint32(b[4:]),
	}, nil
}

func partitionKey(partition uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, partition)

	return b
}

func offsetKey(offset uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, offset)

	return b
}

// Store holds any number of topics in one bbolt file
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0666, nil)

	if err != nil {
		return nil, fmt.Errorf("could not open log store at %s: %w", path, err)
	}

	if err := db.Update(func(txn *bolt.Tx) error {
		_, err := txn.CreateBucketIfNotExists(topicsBucket)

		return err
	}); err != nil {
		db.Close()

		return nil, fmt.Errorf("could not ensure topics bucket exists: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenTemp opens a store at a fresh path under dir
func OpenTemp(dir string) (*Store, error) {
	return Open(uuid.TempPath(dir, "log"))
}

// Path returns the file backing the store
func (store *Store) Path() string {
	return store.db.Path()
}

// Close closes the store
func (store *Store) Close() error {
	return store.db.Close()
}

// Delete closes the store and removes its file
func (store *Store) Delete() error {
	path := store.db.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %w", path, err)
	}

	return nil
}

// CreateTopic creates the topic if it does not exist. Creating an
// existing topic with the same layout succeeds.
func (store *Store) CreateTopic(name string, topic Topic) error {
	if topic.Partitions == 0 {
		return fmt.Errorf("topic %s needs at least one partition", name)
	}

	return store.db.Update(func(txn *bolt.Tx) error {
		topics := txn.Bucket(topicsBucket)

		if existing := topics.Bucket([]byte(name)); existing != nil {
			current, err := unmarshalTopic(existing.Get(metaKey))

			if err != nil {
				return err
			}

			if current != topic {
				return fmt.Errorf("topic %s has %d partitions and replication factor %d: %w", name, current.Partitions, current.ReplicationFactor, ErrTopicMismatch)
			}

			return nil
		}

		bucket, err := topics.CreateBucket([]byte(name))

		if err != nil {
			return fmt.Errorf("could not create topic bucket: %w", err)
		}

		if err := bucket.Put(metaKey, topic.marshal()); err != nil {
			return err
		}

		for i := uint32(0); i < topic.Partitions; i++ {
			if _, err := bucket.CreateBucket(partitionKey(i)); err != nil {
				return fmt.Errorf("could not create partition bucket: %w", err)
			}
		}

		return nil
	})
}

// Topic returns the layout of an existing topic
func (store *Store) Topic(name string) (Topic, error) {
	var topic Topic

	err := store.db.View(func(txn *bolt.Tx) error {
		bucket := txn.Bucket(topicsBucket).Bucket([]byte(name))

		if bucket == nil {
			return fmt.Errorf("topic %s: %w", name, ErrNoSuchTopic)
		}

		var err error
		topic, err = unmarshalTopic(bucket.Get(metaKey))

		return err
	})

	return topic, err
}

// Topics returns the names of every topic in the store
func (store *Store) Topics() ([]string, error) {
	var names []string

	err := store.db.View(func(txn *bolt.Tx) error {
		return txn.Bucket(topicsBucket).ForEach(func(name []byte, _ []byte) error {
			names = append(names, string(name))

			return nil
		})
	})

	return names, err
}

// Partition returns a handle to one partition of a topic. The topic
// is checked on every access rather than here.
func (store *Store) Partition(topic string, partition uint32) *Partition {
	return &Partition{store: store, topic: []byte(topic), partition: partitionKey(partition)}
}

// Partition is an ordered sequence of records
type Partition struct {
	store     *Store
	topic     []byte
	partition []byte
}

func (partition *Partition) bucket(txn *bolt.Tx) (*bolt.Bucket, error) {
	topic := txn.Bucket(topicsBucket).Bucket(partition.topic)

	if topic == nil {
		return nil, fmt.Errorf("topic %s: %w", partition.topic, ErrNoSuchTopic)
	}

	bucket := topic.Bucket(partition.partition)

	if bucket == nil {
		return nil, fmt.Errorf("partition %d of topic %s: %w", binary.BigEndian.Uint32(partition.partition), partition.topic, ErrNoSuchPartition)
	}

	return bucket, nil
}

// Append durably adds a record and returns its offset
func (partition *Partition) Append(data []byte) (uint64, error) {
	var offset uint64

	err := partition.store.db.Update(func(txn *bolt.Tx) error {
		bucket, err := partition.bucket(txn)

		if err != nil {
			return err
		}

		offset, err = bucket.NextSequence()

		if err != nil {
			return fmt.Errorf("could not allocate offset: %w", err)
		}

		return bucket.Put(offsetKey(offset), data)
	})

	if err != nil {
		return 0, err
	}

	return offset, nil
}

// Scan calls fn for every record at or after from in offset order.
// The data passed to fn is only valid until fn returns.
func (partition *Partition) Scan(from uint64, fn func(offset uint64, data []byte) error) error {
	return partition.store.db.View(func(txn *bolt.Tx) error {
		bucket, err := partition.bucket(txn)

		if err != nil {
			return err
		}

		cursor := bucket.Cursor()

		for key, value := cursor.Seek(offsetKey(from)); key != nil; key, value = cursor.Next() {
			if err := fn(binary.BigEndian.Uint64(key), value); err != nil {
				return err
			}
		}

		return nil
	})
}

// LastOffset returns the offset of the newest record or zero if the
// partition is empty
func (partition *Partition) LastOffset() (uint64, error) {
	var offset uint64

	err := partition.store.db.View(func(txn *bolt.Tx) error {
		bucket, err := partition.bucket(txn)

		if err != nil {
			return err
		}

		if key, _ := bucket.Cursor().Last(); key != nil {
			offset = binary.BigEndian.Uint64(key)
		}

		return nil
	})

	return offset, err
}
