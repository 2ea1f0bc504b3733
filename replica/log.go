package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/state_machine"
	storage_log "github.com/jrife/plover/storage/log"
	"go.uber.org/zap"
)

var _ Engine = (*Log)(nil)
var _ TopicCreator = (*Log)(nil)

// historyTopic holds every entry of the partition in order
const historyTopic = "__history"

// Log durably appends every request to a bbolt topic log before
// applying it. Reopening the log replays its history.
type Log struct {
	config       Config
	store        *storage_log.Store
	history      *storage_log.Partition
	stateMachine *state_machine.StateMachine
	applied      *appliedIndex

	mu     sync.Mutex
	closed bool
}

// OpenLog opens the log stored at path and replays it
func OpenLog(config Config, path string) (*Log, error) {
	config = config.normalize()
	store, err := storage_log.Open(path)

	if err != nil {
		return nil, err
	}

	if err := store.CreateTopic(historyTopic, storage_log.Topic{Partitions: 1, ReplicationFactor: 1}); err != nil {
		store.Close()

		return nil, fmt.Errorf("could not create history: %w", err)
	}

	var listener *mutedListener
	options := []state_machine.Option{state_machine.WithLogger(config.Logger)}

	if config.Listener != nil {
		listener = &mutedListener{muted: true, listener: config.Listener}
		options = append(options, state_machine.WithListener(listener))
	}

	log := &Log{
		config:       config,
		store:        store,
		history:      store.Partition(historyTopic, 0),
		stateMachine: state_machine.New(config.Partition, options...),
		applied:      newAppliedIndex(),
	}

	if err := log.replay(); err != nil {
		store.Close()

		return nil, err
	}

	if listener != nil {
		listener.setMuted(false)
	}

	return log, nil
}

func (log *Log) replay() error {
	replayed := 0

	err := log.history.Scan(1, func(offset uint64, data []byte) error {
		entry, err := state_machine.DecodeEntry(data)

		if err != nil {
			return fmt.Errorf("could not decode entry %d: %w", offset, err)
		}

		entry.Index = offset
		log.stateMachine.Apply(entry)
		log.applied.advance(offset)
		replayed++

		return nil
	})

	if err != nil {
		return err
	}

	log.config.Logger.Info("replayed log", zap.Int("entries", replayed), zap.String("path", log.store.Path()))

	return nil
}

// Command implements Engine.Command
func (log *Log) Command(ctx context.Context, request protocol.Request) (protocol.Response, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	if log.closed {
		return protocol.Response{}, ErrClosed
	}

	if request.Kind == protocol.RequestOpen {
		if _, err := log.store.Topic(request.Service); errors.Is(err, storage_log.ErrNoSuchTopic) {
			return protocol.ErrorResponse(fmt.Errorf("topic %s: %w", request.Service, protocol.ErrPrimitiveNotFound)), nil
		} else if err != nil {
			return protocol.Response{}, err
		}
	}

	entry := state_machine.Entry{
		Timestamp: log.config.Now().UnixNano(),
		Request:   request,
	}
	data, err := state_machine.EncodeEntry(entry)

	if err != nil {
		return protocol.Response{}, fmt.Errorf("could not encode entry: %w", err)
	}

	offset, err := log.history.Append(data)

	if err != nil {
		return protocol.Response{}, fmt.Errorf("could not append entry: %w", err)
	}

	entry.ID = offset
	entry.Index = offset
	response := responseFor(entry.ID, log.stateMachine.Apply(entry))
	log.applied.advance(offset)

	return response, nil
}

// Query implements Engine.Query. The query waits until the log has
// reached the requested offset.
func (log *Log) Query(ctx context.Context, request protocol.Request) (protocol.Response, error) {
	if err := log.applied.wait(ctx, request.MinIndex); err != nil {
		return protocol.Response{}, err
	}

	return log.stateMachine.Query(request), nil
}

// CreateTopic implements TopicCreator.CreateTopic
func (log *Log) CreateTopic(ctx context.Context, name string, topic protocol.Topic) error {
	if name == historyTopic {
		return fmt.Errorf("topic name %s is reserved", name)
	}

	return log.store.CreateTopic(name, storage_log.Topic{
		Partitions:        topic.Partitions,
		ReplicationFactor: topic.ReplicationFactor,
	})
}

// Index implements Engine.Index
func (log *Log) Index() uint64 {
	return log.applied.get()
}

// Close implements Engine.Close
func (log *Log) Close() error {
	log.mu.Lock()
	defer log.mu.Unlock()

	if log.closed {
		return nil
	}

	log.closed = true

	return log.store.Close()
}
