package replica

import (
	"context"
	"sync"
	"time"

	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/state_machine"
	"go.uber.org/zap"
)

var _ Engine = (*PrimaryBackup)(nil)

// PrimaryBackup applies requests on a primary in arrival order and
// forwards them to backups that catch up asynchronously. Reads that
// tolerate staleness are served by a backup close enough behind.
type PrimaryBackup struct {
	config  Config
	mu      sync.Mutex
	index   uint64
	closed  bool
	primary *state_machine.StateMachine
	backups []*backup
	wg      sync.WaitGroup

	backupCount int
	delay       time.Duration
}

// PrimaryBackupOption configures a PrimaryBackup
type PrimaryBackupOption func(*PrimaryBackup)

// WithBackups sets how many backups follow the primary
func WithBackups(n int) PrimaryBackupOption {
	return func(primaryBackup *PrimaryBackup) {
		primaryBackup.backupCount = n
	}
}

// WithReplicationDelay holds each entry back for delay before backups
// apply it
func WithReplicationDelay(delay time.Duration) PrimaryBackupOption {
	return func(primaryBackup *PrimaryBackup) {
		primaryBackup.delay = delay
	}
}

// NewPrimaryBackup starts a primary-backup engine
func NewPrimaryBackup(config Config, options ...PrimaryBackupOption) *PrimaryBackup {
	config = config.normalize()
	primaryBackup := &PrimaryBackup{
		config:  config,
		primary: state_machine.New(config.Partition, config.stateMachineOptions()...),
	}

	for _, option := range options {
		option(primaryBackup)
	}

	for i := 0; i < primaryBackup.backupCount; i++ {
		b := newBackup(config, primaryBackup.delay)
		primaryBackup.backups = append(primaryBackup.backups, b)
		primaryBackup.wg.Add(1)

		go func(b *backup) {
			defer primaryBackup.wg.Done()
			b.run()
		}(b)
	}

	return primaryBackup
}

// Command implements Engine.Command
func (primaryBackup *PrimaryBackup) Command(ctx context.Context, request protocol.Request) (protocol.Response, error) {
	primaryBackup.mu.Lock()
	defer primaryBackup.mu.Unlock()

	if primaryBackup.closed {
		return protocol.Response{}, ErrClosed
	}

	primaryBackup.index++
	entry := state_machine.Entry{
		ID:        primaryBackup.index,
		Index:     primaryBackup.index,
		Timestamp: primaryBackup.config.Now().UnixNano(),
		Request:   request,
	}

	response := responseFor(entry.ID, primaryBackup.primary.Apply(entry))

	for _, backup := range primaryBackup.backups {
		backup.enqueue(entry, primaryBackup.config.Now())
	}

	return response, nil
}

// responseFor picks the completion of entry id. Without ordered
// commands every entry completes itself.
func responseFor(id uint64, completions []state_machine.Completion) protocol.Response {
	for _, completion := range completions {
		if completion.ID == id {
			return completion.Response
		}
	}

	return protocol.ErrorResponse(protocol.ErrPrimitiveUnavailable)
}

// Query implements Engine.Query
func (primaryBackup *PrimaryBackup) Query(ctx context.Context, request protocol.Request) (protocol.Response, error) {
	if request.MaxStaleness > 0 {
		now := primaryBackup.config.Now()

		for i, backup := range primaryBackup.backups {
			if backup.applied.get() >= request.MinIndex && backup.staleness(now) <= request.MaxStaleness {
				primaryBackup.config.Logger.Debug("serving query from backup", zap.Int("backup", i))

				return backup.stateMachine.Query(request), nil
			}
		}
	}

	return primaryBackup.primary.Query(request), nil
}

// Index implements Engine.Index
func (primaryBackup *PrimaryBackup) Index() uint64 {
	return primaryBackup.primary.Index()
}

// BackupIndexes returns the index each backup has applied
func (primaryBackup *PrimaryBackup) BackupIndexes() []uint64 {
	indexes := make([]uint64, 0, len(primaryBackup.backups))

	for _, backup := range primaryBackup.backups {
		indexes = append(indexes, backup.applied.get())
	}

	return indexes
}

// Close implements Engine.Close
func (primaryBackup *PrimaryBackup) Close() error {
	primaryBackup.mu.Lock()

	if primaryBackup.closed {
		primaryBackup.mu.Unlock()

		return nil
	}

	primaryBackup.closed = true
	primaryBackup.mu.Unlock()

	for _, backup := range primaryBackup.backups {
		backup.stop()
	}

	primaryBackup.wg.Wait()

	return nil
}

type queuedEntry struct {
	entry    state_machine.Entry
	enqueued time.Time
}

type backup struct {
	stateMachine *state_machine.StateMachine
	applied      *appliedIndex
	delay        time.Duration

	mu      sync.Mutex
	queue   []queuedEntry
	ready   chan struct{}
	stopped chan struct{}
}

func newBackup(config Config, delay time.Duration) *backup {
	return &backup{
		stateMachine: state_machine.New(config.Partition, state_machine.WithLogger(config.Logger)),
		applied:      newAppliedIndex(),
		delay:        delay,
		ready:        make(chan struct{}, 1),
		stopped:      make(chan struct{}),
	}
}

func (backup *backup) enqueue(entry state_machine.Entry, now time.Time) {
	backup.mu.Lock()
	backup.queue = append(backup.queue, queuedEntry{entry: entry, enqueued: now})
	backup.mu.Unlock()

	select {
	case backup.ready <- struct{}{}:
	default:
	}
}

// staleness is how long the oldest entry not yet applied has waited
func (backup *backup) staleness(now time.Time) time.Duration {
	backup.mu.Lock()
	defer backup.mu.Unlock()

	if len(backup.queue) == 0 {
		return 0
	}

	return now.Sub(backup.queue[0].enqueued)
}

func (backup *backup) stop() {
	close(backup.stopped)
}

func (backup *backup) run() {
	for {
		backup.mu.Lock()

		if len(backup.queue) == 0 {
			backup.mu.Unlock()

			select {
			case <-backup.ready:
				continue
			case <-backup.stopped:
				return
			}
		}

		next := backup.queue[0]
		backup.mu.Unlock()

		if wait := time.Until(next.enqueued.Add(backup.delay)); wait > 0 {
			timer := time.NewTimer(wait)

			select {
			case <-timer.C:
			case <-backup.stopped:
				timer.Stop()

				return
			}
		}

		backup.stateMachine.Apply(next.entry)

		backup.mu.Lock()
		backup.queue = backup.queue[1:]
		backup.mu.Unlock()

		backup.applied.advance(next.entry.Index)
	}
}
