// Package protocol abstracts the replication backends a primitive can run
// on. A Protocol resolves a named service to per-partition clients that
// speak the envelope defined in envelope.go.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jrife/plover/cluster"
)

var (
	// ErrPrimitiveUnavailable is returned when the backend cannot be
	// reached or cannot serve the request right now
	ErrPrimitiveUnavailable = errors.New("primitive unavailable")
	// ErrPrimitiveNotFound is returned when the primitive was deleted
	ErrPrimitiveNotFound = errors.New("primitive not found")
	// ErrUnknownSession is returned by the backend when it has no record
	// of a session, usually because it expired
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnknownProtocol is returned when no backend is registered for a type
	ErrUnknownProtocol = errors.New("unknown protocol")
)

// Type names a replication protocol family
type Type string

const (
	// Consensus is the multi-raft protocol
	Consensus Type = "multi-raft"
	// PrimaryBackup is the multi-primary protocol
	PrimaryBackup Type = "multi-primary"
	// AppendLog is the distributed log protocol
	AppendLog Type = "multi-log"
)

// ReadConsistency selects how fresh query results must be
type ReadConsistency uint32

const (
	// ConsistencyDefault lets the backend choose
	ConsistencyDefault ReadConsistency = iota
	// Linearizable reads observe every write that completed before them
	Linearizable
	// Sequential reads never go backwards for a session
	Sequential
	// Eventual reads may be served by any replica
	Eventual
)

func (consistency ReadConsistency) String() string {
	switch consistency {
	case ConsistencyDefault:
		return "default"
	case Linearizable:
		return "linearizable"
	case Sequential:
		return "sequential"
	case Eventual:
		return "eventual"
	}

	return fmt.Sprintf("ReadConsistency(%d)", uint32(consistency))
}

// Strict reports whether results older than an already observed
// index must be rejected
func (consistency ReadConsistency) Strict() bool {
	return consistency == Linearizable || consistency == Sequential
}

// ParseReadConsistency parses the names produced by String
func ParseReadConsistency(s string) (ReadConsistency, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return ConsistencyDefault, nil
	case "linearizable":
		return Linearizable, nil
	case "sequential":
		return Sequential, nil
	case "eventual":
		return Eventual, nil
	}

	return ConsistencyDefault, fmt.Errorf("unknown read consistency %q", s)
}

// Metadata accompanies every backend response
type Metadata struct {
	Partition cluster.PartitionID
	Session   uint64
	// Index is the consistency token: the position in the partition's
	// history the response reflects
	Index uint64
}

// RequestHeader carries the session bookkeeping sent with each request
type RequestHeader struct {
	Partition cluster.PartitionID
	Service   string
	Session   uint64
	Sequence  uint64
	// Previous is the sequence of the session's previous command
	Previous uint64
	// Ack is the highest sequence below which every response was received
	Ack uint64
	// MinIndex is the lowest index a query result may reflect
	MinIndex     uint64
	Consistency  ReadConsistency
	MaxStaleness time.Duration
}

// OpenRequest asks a partition to create a session
type OpenRequest struct {
	Partition cluster.PartitionID
	Service   string
	Timeout   time.Duration
}

// EventStream delivers events pushed by the backend for one session
type EventStream interface {
	Recv() (Event, error)
	Close() error
}

// PartitionClient is the per-partition contract used by sessions
type PartitionClient interface {
	OpenSession(ctx context.Context, request OpenRequest) (Metadata, error)
	KeepAlive(ctx context.Context, header RequestHeader) (Metadata, error)
	CloseSession(ctx context.Context, header RequestHeader) error
	Command(ctx context.Context, header RequestHeader, payload []byte) ([]byte, Metadata, error)
	Query(ctx context.Context, header RequestHeader, payload []byte) ([]byte, Metadata, error)
	Events(ctx context.Context, header RequestHeader) (EventStream, error)
}

// ServiceHandle is a primitive's binding to its partitions
type ServiceHandle interface {
	Name() string
	Partitions() []cluster.PartitionID
	Partition(id cluster.PartitionID) (PartitionClient, error)
	Close() error
}

// Protocol is a replication backend
type Protocol interface {
	Type() Type
	Group() string
	CreateService(ctx context.Context, name string, partitionService cluster.PartitionService) (ServiceHandle, error)
}
