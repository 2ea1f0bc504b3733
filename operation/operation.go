// Package operation defines the closed set of value operations a primitive
// can submit to a partition along with their wire encoding. Operations are
// immutable once built.
package operation

import (
	"fmt"
	"time"
)

// Kind says whether an operation mutates state
type Kind int

const (
	// KindCommand operations mutate state and are ordered by the backend
	KindCommand Kind = iota
	// KindQuery operations only read state
	KindQuery
)

func (kind Kind) String() string {
	switch kind {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	}

	return fmt.Sprintf("Kind(%d)", int(kind))
}

// Persistence says whether the state a command writes outlives the
// session that wrote it
type Persistence int

const (
	// Persistent state survives session expiry
	Persistent Persistence = iota
	// Ephemeral state is discarded when the owning session closes or
	// expires and when its ttl elapses
	Ephemeral
)

func (persistence Persistence) String() string {
	switch persistence {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	}

	return fmt.Sprintf("Persistence(%d)", int(persistence))
}

// Tag identifies an operation variant on the wire. Tags are stable
// across releases.
type Tag uint32

const (
	TagGet           Tag = 460
	TagSet           Tag = 461
	TagCompareAndSet Tag = 462
	TagGetAndSet     Tag = 463
	TagListen        Tag = 464
	TagUnlisten      Tag = 465
	TagIncrement     Tag = 466
	TagDecrement     Tag = 467
	TagKeepAlive     Tag = 468
	TagDelete        Tag = 469
)

var tagNames = map[Tag]string{
	TagGet:           "Get",
	TagSet:           "Set",
	TagCompareAndSet: "CompareAndSet",
	TagGetAndSet:     "GetAndSet",
	TagListen:        "Listen",
	TagUnlisten:      "Unlisten",
	TagIncrement:     "Increment",
	TagDecrement:     "Decrement",
	TagKeepAlive:     "KeepAlive",
	TagDelete:        "Delete",
}

func (tag Tag) String() string {
	if name, ok := tagNames[tag]; ok {
		return name
	}

	return fmt.Sprintf("Tag(%d)", uint32(tag))
}

// Operation is a request a primitive submits to its partition
type Operation interface {
	Tag() Tag
	Kind() Kind
	Persistence() Persistence
	// TTL is zero for operations that don't write state or
	// that write persistent state.
	TTL() time.Duration
}

// normalizeTTL rounds sub-millisecond positive ttls up to one
// millisecond. The wire carries milliseconds so without rounding
// a 1ns ttl would be classified ephemeral here and persistent
// on the backend.
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < time.Millisecond {
		return time.Millisecond
	}

	return ttl.Truncate(time.Millisecond)
}

func persistenceOf(ttl time.Duration) Persistence {
	if ttl > 0 {
		return Ephemeral
	}

	return Persistent
}

type query struct{}

func (query) Kind() Kind { return KindQuery }

func (query) Persistence() Persistence { return Persistent }

func (query) TTL() time.Duration { return 0 }

type command struct {
	ttl time.Duration
}

func (command) Kind() Kind { return KindCommand }

func (command command) Persistence() Persistence { return persistenceOf(command.ttl) }

func (command command) TTL() time.Duration { return command.ttl }
