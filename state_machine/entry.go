package state_machine

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
	"github.com/jrife/plover/protocol"
)

// Entry is one request in a partition's history
type Entry struct {
	// ID correlates the entry with whoever waits for its response.
	// Zero means nobody waits.
	ID uint64
	// Index is the entry's position in the partition history. It is
	// assigned by the log the entry lands in and is not encoded.
	Index uint64
	// Timestamp is the wall clock time, in nanoseconds since the
	// epoch, at which the entry was ordered
	Timestamp int64
	Request   protocol.Request
}

// Completion is the response for the entry with the given ID
type Completion struct {
	ID       uint64
	Response protocol.Response
}

// EncodeEntry serializes entry for replication
func EncodeEntry(entry Entry) ([]byte, error) {
	request, err := protocol.EncodeRequest(entry.Request)

	if err != nil {
		return nil, err
	}

	buffer := proto.NewBuffer(nil)

	if err := buffer.EncodeVarint(entry.ID); err != nil {
		return nil, err
	}

	if err := buffer.EncodeFixed64(uint64(entry.Timestamp)); err != nil {
		return nil, err
	}

	if err := buffer.EncodeRawBytes(request); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// DecodeEntry parses an entry produced by EncodeEntry
func DecodeEntry(data []byte) (Entry, error) {
	buffer := proto.NewBuffer(data)
	id, err := buffer.DecodeVarint()

	if err != nil {
		return Entry{}, fmt.Errorf("could not decode entry id: %s", err)
	}

	timestamp, err := buffer.DecodeFixed64()

	if err != nil {
		return Entry{}, fmt.Errorf("could not decode entry timestamp: %s", err)
	}

	rawRequest, err := buffer.DecodeRawBytes(false)

	if err != nil {
		return Entry{}, fmt.Errorf("could not decode entry request: %s", err)
	}

	request, err := protocol.DecodeRequest(rawRequest)

	if err != nil {
		return Entry{}, fmt.Errorf("could not decode entry request: %w", err)
	}

	return Entry{ID: id, Timestamp: int64(timestamp), Request: request}, nil
}
