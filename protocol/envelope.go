package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
)

const envelopeVersion = 1

// ErrMalformedEnvelope is returned when a frame cannot be decoded
var ErrMalformedEnvelope = errors.New("malformed envelope")

// RequestKind says what a request frame asks the host to do
type RequestKind uint32

const (
	RequestOpen RequestKind = iota + 1
	RequestKeepAlive
	RequestClose
	RequestCommand
	RequestQuery
	RequestEvents
	RequestCreateTopic
	// RequestClock carries no session. Hosts submit it periodically so
	// time advances while no client traffic arrives.
	RequestClock
)

func (kind RequestKind) String() string {
	switch kind {
	case RequestOpen:
		return "open"
	case RequestKeepAlive:
		return "keep-alive"
	case RequestClose:
		return "close"
	case RequestCommand:
		return "command"
	case RequestQuery:
		return "query"
	case RequestEvents:
		return "events"
	case RequestCreateTopic:
		return "create-topic"
	case RequestClock:
		return "clock"
	}

	return fmt.Sprintf("RequestKind(%d)", uint32(kind))
}

// Status is the outcome code of a response
type Status uint32

const (
	StatusOK Status = iota
	StatusNotFound
	StatusUnknownSession
	StatusInvalid
	StatusUnsupported
	StatusUnavailable
)

// Topic describes how an append-log topic is laid out
type Topic struct {
	Partitions        uint32
	ReplicationFactor uint32
}

// Request is the frame sent from a partition client to a host
type Request struct {
	Kind RequestKind
	RequestHeader
	// Timeout is the session timeout requested by RequestOpen
	Timeout time.Duration
	Topic   Topic
	Payload []byte
}

// Response is the frame a host returns for a Request
type Response struct {
	Status  Status
	Message string
	Metadata
	Output []byte
}

// Err converts a non-OK status to an error
func (response Response) Err() error {
	switch response.Status {
	case StatusOK:
		return nil
	case StatusNotFound:
		return fmt.Errorf("%w: %s", ErrPrimitiveNotFound, response.Message)
	case StatusUnknownSession:
		return fmt.Errorf("%w: %s", ErrUnknownSession, response.Message)
	case StatusInvalid:
		return fmt.Errorf("%w: %s", operation.ErrInvalidOperation, response.Message)
	case StatusUnsupported:
		return fmt.Errorf("%w: %s", operation.ErrUnsupportedOperation, response.Message)
	}

	return fmt.Errorf("%w: %s", ErrPrimitiveUnavailable, response.Message)
}

// ErrorResponse builds the response reporting err. Errors from
// the operation and protocol packages keep their status.
func ErrorResponse(err error) Response {
	status := StatusUnavailable

	switch {
	case errors.Is(err, ErrPrimitiveNotFound):
		status = StatusNotFound
	case errors.Is(err, ErrUnknownSession):
		status = StatusUnknownSession
	case errors.Is(err, operation.ErrInvalidOperation):
		status = StatusInvalid
	case errors.Is(err, operation.ErrUnsupportedOperation):
		status = StatusUnsupported
	}

	return Response{Status: status, Message: err.Error()}
}

// Event is a change notification pushed to a session
type Event struct {
	Partition cluster.PartitionID
	Session   uint64
	Service   string
	// Index is the partition index at which the change happened
	Index uint64
	// EventIndex increases by one for every event sent to the session
	EventIndex uint64
	// ListenIndex identifies the Listen that registered the receiver
	ListenIndex uint64
	Payload     []byte
}

type encoder struct {
	buffer *proto.Buffer
	err    error
}

func newEncoder() *encoder {
	encoder := &encoder{buffer: proto.NewBuffer(nil)}
	encoder.varint(envelopeVersion)

	return encoder
}

func (encoder *encoder) varint(x uint64) {
	if encoder.err == nil {
		encoder.err = encoder.buffer.EncodeVarint(x)
	}
}

func (encoder *encoder) bytes(b []byte) {
	if encoder.err == nil {
		encoder.err = encoder.buffer.EncodeRawBytes(b)
	}
}

func (encoder *encoder) string(s string) {
	if encoder.err == nil {
		encoder.err = encoder.buffer.EncodeStringBytes(s)
	}
}

func (encoder *encoder) finish() ([]byte, error) {
	if encoder.err != nil {
		return nil, encoder.err
	}

	return encoder.buffer.Bytes(), nil
}

type decoder struct {
	buffer *proto.Buffer
	err    error
}

func newDecoder(data []byte) *decoder {
	decoder := &decoder{buffer: proto.NewBuffer(data)}

	if version := decoder.varint(); decoder.err == nil && version != envelopeVersion {
		decoder.err = fmt.Errorf("version %d: %w", version, ErrMalformedEnvelope)
	}

	return decoder
}

func (decoder *decoder) varint() uint64 {
	if decoder.err != nil {
		return 0
	}

	x, err := decoder.buffer.DecodeVarint()

	if err != nil {
		decoder.err = fmt.Errorf("%s: %w", err, ErrMalformedEnvelope)
	}

	return x
}

func (decoder *decoder) bytes() []byte {
	if decoder.err != nil {
		return nil
	}

	b, err := decoder.buffer.DecodeRawBytes(true)

	if err != nil {
		decoder.err = fmt.Errorf("%s: %w", err, ErrMalformedEnvelope)
	}

	return b
}

func (decoder *decoder) string() string {
	if decoder.err != nil {
		return ""
	}

	s, err := decoder.buffer.DecodeStringBytes()

	if err != nil {
		decoder.err = fmt.Errorf("%s: %w", err, ErrMalformedEnvelope)
	}

	return s
}

// EncodeRequest serializes request
func EncodeRequest(request Request) ([]byte, error) {
	encoder := newEncoder()
	encoder.varint(uint64(request.Kind))
	encoder.varint(uint64(request.Partition))
	encoder.string(request.Service)
	encoder.varint(request.Session)
	encoder.varint(request.Sequence)
	encoder.varint(request.Previous)
	encoder.varint(request.Ack)
	encoder.varint(request.MinIndex)
	encoder.varint(uint64(request.Consistency))
	encoder.varint(uint64(request.MaxStaleness))
	encoder.varint(uint64(request.Timeout))
	encoder.varint(uint64(request.Topic.Partitions))
	encoder.varint(uint64(request.Topic.ReplicationFactor))
	encoder.bytes(request.Payload)

	return encoder.finish()
}

// DecodeRequest parses a frame produced by EncodeRequest
func DecodeRequest(data []byte) (Request, error) {
	decoder := newDecoder(data)
	request := Request{}
	request.Kind = RequestKind(decoder.varint())
	request.Partition = cluster.PartitionID(decoder.varint())
	request.Service = decoder.string()
	request.Session = decoder.varint()
	request.Sequence = decoder.varint()
	request.Previous = decoder.varint()
	request.Ack = decoder.varint()
	request.MinIndex = decoder.varint()
	request.Consistency = ReadConsistency(decoder.varint())
	request.MaxStaleness = time.Duration(decoder.varint())
	request.Timeout = time.Duration(decoder.varint())
	request.Topic.Partitions = uint32(decoder.varint())
	request.Topic.ReplicationFactor = uint32(decoder.varint())
	request.Payload = decoder.bytes()

	if decoder.err != nil {
		return Request{}, decoder.err
	}

	return request, nil
}

// EncodeResponse serializes response
func EncodeResponse(response Response) ([]byte, error) {
	encoder := newEncoder()
	encoder.varint(uint64(response.Status))
	encoder.string(response.Message)
	encoder.varint(uint64(response.Partition))
	encoder.varint(response.Session)
	encoder.varint(response.Index)
	encoder.bytes(response.Output)

	return encoder.finish()
}

// DecodeResponse parses a frame produced by EncodeResponse
func DecodeResponse(data []byte) (Response, error) {
	decoder := newDecoder(data)
	response := Response{}
	response.Status = Status(decoder.varint())
	response.Message = decoder.string()
	response.Partition = cluster.PartitionID(decoder.varint())
	response.Session = decoder.varint()
	response.Index = decoder.varint()
	response.Output = decoder.bytes()

	if decoder.err != nil {
		return Response{}, decoder.err
	}

	return response, nil
}

// EncodeEvent serializes event
func EncodeEvent(event Event) ([]byte, error) {
	encoder := newEncoder()
	encoder.varint(uint64(event.Partition))
	encoder.varint(event.Session)
	encoder.string(event.Service)
	encoder.varint(event.Index)
	encoder.varint(event.EventIndex)
	encoder.varint(event.ListenIndex)
	encoder.bytes(event.Payload)

	return encoder.finish()
}

// DecodeEvent parses a frame produced by EncodeEvent
func DecodeEvent(data []byte) (Event, error) {
	decoder := newDecoder(data)
	event := Event{}
	event.Partition = cluster.PartitionID(decoder.varint())
	event.Session = decoder.varint()
	event.Service = decoder.string()
	event.Index = decoder.varint()
	event.EventIndex = decoder.varint()
	event.ListenIndex = decoder.varint()
	event.Payload = decoder.bytes()

	if decoder.err != nil {
		return Event{}, decoder.err
	}

	return event, nil
}
