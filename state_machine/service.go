package state_machine

import (
	"bytes"
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"go.uber.org/zap"
)

// service is a named value shared by every session opened against it
type service struct {
	name    string
	value   []byte
	present bool
	// expiresAt is zero for persistent values
	expiresAt int64
	// owner is the session that wrote an ephemeral value
	owner uint64
	// listeners maps session ids to the index of their Listen
	listeners *treemap.Map
	deleted   bool
}

func newService(name string) *service {
	return &service{
		name:      name,
		listeners: treemap.NewWith(utils.UInt64Comparator),
	}
}

func (service *service) current(now int64) ([]byte, bool) {
	if !service.present || (service.expiresAt != 0 && now >= service.expiresAt) {
		return nil, false
	}

	return service.value, true
}

func (stateMachine *StateMachine) openService(name string) {
	if existing, ok := stateMachine.services.Get(name); ok && !existing.(*service).deleted {
		return
	}

	stateMachine.services.Put(name, newService(name))
}

func (stateMachine *StateMachine) service(name string) (*service, error) {
	existing, ok := stateMachine.services.Get(name)

	if !ok || existing.(*service).deleted {
		return nil, fmt.Errorf("service %s: %w", name, protocol.ErrPrimitiveNotFound)
	}

	return existing.(*service), nil
}

// execute decodes and runs one command for session
func (stateMachine *StateMachine) execute(session *session, payload []byte) protocol.Response {
	svc, err := stateMachine.service(session.service)

	if err != nil {
		return stateMachine.errorResponse(session.id, err)
	}

	op, err := operation.Decode(payload)

	if err != nil {
		return stateMachine.errorResponse(session.id, err)
	}

	if op.Kind() != operation.KindCommand {
		return stateMachine.errorResponse(session.id, fmt.Errorf("%s is not a command: %w", op.Tag(), operation.ErrInvalidOperation))
	}

	current, present := svc.current(stateMachine.now)
	output := operation.Output{Present: present, Value: current}

	switch op := op.(type) {
	case operation.Set:
		stateMachine.write(svc, session, op.Value(), op)
		output.Succeeded = true
		output.Previous = current
		output.Next = op.Value()
	case operation.CompareAndSet:
		if !matches(current, present, op.Expect()) {
			break
		}

		stateMachine.write(svc, session, op.Update(), op)
		output.Succeeded = true
		output.Previous = current
		output.Next = op.Update()
	case operation.GetAndSet:
		stateMachine.write(svc, session, op.Value(), op)
		output.Succeeded = true
		output.Previous = current
		output.Next = op.Value()
	case operation.Increment:
		return stateMachine.add(svc, session, op.Delta(), op)
	case operation.Decrement:
		return stateMachine.add(svc, session, -op.Delta(), op)
	case operation.Listen:
		svc.listeners.Put(session.id, stateMachine.index)
		output.Succeeded = true
	case operation.Unlisten:
		svc.listeners.Remove(session.id)
		output.Succeeded = true
	case operation.Delete:
		stateMachine.delete(svc)
		output.Succeeded = true
	default:
		return stateMachine.errorResponse(session.id, fmt.Errorf("%s: %w", op.Tag(), operation.ErrUnsupportedOperation))
	}

	return stateMachine.outputResponse(session.id, output)
}

func matches(current []byte, present bool, expect []byte) bool {
	if expect == nil {
		return !present
	}

	return present && bytes.Equal(current, expect)
}

func (stateMachine *StateMachine) add(svc *service, session *session, delta int64, op operation.Operation) protocol.Response {
	current, present := svc.current(stateMachine.now)
	previous := int64(0)

	if present {
		decoded, err := operation.DecodeInt64(current)

		if err != nil {
			return stateMachine.errorResponse(session.id, err)
		}

		previous = decoded
	}

	next := operation.EncodeInt64(previous + delta)
	stateMachine.write(svc, session, next, op)

	return stateMachine.outputResponse(session.id, operation.Output{
		Present:   true,
		Value:     next,
		Succeeded: true,
		Previous:  operation.EncodeInt64(previous),
		Next:      next,
	})
}

// write stores value, nil meaning absent, and notifies listeners if
// the visible value changed
func (stateMachine *StateMachine) write(svc *service, session *session, value []byte, op operation.Operation) {
	previous, wasPresent := svc.current(stateMachine.now)

	svc.value = value
	svc.present = value != nil
	svc.expiresAt = 0
	svc.owner = 0

	if svc.present && op.Persistence() == operation.Ephemeral {
		svc.expiresAt = stateMachine.now + int64(op.TTL())
		svc.owner = session.id
	}

	if wasPresent == svc.present && bytes.Equal(previous, value) {
		return
	}

	stateMachine.publish(svc, operation.Change{Value: value, Previous: previous})
}

func (stateMachine *StateMachine) clear(svc *service) {
	previous, wasPresent := svc.current(stateMachine.now)

	if !svc.present {
		return
	}

	svc.value = nil
	svc.present = false
	svc.expiresAt = 0
	svc.owner = 0

	if wasPresent {
		stateMachine.publish(svc, operation.Change{Previous: previous})
	}
}

func (stateMachine *StateMachine) delete(svc *service) {
	previous, _ := svc.current(stateMachine.now)

	stateMachine.publish(svc, operation.Change{Previous: previous})

	svc.value = nil
	svc.present = false
	svc.expiresAt = 0
	svc.owner = 0
	svc.deleted = true
	svc.listeners.Clear()

	stateMachine.logger.Debug("service deleted", zap.String("service", svc.name))
}

// expireValues removes values whose ttl elapsed
func (stateMachine *StateMachine) expireValues() {
	iterator := stateMachine.services.Iterator()

	for iterator.Next() {
		svc := iterator.Value().(*service)

		if svc.present && svc.expiresAt != 0 && stateMachine.now >= svc.expiresAt {
			svc.value = nil
			svc.present = false
			svc.expiresAt = 0
			svc.owner = 0
			stateMachine.publish(svc, operation.Change{})
		}
	}
}

// releaseSession drops the ephemeral values and listeners of a session
func (stateMachine *StateMachine) releaseSession(id uint64) {
	iterator := stateMachine.services.Iterator()

	for iterator.Next() {
		svc := iterator.Value().(*service)
		svc.listeners.Remove(id)

		if svc.present && svc.owner == id {
			stateMachine.clear(svc)
		}
	}
}

func (stateMachine *StateMachine) publish(svc *service, change operation.Change) {
	if svc.listeners.Empty() {
		return
	}

	payload, err := operation.EncodeChange(change)

	if err != nil {
		stateMachine.logger.Error("could not encode change", zap.String("service", svc.name), zap.Error(err))

		return
	}

	iterator := svc.listeners.Iterator()

	for iterator.Next() {
		sessionID := iterator.Key().(uint64)
		existing, ok := stateMachine.sessions.Get(sessionID)

		if !ok {
			continue
		}

		session := existing.(*session)
		session.eventIndex++

		if stateMachine.listener == nil {
			continue
		}

		stateMachine.listener.Publish(protocol.Event{
			Partition:   stateMachine.partition,
			Session:     session.id,
			Service:     svc.name,
			Index:       stateMachine.index,
			EventIndex:  session.eventIndex,
			ListenIndex: iterator.Value().(uint64),
			Payload:     payload,
		})
	}
}
