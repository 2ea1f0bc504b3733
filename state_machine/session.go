package state_machine

import (
	"fmt"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"go.uber.org/zap"
)

type session struct {
	id            uint64
	service       string
	timeout       int64
	lastKeepAlive int64
	// lastApplied is the highest command sequence applied. With ordered
	// commands it is also the tail of the applied chain.
	lastApplied uint64
	// acked is the highest sequence the client has acknowledged. Results
	// at or below it are no longer cached.
	acked   uint64
	results *treemap.Map
	// buffered holds commands whose predecessor has not been applied,
	// keyed by the sequence of that predecessor
	buffered   *treemap.Map
	eventIndex uint64
}

type bufferedCommand struct {
	ids     []uint64
	request protocol.Request
	arrived int64
}

func newSession(id uint64, service string, timeout time.Duration, now int64) *session {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}

	return &session{
		id:            id,
		service:       service,
		timeout:       int64(timeout),
		lastKeepAlive: now,
		results:       treemap.NewWith(utils.UInt64Comparator),
		buffered:      treemap.NewWith(utils.UInt64Comparator),
	}
}

func (session *session) expired(now int64) bool {
	return now-session.lastKeepAlive > session.timeout
}

func (session *session) ack(sequence uint64) {
	if sequence <= session.acked {
		return
	}

	session.acked = sequence

	for {
		key, _ := session.results.Min()

		if key == nil || key.(uint64) > sequence {
			return
		}

		session.results.Remove(key)
	}
}

func (session *session) cached(sequence uint64) (protocol.Response, bool) {
	response, ok := session.results.Get(sequence)

	if !ok {
		return protocol.Response{}, false
	}

	return response.(protocol.Response), true
}

func (stateMachine *StateMachine) session(id uint64) (*session, error) {
	existing, ok := stateMachine.sessions.Get(id)

	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, protocol.ErrUnknownSession)
	}

	return existing.(*session), nil
}

func (stateMachine *StateMachine) openSession(entry Entry) protocol.Response {
	request := entry.Request

	if request.Service == "" {
		return stateMachine.errorResponse(0, fmt.Errorf("service name is required: %w", operation.ErrInvalidOperation))
	}

	session := newSession(entry.Index, request.Service, request.Timeout, stateMachine.now)
	stateMachine.sessions.Put(session.id, session)
	stateMachine.openService(request.Service)

	stateMachine.logger.Debug("session opened",
		zap.Uint64("session", session.id),
		zap.String("service", session.service),
		zap.Duration("timeout", time.Duration(session.timeout)))

	return stateMachine.ok(session.id)
}

func (stateMachine *StateMachine) keepAlive(request protocol.Request) protocol.Response {
	session, err := stateMachine.session(request.Session)

	if err != nil {
		return stateMachine.errorResponse(request.Session, err)
	}

	session.lastKeepAlive = stateMachine.now
	session.ack(request.Ack)

	return stateMachine.ok(session.id)
}

func (stateMachine *StateMachine) closeRequest(request protocol.Request) protocol.Response {
	session, err := stateMachine.session(request.Session)

	if err != nil {
		return stateMachine.errorResponse(request.Session, err)
	}

	response := stateMachine.ok(session.id)
	stateMachine.closeSession(session, false)

	return response
}

// expire closes every session whose keep-alives stopped and forces
// through buffered commands that waited longer than their session's
// timeout for a missing predecessor.
func (stateMachine *StateMachine) expire() []Completion {
	var completions []Completion
	var expired []*session

	stateMachine.expireValues()

	iterator := stateMachine.sessions.Iterator()

	for iterator.Next() {
		session := iterator.Value().(*session)

		if session.expired(stateMachine.now) {
			expired = append(expired, session)

			continue
		}

		completions = append(completions, stateMachine.forceBuffered(session)...)
	}

	for _, session := range expired {
		stateMachine.logger.Info("session expired",
			zap.Uint64("session", session.id),
			zap.String("service", session.service))
		completions = append(completions, stateMachine.closeSession(session, true)...)
	}

	return completions
}

// closeSession removes session along with the ephemeral state it owns.
// Commands still buffered for it fail.
func (stateMachine *StateMachine) closeSession(session *session, expired bool) []Completion {
	var completions []Completion

	iterator := session.buffered.Iterator()

	for iterator.Next() {
		buffered := iterator.Value().(*bufferedCommand)
		response := stateMachine.errorResponse(session.id, fmt.Errorf("session %d closed: %w", session.id, protocol.ErrUnknownSession))

		for _, id := range buffered.ids {
			completions = append(completions, Completion{ID: id, Response: response})
		}
	}

	stateMachine.sessions.Remove(session.id)
	stateMachine.releaseSession(session.id)

	if stateMachine.listener != nil {
		stateMachine.listener.SessionClosed(stateMachine.partition, session.id, expired)
	}

	return completions
}

func (stateMachine *StateMachine) command(entry Entry) []Completion {
	request := entry.Request
	session, err := stateMachine.session(request.Session)

	if err != nil {
		return []Completion{{ID: entry.ID, Response: stateMachine.errorResponse(request.Session, err)}}
	}

	session.lastKeepAlive = stateMachine.now
	session.ack(request.Ack)

	if response, ok := session.cached(request.Sequence); ok {
		return []Completion{{ID: entry.ID, Response: response}}
	}

	if request.Sequence <= session.acked || (stateMachine.ordered && request.Sequence <= session.lastApplied) {
		return []Completion{{ID: entry.ID, Response: stateMachine.errorResponse(session.id, fmt.Errorf("sequence %d of session %d was already applied: %w", request.Sequence, session.id, operation.ErrInvalidOperation))}}
	}

	if stateMachine.ordered && request.Previous > session.lastApplied {
		stateMachine.buffer(session, entry)

		return nil
	}

	completions := []Completion{{ID: entry.ID, Response: stateMachine.applyCommand(session, request)}}

	if stateMachine.ordered {
		completions = append(completions, stateMachine.drain(session)...)
	}

	return completions
}

func (stateMachine *StateMachine) buffer(session *session, entry Entry) {
	if existing, ok := session.buffered.Get(entry.Request.Previous); ok {
		buffered := existing.(*bufferedCommand)

		if buffered.request.Sequence == entry.Request.Sequence {
			buffered.ids = append(buffered.ids, entry.ID)

			return
		}
	}

	session.buffered.Put(entry.Request.Previous, &bufferedCommand{
		ids:     []uint64{entry.ID},
		request: entry.Request,
		arrived: stateMachine.now,
	})
}

// drain applies buffered commands that now follow the applied chain
func (stateMachine *StateMachine) drain(session *session) []Completion {
	var completions []Completion

	for {
		next, ok := session.buffered.Get(session.lastApplied)

		if !ok {
			return completions
		}

		session.buffered.Remove(session.lastApplied)
		completions = append(completions, stateMachine.applyBuffered(session, next.(*bufferedCommand))...)
	}
}

func (stateMachine *StateMachine) forceBuffered(session *session) []Completion {
	var completions []Completion

	for {
		key, value := session.buffered.Min()

		if key == nil || stateMachine.now-value.(*bufferedCommand).arrived <= session.timeout {
			return completions
		}

		buffered := value.(*bufferedCommand)
		session.buffered.Remove(key)

		stateMachine.logger.Warn("applying command with missing predecessor",
			zap.Uint64("session", session.id),
			zap.Uint64("sequence", buffered.request.Sequence),
			zap.Uint64("previous", buffered.request.Previous))

		completions = append(completions, stateMachine.applyBuffered(session, buffered)...)
		completions = append(completions, stateMachine.drain(session)...)
	}
}

func (stateMachine *StateMachine) applyBuffered(session *session, buffered *bufferedCommand) []Completion {
	var response protocol.Response

	if cached, ok := session.cached(buffered.request.Sequence); ok {
		response = cached
	} else if buffered.request.Sequence <= session.lastApplied {
		response = stateMachine.errorResponse(session.id, fmt.Errorf("sequence %d of session %d was already applied: %w", buffered.request.Sequence, session.id, operation.ErrInvalidOperation))
	} else {
		response = stateMachine.applyCommand(session, buffered.request)
	}

	completions := make([]Completion, 0, len(buffered.ids))

	for _, id := range buffered.ids {
		completions = append(completions, Completion{ID: id, Response: response})
	}

	return completions
}

// applyCommand runs the command and caches its response
func (stateMachine *StateMachine) applyCommand(session *session, request protocol.Request) protocol.Response {
	response := stateMachine.execute(session, request.Payload)

	if request.Sequence > session.lastApplied {
		session.lastApplied = request.Sequence
	}

	if request.Sequence > session.acked {
		session.results.Put(request.Sequence, response)
	}

	return response
}
