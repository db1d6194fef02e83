// Package dispatch holds the pending-message queue and the periodic
// dispatcher that fans each request out across live sessions.
package dispatch

import "sync"

// Request is one pending outbound message. Created by a producer, consumed
// exactly once by the dispatcher, never mutated.
type Request struct {
	MessageID string // caller-supplied, unique
	Pattern   string // destination-name pattern, resolved per session
	Text      string
}

// Queue is an insertion-ordered collection of pending requests keyed by
// message id, drained oldest-first. Enqueue overwrites in place, keeping the
// original queue position.
//
// At dispatch time the queue also records which sessions a message was
// fanned out to, so cancellation can target exactly those sessions instead
// of broadcasting to every live session.
type Queue struct {
	mu      sync.Mutex
	pending map[string]Request
	order   []string // message ids, oldest first

	dispatched map[string][]string // message id -> session ids, until batches complete
}

func NewQueue() *Queue {
	return &Queue{
		pending:    map[string]Request{},
		dispatched: map[string][]string{},
	}
}

func (q *Queue) Enqueue(req Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[req.MessageID]; !ok {
		q.order = append(q.order, req.MessageID)
	}
	q.pending[req.MessageID] = req
}

// Pop removes and returns the oldest pending request.
func (q *Queue) Pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		req, ok := q.pending[id]
		if !ok {
			continue // cancelled while queued
		}
		delete(q.pending, id)
		return req, true
	}
	return Request{}, false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Cancel removes the request if it is still pending and returns the session
// ids it was dispatched to, if any. Unknown ids are a no-op on both counts.
func (q *Queue) Cancel(messageID string) (removed bool, sessions []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[messageID]; ok {
		delete(q.pending, messageID)
		removed = true
		// The id stays in q.order; Pop skips it.
	}
	if ids, ok := q.dispatched[messageID]; ok {
		sessions = append([]string(nil), ids...)
	}
	return removed, sessions
}

// bind records the fan-out targets of a dispatched message.
func (q *Queue) bind(messageID string, sessions []string) {
	q.mu.Lock()
	q.dispatched[messageID] = sessions
	q.mu.Unlock()
}

// completeBinding drops the fan-out record once every target batch finished;
// cancelling after that point has nothing left to act on.
func (q *Queue) completeBinding(messageID string) {
	q.mu.Lock()
	delete(q.dispatched, messageID)
	q.mu.Unlock()
}
