// ABOUTME: Per-session FIFO delivery queue with dedup at insertion
// ABOUTME: Refuses ids already queued or already finished; retries go to the tail

package queue

import (
	"container/list"
	"log/slog"
	"sync"

	"github.com/2389/tether-gateway/internal/dedupe"
	"github.com/2389/tether-gateway/internal/driver"
)

// Message is one outbound message waiting for its session's drip tick.
type Message struct {
	ID        string
	SessionID string
	Recipient driver.Recipient
	Body      string
	Retries   int
}

// Admission is the result of Enqueue.
type Admission int

const (
	// Admitted means the message was appended to its session queue.
	Admitted Admission = iota
	// AlreadyQueued means a message with the same id is waiting.
	AlreadyQueued
	// AlreadyFinished means the id already reached a terminal outcome.
	AlreadyFinished
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case AlreadyQueued:
		return "already queued"
	case AlreadyFinished:
		return "already finished"
	default:
		return "unknown"
	}
}

// Queue holds one FIFO per session. The outer map lock only guards
// membership; each session queue has its own lock.
type Queue struct {
	mu       sync.RWMutex
	sessions map[string]*sessionQueue
	outcomes *dedupe.Cache
	logger   *slog.Logger
}

type sessionQueue struct {
	mu    sync.Mutex
	items *list.List // Message, oldest at front
	index map[string]*list.Element
	ready chan struct{}
}

// New creates a queue that consults outcomes before admitting a message.
func New(outcomes *dedupe.Cache, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sessions: make(map[string]*sessionQueue),
		outcomes: outcomes,
		logger:   logger.With("component", "queue"),
	}
}

func (q *Queue) session(sessionID string) *sessionQueue {
	q.mu.RLock()
	sq, ok := q.sessions[sessionID]
	q.mu.RUnlock()
	if ok {
		return sq
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if sq, ok = q.sessions[sessionID]; !ok {
		sq = &sessionQueue{
			items: list.New(),
			index: make(map[string]*list.Element),
			ready: make(chan struct{}, 1),
		}
		q.sessions[sessionID] = sq
	}
	return sq
}

func (q *Queue) lookup(sessionID string) (*sessionQueue, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	sq, ok := q.sessions[sessionID]
	return sq, ok
}

// Enqueue appends msg to its session's queue unless the id is already
// queued there or already finished.
func (q *Queue) Enqueue(msg Message) Admission {
	return q.push(msg, "enqueue")
}

// Requeue puts a message that failed transiently back at the tail.
func (q *Queue) Requeue(msg Message) Admission {
	return q.push(msg, "requeue")
}

func (q *Queue) push(msg Message, op string) Admission {
	if outcome, done := q.outcomes.Lookup(msg.ID); done {
		q.logger.Debug("refusing finished message",
			"op", op,
			"session_id", msg.SessionID,
			"message_id", msg.ID,
			"outcome", outcome)
		return AlreadyFinished
	}

	sq := q.session(msg.SessionID)
	sq.mu.Lock()
	if _, queued := sq.index[msg.ID]; queued {
		sq.mu.Unlock()
		q.logger.Debug("message already queued",
			"op", op,
			"session_id", msg.SessionID,
			"message_id", msg.ID)
		return AlreadyQueued
	}
	sq.index[msg.ID] = sq.items.PushBack(msg)
	sq.mu.Unlock()

	select {
	case sq.ready <- struct{}{}:
	default:
	}
	return Admitted
}

// Dequeue pops the oldest message for a session.
func (q *Queue) Dequeue(sessionID string) (Message, bool) {
	sq, ok := q.lookup(sessionID)
	if !ok {
		return Message{}, false
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()
	front := sq.items.Front()
	if front == nil {
		return Message{}, false
	}
	msg := sq.items.Remove(front).(Message)
	delete(sq.index, msg.ID)
	return msg, true
}

// MarkFinished remembers a terminal outcome so the id is never admitted again.
func (q *Queue) MarkFinished(id string, outcome dedupe.Outcome) {
	q.outcomes.Record(id, outcome)
}

// Len returns the number of messages waiting for a session.
func (q *Queue) Len(sessionID string) int {
	sq, ok := q.lookup(sessionID)
	if !ok {
		return 0
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.items.Len()
}

// Ready returns a channel that receives a value after a message is admitted.
// The channel holds at most one pending signal.
func (q *Queue) Ready(sessionID string) <-chan struct{} {
	return q.session(sessionID).ready
}

// Drop discards a session's queue and returns how many messages it held.
func (q *Queue) Drop(sessionID string) int {
	q.mu.Lock()
	sq, ok := q.sessions[sessionID]
	delete(q.sessions, sessionID)
	q.mu.Unlock()
	if !ok {
		return 0
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.items.Len()
}
