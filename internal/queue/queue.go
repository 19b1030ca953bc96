// Package queue implements the in-memory multi-lane message queue that sits
// between the modules and the network pipelines. Each message type gets its
// own FIFO lane; producers push from any goroutine, and each lane has at most
// two consumers (the pipeline that drains it and, for the COMMAND lane, the
// command processor).
//
// Reads are split into a non-destructive peek (GetNext / GetNextN) and an
// explicit removal (PopN). The split is what makes at-least-once delivery
// work: a pipeline peeks a batch, sends it, and pops only after the manager
// acknowledged with a 200. A failed send leaves the messages in the lane for
// the next iteration.
package queue

import (
	"context"
	"sync"
)

// MessageType selects the lane a message travels on.
type MessageType int

const (
	// Stateful messages are persisted by the manager (inventory deltas etc).
	Stateful MessageType = iota
	// Stateless messages are forwarded by the manager without storing.
	Stateless
	// Command messages carry manager-issued commands toward the modules.
	Command
)

// String returns the lane name used in logs.
func (t MessageType) String() string {
	switch t {
	case Stateful:
		return "stateful"
	case Stateless:
		return "stateless"
	case Command:
		return "command"
	default:
		return "unknown"
	}
}

// Message is one unit of work flowing through the queue. Data holds one or
// more opaque payload strings; Metadata is the module-supplied metadata JSON
// that heads the batch frame.
type Message struct {
	Type       MessageType
	Data       []string
	ModuleName string
	ModuleType string
	Metadata   string
}

type lane struct {
	messages []Message
	// nonEmpty is closed when the lane transitions from empty to non-empty,
	// then replaced. Waiters in GetNextN select on it.
	nonEmpty chan struct{}
}

// MultiQueue is a thread-safe collection of per-type FIFO lanes.
type MultiQueue struct {
	mu    sync.Mutex
	lanes map[MessageType]*lane
}

// NewMultiQueue returns an empty queue with all lanes initialized.
func NewMultiQueue() *MultiQueue {
	q := &MultiQueue{lanes: make(map[MessageType]*lane)}
	for _, t := range []MessageType{Stateful, Stateless, Command} {
		q.lanes[t] = &lane{nonEmpty: make(chan struct{})}
	}
	return q
}

func (q *MultiQueue) lane(t MessageType) *lane {
	l, ok := q.lanes[t]
	if !ok {
		l = &lane{nonEmpty: make(chan struct{})}
		q.lanes[t] = l
	}
	return l
}

// Push enqueues a single message. Returns the number of messages accepted (1).
func (q *MultiQueue) Push(m Message) int {
	return q.PushAll([]Message{m})
}

// PushAll enqueues a batch of messages, each onto its own lane.
// Returns the number accepted.
func (q *MultiQueue) PushAll(msgs []Message) int {
	if len(msgs) == 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range msgs {
		l := q.lane(m.Type)
		wasEmpty := len(l.messages) == 0
		l.messages = append(l.messages, m)
		if wasEmpty {
			close(l.nonEmpty)
			l.nonEmpty = make(chan struct{})
		}
	}
	return len(msgs)
}

// IsEmpty reports whether the lane has no messages.
func (q *MultiQueue) IsEmpty(t MessageType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lane(t).messages) == 0
}

// Len returns the number of messages currently in the lane.
func (q *MultiQueue) Len(t MessageType) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lane(t).messages)
}

// GetNext returns the oldest message of the lane without removing it.
// The second return is false if the lane is empty.
func (q *MultiQueue) GetNext(t MessageType) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lane(t)
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return l.messages[0], true
}

// GetNextN waits until the lane holds at least one message, then returns up
// to n oldest messages without removing them. It returns ctx.Err() if the
// context is cancelled while waiting.
func (q *MultiQueue) GetNextN(ctx context.Context, t MessageType, n int) ([]Message, error) {
	for {
		q.mu.Lock()
		l := q.lane(t)
		if len(l.messages) > 0 {
			if n > len(l.messages) {
				n = len(l.messages)
			}
			out := make([]Message, n)
			copy(out, l.messages[:n])
			q.mu.Unlock()
			return out, nil
		}
		wait := l.nonEmpty
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// PopN removes up to n oldest messages from the lane and returns the number
// removed.
func (q *MultiQueue) PopN(t MessageType, n int) int {
	if n <= 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lane(t)
	if n > len(l.messages) {
		n = len(l.messages)
	}
	l.messages = l.messages[n:]
	return n
}
