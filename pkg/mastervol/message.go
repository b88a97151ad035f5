package mastervol

import (
	"sync"
	"sync/atomic"
)

// Message is a payload-less notification posted to the host. Receivers
// re-query the controller from their own goroutine
type Message int

const (
	MessageVolumeChanged Message = iota
	MessageDeviceChanged
)

func (m Message) String() string {
	switch m {
	case MessageVolumeChanged:
		return "volume-changed"
	case MessageDeviceChanged:
		return "device-changed"
	}

	return "unknown"
}

// NotificationTarget receives messages from the controller. Post is called from
// OS-owned threads and must not block
type NotificationTarget interface {
	Post(msg Message)
}

// MessageQueue is a coalescing NotificationTarget. At most one message of each kind is
// pending at a time; posting a kind that is already pending merges into it. Since messages
// carry no payload and receivers re-query state, nothing is lost by merging
type MessageQueue struct {
	lock    sync.Mutex
	pending []Message
	closed  bool

	// wakes the forwarder, holds at most one signal
	signal chan struct{}
	out    chan Message

	coalesced int64
}

// NewMessageQueue creates a queue and starts delivering to Messages
func NewMessageQueue() *MessageQueue {
	q := &MessageQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan Message),
	}

	go q.forward()

	return q
}

// Post enqueues msg unless one of the same kind is already pending. It never blocks
func (q *MessageQueue) Post(msg Message) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return
	}

	for _, pending := range q.pending {
		if pending == msg {
			atomic.AddInt64(&q.coalesced, 1)
			return
		}
	}

	q.pending = append(q.pending, msg)

	select {
	case q.signal <- struct{}{}:
	default:
		// forwarder already has a wake-up queued
	}
}

// Messages returns the receiving side of the queue. It is closed once Close was called
// and everything pending has been delivered
func (q *MessageQueue) Messages() <-chan Message {
	return q.out
}

// Coalesced returns how many posts were merged into an already pending message
func (q *MessageQueue) Coalesced() int64 {
	return atomic.LoadInt64(&q.coalesced)
}

// Close stops accepting messages. Safe to call more than once
func (q *MessageQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

func (q *MessageQueue) forward() {
	for range q.signal {
		q.flush()
	}

	q.flush()
	close(q.out)
}

// flush takes the pending set before delivering, so a kind posted during delivery is queued again
func (q *MessageQueue) flush() {
	q.lock.Lock()
	batch := q.pending
	q.pending = nil
	q.lock.Unlock()

	for _, msg := range batch {
		q.out <- msg
	}
}
