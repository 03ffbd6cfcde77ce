package core

import "sync"

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker manages per-job progress streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected job volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewBroker creates a new progress broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives progress lines for the given job
// and an unsubscribe function. If the job has already finished (Close was
// called), the returned channel is immediately closed.
func (b *Broker) Subscribe(jobID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan string)}
		b.topics[jobID] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a progress line to all subscribers of the given job.
// Lines are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(jobID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Drop line for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more progress will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel. Close is idempotent.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[jobID] = &topic{subs: make(map[int]chan string), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
