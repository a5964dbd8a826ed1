package host

import (
	"context"
	"sync"

	"github.com/embhost/ble"
)

// Queue is a bounded FIFO of packet handles. TryPush and TryPop never block;
// Push and Pop suspend on notification channels and re-check state after
// every wakeup, because another task may have raced them to the slot.
type Queue struct {
	mu     sync.Mutex
	items  []*Packet
	head   int
	count  int
	closed bool

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// NewQueue creates a queue of the given fixed depth.
func NewQueue(depth int) *Queue {
	return &Queue{
		items:    make([]*Packet, depth),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// TryPush appends pkt or returns ble.ErrQueueFull / ble.ErrClosed.
func (q *Queue) TryPush(pkt *Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ble.ErrClosed
	}
	if q.count == len(q.items) {
		return ble.ErrQueueFull
	}
	q.items[(q.head+q.count)%len(q.items)] = pkt
	q.count++
	q.signal(q.notEmpty)
	return nil
}

// TryPop removes the oldest packet or returns ble.ErrQueueEmpty. A closed
// queue keeps draining until empty, then reports ble.ErrClosed.
func (q *Queue) TryPop() (*Packet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		if q.closed {
			return nil, ble.ErrClosed
		}
		return nil, ble.ErrQueueEmpty
	}
	pkt := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.signal(q.notFull)
	return pkt, nil
}

// Push blocks until there is space, the context ends, or the queue closes.
func (q *Queue) Push(ctx context.Context, pkt *Packet) error {
	for {
		err := q.TryPush(pkt)
		if err != ble.ErrQueueFull {
			// notFull has capacity 1, so two pops firing while nobody is
			// parked coalesce into one token. Pass the wakeup along if a
			// slot is still open, in case another pusher lost that race.
			if err == nil && q.Free() > 0 {
				q.signal(q.notFull)
			}
			return err
		}
		select {
		case <-q.notFull:
			// re-check; the slot may already be taken again
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop blocks until a packet arrives, the context ends, or the queue closes.
func (q *Queue) Pop(ctx context.Context) (*Packet, error) {
	for {
		pkt, err := q.TryPop()
		if err != ble.ErrQueueEmpty {
			if err == nil && q.Len() > 0 {
				q.signal(q.notEmpty)
			}
			return pkt, err
		}
		select {
		case <-q.notEmpty:
		case <-q.done:
			// closed; TryPop drains the remainder then reports ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the current number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the configured depth.
func (q *Queue) Cap() int { return len(q.items) }

// Free returns the number of open slots.
func (q *Queue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.count
}

// Close wakes all waiters. Queued packets remain poppable; new pushes fail.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain pops every queued packet and hands it to put, typically Pool.Put.
// Used during teardown so no handle leaks when a slot is reclaimed.
func (q *Queue) Drain(put func(*Packet)) {
	for {
		pkt, err := q.TryPop()
		if err != nil {
			return
		}
		put(pkt)
	}
}

func (q *Queue) signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
