package host

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
)

func TestQueueFIFO(t *testing.T) {
	p := NewPool(8, 3)
	q := NewQueue(3)

	var pkts []*Packet
	for i := 0; i < 3; i++ {
		pkt, _ := p.Get()
		pkt.Set([]byte{byte(i)})
		pkts = append(pkts, pkt)
		if err := q.TryPush(pkt); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.TryPush(pkts[0]); !errors.Is(err, ble.ErrQueueFull) {
		t.Fatalf("push on full queue: %v", err)
	}

	for i := 0; i < 3; i++ {
		pkt, err := q.TryPop()
		if err != nil {
			t.Fatal(err)
		}
		if pkt.Bytes()[0] != byte(i) {
			t.Fatalf("pop %d returned payload %d", i, pkt.Bytes()[0])
		}
	}
	if _, err := q.TryPop(); !errors.Is(err, ble.ErrQueueEmpty) {
		t.Fatalf("pop on empty queue: %v", err)
	}
}

func TestQueueBlockingPop(t *testing.T) {
	p := NewPool(8, 1)
	q := NewQueue(1)

	got := make(chan *Packet, 1)
	go func() {
		pkt, err := q.Pop(context.Background())
		if err != nil {
			t.Error(err)
		}
		got <- pkt
	}()

	time.Sleep(10 * time.Millisecond)
	pkt, _ := p.Get()
	if err := q.TryPush(pkt); err != nil {
		t.Fatal(err)
	}

	select {
	case g := <-got:
		if g != pkt {
			t.Fatal("wrong packet delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestQueueBlockingPushWaitsForSpace(t *testing.T) {
	p := NewPool(8, 2)
	q := NewQueue(1)

	first, _ := p.Get()
	q.TryPush(first)

	second, _ := p.Get()
	done := make(chan error, 1)
	go func() { done <- q.Push(context.Background(), second) }()

	time.Sleep(10 * time.Millisecond)
	if _, err := q.TryPop(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("push did not wake")
	}
}

// Two pops while no pusher is parked must still unblock two pushers: a
// successful Push passes the wakeup along when a slot remains open.
func TestQueuePushWakeupCascades(t *testing.T) {
	p := NewPool(8, 4)
	q := NewQueue(2)
	a, _ := p.Get()
	b, _ := p.Get()
	q.TryPush(a)
	q.TryPush(b)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		pkt, _ := p.Get()
		go func() { done <- q.Push(context.Background(), pkt) }()
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := q.TryPop(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.TryPop(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(time.Second):
			t.Fatal("a pusher stayed parked beside a free slot")
		}
	}
	if q.Len() != 2 {
		t.Fatalf("queue holds %d entries, want 2", q.Len())
	}
}

func TestQueuePopContextCancel(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not observe cancellation")
	}
}

func TestQueueCloseDrainsRemainder(t *testing.T) {
	p := NewPool(8, 2)
	q := NewQueue(2)

	a, _ := p.Get()
	b, _ := p.Get()
	q.TryPush(a)
	q.TryPush(b)
	q.Close()

	if err := q.TryPush(a); !errors.Is(err, ble.ErrClosed) {
		t.Fatalf("push after close: %v", err)
	}
	if _, err := q.TryPop(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.TryPop(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.TryPop(); !errors.Is(err, ble.ErrClosed) {
		t.Fatalf("pop on drained closed queue: %v", err)
	}
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	q := NewQueue(1)

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ble.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on close")
	}
}

func TestQueueDrain(t *testing.T) {
	p := NewPool(8, 2)
	q := NewQueue(2)
	a, _ := p.Get()
	b, _ := p.Get()
	q.TryPush(a)
	q.TryPush(b)

	q.Drain(func(pkt *Packet) { p.Put(pkt) })
	if p.Outstanding() != 0 {
		t.Fatalf("drain leaked %d packets", p.Outstanding())
	}
	if q.Len() != 0 {
		t.Fatal("drain left entries behind")
	}
}
