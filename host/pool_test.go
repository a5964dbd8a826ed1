package host

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
)

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(64, 2)

	a, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(); !errors.Is(err, ble.ErrPoolExhausted) {
		t.Fatalf("expected pool exhaustion, got %v", err)
	}
	if p.Outstanding() != 2 {
		t.Fatalf("outstanding = %d, want 2", p.Outstanding())
	}

	if err := p.Put(a); err != nil {
		t.Fatal(err)
	}
	if err := p.Put(b); err != nil {
		t.Fatal(err)
	}
	if p.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", p.Outstanding())
	}

	// the freed buffers are reusable
	if _, err := p.Get(); err != nil {
		t.Fatal(err)
	}
}

func TestPoolDoublePut(t *testing.T) {
	p := NewPool(64, 1)
	a, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Put(a); err != nil {
		t.Fatal(err)
	}
	if err := p.Put(a); !errors.Is(err, ble.ErrInvalidState) {
		t.Fatalf("double put accepted: %v", err)
	}
	if p.Outstanding() != 0 {
		t.Fatalf("outstanding corrupted: %d", p.Outstanding())
	}
}

func TestPoolForeignPacket(t *testing.T) {
	p1 := NewPool(64, 1)
	p2 := NewPool(64, 1)
	a, _ := p1.Get()
	if err := p2.Put(a); !errors.Is(err, ble.ErrInvalidState) {
		t.Fatalf("foreign packet accepted: %v", err)
	}
}

func TestPacketBounds(t *testing.T) {
	p := NewPool(8, 1)
	pkt, _ := p.Get()

	if err := pkt.Set(make([]byte, 9)); !errors.Is(err, ble.ErrMTUExceeded) {
		t.Fatalf("oversized set accepted: %v", err)
	}
	if err := pkt.Set([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := pkt.Append([]byte{4, 5}); err != nil {
		t.Fatal(err)
	}
	if pkt.Len() != 5 {
		t.Fatalf("len = %d, want 5", pkt.Len())
	}
	if err := pkt.Append(make([]byte, 4)); !errors.Is(err, ble.ErrMTUExceeded) {
		t.Fatalf("oversized append accepted: %v", err)
	}
	pkt.Reset()
	if pkt.Len() != 0 {
		t.Fatal("reset did not empty the packet")
	}
}

func TestPoolGetClearsStalePayload(t *testing.T) {
	p := NewPool(8, 1)
	pkt, _ := p.Get()
	pkt.Set([]byte{1, 2, 3})
	p.Put(pkt)

	again, _ := p.Get()
	if again.Len() != 0 {
		t.Fatalf("reused packet carries %d stale bytes", again.Len())
	}
}
