package host

import (
	"sync"

	"github.com/embhost/ble"
)

// Packet is a handle to one pool-owned buffer. Exactly one holder owns a
// packet at a time; the holder must return it with Pool.Put when done.
type Packet struct {
	pool *Pool
	slot int
	buf  []byte
	n    int
}

// Bytes returns the live payload region.
func (p *Packet) Bytes() []byte { return p.buf[:p.n] }

// Len returns the payload length.
func (p *Packet) Len() int { return p.n }

// Cap returns the payload capacity (the pool MTU).
func (p *Packet) Cap() int { return len(p.buf) }

// Set copies b into the packet, replacing any previous payload.
func (p *Packet) Set(b []byte) error {
	if len(b) > len(p.buf) {
		return ble.ErrMTUExceeded
	}
	p.n = copy(p.buf, b)
	return nil
}

// Append appends b to the payload.
func (p *Packet) Append(b []byte) error {
	if p.n+len(b) > len(p.buf) {
		return ble.ErrMTUExceeded
	}
	p.n += copy(p.buf[p.n:], b)
	return nil
}

// Reset empties the payload without releasing the buffer.
func (p *Packet) Reset() { p.n = 0 }

// Pool is a fixed-capacity allocator of fixed-size packet buffers shared by
// every queue in a stack instance. Get never blocks and never allocates;
// exhaustion is an expected condition reported as ble.ErrPoolExhausted.
type Pool struct {
	mu          sync.Mutex
	packets     []Packet
	free        []int
	outstanding int
}

// NewPool pre-allocates cnt buffers of mtu payload bytes each, carved out of
// a single arena.
func NewPool(mtu, cnt int) *Pool {
	p := &Pool{
		packets: make([]Packet, cnt),
		free:    make([]int, 0, cnt),
	}
	arena := make([]byte, cnt*mtu)
	for i := range p.packets {
		p.packets[i] = Packet{
			pool: p,
			slot: i,
			buf:  arena[i*mtu : (i+1)*mtu : (i+1)*mtu],
		}
		p.free = append(p.free, i)
	}
	return p
}

// Get returns a free packet or ble.ErrPoolExhausted. It never blocks.
func (p *Pool) Get() (*Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ble.ErrPoolExhausted
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.outstanding++

	pkt := &p.packets[i]
	pkt.n = 0
	return pkt, nil
}

// Put returns a packet to the pool. Returning a packet twice, or a packet
// from another pool, is a caller bug and is reported as an error without
// corrupting the free list.
func (p *Pool) Put(pkt *Packet) error {
	if pkt == nil || pkt.pool != p {
		return ble.ErrInvalidState
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, i := range p.free {
		if i == pkt.slot {
			return ble.ErrInvalidState
		}
	}
	p.free = append(p.free, pkt.slot)
	p.outstanding--
	return nil
}

// Outstanding returns the number of packets currently allocated.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Capacity returns the total number of buffers.
func (p *Pool) Capacity() int { return len(p.packets) }
