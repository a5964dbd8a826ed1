package host

import (
	"github.com/pkg/errors"

	"github.com/embhost/ble"
	"github.com/embhost/ble/hci"
)

type connState uint8

const (
	connIdle connState = iota
	connConnecting
	connConnected
	connDisconnecting
)

// ConnEventType identifies a connection lifecycle event.
type ConnEventType uint8

const (
	EvtConnected ConnEventType = iota
	EvtDisconnected
	EvtEncryptionChanged
	EvtChannelOpened
	EvtChannelClosed
	EvtProtocolViolation
)

// ConnEvent is delivered on a connection's bounded event queue. When no
// consumer keeps up the oldest events are lost; the queue never blocks the
// runner.
type ConnEvent struct {
	Type   ConnEventType
	Handle uint16
	Status uint8
	Reason uint8
	CID    uint16
	Err    error
}

// conn is one connection slot. The runner owns all fields except the queues
// inside the fixed channels and the events channel.
type conn struct {
	s    *Stack
	slot int

	state  connState
	handle uint16
	role   uint8
	peer   ble.Addr

	interval, latency, timeout uint16

	rxMTU, txMTU int // ATT MTU

	att *channel
	sig *channel
	smp *channel

	events       chan ConnEvent
	disconnected chan struct{}

	// dialDone resolves a locally initiated connection attempt; nil on
	// peripheral-side slots.
	dialDone chan error

	// recomb holds a PDU spread over multiple ACL packets until complete.
	// Sized once per slot for the largest PDU the pool can carry.
	recomb    []byte
	recombLen int

	// one outstanding locally initiated signaling request at a time
	sigID     uint8
	encrypted bool
}

func (c *conn) nextSigID() uint8 {
	c.sigID++
	if c.sigID == 0 {
		c.sigID = 1
	}
	return c.sigID
}

// emit publishes a lifecycle event without ever blocking the runner. On a
// full queue the oldest event is dropped to make room.
func (c *conn) emit(e ConnEvent) {
	e.Handle = c.handle
	for {
		select {
		case c.events <- e:
			return
		default:
		}
		select {
		case old := <-c.events:
			logger.Warnf("conn %#04x: event queue full, dropped event %d", c.handle, old.Type)
		default:
		}
	}
}

// fixedChannel routes a CID to one of the three fixed channels, or nil.
func (c *conn) fixedChannel(cid uint16) *channel {
	switch cid {
	case hci.CIDAtt:
		return c.att
	case hci.CIDSignal:
		return c.sig
	case hci.CIDSMP:
		return c.smp
	}
	return nil
}

// connTable is the fixed-capacity connection table.
type connTable struct {
	slots []*conn
}

func newConnTable(s *Stack, n int) *connTable {
	t := &connTable{slots: make([]*conn, n)}
	for i := range t.slots {
		t.slots[i] = &conn{
			s:      s,
			slot:   i,
			state:  connIdle,
			recomb: make([]byte, 4+s.cfg.PoolMTU),
		}
	}
	return t
}

// alloc claims an idle slot in Connecting state. ble.ErrTableFull when the
// table is exhausted.
func (t *connTable) alloc() (*conn, error) {
	for _, c := range t.slots {
		if c.state != connIdle {
			continue
		}
		c.state = connConnecting
		c.handle = 0xFFFF
		c.role = 0
		c.peer = nil
		c.encrypted = false
		c.sigID = 0
		c.recombLen = 0
		c.rxMTU = hci.DefaultMTU
		c.txMTU = hci.DefaultMTU
		c.events = make(chan ConnEvent, c.s.cfg.EventQueueDepth)
		c.disconnected = make(chan struct{})
		c.dialDone = nil
		return c, nil
	}
	return nil, errors.Wrap(ble.ErrTableFull, "connection table")
}

// established moves a Connecting slot to Connected and arms its fixed
// channels.
func (c *conn) established(handle uint16, role uint8, peer ble.Addr) {
	c.state = connConnected
	c.handle = handle
	c.role = role
	c.peer = peer
	c.att = newFixedChannel(c.s, c, hci.CIDAtt)
	c.sig = newFixedChannel(c.s, c, hci.CIDSignal)
	c.smp = newFixedChannel(c.s, c, hci.CIDSMP)
}

// lookup finds a connected or disconnecting slot by handle.
func (t *connTable) lookup(handle uint16) *conn {
	for _, c := range t.slots {
		if c.state != connIdle && c.state != connConnecting && c.handle == handle {
			return c
		}
	}
	return nil
}

// connecting returns the slot currently awaiting a connection complete
// event, if any. The controller serializes LE Create Connection, so at most
// one exists per role.
func (t *connTable) connecting() *conn {
	for _, c := range t.slots {
		if c.state == connConnecting {
			return c
		}
	}
	return nil
}

// teardown releases everything a slot holds and returns it to Idle. Every
// queued packet goes back to the pool before the slot can be reused.
func (c *conn) teardown(reason uint8) {
	if c.state == connIdle {
		return
	}
	c.s.channels.forConn(c, func(ch *channel) {
		if ch.openDone != nil {
			select {
			case ch.openDone <- LECreditConnNoResources:
			default:
			}
		}
		ch.releaseResources()
	})
	for _, ch := range []*channel{c.att, c.sig, c.smp} {
		if ch != nil {
			ch.releaseResources()
		}
	}
	c.att, c.sig, c.smp = nil, nil, nil
	c.emit(ConnEvent{Type: EvtDisconnected, Reason: reason})
	close(c.disconnected)
	c.state = connIdle
}
