package host

import (
	"context"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
	"github.com/embhost/ble/hci"
)

type chanState uint8

const (
	chanFree chanState = iota
	chanWaitResponse
	chanOpen
	chanWaitDisconnect
)

// channel is one L2CAP channel slot: a fixed channel (ATT, signaling, SMP)
// or an LE credit based connection-oriented channel. All mutable state is
// owned by the runner; application front-ends touch only the queues and the
// rendezvous channels.
type channel struct {
	s    *Stack
	conn *conn
	slot int // -1 for fixed channels

	state chanState
	fixed bool

	psm       uint16
	localCID  uint16
	remoteCID uint16

	// localMTU/localMPS is what we accept, peerMTU/peerMPS what the peer
	// accepts [Vol 3, Part A, 3.4].
	localMTU, localMPS uint16
	peerMTU, peerMPS   uint16

	// peerCredits is our permission to send K-frames; localCredits is what
	// we granted the peer and decreases as K-frames arrive. New grants are
	// computed from the free RX queue slots as the application drains it.
	peerCredits  uint16
	localCredits uint16

	rxq *Queue
	txq *Queue

	// inbound SDU reassembly
	reasm     *Packet
	reasmNeed int

	// outbound SDU segmentation; a partially sent SDU stalls here until
	// more peer credits arrive.
	txSDU   *Packet
	txOff   int
	txFirst bool

	// rxPending holds a completed inbound PDU that found its RX queue full;
	// retried as the queue drains (hold-and-retry backpressure).
	rxPending *Packet

	// handshake rendezvous for locally initiated opens/closes
	openDone chan uint16
	sigID    uint8
}

func newFixedChannel(s *Stack, c *conn, cid uint16) *channel {
	return &channel{
		s:         s,
		conn:      c,
		slot:      -1,
		state:     chanOpen,
		fixed:     true,
		localCID:  cid,
		remoteCID: cid,
		localMTU:  uint16(s.cfg.PoolMTU),
		peerMTU:   hci.DefaultMTU,
		rxq:       NewQueue(s.cfg.RxQueueDepth),
		txq:       NewQueue(s.cfg.TxQueueDepth),
	}
}

// addPeerCredits applies a peer credit grant. Exceeding 0xffff is a protocol
// violation [Vol 3, Part A, 10.1].
func (ch *channel) addPeerCredits(n uint16) error {
	if uint32(ch.peerCredits)+uint32(n) > 0xffff {
		return errors.Errorf("cid %#04x: credit overflow (%d + %d)", ch.remoteCID, ch.peerCredits, n)
	}
	ch.peerCredits += n
	return nil
}

// takePeerCredit consumes one send credit, failing at zero.
func (ch *channel) takePeerCredit() bool {
	if ch.peerCredits == 0 {
		return false
	}
	ch.peerCredits--
	return true
}

// takeLocalCredit accounts one received K-frame against the credits we
// granted. Underflow means the peer sent beyond its allowance.
func (ch *channel) takeLocalCredit() error {
	if ch.localCredits == 0 {
		return errors.Errorf("cid %#04x: peer sent without credit", ch.localCID)
	}
	ch.localCredits--
	return nil
}

// grantable returns how many credits can be offered to the peer right now:
// never more than the free RX queue slots minus what is already granted or
// pending, so granted credits always fit in the queue.
func (ch *channel) grantable() uint16 {
	free := ch.rxq.Free()
	if ch.rxPending != nil {
		free--
	}
	inFlight := int(ch.localCredits)
	if free <= inFlight {
		return 0
	}
	return uint16(free - inFlight)
}

// releaseResources drains both queues and any half-built SDU back to the
// pool. Called by the runner on channel teardown; after it returns the slot
// is reusable.
func (ch *channel) releaseResources() {
	put := func(p *Packet) { ch.s.pool.Put(p) }
	ch.rxq.Close()
	ch.txq.Close()
	ch.rxq.Drain(put)
	ch.txq.Drain(put)
	if ch.reasm != nil {
		ch.s.pool.Put(ch.reasm)
		ch.reasm = nil
	}
	if ch.txSDU != nil {
		ch.s.pool.Put(ch.txSDU)
		ch.txSDU = nil
	}
	if ch.rxPending != nil {
		ch.s.pool.Put(ch.rxPending)
		ch.rxPending = nil
	}
	ch.state = chanFree
}

// channelTable is the fixed-capacity table of connection-oriented channel
// slots. Fixed channels live on their connection and do not consume slots.
type channelTable struct {
	slots []*channel
}

func newChannelTable(s *Stack, n int) *channelTable {
	t := &channelTable{slots: make([]*channel, n)}
	for i := range t.slots {
		t.slots[i] = &channel{s: s, slot: i, state: chanFree}
	}
	return t
}

// alloc claims a free slot for conn and arms its queues. Returns
// ble.ErrTableFull when every slot is taken.
func (t *channelTable) alloc(c *conn) (*channel, error) {
	for _, ch := range t.slots {
		if ch.state != chanFree {
			continue
		}
		s := ch.s
		*ch = channel{
			s:        s,
			slot:     ch.slot,
			conn:     c,
			state:    chanWaitResponse,
			localMTU: uint16(s.cfg.PoolMTU),
			localMPS: uint16(s.cfg.PoolMTU),
			rxq:      NewQueue(s.cfg.RxQueueDepth),
			txq:      NewQueue(s.cfg.TxQueueDepth),
			openDone: make(chan uint16, 1),
		}
		return ch, nil
	}
	return nil, errors.Wrap(ble.ErrTableFull, "channel table")
}

// lookupLocal finds an in-use channel of conn by our CID.
func (t *channelTable) lookupLocal(c *conn, cid uint16) *channel {
	for _, ch := range t.slots {
		if ch.state != chanFree && ch.conn == c && ch.localCID == cid {
			return ch
		}
	}
	return nil
}

// lookupRemote finds an in-use channel of conn by the peer's CID.
func (t *channelTable) lookupRemote(c *conn, cid uint16) *channel {
	for _, ch := range t.slots {
		if ch.state != chanFree && ch.conn == c && ch.remoteCID == cid {
			return ch
		}
	}
	return nil
}

// forConn visits every in-use channel of conn.
func (t *channelTable) forConn(c *conn, f func(*channel)) {
	for _, ch := range t.slots {
		if ch.state != chanFree && ch.conn == c {
			f(ch)
		}
	}
}

// cocChannel is the application-facing wrapper of an open credit based
// channel. It implements ble.Channel.
type cocChannel struct {
	ch *channel
}

func (w *cocChannel) Info() ble.ChannelInfo {
	return ble.ChannelInfo{
		LocalCID:  w.ch.localCID,
		RemoteCID: w.ch.remoteCID,
		PeerMTU:   w.ch.peerMTU,
		PeerMPS:   w.ch.peerMPS,
	}
}

// TrySend copies b into a pool packet and queues it without blocking.
func (w *cocChannel) TrySend(b []byte) error {
	pkt, err := w.prepare(b)
	if err != nil {
		return err
	}
	if err := w.ch.txq.TryPush(pkt); err != nil {
		w.ch.s.pool.Put(pkt)
		return err
	}
	w.ch.s.kick()
	return nil
}

// Send queues an SDU, waiting for TX queue space. On cancellation the packet
// is returned to the pool; no resource is leaked.
func (w *cocChannel) Send(ctx context.Context, b []byte) error {
	pkt, err := w.prepare(b)
	if err != nil {
		return err
	}
	if err := w.ch.txq.Push(ctx, pkt); err != nil {
		w.ch.s.pool.Put(pkt)
		return err
	}
	w.ch.s.kick()
	return nil
}

// prepare copies b into a pool packet. Channel teardown closes the TX queue,
// so a push after close reports ErrClosed without looking at channel state.
func (w *cocChannel) prepare(b []byte) (*Packet, error) {
	if len(b) > int(w.ch.peerMTU) {
		return nil, errors.Wrapf(ble.ErrMTUExceeded, "sdu %d > peer mtu %d", len(b), w.ch.peerMTU)
	}
	pkt, err := w.ch.s.pool.Get()
	if err != nil {
		return nil, err
	}
	if err := pkt.Set(b); err != nil {
		w.ch.s.pool.Put(pkt)
		return nil, err
	}
	return pkt, nil
}

// Receive returns the next reassembled SDU. Draining the RX queue owes the
// peer a credit grant, which the runner flushes.
func (w *cocChannel) Receive(ctx context.Context) ([]byte, error) {
	pkt, err := w.ch.rxq.Pop(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]byte, pkt.Len())
	copy(out, pkt.Bytes())
	w.ch.s.pool.Put(pkt)
	w.ch.s.noteRxDrained(w.ch)
	return out, nil
}

// Close asks the runner to disconnect the channel and waits for the slot to
// be torn down.
func (w *cocChannel) Close() error {
	return w.ch.s.closeChannel(w.ch)
}
