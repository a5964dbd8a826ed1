package host

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
	"github.com/embhost/ble/hci"
	"github.com/embhost/ble/hci/cmd"
)

// connFront is the application's view of a connection slot. It captures the
// slot's identity at creation, so a front left over from a torn-down
// connection fails cleanly instead of touching the slot's next occupant.
type connFront struct {
	s      *Stack
	c      *conn
	handle uint16
	role   ble.Role
	local  ble.Addr
	remote ble.Addr
	att    *channel
	disc   chan struct{}
	events chan ConnEvent

	mu    sync.Mutex
	rxMTU int
	txMTU int
}

// newConnFront runs on the runner goroutine, after the slot is established.
func (s *Stack) newConnFront(c *conn) *connFront {
	local := s.addr
	if s.randomAddr != nil {
		local = s.randomAddr
	}
	return &connFront{
		s:      s,
		c:      c,
		handle: c.handle,
		role:   ble.Role(c.role),
		local:  local,
		remote: c.peer,
		att:    c.att,
		disc:   c.disconnected,
		events: c.events,
		rxMTU:  hci.DefaultMTU,
		txMTU:  hci.DefaultMTU,
	}
}

func (f *connFront) LocalAddr() ble.Addr  { return f.local }
func (f *connFront) RemoteAddr() ble.Addr { return f.remote }
func (f *connFront) Handle() uint16       { return f.handle }
func (f *connFront) Role() ble.Role       { return f.role }

func (f *connFront) RxMTU() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rxMTU
}

func (f *connFront) SetRxMTU(mtu int) {
	f.mu.Lock()
	f.rxMTU = mtu
	f.mu.Unlock()
}

func (f *connFront) TxMTU() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txMTU
}

func (f *connFront) SetTxMTU(mtu int) {
	f.mu.Lock()
	f.txMTU = mtu
	f.mu.Unlock()
}

// Events returns the connection's lifecycle event queue.
func (f *connFront) Events() <-chan ConnEvent { return f.events }

func (f *connFront) Disconnected() <-chan struct{} { return f.disc }

func (f *connFront) ReadPDU(ctx context.Context) ([]byte, error) {
	pkt, err := f.att.rxq.Pop(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]byte, pkt.Len())
	copy(out, pkt.Bytes())
	f.s.pool.Put(pkt)
	return out, nil
}

func (f *connFront) WritePDU(ctx context.Context, b []byte) error {
	pkt, err := f.preparePDU(b)
	if err != nil {
		return err
	}
	if err := f.att.txq.Push(ctx, pkt); err != nil {
		f.s.pool.Put(pkt)
		return err
	}
	f.s.kick()
	return nil
}

func (f *connFront) TryWritePDU(b []byte) error {
	pkt, err := f.preparePDU(b)
	if err != nil {
		return err
	}
	if err := f.att.txq.TryPush(pkt); err != nil {
		f.s.pool.Put(pkt)
		return err
	}
	f.s.kick()
	return nil
}

func (f *connFront) preparePDU(b []byte) (*Packet, error) {
	if len(b) > f.TxMTU() {
		return nil, errors.Wrapf(ble.ErrMTUExceeded, "pdu %d > att mtu %d", len(b), f.TxMTU())
	}
	pkt, err := f.s.pool.Get()
	if err != nil {
		return nil, err
	}
	if err := pkt.Set(b); err != nil {
		f.s.pool.Put(pkt)
		return nil, err
	}
	return pkt, nil
}

func (f *connFront) OpenChannel(ctx context.Context, psm uint16) (ble.Channel, error) {
	return f.s.openChannel(ctx, f.c, f.disc, psm)
}

// Close initiates disconnection; completion is observed on Disconnected.
func (f *connFront) Close() error {
	err := f.s.do(func() {
		c := f.c
		if c.disconnected != f.disc || c.state != connConnected {
			return
		}
		c.state = connDisconnecting
		f.s.asyncCmd(&cmd.Disconnect{
			ConnectionHandle: c.handle,
			Reason:           hci.ErrCodeRemoteTerminated,
		})
	})
	f.s.kick()
	return err
}

// advertisement is a scan report handed to AdvHandlers.
type advertisement struct {
	addr      ble.Addr
	eventType uint8
	rssi      int
	data      []byte
	fields    *ble.AdvFields
}

func (a *advertisement) LocalName() string {
	if a.fields == nil {
		return ""
	}
	return a.fields.Name
}

func (a *advertisement) ManufacturerData() []byte {
	if a.fields == nil {
		return nil
	}
	return a.fields.ManufacturerData
}

func (a *advertisement) Services() []ble.UUID {
	if a.fields == nil {
		return nil
	}
	return a.fields.Services
}

func (a *advertisement) RSSI() int      { return a.rssi }
func (a *advertisement) Addr() ble.Addr { return a.addr }
func (a *advertisement) Data() []byte   { return a.data }

// Connectable reports ADV_IND and ADV_DIRECT_IND events.
func (a *advertisement) Connectable() bool {
	return a.eventType == 0x00 || a.eventType == 0x01
}
