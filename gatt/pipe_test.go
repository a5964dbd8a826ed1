package gatt

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
)

// pipeConn is an in-memory ble.Conn half; two cross-connected halves form an
// ATT transport for server/client tests.
type pipeConn struct {
	local  ble.Addr
	remote ble.Addr
	rx     chan []byte
	tx     chan []byte
	done   chan struct{}
	once   *sync.Once

	mu    sync.Mutex
	rxMTU int
	txMTU int
}

// newConnPipe returns the two ends of a pipe whose per-direction buffer holds
// buf PDUs. buf 0 makes every write block until the peer reads.
func newConnPipe(buf int) (*pipeConn, *pipeConn) {
	ab := make(chan []byte, buf)
	ba := make(chan []byte, buf)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{
		local:  ble.NewAddr("11:11:11:11:11:11"),
		remote: ble.NewAddr("22:22:22:22:22:22"),
		rx:     ba, tx: ab,
		done: done, once: once,
		rxMTU: 23, txMTU: 23,
	}
	b := &pipeConn{
		local:  ble.NewAddr("22:22:22:22:22:22"),
		remote: ble.NewAddr("11:11:11:11:11:11"),
		rx:     ab, tx: ba,
		done: done, once: once,
		rxMTU: 23, txMTU: 23,
	}
	return a, b
}

func (p *pipeConn) LocalAddr() ble.Addr  { return p.local }
func (p *pipeConn) RemoteAddr() ble.Addr { return p.remote }
func (p *pipeConn) Handle() uint16       { return 0x0001 }
func (p *pipeConn) Role() ble.Role       { return ble.RoleCentral }

func (p *pipeConn) RxMTU() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rxMTU
}

func (p *pipeConn) SetRxMTU(mtu int) {
	p.mu.Lock()
	p.rxMTU = mtu
	p.mu.Unlock()
}

func (p *pipeConn) TxMTU() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txMTU
}

func (p *pipeConn) SetTxMTU(mtu int) {
	p.mu.Lock()
	p.txMTU = mtu
	p.mu.Unlock()
}

func (p *pipeConn) ReadPDU(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.rx:
		return b, nil
	case <-p.done:
		return nil, ble.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WritePDU(ctx context.Context, b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case p.tx <- cp:
		return nil
	case <-p.done:
		return ble.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) TryWritePDU(b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case <-p.done:
		return ble.ErrClosed
	default:
	}
	select {
	case p.tx <- cp:
		return nil
	default:
		return ble.ErrQueueFull
	}
}

func (p *pipeConn) OpenChannel(ctx context.Context, psm uint16) (ble.Channel, error) {
	return nil, errors.Wrap(ble.ErrInvalidState, "pipe carries only att")
}

func (p *pipeConn) Disconnected() <-chan struct{} { return p.done }

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
