package host

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
	"github.com/embhost/ble/hci/cmd"
)

// Central is the front-end for initiating connections and scanning.
type Central struct {
	s *Stack
}

// default connection parameters: 7.5ms scan interval/window while
// initiating, 30-50ms connection interval, 4s supervision timeout
var defaultCreateConn = cmd.LECreateConnection{
	LEScanInterval:        0x0060,
	LEScanWindow:          0x0060,
	InitiatorFilterPolicy: 0x00,
	PeerAddressType:       0x00,
	OwnAddressType:        0x00,
	ConnIntervalMin:       0x0018,
	ConnIntervalMax:       0x0028,
	ConnLatency:           0x0000,
	SupervisionTimeout:    0x0190,
	MinimumCELength:       0x0000,
	MaximumCELength:       0x0000,
}

// wireAddr converts an address to its little-endian on-air form.
func wireAddr(a ble.Addr) [6]byte {
	var w [6]byte
	b := a.Bytes()
	for i := 0; i < 6 && i < len(b); i++ {
		w[i] = b[len(b)-1-i]
	}
	return w
}

// Dial connects to peer. The attempt is bounded by ctx and the configured
// dialer timeout; on cancellation the pending LE Create Connection is
// canceled and the slot released.
func (cn *Central) Dial(ctx context.Context, peer ble.Addr) (ble.Conn, error) {
	s := cn.s
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	if s.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.dialTimeout)
		defer cancel()
	}
	var c *conn
	var allocErr error
	if err := s.doSync(func() {
		c, allocErr = s.conns.alloc()
		if allocErr == nil {
			c.dialDone = make(chan error, 1)
		}
	}); err != nil {
		return nil, err
	}
	if allocErr != nil {
		return nil, allocErr
	}
	release := func() {
		s.do(func() {
			if c.state == connConnecting {
				c.state = connIdle
			}
		})
	}
	cc := defaultCreateConn
	cc.PeerAddress = wireAddr(peer)
	if err := s.Send(ctx, &cc, nil); err != nil {
		release()
		return nil, err
	}
	select {
	case err := <-c.dialDone:
		if err != nil {
			release()
			return nil, errors.Wrap(err, "dial")
		}
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.Send(cctx, &cmd.LECreateConnectionCancel{}, nil); err != nil {
			logger.Warnf("create connection cancel: %v", err)
		}
		// the controller answers a cancel with a connection complete,
		// either failed or won by a race
		select {
		case err := <-c.dialDone:
			if err == nil {
				break // connected after all, use it
			}
			release()
			return nil, ctx.Err()
		case <-time.After(time.Second):
			release()
			return nil, ctx.Err()
		}
	case <-s.done:
		return nil, errors.Wrap(ble.ErrClosed, "stack stopped")
	}
	var front *connFront
	if err := s.doSync(func() {
		if c.state == connConnected {
			front = s.newConnFront(c)
		}
	}); err != nil {
		return nil, err
	}
	if front == nil {
		return nil, errors.Wrap(ble.ErrInvalidState, "connection lost during dial")
	}
	return front, nil
}

// Scan runs scanning until ctx is done, delivering reports to h on the
// runner goroutine; h must not block.
func (cn *Central) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	s := cn.s
	if err := s.waitReady(ctx); err != nil {
		return err
	}
	if err := s.doSync(func() { s.advHandler = h }); err != nil {
		return err
	}
	defer s.doSync(func() { s.advHandler = nil })
	if err := s.Send(ctx, &cmd.LESetScanParameters{
		LEScanType:           0x01, // active
		LEScanInterval:       0x0060,
		LEScanWindow:         0x0030,
		OwnAddressType:       0x00,
		ScanningFilterPolicy: 0x00,
	}, nil); err != nil {
		return err
	}
	fd := uint8(0x01)
	if allowDup {
		fd = 0x00
	}
	if err := s.Send(ctx, &cmd.LESetScanEnable{LEScanEnable: 1, FilterDuplicates: fd}, nil); err != nil {
		return err
	}
	<-ctx.Done()
	octx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Send(octx, &cmd.LESetScanEnable{LEScanEnable: 0}, nil); err != nil {
		logger.Warnf("scan disable: %v", err)
	}
	return ctx.Err()
}
