package host

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
	"github.com/embhost/ble/hci/cmd"
)

// Peripheral is the front-end for advertising and accepting connections.
type Peripheral struct {
	s *Stack
}

// AdvSet is an application handle on one advertising set slot.
type AdvSet struct {
	s *Stack
	a *advSet
}

// NewAdvSet claims an advertising set slot.
func (p *Peripheral) NewAdvSet() (*AdvSet, error) {
	var a *advSet
	var allocErr error
	if err := p.s.doSync(func() { a, allocErr = p.s.advs.alloc() }); err != nil {
		return nil, err
	}
	if allocErr != nil {
		return nil, allocErr
	}
	return &AdvSet{s: p.s, a: a}, nil
}

// Configure replaces the set's payloads and parameters. Allowed while the
// set is enabled only after disabling it first.
func (as *AdvSet) Configure(advData, scanRsp []byte, interval uint16, connectable bool) error {
	var cfgErr error
	err := as.s.doSync(func() {
		if as.a.state == advEnabled {
			cfgErr = errors.Wrap(ble.ErrInvalidState, "set is enabled")
			return
		}
		if as.a.state == advFree {
			cfgErr = errors.Wrap(ble.ErrInvalidState, "set is released")
			return
		}
		cfgErr = as.a.configure(advData, scanRsp, interval, connectable)
	})
	if err != nil {
		return err
	}
	return cfgErr
}

// Enable programs the controller with the set's parameters and payloads and
// starts advertising. Only one set can be enabled at a time on a legacy
// advertiser.
func (as *AdvSet) Enable(ctx context.Context) error {
	s := as.s
	if err := s.waitReady(ctx); err != nil {
		return err
	}
	var claimErr error
	var params cmd.LESetAdvertisingParameters
	var advData cmd.LESetAdvertisingData
	var scanRsp cmd.LESetScanResponseData
	haveScanRsp := false
	if err := s.doSync(func() {
		if as.a.state != advConfigured {
			claimErr = errors.Wrap(ble.ErrInvalidState, "set not configured")
			return
		}
		if e := s.advs.enabled(); e != nil {
			claimErr = errors.Wrap(ble.ErrInvalidState, "another set is enabled")
			return
		}
		interval := as.a.interval
		if interval == 0 {
			interval = 0x00A0 // 100ms
		}
		advType := uint8(0x03) // ADV_NONCONN_IND
		switch {
		case as.a.connectable:
			advType = 0x00 // ADV_IND
		case as.a.scanLen > 0:
			advType = 0x02 // ADV_SCAN_IND
		}
		ownType := uint8(0x00)
		if s.randomAddr != nil {
			ownType = 0x01
		}
		params = cmd.LESetAdvertisingParameters{
			AdvertisingIntervalMin:  interval,
			AdvertisingIntervalMax:  interval,
			AdvertisingType:         advType,
			OwnAddressType:          ownType,
			AdvertisingChannelMap:   0x07,
			AdvertisingFilterPolicy: 0x00,
		}
		advData.AdvertisingDataLength = uint8(as.a.advLen)
		copy(advData.AdvertisingData[:], as.a.advData[:as.a.advLen])
		if as.a.scanLen > 0 {
			haveScanRsp = true
			scanRsp.ScanResponseDataLength = uint8(as.a.scanLen)
			copy(scanRsp.ScanResponseData[:], as.a.scanRsp[:as.a.scanLen])
		}
	}); err != nil {
		return err
	}
	if claimErr != nil {
		return claimErr
	}
	if err := s.Send(ctx, &params, nil); err != nil {
		return err
	}
	if err := s.Send(ctx, &advData, nil); err != nil {
		return err
	}
	if haveScanRsp {
		if err := s.Send(ctx, &scanRsp, nil); err != nil {
			return err
		}
	}
	if err := s.Send(ctx, &cmd.LESetAdvertiseEnable{AdvertisingEnable: 1}, nil); err != nil {
		return err
	}
	return s.doSync(func() { as.a.state = advEnabled })
}

// Disable stops advertising for this set.
func (as *AdvSet) Disable(ctx context.Context) error {
	s := as.s
	var wasEnabled bool
	if err := s.doSync(func() {
		wasEnabled = as.a.state == advEnabled
		if wasEnabled {
			as.a.state = advConfigured
		}
	}); err != nil {
		return err
	}
	if !wasEnabled {
		return nil
	}
	return s.Send(ctx, &cmd.LESetAdvertiseEnable{AdvertisingEnable: 0}, nil)
}

// Release returns the slot to the table, disabling it first if needed.
func (as *AdvSet) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := as.Disable(ctx); err != nil {
		logger.Warnf("advertising disable: %v", err)
	}
	return as.s.doSync(func() { as.a.release() })
}

// Accept returns the next incoming connection. The configured listener
// timeout applies in addition to ctx.
func (p *Peripheral) Accept(ctx context.Context) (ble.Conn, error) {
	s := p.s
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	if s.listenerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.listenerTimeout)
		defer cancel()
	}
	select {
	case c := <-s.incoming:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errors.Wrap(ble.ErrClosed, "stack stopped")
	}
}
