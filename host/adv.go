package host

import (
	"github.com/pkg/errors"

	"github.com/embhost/ble"
)

type advState uint8

const (
	advFree advState = iota
	advConfigured
	advEnabled
)

// advSet is one advertising set slot: its payload, parameters and enable
// state. The controller abstraction used here exposes a single legacy
// advertiser, so at most one set is enabled at a time; the table still
// bounds how many configured sets the application may hold.
type advSet struct {
	slot  int
	state advState

	advData     [31]byte
	advLen      int
	scanRsp     [31]byte
	scanLen     int
	interval    uint16
	connectable bool
}

type advTable struct {
	slots []*advSet
}

func newAdvTable(n int) *advTable {
	t := &advTable{slots: make([]*advSet, n)}
	for i := range t.slots {
		t.slots[i] = &advSet{slot: i}
	}
	return t
}

func (t *advTable) alloc() (*advSet, error) {
	for _, a := range t.slots {
		if a.state == advFree {
			a.state = advConfigured
			return a, nil
		}
	}
	return nil, errors.Wrap(ble.ErrTableFull, "advertising set table")
}

// configure validates and stores the payloads. Data beyond the legacy 31
// byte limit is rejected rather than truncated.
func (a *advSet) configure(adv, rsp []byte, interval uint16, connectable bool) error {
	if len(adv) > len(a.advData) || len(rsp) > len(a.scanRsp) {
		return errors.Wrap(ble.ErrMTUExceeded, "advertising payload")
	}
	a.advLen = copy(a.advData[:], adv)
	a.scanLen = copy(a.scanRsp[:], rsp)
	a.interval = interval
	a.connectable = connectable
	return nil
}

// enabled reports the currently enabled set, if any.
func (t *advTable) enabled() *advSet {
	for _, a := range t.slots {
		if a.state == advEnabled {
			return a
		}
	}
	return nil
}

func (a *advSet) release() {
	*a = advSet{slot: a.slot}
}
