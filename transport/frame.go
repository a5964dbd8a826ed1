package transport

import (
	"time"

	"github.com/pkg/errors"

	"github.com/embhost/ble/hci"
)

const assembleTimeout = 500 * time.Millisecond

// frame reassembles complete HCI packets out of an H4 byte stream. Bytes
// preceding a recognizable packet indicator are discarded, and a partial
// frame that stalls longer than assembleTimeout is dropped.
type frame struct {
	b        []byte
	deadline time.Time
	out      chan []byte
}

func newFrame(out chan []byte) *frame {
	return &frame{
		b:   make([]byte, 0, 256),
		out: out,
	}
}

func (f *frame) Assemble(b []byte) {
	if len(b) == 0 {
		return
	}
	if len(f.b) > 0 && !f.deadline.IsZero() && time.Now().After(f.deadline) {
		f.reset()
	}

	if len(f.b) == 0 {
		b = f.seekStart(b)
		if len(b) == 0 {
			return
		}
		f.deadline = time.Now().Add(assembleTimeout)
	}
	f.b = append(f.b, b...)

	for {
		pkt, err := f.complete()
		if err != nil {
			return // need more bytes
		}
		out := make([]byte, len(pkt))
		copy(out, pkt)
		f.out <- out

		rem := f.b[len(pkt):]
		f.reset()
		if len(rem) == 0 {
			return
		}
		rem = f.seekStart(rem)
		if len(rem) == 0 {
			return
		}
		f.deadline = time.Now().Add(assembleTimeout)
		f.b = append(f.b, rem...)
	}
}

func (f *frame) reset() {
	f.b = f.b[:0]
	f.deadline = time.Time{}
}

// seekStart drops garbage until an event or ACL packet indicator.
func (f *frame) seekStart(b []byte) []byte {
	for i, v := range b {
		if v == hci.PktTypeEvent || v == hci.PktTypeACLData {
			return b[i:]
		}
	}
	return nil
}

// complete returns the leading whole packet of the assembly buffer, or an
// error when more bytes are needed.
func (f *frame) complete() ([]byte, error) {
	n, err := f.packetLength()
	if err != nil {
		return nil, err
	}
	if len(f.b) < n {
		return nil, errors.New("incomplete frame")
	}
	return f.b[:n], nil
}

func (f *frame) packetLength() (int, error) {
	switch f.b[0] {
	case hci.PktTypeEvent:
		if len(f.b) < 3 {
			return 0, errors.New("short event header")
		}
		return 3 + int(f.b[2]), nil
	case hci.PktTypeACLData:
		if len(f.b) < 5 {
			return 0, errors.New("short acl header")
		}
		return 5 + (int(f.b[3]) | int(f.b[4])<<8), nil
	default:
		return 0, errors.Errorf("invalid packet indicator 0x%02x", f.b[0])
	}
}
