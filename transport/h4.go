package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

const rxQueueSize = 64

// h4 adapts a byte-stream link carrying H4-framed HCI traffic to the
// packet-oriented Transport contract.
type h4 struct {
	link io.ReadWriteCloser

	rmu sync.Mutex
	wmu sync.Mutex

	rxQueue chan []byte

	done chan struct{}
	cmu  sync.Mutex
}

// DefaultSerialOptions returns the serial settings expected by most H4
// controller firmware.
func DefaultSerialOptions(path string) serial.OpenOptions {
	return serial.OpenOptions{
		PortName:              path,
		BaudRate:              1000000,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}
}

// NewH4Uart opens an H4 UART transport.
func NewH4Uart(opts serial.OpenOptions) (Transport, error) {
	// the frame assembler depends on short reads, not blocking ones
	opts.MinimumReadSize = 0
	if opts.InterCharacterTimeout == 0 {
		opts.InterCharacterTimeout = 100
	}

	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open serial port")
	}
	return newH4(sp), nil
}

// NewH4Socket connects to an H4 server over TCP, as exposed by emulated
// controllers and HCI forwarders.
func NewH4Socket(addr string, timeout time.Duration) (Transport, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrap(err, "dial h4 socket")
	}
	return newH4(c), nil
}

func newH4(link io.ReadWriteCloser) *h4 {
	h := &h4{
		link:    link,
		rxQueue: make(chan []byte, rxQueueSize),
		done:    make(chan struct{}),
	}
	go h.rxLoop()
	return h
}

func (h *h4) Read(p []byte) (int, error) {
	h.rmu.Lock()
	defer h.rmu.Unlock()

	select {
	case <-h.done:
		return 0, io.EOF
	case pkt, ok := <-h.rxQueue:
		if !ok {
			return 0, io.EOF
		}
		if len(p) < len(pkt) {
			return 0, errors.Errorf("buffer too small: %d < %d", len(p), len(pkt))
		}
		return copy(p, pkt), nil
	}
}

func (h *h4) Write(p []byte) (int, error) {
	if !h.isOpen() {
		return 0, io.EOF
	}

	h.wmu.Lock()
	defer h.wmu.Unlock()
	n, err := h.link.Write(p)
	return n, errors.Wrap(err, "write h4")
}

func (h *h4) Close() error {
	h.cmu.Lock()
	defer h.cmu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
		close(h.done)
		return errors.Wrap(h.link.Close(), "close h4")
	}
}

func (h *h4) isOpen() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *h4) rxLoop() {
	fr := newFrame(h.rxQueue)
	tmp := make([]byte, 512)
	for {
		select {
		case <-h.done:
			return
		default:
		}

		n, err := h.link.Read(tmp)
		if err != nil {
			h.Close()
			return
		}
		if n == 0 {
			continue
		}
		fr.Assemble(tmp[:n])
	}
}
