package transport

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/embhost/ble/hci"
	"github.com/embhost/ble/hci/evt"
)

const loopbackQueueSize = 64

// Loopback is an in-memory controller emulator. It answers the command set
// the host issues during bring-up with successful Command Complete events and
// hands everything else to the test through taps and injectors, so the whole
// host stack can be exercised without radio hardware.
type Loopback struct {
	mu     sync.Mutex
	toHost chan []byte
	acl    chan []byte
	done   chan struct{}

	bdaddr  [6]byte
	bufSize uint16
	bufCnt  uint8

	// AutoAckACL emits a Number Of Completed Packets event for every ACL
	// packet the host writes, mimicking an unconstrained controller.
	AutoAckACL bool

	// OnCommand, when set, observes every command the host issues.
	OnCommand func(opcode int, params []byte)
}

// NewLoopback returns a loopback controller with a fixed address and
// LE buffer claims of size 27 x count 8.
func NewLoopback() *Loopback {
	return &Loopback{
		toHost:     make(chan []byte, loopbackQueueSize),
		acl:        make(chan []byte, loopbackQueueSize),
		done:       make(chan struct{}),
		bdaddr:     [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		bufSize:    27,
		bufCnt:     8,
		AutoAckACL: true,
	}
}

// SetLEBufferSize overrides the controller's claimed LE ACL buffer geometry.
func (l *Loopback) SetLEBufferSize(size uint16, cnt uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bufSize, l.bufCnt = size, cnt
}

func (l *Loopback) Read(p []byte) (int, error) {
	select {
	case <-l.done:
		return 0, io.EOF
	case pkt := <-l.toHost:
		if len(p) < len(pkt) {
			return 0, io.ErrShortBuffer
		}
		return copy(p, pkt), nil
	}
}

func (l *Loopback) Write(p []byte) (int, error) {
	select {
	case <-l.done:
		return 0, io.EOF
	default:
	}
	if len(p) == 0 {
		return 0, nil
	}

	switch p[0] {
	case hci.PktTypeCommand:
		l.handleCommand(p[1:])
	case hci.PktTypeACLData:
		cp := make([]byte, len(p)-1)
		copy(cp, p[1:])
		select {
		case l.acl <- cp:
		case <-l.done:
			return 0, io.EOF
		}
		if l.AutoAckACL {
			l.AckACL(hci.ACLPacket(cp).Handle(), 1)
		}
	}
	return len(p), nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

// SentACL exposes the ACL packets the host wrote, headers included.
func (l *Loopback) SentACL() <-chan []byte { return l.acl }

func (l *Loopback) handleCommand(b []byte) {
	if len(b) < 3 {
		return
	}
	opcode := int(b[0]) | int(b[1])<<8
	params := b[3:]
	if l.OnCommand != nil {
		l.OnCommand(opcode, params)
	}

	l.mu.Lock()
	var rp []byte
	switch opcode {
	case 0x04<<10 | 0x0009: // Read BD_ADDR
		rp = append([]byte{0x00}, l.bdaddr[:]...)
	case 0x04<<10 | 0x0005: // Read Buffer Size
		rp = make([]byte, 8)
		binary.LittleEndian.PutUint16(rp[1:], l.bufSize)
		rp[3] = 0
		binary.LittleEndian.PutUint16(rp[4:], uint16(l.bufCnt))
		binary.LittleEndian.PutUint16(rp[6:], 0)
	case 0x08<<10 | 0x0002: // LE Read Buffer Size
		rp = make([]byte, 4)
		binary.LittleEndian.PutUint16(rp[1:], l.bufSize)
		rp[3] = l.bufCnt
	default:
		rp = []byte{0x00} // success
	}
	l.mu.Unlock()

	// Command Complete: NumHCICommandPackets, opcode, return parameters
	params = append([]byte{0x01, byte(opcode), byte(opcode >> 8)}, rp...)
	l.InjectEvent(evt.CommandCompleteCode, params)
}

// InjectEvent queues an HCI event packet for the host.
func (l *Loopback) InjectEvent(code uint8, params []byte) {
	pkt := make([]byte, 0, 3+len(params))
	pkt = append(pkt, hci.PktTypeEvent, code, uint8(len(params)))
	pkt = append(pkt, params...)
	select {
	case l.toHost <- pkt:
	case <-l.done:
	}
}

// InjectLEMeta queues an LE Meta event; params begin with the subevent code.
func (l *Loopback) InjectLEMeta(params []byte) {
	l.InjectEvent(evt.LEMetaCode, params)
}

// CompleteConnection reports a successful LE Connection Complete with the
// given handle, role, and peer address.
func (l *Loopback) CompleteConnection(handle uint16, role uint8, peer [6]byte) {
	p := make([]byte, 19)
	p[0] = evt.LEConnectionCompleteSubCode
	p[1] = 0x00 // status
	binary.LittleEndian.PutUint16(p[2:], handle)
	p[4] = role
	p[5] = 0x00 // public peer address
	copy(p[6:12], peer[:])
	binary.LittleEndian.PutUint16(p[12:], 0x0028) // interval
	binary.LittleEndian.PutUint16(p[14:], 0x0000) // latency
	binary.LittleEndian.PutUint16(p[16:], 0x0048) // supervision timeout
	p[18] = 0x00                                  // clock accuracy
	l.InjectLEMeta(p)
}

// CompleteDisconnection reports a Disconnection Complete for handle.
func (l *Loopback) CompleteDisconnection(handle uint16, reason uint8) {
	p := make([]byte, 4)
	p[0] = 0x00
	binary.LittleEndian.PutUint16(p[1:], handle)
	p[3] = reason
	l.InjectEvent(evt.DisconnectionCompleteCode, p)
}

// AckACL returns n controller buffers for handle via Number Of Completed
// Packets.
func (l *Loopback) AckACL(handle uint16, n uint16) {
	p := make([]byte, 5)
	p[0] = 1
	binary.LittleEndian.PutUint16(p[1:], handle)
	binary.LittleEndian.PutUint16(p[3:], n)
	l.InjectEvent(evt.NumberOfCompletedPacketsCode, p)
}

// InjectACL queues an ACL data packet carrying payload as its data field.
func (l *Loopback) InjectACL(handle uint16, pbf uint16, payload []byte) {
	pkt := make([]byte, 5+len(payload))
	hci.PutACLHeader(pkt, handle, pbf, len(payload))
	copy(pkt[5:], payload)
	select {
	case l.toHost <- pkt:
	case <-l.done:
	}
}

// InjectPDU queues a complete L2CAP B-frame for handle/cid in one ACL packet.
func (l *Loopback) InjectPDU(handle uint16, cid uint16, payload []byte) {
	b := make([]byte, 4+len(payload))
	hci.PutPDUHeader(b, cid, len(payload))
	copy(b[4:], payload)
	l.InjectACL(handle, hci.PbfControllerToHostStart, b)
}

// InjectAdvReport queues a single-report LE Advertising Report.
func (l *Loopback) InjectAdvReport(eventType uint8, addr [6]byte, data []byte, rssi int8) {
	p := make([]byte, 0, 12+len(data))
	p = append(p, evt.LEAdvertisingReportSubCode, 1, eventType, 0x00)
	p = append(p, addr[:]...)
	p = append(p, uint8(len(data)))
	p = append(p, data...)
	p = append(p, uint8(rssi))
	l.InjectLEMeta(p)
}
