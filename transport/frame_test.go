package transport

import (
	"bytes"
	"testing"

	"github.com/embhost/ble/hci"
)

func collect(t *testing.T, out chan []byte, n int) [][]byte {
	t.Helper()
	var pkts [][]byte
	for i := 0; i < n; i++ {
		select {
		case p := <-out:
			pkts = append(pkts, p)
		default:
			t.Fatalf("only %d of %d packets assembled", i, n)
		}
	}
	select {
	case p := <-out:
		t.Fatalf("unexpected extra packet: % x", p)
	default:
	}
	return pkts
}

func TestAssembleWholePackets(t *testing.T) {
	out := make(chan []byte, 8)
	f := newFrame(out)

	evt := []byte{hci.PktTypeEvent, 0x0E, 0x04, 0x01, 0x03, 0x0C, 0x00}
	acl := []byte{hci.PktTypeACLData, 0x01, 0x20, 0x03, 0x00, 0xAA, 0xBB, 0xCC}
	f.Assemble(evt)
	f.Assemble(acl)

	pkts := collect(t, out, 2)
	if !bytes.Equal(pkts[0], evt) {
		t.Fatalf("event = % x", pkts[0])
	}
	if !bytes.Equal(pkts[1], acl) {
		t.Fatalf("acl = % x", pkts[1])
	}
}

func TestAssembleByteAtATime(t *testing.T) {
	out := make(chan []byte, 8)
	f := newFrame(out)

	evt := []byte{hci.PktTypeEvent, 0x13, 0x05, 0x01, 0x01, 0x00, 0x01, 0x00}
	for _, b := range evt {
		f.Assemble([]byte{b})
	}
	pkts := collect(t, out, 1)
	if !bytes.Equal(pkts[0], evt) {
		t.Fatalf("event = % x", pkts[0])
	}
}

func TestAssembleCoalescedPackets(t *testing.T) {
	out := make(chan []byte, 8)
	f := newFrame(out)

	evt1 := []byte{hci.PktTypeEvent, 0x0E, 0x04, 0x01, 0x03, 0x0C, 0x00}
	evt2 := []byte{hci.PktTypeEvent, 0x05, 0x04, 0x00, 0x01, 0x00, 0x13}
	stream := append(append([]byte{}, evt1...), evt2...)
	// split in the middle of the second packet
	f.Assemble(stream[:9])
	f.Assemble(stream[9:])

	pkts := collect(t, out, 2)
	if !bytes.Equal(pkts[0], evt1) || !bytes.Equal(pkts[1], evt2) {
		t.Fatalf("assembled % x and % x", pkts[0], pkts[1])
	}
}

func TestAssembleSkipsGarbage(t *testing.T) {
	out := make(chan []byte, 8)
	f := newFrame(out)

	evt := []byte{hci.PktTypeEvent, 0x0E, 0x04, 0x01, 0x03, 0x0C, 0x00}
	f.Assemble(append([]byte{0x00, 0xFF, 0x7E}, evt...))

	pkts := collect(t, out, 1)
	if !bytes.Equal(pkts[0], evt) {
		t.Fatalf("event = % x", pkts[0])
	}
}

func TestAssembleLargeACL(t *testing.T) {
	out := make(chan []byte, 8)
	f := newFrame(out)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	pkt := make([]byte, 5+len(payload))
	hci.PutACLHeader(pkt, 0x0001, hci.PbfControllerToHostStart, len(payload))
	copy(pkt[5:], payload)

	// feed in uneven chunks
	for off := 0; off < len(pkt); {
		n := 37
		if off+n > len(pkt) {
			n = len(pkt) - off
		}
		f.Assemble(pkt[off : off+n])
		off += n
	}
	pkts := collect(t, out, 1)
	if !bytes.Equal(pkts[0], pkt) {
		t.Fatalf("assembled %d bytes, want %d", len(pkts[0]), len(pkt))
	}
}
