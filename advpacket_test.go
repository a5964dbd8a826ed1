package ble

import (
	"bytes"
	"strings"
	"testing"
)

func TestAdvPacketBuild(t *testing.T) {
	p, err := NewAdvPacket(
		AdvFlags(0x06),
		AdvCompleteName("beacon"),
		AdvAllUUID(UUID16(0x180F)),
		AdvManufacturerData(0x02E5, []byte{0xAB}),
	)
	if err != nil {
		t.Fatalf("NewAdvPacket: %v", err)
	}
	want := []byte{
		0x02, 0x01, 0x06,
		0x07, 0x09, 'b', 'e', 'a', 'c', 'o', 'n',
		0x03, 0x03, 0x0F, 0x18,
		0x04, 0xFF, 0xE5, 0x02, 0xAB,
	}
	if !bytes.Equal(p.Bytes(), want) {
		t.Fatalf("payload % x, want % x", p.Bytes(), want)
	}

	// built payloads parse back
	f, err := ParseAdvData(p.Bytes())
	if err != nil {
		t.Fatalf("ParseAdvData: %v", err)
	}
	if f.Name != "beacon" || f.Flags != 0x06 {
		t.Fatalf("parsed fields %+v", f)
	}
	if len(f.Services) != 1 || !f.Services[0].Equal(UUID16(0x180F)) {
		t.Fatalf("parsed services %v", f.Services)
	}
}

func TestAdvPacketOverflow(t *testing.T) {
	// 3 flag bytes + 2 header bytes leave room for a 26-byte name
	if _, err := NewAdvPacket(
		AdvFlags(0x06),
		AdvCompleteName(strings.Repeat("x", 27)),
	); err != ErrNotFit {
		t.Fatalf("oversized packet: %v, want ErrNotFit", err)
	}

	p, err := NewAdvPacket(AdvFlags(0x06), AdvCompleteName(strings.Repeat("x", 26)))
	if err != nil {
		t.Fatalf("exact fit rejected: %v", err)
	}
	if p.Len() != MaxAdvPacketLength {
		t.Fatalf("payload length %d, want %d", p.Len(), MaxAdvPacketLength)
	}

	// a failed append leaves the packet intact
	if err := p.Append(AdvFlags(0x06)); err != ErrNotFit {
		t.Fatalf("append to full packet: %v, want ErrNotFit", err)
	}
	if p.Len() != MaxAdvPacketLength {
		t.Fatalf("failed append mutated the packet: %d bytes", p.Len())
	}
}

func TestAdvPacketRaw(t *testing.T) {
	raw := []byte{0x02, 0x01, 0x04}
	p, err := NewAdvPacket(AdvRaw(raw))
	if err != nil {
		t.Fatalf("NewAdvPacket: %v", err)
	}
	if !bytes.Equal(p.Bytes(), raw) {
		t.Fatalf("payload % x", p.Bytes())
	}
	if err := p.Append(AdvRaw(make([]byte, 29))); err != ErrNotFit {
		t.Fatalf("oversized raw append: %v, want ErrNotFit", err)
	}
}

func TestAdvPacket128BitUUID(t *testing.T) {
	u := MustParseUUID("ABCDEF01-2345-6789-ABCD-EF0123456789")
	p, err := NewAdvPacket(AdvSomeUUID(u))
	if err != nil {
		t.Fatalf("NewAdvPacket: %v", err)
	}
	f, err := ParseAdvData(p.Bytes())
	if err != nil {
		t.Fatalf("ParseAdvData: %v", err)
	}
	if len(f.Services) != 1 || !f.Services[0].Equal(u) {
		t.Fatalf("parsed services %v", f.Services)
	}
}
