package hci

import "encoding/binary"

// ACLPacket is a view over an HCI ACL Data Packet with the packet indicator
// stripped [Vol 2, Part E, 5.4.2]. Broadcast flags are unused on LE-U.
type ACLPacket []byte

// Handle returns the connection handle.
func (a ACLPacket) Handle() uint16 { return uint16(a[0]) | (uint16(a[1]&0x0f) << 8) }

// PBF returns the packet boundary flags.
func (a ACLPacket) PBF() int { return (int(a[1]) >> 4) & 0x3 }

// DataLen returns the payload length declared in the ACL header.
func (a ACLPacket) DataLen() int { return int(a[2]) | (int(a[3]) << 8) }

// Data returns the ACL payload.
func (a ACLPacket) Data() []byte { return a[4:] }

// Valid reports whether the header is complete and the payload matches the
// declared length.
func (a ACLPacket) Valid() bool {
	return len(a) >= 4 && len(a.Data()) == a.DataLen()
}

// PutACLHeader writes packet indicator plus ACL header into b, which must
// hold at least 5 bytes, and returns the header length.
func PutACLHeader(b []byte, handle uint16, pbf uint16, dlen int) int {
	b[0] = PktTypeACLData
	binary.LittleEndian.PutUint16(b[1:], handle|(pbf<<12))
	binary.LittleEndian.PutUint16(b[3:], uint16(dlen))
	return 5
}

// PDU is a view over a complete L2CAP PDU (B-frame or the first K-frame of
// an SDU): 2-byte length, 2-byte CID, payload.
type PDU []byte

// DataLen returns the declared payload length.
func (p PDU) DataLen() int { return int(binary.LittleEndian.Uint16(p[0:2])) }

// CID returns the channel identifier.
func (p PDU) CID() uint16 { return binary.LittleEndian.Uint16(p[2:4]) }

// Payload returns the PDU payload.
func (p PDU) Payload() []byte { return p[4:] }

// Complete reports whether all declared payload bytes are present.
func (p PDU) Complete() bool { return len(p) >= 4 && len(p.Payload()) >= p.DataLen() }

// PutPDUHeader writes an L2CAP basic header into b and returns its length.
func PutPDUHeader(b []byte, cid uint16, dlen int) int {
	binary.LittleEndian.PutUint16(b[0:], uint16(dlen))
	binary.LittleEndian.PutUint16(b[2:], cid)
	return 4
}
