package ble

// MaxAdvPacketLength is the payload capacity of a legacy advertising PDU.
const MaxAdvPacketLength = 31

// AdvPacket builds advertising or scan response payloads from AD structures.
type AdvPacket struct {
	b []byte
}

// AdvField appends one AD structure to a packet.
type AdvField func(p *AdvPacket) error

// NewAdvPacket builds a packet from the given fields.
func NewAdvPacket(fields ...AdvField) (*AdvPacket, error) {
	p := &AdvPacket{b: make([]byte, 0, MaxAdvPacketLength)}
	for _, f := range fields {
		if err := f(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Bytes returns the payload built so far.
func (p *AdvPacket) Bytes() []byte { return p.b }

// Len returns the payload length.
func (p *AdvPacket) Len() int { return len(p.b) }

// Append appends a field to the packet. It returns ErrNotFit when the field
// does not fit and leaves the packet intact.
func (p *AdvPacket) Append(f AdvField) error { return f(p) }

func (p *AdvPacket) append(typ byte, b []byte) error {
	if p.Len()+1+1+len(b) > MaxAdvPacketLength {
		return ErrNotFit
	}
	p.b = append(p.b, byte(len(b)+1), typ)
	p.b = append(p.b, b...)
	return nil
}

// AdvFlags is the flags AD structure.
func AdvFlags(f byte) AdvField {
	return func(p *AdvPacket) error {
		return p.append(adFlags, []byte{f})
	}
}

// AdvShortName is a short local name.
func AdvShortName(n string) AdvField {
	return func(p *AdvPacket) error {
		return p.append(adShortName, []byte(n))
	}
}

// AdvCompleteName is a complete local name.
func AdvCompleteName(n string) AdvField {
	return func(p *AdvPacket) error {
		return p.append(adCompleteName, []byte(n))
	}
}

// AdvManufacturerData is manufacturer specific data with a company id.
func AdvManufacturerData(id uint16, b []byte) AdvField {
	return func(p *AdvPacket) error {
		d := append([]byte{uint8(id), uint8(id >> 8)}, b...)
		return p.append(adManufacturerData, d)
	}
}

// AdvAllUUID is an entry of the complete service UUID list.
func AdvAllUUID(u UUID) AdvField {
	return func(p *AdvPacket) error {
		if u.Len() == 2 {
			return p.append(adAllUUID16, u)
		}
		return p.append(adAllUUID128, u)
	}
}

// AdvSomeUUID is an entry of the incomplete service UUID list.
func AdvSomeUUID(u UUID) AdvField {
	return func(p *AdvPacket) error {
		if u.Len() == 2 {
			return p.append(adSomeUUID16, u)
		}
		return p.append(adSomeUUID128, u)
	}
}

// AdvRaw appends pre-encoded AD structures.
func AdvRaw(b []byte) AdvField {
	return func(p *AdvPacket) error {
		if p.Len()+len(b) > MaxAdvPacketLength {
			return ErrNotFit
		}
		p.b = append(p.b, b...)
		return nil
	}
}
