package ble

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// AD structure types used in advertising and scan response data
// [Vol 3, Part C, 11].
const (
	adFlags            = 0x01
	adSomeUUID16       = 0x02
	adAllUUID16        = 0x03
	adSomeUUID128      = 0x06
	adAllUUID128       = 0x07
	adShortName        = 0x08
	adCompleteName     = 0x09
	adTxPower          = 0x0A
	adManufacturerData = 0xFF
)

// Advertisement is a scan report delivered to an AdvHandler.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []UUID
	RSSI() int
	Addr() Addr
	Connectable() bool
	Data() []byte
}

// AdvHandler handles scan reports.
type AdvHandler func(a Advertisement)

// AdvFields is advertising payload decoded into its AD structures.
type AdvFields struct {
	Name             string
	ManufacturerData []byte
	Services         []UUID
	TxPower          int
	Flags            byte
}

// ParseAdvData decodes the length/type/value records of an advertising
// payload. A record that runs past the end of the payload is a protocol
// violation and fails the whole parse.
func ParseAdvData(b []byte) (*AdvFields, error) {
	f := &AdvFields{}
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, errors.New("truncated ad record")
		}
		l, t := int(b[0]), b[1]
		if l < 1 || len(b) < 1+l {
			return nil, errors.Errorf("ad record length %d exceeds payload", l)
		}
		v := b[2 : 1+l]

		switch t {
		case adFlags:
			if len(v) < 1 {
				return nil, errors.New("empty flags record")
			}
			f.Flags = v[0]
		case adShortName, adCompleteName:
			f.Name = string(v)
		case adTxPower:
			if len(v) < 1 {
				return nil, errors.New("empty tx power record")
			}
			f.TxPower = int(int8(v[0]))
		case adSomeUUID16, adAllUUID16:
			if len(v)%2 != 0 {
				return nil, errors.New("invalid uuid16 list")
			}
			for i := 0; i+2 <= len(v); i += 2 {
				f.Services = append(f.Services, UUID16(binary.LittleEndian.Uint16(v[i:])))
			}
		case adSomeUUID128, adAllUUID128:
			if len(v)%16 != 0 {
				return nil, errors.New("invalid uuid128 list")
			}
			for i := 0; i+16 <= len(v); i += 16 {
				u := make(UUID, 16)
				copy(u, v[i:i+16])
				f.Services = append(f.Services, u)
			}
		case adManufacturerData:
			f.ManufacturerData = v
		}

		b = b[1+l:]
	}
	return f, nil
}
