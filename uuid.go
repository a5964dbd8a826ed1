package ble

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// UUID is a 16-bit or 128-bit Bluetooth UUID, stored little-endian as it
// appears in ATT PDUs and advertising records.
type UUID []byte

// UUID16 creates a 16-bit UUID.
func UUID16(v uint16) UUID {
	u := make(UUID, 2)
	binary.LittleEndian.PutUint16(u, v)
	return u
}

// ParseUUID parses a UUID from its hex string form, with or without dashes.
func ParseUUID(s string) (UUID, error) {
	s = strings.Replace(s, "-", "", -1)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "parse uuid")
	}
	if len(b) != 2 && len(b) != 16 {
		return nil, errors.Errorf("invalid uuid length %d", len(b))
	}
	// string form is big-endian
	u := make(UUID, len(b))
	for i, v := range b {
		u[len(b)-1-i] = v
	}
	return u, nil
}

// MustParseUUID parses a UUID and panics on failure. For static initializers.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Len returns the length of the UUID in bytes.
func (u UUID) Len() int { return len(u) }

// Equal tests for equality.
func (u UUID) Equal(v UUID) bool {
	if len(u) != len(v) {
		return false
	}
	for i := range u {
		if u[i] != v[i] {
			return false
		}
	}
	return true
}

func (u UUID) String() string {
	b := make([]byte, len(u))
	for i, v := range u {
		b[len(u)-1-i] = v
	}
	return hex.EncodeToString(b)
}
