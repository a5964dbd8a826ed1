package ble

import (
	"encoding/hex"
	"strings"
)

// Addr represents a link-layer device address.
type Addr interface {
	String() string
	Bytes() []byte
}

// NewAddr creates an Addr from its colon-separated string form.
func NewAddr(s string) Addr {
	return addr(strings.ToLower(s))
}

// AddrFromBytes creates an Addr from a 6-byte little-endian address as it
// appears on the wire.
func AddrFromBytes(b []byte) Addr {
	bb := make([]byte, len(b))
	// wire order is reversed relative to the printed form
	for i, v := range b {
		bb[len(b)-1-i] = v
	}
	return addr(hexWithColons(bb))
}

type addr string

func (a addr) String() string {
	return string(a)
}

func (a addr) Bytes() []byte {
	hexStr := strings.Replace(a.String(), ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		GetLogger().Warn("error decoding address:", err, a.String())
		return nil
	}

	return out
}

func hexWithColons(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = hex.EncodeToString([]byte{v})
	}
	return strings.Join(parts, ":")
}
