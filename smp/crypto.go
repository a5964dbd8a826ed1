package smp

import (
	"crypto/aes"
	"encoding/binary"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

// All toolbox inputs and outputs are little endian as they appear on the
// wire; AES-CMAC operates most-significant-byte first, so buffers are
// swapped in and swapped back out.

func swapBuf(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}

func aesCMAC(key, msg []byte) ([]byte, error) {
	msgMsb := swapBuf(msg)
	keyMsb := swapBuf(key)

	block, err := aes.NewCipher(keyMsb)
	if err != nil {
		return nil, err
	}
	mac, err := cmac.Sum(msgMsb, block, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return swapBuf(mac), nil
}

func xorSlice(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func aes128(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(swapBuf(key))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 16)
	block.Encrypt(out, swapBuf(msg))
	return swapBuf(out), nil
}

// smpF4 is the confirm value generation function [Vol 3, Part H, 2.2.6].
func smpF4(u, v, x []byte, z uint8) ([]byte, error) {
	if len(u) != 32 || len(v) != 32 || len(x) != 16 {
		return nil, errors.New("f4: invalid input length")
	}
	m := make([]byte, 65)
	m[0] = z
	copy(m[1:33], v)
	copy(m[33:65], u)
	return aesCMAC(x, m)
}

// smpF5 is the key generation function; it derives the MacKey and LTK from
// the DHKey [Vol 3, Part H, 2.2.7].
func smpF5(w, n1, n2, a1, a2 []byte) ([]byte, []byte, error) {
	if len(w) != 32 || len(n1) != 16 || len(n2) != 16 || len(a1) != 7 || len(a2) != 7 {
		return nil, nil, errors.New("f5: invalid input length")
	}
	salt := []byte{0xbe, 0x83, 0x60, 0x5a, 0xdb, 0x0b, 0x37, 0x60,
		0x38, 0xa5, 0xf5, 0xaa, 0x91, 0x83, 0x88, 0x6c}
	btle := []byte{0x65, 0x6c, 0x74, 0x62}
	length := []byte{0x00, 0x01}

	t, err := aesCMAC(salt, w)
	if err != nil {
		return nil, nil, err
	}

	m := make([]byte, 53)
	copy(m[0:2], length)
	copy(m[2:9], a2)
	copy(m[9:16], a1)
	copy(m[16:32], n2)
	copy(m[32:48], n1)
	copy(m[48:52], btle)

	m[52] = 0x00
	macKey, err := aesCMAC(t, m)
	if err != nil {
		return nil, nil, err
	}

	m[52] = 0x01
	ltk, err := aesCMAC(t, m)
	if err != nil {
		return nil, nil, err
	}
	return macKey, ltk, nil
}

// smpF6 is the check value generation function [Vol 3, Part H, 2.2.8].
func smpF6(w, n1, n2, r, ioCap, a1, a2 []byte) ([]byte, error) {
	if len(w) != 16 || len(n1) != 16 || len(n2) != 16 || len(r) != 16 ||
		len(ioCap) != 3 || len(a1) != 7 || len(a2) != 7 {
		return nil, errors.New("f6: invalid input length")
	}
	m := make([]byte, 65)
	copy(m[0:7], a2)
	copy(m[7:14], a1)
	copy(m[14:17], ioCap)
	copy(m[17:33], r)
	copy(m[33:49], n2)
	copy(m[49:65], n1)
	return aesCMAC(w, m)
}

// smpG2 is the numeric comparison value generation function
// [Vol 3, Part H, 2.2.9].
func smpG2(u, v, x, y []byte) (uint32, error) {
	if len(u) != 32 || len(v) != 32 || len(x) != 16 || len(y) != 16 {
		return 0, errors.New("g2: invalid input length")
	}
	m := make([]byte, 80)
	copy(m[0:16], y)
	copy(m[16:48], v)
	copy(m[48:80], u)
	h, err := aesCMAC(x, m)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(h[:4]) % 1000000, nil
}

// smpC1 is the legacy confirm value generation function
// [Vol 3, Part H, 2.2.3]. preq and pres are the 7-byte pairing PDUs, ia/ra
// the 6-byte device addresses, all little endian.
func smpC1(k, r, preq, pres []byte, iat, rat uint8, ia, ra []byte) ([]byte, error) {
	if len(k) != 16 || len(r) != 16 || len(preq) != 7 || len(pres) != 7 ||
		len(ia) != 6 || len(ra) != 6 {
		return nil, errors.New("c1: invalid input length")
	}
	p1 := make([]byte, 16)
	p1[0] = iat
	p1[1] = rat
	copy(p1[2:9], preq)
	copy(p1[9:16], pres)

	p2 := make([]byte, 16)
	copy(p2[0:6], ra)
	copy(p2[6:12], ia)

	res, err := aes128(k, xorSlice(r, p1))
	if err != nil {
		return nil, err
	}
	return aes128(k, xorSlice(res, p2))
}

// smpS1 is the legacy STK generation function [Vol 3, Part H, 2.2.4].
func smpS1(k, r1, r2 []byte) ([]byte, error) {
	if len(k) != 16 || len(r1) != 16 || len(r2) != 16 {
		return nil, errors.New("s1: invalid input length")
	}
	r := make([]byte, 16)
	copy(r[0:8], r2[0:8])
	copy(r[8:16], r1[0:8])
	return aes128(k, r)
}
