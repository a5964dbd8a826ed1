package smp

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"
)

func s2h(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal("bad hex in test data:", err)
	}
	return b
}

func TestAESCMAC(t *testing.T) {
	// RFC 4493 example 2, byte-swapped into wire order
	key := swapBuf(s2h(t, "2b7e151628aed2a6abf7158809cf4f3c"))
	msg := swapBuf(s2h(t, "6bc1bee22e409f96e93d7e117393172a"))
	exp := swapBuf(s2h(t, "070a16b46b4d4144f79bdd9dd04a287c"))

	mac, err := aesCMAC(key, msg)
	if err != nil {
		t.Fatal("cmac failed:", err)
	}
	if !bytes.Equal(mac, exp) {
		t.Fatal("incorrect cmac:", hex.EncodeToString(mac))
	}
}

func TestF4(t *testing.T) {
	u := []byte{
		0xe6, 0x9d, 0x35, 0x0e, 0x48, 0x01, 0x03, 0xcc,
		0xdb, 0xfd, 0xf4, 0xac, 0x11, 0x91, 0xf4, 0xef,
		0xb9, 0xa5, 0xf9, 0xe9, 0xa7, 0x83, 0x2c, 0x5e,
		0x2c, 0xbe, 0x97, 0xf2, 0xd2, 0x03, 0xb0, 0x20,
	}
	v := []byte{
		0xfd, 0xc5, 0x7f, 0xf4, 0x49, 0xdd, 0x4f, 0x6b,
		0xfb, 0x7c, 0x9d, 0xf1, 0xc2, 0x9a, 0xcb, 0x59,
		0x2a, 0xe7, 0xd4, 0xee, 0xfb, 0xfc, 0x0a, 0x90,
		0x9a, 0xbb, 0xf6, 0x32, 0x3d, 0x8b, 0x18, 0x55,
	}
	x := []byte{
		0xab, 0xae, 0x2b, 0x71, 0xec, 0xb2, 0xff, 0xff,
		0x3e, 0x73, 0x77, 0xd1, 0x54, 0x84, 0xcb, 0xd5,
	}
	exp := []byte{
		0x2d, 0x87, 0x74, 0xa9, 0xbe, 0xa1, 0xed, 0xf1,
		0x1c, 0xbd, 0xa9, 0x07, 0xf1, 0x16, 0xc9, 0xf2,
	}

	out, err := smpF4(u, v, x, 0x00)
	if err != nil {
		t.Fatal("f4 calc failed:", err)
	}
	if !bytes.Equal(out, exp) {
		t.Fatal("incorrect f4 output:", hex.EncodeToString(out))
	}
}

func TestF5(t *testing.T) {
	w := []byte{
		0x98, 0xa6, 0xbf, 0x73, 0xf3, 0x34, 0x8d, 0x86,
		0xf1, 0x66, 0xf8, 0xb4, 0x13, 0x6b, 0x79, 0x99,
		0x9b, 0x7d, 0x39, 0x0a, 0xa6, 0x10, 0x10, 0x34,
		0x05, 0xad, 0xc8, 0x57, 0xa3, 0x34, 0x02, 0xec,
	}
	n1 := []byte{
		0xab, 0xae, 0x2b, 0x71, 0xec, 0xb2, 0xff, 0xff,
		0x3e, 0x73, 0x77, 0xd1, 0x54, 0x84, 0xcb, 0xd5,
	}
	n2 := []byte{
		0xcf, 0xc4, 0x3d, 0xff, 0xf7, 0x83, 0x65, 0x21,
		0x6e, 0x5f, 0xa7, 0x25, 0xcc, 0xe7, 0xe8, 0xa6,
	}
	a1 := []byte{0xce, 0xbf, 0x37, 0x37, 0x12, 0x56, 0x00}
	a2 := []byte{0xc1, 0xcf, 0x2d, 0x70, 0x13, 0xa7, 0x00}
	expLTK := []byte{
		0x38, 0x0a, 0x75, 0x94, 0xb5, 0x22, 0x05, 0x98,
		0x23, 0xcd, 0xd7, 0x69, 0x11, 0x79, 0x86, 0x69,
	}
	expMacKey := []byte{
		0x20, 0x6e, 0x63, 0xce, 0x20, 0x6a, 0x3f, 0xfd,
		0x02, 0x4a, 0x08, 0xa1, 0x76, 0xf1, 0x65, 0x29,
	}

	macKey, ltk, err := smpF5(w, n1, n2, a1, a2)
	if err != nil {
		t.Fatal("f5 calc failed:", err)
	}
	if !bytes.Equal(macKey, expMacKey) {
		t.Fatal("incorrect f5 macKey:", hex.EncodeToString(macKey))
	}
	if !bytes.Equal(ltk, expLTK) {
		t.Fatal("incorrect f5 ltk:", hex.EncodeToString(ltk))
	}
}

func TestF5Capture(t *testing.T) {
	// from a sniffed pairing
	na := s2h(t, "fa9d22d0f2ecfbf7960a76aa9925f18f")
	nb := s2h(t, "b30214a4b530db3fcb65e88164321de2")
	a := append([]byte{0x94, 0x54, 0x93, 0x93, 0x54, 0x94}, 0)
	b := append([]byte{0x32, 0x49, 0xba, 0x7a, 0x74, 0xc5}, 1)
	dhk := s2h(t, "93796F44E2963CE0176190A5A65AA883E4D6ADEEAC51FBA46507774E8AE84BDC")

	_, ltk, err := smpF5(dhk, na, nb, a, b)
	if err != nil {
		t.Fatal("f5 calc failed:", err)
	}
	exp := s2h(t, "3ea2200172d747c1102854108cfcda87")
	if !bytes.Equal(exp, ltk) {
		t.Fatalf("\ngot %v\nexp %v", hex.EncodeToString(ltk), hex.EncodeToString(exp))
	}
}

func TestF6(t *testing.T) {
	w := []byte{
		0x20, 0x6e, 0x63, 0xce, 0x20, 0x6a, 0x3f, 0xfd,
		0x02, 0x4a, 0x08, 0xa1, 0x76, 0xf1, 0x65, 0x29,
	}
	n1 := []byte{
		0xab, 0xae, 0x2b, 0x71, 0xec, 0xb2, 0xff, 0xff,
		0x3e, 0x73, 0x77, 0xd1, 0x54, 0x84, 0xcb, 0xd5,
	}
	n2 := []byte{
		0xcf, 0xc4, 0x3d, 0xff, 0xf7, 0x83, 0x65, 0x21,
		0x6e, 0x5f, 0xa7, 0x25, 0xcc, 0xe7, 0xe8, 0xa6,
	}
	r := []byte{
		0xc8, 0x0f, 0x2d, 0x0c, 0xd2, 0x42, 0xda, 0x08,
		0x54, 0xbb, 0x53, 0xb4, 0x3b, 0x34, 0xa3, 0x12,
	}
	ioCap := []byte{0x02, 0x01, 0x01}
	a1 := []byte{0xce, 0xbf, 0x37, 0x37, 0x12, 0x56, 0x00}
	a2 := []byte{0xc1, 0xcf, 0x2d, 0x70, 0x13, 0xa7, 0x00}
	exp := []byte{
		0x61, 0x8f, 0x95, 0xda, 0x09, 0x0b, 0x6c, 0xd2,
		0xc5, 0xe8, 0xd0, 0x9c, 0x98, 0x73, 0xc4, 0xe3,
	}

	out, err := smpF6(w, n1, n2, r, ioCap, a1, a2)
	if err != nil {
		t.Fatal("f6 calc failed:", err)
	}
	if !bytes.Equal(out, exp) {
		t.Fatal("incorrect f6 output:", hex.EncodeToString(out))
	}
}

func TestG2(t *testing.T) {
	u := []byte{
		0xe6, 0x9d, 0x35, 0x0e, 0x48, 0x01, 0x03, 0xcc,
		0xdb, 0xfd, 0xf4, 0xac, 0x11, 0x91, 0xf4, 0xef,
		0xb9, 0xa5, 0xf9, 0xe9, 0xa7, 0x83, 0x2c, 0x5e,
		0x2c, 0xbe, 0x97, 0xf2, 0xd2, 0x03, 0xb0, 0x20,
	}
	v := []byte{
		0xfd, 0xc5, 0x7f, 0xf4, 0x49, 0xdd, 0x4f, 0x6b,
		0xfb, 0x7c, 0x9d, 0xf1, 0xc2, 0x9a, 0xcb, 0x59,
		0x2a, 0xe7, 0xd4, 0xee, 0xfb, 0xfc, 0x0a, 0x90,
		0x9a, 0xbb, 0xf6, 0x32, 0x3d, 0x8b, 0x18, 0x55,
	}
	x := []byte{
		0xab, 0xae, 0x2b, 0x71, 0xec, 0xb2, 0xff, 0xff,
		0x3e, 0x73, 0x77, 0xd1, 0x54, 0x84, 0xcb, 0xd5,
	}
	y := []byte{
		0xcf, 0xc4, 0x3d, 0xff, 0xf7, 0x83, 0x65, 0x21,
		0x6e, 0x5f, 0xa7, 0x25, 0xcc, 0xe7, 0xe8, 0xa6,
	}

	val, err := smpG2(u, v, x, y)
	if err != nil {
		t.Fatal("g2 calc failed:", err)
	}
	if exp := uint32(0x2f9ed5ba % 1000000); val != exp {
		t.Fatal("incorrect g2 output:", val)
	}
}

func TestC1(t *testing.T) {
	// sample data from [Vol 3, Part H, 2.2.3], byte-swapped to wire order
	k := make([]byte, 16)
	r := swapBuf(s2h(t, "5783d52156ad6f0e6388274ec6702ee0"))
	preq := swapBuf(s2h(t, "07071000000101"))
	pres := swapBuf(s2h(t, "05000800000302"))
	ia := swapBuf(s2h(t, "a1a2a3a4a5a6"))
	ra := swapBuf(s2h(t, "b1b2b3b4b5b6"))
	exp := swapBuf(s2h(t, "1e1e3fef878988ead2a74dc5bef13b86"))

	out, err := smpC1(k, r, preq, pres, 0x01, 0x00, ia, ra)
	if err != nil {
		t.Fatal("c1 calc failed:", err)
	}
	if !bytes.Equal(out, exp) {
		t.Fatal("incorrect c1 output:", hex.EncodeToString(out))
	}
}

func TestS1(t *testing.T) {
	// sample data from [Vol 3, Part H, 2.2.4], byte-swapped to wire order
	k := make([]byte, 16)
	r1 := swapBuf(s2h(t, "000f0e0d0c0b0a091122334455667788"))
	r2 := swapBuf(s2h(t, "010203040506070899aabbccddeeff00"))
	exp := swapBuf(s2h(t, "9a1fe1f0e8b0f49b5b4216ae796da062"))

	out, err := smpS1(k, r1, r2)
	if err != nil {
		t.Fatal("s1 calc failed:", err)
	}
	if !bytes.Equal(out, exp) {
		t.Fatal("incorrect s1 output:", hex.EncodeToString(out))
	}
}

func TestECDHRoundTrip(t *testing.T) {
	a, err := generateKeys(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	b, err := generateKeys(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	// exchange over the wire representation
	bPub, ok := unmarshalPublicKey(marshalPublicKeyXY(b.public))
	if !ok {
		t.Fatal("unmarshal of marshaled public key failed")
	}
	aPub, ok := unmarshalPublicKey(marshalPublicKeyXY(a.public))
	if !ok {
		t.Fatal("unmarshal of marshaled public key failed")
	}

	s1, err := generateSecret(a.private, bPub)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := generateSecret(b.private, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatal("shared secrets differ")
	}
	if len(marshalPublicKeyX(a.public)) != 32 {
		t.Fatal("unexpected X coordinate length")
	}
}
