package smp

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/embhost/ble"
	"github.com/embhost/ble/hci"
)

type fakeTx struct {
	mu  sync.Mutex
	out [][]byte
	enc []uint16
}

func (f *fakeTx) SendSMP(handle uint16, pdu []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(pdu))
	copy(cp, pdu)
	f.out = append(f.out, cp)
	return nil
}

func (f *fakeTx) StartEncryption(ctx context.Context, handle uint16, rand uint64, ediv uint16, ltk [16]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enc = append(f.enc, handle)
	return nil
}

func (f *fakeTx) take(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		t.Fatal("expected an outgoing pdu")
	}
	pdu := f.out[0]
	f.out = f.out[1:]
	return pdu
}

func (f *fakeTx) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

func newTestManager(t *testing.T, tx *fakeTx, bondable bool) (*Manager, ble.Addr, ble.Addr) {
	t.Helper()
	local := ble.NewAddr("11:22:33:44:55:66")
	peer := ble.NewAddr("aa:bb:cc:dd:ee:ff")
	store, err := NewBondStore("")
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(tx, store, Config{LocalAddr: local, LocalAddrType: 0x00, Bondable: bondable})
	return m, local, peer
}

func TestPairingResponderJustWorks(t *testing.T) {
	tx := &fakeTx{}
	m, local, peer := newTestManager(t, tx, true)

	const handle = 0x0001
	m.Connected(handle, hci.RoleSlave, peer, 0x00)

	// initiator side state
	initKeys, err := generateKeys(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	preq := []byte{pairingRequest, ioCapNoInputNoOutput, 0x00, authReqSC | authReqBond, 16, 0x00, 0x00}
	m.PDU(handle, preq)

	prsp := tx.take(t)
	if prsp[0] != pairingResponse || len(prsp) != 7 {
		t.Fatalf("expected pairing response, got % x", prsp)
	}
	if prsp[3]&authReqSC == 0 {
		t.Fatal("response must keep the secure connections bit")
	}

	m.PDU(handle, append([]byte{pairingPublicKey}, marshalPublicKeyXY(initKeys.public)...))

	pkPDU := tx.take(t)
	if pkPDU[0] != pairingPublicKey || len(pkPDU) != 65 {
		t.Fatalf("expected responder public key, got % x", pkPDU[:1])
	}
	confirmPDU := tx.take(t)
	if confirmPDU[0] != pairingConfirm {
		t.Fatalf("expected pairing confirm, got % x", confirmPDU[:1])
	}

	rspPub, ok := unmarshalPublicKey(pkPDU[1:])
	if !ok {
		t.Fatal("responder public key does not parse")
	}
	dhKey, err := generateSecret(initKeys.private, rspPub)
	if err != nil {
		t.Fatal(err)
	}

	na := make([]byte, 16)
	if _, err := rand.Read(na); err != nil {
		t.Fatal(err)
	}
	m.PDU(handle, append([]byte{pairingRandom}, na...))

	nbPDU := tx.take(t)
	if nbPDU[0] != pairingRandom {
		t.Fatalf("expected responder random, got % x", nbPDU[:1])
	}
	nb := nbPDU[1:17]

	// the confirm must verify against the responder nonce
	cb, err := smpF4(pkPDU[1:33], marshalPublicKeyX(initKeys.public), nb, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cb, confirmPDU[1:17]) {
		t.Fatal("responder confirm does not verify")
	}

	a1 := addr7(peer, 0x00)
	a2 := addr7(local, 0x00)
	macKey, ltk, err := smpF5(dhKey, na, nb, a1, a2)
	if err != nil {
		t.Fatal(err)
	}

	r := make([]byte, 16)
	ioCapA := []byte{preq[1], preq[2], preq[3]}
	ea, err := smpF6(macKey, na, nb, r, ioCapA, a1, a2)
	if err != nil {
		t.Fatal(err)
	}
	m.PDU(handle, append([]byte{pairingDHKeyCheck}, ea...))

	ebPDU := tx.take(t)
	if ebPDU[0] != pairingDHKeyCheck {
		t.Fatalf("expected responder dhkey check, got % x", ebPDU[:1])
	}
	ioCapB := []byte{prsp[1], prsp[2], prsp[3]}
	eb, err := smpF6(macKey, nb, na, r, ioCapB, a2, a1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(eb, ebPDU[1:17]) {
		t.Fatal("responder dhkey check does not verify")
	}

	// the controller asks for the key with zero ediv/rand under secure
	// connections
	got, ok := m.LongTermKey(handle, 0, 0)
	if !ok {
		t.Fatal("expected a long-term key after pairing")
	}
	if !bytes.Equal(got[:], ltk) {
		t.Fatal("responder ltk differs from initiator ltk")
	}

	// encryption coming up persists the bond
	m.EncryptionChanged(handle, true)
	b, ok := m.store.Find(peer.String())
	if !ok {
		t.Fatal("expected a stored bond")
	}
	stored, ok := b.LTK()
	if !ok || !bytes.Equal(stored[:], ltk) {
		t.Fatal("stored bond ltk mismatch")
	}

	// a reconnect resolves the key from the bond
	m.Disconnected(handle)
	m.Connected(handle, hci.RoleSlave, peer, 0x00)
	got, ok = m.LongTermKey(handle, 0, 0)
	if !ok || !bytes.Equal(got[:], ltk) {
		t.Fatal("bonded key not resolved on reconnect")
	}
}

func TestPairingLegacyRefused(t *testing.T) {
	tx := &fakeTx{}
	m, _, peer := newTestManager(t, tx, true)

	m.Connected(1, hci.RoleSlave, peer, 0x00)
	m.PDU(1, []byte{pairingRequest, 0x03, 0x00, authReqBond, 16, 0x00, 0x00})

	pdu := tx.take(t)
	if pdu[0] != pairingFailed || pdu[1] != reasonPairingNotSupported {
		t.Fatalf("expected pairing failed 0x05, got % x", pdu)
	}
}

func TestPairingBadDHKeyCheck(t *testing.T) {
	tx := &fakeTx{}
	m, _, peer := newTestManager(t, tx, false)

	const handle = 0x0002
	m.Connected(handle, hci.RoleSlave, peer, 0x00)

	initKeys, err := generateKeys(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m.PDU(handle, []byte{pairingRequest, ioCapNoInputNoOutput, 0x00, authReqSC, 16, 0x00, 0x00})
	tx.take(t) // response
	m.PDU(handle, append([]byte{pairingPublicKey}, marshalPublicKeyXY(initKeys.public)...))
	tx.take(t) // public key
	tx.take(t) // confirm
	na := make([]byte, 16)
	m.PDU(handle, append([]byte{pairingRandom}, na...))
	tx.take(t) // random

	bogus := make([]byte, 16)
	m.PDU(handle, append([]byte{pairingDHKeyCheck}, bogus...))

	pdu := tx.take(t)
	if pdu[0] != pairingFailed || pdu[1] != reasonDHKeyCheckFailed {
		t.Fatalf("expected dhkey check failure, got % x", pdu)
	}
	if _, ok := m.LongTermKey(handle, 0, 0); ok {
		t.Fatal("no key must survive a failed pairing")
	}
}

func TestSecurityRequestWithoutBond(t *testing.T) {
	tx := &fakeTx{}
	m, _, peer := newTestManager(t, tx, true)

	m.Connected(1, hci.RoleMaster, peer, 0x00)
	m.PDU(1, []byte{securityRequest, authReqSC})

	pdu := tx.take(t)
	if pdu[0] != pairingFailed || pdu[1] != reasonPairingNotSupported {
		t.Fatalf("expected pairing failed 0x05, got % x", pdu)
	}
	if tx.pending() != 0 {
		t.Fatal("unexpected extra pdus")
	}
}
