package smp

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/embhost/ble"
	"github.com/embhost/ble/hci"
)

// Transmitter is the subset of the host stack the pairing manager drives.
type Transmitter interface {
	SendSMP(handle uint16, pdu []byte) error
	StartEncryption(ctx context.Context, handle uint16, rand uint64, ediv uint16, ltk [16]byte) error
}

// Config tunes the pairing manager.
type Config struct {
	// LocalAddr and LocalAddrType identify this device in the f5/f6
	// address inputs. LocalAddrType is 0x00 for a public address, 0x01
	// for a static random one.
	LocalAddr     ble.Addr
	LocalAddrType uint8

	// Bondable requests key storage during pairing. Completed pairings
	// are persisted to the bond store when both sides set the bit.
	Bondable bool

	// Rand is the nonce and key source; nil means crypto/rand.
	Rand io.Reader
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateWaitPublicKey
	stateWaitRandom
	stateWaitDHKeyCheck
	stateComplete
)

type pairSession struct {
	handle   uint16
	role     uint8
	peer     ble.Addr
	peerType uint8

	state sessionState

	preq [7]byte
	prsp [7]byte

	keys      *ecdhKeys
	peerPubLE []byte
	dhKey     []byte
	localN    []byte
	peerN     []byte
	macKey    []byte
	ltk       []byte

	bonding bool
	paired  bool
}

// Manager performs LE Secure Connections pairing in the responder role and
// answers long-term key requests from bonds and fresh pairings. It
// implements the host stack's security handler; all callbacks run on the
// stack's runner goroutine and never block.
type Manager struct {
	tx    Transmitter
	cfg   Config
	store *BondStore

	mu       sync.Mutex
	sessions map[uint16]*pairSession
}

// NewManager creates a pairing manager. store may be nil when bonds should
// not be persisted.
func NewManager(tx Transmitter, store *BondStore, cfg Config) *Manager {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if store == nil {
		store, _ = NewBondStore("")
	}
	return &Manager{tx: tx, cfg: cfg, store: store, sessions: make(map[uint16]*pairSession)}
}

// RandFromSeed derives a deterministic nonce source from a seed, for
// reproducible pairing in tests. A nil or empty seed yields crypto/rand.
func RandFromSeed(seed []byte) io.Reader {
	if len(seed) == 0 {
		return rand.Reader
	}
	var s8 [8]byte
	copy(s8[:], seed)
	return mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(s8[:]))))
}

func (m *Manager) Connected(handle uint16, role uint8, peer ble.Addr, peerAddrType uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[handle] = &pairSession{handle: handle, role: role, peer: peer, peerType: peerAddrType}
}

func (m *Manager) Disconnected(handle uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, handle)
}

func (m *Manager) PDU(handle uint16, pdu []byte) {
	if len(pdu) < 1 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[handle]
	if !ok {
		return
	}
	switch pdu[0] {
	case pairingRequest:
		m.handleRequest(s, pdu)
	case pairingPublicKey:
		m.handlePublicKey(s, pdu)
	case pairingRandom:
		m.handleRandom(s, pdu)
	case pairingDHKeyCheck:
		m.handleDHKeyCheck(s, pdu)
	case pairingFailed:
		if len(pdu) >= 2 {
			logger.Infof("pairing failed by peer on %#04x: reason %#02x", handle, pdu[1])
		}
		s.state = stateIdle
	case securityRequest:
		m.handleSecurityRequest(s, pdu)
	case pairingConfirm, encryptionInformation, masterIdentification,
		identityInformation, identityAddrInformation, signingInformation:
		// legacy key distribution and out-of-order confirms
		m.fail(s, reasonPairingNotSupported)
	default:
		m.fail(s, reasonPairingNotSupported)
	}
}

// LongTermKey resolves a controller LTK request. Secure Connections keys
// carry zero EDiv/Rand; anything else is looked up in the bond store.
func (m *Manager) LongTermKey(handle uint16, ediv uint16, rnd uint64) ([16]byte, bool) {
	var ltk [16]byte
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[handle]
	if !ok {
		return ltk, false
	}
	if ediv == 0 && rnd == 0 {
		if len(s.ltk) == 16 {
			copy(ltk[:], s.ltk)
			return ltk, true
		}
		if b, ok := m.store.Find(s.peer.String()); ok && b.SecureConnection {
			return b.LTK()
		}
		return ltk, false
	}
	if b, ok := m.store.Find(s.peer.String()); ok &&
		!b.SecureConnection && b.EncryptionDiv == ediv && b.RandomValue == rnd {
		return b.LTK()
	}
	return ltk, false
}

func (m *Manager) EncryptionChanged(handle uint16, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[handle]
	if !ok || !enabled || !s.paired || !s.bonding {
		return
	}
	b := Bond{
		Addr:             s.peer.String(),
		LongTermKey:      hex.EncodeToString(s.ltk),
		SecureConnection: true,
	}
	if err := m.store.Save(b); err != nil {
		logger.Warnf("saving bond for %s: %v", s.peer, err)
	}
}

func (m *Manager) handleRequest(s *pairSession, pdu []byte) {
	if len(pdu) != 7 || s.role != hci.RoleSlave {
		m.fail(s, reasonPairingNotSupported)
		return
	}
	if pdu[3]&authReqSC == 0 {
		// legacy pairing is not offered
		m.fail(s, reasonPairingNotSupported)
		return
	}
	copy(s.preq[:], pdu)

	authReq := uint8(authReqSC)
	if m.cfg.Bondable && pdu[3]&authReqBond != 0 {
		authReq |= authReqBond
		s.bonding = true
	}
	rsp := []byte{pairingResponse, ioCapNoInputNoOutput, 0x00, authReq, maxEncKeySize, 0x00, 0x00}
	copy(s.prsp[:], rsp)
	s.state = stateWaitPublicKey
	m.send(s, rsp)
}

func (m *Manager) handlePublicKey(s *pairSession, pdu []byte) {
	if s.state != stateWaitPublicKey || len(pdu) != 65 {
		m.fail(s, reasonUnspecified)
		return
	}
	peerPub, ok := unmarshalPublicKey(pdu[1:])
	if !ok {
		m.fail(s, reasonUnspecified)
		return
	}
	s.peerPubLE = append([]byte(nil), pdu[1:65]...)

	keys, err := generateKeys(m.cfg.Rand)
	if err != nil {
		m.fail(s, reasonUnspecified)
		return
	}
	s.keys = keys
	if s.dhKey, err = generateSecret(keys.private, peerPub); err != nil {
		m.fail(s, reasonUnspecified)
		return
	}

	s.localN = make([]byte, 16)
	if _, err := io.ReadFull(m.cfg.Rand, s.localN); err != nil {
		m.fail(s, reasonUnspecified)
		return
	}

	m.send(s, append([]byte{pairingPublicKey}, marshalPublicKeyXY(keys.public)...))

	// just works: Cb = f4(PKbx, PKax, Nb, 0)
	cb, err := smpF4(marshalPublicKeyX(keys.public), s.peerPubLE[:32], s.localN, 0)
	if err != nil {
		m.fail(s, reasonUnspecified)
		return
	}
	m.send(s, append([]byte{pairingConfirm}, cb...))
	s.state = stateWaitRandom
}

func (m *Manager) handleRandom(s *pairSession, pdu []byte) {
	if s.state != stateWaitRandom || len(pdu) != 17 {
		m.fail(s, reasonUnspecified)
		return
	}
	s.peerN = append([]byte(nil), pdu[1:17]...)
	m.send(s, append([]byte{pairingRandom}, s.localN...))

	a1 := addr7(s.peer, s.peerType)                   // initiator
	a2 := addr7(m.cfg.LocalAddr, m.cfg.LocalAddrType) // responder
	macKey, ltk, err := smpF5(s.dhKey, s.peerN, s.localN, a1, a2)
	if err != nil {
		m.fail(s, reasonUnspecified)
		return
	}
	s.macKey, s.ltk = macKey, ltk
	s.state = stateWaitDHKeyCheck
}

func (m *Manager) handleDHKeyCheck(s *pairSession, pdu []byte) {
	if s.state != stateWaitDHKeyCheck || len(pdu) != 17 {
		m.fail(s, reasonUnspecified)
		return
	}
	a1 := addr7(s.peer, s.peerType)
	a2 := addr7(m.cfg.LocalAddr, m.cfg.LocalAddrType)
	r := make([]byte, 16) // just works

	ioCapA := []byte{s.preq[1], s.preq[2], s.preq[3]}
	ea, err := smpF6(s.macKey, s.peerN, s.localN, r, ioCapA, a1, a2)
	if err != nil || !bytes.Equal(ea, pdu[1:17]) {
		m.fail(s, reasonDHKeyCheckFailed)
		return
	}

	ioCapB := []byte{s.prsp[1], s.prsp[2], s.prsp[3]}
	eb, err := smpF6(s.macKey, s.localN, s.peerN, r, ioCapB, a2, a1)
	if err != nil {
		m.fail(s, reasonUnspecified)
		return
	}
	m.send(s, append([]byte{pairingDHKeyCheck}, eb...))
	s.state = stateComplete
	s.paired = true
}

// handleSecurityRequest answers a peripheral's security request: encrypt
// with a stored bond if one exists. Pairing is only performed in the
// responder role, so a peer without a bond is refused.
func (m *Manager) handleSecurityRequest(s *pairSession, pdu []byte) {
	if len(pdu) != 2 || s.role != hci.RoleMaster {
		m.fail(s, reasonPairingNotSupported)
		return
	}
	b, ok := m.store.Find(s.peer.String())
	if !ok {
		m.fail(s, reasonPairingNotSupported)
		return
	}
	ltk, ok := b.LTK()
	if !ok {
		m.fail(s, reasonUnspecified)
		return
	}
	handle := s.handle
	ediv, rnd := b.EncryptionDiv, b.RandomValue
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.tx.StartEncryption(ctx, handle, rnd, ediv, ltk); err != nil {
			logger.Warnf("start encryption on %#04x: %v", handle, err)
		}
	}()
}

func (m *Manager) fail(s *pairSession, reason uint8) {
	s.state = stateIdle
	s.paired = false
	s.macKey, s.ltk, s.dhKey = nil, nil, nil
	m.send(s, []byte{pairingFailed, reason})
}

func (m *Manager) send(s *pairSession, pdu []byte) {
	if err := m.tx.SendSMP(s.handle, pdu); err != nil {
		logger.Warnf("smp send on %#04x: %v", s.handle, err)
	}
}

// addr7 builds the 7-byte little-endian address input of f5 and f6:
// the 6-byte address in wire order followed by the address type.
func addr7(a ble.Addr, typ uint8) []byte {
	out := make([]byte, 7)
	if a != nil {
		b := a.Bytes()
		for i := 0; i < 6 && i < len(b); i++ {
			out[i] = b[len(b)-1-i]
		}
	}
	out[6] = typ
	return out
}
