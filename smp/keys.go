package smp

import (
	"crypto"
	"crypto/elliptic"
	"io"

	"github.com/pkg/errors"
	"github.com/wsddn/go-ecdh"
)

type ecdhKeys struct {
	public  crypto.PublicKey
	private crypto.PrivateKey
}

// generateKeys produces a fresh P-256 key pair for the pairing public key
// exchange [Vol 3, Part H, 2.3.5.6].
func generateKeys(rand io.Reader) (*ecdhKeys, error) {
	e := ecdh.NewEllipticECDH(elliptic.P256())
	priv, pub, err := e.GenerateKey(rand)
	if err != nil {
		return nil, errors.Wrap(err, "ecdh generate")
	}
	return &ecdhKeys{public: pub, private: priv}, nil
}

// unmarshalPublicKey decodes the 64-byte little-endian X||Y pair carried by
// a pairing public key PDU.
func unmarshalPublicKey(b []byte) (crypto.PublicKey, bool) {
	if len(b) != 64 {
		return nil, false
	}
	e := ecdh.NewEllipticECDH(elliptic.P256())
	k := make([]byte, 65)
	k[0] = 0x04
	copy(k[1:33], swapBuf(b[:32]))
	copy(k[33:65], swapBuf(b[32:]))
	return e.Unmarshal(k)
}

// marshalPublicKeyXY encodes a public key as the little-endian X||Y pair
// used on the wire.
func marshalPublicKeyXY(pub crypto.PublicKey) []byte {
	e := ecdh.NewEllipticECDH(elliptic.P256())
	k := e.Marshal(pub)
	out := make([]byte, 64)
	copy(out[:32], swapBuf(k[1:33]))
	copy(out[32:], swapBuf(k[33:65]))
	return out
}

// marshalPublicKeyX encodes only the little-endian X coordinate, as consumed
// by the f4 and g2 toolbox functions.
func marshalPublicKeyX(pub crypto.PublicKey) []byte {
	e := ecdh.NewEllipticECDH(elliptic.P256())
	k := e.Marshal(pub)
	return swapBuf(k[1:33])
}

// generateSecret computes the little-endian DHKey shared with the peer.
func generateSecret(priv crypto.PrivateKey, peerPub crypto.PublicKey) ([]byte, error) {
	e := ecdh.NewEllipticECDH(elliptic.P256())
	secret, err := e.GenerateSharedSecret(priv, peerPub)
	if err != nil {
		return nil, errors.Wrap(err, "ecdh shared secret")
	}
	return swapBuf(secret), nil
}
