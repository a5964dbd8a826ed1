// Package smp implements the Security Manager Protocol: LE Secure
// Connections pairing in the responder role, long-term key storage, and the
// crypto toolbox (f4/f5/f6/g2 and the legacy c1/s1 primitives).
package smp

// SMP PDU codes [Vol 3, Part H, 3.3].
const (
	pairingRequest          = 0x01
	pairingResponse         = 0x02
	pairingConfirm          = 0x03
	pairingRandom           = 0x04
	pairingFailed           = 0x05
	encryptionInformation   = 0x06
	masterIdentification    = 0x07
	identityInformation     = 0x08
	identityAddrInformation = 0x09
	signingInformation      = 0x0A
	securityRequest         = 0x0B
	pairingPublicKey        = 0x0C
	pairingDHKeyCheck       = 0x0D
)

// Pairing Failed reasons [Vol 3, Part H, 3.5.5].
const (
	reasonPairingNotSupported = 0x05
	reasonConfirmValueFailed  = 0x04
	reasonDHKeyCheckFailed    = 0x0B
	reasonUnspecified         = 0x08
)

// IO capabilities and authentication request bits [Vol 3, Part H, 3.5.1].
const (
	ioCapNoInputNoOutput = 0x03

	authReqBond = 0x01
	authReqMITM = 0x04
	authReqSC   = 0x08

	maxEncKeySize = 16
)
