// Package hci defines the host-controller wire formats used by the stack:
// packet indicators, ACL framing, and the L2CAP channel identifier namespace.
package hci

// HCI packet indicators, the first byte of every transport frame.
const (
	PktTypeCommand uint8 = 0x01
	PktTypeACLData uint8 = 0x02
	PktTypeSCOData uint8 = 0x03
	PktTypeEvent   uint8 = 0x04
	PktTypeVendor  uint8 = 0xFF
)

// Packet boundary flags of HCI ACL Data Packet [Vol 2, Part E, 5.4.2].
const (
	PbfHostToControllerStart = 0x00 // Start of an L2CAP PDU from host to controller.
	PbfContinuing            = 0x01 // Continuing fragment.
	PbfControllerToHostStart = 0x02 // Start of an L2CAP PDU from controller to host.
)

// L2CAP Channel Identifier namespace for LE-U logical link [Vol 3, Part A, 2.1].
const (
	CIDAtt    uint16 = 0x0004 // Attribute Protocol [Vol 3, Part F].
	CIDSignal uint16 = 0x0005 // LE L2CAP Signaling channel [Vol 3, Part A, 4].
	CIDSMP    uint16 = 0x0006 // Security Manager Protocol [Vol 3, Part H].

	CIDDynamicMin uint16 = 0x0040
	CIDDynamicMax uint16 = 0x007F
)

// Connection roles reported in LE Connection Complete.
const (
	RoleMaster = 0x00
	RoleSlave  = 0x01
)

// L2CAP LE defaults [Vol 3, Part A, 3.2.8].
const (
	DefaultMTU = 23
	MaxMTU     = 65535 - 4 // limited by the 16-bit PDU length field
)

// Selected controller error codes [Vol 2, Part D, 1.3].
const (
	ErrCodeSuccess           = 0x00
	ErrCodeUnknownConnID     = 0x02
	ErrCodeRemoteTerminated  = 0x13
	ErrCodeLocalHost         = 0x16
	ErrCodeUnacceptableParam = 0x3B
)
