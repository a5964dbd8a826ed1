package host

import (
	"bytes"
	"encoding/binary"
)

// L2CAP signaling command codes used on the LE signaling channel
// [Vol 3, Part A, 4].
const (
	SignalCommandReject                     = 0x01
	SignalDisconnectRequest                 = 0x06
	SignalDisconnectResponse                = 0x07
	SignalConnectionParameterUpdateRequest  = 0x12
	SignalConnectionParameterUpdateResponse = 0x13
	SignalLECreditBasedConnectionRequest    = 0x14
	SignalLECreditBasedConnectionResponse   = 0x15
	SignalLEFlowControlCredit               = 0x16
)

// LE Credit Based Connection Response result codes [Vol 3, Part A, 4.23].
const (
	LECreditConnSuccess         = 0x0000
	LECreditConnPSMNotSupported = 0x0002
	LECreditConnNoResources     = 0x0004
)

// sigPDU is a view over one signaling command: code, id, 2-byte length, data.
type sigPDU []byte

func (s sigPDU) code() uint8  { return s[0] }
func (s sigPDU) id() uint8    { return s[1] }
func (s sigPDU) dlen() int    { return int(binary.LittleEndian.Uint16(s[2:4])) }
func (s sigPDU) data() []byte { return s[4 : 4+s.dlen()] }
func (s sigPDU) valid() bool  { return len(s) >= 4 && len(s) >= 4+s.dlen() }

// Signal is a marshalable signaling command payload.
type Signal interface {
	Code() int
	Marshal() []byte
}

// CommandReject implements Command Reject (0x01) [Vol 3, Part A, 4.1].
type CommandReject struct {
	Reason uint16
}

// Code returns the signaling code of the command.
func (s CommandReject) Code() int { return SignalCommandReject }

// Marshal serializes the command parameters into binary form.
func (s *CommandReject) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *CommandReject) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// DisconnectRequest implements Disconnect Request (0x06) [Vol 3, Part A, 4.6].
type DisconnectRequest struct {
	DestinationCID uint16
	SourceCID      uint16
}

// Code returns the signaling code of the command.
func (s DisconnectRequest) Code() int { return SignalDisconnectRequest }

// Marshal serializes the command parameters into binary form.
func (s *DisconnectRequest) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *DisconnectRequest) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// DisconnectResponse implements Disconnect Response (0x07) [Vol 3, Part A, 4.7].
type DisconnectResponse struct {
	DestinationCID uint16
	SourceCID      uint16
}

// Code returns the signaling code of the command.
func (s DisconnectResponse) Code() int { return SignalDisconnectResponse }

// Marshal serializes the command parameters into binary form.
func (s *DisconnectResponse) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *DisconnectResponse) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// ConnectionParameterUpdateRequest implements Connection Parameter Update
// Request (0x12) [Vol 3, Part A, 4.20].
type ConnectionParameterUpdateRequest struct {
	IntervalMin       uint16
	IntervalMax       uint16
	SlaveLatency      uint16
	TimeoutMultiplier uint16
}

// Code returns the signaling code of the command.
func (s ConnectionParameterUpdateRequest) Code() int {
	return SignalConnectionParameterUpdateRequest
}

// Marshal serializes the command parameters into binary form.
func (s *ConnectionParameterUpdateRequest) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *ConnectionParameterUpdateRequest) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// ConnectionParameterUpdateResponse implements Connection Parameter Update
// Response (0x13) [Vol 3, Part A, 4.21].
type ConnectionParameterUpdateResponse struct {
	Result uint16
}

// Code returns the signaling code of the command.
func (s ConnectionParameterUpdateResponse) Code() int {
	return SignalConnectionParameterUpdateResponse
}

// Marshal serializes the command parameters into binary form.
func (s *ConnectionParameterUpdateResponse) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *ConnectionParameterUpdateResponse) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// LECreditBasedConnectionRequest implements LE Credit Based Connection
// Request (0x14) [Vol 3, Part A, 4.22].
type LECreditBasedConnectionRequest struct {
	LEPSM          uint16
	SourceCID      uint16
	MTU            uint16
	MPS            uint16
	InitialCredits uint16
}

// Code returns the signaling code of the command.
func (s LECreditBasedConnectionRequest) Code() int {
	return SignalLECreditBasedConnectionRequest
}

// Marshal serializes the command parameters into binary form.
func (s *LECreditBasedConnectionRequest) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *LECreditBasedConnectionRequest) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// LECreditBasedConnectionResponse implements LE Credit Based Connection
// Response (0x15) [Vol 3, Part A, 4.23].
type LECreditBasedConnectionResponse struct {
	DestinationCID uint16
	MTU            uint16
	MPS            uint16
	InitialCredits uint16
	Result         uint16
}

// Code returns the signaling code of the command.
func (s LECreditBasedConnectionResponse) Code() int {
	return SignalLECreditBasedConnectionResponse
}

// Marshal serializes the command parameters into binary form.
func (s *LECreditBasedConnectionResponse) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *LECreditBasedConnectionResponse) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// LEFlowControlCredit implements LE Flow Control Credit (0x16)
// [Vol 3, Part A, 4.24].
type LEFlowControlCredit struct {
	CID     uint16
	Credits uint16
}

// Code returns the signaling code of the command.
func (s LEFlowControlCredit) Code() int { return SignalLEFlowControlCredit }

// Marshal serializes the command parameters into binary form.
func (s *LEFlowControlCredit) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *LEFlowControlCredit) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}
