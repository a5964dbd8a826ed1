// Package evt provides views over the HCI event packets consumed by the host.
package evt

// Event codes handled by the host [Vol 2, Part E, 7.7].
const (
	DisconnectionCompleteCode    = 0x05
	EncryptionChangeCode         = 0x08
	CommandCompleteCode          = 0x0E
	CommandStatusCode            = 0x0F
	HardwareErrorCode            = 0x10
	NumberOfCompletedPacketsCode = 0x13
	LEMetaCode                   = 0x3E
)

// LE Meta subevent codes [Vol 2, Part E, 7.7.65].
const (
	LEConnectionCompleteSubCode       = 0x01
	LEAdvertisingReportSubCode        = 0x02
	LEConnectionUpdateCompleteSubCode = 0x03
	LELongTermKeyRequestSubCode       = 0x05
)

type CommandComplete []byte

func (e CommandComplete) NumHCICommandPackets() uint8 {
	v, _ := e.NumHCICommandPacketsWErr()
	return v
}

func (e CommandComplete) CommandOpcode() uint16 {
	v, _ := e.CommandOpcodeWErr()
	return v
}

func (e CommandComplete) ReturnParameters() []byte {
	v, _ := e.ReturnParametersWErr()
	return v
}

type CommandStatus []byte

func (e CommandStatus) Status() uint8 {
	v, _ := e.StatusWErr()
	return v
}

func (e CommandStatus) NumHCICommandPackets() uint8 {
	v, _ := e.NumHCICommandPacketsWErr()
	return v
}

func (e CommandStatus) CommandOpcode() uint16 {
	v, _ := e.CommandOpcodeWErr()
	return v
}

// Valid reports whether the packet carries all three status fields.
func (e CommandStatus) Valid() bool { return len(e) >= 4 }

type DisconnectionComplete []byte

func (e DisconnectionComplete) Status() uint8 {
	v, _ := e.StatusWErr()
	return v
}

func (e DisconnectionComplete) ConnectionHandle() uint16 {
	v, _ := e.ConnectionHandleWErr()
	return v
}

func (e DisconnectionComplete) Reason() uint8 {
	v, _ := e.ReasonWErr()
	return v
}

type NumberOfCompletedPackets []byte

func (e NumberOfCompletedPackets) NumberOfHandles() uint8 {
	v, _ := e.NumberOfHandlesWErr()
	return v
}

func (e NumberOfCompletedPackets) ConnectionHandle(i int) uint16 {
	v, _ := e.ConnectionHandleWErr(i)
	return v
}

func (e NumberOfCompletedPackets) HCNumOfCompletedPackets(i int) uint16 {
	v, _ := e.HCNumOfCompletedPacketsWErr(i)
	return v
}

type EncryptionChange []byte

func (e EncryptionChange) Status() uint8 {
	v, _ := e.StatusWErr()
	return v
}

func (e EncryptionChange) ConnectionHandle() uint16 {
	v, _ := e.ConnectionHandleWErr()
	return v
}

func (e EncryptionChange) EncryptionEnabled() uint8 {
	v, _ := e.EncryptionEnabledWErr()
	return v
}

// LEConnectionComplete is viewed with the subevent code still in front,
// as delivered by the LE Meta dispatcher.
type LEConnectionComplete []byte

func (e LEConnectionComplete) SubeventCode() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e LEConnectionComplete) Status() uint8 {
	v, _ := e.StatusWErr()
	return v
}

func (e LEConnectionComplete) ConnectionHandle() uint16 {
	v, _ := e.ConnectionHandleWErr()
	return v
}

func (e LEConnectionComplete) Role() uint8 {
	v, _ := e.RoleWErr()
	return v
}

func (e LEConnectionComplete) PeerAddressType() uint8 {
	v, _ := getByte(e, 5, 0xff)
	return v
}

func (e LEConnectionComplete) PeerAddress() [6]byte {
	v, _ := e.PeerAddressWErr()
	return v
}

func (e LEConnectionComplete) ConnInterval() uint16 {
	v, _ := getUint16LE(e, 12, 0)
	return v
}

func (e LEConnectionComplete) ConnLatency() uint16 {
	v, _ := getUint16LE(e, 14, 0)
	return v
}

func (e LEConnectionComplete) SupervisionTimeout() uint16 {
	v, _ := getUint16LE(e, 16, 0)
	return v
}

type LEConnectionUpdateComplete []byte

func (e LEConnectionUpdateComplete) Status() uint8 {
	v, _ := getByte(e, 1, 0xff)
	return v
}

func (e LEConnectionUpdateComplete) ConnectionHandle() uint16 {
	v, _ := getUint16LE(e, 2, 0xffff)
	return v
}

func (e LEConnectionUpdateComplete) ConnInterval() uint16 {
	v, _ := getUint16LE(e, 4, 0)
	return v
}

type LELongTermKeyRequest []byte

func (e LELongTermKeyRequest) ConnectionHandle() uint16 {
	v, _ := getUint16LE(e, 1, 0xffff)
	return v
}

func (e LELongTermKeyRequest) RandomNumber() []byte {
	v, _ := getBytes(e, 3, 8)
	return v
}

func (e LELongTermKeyRequest) EncryptedDiversifier() uint16 {
	v, _ := getUint16LE(e, 11, 0)
	return v
}

// LEAdvertisingReport is viewed with the subevent code still in front.
// The host only consumes single-report wrappers; multi-report packets are
// rejected by the caller.
type LEAdvertisingReport []byte

func (e LEAdvertisingReport) SubeventCode() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e LEAdvertisingReport) NumReports() uint8 {
	v, _ := e.NumReportsWErr()
	return v
}

func (e LEAdvertisingReport) EventType() uint8 {
	v, _ := e.EventTypeWErr()
	return v
}

func (e LEAdvertisingReport) AddressType() uint8 {
	v, _ := getByte(e, 3, 0xff)
	return v
}

func (e LEAdvertisingReport) Address() [6]byte {
	v, _ := e.AddressWErr()
	return v
}

func (e LEAdvertisingReport) Data() []byte {
	v, _ := e.DataWErr()
	return v
}

func (e LEAdvertisingReport) RSSI() int8 {
	v, _ := e.RSSIWErr()
	return v
}
