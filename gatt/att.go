// Package gatt implements a GATT server and client over the ATT fixed
// channel of a connection.
package gatt

import (
	"fmt"

	"github.com/embhost/ble"
)

// ATT protocol opcodes [Vol 3, Part F, 3.4.8].
const (
	attErrorRsp           = 0x01
	attExchangeMTUReq     = 0x02
	attExchangeMTURsp     = 0x03
	attFindInfoReq        = 0x04
	attFindInfoRsp        = 0x05
	attFindByTypeValueReq = 0x06
	attFindByTypeValueRsp = 0x07
	attReadByTypeReq      = 0x08
	attReadByTypeRsp      = 0x09
	attReadReq            = 0x0A
	attReadRsp            = 0x0B
	attReadBlobReq        = 0x0C
	attReadBlobRsp        = 0x0D
	attReadByGroupReq     = 0x10
	attReadByGroupRsp     = 0x11
	attWriteReq           = 0x12
	attWriteRsp           = 0x13
	attWriteCmd           = 0x52
	attHandleValueNotify  = 0x1B
	attHandleValueInd     = 0x1D
	attHandleValueConfirm = 0x1E
)

// ATT error codes [Vol 3, Part F, 3.4.1.1].
const (
	ErrInvalidHandle         = 0x01
	ErrReadNotPermitted      = 0x02
	ErrWriteNotPermitted     = 0x03
	ErrInvalidPDU            = 0x04
	ErrRequestNotSupported   = 0x06
	ErrInvalidOffset         = 0x07
	ErrAttrNotFound          = 0x0A
	ErrAttrNotLong           = 0x0B
	ErrInvalidAttrValueLen   = 0x0D
	ErrUnlikely              = 0x0E
	ErrUnsupportedGroupType  = 0x10
	ErrInsufficientResources = 0x11
)

// ATTError is an Error Response received from, or destined for, a peer.
type ATTError struct {
	Opcode byte
	Handle uint16
	Code   byte
}

func (e *ATTError) Error() string {
	return fmt.Sprintf("att error: opcode %#02x handle %#04x code %#02x", e.Opcode, e.Handle, e.Code)
}

// Attribute types used by the table [Vol 3, Part G, 3].
var (
	uuidPrimaryService = ble.UUID16(0x2800)
	uuidCharacteristic = ble.UUID16(0x2803)
	uuidCCCD           = ble.UUID16(0x2902)
)

// Characteristic property bits [Vol 3, Part G, 3.3.1.1].
const (
	PropRead     = 0x02
	PropWriteCmd = 0x04
	PropWrite    = 0x08
	PropNotify   = 0x10
	PropIndicate = 0x20
)

// CCCD value bits.
const (
	cccNotify   = 0x0001
	cccIndicate = 0x0002
)
