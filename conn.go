package ble

import (
	"context"
)

// Role is the link-layer role of the local device on a connection.
type Role uint8

// Connection roles, as reported by the controller.
const (
	RoleCentral    Role = 0x00
	RolePeripheral Role = 0x01
)

// Conn is an established LE connection. PDU reads and writes go through the
// ATT fixed channel; connection-oriented channels are opened with OpenChannel.
type Conn interface {
	// LocalAddr returns the local device address.
	LocalAddr() Addr

	// RemoteAddr returns the peer device address.
	RemoteAddr() Addr

	// Handle returns the connection handle assigned by the controller.
	Handle() uint16

	// Role returns the local role on this connection.
	Role() Role

	// RxMTU returns the ATT_MTU the local device accepts.
	RxMTU() int

	// SetRxMTU sets the ATT_MTU the local device accepts.
	SetRxMTU(mtu int)

	// TxMTU returns the ATT_MTU the peer accepts.
	TxMTU() int

	// SetTxMTU sets the ATT_MTU the peer accepts.
	SetTxMTU(mtu int)

	// ReadPDU returns the next complete PDU from the ATT fixed channel.
	ReadPDU(ctx context.Context) ([]byte, error)

	// WritePDU sends a PDU on the ATT fixed channel, waiting for queue
	// space if necessary.
	WritePDU(ctx context.Context, b []byte) error

	// TryWritePDU sends a PDU on the ATT fixed channel without blocking.
	// It returns ErrQueueFull when the TX queue has no space.
	TryWritePDU(b []byte) error

	// OpenChannel establishes an LE credit based connection-oriented
	// channel to the given PSM.
	OpenChannel(ctx context.Context, psm uint16) (Channel, error)

	// Disconnected returns a channel that is closed when the connection
	// is torn down.
	Disconnected() <-chan struct{}

	// Close initiates disconnection.
	Close() error
}

// ChannelInfo describes an open connection-oriented channel.
type ChannelInfo struct {
	LocalCID  uint16
	RemoteCID uint16
	PeerMTU   uint16
	PeerMPS   uint16
}

// Channel is an open LE credit based connection-oriented channel carrying
// SDUs under credit-based flow control.
type Channel interface {
	// Send queues an SDU for transmission, waiting for TX queue space.
	Send(ctx context.Context, b []byte) error

	// TrySend queues an SDU without blocking; ErrQueueFull when the TX
	// queue has no space.
	TrySend(b []byte) error

	// Receive returns the next reassembled SDU.
	Receive(ctx context.Context) ([]byte, error)

	// Info returns the negotiated channel parameters.
	Info() ChannelInfo

	// Close disconnects the channel.
	Close() error
}
