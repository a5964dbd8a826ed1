// Package host implements the BLE host stack core: the shared packet pool,
// bounded packet queues, the connection and channel tables, L2CAP credit
// based flow control, advertising sets, and the runner loop that owns the
// controller transport.
package host

import (
	"github.com/pkg/errors"

	"github.com/embhost/ble/hci"
)

// Config fixes every resource bound of a stack instance. It is applied once
// at construction and never mutated afterwards; all sizing errors are fatal
// to startup.
type Config struct {
	// PoolCapacity is the number of packet buffers in the shared pool.
	PoolCapacity int

	// PoolMTU is the usable payload size of each pool buffer. It bounds
	// the largest L2CAP SDU the stack can carry.
	PoolMTU int

	// EventQueueDepth bounds the per-connection lifecycle event queue.
	EventQueueDepth int

	// RxQueueDepth and TxQueueDepth bound the per-channel data queues.
	// RxQueueDepth also caps the credits granted to a peer on a credit
	// based channel.
	RxQueueDepth int
	TxQueueDepth int

	// MaxConnections and MaxChannels size the connection and channel
	// tables. Fixed channels (ATT, signaling, SMP) do not consume
	// MaxChannels slots.
	MaxConnections int
	MaxChannels    int

	// MaxAdvSets bounds the advertising set table.
	MaxAdvSets int

	// MaxNotifySubscribers and NotifyQueueDepth bound the GATT
	// notification fan-out per server.
	MaxNotifySubscribers int
	NotifyQueueDepth     int
}

// DefaultConfig favors low memory use over throughput.
func DefaultConfig() Config {
	return Config{
		PoolCapacity:         8,
		PoolMTU:              251,
		EventQueueDepth:      4,
		RxQueueDepth:         4,
		TxQueueDepth:         4,
		MaxConnections:       2,
		MaxChannels:          4,
		MaxAdvSets:           1,
		MaxNotifySubscribers: 2,
		NotifyQueueDepth:     4,
	}
}

// Validate reports the first configuration error. Any violation is fatal to
// stack construction.
func (c Config) Validate() error {
	switch {
	case c.PoolCapacity < 1:
		return errors.New("config: pool capacity must be at least 1")
	case c.PoolMTU < hci.DefaultMTU:
		return errors.Errorf("config: pool mtu %d below protocol minimum %d", c.PoolMTU, hci.DefaultMTU)
	case c.PoolMTU > hci.MaxMTU:
		return errors.Errorf("config: pool mtu %d above protocol maximum %d", c.PoolMTU, hci.MaxMTU)
	case c.EventQueueDepth < 1:
		return errors.New("config: event queue depth must be at least 1")
	case c.RxQueueDepth < 1:
		return errors.New("config: rx queue depth must be at least 1")
	case c.TxQueueDepth < 1:
		return errors.New("config: tx queue depth must be at least 1")
	case c.MaxConnections < 1:
		return errors.New("config: at least one connection slot is required")
	case c.MaxChannels < 0:
		return errors.New("config: negative channel count")
	case c.MaxAdvSets < 0:
		return errors.New("config: negative advertising set count")
	case c.MaxNotifySubscribers < 0 || c.NotifyQueueDepth < 0:
		return errors.New("config: negative notification bounds")
	}
	return nil
}
