package ble

import "github.com/pkg/errors"

// Resource exhaustion and protocol errors surfaced by the host stack.
// Exhaustion errors are expected under load and are always recoverable;
// callers decide whether to retry, drop, or apply backpressure.
var (
	// ErrPoolExhausted is returned by the packet pool when no free buffer
	// is available. It never blocks the caller.
	ErrPoolExhausted = errors.New("packet pool exhausted")

	// ErrQueueFull is returned by a non-blocking push onto a full queue.
	ErrQueueFull = errors.New("queue full")

	// ErrQueueEmpty is returned by a non-blocking pop from an empty queue.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrTableFull is returned when all connection, channel, or advertising
	// set slots are occupied.
	ErrTableFull = errors.New("table full")

	// ErrNoCredit is returned when a send is attempted on a credit-based
	// channel with zero peer credit.
	ErrNoCredit = errors.New("no flow control credit")

	// ErrInvalidState is returned when an operation is attempted on a
	// connection or channel in the wrong lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrMTUExceeded is returned when a payload exceeds the channel or
	// pool MTU.
	ErrMTUExceeded = errors.New("mtu exceeded")

	// ErrClosed is returned on operations against a closed stack,
	// connection, or channel.
	ErrClosed = errors.New("closed")

	// ErrNotFit is returned when an AD structure does not fit into the
	// remaining advertising payload.
	ErrNotFit = errors.New("does not fit")
)
