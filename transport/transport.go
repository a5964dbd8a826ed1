// Package transport provides the duplex HCI packet transports the host stack
// drives: an H4 UART link, an H4 TCP socket, the Linux HCI user channel, and
// an in-memory loopback controller used in tests.
//
// The contract with the host is packet oriented: every successful Read fills
// p with exactly one complete HCI packet (indicator byte included), and every
// Write carries exactly one. Stream transports perform frame assembly
// internally.
package transport

import "io"

// Transport is the duplex host-controller interface consumed by the stack.
type Transport interface {
	io.ReadWriteCloser
}
