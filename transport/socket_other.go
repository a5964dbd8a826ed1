//go:build !linux

package transport

import "github.com/pkg/errors"

// NewHCISocket is only available on Linux, where the kernel exposes the HCI
// user channel. Other platforms use an H4 transport.
func NewHCISocket(id int) (Transport, error) {
	return nil, errors.New("hci socket transport requires linux")
}
