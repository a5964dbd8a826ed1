package host

import "github.com/embhost/ble"

var logger = ble.GetLogger()

// SetLogger replaces the package logger. Call before the stack starts.
func SetLogger(l ble.Logger) {
	logger = l
}
