package smp

import "github.com/embhost/ble"

var logger = ble.GetLogger()

// SetLogger replaces the package logger.
func SetLogger(l ble.Logger) { logger = l }
