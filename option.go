package ble

import "time"

// StackOption is implemented by the host stack to accept configuration
// options at construction time.
type StackOption interface {
	SetCentralRole() error
	SetPeripheralRole() error
	SetErrorHandler(handler func(error)) error
	SetDialerTimeout(time.Duration) error
	SetListenerTimeout(time.Duration) error
	SetRandomAddress(Addr) error
	SetSecuritySeed([]byte) error
	SetBondFile(string) error
	SetLogger(Logger) error
}

// An Option configures the stack at construction. Options are applied once;
// the configuration surface is immutable after the stack starts running.
type Option func(StackOption) error

// OptCentralRole enables the central front-end.
func OptCentralRole() Option {
	return func(opt StackOption) error {
		return opt.SetCentralRole()
	}
}

// OptPeripheralRole enables the peripheral front-end.
func OptPeripheralRole() Option {
	return func(opt StackOption) error {
		return opt.SetPeripheralRole()
	}
}

// OptErrorHandler sets the handler invoked for asynchronous stack errors.
func OptErrorHandler(handler func(error)) Option {
	return func(opt StackOption) error {
		return opt.SetErrorHandler(handler)
	}
}

// OptDialerTimeout bounds connection establishment for the central.
func OptDialerTimeout(d time.Duration) Option {
	return func(opt StackOption) error {
		return opt.SetDialerTimeout(d)
	}
}

// OptListenerTimeout bounds Accept for the peripheral.
func OptListenerTimeout(d time.Duration) Option {
	return func(opt StackOption) error {
		return opt.SetListenerTimeout(d)
	}
}

// OptRandomAddress sets the link-layer random address before startup.
func OptRandomAddress(a Addr) Option {
	return func(opt StackOption) error {
		return opt.SetRandomAddress(a)
	}
}

// OptSecuritySeed seeds the security manager's nonce generation.
func OptSecuritySeed(seed []byte) Option {
	return func(opt StackOption) error {
		return opt.SetSecuritySeed(seed)
	}
}

// OptBondFile sets the file used to persist pairing bonds.
func OptBondFile(path string) Option {
	return func(opt StackOption) error {
		return opt.SetBondFile(path)
	}
}

// OptLogger installs a custom logger on the stack.
func OptLogger(l Logger) Option {
	return func(opt StackOption) error {
		return opt.SetLogger(l)
	}
}
