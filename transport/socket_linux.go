//go:build linux

package transport

import (
	"io"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func ioR(t, nr, size uintptr) uintptr {
	return (2 << 30) | (t << 8) | nr | (size << 16)
}

func ioW(t, nr, size uintptr) uintptr {
	return (1 << 30) | (t << 8) | nr | (size << 16)
}

func ioctl(fd, op, arg uintptr) error {
	if _, _, ep := unix.Syscall(unix.SYS_IOCTL, fd, op, arg); ep != 0 {
		return ep
	}
	return nil
}

const (
	ioctlSize     = 4
	hciMaxDevices = 16
	typHCI        = 72 // 'H'

	pollTimeoutMs  = 1000
	unixPollErrors = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
	unixPollDataIn = int16(unix.POLLIN)
)

var (
	hciDownDevice    = ioW(typHCI, 202, ioctlSize) // HCIDEVDOWN
	hciGetDeviceList = ioR(typHCI, 210, ioctlSize) // HCIGETDEVLIST
)

type devListRequest struct {
	devNum     uint16
	devRequest [hciMaxDevices]struct {
		id  uint16
		opt uint32
	}
}

// hciSocket is an HCI User Channel bound to a single controller. The user
// channel gives the host exclusive, raw access to the device.
type hciSocket struct {
	fd   int
	rmu  sync.Mutex
	wmu  sync.Mutex
	done chan struct{}
	cmu  sync.Mutex
}

// NewHCISocket binds the HCI user channel of device id. Pass -1 to bind the
// first free device.
func NewHCISocket(id int) (Transport, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, errors.Wrap(err, "create hci socket")
	}

	if id != -1 {
		s, err := bindChannel(fd, id)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		return s, nil
	}

	req := devListRequest{devNum: hciMaxDevices}
	if err := ioctl(uintptr(fd), hciGetDeviceList, uintptr(unsafe.Pointer(&req))); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "get hci device list")
	}
	for id := 0; id < int(req.devNum); id++ {
		if s, err := bindChannel(fd, id); err == nil {
			return s, nil
		}
	}
	unix.Close(fd)
	return nil, errors.New("no hci devices available")
}

func bindChannel(fd, id int) (*hciSocket, error) {
	// The device has to be down at the time of binding.
	if err := ioctl(uintptr(fd), hciDownDevice, uintptr(id)); err != nil {
		return nil, errors.Wrap(err, "down hci device")
	}

	sa := unix.SockaddrHCI{Dev: uint16(id), Channel: unix.HCI_CHANNEL_USER}
	if err := unix.Bind(fd, &sa); err != nil {
		return nil, errors.Wrap(err, "bind hci user channel")
	}

	// drain anything buffered before the host took over
	pfds := []unix.PollFd{{Fd: int32(fd), Events: unixPollDataIn}}
	unix.Poll(pfds, 20)
	if pfds[0].Revents&unixPollErrors != 0 {
		return nil, io.EOF
	}
	if pfds[0].Revents&unixPollDataIn != 0 {
		b := make([]byte, 2048)
		unix.Read(fd, b)
	}

	return &hciSocket{fd: fd, done: make(chan struct{})}, nil
}

// Read fills p with one HCI packet. A poll timeout returns (0, nil) so the
// caller can notice shutdown without blocking forever.
func (s *hciSocket) Read(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.EOF
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()

	pfds := []unix.PollFd{{Fd: int32(s.fd), Events: unixPollDataIn}}
	unix.Poll(pfds, pollTimeoutMs)
	evts := pfds[0].Revents

	switch {
	case evts&unixPollErrors != 0:
		return 0, io.EOF
	case evts&unixPollDataIn != 0:
		n, err := unix.Read(s.fd, p)
		if !s.isOpen() {
			return 0, io.EOF
		}
		return n, errors.Wrap(err, "read hci socket")
	default:
		return 0, nil
	}
}

func (s *hciSocket) Write(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.EOF
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	n, err := unix.Write(s.fd, p)
	return n, errors.Wrap(err, "write hci socket")
}

func (s *hciSocket) Close() error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
		s.rmu.Lock()
		err := unix.Close(s.fd)
		s.rmu.Unlock()
		return errors.Wrap(err, "close hci socket")
	}
}

func (s *hciSocket) isOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
