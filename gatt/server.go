package gatt

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
)

// ReadFunc produces an attribute value on demand. It writes at most len(buf)
// bytes starting at offset into buf and returns the number written, or an
// ATT error code wrapped in *ATTError.
type ReadFunc func(offset int, buf []byte) (int, error)

// WriteFunc applies a client write to an attribute.
type WriteFunc func(value []byte) error

// ServerConfig fixes the server's resource bounds.
type ServerConfig struct {
	// MaxAttributes bounds the attribute table.
	MaxAttributes int

	// MaxNotifySubscribers and NotifyQueueDepth bound notification
	// fan-out: at most MaxNotifySubscribers CCCD subscriptions, each with
	// its own bounded delivery queue. A full queue drops notifications
	// for that subscriber only.
	MaxNotifySubscribers int
	NotifyQueueDepth     int

	// MTU is the largest ATT_MTU the server accepts in MTU exchange.
	MTU int
}

// DefaultServerConfig matches the host defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxAttributes:        32,
		MaxNotifySubscribers: 2,
		NotifyQueueDepth:     4,
		MTU:                  247,
	}
}

type attr struct {
	handle   uint16
	typ      ble.UUID
	value    []byte
	props    uint8
	endGroup uint16 // last handle of the group, for service declarations
	cccd     uint16 // CCCD handle of this characteristic value, or 0
	onRead   ReadFunc
	onWrite  WriteFunc
}

func (a *attr) readable() bool {
	if a.typ.Equal(uuidPrimaryService) || a.typ.Equal(uuidCharacteristic) || a.typ.Equal(uuidCCCD) {
		return true
	}
	return a.props&PropRead != 0 || a.onRead != nil
}

func (a *attr) writable() bool {
	return a.props&(PropWrite|PropWriteCmd) != 0 || a.onWrite != nil
}

// subscriber is one CCCD subscription with its bounded delivery queue.
type subscriber struct {
	conn  ble.Conn
	cccd  uint16
	mode  uint16
	queue chan []byte
	done  chan struct{}
}

// session is the per-connection server state.
type session struct {
	conn    ble.Conn
	mtu     int
	confirm chan struct{}
}

// Server is a fixed-capacity GATT server. Build the attribute table with
// AddService/AddCharacteristic before calling Serve; the table is immutable
// while serving.
type Server struct {
	cfg   ServerConfig
	attrs []attr

	mu       sync.Mutex
	subs     []*subscriber
	sessions map[ble.Conn]*session
}

// NewServer creates an empty server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg:      cfg,
		attrs:    make([]attr, 0, cfg.MaxAttributes),
		subs:     make([]*subscriber, cfg.MaxNotifySubscribers),
		sessions: make(map[ble.Conn]*session),
	}
}

func (s *Server) addAttr(a attr) (uint16, error) {
	if len(s.attrs) == cap(s.attrs) {
		return 0, errors.Wrap(ble.ErrTableFull, "attribute table")
	}
	a.handle = uint16(len(s.attrs) + 1)
	s.attrs = append(s.attrs, a)
	return a.handle, nil
}

func (s *Server) at(handle uint16) *attr {
	if handle == 0 || int(handle) > len(s.attrs) {
		return nil
	}
	return &s.attrs[handle-1]
}

// Service is a handle on a declared service.
type Service struct {
	s    *Server
	decl uint16
}

// AddService appends a primary service declaration.
func (s *Server) AddService(u ble.UUID) (*Service, error) {
	h, err := s.addAttr(attr{typ: uuidPrimaryService, value: u, endGroup: 0xFFFF})
	if err != nil {
		return nil, err
	}
	// the previous service's group ends where this one begins
	for i := int(h) - 2; i >= 0; i-- {
		if s.attrs[i].typ.Equal(uuidPrimaryService) {
			s.attrs[i].endGroup = h - 1
			break
		}
	}
	return &Service{s: s, decl: h}, nil
}

// Characteristic is a handle on a declared characteristic.
type Characteristic struct {
	s           *Server
	ValueHandle uint16
	CCCDHandle  uint16
}

// AddCharacteristic appends a characteristic declaration, its value
// attribute holding the given initial value, and, when the properties allow
// notification or indication, a CCCD.
func (svc *Service) AddCharacteristic(u ble.UUID, props uint8, value []byte) (*Characteristic, error) {
	s := svc.s
	decl := attr{typ: uuidCharacteristic}
	if _, err := s.addAttr(decl); err != nil {
		return nil, err
	}
	declIdx := len(s.attrs) - 1

	v := make([]byte, len(value))
	copy(v, value)
	vh, err := s.addAttr(attr{typ: u, props: props, value: v})
	if err != nil {
		return nil, err
	}

	// declaration value: properties, value handle, characteristic UUID
	dv := make([]byte, 3+len(u))
	dv[0] = props
	binary.LittleEndian.PutUint16(dv[1:], vh)
	copy(dv[3:], u)
	s.attrs[declIdx].value = dv

	c := &Characteristic{s: s, ValueHandle: vh}
	if props&(PropNotify|PropIndicate) != 0 {
		ch, err := s.addAttr(attr{typ: uuidCCCD})
		if err != nil {
			return nil, err
		}
		c.CCCDHandle = ch
		s.attrs[vh-1].cccd = ch
	}
	return c, nil
}

// HandleRead installs a dynamic read handler on the characteristic value.
func (c *Characteristic) HandleRead(fn ReadFunc) { c.s.attrs[c.ValueHandle-1].onRead = fn }

// HandleWrite installs a write handler on the characteristic value.
func (c *Characteristic) HandleWrite(fn WriteFunc) { c.s.attrs[c.ValueHandle-1].onWrite = fn }

// SetValue replaces the characteristic's stored value.
func (c *Characteristic) SetValue(value []byte) {
	s := c.s
	s.mu.Lock()
	v := make([]byte, len(value))
	copy(v, value)
	s.attrs[c.ValueHandle-1].value = v
	s.mu.Unlock()
}

// Serve answers ATT requests on c until the context is done or the
// connection drops. Subscriptions made by the peer are torn down on return.
func (s *Server) Serve(ctx context.Context, c ble.Conn) error {
	sess := &session{conn: c, mtu: 23, confirm: make(chan struct{}, 1)}
	s.mu.Lock()
	s.sessions[c] = sess
	s.mu.Unlock()
	defer s.detach(c)

	for {
		req, err := c.ReadPDU(ctx)
		if err != nil {
			return err
		}
		if len(req) == 0 {
			continue
		}
		if req[0] == attHandleValueConfirm {
			select {
			case sess.confirm <- struct{}{}:
			default:
			}
			continue
		}
		rsp := s.handleReq(sess, req)
		if rsp == nil {
			continue // commands have no response
		}
		if err := c.WritePDU(ctx, rsp); err != nil {
			return err
		}
	}
}

func (s *Server) detach(c ble.Conn) {
	s.mu.Lock()
	delete(s.sessions, c)
	for i, sub := range s.subs {
		if sub != nil && sub.conn == c {
			close(sub.done)
			s.subs[i] = nil
		}
	}
	s.mu.Unlock()
}

func errRsp(op byte, handle uint16, code byte) []byte {
	return []byte{attErrorRsp, op, byte(handle), byte(handle >> 8), code}
}

func (s *Server) handleReq(sess *session, req []byte) []byte {
	op := req[0]
	switch op {
	case attExchangeMTUReq:
		return s.exchangeMTU(sess, req)
	case attFindInfoReq:
		return s.findInfo(sess, req)
	case attFindByTypeValueReq:
		return s.findByTypeValue(sess, req)
	case attReadByTypeReq:
		return s.readByType(sess, req)
	case attReadReq:
		return s.read(sess, req)
	case attReadBlobReq:
		return s.readBlob(sess, req)
	case attReadByGroupReq:
		return s.readByGroup(sess, req)
	case attWriteReq:
		return s.write(sess, req, true)
	case attWriteCmd:
		return s.write(sess, req, false)
	default:
		if op&0x40 != 0 { // commands are silently ignored
			return nil
		}
		return errRsp(op, 0, ErrRequestNotSupported)
	}
}

func (s *Server) exchangeMTU(sess *session, req []byte) []byte {
	if len(req) != 3 {
		return errRsp(req[0], 0, ErrInvalidPDU)
	}
	client := int(binary.LittleEndian.Uint16(req[1:]))
	mtu := s.cfg.MTU
	if client < mtu {
		mtu = client
	}
	if mtu < 23 {
		mtu = 23
	}
	sess.mtu = mtu
	sess.conn.SetTxMTU(mtu)
	sess.conn.SetRxMTU(mtu)
	rsp := make([]byte, 3)
	rsp[0] = attExchangeMTURsp
	binary.LittleEndian.PutUint16(rsp[1:], uint16(s.cfg.MTU))
	return rsp
}

func (s *Server) findInfo(sess *session, req []byte) []byte {
	if len(req) != 5 {
		return errRsp(req[0], 0, ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(req[1:])
	end := binary.LittleEndian.Uint16(req[3:])
	if start == 0 || start > end {
		return errRsp(req[0], start, ErrInvalidHandle)
	}
	rsp := []byte{attFindInfoRsp, 0}
	var ulen int
	for h := start; h <= end && int(h) <= len(s.attrs); h++ {
		a := s.at(h)
		if ulen == 0 {
			ulen = a.typ.Len()
			if ulen == 2 {
				rsp[1] = 0x01
			} else {
				rsp[1] = 0x02
			}
		}
		if a.typ.Len() != ulen || len(rsp)+2+ulen > sess.mtu {
			break
		}
		var hb [2]byte
		binary.LittleEndian.PutUint16(hb[:], a.handle)
		rsp = append(rsp, hb[:]...)
		rsp = append(rsp, a.typ...)
	}
	if len(rsp) == 2 {
		return errRsp(req[0], start, ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) findByTypeValue(sess *session, req []byte) []byte {
	if len(req) < 7 {
		return errRsp(req[0], 0, ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(req[1:])
	end := binary.LittleEndian.Uint16(req[3:])
	typ := ble.UUID(req[5:7])
	val := req[7:]
	if start == 0 || start > end {
		return errRsp(req[0], start, ErrInvalidHandle)
	}
	rsp := []byte{attFindByTypeValueRsp}
	for h := start; h <= end && int(h) <= len(s.attrs); h++ {
		a := s.at(h)
		if !a.typ.Equal(typ) || !bytes.Equal(a.value, val) {
			continue
		}
		if len(rsp)+4 > sess.mtu {
			break
		}
		group := a.handle
		if a.endGroup != 0 {
			group = a.endGroup
		}
		var e [4]byte
		binary.LittleEndian.PutUint16(e[:], a.handle)
		binary.LittleEndian.PutUint16(e[2:], group)
		rsp = append(rsp, e[:]...)
	}
	if len(rsp) == 1 {
		return errRsp(req[0], start, ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) readByType(sess *session, req []byte) []byte {
	if len(req) != 7 && len(req) != 21 {
		return errRsp(req[0], 0, ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(req[1:])
	end := binary.LittleEndian.Uint16(req[3:])
	typ := ble.UUID(req[5:])
	if start == 0 || start > end {
		return errRsp(req[0], start, ErrInvalidHandle)
	}
	rsp := []byte{attReadByTypeRsp, 0}
	elen := 0
	for h := start; h <= end && int(h) <= len(s.attrs); h++ {
		a := s.at(h)
		if !a.typ.Equal(typ) {
			continue
		}
		if !a.readable() {
			if len(rsp) == 2 {
				return errRsp(req[0], h, ErrReadNotPermitted)
			}
			break
		}
		v, code := s.attrValue(a, 0, sess.mtu-4)
		if code != 0 {
			if len(rsp) == 2 {
				return errRsp(req[0], h, code)
			}
			break
		}
		if elen == 0 {
			elen = 2 + len(v)
			rsp[1] = byte(elen)
		}
		if 2+len(v) != elen || len(rsp)+elen > sess.mtu {
			break
		}
		var hb [2]byte
		binary.LittleEndian.PutUint16(hb[:], a.handle)
		rsp = append(rsp, hb[:]...)
		rsp = append(rsp, v...)
	}
	if len(rsp) == 2 {
		return errRsp(req[0], start, ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) readByGroup(sess *session, req []byte) []byte {
	if len(req) != 7 && len(req) != 21 {
		return errRsp(req[0], 0, ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(req[1:])
	end := binary.LittleEndian.Uint16(req[3:])
	typ := ble.UUID(req[5:])
	if start == 0 || start > end {
		return errRsp(req[0], start, ErrInvalidHandle)
	}
	if !typ.Equal(uuidPrimaryService) {
		return errRsp(req[0], start, ErrUnsupportedGroupType)
	}
	rsp := []byte{attReadByGroupRsp, 0}
	elen := 0
	for h := start; h <= end && int(h) <= len(s.attrs); h++ {
		a := s.at(h)
		if !a.typ.Equal(uuidPrimaryService) {
			continue
		}
		if elen == 0 {
			elen = 4 + len(a.value)
			rsp[1] = byte(elen)
		}
		if 4+len(a.value) != elen || len(rsp)+elen > sess.mtu {
			break
		}
		var e [4]byte
		binary.LittleEndian.PutUint16(e[:], a.handle)
		binary.LittleEndian.PutUint16(e[2:], a.endGroup)
		rsp = append(rsp, e[:]...)
		rsp = append(rsp, a.value...)
	}
	if len(rsp) == 2 {
		return errRsp(req[0], start, ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) read(sess *session, req []byte) []byte {
	if len(req) != 3 {
		return errRsp(req[0], 0, ErrInvalidPDU)
	}
	h := binary.LittleEndian.Uint16(req[1:])
	return s.readAt(sess, req[0], h, 0, attReadRsp)
}

func (s *Server) readBlob(sess *session, req []byte) []byte {
	if len(req) != 5 {
		return errRsp(req[0], 0, ErrInvalidPDU)
	}
	h := binary.LittleEndian.Uint16(req[1:])
	off := int(binary.LittleEndian.Uint16(req[3:]))
	return s.readAt(sess, req[0], h, off, attReadBlobRsp)
}

func (s *Server) readAt(sess *session, op byte, h uint16, off int, rspOp byte) []byte {
	a := s.at(h)
	if a == nil {
		return errRsp(op, h, ErrInvalidHandle)
	}
	if !a.readable() {
		return errRsp(op, h, ErrReadNotPermitted)
	}
	if a.typ.Equal(uuidCCCD) {
		// CCCD values are per connection
		var v [2]byte
		binary.LittleEndian.PutUint16(v[:], s.cccValue(sess.conn, h))
		return append([]byte{rspOp}, v[:]...)
	}
	v, code := s.attrValue(a, off, sess.mtu-1)
	if code != 0 {
		return errRsp(op, h, code)
	}
	return append([]byte{rspOp}, v...)
}

// attrValue materializes an attribute value slice, bounded to max bytes.
func (s *Server) attrValue(a *attr, off, max int) ([]byte, byte) {
	if a.onRead != nil {
		buf := make([]byte, max)
		n, err := a.onRead(off, buf)
		if err != nil {
			var ae *ATTError
			if errors.As(err, &ae) {
				return nil, ae.Code
			}
			return nil, ErrUnlikely
		}
		return buf[:n], 0
	}
	s.mu.Lock()
	v := a.value
	s.mu.Unlock()
	if off > len(v) {
		return nil, ErrInvalidOffset
	}
	v = v[off:]
	if len(v) > max {
		v = v[:max]
	}
	return v, 0
}

func (s *Server) write(sess *session, req []byte, withRsp bool) []byte {
	if len(req) < 3 {
		if !withRsp {
			return nil
		}
		return errRsp(req[0], 0, ErrInvalidPDU)
	}
	h := binary.LittleEndian.Uint16(req[1:])
	val := req[3:]
	a := s.at(h)
	fail := func(code byte) []byte {
		if !withRsp {
			return nil
		}
		return errRsp(req[0], h, code)
	}
	if a == nil {
		return fail(ErrInvalidHandle)
	}
	if a.typ.Equal(uuidCCCD) {
		if len(val) != 2 {
			return fail(ErrInvalidAttrValueLen)
		}
		if code := s.setCCC(sess.conn, h, binary.LittleEndian.Uint16(val)); code != 0 {
			return fail(code)
		}
	} else {
		if !a.writable() {
			return fail(ErrWriteNotPermitted)
		}
		if a.onWrite != nil {
			if err := a.onWrite(val); err != nil {
				var ae *ATTError
				if errors.As(err, &ae) {
					return fail(ae.Code)
				}
				return fail(ErrUnlikely)
			}
		} else {
			v := make([]byte, len(val))
			copy(v, val)
			s.mu.Lock()
			a.value = v
			s.mu.Unlock()
		}
	}
	if !withRsp {
		return nil
	}
	return []byte{attWriteRsp}
}

// cccValue returns the connection's CCCD value for handle h.
func (s *Server) cccValue(c ble.Conn, h uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub != nil && sub.conn == c && sub.cccd == h {
			return sub.mode
		}
	}
	return 0
}

// setCCC updates a subscription. A nonzero mode claims a subscriber slot,
// zero releases it. Returns an ATT error code or 0.
func (s *Server) setCCC(c ble.Conn, h uint16, mode uint16) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub != nil && sub.conn == c && sub.cccd == h {
			if mode == 0 {
				close(sub.done)
				s.subs[i] = nil
			} else {
				sub.mode = mode
			}
			return 0
		}
	}
	if mode == 0 {
		return 0
	}
	for i, sub := range s.subs {
		if sub != nil {
			continue
		}
		ns := &subscriber{
			conn:  c,
			cccd:  h,
			mode:  mode,
			queue: make(chan []byte, s.cfg.NotifyQueueDepth),
			done:  make(chan struct{}),
		}
		s.subs[i] = ns
		go s.deliver(ns)
		return 0
	}
	return ErrInsufficientResources
}

// deliver drains one subscriber's queue onto its connection. A slow link
// backs up only this queue; Notify drops on overflow.
func (s *Server) deliver(sub *subscriber) {
	for {
		select {
		case pdu := <-sub.queue:
			if err := sub.conn.WritePDU(context.Background(), pdu); err != nil {
				return
			}
		case <-sub.done:
			return
		}
	}
}

// Notify fans a characteristic value out to all notify subscribers of its
// CCCD. Returns the number of subscribers the value was queued for; a
// subscriber with a full queue is skipped, not waited on.
func (s *Server) Notify(valueHandle uint16, value []byte) int {
	a := s.at(valueHandle)
	if a == nil || a.cccd == 0 {
		return 0
	}
	pdu := make([]byte, 3+len(value))
	pdu[0] = attHandleValueNotify
	binary.LittleEndian.PutUint16(pdu[1:], valueHandle)
	copy(pdu[3:], value)

	n := 0
	s.mu.Lock()
	for _, sub := range s.subs {
		if sub == nil || sub.cccd != a.cccd || sub.mode&cccNotify == 0 {
			continue
		}
		select {
		case sub.queue <- pdu:
			n++
		default:
			// this subscriber is behind; drop its copy only
		}
	}
	s.mu.Unlock()
	return n
}

// Indicate sends a handle value indication to every indicate subscriber of
// the characteristic and waits for each confirmation.
func (s *Server) Indicate(ctx context.Context, valueHandle uint16, value []byte) error {
	a := s.at(valueHandle)
	if a == nil || a.cccd == 0 {
		return errors.Wrap(ble.ErrInvalidState, "not indicatable")
	}
	pdu := make([]byte, 3+len(value))
	pdu[0] = attHandleValueInd
	binary.LittleEndian.PutUint16(pdu[1:], valueHandle)
	copy(pdu[3:], value)

	s.mu.Lock()
	var targets []*session
	for _, sub := range s.subs {
		if sub == nil || sub.cccd != a.cccd || sub.mode&cccIndicate == 0 {
			continue
		}
		if sess := s.sessions[sub.conn]; sess != nil {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if err := sess.conn.WritePDU(ctx, pdu); err != nil {
			return err
		}
		select {
		case <-sess.confirm:
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.conn.Disconnected():
		}
	}
	return nil
}
