package gatt

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
)

// ServiceDesc describes a discovered primary service.
type ServiceDesc struct {
	UUID  ble.UUID
	Start uint16
	End   uint16
}

// CharacteristicDesc describes a discovered characteristic.
type CharacteristicDesc struct {
	UUID  ble.UUID
	Props uint8
	Decl  uint16
	Value uint16
	CCCD  uint16
}

// Client is a GATT client over one connection. It owns the connection's ATT
// read path: one request may be outstanding at a time, notifications are
// routed to subscription handlers.
type Client struct {
	conn ble.Conn

	reqMu sync.Mutex // serializes requests
	rsp   chan []byte

	mu    sync.Mutex
	notif map[uint16]func([]byte)

	done chan struct{}
	err  error
}

// NewClient starts the client's read loop on c.
func NewClient(c ble.Conn) *Client {
	cl := &Client{
		conn:  c,
		rsp:   make(chan []byte, 1),
		notif: make(map[uint16]func([]byte)),
		done:  make(chan struct{}),
	}
	go cl.loop()
	return cl
}

func (cl *Client) loop() {
	defer close(cl.done)
	for {
		pdu, err := cl.conn.ReadPDU(context.Background())
		if err != nil {
			cl.err = err
			return
		}
		if len(pdu) == 0 {
			continue
		}
		switch pdu[0] {
		case attHandleValueNotify, attHandleValueInd:
			if len(pdu) < 3 {
				continue
			}
			h := binary.LittleEndian.Uint16(pdu[1:])
			cl.mu.Lock()
			fn := cl.notif[h]
			cl.mu.Unlock()
			if fn != nil {
				fn(pdu[3:])
			}
			if pdu[0] == attHandleValueInd {
				cl.conn.TryWritePDU([]byte{attHandleValueConfirm})
			}
		default:
			select {
			case cl.rsp <- pdu:
			default:
				// response with no request outstanding
			}
		}
	}
}

// request writes req and waits for the matching response.
func (cl *Client) request(ctx context.Context, req []byte, rspOp byte) ([]byte, error) {
	cl.reqMu.Lock()
	defer cl.reqMu.Unlock()
	// discard a stale response from an abandoned request
	select {
	case <-cl.rsp:
	default:
	}
	if err := cl.conn.WritePDU(ctx, req); err != nil {
		return nil, err
	}
	select {
	case rsp := <-cl.rsp:
		if len(rsp) >= 5 && rsp[0] == attErrorRsp {
			return nil, &ATTError{
				Opcode: rsp[1],
				Handle: binary.LittleEndian.Uint16(rsp[2:]),
				Code:   rsp[4],
			}
		}
		if len(rsp) == 0 || rsp[0] != rspOp {
			return nil, errors.Errorf("att: unexpected response %#02x to request %#02x", rsp[0], req[0])
		}
		return rsp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cl.done:
		return nil, errors.Wrap(ble.ErrClosed, "att read loop stopped")
	}
}

// ExchangeMTU negotiates the ATT_MTU and applies it to the connection.
func (cl *Client) ExchangeMTU(ctx context.Context, mtu int) (int, error) {
	req := make([]byte, 3)
	req[0] = attExchangeMTUReq
	binary.LittleEndian.PutUint16(req[1:], uint16(mtu))
	rsp, err := cl.request(ctx, req, attExchangeMTURsp)
	if err != nil {
		return 0, err
	}
	if len(rsp) != 3 {
		return 0, errors.New("att: malformed mtu response")
	}
	server := int(binary.LittleEndian.Uint16(rsp[1:]))
	agreed := mtu
	if server < agreed {
		agreed = server
	}
	cl.conn.SetTxMTU(agreed)
	cl.conn.SetRxMTU(agreed)
	return agreed, nil
}

// DiscoverServices walks the Read By Group Type sequence over the whole
// handle range.
func (cl *Client) DiscoverServices(ctx context.Context) ([]ServiceDesc, error) {
	var out []ServiceDesc
	start := uint16(0x0001)
	for {
		req := make([]byte, 7)
		req[0] = attReadByGroupReq
		binary.LittleEndian.PutUint16(req[1:], start)
		binary.LittleEndian.PutUint16(req[3:], 0xFFFF)
		copy(req[5:], uuidPrimaryService)
		rsp, err := cl.request(ctx, req, attReadByGroupRsp)
		if err != nil {
			var ae *ATTError
			if errors.As(err, &ae) && ae.Code == ErrAttrNotFound {
				return out, nil
			}
			return nil, err
		}
		if len(rsp) < 2 {
			return nil, errors.New("att: malformed read by group response")
		}
		elen := int(rsp[1])
		if elen < 6 {
			return nil, errors.New("att: bad group entry length")
		}
		last := uint16(0)
		for b := rsp[2:]; len(b) >= elen; b = b[elen:] {
			u := make(ble.UUID, elen-4)
			copy(u, b[4:elen])
			d := ServiceDesc{
				UUID:  u,
				Start: binary.LittleEndian.Uint16(b),
				End:   binary.LittleEndian.Uint16(b[2:]),
			}
			out = append(out, d)
			last = d.End
		}
		if last == 0xFFFF || last == 0 {
			return out, nil
		}
		start = last + 1
	}
}

// DiscoverCharacteristics lists the characteristics of a service, resolving
// each one's CCCD handle when present.
func (cl *Client) DiscoverCharacteristics(ctx context.Context, svc ServiceDesc) ([]CharacteristicDesc, error) {
	var out []CharacteristicDesc
	start := svc.Start
	for start <= svc.End {
		req := make([]byte, 7)
		req[0] = attReadByTypeReq
		binary.LittleEndian.PutUint16(req[1:], start)
		binary.LittleEndian.PutUint16(req[3:], svc.End)
		copy(req[5:], uuidCharacteristic)
		rsp, err := cl.request(ctx, req, attReadByTypeRsp)
		if err != nil {
			var ae *ATTError
			if errors.As(err, &ae) && ae.Code == ErrAttrNotFound {
				break
			}
			return nil, err
		}
		if len(rsp) < 2 {
			return nil, errors.New("att: malformed read by type response")
		}
		elen := int(rsp[1])
		if elen < 7 {
			return nil, errors.New("att: bad characteristic entry length")
		}
		advanced := false
		for b := rsp[2:]; len(b) >= elen; b = b[elen:] {
			u := make(ble.UUID, elen-5)
			copy(u, b[5:elen])
			d := CharacteristicDesc{
				UUID:  u,
				Decl:  binary.LittleEndian.Uint16(b),
				Props: b[2],
				Value: binary.LittleEndian.Uint16(b[3:]),
			}
			out = append(out, d)
			if d.Decl >= start {
				start = d.Decl + 1
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}
	for i := range out {
		if out[i].Props&(PropNotify|PropIndicate) == 0 {
			continue
		}
		end := svc.End
		if i+1 < len(out) {
			end = out[i+1].Decl - 1
		}
		cccd, err := cl.findCCCD(ctx, out[i].Value+1, end)
		if err != nil {
			return nil, err
		}
		out[i].CCCD = cccd
	}
	return out, nil
}

func (cl *Client) findCCCD(ctx context.Context, start, end uint16) (uint16, error) {
	if start > end {
		return 0, nil
	}
	req := make([]byte, 5)
	req[0] = attFindInfoReq
	binary.LittleEndian.PutUint16(req[1:], start)
	binary.LittleEndian.PutUint16(req[3:], end)
	rsp, err := cl.request(ctx, req, attFindInfoRsp)
	if err != nil {
		var ae *ATTError
		if errors.As(err, &ae) && ae.Code == ErrAttrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(rsp) < 2 || rsp[1] != 0x01 {
		return 0, nil
	}
	for b := rsp[2:]; len(b) >= 4; b = b[4:] {
		if ble.UUID(b[2:4]).Equal(uuidCCCD) {
			return binary.LittleEndian.Uint16(b), nil
		}
	}
	return 0, nil
}

// Read reads an attribute value, following up with Read Blob requests when
// the value fills the MTU.
func (cl *Client) Read(ctx context.Context, handle uint16) ([]byte, error) {
	req := make([]byte, 3)
	req[0] = attReadReq
	binary.LittleEndian.PutUint16(req[1:], handle)
	rsp, err := cl.request(ctx, req, attReadRsp)
	if err != nil {
		return nil, err
	}
	val := append([]byte(nil), rsp[1:]...)
	mtu := cl.conn.TxMTU()
	for len(rsp)-1 == mtu-1 {
		blob := make([]byte, 5)
		blob[0] = attReadBlobReq
		binary.LittleEndian.PutUint16(blob[1:], handle)
		binary.LittleEndian.PutUint16(blob[3:], uint16(len(val)))
		rsp, err = cl.request(ctx, blob, attReadBlobRsp)
		if err != nil {
			var ae *ATTError
			if errors.As(err, &ae) && (ae.Code == ErrAttrNotLong || ae.Code == ErrInvalidOffset) {
				break
			}
			return nil, err
		}
		if len(rsp) == 1 {
			break
		}
		val = append(val, rsp[1:]...)
	}
	return val, nil
}

// Write performs a write request and waits for the response.
func (cl *Client) Write(ctx context.Context, handle uint16, value []byte) error {
	req := make([]byte, 3+len(value))
	req[0] = attWriteReq
	binary.LittleEndian.PutUint16(req[1:], handle)
	copy(req[3:], value)
	_, err := cl.request(ctx, req, attWriteRsp)
	return err
}

// WriteCommand performs an unacknowledged write.
func (cl *Client) WriteCommand(ctx context.Context, handle uint16, value []byte) error {
	req := make([]byte, 3+len(value))
	req[0] = attWriteCmd
	binary.LittleEndian.PutUint16(req[1:], handle)
	copy(req[3:], value)
	return cl.conn.WritePDU(ctx, req)
}

// Subscribe enables notifications or indications on a characteristic and
// routes incoming values to fn, which runs on the client's read loop and
// must not block.
func (cl *Client) Subscribe(ctx context.Context, d CharacteristicDesc, indicate bool, fn func([]byte)) error {
	if d.CCCD == 0 {
		return errors.Wrap(ble.ErrInvalidState, "characteristic has no cccd")
	}
	mode := uint16(cccNotify)
	if indicate {
		mode = cccIndicate
	}
	cl.mu.Lock()
	cl.notif[d.Value] = fn
	cl.mu.Unlock()
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], mode)
	if err := cl.Write(ctx, d.CCCD, v[:]); err != nil {
		cl.mu.Lock()
		delete(cl.notif, d.Value)
		cl.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe clears the CCCD and drops the handler.
func (cl *Client) Unsubscribe(ctx context.Context, d CharacteristicDesc) error {
	if d.CCCD == 0 {
		return nil
	}
	cl.mu.Lock()
	delete(cl.notif, d.Value)
	cl.mu.Unlock()
	return cl.Write(ctx, d.CCCD, []byte{0x00, 0x00})
}
