package host

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
	"github.com/embhost/ble/hci"
	"github.com/embhost/ble/hci/cmd"
	"github.com/embhost/ble/hci/evt"
)

const initTimeout = 10 * time.Second

// Run is the stack's event loop. It owns the transport: every outbound byte
// is written here and every inbound packet is consumed here, so protocol
// state never needs locking. Run returns when ctx is canceled or the
// transport fails; a misbehaving peer never stops the loop.
func (s *Stack) Run(ctx context.Context) error {
	defer close(s.done)
	go s.readLoop()
	go s.initialize()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case b, ok := <-s.rxCh:
			if !ok {
				s.shutdown()
				return errors.Wrap(ble.ErrClosed, "transport closed")
			}
			s.handlePkt(b)
		case f := <-s.submit:
			f()
		case <-s.kickCh:
		}
		s.pump()
	}
}

// readLoop pulls complete HCI packets off the transport and hands them to
// the runner. A read error ends the loop and, through the closed channel,
// the runner itself.
func (s *Stack) readLoop() {
	size := 4 + s.cfg.PoolMTU
	if size < 260 {
		size = 260 // largest HCI event frame
	}
	buf := make([]byte, 1+size)
	for {
		n, err := s.t.Read(buf)
		if err != nil {
			logger.Debugf("transport read: %v", err)
			close(s.rxCh)
			return
		}
		if n == 0 {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case s.rxCh <- pkt:
		case <-s.done:
			return
		}
	}
}

// initialize drives the controller bring-up sequence. It runs alongside the
// runner loop because every command round-trips through it.
func (s *Stack) initialize() {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	err := s.initSeq(ctx)
	s.initErr = err
	close(s.ready)
	if err != nil {
		s.reportErr(errors.Wrap(err, "controller init"))
	}
}

func (s *Stack) initSeq(ctx context.Context) error {
	if err := s.Send(ctx, &cmd.Reset{}, nil); err != nil {
		return err
	}
	if err := s.Send(ctx, &cmd.SetEventMask{EventMask: 0x3dbff807fffbffff}, nil); err != nil {
		return err
	}
	if err := s.Send(ctx, &cmd.LESetEventMask{LEEventMask: 0x000000000000001f}, nil); err != nil {
		return err
	}
	bdaddr := cmd.ReadBDADDRRP{}
	if err := s.Send(ctx, &cmd.ReadBDADDR{}, &bdaddr); err != nil {
		return err
	}
	if bdaddr.Status != 0 {
		return CommandError(bdaddr.Status)
	}
	size, cnt, err := s.readBufferSize(ctx)
	if err != nil {
		return err
	}
	if err := s.doSync(func() {
		s.addr = ble.AddrFromBytes(bdaddr.BDADDR[:])
		s.bufSize = size
		s.bufCnt = cnt
		s.txQuota = cnt
		s.txScratch = make([]byte, 5+size)
	}); err != nil {
		return err
	}
	if s.randomAddr != nil {
		var a [6]byte
		b := s.randomAddr.Bytes()
		for i := 0; i < 6 && i < len(b); i++ {
			a[i] = b[len(b)-1-i] // wire order
		}
		if err := s.Send(ctx, &cmd.LESetRandomAddress{RandomAddress: a}, nil); err != nil {
			return err
		}
	}
	s.kick()
	return nil
}

// readBufferSize queries the LE buffer parameters, falling back to the
// shared BR/EDR buffers when the controller reports none [Vol 2, Part E,
// 7.8.2].
func (s *Stack) readBufferSize(ctx context.Context) (size, cnt int, err error) {
	le := cmd.LEReadBufferSizeRP{}
	if err = s.Send(ctx, &cmd.LEReadBufferSize{}, &le); err != nil {
		return 0, 0, err
	}
	if le.Status != 0 {
		return 0, 0, CommandError(le.Status)
	}
	if le.HCLEDataPacketLength != 0 && le.HCTotalNumLEDataPackets != 0 {
		return int(le.HCLEDataPacketLength), int(le.HCTotalNumLEDataPackets), nil
	}
	shared := cmd.ReadBufferSizeRP{}
	if err = s.Send(ctx, &cmd.ReadBufferSize{}, &shared); err != nil {
		return 0, 0, err
	}
	if shared.Status != 0 {
		return 0, 0, CommandError(shared.Status)
	}
	return int(shared.HCACLDataPacketLength), int(shared.HCTotalNumACLDataPackets), nil
}

// shutdown releases everything on the way out of Run.
func (s *Stack) shutdown() {
	for _, c := range s.conns.slots {
		if c.state != connIdle {
			c.teardown(hci.ErrCodeLocalHost)
		}
	}
	if err := s.t.Close(); err != nil {
		logger.Debugf("transport close: %v", err)
	}
}

func (s *Stack) handlePkt(b []byte) {
	if len(b) < 1 {
		return
	}
	switch b[0] {
	case hci.PktTypeEvent:
		s.handleEvt(b[1:])
	case hci.PktTypeACLData:
		s.handleACL(hci.ACLPacket(b[1:]))
	default:
		logger.Warnf("unsupported packet indicator %#02x", b[0])
	}
}

func (s *Stack) handleEvt(e []byte) {
	if len(e) < 2 || len(e) < 2+int(e[1]) {
		logger.Warnf("truncated event")
		return
	}
	p := e[2 : 2+int(e[1])]
	switch int(e[0]) {
	case evt.CommandCompleteCode:
		s.handleCommandComplete(evt.CommandComplete(p))
	case evt.CommandStatusCode:
		s.handleCommandStatus(evt.CommandStatus(p))
	case evt.DisconnectionCompleteCode:
		s.handleDisconnectionComplete(evt.DisconnectionComplete(p))
	case evt.NumberOfCompletedPacketsCode:
		s.handleNumberOfCompletedPackets(evt.NumberOfCompletedPackets(p))
	case evt.EncryptionChangeCode:
		s.handleEncryptionChange(evt.EncryptionChange(p))
	case evt.HardwareErrorCode:
		code := byte(0xFF)
		if len(p) > 0 {
			code = p[0]
		}
		s.reportErr(errors.Errorf("controller hardware error %#02x", code))
	case evt.LEMetaCode:
		s.handleLEMeta(p)
	default:
		logger.Debugf("unhandled event %#02x", e[0])
	}
}

func (s *Stack) handleLEMeta(p []byte) {
	if len(p) < 1 {
		return
	}
	switch int(p[0]) {
	case evt.LEConnectionCompleteSubCode:
		s.handleLEConnectionComplete(evt.LEConnectionComplete(p))
	case evt.LEAdvertisingReportSubCode:
		s.handleLEAdvertisingReport(evt.LEAdvertisingReport(p))
	case evt.LEConnectionUpdateCompleteSubCode:
		e := evt.LEConnectionUpdateComplete(p)
		if c := s.conns.lookup(e.ConnectionHandle()); c != nil && e.Status() == 0 {
			c.interval = e.ConnInterval()
		}
	case evt.LELongTermKeyRequestSubCode:
		s.handleLELongTermKeyRequest(evt.LELongTermKeyRequest(p))
	default:
		logger.Debugf("unhandled le meta subevent %#02x", p[0])
	}
}

func (s *Stack) handleCommandComplete(e evt.CommandComplete) {
	s.cmdQuota = int(e.NumHCICommandPackets())
	op := e.CommandOpcode()
	if op == 0x0000 { // controller NOP
		return
	}
	req := s.cmdSent
	if req == nil || uint16(req.c.OpCode()) != op {
		logger.Warnf("command complete for unexpected opcode %#04x", op)
		return
	}
	s.cmdSent = nil
	ret := e.ReturnParameters()
	var err error
	if req.rp != nil {
		err = req.rp.Unmarshal(ret)
	} else if len(ret) > 0 && ret[0] != 0x00 {
		err = CommandError(ret[0])
	}
	req.done <- err
}

func (s *Stack) handleCommandStatus(e evt.CommandStatus) {
	s.cmdQuota = int(e.NumHCICommandPackets())
	op := e.CommandOpcode()
	req := s.cmdSent
	if req == nil || uint16(req.c.OpCode()) != op {
		logger.Warnf("command status for unexpected opcode %#04x", op)
		return
	}
	s.cmdSent = nil
	if st := e.Status(); st != 0 {
		req.done <- CommandError(st)
		return
	}
	// command proceeds; completion arrives as a dedicated event
	req.done <- nil
}

func (s *Stack) handleDisconnectionComplete(e evt.DisconnectionComplete) {
	c := s.conns.lookup(e.ConnectionHandle())
	if c == nil {
		logger.Debugf("disconnection complete for unknown handle %#04x", e.ConnectionHandle())
		return
	}
	handle := c.handle
	c.teardown(e.Reason())
	if s.security != nil {
		s.security.Disconnected(handle)
	}
	// legacy advertising stops when a connection is accepted and on some
	// controllers stays off after disconnection; resume a set the
	// application still wants enabled
	if s.advs.enabled() != nil {
		s.asyncCmd(&cmd.LESetAdvertiseEnable{AdvertisingEnable: 1})
	}
}

func (s *Stack) handleNumberOfCompletedPackets(e evt.NumberOfCompletedPackets) {
	n := int(e.NumberOfHandles())
	for i := 0; i < n; i++ {
		s.txQuota += int(e.HCNumOfCompletedPackets(i))
	}
	if s.txQuota > s.bufCnt {
		logger.Warnf("controller returned more buffers than it owns")
		s.txQuota = s.bufCnt
	}
}

func (s *Stack) handleEncryptionChange(e evt.EncryptionChange) {
	c := s.conns.lookup(e.ConnectionHandle())
	if c == nil {
		return
	}
	enabled := e.Status() == 0 && e.EncryptionEnabled() != 0
	c.encrypted = enabled
	c.emit(ConnEvent{Type: EvtEncryptionChanged, Status: e.Status()})
	if s.security != nil {
		s.security.EncryptionChanged(c.handle, enabled)
	}
}

func (s *Stack) handleLEConnectionComplete(e evt.LEConnectionComplete) {
	status := e.Status()
	if c := s.conns.connecting(); c != nil && e.Role() == hci.RoleMaster {
		if status != 0 {
			c.state = connIdle
			if c.dialDone != nil {
				c.dialDone <- CommandError(status)
			}
			return
		}
		peer := e.PeerAddress()
		c.established(e.ConnectionHandle(), e.Role(), ble.AddrFromBytes(peer[:]))
		c.interval, c.latency, c.timeout = e.ConnInterval(), e.ConnLatency(), e.SupervisionTimeout()
		c.emit(ConnEvent{Type: EvtConnected})
		if s.security != nil {
			s.security.Connected(c.handle, c.role, c.peer, e.PeerAddressType())
		}
		if c.dialDone != nil {
			c.dialDone <- nil
		}
		return
	}
	if status != 0 {
		logger.Debugf("connection complete status %#02x with no initiator", status)
		return
	}
	// peripheral side: a central connected to our advertising
	c, err := s.conns.alloc()
	if err != nil {
		logger.Warnf("incoming connection refused: %v", err)
		s.asyncCmd(&cmd.Disconnect{ConnectionHandle: e.ConnectionHandle(), Reason: hci.ErrCodeUnacceptableParam})
		return
	}
	peer := e.PeerAddress()
	c.established(e.ConnectionHandle(), e.Role(), ble.AddrFromBytes(peer[:]))
	c.interval, c.latency, c.timeout = e.ConnInterval(), e.ConnLatency(), e.SupervisionTimeout()
	c.emit(ConnEvent{Type: EvtConnected})
	if s.security != nil {
		s.security.Connected(c.handle, c.role, c.peer, e.PeerAddressType())
	}
	select {
	case s.incoming <- s.newConnFront(c):
	default:
		logger.Warnf("accept queue full, disconnecting %#04x", c.handle)
		c.state = connDisconnecting
		s.asyncCmd(&cmd.Disconnect{ConnectionHandle: c.handle, Reason: hci.ErrCodeLocalHost})
		return
	}
	if s.advs.enabled() != nil {
		s.asyncCmd(&cmd.LESetAdvertiseEnable{AdvertisingEnable: 1})
	}
}

func (s *Stack) handleLEAdvertisingReport(e evt.LEAdvertisingReport) {
	h := s.advHandler
	if h == nil {
		return
	}
	data := make([]byte, len(e.Data()))
	copy(data, e.Data())
	addr := e.Address()
	a := &advertisement{
		addr:      ble.AddrFromBytes(addr[:]),
		eventType: e.EventType(),
		rssi:      int(e.RSSI()),
		data:      data,
	}
	if f, err := ble.ParseAdvData(data); err == nil {
		a.fields = f
	}
	h(a)
}

func (s *Stack) handleLELongTermKeyRequest(e evt.LELongTermKeyRequest) {
	handle := e.ConnectionHandle()
	if s.security != nil {
		rand := binary.LittleEndian.Uint64(e.RandomNumber())
		if ltk, ok := s.security.LongTermKey(handle, e.EncryptedDiversifier(), rand); ok {
			s.asyncCmd(&cmd.LELongTermKeyRequestReply{ConnectionHandle: handle, LongTermKey: ltk})
			return
		}
	}
	s.asyncCmd(&cmd.LELongTermKeyRequestNegativeReply{ConnectionHandle: handle})
}

// handleACL recombines ACL fragments into L2CAP PDUs [Vol 3, Part A, 7.2].
func (s *Stack) handleACL(a hci.ACLPacket) {
	if !a.Valid() {
		logger.Warnf("malformed acl packet")
		return
	}
	c := s.conns.lookup(a.Handle())
	if c == nil || c.state != connConnected {
		logger.Debugf("acl data for unknown handle %#04x", a.Handle())
		return
	}
	switch a.PBF() {
	case hci.PbfControllerToHostStart, hci.PbfHostToControllerStart:
		if c.recombLen != 0 {
			logger.Warnf("conn %#04x: new pdu interrupts recombination", c.handle)
			c.recombLen = 0
		}
	case hci.PbfContinuing:
		if c.recombLen == 0 {
			logger.Warnf("conn %#04x: continuation without start", c.handle)
			return
		}
	default:
		logger.Warnf("conn %#04x: unexpected pbf %d", c.handle, a.PBF())
		return
	}
	s.recombine(c, a.Data())
}

func (s *Stack) recombine(c *conn, data []byte) {
	if c.recombLen+len(data) > len(c.recomb) {
		s.connViolation(c, errors.Errorf("pdu exceeds %d byte buffer", len(c.recomb)))
		return
	}
	copy(c.recomb[c.recombLen:], data)
	c.recombLen += len(data)
	if c.recombLen < 4 {
		return
	}
	pdu := hci.PDU(c.recomb[:c.recombLen])
	total := 4 + pdu.DataLen()
	if total > len(c.recomb) {
		s.connViolation(c, errors.Errorf("pdu of %d bytes exceeds buffer", total))
		return
	}
	if c.recombLen < total {
		return
	}
	c.recombLen = 0
	s.dispatchPDU(c, pdu)
}

// connViolation terminates a connection whose link-level framing is broken.
func (s *Stack) connViolation(c *conn, err error) {
	logger.Errorf("conn %#04x: %v", c.handle, err)
	c.recombLen = 0
	c.emit(ConnEvent{Type: EvtProtocolViolation, Err: err})
	if c.state == connConnected {
		c.state = connDisconnecting
		s.asyncCmd(&cmd.Disconnect{ConnectionHandle: c.handle, Reason: hci.ErrCodeUnacceptableParam})
	}
}

func (s *Stack) dispatchPDU(c *conn, pdu hci.PDU) {
	payload := pdu.Payload()[:pdu.DataLen()]
	cid := pdu.CID()
	switch {
	case cid == hci.CIDSignal:
		s.handleSignal(c, payload)
	case cid == hci.CIDAtt:
		s.deliverFixed(c.att, payload)
	case cid == hci.CIDSMP:
		if s.security != nil {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			s.security.PDU(c.handle, cp)
			return
		}
		s.deliverFixed(c.smp, payload)
	case cid >= hci.CIDDynamicMin && cid <= hci.CIDDynamicMax:
		ch := s.channels.lookupLocal(c, cid)
		if ch == nil || ch.state != chanOpen {
			logger.Debugf("conn %#04x: data for unknown cid %#04x", c.handle, cid)
			return
		}
		s.deliverKFrame(ch, payload)
	default:
		logger.Debugf("conn %#04x: data for unsupported cid %#04x", c.handle, cid)
	}
}

// deliverFixed queues a PDU on a fixed channel. Fixed channels have no flow
// control; when the pool or the queue cannot take the PDU it is dropped.
func (s *Stack) deliverFixed(ch *channel, payload []byte) {
	pkt, err := s.pool.Get()
	if err != nil {
		logger.Warnf("cid %#04x: rx dropped: %v", ch.localCID, err)
		return
	}
	if err := pkt.Set(payload); err != nil {
		s.pool.Put(pkt)
		logger.Warnf("cid %#04x: rx dropped: %v", ch.localCID, err)
		return
	}
	if err := ch.rxq.TryPush(pkt); err != nil {
		s.pool.Put(pkt)
		logger.Warnf("cid %#04x: rx queue full, pdu dropped", ch.localCID)
	}
}

// deliverKFrame consumes one credit and feeds SDU reassembly
// [Vol 3, Part A, 3.4.3].
func (s *Stack) deliverKFrame(ch *channel, payload []byte) {
	if err := ch.takeLocalCredit(); err != nil {
		s.channelViolation(ch, err)
		return
	}
	if ch.reasm == nil {
		if len(payload) < 2 {
			s.channelViolation(ch, errors.New("first k-frame shorter than sdu length field"))
			return
		}
		sduLen := int(binary.LittleEndian.Uint16(payload))
		if sduLen > int(ch.localMTU) {
			s.channelViolation(ch, errors.Errorf("sdu of %d bytes exceeds mtu %d", sduLen, ch.localMTU))
			return
		}
		if len(payload)-2 > sduLen {
			s.channelViolation(ch, errors.New("k-frame overflows declared sdu length"))
			return
		}
		pkt, err := s.pool.Get()
		if err != nil {
			s.channelViolation(ch, errors.Wrap(err, "rx"))
			return
		}
		if err := pkt.Append(payload[2:]); err != nil {
			s.pool.Put(pkt)
			s.channelViolation(ch, err)
			return
		}
		ch.reasm, ch.reasmNeed = pkt, sduLen
	} else {
		if ch.reasm.Len()+len(payload) > ch.reasmNeed {
			s.channelViolation(ch, errors.New("continuation k-frame overflows sdu"))
			return
		}
		if err := ch.reasm.Append(payload); err != nil {
			s.channelViolation(ch, err)
			return
		}
	}
	if ch.reasm.Len() < ch.reasmNeed {
		return
	}
	pkt := ch.reasm
	ch.reasm, ch.reasmNeed = nil, 0
	if err := ch.rxq.TryPush(pkt); err != nil {
		if ch.rxPending != nil {
			s.pool.Put(pkt)
			s.channelViolation(ch, errors.New("rx backlog exceeds granted credits"))
			return
		}
		// held until the application drains the queue
		ch.rxPending = pkt
	}
}

// channelViolation tears down a single misbehaving channel; the connection
// and its other channels keep running.
func (s *Stack) channelViolation(ch *channel, err error) {
	logger.Errorf("conn %#04x cid %#04x: %v", ch.conn.handle, ch.localCID, err)
	if ch.fixed {
		return
	}
	c := ch.conn
	cid := ch.localCID
	if ch.state == chanOpen {
		s.sigSend(c, c.nextSigID(), &DisconnectRequest{DestinationCID: ch.remoteCID, SourceCID: ch.localCID})
	}
	if ch.openDone != nil {
		select {
		case ch.openDone <- LECreditConnNoResources:
		default:
		}
	}
	ch.releaseResources()
	c.emit(ConnEvent{Type: EvtChannelClosed, CID: cid, Err: err})
}

// sigSend queues one signaling command on the connection's signaling
// channel.
func (s *Stack) sigSend(c *conn, id uint8, sig Signal) {
	if c.sig == nil {
		return
	}
	data := sig.Marshal()
	pkt, err := s.pool.Get()
	if err != nil {
		logger.Errorf("conn %#04x: signal dropped: %v", c.handle, err)
		return
	}
	hdr := [4]byte{byte(sig.Code()), id, byte(len(data)), byte(len(data) >> 8)}
	if err := pkt.Append(hdr[:]); err == nil {
		err = pkt.Append(data)
	}
	if err == nil {
		err = c.sig.txq.TryPush(pkt)
	}
	if err != nil {
		s.pool.Put(pkt)
		logger.Errorf("conn %#04x: signal dropped: %v", c.handle, err)
	}
}

func (s *Stack) handleSignal(c *conn, payload []byte) {
	p := sigPDU(payload)
	if !p.valid() {
		logger.Warnf("conn %#04x: malformed signaling pdu", c.handle)
		return
	}
	switch p.code() {
	case SignalCommandReject:
		s.failPendingSignal(c, p.id(), errors.New("command rejected by peer"))
	case SignalDisconnectRequest:
		s.handleDisconnectRequest(c, p)
	case SignalDisconnectResponse:
		s.handleDisconnectResponse(c, p)
	case SignalConnectionParameterUpdateRequest:
		// central accepts the peripheral's preference; actually applying
		// it is up to the controller's own scheduling
		s.sigSend(c, p.id(), &ConnectionParameterUpdateResponse{Result: 0})
	case SignalConnectionParameterUpdateResponse:
		logger.Debugf("conn %#04x: connection parameter update result", c.handle)
	case SignalLECreditBasedConnectionRequest:
		s.handleCocRequest(c, p)
	case SignalLECreditBasedConnectionResponse:
		s.handleCocResponse(c, p)
	case SignalLEFlowControlCredit:
		s.handleFlowControlCredit(c, p)
	default:
		s.sigSend(c, p.id(), &CommandReject{Reason: 0x0000})
	}
}

// failPendingSignal resolves a locally initiated request that the peer
// rejected.
func (s *Stack) failPendingSignal(c *conn, id uint8, err error) {
	for _, ch := range s.channels.slots {
		if ch.conn != c || ch.sigID != id {
			continue
		}
		if ch.state != chanWaitResponse && ch.state != chanWaitDisconnect {
			continue
		}
		logger.Warnf("conn %#04x cid %#04x: %v", c.handle, ch.localCID, err)
		done := ch.openDone
		ch.releaseResources()
		if done != nil {
			select {
			case done <- LECreditConnNoResources:
			default:
			}
		}
		return
	}
}

func (s *Stack) handleDisconnectRequest(c *conn, p sigPDU) {
	var req DisconnectRequest
	if err := req.Unmarshal(p.data()); err != nil {
		s.sigSend(c, p.id(), &CommandReject{Reason: 0x0000})
		return
	}
	if ch := s.channels.lookupLocal(c, req.DestinationCID); ch != nil && ch.remoteCID == req.SourceCID {
		cid := ch.localCID
		if ch.openDone != nil {
			select {
			case ch.openDone <- LECreditConnNoResources:
			default:
			}
		}
		ch.releaseResources()
		c.emit(ConnEvent{Type: EvtChannelClosed, CID: cid})
	}
	// respond with the request's CIDs even when the channel is unknown
	s.sigSend(c, p.id(), &DisconnectResponse{DestinationCID: req.DestinationCID, SourceCID: req.SourceCID})
}

func (s *Stack) handleDisconnectResponse(c *conn, p sigPDU) {
	for _, ch := range s.channels.slots {
		if ch.conn != c || ch.state != chanWaitDisconnect || ch.sigID != p.id() {
			continue
		}
		cid := ch.localCID
		done := ch.openDone
		ch.releaseResources()
		if done != nil {
			select {
			case done <- LECreditConnSuccess:
			default:
			}
		}
		c.emit(ConnEvent{Type: EvtChannelClosed, CID: cid})
		return
	}
	logger.Debugf("conn %#04x: unmatched disconnect response", c.handle)
}

func (s *Stack) handleCocRequest(c *conn, p sigPDU) {
	var req LECreditBasedConnectionRequest
	if err := req.Unmarshal(p.data()); err != nil {
		s.sigSend(c, p.id(), &CommandReject{Reason: 0x0000})
		return
	}
	refuse := func(result uint16) {
		s.sigSend(c, p.id(), &LECreditBasedConnectionResponse{Result: result})
	}
	l := s.listeners[req.LEPSM]
	if l == nil {
		refuse(LECreditConnPSMNotSupported)
		return
	}
	ch, err := s.channels.alloc(c)
	if err != nil {
		refuse(LECreditConnNoResources)
		return
	}
	ch.psm = req.LEPSM
	ch.remoteCID = req.SourceCID
	ch.localCID = s.nextLocalCID(c)
	if ch.localCID == 0 {
		ch.releaseResources()
		refuse(LECreditConnNoResources)
		return
	}
	ch.peerMTU, ch.peerMPS = req.MTU, req.MPS
	if err := ch.addPeerCredits(req.InitialCredits); err != nil {
		ch.releaseResources()
		refuse(LECreditConnNoResources)
		return
	}
	initial := ch.grantable()
	ch.localCredits = initial
	ch.state = chanOpen
	select {
	case l <- &cocChannel{ch: ch}:
	default:
		ch.releaseResources()
		refuse(LECreditConnNoResources)
		return
	}
	s.sigSend(c, p.id(), &LECreditBasedConnectionResponse{
		DestinationCID: ch.localCID,
		MTU:            ch.localMTU,
		MPS:            ch.localMPS,
		InitialCredits: initial,
		Result:         LECreditConnSuccess,
	})
	c.emit(ConnEvent{Type: EvtChannelOpened, CID: ch.localCID})
}

func (s *Stack) handleCocResponse(c *conn, p sigPDU) {
	var rsp LECreditBasedConnectionResponse
	if err := rsp.Unmarshal(p.data()); err != nil {
		logger.Warnf("conn %#04x: malformed connection response", c.handle)
		return
	}
	var ch *channel
	for _, cand := range s.channels.slots {
		if cand.conn == c && cand.state == chanWaitResponse && cand.sigID == p.id() {
			ch = cand
			break
		}
	}
	if ch == nil {
		logger.Debugf("conn %#04x: unmatched connection response", c.handle)
		return
	}
	done := ch.openDone
	if rsp.Result != LECreditConnSuccess {
		ch.releaseResources()
		if done != nil {
			done <- rsp.Result
		}
		return
	}
	ch.remoteCID = rsp.DestinationCID
	ch.peerMTU, ch.peerMPS = rsp.MTU, rsp.MPS
	if err := ch.addPeerCredits(rsp.InitialCredits); err != nil {
		s.channelViolation(ch, err)
		return
	}
	ch.state = chanOpen
	c.emit(ConnEvent{Type: EvtChannelOpened, CID: ch.localCID})
	if done != nil {
		done <- LECreditConnSuccess
	}
}

func (s *Stack) handleFlowControlCredit(c *conn, p sigPDU) {
	var fc LEFlowControlCredit
	if err := fc.Unmarshal(p.data()); err != nil {
		logger.Warnf("conn %#04x: malformed flow control credit", c.handle)
		return
	}
	ch := s.channels.lookupRemote(c, fc.CID)
	if ch == nil || ch.state != chanOpen {
		logger.Debugf("conn %#04x: credits for unknown cid %#04x", c.handle, fc.CID)
		return
	}
	if err := ch.addPeerCredits(fc.Credits); err != nil {
		s.channelViolation(ch, err)
	}
}

// pump services all outbound work: queued SMP PDUs, HCI commands, and data
// queues. Data channels are visited round robin, one PDU per channel per
// cycle, until no channel can make progress.
func (s *Stack) pump() {
	s.pumpSMP()
	s.pumpCmd()
	if s.bufSize == 0 {
		return // controller buffers unknown until init completes
	}
	for progress := true; progress; {
		progress = false
		for _, c := range s.conns.slots {
			if c.state != connConnected {
				continue
			}
			for _, ch := range []*channel{c.sig, c.smp, c.att} {
				if ch != nil && s.serviceTx(ch) {
					progress = true
				}
			}
		}
		for _, ch := range s.channels.slots {
			if ch.state == chanOpen && s.serviceTx(ch) {
				progress = true
			}
		}
	}
}

// pumpSMP moves security manager PDUs submitted from callbacks onto their
// SMP fixed channels.
func (s *Stack) pumpSMP() {
	s.smpMu.Lock()
	out := s.smpOut
	s.smpOut = nil
	s.smpMu.Unlock()
	for _, o := range out {
		c := s.conns.lookup(o.handle)
		if c == nil || c.state != connConnected {
			logger.Debugf("smp pdu for unknown handle %#04x", o.handle)
			continue
		}
		pkt, err := s.pool.Get()
		if err == nil {
			if err = pkt.Set(o.pdu); err == nil {
				err = c.smp.txq.TryPush(pkt)
			}
			if err != nil {
				s.pool.Put(pkt)
			}
		}
		if err != nil {
			logger.Warnf("conn %#04x: smp pdu dropped: %v", o.handle, err)
		}
	}
}

// pumpCmd writes the next queued HCI command when the controller has
// command buffers and nothing is outstanding.
func (s *Stack) pumpCmd() {
	if s.cmdSent != nil || s.cmdQuota == 0 || len(s.cmdQueue) == 0 {
		return
	}
	req := s.cmdQueue[0]
	copy(s.cmdQueue, s.cmdQueue[1:])
	s.cmdQueue = s.cmdQueue[:len(s.cmdQueue)-1]

	n := req.c.Len()
	b := s.cmdScratch
	b[0] = hci.PktTypeCommand
	binary.LittleEndian.PutUint16(b[1:], uint16(req.c.OpCode()))
	b[3] = byte(n)
	if err := req.c.Marshal(b[4 : 4 : 4+n]); err != nil {
		req.done <- errors.Wrap(err, "marshal")
		return
	}
	if _, err := s.t.Write(b[:4+n]); err != nil {
		req.done <- errors.Wrap(err, "transport write")
		return
	}
	s.cmdQuota--
	s.cmdSent = req
}

// serviceTx emits at most one PDU for the channel. Returns true when it
// made progress.
func (s *Stack) serviceTx(ch *channel) bool {
	if ch.txSDU == nil {
		// without a credit the SDU stays in the queue, so queue occupancy
		// reflects what the application still has pending
		if !ch.fixed && ch.peerCredits == 0 {
			return false
		}
		pkt, err := ch.txq.TryPop()
		if err != nil {
			return false
		}
		ch.txSDU, ch.txOff, ch.txFirst = pkt, 0, true
	}
	if ch.fixed {
		// B-frame: the whole SDU in one PDU
		n := hci.PutPDUHeader(s.pduScratch, ch.localCID, ch.txSDU.Len())
		m := copy(s.pduScratch[n:], ch.txSDU.Bytes())
		if !s.writeACL(ch.conn, s.pduScratch[:n+m]) {
			return false
		}
		s.pool.Put(ch.txSDU)
		ch.txSDU = nil
		return true
	}
	if !ch.takePeerCredit() {
		return false
	}
	rem := ch.txSDU.Len() - ch.txOff
	b := s.pduScratch
	var seg, dlen int
	if ch.txFirst {
		seg = int(ch.peerMPS) - 2
		if seg > rem {
			seg = rem
		}
		binary.LittleEndian.PutUint16(b[4:], uint16(ch.txSDU.Len()))
		copy(b[6:], ch.txSDU.Bytes()[ch.txOff:ch.txOff+seg])
		dlen = seg + 2
	} else {
		seg = int(ch.peerMPS)
		if seg > rem {
			seg = rem
		}
		copy(b[4:], ch.txSDU.Bytes()[ch.txOff:ch.txOff+seg])
		dlen = seg
	}
	hci.PutPDUHeader(b, ch.remoteCID, dlen)
	if !s.writeACL(ch.conn, b[:4+dlen]) {
		ch.peerCredits++ // not sent, give the credit back
		return false
	}
	ch.txOff += seg
	ch.txFirst = false
	if ch.txOff >= ch.txSDU.Len() {
		s.pool.Put(ch.txSDU)
		ch.txSDU = nil
	}
	return true
}

// writeACL fragments one L2CAP PDU into ACL packets. All fragments are sent
// or none: a PDU never starts without enough controller buffers to finish.
func (s *Stack) writeACL(c *conn, pdu []byte) bool {
	frags := (len(pdu) + s.bufSize - 1) / s.bufSize
	if s.txQuota < frags {
		return false
	}
	pbf := uint16(hci.PbfHostToControllerStart)
	for off := 0; off < len(pdu); {
		n := len(pdu) - off
		if n > s.bufSize {
			n = s.bufSize
		}
		h := hci.PutACLHeader(s.txScratch, c.handle, pbf, n)
		copy(s.txScratch[h:], pdu[off:off+n])
		if _, err := s.t.Write(s.txScratch[:h+n]); err != nil {
			s.reportErr(errors.Wrap(err, "transport write"))
			return false
		}
		s.txQuota--
		off += n
		pbf = hci.PbfContinuing
	}
	return true
}
