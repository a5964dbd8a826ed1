package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
	"github.com/embhost/ble/hci"
	"github.com/embhost/ble/hci/cmd"
	"github.com/embhost/ble/transport"
)

// CommandError is a non-zero status returned by the controller for an HCI
// command.
type CommandError uint8

func (e CommandError) Error() string {
	return fmt.Sprintf("hci command failed: status %#02x", uint8(e))
}

// cmdRequest is one queued HCI command and its completion rendezvous.
type cmdRequest struct {
	c    cmd.Command
	rp   cmd.CommandRP
	done chan error
}

type smpOut struct {
	handle uint16
	pdu    []byte
}

// SecurityHandler receives Security Manager Protocol traffic and link
// lifecycle callbacks from the runner. Callbacks run on the runner
// goroutine and must not block; replies go through SendSMP, which is safe
// to call from within a callback.
type SecurityHandler interface {
	Connected(handle uint16, role uint8, peer ble.Addr, peerAddrType uint8)
	Disconnected(handle uint16)
	PDU(handle uint16, pdu []byte)
	LongTermKey(handle uint16, ediv uint16, rand uint64) ([16]byte, bool)
	EncryptionChanged(handle uint16, enabled bool)
}

// Stack is a BLE host over a single controller transport. All protocol state
// lives behind one runner goroutine (Run); application front-ends interact
// with it through bounded queues and submitted closures, so no state needs
// locking.
type Stack struct {
	cfg Config
	t   transport.Transport

	pool     *Pool
	conns    *connTable
	channels *channelTable
	advs     *advTable

	submit  chan func()
	kickCh  chan struct{}
	rxCh    chan []byte
	done    chan struct{}
	ready   chan struct{}
	initErr error

	// controller parameters, set during initialization
	addr    ble.Addr
	bufSize int
	bufCnt  int
	txQuota int

	// HCI command flow control; one outstanding command at a time
	cmdQuota int
	cmdQueue []*cmdRequest
	cmdSent  *cmdRequest

	incoming   chan ble.Conn
	listeners  map[uint16]chan ble.Channel
	advHandler ble.AdvHandler

	security SecurityHandler
	smpMu    sync.Mutex
	smpOut   []smpOut

	// scratch buffers reused by the runner for outbound frames
	pduScratch []byte
	cmdScratch []byte
	txScratch  []byte

	// options
	wantCentral     bool
	wantPeripheral  bool
	errHandler      func(error)
	dialTimeout     time.Duration
	listenerTimeout time.Duration
	randomAddr      ble.Addr
	securitySeed    []byte
	bondPath        string
}

// NewStack creates a stack over t. The configuration is validated and frozen
// here; the stack does not touch the transport until Run.
func NewStack(cfg Config, t transport.Transport, opts ...ble.Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{
		cfg:        cfg,
		t:          t,
		pool:       NewPool(cfg.PoolMTU, cfg.PoolCapacity),
		submit:     make(chan func()),
		kickCh:     make(chan struct{}, 1),
		rxCh:       make(chan []byte, cfg.RxQueueDepth),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		listeners:  make(map[uint16]chan ble.Channel),
		incoming:   make(chan ble.Conn, cfg.MaxConnections),
		pduScratch: make([]byte, 4+2+cfg.PoolMTU),
		cmdScratch: make([]byte, 4+255),
		// a host may have one command in flight after reset; the controller
		// refreshes the quota with every Command Complete/Status
		cmdQuota: 1,
	}
	s.conns = newConnTable(s, cfg.MaxConnections)
	s.channels = newChannelTable(s, cfg.MaxChannels)
	s.advs = newAdvTable(cfg.MaxAdvSets)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "option")
		}
	}
	return s, nil
}

// Addr returns the controller's public address, valid once the stack has
// initialized.
func (s *Stack) Addr() ble.Addr { return s.addr }

// Central returns the central front-end.
func (s *Stack) Central() (*Central, error) {
	if !s.wantCentral {
		return nil, errors.Wrap(ble.ErrInvalidState, "central role not enabled")
	}
	return &Central{s: s}, nil
}

// Peripheral returns the peripheral front-end.
func (s *Stack) Peripheral() (*Peripheral, error) {
	if !s.wantPeripheral {
		return nil, errors.Wrap(ble.ErrInvalidState, "peripheral role not enabled")
	}
	return &Peripheral{s: s}, nil
}

// SetSecurityHandler installs the security manager. Call before Run.
func (s *Stack) SetSecurityHandler(h SecurityHandler) { s.security = h }

// SecuritySeed returns the seed passed via OptSecuritySeed, or nil.
func (s *Stack) SecuritySeed() []byte { return s.securitySeed }

// BondFilePath returns the path passed via OptBondFile, or "".
func (s *Stack) BondFilePath() string { return s.bondPath }

// Close shuts the transport down, which makes Run return.
func (s *Stack) Close() error { return s.t.Close() }

// ble.StackOption implementation.

func (s *Stack) SetCentralRole() error                    { s.wantCentral = true; return nil }
func (s *Stack) SetPeripheralRole() error                 { s.wantPeripheral = true; return nil }
func (s *Stack) SetErrorHandler(h func(error)) error      { s.errHandler = h; return nil }
func (s *Stack) SetDialerTimeout(d time.Duration) error   { s.dialTimeout = d; return nil }
func (s *Stack) SetListenerTimeout(d time.Duration) error { s.listenerTimeout = d; return nil }
func (s *Stack) SetRandomAddress(a ble.Addr) error        { s.randomAddr = a; return nil }
func (s *Stack) SetSecuritySeed(seed []byte) error        { s.securitySeed = seed; return nil }
func (s *Stack) SetBondFile(path string) error            { s.bondPath = path; return nil }
func (s *Stack) SetLogger(l ble.Logger) error             { SetLogger(l); return nil }

// do hands a closure to the runner for execution. It fails once the runner
// has stopped.
func (s *Stack) do(f func()) error {
	select {
	case s.submit <- f:
		return nil
	case <-s.done:
		return errors.Wrap(ble.ErrClosed, "stack stopped")
	}
}

// doSync runs f on the runner and waits for it to finish.
func (s *Stack) doSync(f func()) error {
	fin := make(chan struct{})
	if err := s.do(func() { f(); close(fin) }); err != nil {
		return err
	}
	select {
	case <-fin:
		return nil
	case <-s.done:
		return errors.Wrap(ble.ErrClosed, "stack stopped")
	}
}

// kick wakes the runner to service TX queues.
func (s *Stack) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Stack) reportErr(err error) {
	if s.errHandler != nil {
		s.errHandler(err)
		return
	}
	logger.Error(err)
}

// waitReady blocks until controller initialization has finished.
func (s *Stack) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.initErr
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.Wrap(ble.ErrClosed, "stack stopped")
	}
}

// Send issues an HCI command and waits for its Command Complete (or Command
// Status, for commands that report only status). rp may be nil.
func (s *Stack) Send(ctx context.Context, c cmd.Command, rp cmd.CommandRP) error {
	req := &cmdRequest{c: c, rp: rp, done: make(chan error, 1)}
	if err := s.do(func() { s.cmdQueue = append(s.cmdQueue, req) }); err != nil {
		return err
	}
	s.kick()
	select {
	case err := <-req.done:
		return errors.Wrapf(err, "cmd %#04x", uint16(c.OpCode()))
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.Wrap(ble.ErrClosed, "stack stopped")
	}
}

// asyncCmd queues a command whose completion nobody waits for. Runner-side
// only.
func (s *Stack) asyncCmd(c cmd.Command) {
	s.cmdQueue = append(s.cmdQueue, &cmdRequest{c: c, done: make(chan error, 1)})
}

// ListenChannel registers psm for incoming LE credit based connections.
// Accepted channels are delivered on the returned channel.
func (s *Stack) ListenChannel(psm uint16) (<-chan ble.Channel, error) {
	ch := make(chan ble.Channel, s.cfg.MaxChannels)
	var regErr error
	err := s.doSync(func() {
		if _, ok := s.listeners[psm]; ok {
			regErr = errors.Wrapf(ble.ErrInvalidState, "psm %#04x already registered", psm)
			return
		}
		s.listeners[psm] = ch
	})
	if err != nil {
		return nil, err
	}
	return ch, regErr
}

// SendSMP queues a Security Manager PDU for transmission on the connection's
// SMP fixed channel. Safe to call from SecurityHandler callbacks.
func (s *Stack) SendSMP(handle uint16, pdu []byte) error {
	cp := make([]byte, len(pdu))
	copy(cp, pdu)
	s.smpMu.Lock()
	s.smpOut = append(s.smpOut, smpOut{handle: handle, pdu: cp})
	s.smpMu.Unlock()
	s.kick()
	return nil
}

// StartEncryption asks the controller to encrypt the link with the given
// long-term key material.
func (s *Stack) StartEncryption(ctx context.Context, handle uint16, rand uint64, ediv uint16, ltk [16]byte) error {
	return s.Send(ctx, &cmd.LEStartEncryption{
		ConnectionHandle:     handle,
		RandomNumber:         rand,
		EncryptedDiversifier: ediv,
		LongTermKey:          ltk,
	}, nil)
}

// noteRxDrained is called after an application drains one SDU from a
// channel's RX queue. For credit based channels it retries a held PDU and
// grants the peer the newly available credits.
func (s *Stack) noteRxDrained(ch *channel) {
	if ch.fixed {
		return
	}
	s.do(func() {
		if ch.state != chanOpen {
			return
		}
		if ch.rxPending != nil {
			if err := ch.rxq.TryPush(ch.rxPending); err == nil {
				ch.rxPending = nil
			}
		}
		n := ch.grantable()
		if n == 0 {
			return
		}
		ch.localCredits += n
		s.sigSend(ch.conn, ch.conn.nextSigID(), &LEFlowControlCredit{CID: ch.localCID, Credits: n})
	})
	s.kick()
}

// openChannel performs the LE credit based connection handshake as the
// initiator. disc identifies the connection incarnation the caller holds;
// a reused slot no longer matches and the call fails instead of opening a
// channel on someone else's connection.
func (s *Stack) openChannel(ctx context.Context, c *conn, disc chan struct{}, psm uint16) (ble.Channel, error) {
	var ch *channel
	var setupErr error
	err := s.doSync(func() {
		if c.disconnected != disc || c.state != connConnected {
			setupErr = errors.Wrap(ble.ErrInvalidState, "not connected")
			return
		}
		ch, setupErr = s.channels.alloc(c)
		if setupErr != nil {
			return
		}
		ch.psm = psm
		ch.localCID = s.nextLocalCID(c)
		if ch.localCID == 0 {
			ch.releaseResources()
			ch = nil
			setupErr = errors.Wrap(ble.ErrTableFull, "no free dynamic cid")
			return
		}
		initial := ch.grantable()
		ch.localCredits = initial
		ch.sigID = c.nextSigID()
		s.sigSend(c, ch.sigID, &LECreditBasedConnectionRequest{
			LEPSM:          psm,
			SourceCID:      ch.localCID,
			MTU:            ch.localMTU,
			MPS:            ch.localMPS,
			InitialCredits: initial,
		})
	})
	if err != nil {
		return nil, err
	}
	if setupErr != nil {
		return nil, setupErr
	}
	s.kick()
	select {
	case res := <-ch.openDone:
		if res != LECreditConnSuccess {
			return nil, errors.Errorf("l2cap: psm %#04x refused: result %#04x", psm, res)
		}
		return &cocChannel{ch: ch}, nil
	case <-disc:
		return nil, errors.Wrap(ble.ErrClosed, "disconnected")
	case <-ctx.Done():
		s.do(func() {
			if ch.state == chanWaitResponse {
				ch.releaseResources()
			}
		})
		return nil, ctx.Err()
	case <-s.done:
		return nil, errors.Wrap(ble.ErrClosed, "stack stopped")
	}
}

// closeChannel performs the disconnect handshake for a dynamic channel.
func (s *Stack) closeChannel(ch *channel) error {
	err := s.doSync(func() {
		if ch.state != chanOpen {
			return
		}
		ch.sigID = ch.conn.nextSigID()
		s.sigSend(ch.conn, ch.sigID, &DisconnectRequest{
			DestinationCID: ch.remoteCID,
			SourceCID:      ch.localCID,
		})
		ch.state = chanWaitDisconnect
	})
	if err != nil {
		return err
	}
	s.kick()
	select {
	case <-ch.openDone:
	case <-ch.conn.disconnected:
	case <-s.done:
	}
	return nil
}

// nextLocalCID returns an unused dynamic CID on c, or 0 when the range is
// exhausted.
func (s *Stack) nextLocalCID(c *conn) uint16 {
	for cid := uint16(hci.CIDDynamicMin); cid <= hci.CIDDynamicMax; cid++ {
		if s.channels.lookupLocal(c, cid) == nil {
			return cid
		}
	}
	return 0
}
