package gatt

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/embhost/ble"
)

// batteryServer builds a two-characteristic service: a readable, notifiable,
// indicatable level and a readable, writable control point.
func batteryServer(t *testing.T, cfg ServerConfig) (*Server, *Characteristic, *Characteristic) {
	t.Helper()
	srv := NewServer(cfg)
	svc, err := srv.AddService(ble.UUID16(0x180F))
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	level, err := svc.AddCharacteristic(ble.UUID16(0x2A19), PropRead|PropNotify|PropIndicate, []byte{0x64})
	if err != nil {
		t.Fatalf("AddCharacteristic: %v", err)
	}
	ctrl, err := svc.AddCharacteristic(ble.UUID16(0x2A3F), PropRead|PropWrite, []byte{0x00})
	if err != nil {
		t.Fatalf("AddCharacteristic: %v", err)
	}
	return srv, level, ctrl
}

func testConfig() ServerConfig {
	return ServerConfig{
		MaxAttributes:        16,
		MaxNotifySubscribers: 2,
		NotifyQueueDepth:     1,
		MTU:                  247,
	}
}

// attach serves one pipe end and returns the client on the other.
func attach(t *testing.T, srv *Server) (*Client, *pipeConn) {
	t.Helper()
	server, client := newConnPipe(8)
	go srv.Serve(context.Background(), server)
	t.Cleanup(func() { client.Close() })
	return NewClient(client), client
}

func TestExchangeMTU(t *testing.T) {
	srv, _, _ := batteryServer(t, testConfig())
	cl, conn := attach(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	agreed, err := cl.ExchangeMTU(ctx, 185)
	if err != nil {
		t.Fatalf("ExchangeMTU: %v", err)
	}
	if agreed != 185 {
		t.Fatalf("agreed mtu %d, want 185", agreed)
	}
	if conn.TxMTU() != 185 {
		t.Fatalf("client tx mtu %d, want 185", conn.TxMTU())
	}
}

func TestDiscoverProfile(t *testing.T) {
	srv, level, ctrl := batteryServer(t, testConfig())
	cl, _ := attach(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := cl.DiscoverProfile(ctx)
	if err != nil {
		t.Fatalf("DiscoverProfile: %v", err)
	}
	if len(p.Services) != 1 {
		t.Fatalf("%d services, want 1", len(p.Services))
	}
	svc := p.Services[0]
	if !svc.UUID.Equal(ble.UUID16(0x180F)) {
		t.Fatalf("service uuid %s", svc.UUID)
	}
	if svc.Start != 1 || svc.End != 0xFFFF {
		t.Fatalf("service range %d..%#04x", svc.Start, svc.End)
	}
	if len(svc.Characteristics) != 2 {
		t.Fatalf("%d characteristics, want 2", len(svc.Characteristics))
	}
	c0, c1 := svc.Characteristics[0], svc.Characteristics[1]
	if !c0.UUID.Equal(ble.UUID16(0x2A19)) || c0.Value != level.ValueHandle {
		t.Fatalf("characteristic 0: %+v", c0)
	}
	if c0.CCCD != level.CCCDHandle {
		t.Fatalf("characteristic 0 cccd %d, want %d", c0.CCCD, level.CCCDHandle)
	}
	if c0.Props != PropRead|PropNotify|PropIndicate {
		t.Fatalf("characteristic 0 props %#02x", c0.Props)
	}
	if c1.Value != ctrl.ValueHandle || c1.CCCD != 0 {
		t.Fatalf("characteristic 1: %+v", c1)
	}
}

func TestReadWrite(t *testing.T) {
	srv, level, ctrl := batteryServer(t, testConfig())
	cl, _ := attach(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := cl.Read(ctx, level.ValueHandle)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(v, []byte{0x64}) {
		t.Fatalf("Read = % x, want 64", v)
	}

	if err := cl.Write(ctx, ctrl.ValueHandle, []byte{0xAB, 0xCD}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, err = cl.Read(ctx, ctrl.ValueHandle)
	if err != nil {
		t.Fatalf("Read after write: %v", err)
	}
	if !bytes.Equal(v, []byte{0xAB, 0xCD}) {
		t.Fatalf("Read = % x, want ab cd", v)
	}

	// not writable
	var ae *ATTError
	err = cl.Write(ctx, level.ValueHandle, []byte{0x01})
	if !errors.As(err, &ae) || ae.Code != ErrWriteNotPermitted {
		t.Fatalf("write to read-only: %v, want write not permitted", err)
	}
	// unknown handle
	_, err = cl.Read(ctx, 99)
	if !errors.As(err, &ae) || ae.Code != ErrInvalidHandle {
		t.Fatalf("read of unknown handle: %v, want invalid handle", err)
	}
}

func TestLongReadUsesBlobRequests(t *testing.T) {
	srv := NewServer(testConfig())
	svc, err := srv.AddService(ble.UUID16(0x180F))
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}
	long := make([]byte, 50)
	for i := range long {
		long[i] = byte(i)
	}
	c, err := svc.AddCharacteristic(ble.UUID16(0x2A19), PropRead, long)
	if err != nil {
		t.Fatalf("AddCharacteristic: %v", err)
	}
	cl, _ := attach(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// default ATT_MTU 23 holds 22 value bytes per response
	v, err := cl.Read(ctx, c.ValueHandle)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(v, long) {
		t.Fatalf("Read returned %d bytes, want %d", len(v), len(long))
	}
}

func TestWriteHandler(t *testing.T) {
	srv, _, ctrl := batteryServer(t, testConfig())
	written := make(chan []byte, 2)
	ctrl.HandleWrite(func(value []byte) error {
		written <- append([]byte(nil), value...)
		return nil
	})
	cl, _ := attach(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := cl.Write(ctx, ctrl.ValueHandle, []byte{0x01}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := cl.WriteCommand(ctx, ctrl.ValueHandle, []byte{0x02}); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	for i, want := range []byte{0x01, 0x02} {
		select {
		case v := <-written:
			if len(v) != 1 || v[0] != want {
				t.Fatalf("write %d delivered % x, want %#02x", i, v, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("write %d never reached the handler", i)
		}
	}
}

func TestDynamicReadHandler(t *testing.T) {
	srv, level, _ := batteryServer(t, testConfig())
	level.HandleRead(func(offset int, buf []byte) (int, error) {
		if offset != 0 {
			return 0, &ATTError{Code: ErrInvalidOffset}
		}
		return copy(buf, []byte{0x2A}), nil
	})
	cl, _ := attach(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := cl.Read(ctx, level.ValueHandle)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(v, []byte{0x2A}) {
		t.Fatalf("Read = % x, want 2a", v)
	}
}

func subscribeDesc(c *Characteristic) CharacteristicDesc {
	return CharacteristicDesc{
		UUID:  ble.UUID16(0x2A19),
		Props: PropNotify | PropIndicate,
		Value: c.ValueHandle,
		CCCD:  c.CCCDHandle,
	}
}

func TestNotifyFanout(t *testing.T) {
	srv, level, _ := batteryServer(t, testConfig())
	cl1, _ := attach(t, srv)
	cl2, _ := attach(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got1 := make(chan []byte, 4)
	got2 := make(chan []byte, 4)
	if err := cl1.Subscribe(ctx, subscribeDesc(level), false, func(v []byte) {
		got1 <- append([]byte(nil), v...)
	}); err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	if err := cl2.Subscribe(ctx, subscribeDesc(level), false, func(v []byte) {
		got2 <- append([]byte(nil), v...)
	}); err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}

	if n := srv.Notify(level.ValueHandle, []byte{0x42}); n != 2 {
		t.Fatalf("Notify queued for %d subscribers, want 2", n)
	}
	for i, got := range []chan []byte{got1, got2} {
		select {
		case v := <-got:
			if !bytes.Equal(v, []byte{0x42}) {
				t.Fatalf("subscriber %d received % x", i+1, v)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d never notified", i+1)
		}
	}

	// after unsubscribing, the value goes nowhere
	if err := cl1.Unsubscribe(ctx, subscribeDesc(level)); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := cl2.Unsubscribe(ctx, subscribeDesc(level)); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if n := srv.Notify(level.ValueHandle, []byte{0x43}); n != 0 {
		t.Fatalf("Notify after unsubscribe queued for %d subscribers", n)
	}
}

func TestNotifySkipsStalledSubscriber(t *testing.T) {
	srv, level, _ := batteryServer(t, testConfig())
	cl, _ := attach(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// a subscriber that writes its CCCD and then never reads again
	server, stalled := newConnPipe(0)
	go srv.Serve(context.Background(), server)
	t.Cleanup(func() { stalled.Close() })
	sub := []byte{attWriteReq, byte(level.CCCDHandle), byte(level.CCCDHandle >> 8), 0x01, 0x00}
	if err := stalled.WritePDU(ctx, sub); err != nil {
		t.Fatalf("cccd write: %v", err)
	}
	if rsp, err := stalled.ReadPDU(ctx); err != nil || rsp[0] != attWriteRsp {
		t.Fatalf("cccd write response: % x, %v", rsp, err)
	}

	got := make(chan []byte, 8)
	if err := cl.Subscribe(ctx, subscribeDesc(level), false, func(v []byte) {
		got <- append([]byte(nil), v...)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// the stalled link backs up its own queue only; every Notify returns
	// promptly and the healthy subscriber sees every value
	for i := byte(0); i < 5; i++ {
		if n := srv.Notify(level.ValueHandle, []byte{i}); n < 1 {
			t.Fatalf("Notify %d reached %d subscribers", i, n)
		}
		select {
		case v := <-got:
			if len(v) != 1 || v[0] != i {
				t.Fatalf("notification %d delivered % x", i, v)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %d lost for the healthy subscriber", i)
		}
	}
}

func TestSubscriberSlotsExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNotifySubscribers = 1
	srv, level, _ := batteryServer(t, cfg)
	cl1, _ := attach(t, srv)
	cl2, _ := attach(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := cl1.Subscribe(ctx, subscribeDesc(level), false, func([]byte) {}); err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	var ae *ATTError
	err := cl2.Subscribe(ctx, subscribeDesc(level), false, func([]byte) {})
	if !errors.As(err, &ae) || ae.Code != ErrInsufficientResources {
		t.Fatalf("Subscribe 2: %v, want insufficient resources", err)
	}
}

func TestIndicateWaitsForConfirmation(t *testing.T) {
	srv, level, _ := batteryServer(t, testConfig())
	cl, _ := attach(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan []byte, 1)
	if err := cl.Subscribe(ctx, subscribeDesc(level), true, func(v []byte) {
		got <- append([]byte(nil), v...)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// the client confirms indications itself, so Indicate completes
	if err := srv.Indicate(ctx, level.ValueHandle, []byte{0x07}); err != nil {
		t.Fatalf("Indicate: %v", err)
	}
	select {
	case v := <-got:
		if !bytes.Equal(v, []byte{0x07}) {
			t.Fatalf("indication delivered % x", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("indication never delivered")
	}
}
