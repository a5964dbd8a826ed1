// blehost is a diagnostic tool for the host stack: scanning, advertising,
// and echoing data over an LE credit based channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/embhost/ble"
	"github.com/embhost/ble/gatt"
	"github.com/embhost/ble/host"
	"github.com/embhost/ble/smp"
	"github.com/embhost/ble/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "blehost"
	app.Usage = "BLE host stack diagnostics"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "device, d", Usage: "HCI device index (raw socket)", Value: 0},
		cli.StringFlag{Name: "uart", Usage: "H4 UART device path (overrides --device)"},
		cli.UintFlag{Name: "baud", Usage: "H4 UART baud rate", Value: 1000000},
		cli.StringFlag{Name: "tcp", Usage: "H4 TCP address, for emulated controllers"},
		cli.StringFlag{Name: "random", Usage: "static random address to use"},
		cli.StringFlag{Name: "bond-file", Usage: "bond storage path"},
		cli.BoolFlag{Name: "debug", Usage: "debug logging"},
	}
	app.Commands = []cli.Command{
		{
			Name:  "scan",
			Usage: "scan for advertisers",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "dur", Usage: "scan duration", Value: 10 * time.Second},
				cli.BoolFlag{Name: "dup", Usage: "report duplicates"},
			},
			Action: cmdScan,
		},
		{
			Name:  "advertise",
			Usage: "advertise and accept connections",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name", Usage: "local name", Value: "blehost"},
				cli.UintFlag{Name: "interval", Usage: "advertising interval in 0.625ms units", Value: 0x00A0},
				cli.DurationFlag{Name: "dur", Usage: "advertising duration, 0 for indefinite"},
			},
			Action: cmdAdvertise,
		},
		{
			Name:  "echo-server",
			Usage: "advertise and echo SDUs on a credit based channel",
			Flags: []cli.Flag{
				cli.UintFlag{Name: "psm", Usage: "LE PSM to listen on", Value: 0x0080},
				cli.StringFlag{Name: "name", Usage: "local name", Value: "blehost-echo"},
			},
			Action: cmdEchoServer,
		},
		{
			Name:  "gatt-server",
			Usage: "advertise and serve a battery service",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name", Usage: "local name", Value: "blehost-gatt"},
			},
			Action: cmdGattServer,
		},
		{
			Name:  "echo-client",
			Usage: "connect, open a credit based channel, and send messages",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "addr", Usage: "peer address", Required: true},
				cli.UintFlag{Name: "psm", Usage: "LE PSM to connect to", Value: 0x0080},
				cli.StringFlag{Name: "msg", Usage: "payload to send", Value: "ping"},
				cli.IntFlag{Name: "count", Usage: "number of round trips", Value: 3},
			},
			Action: cmdEchoClient,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildTransport(c *cli.Context) (transport.Transport, error) {
	if path := c.GlobalString("uart"); path != "" {
		opts := transport.DefaultSerialOptions(path)
		opts.BaudRate = c.GlobalUint("baud")
		return transport.NewH4Uart(opts)
	}
	if addr := c.GlobalString("tcp"); addr != "" {
		return transport.NewH4Socket(addr, 5*time.Second)
	}
	return transport.NewHCISocket(c.GlobalInt("device"))
}

// buildStack constructs a stack, starts its runner, and installs the
// pairing manager. The returned stop function tears everything down.
func buildStack(c *cli.Context, role ble.Option) (*host.Stack, func(), error) {
	if c.GlobalBool("debug") {
		ble.SetLogLevelDebug()
	}

	t, err := buildTransport(c)
	if err != nil {
		return nil, nil, errors.Wrap(err, "transport")
	}

	opts := []ble.Option{role}
	if a := c.GlobalString("random"); a != "" {
		opts = append(opts, ble.OptRandomAddress(ble.NewAddr(a)))
	}
	if p := c.GlobalString("bond-file"); p != "" {
		opts = append(opts, ble.OptBondFile(p))
	}

	s, err := host.NewStack(host.DefaultConfig(), t, opts...)
	if err != nil {
		t.Close()
		return nil, nil, errors.Wrap(err, "stack")
	}

	store, err := smp.NewBondStore(s.BondFilePath())
	if err != nil {
		t.Close()
		return nil, nil, errors.Wrap(err, "bond store")
	}
	s.SetSecurityHandler(smp.NewManager(s, store, smp.Config{
		LocalAddr: ble.NewAddr(c.GlobalString("random")),
		Bondable:  c.GlobalString("bond-file") != "",
		Rand:      smp.RandFromSeed(s.SecuritySeed()),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "stack:", err)
		}
	}()

	stop := func() {
		cancel()
		<-done
	}
	return s, stop, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func cmdScan(c *cli.Context) error {
	s, stop, err := buildStack(c, ble.OptCentralRole())
	if err != nil {
		return err
	}
	defer stop()

	cn, err := s.Central()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()
	if d := c.Duration("dur"); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	err = cn.Scan(ctx, c.Bool("dup"), func(a ble.Advertisement) {
		fmt.Printf("%s rssi=%d connectable=%v name=%q\n",
			a.Addr(), a.RSSI(), a.Connectable(), a.LocalName())
	})
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cmdAdvertise(c *cli.Context) error {
	s, stop, err := buildStack(c, ble.OptPeripheralRole())
	if err != nil {
		return err
	}
	defer stop()

	p, err := s.Peripheral()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()
	if d := c.Duration("dur"); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	pkt, err := ble.NewAdvPacket(
		ble.AdvFlags(0x06), // general discoverable, no BR/EDR
		ble.AdvCompleteName(c.String("name")),
	)
	if err != nil {
		return err
	}

	set, err := p.NewAdvSet()
	if err != nil {
		return err
	}
	defer set.Release()
	if err := set.Configure(pkt.Bytes(), nil, uint16(c.Uint("interval")), true); err != nil {
		return err
	}
	if err := set.Enable(ctx); err != nil {
		return err
	}
	fmt.Println("advertising as", c.String("name"))

	for {
		conn, err := p.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Println("connected:", conn.RemoteAddr())
		go func(conn ble.Conn) {
			<-conn.Disconnected()
			fmt.Println("disconnected:", conn.RemoteAddr())
		}(conn)
	}
}

func cmdEchoServer(c *cli.Context) error {
	s, stop, err := buildStack(c, ble.OptPeripheralRole())
	if err != nil {
		return err
	}
	defer stop()

	p, err := s.Peripheral()
	if err != nil {
		return err
	}

	chans, err := s.ListenChannel(uint16(c.Uint("psm")))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	pkt, err := ble.NewAdvPacket(
		ble.AdvFlags(0x06),
		ble.AdvCompleteName(c.String("name")),
	)
	if err != nil {
		return err
	}
	set, err := p.NewAdvSet()
	if err != nil {
		return err
	}
	defer set.Release()
	if err := set.Configure(pkt.Bytes(), nil, 0x00A0, true); err != nil {
		return err
	}
	if err := set.Enable(ctx); err != nil {
		return err
	}
	fmt.Printf("echoing on psm %#04x\n", c.Uint("psm"))

	go func() {
		for {
			conn, err := p.Accept(ctx)
			if err != nil {
				return
			}
			fmt.Println("connected:", conn.RemoteAddr())
		}
	}()

	for {
		select {
		case ch := <-chans:
			go echo(ctx, ch)
		case <-ctx.Done():
			return nil
		}
	}
}

func echo(ctx context.Context, ch ble.Channel) {
	info := ch.Info()
	fmt.Printf("channel open: local=%#04x remote=%#04x mtu=%d\n",
		info.LocalCID, info.RemoteCID, info.PeerMTU)
	defer ch.Close()
	for {
		sdu, err := ch.Receive(ctx)
		if err != nil {
			return
		}
		if err := ch.Send(ctx, sdu); err != nil {
			return
		}
	}
}

func cmdEchoClient(c *cli.Context) error {
	s, stop, err := buildStack(c, ble.OptCentralRole())
	if err != nil {
		return err
	}
	defer stop()

	cn, err := s.Central()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	conn, err := cn.Dial(ctx, ble.NewAddr(c.String("addr")))
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()

	ch, err := conn.OpenChannel(ctx, uint16(c.Uint("psm")))
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer ch.Close()

	for i := 0; i < c.Int("count"); i++ {
		msg := fmt.Sprintf("%s %d", c.String("msg"), i)
		if err := ch.Send(ctx, []byte(msg)); err != nil {
			return errors.Wrap(err, "send")
		}
		rsp, err := ch.Receive(ctx)
		if err != nil {
			return errors.Wrap(err, "receive")
		}
		fmt.Printf("> %s\n", rsp)
	}
	return nil
}

func cmdGattServer(c *cli.Context) error {
	s, stop, err := buildStack(c, ble.OptPeripheralRole())
	if err != nil {
		return err
	}
	defer stop()

	p, err := s.Peripheral()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	srv := gatt.NewServer(gatt.DefaultServerConfig())
	svc, err := srv.AddService(ble.UUID16(0x180F)) // battery service
	if err != nil {
		return err
	}
	level, err := svc.AddCharacteristic(ble.UUID16(0x2A19),
		gatt.PropRead|gatt.PropNotify, []byte{100})
	if err != nil {
		return err
	}

	pkt, err := ble.NewAdvPacket(
		ble.AdvFlags(0x06),
		ble.AdvCompleteName(c.String("name")),
		ble.AdvAllUUID(ble.UUID16(0x180F)),
	)
	if err != nil {
		return err
	}
	set, err := p.NewAdvSet()
	if err != nil {
		return err
	}
	defer set.Release()
	if err := set.Configure(pkt.Bytes(), nil, 0x00A0, true); err != nil {
		return err
	}
	if err := set.Enable(ctx); err != nil {
		return err
	}
	fmt.Println("serving battery service as", c.String("name"))

	// drain a fake battery while any subscriber listens
	go func() {
		pct := byte(100)
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if pct > 0 {
					pct--
				}
				level.SetValue([]byte{pct})
				srv.Notify(level.ValueHandle, []byte{pct})
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		conn, err := p.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Println("connected:", conn.RemoteAddr())
		go func(conn ble.Conn) {
			if err := srv.Serve(ctx, conn); err != nil {
				fmt.Println("gatt session ended:", err)
			}
		}(conn)
	}
}
