// Command vnt is the engine's entrypoint: it loads a client configuration,
// brings up the transport/cipher/handshake/dispatch/scheduler/TUN stack,
// and runs until interrupted. Grounded on the teacher's top-level main.go
// (elevation check, signal-driven context cancellation) generalized from
// its fixed client/server mode switch to vntgo's single client engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"vntgo/internal/cipher"
	"vntgo/internal/cliui"
	"vntgo/internal/config"
	"vntgo/internal/dispatch"
	"vntgo/internal/elevation"
	"vntgo/internal/handshake"
	"vntgo/internal/logging"
	"vntgo/internal/nat"
	"vntgo/internal/punch"
	"vntgo/internal/route"
	"vntgo/internal/scheduler"
	"vntgo/internal/telemetry"
	"vntgo/internal/transport"
	"vntgo/internal/tundevice"
	"vntgo/internal/tunpipe"

	"golang.org/x/term"
)

func main() {
	configPath := flag.String("config", "vntgo.json", "path to the client configuration file")
	genConfig := flag.Bool("gen-config", false, "write a template configuration to -config and exit")
	flag.Parse()

	logger := logging.NewStdLogger()

	if *genConfig {
		if err := writeTemplateConfig(*configPath); err != nil {
			logger.Printf("generating config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("wrote template configuration to %s\n", *configPath)
		return
	}

	if !elevation.IsElevated() {
		fmt.Printf("vnt must run with elevated privileges: %s\n", elevation.Hint())
		os.Exit(1)
	}

	if flag.NArg() == 0 && !fileExists(*configPath) {
		choice, err := cliui.Run("Welcome to vnt. What would you like to do?", []string{
			"connect - start the overlay client",
			"generate - write a template configuration and exit",
		})
		if err != nil {
			logger.Printf("prompt failed: %v", err)
			os.Exit(1)
		}
		if choice == "generate" || choice == "" {
			if err := writeTemplateConfigInteractive(*configPath); err != nil {
				logger.Printf("generating config: %v", err)
				os.Exit(1)
			}
			fmt.Printf("wrote template configuration to %s; edit it and re-run\n", *configPath)
			return
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("loading config: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Printf("session ended: %v", err)
		os.Exit(1)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeTemplateConfig(path string) error {
	cfg := &config.Config{
		Token:      "change-me",
		DeviceID:   "change-me",
		Name:       "vnt-client",
		ServerAddr: "vnt.example.com:29872",
	}
	return config.Save(path, cfg)
}

// writeTemplateConfigInteractive is writeTemplateConfig plus an optional
// no-echo password prompt, used only from the first-run cliui flow where
// stdin is already an interactive terminal.
func writeTemplateConfigInteractive(path string) error {
	cfg := &config.Config{
		Token:      "change-me",
		DeviceID:   "change-me",
		Name:       "vnt-client",
		ServerAddr: "vnt.example.com:29872",
	}
	if token, err := cliui.PromptText("network token (e.g. change-me)"); err == nil && token != "" {
		cfg.Token = token
	}
	if addr, err := cliui.PromptText("server address (host:port)"); err == nil && addr != "" {
		cfg.ServerAddr = addr
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("optional network password (leave blank for none): ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		cfg.Password = string(pw)
	}
	return config.Save(path, cfg)
}

// run builds every collaborator and blocks until ctx is cancelled or
// registration/TUN setup fails fatally.
func run(ctx context.Context, logger logging.Logger, cfg *config.Config) error {
	cipherModel, err := cfg.CipherModel.Resolve()
	if err != nil {
		return err
	}
	peerCipher, err := cipher.New(cipherModel, cfg.ClientKey(), cfg.Token)
	if err != nil {
		return fmt.Errorf("building client cipher: %w", err)
	}
	// With server_encrypt on, the gateway channel starts unencrypted
	// (spec §4.2) until the RSA bootstrap lands a session key, and then
	// dispatch.Engine upgrades its serverCipher in place. With it off,
	// gateway traffic is sealed with the peer cipher.
	serverCipher, err := cipher.New(cipher.ModelNone, nil, cfg.Token)
	if err != nil {
		return fmt.Errorf("building server cipher: %w", err)
	}
	if !cfg.ServerEncrypt {
		serverCipher = peerCipher
	}

	host, port, err := config.ParseHost(cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("server_addr: %w", err)
	}
	serverAddr, err := host.Resolve(ctx, port)
	if err != nil {
		return fmt.Errorf("resolving server_addr: %w", err)
	}

	channel, err := transport.NewChannel(":0")
	if err != nil {
		return fmt.Errorf("opening transport channel: %w", err)
	}
	defer channel.Close()

	natTester, err := nat.NewTester(cfg.Ports, 0)
	if err != nil {
		return fmt.Errorf("building nat tester: %w", err)
	}

	hsCfg := handshake.Config{
		Token:            cfg.Token,
		DeviceID:         cfg.DeviceID,
		Name:             cfg.Name,
		DesiredIP:        cfg.IP,
		ClientSecret:     cfg.Password != "",
		ServerEncryption: cfg.ServerEncrypt,
	}
	resp, err := handshake.Register(ctx, channel, channel.Recv(), serverAddr, serverCipher, hsCfg)
	if err != nil {
		return fmt.Errorf("registering with %s: %w", serverAddr, err)
	}

	routes := route.NewTable(int(cfg.ChannelNum))
	collector := telemetry.NewCollector(0, 0)
	punchEngine := punch.NewEngine(channel, natTester, int(cfg.ChannelNum))

	tunCfg := tunpipe.Config{
		Self:         resp.VirtualIP,
		Netmask:      resp.VirtualNetmask,
		Broadcast:    broadcastOf(resp.VirtualIP, resp.VirtualNetmask),
		Gateway:      resp.VirtualGateway,
		ServerAddr:   serverAddr,
		ProxyEnabled: !cfg.NoProxy,
	}

	dev, err := tundevice.Open(cfg.DeviceName, int(cfg.MTU), cfg.Tap)
	if err != nil {
		return fmt.Errorf("opening tun device: %w", err)
	}
	defer dev.Close()

	prefixLen := netPrefixLen(resp.VirtualNetmask)
	if err := dev.SetIPv4(resp.VirtualIP, prefixLen); err != nil {
		return fmt.Errorf("assigning tun address: %w", err)
	}
	if err := dev.Reconfigure(externalRoutes(cfg, resp.VirtualIP, prefixLen)); err != nil {
		return fmt.Errorf("installing routes: %w", err)
	}

	pipe := tunpipe.NewEngine(logger, routes, channel, collector, tundevice.Sink{Device: dev}, peerCipher, tunCfg)

	dispatchEngine := dispatch.NewEngine(
		logger, routes, natTester, collector, channel, pipe, punchEngine,
		serverCipher, peerCipher, hsCfg, serverAddr,
		dispatch.Callbacks{
			OnStatus: func(s handshake.Status) { logger.Printf("status: %v", s) },
			OnError:  func(err error) { logger.Printf("dispatch error: %v", err) },
		},
	)
	dispatchEngine.SetSelf(resp.VirtualIP, resp.VirtualGateway, resp.VirtualNetmask, tunCfg.Broadcast)
	dispatchEngine.EnableTransportMode(channel, int(cfg.ChannelNum))

	sched := scheduler.NewEngine(logger, dispatchEngine, routes, natTester, collector)
	sched.Start(ctx)
	defer sched.Stop()

	go tunReadLoop(ctx, logger, dev, pipe)
	go recvLoop(ctx, logger, dispatchEngine, channel.Recv())

	<-ctx.Done()
	return nil
}

func tunReadLoop(ctx context.Context, logger logging.Logger, dev tundevice.Device, pipe *tunpipe.Engine) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := dev.Read(buf)
		if err != nil {
			logger.Printf("tun read: %v", err)
			return
		}
		if err := pipe.Send(buf[:n]); err != nil {
			logger.Printf("tun send: %v", err)
		}
	}
}

func recvLoop(ctx context.Context, logger logging.Logger, dispatchEngine *dispatch.Engine, recv <-chan transport.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-recv:
			if err := dispatchEngine.Dispatch(pkt); err != nil {
				logger.Printf("dispatch: %v", err)
			}
		}
	}
}

// broadcastOf computes the subnet's directed broadcast address from a
// virtual IP and its netmask: network | ^netmask.
func broadcastOf(ip, netmask netip.Addr) netip.Addr {
	if !ip.Is4() || !netmask.Is4() {
		return netip.Addr{}
	}
	a, m := ip.As4(), netmask.As4()
	var b [4]byte
	for i := range b {
		b[i] = a[i] | ^m[i]
	}
	return netip.AddrFrom4(b)
}

// netPrefixLen converts a dotted netmask to its CIDR bit length.
func netPrefixLen(netmask netip.Addr) int {
	if !netmask.Is4() {
		return 32
	}
	m := netmask.As4()
	n := 0
	for _, b := range m {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

func externalRoutes(cfg *config.Config, vip netip.Addr, prefixLen int) []tundevice.Route {
	routes := tundevice.StandingRoutes(vip, prefixLen)
	for _, out := range cfg.OutIPs {
		routes = append(routes, tundevice.Route{Dest: out.DestCIDR})
	}
	return routes
}
