package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"meshwire/internal/config"
	"meshwire/internal/core"
	"meshwire/internal/meshmodel"
	"meshwire/internal/pprofutil"
	"meshwire/internal/transport"
)

// writeMetricsPeriodically persists a metrics snapshot to disk so that
// a separately-invoked `meshnode status` process can read it without
// talking to this running node directly, mirroring the teacher's
// daemon's metrics.json snapshot file.
func writeMetricsPeriodically(ctx context.Context, n *core.Core, path string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		_ = n.Metrics().WriteSnapshot(path)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runNode(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	lanAddr := fs.String("lan-addr", "", "same-host/LAN websocket listen addr (host:port)")
	quicAddr := fs.String("quic-addr", "", "P2P-over-internet QUIC listen addr (host:port)")
	relay := fs.String("relay", "", "base URL of a rendezvous relay")
	name := fs.String("name", "", "display name for this device")
	devTLS := fs.Bool("devtls", false, "allow deterministic dev TLS certs for QUIC (unsafe outside local testing)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *lanAddr == "" && *quicAddr == "" && *relay == "" {
		fmt.Fprintln(stderr, "at least one of --lan-addr, --quic-addr, --relay is required")
		return 1
	}
	if *debug {
		_ = os.Setenv("MESH_DEBUG", "1")
	}
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	if *quicAddr != "" && !*devTLS {
		fmt.Fprintln(stderr, "dev TLS disabled by default; pass --devtls to enable QUIC without a real certificate")
		return 1
	}

	root := homeDir()
	drivers := map[transport.Kind]transport.Driver{}
	if *lanAddr != "" {
		drivers[transport.KindLAN] = transport.NewLANDriver(*lanAddr)
	}
	if *quicAddr != "" {
		drivers[transport.KindP2PInternet] = transport.NewQUICDriver(*quicAddr, *devTLS)
	}

	events := core.Events{
		OnMessageReceived: func(m meshmodel.Message) {
			fmt.Fprintf(stdout, "[recv] from=%s id=%s content=%q\n", m.SenderID, m.ID, m.Content)
		},
		OnMessageStatusChanged: func(id string, status meshmodel.Status) {
			fmt.Fprintf(stdout, "[status] id=%s status=%s\n", id, status)
		},
		OnDeviceUpdated: func(d meshmodel.Device) {
			fmt.Fprintf(stdout, "[peer] id=%s name=%s online=%v\n", d.ID, d.Name, d.IsOnline)
		},
		OnDeviceLost: func(id string) {
			fmt.Fprintf(stdout, "[peer-lost] id=%s\n", id)
		},
	}

	n, err := core.New(root, core.Options{
		Config:    config.FromEnv(),
		Drivers:   drivers,
		Events:    events,
		RelayHTTP: *relay,
	})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	if *name != "" {
		if err := n.SetDeviceName(*name); err != nil {
			fmt.Fprintf(stderr, "set device name failed: %v\n", err)
			return 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deviceID, deviceName, err := n.Initialize(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "initialize failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY device_id=%s device_name=%s\n", deviceID, deviceName)
	n.StartScanning(ctx)

	go writeMetricsPeriodically(ctx, n, filepath.Join(root, "metrics.json"))
	go runRepl(ctx, n, stdin, stdout, stderr)
	waitForSignal(ctx)

	fmt.Fprintln(stdout, "shutting down")
	if err := n.Cleanup(context.Background()); err != nil {
		fmt.Fprintf(stderr, "cleanup: %v\n", err)
		return 1
	}
	return 0
}
