package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"meshwire/internal/metrics"
)

// runStatus reads the metrics.json snapshot written by a running
// `meshnode run` process, mirroring the teacher's status subcommand
// which never talks to the live daemon directly, only its snapshot
// file on disk.
func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := filepath.Join(homeDir(), "metrics.json")
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "read snapshot: %v (is a node running with run?)\n", err)
		return 1
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(stderr, "parse snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "generated_at: %s\n", snap.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(stdout, "packets: verified=%d relayed=%d drop_duplicate=%d drop_malformed=%d drop_oversize=%d\n",
		snap.Packets.Verified, snap.Packets.Relayed, snap.Packets.DropDuplicate, snap.Packets.DropMalformed, snap.Packets.DropOversize)
	fmt.Fprintf(stdout, "delivery: sent=%d delivered=%d queued=%d failed=%d retries=%d\n",
		snap.Delivery.Sent, snap.Delivery.Delivered, snap.Delivery.Queued, snap.Delivery.Failed, snap.Delivery.Retries)
	for _, ev := range snap.Recent {
		fmt.Fprintf(stdout, "  [%s] %s %s %s\n", ev.At.Format("15:04:05"), ev.Kind, ev.PeerID, ev.Detail)
	}
	return 0
}
