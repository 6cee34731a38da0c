package main

import (
	"flag"
	"fmt"
	"io"

	"meshwire/internal/meshstore"
)

// runPeers opens the durable device table directly (read-only, without
// starting any transport) and lists the device records stored there,
// the same read-a-store-without-a-live-daemon pattern the status
// subcommand uses for metrics. A running node keeps its peer
// observations in the in-memory registry only and does not write them
// to this table, so a store written by "meshnode run" lists none.
func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	store, err := meshstore.New(homeDir())
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	devices, err := store.ListDevices()
	if err != nil {
		fmt.Fprintf(stderr, "list devices: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "no known devices")
		return 0
	}
	for _, d := range devices {
		fmt.Fprintf(stdout, "%s\tname=%s\tkind=%s\tonline=%v\tlast_seen=%s\n",
			d.ID, d.Name, d.Kind, d.IsOnline, d.LastSeen.Format("2006-01-02T15:04:05Z07:00"))
	}
	return 0
}
