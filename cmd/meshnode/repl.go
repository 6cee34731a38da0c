package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"meshwire/internal/core"
)

// replHandlers is the dispatch table for one interactive line of input,
// grounded on the teacher's repl dispatch shape (a small struct of
// named handler funcs plus a pure dispatchRepl switch), generalized
// from a single-command daemon REPL to this node's send/retry/peers
// commands.
type replHandlers struct {
	send    func(args []string)
	retry   func(args []string)
	typing  func(args []string)
	peers   func()
	status  func()
	unknown func(io.Writer)
}

// dispatchRepl parses one line and invokes the matching handler. It
// returns true when the line requests that the REPL exit.
func dispatchRepl(line string, out io.Writer, handlers replHandlers) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "send":
		handlers.send(args)
	case "retry":
		handlers.retry(args)
	case "typing":
		handlers.typing(args)
	case "peers":
		handlers.peers()
	case "status":
		handlers.status()
	case "quit", "exit":
		return true
	default:
		handlers.unknown(out)
	}
	return false
}

func runRepl(ctx context.Context, n *core.Core, stdin io.Reader, stdout, stderr io.Writer) {
	handlers := replHandlers{
		send: func(args []string) {
			if len(args) < 2 {
				fmt.Fprintln(stderr, "usage: send <receiver-id> <message...>")
				return
			}
			content := strings.Join(args[1:], " ")
			id, err := n.SendMessage(ctx, content, args[0])
			if err != nil {
				fmt.Fprintf(stderr, "send failed: %v\n", err)
				return
			}
			fmt.Fprintf(stdout, "queued message %s\n", id)
		},
		retry: func(args []string) {
			if len(args) != 1 {
				fmt.Fprintln(stderr, "usage: retry <message-id>")
				return
			}
			if !n.RetryMessage(args[0]) {
				fmt.Fprintf(stderr, "no pending message %s\n", args[0])
				return
			}
			fmt.Fprintf(stdout, "retrying %s\n", args[0])
		},
		typing: func(args []string) {
			if len(args) != 2 {
				fmt.Fprintln(stderr, "usage: typing <receiver-id> <true|false>")
				return
			}
			n.SendTypingIndicator(args[0], args[1] == "true")
		},
		peers: func() {
			for _, d := range n.Devices() {
				fmt.Fprintf(stdout, "%s\tname=%s\tonline=%v\n", d.ID, d.Name, d.IsOnline)
			}
		},
		status: func() {
			snap := n.Metrics().Snapshot()
			fmt.Fprintf(stdout, "sent=%d delivered=%d queued=%d failed=%d\n",
				snap.Delivery.Sent, snap.Delivery.Delivered, snap.Delivery.Queued, snap.Delivery.Failed)
		},
		unknown: func(w io.Writer) {
			fmt.Fprintln(w, "unknown command; try send, retry, typing, peers, status, quit")
		},
	}

	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if dispatchRepl(scanner.Text(), stdout, handlers) {
			return
		}
	}
}
