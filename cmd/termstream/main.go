// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// termstream serves tmux sessions to browser viewers over WebSocket
// and administers them through a local control socket.
//
// Usage:
//
//	termstream serve [--config path] [--listen addr]
//	termstream register <session-id> <tmux-session>
//	termstream create <session-id> [--tmux name] [-- command...]
//	termstream destroy <session-id>
//	termstream status <session-id> <status> [message]
//	termstream list
//	termstream send-keys <session-id> <key>...
//	termstream version
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/termstream/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "termstream: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return errors.New("no command given")
	}
	command, rest := args[0], args[1:]
	switch command {
	case "serve":
		return runServe(rest)
	case "register", "create", "destroy", "status", "list", "send-keys":
		return runControl(command, rest, stdout)
	case "version", "--version":
		fmt.Fprintf(stdout, "termstream %s\n", version.Full())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	}
	printUsage(os.Stderr)
	return fmt.Errorf("unknown command %q", command)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `termstream streams tmux sessions to browser viewers.

Usage:
  termstream serve [--config path] [--listen addr]
  termstream register <session-id> <tmux-session>
  termstream create <session-id> [--tmux name] [-- command...]
  termstream destroy <session-id>
  termstream status <session-id> <started|ended|crashed|timeout> [message]
  termstream list
  termstream send-keys <session-id> <key>...
  termstream version

Control commands accept --socket, or --config to read control_socket
from a config file.
`)
}
