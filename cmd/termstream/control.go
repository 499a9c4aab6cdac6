// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/termstream/control"
	"github.com/bureau-foundation/termstream/directory"
	"github.com/bureau-foundation/termstream/lib/config"
)

const callTimeout = 30 * time.Second

// controlRequest is a parsed control command.
type controlRequest struct {
	action string
	fields map[string]any
}

// parseControl turns a control subcommand's arguments into a request.
// It returns the flag set so the caller can read the connection flags.
func parseControl(command string, args []string) (controlRequest, *pflag.FlagSet, error) {
	flagSet := pflag.NewFlagSet(command, pflag.ContinueOnError)
	flagSet.String("socket", "", "control socket path (default: control_socket from config)")
	flagSet.String("config", "", "path to termstream.yaml")
	tmuxName := ""
	if command == "create" {
		flagSet.StringVar(&tmuxName, "tmux", "", "tmux session name (default: the session id)")
	}
	if err := flagSet.Parse(args); err != nil {
		return controlRequest{}, nil, err
	}
	positional := flagSet.Args()

	need := func(minimum, maximum int, usage string) error {
		if len(positional) < minimum || (maximum >= 0 && len(positional) > maximum) {
			return fmt.Errorf("usage: termstream %s %s", command, usage)
		}
		return nil
	}

	var request controlRequest
	switch command {
	case "register":
		if err := need(2, 2, "<session-id> <tmux-session>"); err != nil {
			return request, nil, err
		}
		request = controlRequest{control.ActionRegister, map[string]any{
			"session_id":   positional[0],
			"tmux_session": positional[1],
		}}
	case "create":
		if err := need(1, -1, "<session-id> [--tmux name] [-- command...]"); err != nil {
			return request, nil, err
		}
		fields := map[string]any{"session_id": positional[0], "tmux_session": tmuxName}
		if len(positional) > 1 {
			fields["command"] = positional[1:]
		}
		request = controlRequest{control.ActionCreate, fields}
	case "destroy":
		if err := need(1, 1, "<session-id>"); err != nil {
			return request, nil, err
		}
		request = controlRequest{control.ActionDestroy, map[string]any{"session_id": positional[0]}}
	case "status":
		if err := need(2, -1, "<session-id> <status> [message]"); err != nil {
			return request, nil, err
		}
		request = controlRequest{control.ActionStatus, map[string]any{
			"session_id": positional[0],
			"status":     positional[1],
			"message":    strings.Join(positional[2:], " "),
		}}
	case "list":
		if err := need(0, 0, ""); err != nil {
			return request, nil, err
		}
		request = controlRequest{action: control.ActionList}
	case "send-keys":
		if err := need(2, -1, "<session-id> <key>..."); err != nil {
			return request, nil, err
		}
		request = controlRequest{control.ActionSendKeys, map[string]any{
			"session_id": positional[0],
			"keys":       positional[1:],
		}}
	default:
		return request, nil, fmt.Errorf("unknown control command %q", command)
	}
	return request, flagSet, nil
}

func socketPath(flagSet *pflag.FlagSet) (string, error) {
	if path, _ := flagSet.GetString("socket"); path != "" {
		return path, nil
	}
	configPath, _ := flagSet.GetString("config")
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return cfg.ControlSocket, nil
}

func runControl(command string, args []string, stdout io.Writer) error {
	request, flagSet, err := parseControl(command, args)
	if err != nil {
		return err
	}
	path, err := socketPath(flagSet)
	if err != nil {
		return err
	}
	client := control.NewClient(path)
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if request.action == control.ActionList {
		var statuses []control.SessionStatus
		if err := client.Call(ctx, request.action, nil, &statuses); err != nil {
			return err
		}
		return printSessions(stdout, statuses)
	}

	var session directory.Session
	if err := client.Call(ctx, request.action, request.fields, &session); err != nil {
		return err
	}
	if session.ID != "" {
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", session.ID, session.TmuxSession, session.Status)
	}
	return nil
}

func printSessions(w io.Writer, statuses []control.SessionStatus) error {
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "SESSION\tTMUX\tSTATUS\tSTREAMING\tSIZE\tSEQUENCE\tVIEWERS\tLAST ACTIVITY")
	for _, status := range statuses {
		size := "-"
		if status.Cols > 0 {
			size = fmt.Sprintf("%dx%d", status.Cols, status.Rows)
		}
		activity := "-"
		if status.LastActivity != nil {
			activity = status.LastActivity.Local().Format(time.DateTime)
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%t\t%s\t%d\t%d\t%s\n",
			status.ID, status.TmuxSession, status.Status, status.Streaming,
			size, status.CurrentSequence, status.Viewers, activity)
	}
	return table.Flush()
}
