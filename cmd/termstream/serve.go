// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/termstream/activity"
	"github.com/bureau-foundation/termstream/control"
	"github.com/bureau-foundation/termstream/directory"
	"github.com/bureau-foundation/termstream/gateway"
	"github.com/bureau-foundation/termstream/lib/clock"
	"github.com/bureau-foundation/termstream/lib/config"
	"github.com/bureau-foundation/termstream/lib/logging"
	"github.com/bureau-foundation/termstream/lib/tmux"
	"github.com/bureau-foundation/termstream/lib/version"
	"github.com/bureau-foundation/termstream/seed"
	"github.com/bureau-foundation/termstream/stream"
)

const shutdownTimeout = 5 * time.Second

func runServe(args []string) error {
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to termstream.yaml (default: $TERMSTREAM_CONFIG, then built-in defaults)")
	listen := flagSet.String("listen", "", "override listen_address")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("serve: unexpected argument %q", flagSet.Arg(0))
	}

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(level)

	daemon, err := newDaemon(cfg, clock.Real(), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return daemon.run(ctx)
}

// daemon holds the wired components of a running server.
type daemon struct {
	config   *config.Config
	logger   *slog.Logger
	registry *directory.Registry
	streams  *stream.AttachmentManager
	gateway  *gateway.Gateway
	control  *control.SocketServer
	http     *http.Server
}

func newDaemon(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*daemon, error) {
	mode, err := stream.ParseSanitizeMode(cfg.Terminal.Sanitize)
	if err != nil {
		return nil, err
	}

	tmuxServer := tmux.NewServer(tmux.Options{
		SocketPath: cfg.Tmux.Socket,
		ConfigFile: cfg.Tmux.ConfigFile,
		Clock:      clk,
		Logger:     logger.With("component", "tmux"),
	})

	values := maps.Clone(cfg.Settings)
	if values == nil {
		values = make(map[string]string)
	}
	if _, set := values[seed.MaxBytesSetting]; !set && cfg.Terminal.SeedMaxBytes > 0 {
		values[seed.MaxBytesSetting] = strconv.Itoa(cfg.Terminal.SeedMaxBytes)
	}
	settings := directory.NewSettings(cfg.Terminal.ScrollbackLines, values)
	registry := directory.NewRegistry(clk)
	tracker := activity.NewTracker(clk)
	hub := gateway.NewHub(cfg.Terminal.SendBuffer, clk, logger.With("component", "hub"))
	frames := stream.NewFrameBuffers(cfg.Terminal.FrameBufferSize, clk)

	// The attachment manager reports exits to the session actions,
	// which need the gateway, which needs the attachment manager.
	var sessions *control.Sessions
	streams := stream.NewAttachmentManager(stream.AttachmentOptions{
		Commander: tmuxServer,
		Frames:    frames,
		Sink:      hub,
		Activity:  tracker,
		Mode:      mode,
		OnExit: func(sessionID string, err error) {
			sessions.AttachmentExited(sessionID, err)
		},
		Clock:  clk,
		Logger: logger.With("component", "stream"),
	})

	g := gateway.New(gateway.Options{
		Hub:         hub,
		Streams:     streams,
		Frames:      frames,
		Multiplexer: tmuxServer,
		Seeds:       seed.NewService(tmuxServer, settings, clk, logger.With("component", "seed")),
		Directory:   registry,
		Settings:    settings,
		Clock:       clk,
		Logger:      logger.With("component", "gateway"),
	})

	sessions = control.NewSessions(control.SessionsOptions{
		Registry:    registry,
		Multiplexer: tmuxServer,
		Lifecycle:   g,
		Streams:     streams,
		Frames:      frames,
		Activity:    tracker,
		Logger:      logger.With("component", "control"),
	})
	socketServer := control.NewSocketServer(cfg.ControlSocket, logger.With("component", "control"))
	sessions.Register(socketServer)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", gateway.NewWebSocketHandler(g, cfg.AllowedOrigins))
	mux.Handle("GET /healthz", healthHandler(registry, streams))

	return &daemon{
		config:   cfg,
		logger:   logger,
		registry: registry,
		streams:  streams,
		gateway:  g,
		control:  socketServer,
		http: &http.Server{
			Addr:              cfg.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// run serves until ctx is cancelled or a component fails, then stops
// every attachment.
func (d *daemon) run(ctx context.Context) error {
	defer d.streams.StopAll()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return d.control.Serve(ctx) })
	group.Go(func() error { return d.gateway.RunSeedWorkers(ctx, d.config.Terminal.SeedWorkers) })
	group.Go(func() error { return d.gateway.RunHeartbeat(ctx) })
	group.Go(func() error {
		d.logger.Info("serving viewers", "address", d.config.ListenAddress, "version", version.Info())
		if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http on %s: %w", d.config.ListenAddress, err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.http.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	d.logger.Info("termstream stopped", "error", err)
	return err
}

type sessionLister interface {
	List() []directory.Session
}

type streamingReporter interface {
	Sessions() []string
}

type health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Sessions  int    `json:"sessions"`
	Streaming int    `json:"streaming"`
}

func healthHandler(registry sessionLister, streams streamingReporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health{
			Status:    "ok",
			Version:   version.Info(),
			Sessions:  len(registry.List()),
			Streaming: len(streams.Sessions()),
		})
	})
}
