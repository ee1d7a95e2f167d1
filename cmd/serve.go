package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"modelgate/internal/chunking"
	"modelgate/internal/config"
	"modelgate/internal/health"
	"modelgate/internal/observe"
	"modelgate/internal/provider"
	providerfactory "modelgate/internal/provider/factory"
	"modelgate/internal/router"
	"modelgate/internal/server"
	"modelgate/internal/stream"
	"modelgate/internal/tunnel"
)

const serveUsage = `Usage:
  modelgate serve --config <path> [--port <port>] [--tunnel]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration
  --tunnel          Expose the server through a cloudflared quick tunnel`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	var withTunnel bool
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")
	fs.BoolVar(&withTunnel, "tunnel", false, "start a cloudflared tunnel")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredBackends(cfg, registry); err != nil {
		return err
	}

	rt := router.New(registry, health.New(cfg.Health.TTL, cfg.Health.ProbeTimeout), router.Options{
		Fallback: cfg.FallbackEnabled(),
		Chunking: chunking.Options{
			MaxTokensPerChunk:     cfg.Chunking.MaxTokensPerChunk,
			Overlap:               cfg.Chunking.Overlap,
			TokenThreshold:        cfg.Chunking.TokenThreshold,
			MessageThreshold:      cfg.Chunking.MessageThreshold,
			StreamingTokenCeiling: cfg.Chunking.StreamingTokenCeiling,
			SubRequestTimeout:     cfg.Chunking.SubRequestTimeout,
			InterChunkDelay:       cfg.Chunking.InterChunkDelay,
		},
		Stream: stream.Options{
			KeepaliveInterval: cfg.Streaming.KeepaliveInterval,
			IdleTimeout:       cfg.Streaming.IdleTimeout,
			MaxDuration:       cfg.Streaming.MaxDuration,
			PaceDelay:         cfg.Streaming.PaceDelay,
		},
	})

	srv, err := server.New(cfg, rt, observe.NewHistory(cfg.History.Size))
	if err != nil {
		return err
	}

	var publicURL string
	if withTunnel || cfg.Tunnel.Enabled {
		tm := tunnel.New(cfg.Tunnel.Binary, cfg.Server.Port, cfg.Tunnel.StartTimeout)
		publicURL, err = tm.Start(ctx)
		if err != nil {
			slog.Warn("tunnel unavailable, serving locally only", "error", err)
		} else {
			defer tm.Stop()
		}
	}

	printStartupBanner(os.Stdout, cfg, rt.Priority(), publicURL)
	return srv.Run(ctx)
}
