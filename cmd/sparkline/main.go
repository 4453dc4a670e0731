// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// sparkline is the single binary for both deployment sites: `sparkline edge`
// runs the plant-floor node, `sparkline processor` runs the central pipeline.
package main

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oeelab/sparkline/pkg/config"
	"github.com/oeelab/sparkline/pkg/edge"
	"github.com/oeelab/sparkline/pkg/processor"
	"github.com/oeelab/sparkline/pkg/telemetry"

	// Register the PLC drivers.
	_ "github.com/oeelab/sparkline/pkg/plc/cip"
	_ "github.com/oeelab/sparkline/pkg/plc/opcua"
	_ "github.com/oeelab/sparkline/pkg/plc/s7"
	_ "github.com/oeelab/sparkline/pkg/plc/sim"
)

// Process exit codes.
const (
	exitOK      = 0
	exitConfig  = 2
	exitRuntime = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var configPath string

	root := &cobra.Command{
		Use:           "sparkline",
		Short:         "Industrial edge-to-cloud OEE telemetry pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "sparkline.yaml",
		"path to the YAML configuration file")

	code := exitOK
	newRunCmd := func(use, short string, runFn func(context.Context, string, *config.Config, zerolog.Logger, <-chan os.Signal) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					code = exitConfig
					return err
				}
				log := newLogger(cfg.LogLevel)

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				hup := make(chan os.Signal, 1)
				signal.Notify(hup, syscall.SIGHUP)
				defer signal.Stop(hup)

				if err := runFn(ctx, configPath, cfg, log, hup); err != nil {
					code = exitRuntime
					return err
				}
				return nil
			},
		}
	}

	root.AddCommand(
		newRunCmd("edge", "Run the plant-floor edge node", runEdge),
		newRunCmd("processor", "Run the central pipeline", runProcessor),
	)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sparkline:", err)
		if code == exitOK {
			code = exitConfig
		}
	}
	return code
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func runEdge(ctx context.Context, _ string, cfg *config.Config, log zerolog.Logger, hup <-chan os.Signal) error {
	o, err := edge.New(cfg, clock.New(), log)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.Run(gctx) })
	g.Go(func() error { return serveDebug(gctx, cfg.DebugAddr, log) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				// The binding table lives in the central normalizer; the edge
				// has nothing to reload without a restart.
				log.Info().Msg("SIGHUP ignored, edge config requires restart")
			}
		}
	})
	return g.Wait()
}

func runProcessor(ctx context.Context, path string, cfg *config.Config, log zerolog.Logger, hup <-chan os.Signal) error {
	p, err := processor.New(cfg, clock.New(), log, processor.Options{})
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return serveDebug(gctx, cfg.DebugAddr, log) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				fresh, err := config.Load(path)
				if err != nil {
					log.Error().Err(err).Msg("reload failed, keeping current bindings")
					continue
				}
				p.ReloadBindings(fresh.Bindings())
				log.Info().Int("mappings", len(fresh.Normalizer.Mappings)).
					Msg("binding table reloaded")
			}
		}
	})
	return g.Wait()
}

// serveDebug exposes expvar and Prometheus metrics when a debug address is
// configured.
func serveDebug(ctx context.Context, addr string, log zerolog.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("debug server listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return fmt.Errorf("debug server: %w", err)
	}
}
