package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hybridcast/internal/alc"
	"hybridcast/internal/origin"
	"hybridcast/internal/platform/config"
	"hybridcast/internal/platform/logger"
	"hybridcast/internal/platform/metrics"
	"hybridcast/internal/platform/netstat"
	"hybridcast/internal/repair"

	"github.com/urfave/cli/v2"
)

const (
	shutdownTimeout  = 10 * time.Second
	metricLogFile    = "server_http.metric.log"
	snapshotFile     = "server.metrics"
	snapshotInterval = time.Second
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "live-start",
		Aliases: []string{"m"},
		Usage:   "seconds until each video goes live (comma separated)",
		Value:   "22",
		EnvVars: []string{"LIVE_START"},
	},
	&cli.Float64Flag{
		Name:    "live-start-extra",
		Aliases: []string{"n"},
		Usage:   "extra seconds added to every live start",
		EnvVars: []string{"LIVE_START_EXTRA"},
	},
	&cli.StringFlag{
		Name:    "videos",
		Aliases: []string{"v"},
		Usage:   "videos to activate (comma separated, empty for all)",
		EnvVars: []string{"VIDEOS"},
	},
	&cli.StringFlag{
		Name:    "interface",
		Aliases: []string{"i"},
		Usage:   "interface carrying unicast client traffic",
		Value:   "server-eth1",
		EnvVars: []string{"INTERFACE"},
	},
	&cli.IntFlag{
		Name:    "fec",
		Aliases: []string{"f"},
		Usage:   "1 when the multicast stream carries FEC",
		EnvVars: []string{"FEC"},
	},
	&cli.StringFlag{
		Name:    "content-dir",
		Usage:   "content root",
		Value:   "content",
		EnvVars: []string{"CONTENT_DIR"},
	},
	&cli.StringFlag{
		Name:    "fdt-path",
		Usage:   "FDT instance published by the multicast sender",
		Value:   "last.fdt",
		EnvVars: []string{"FDT_PATH"},
	},
}

func main() {
	_ = config.Load()

	app := &cli.App{
		Name:   "origin",
		Usage:  "origin server for live content, FDT and partial repair",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	port := config.GetEnvInt("PORT", 8000)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	log := logger.New("origin", logLevel, logFormat)

	contentDir := c.String("content-dir")
	activated, err := origin.ActivateLiveManifests(contentDir, origin.LiveOptions{
		LiveStart: c.String("live-start"),
		Extra:     c.Float64("live-start-extra"),
		Videos:    c.String("videos"),
	}, time.Now(), log)
	if err != nil {
		return fmt.Errorf("activate live manifests: %w", err)
	}

	met, err := metrics.New(metricLogFile)
	if err != nil {
		return fmt.Errorf("open metric log: %w", err)
	}
	defer met.Close()

	iface := netstat.NewCounter(c.String("interface"))
	resolver := origin.NewResolver(contentDir)
	codec := repair.NewCodec(alc.DefaultMTU, resolver.RepairPath, log)
	h := origin.NewHandler(resolver, codec, c.String("fdt-path"), iface, met, log)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		if err := met.RunSnapshots(ctx, snapshotFile, snapshotInterval); err != nil {
			log.Error("metric snapshots stopped", "error", err)
		}
	}()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: origin.NewRouter(h, met, log)}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info("origin starting",
		"port", port,
		"content_dir", contentDir,
		"live_manifests", len(activated),
		"interface", c.String("interface"),
		"fec", c.Int("fec"),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-sigCh:
	}

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
