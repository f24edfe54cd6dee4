package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"hybridcast/internal/cache"
	"hybridcast/internal/platform/config"
	"hybridcast/internal/platform/logger"
	"hybridcast/internal/platform/metrics"
	"hybridcast/internal/proxy"

	"github.com/urfave/cli/v2"
)

const shutdownTimeout = 10 * time.Second

var flags = []cli.Flag{
	&cli.IntFlag{
		Name:    "proxy-id",
		Aliases: []string{"i"},
		Usage:   "integer identifying this proxy; proxy 1 requests interleaved manifests when --tli is set",
		EnvVars: []string{"PROXY_ID"},
	},
	&cli.StringFlag{
		Name:    "server-url",
		Aliases: []string{"s"},
		Usage:   "base URL of the origin server",
		Value:   "http://12.0.0.0:8000",
		EnvVars: []string{"SERVER_URL"},
	},
	&cli.IntFlag{
		Name:    "fec",
		Aliases: []string{"f"},
		Usage:   "1 when the multicast stream carries FEC",
		EnvVars: []string{"FEC"},
	},
	&cli.IntFlag{
		Name:    "tli",
		Aliases: []string{"t"},
		Usage:   "1 to enable temporal layer interleaving",
		EnvVars: []string{"TLI"},
	},
	&cli.IntFlag{
		Name:    "seg-dur",
		Aliases: []string{"d"},
		Usage:   "segment duration in seconds",
		Value:   4,
		EnvVars: []string{"SEG_DUR"},
	},
	&cli.IntFlag{
		Name:    "low-latency-chunks",
		Aliases: []string{"l"},
		Usage:   "number of low-latency chunks per segment",
		EnvVars: []string{"LOW_LATENCY_CHUNKS"},
	},
	&cli.StringFlag{
		Name:    "cache-dir",
		Usage:   "cache directory shared with the multicast receiver (default cache_<proxy-id>)",
		EnvVars: []string{"CACHE_DIR"},
	},
}

func main() {
	_ = config.Load()

	app := &cli.App{
		Name:   "proxy",
		Usage:  "cache proxy in front of the origin, fed by the multicast receiver",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	port := config.GetEnvInt("PORT", 33333)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	log := logger.New("proxy", logLevel, logFormat)

	proxyID := c.Int("proxy-id")
	cacheDir := c.String("cache-dir")
	if cacheDir == "" {
		cacheDir = "cache_" + strconv.Itoa(proxyID)
	}

	met, err := metrics.New(fmt.Sprintf("proxy_http_%d.metric.log", proxyID))
	if err != nil {
		return fmt.Errorf("open metric log: %w", err)
	}
	defer met.Close()

	store := cache.NewDiskStore(cacheDir)
	origin := cache.NewHTTPOrigin(c.String("server-url"), nil, met)
	fetcher := cache.NewFetcher(store, origin, cache.NewRegistry(), met, log)

	cfg := proxy.Config{
		ProxyID:          proxyID,
		FEC:              c.Int("fec") > 0,
		TLI:              c.Int("tli") == 1,
		SegmentDuration:  time.Duration(c.Int("seg-dur")) * time.Second,
		LowLatencyChunks: c.Int("low-latency-chunks"),
	}
	h := proxy.NewHandler(cfg, fetcher, store, origin, met, log)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: proxy.NewRouter(h, met, log)}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info("cache proxy starting",
		"port", port,
		"proxy_id", proxyID,
		"server_url", c.String("server-url"),
		"cache_dir", cacheDir,
		"fec", cfg.FEC,
		"tli", cfg.TLI,
		"low_latency_chunks", cfg.LowLatencyChunks,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-sigCh:
	}

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
