package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hybridcast/internal/alc"
	"hybridcast/internal/multicast"
	"hybridcast/internal/platform/config"
	"hybridcast/internal/platform/logger"
	"hybridcast/internal/platform/metrics"

	"github.com/urfave/cli/v2"
)

const (
	metricLogFile  = "server_multicast.metric.log"
	defaultMaxRate = 100 // Mb/s
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "interface",
		Aliases: []string{"i"},
		Usage:   "interface carrying multicast traffic",
		Value:   "server-eth0",
		EnvVars: []string{"MC_INTERFACE"},
	},
	&cli.StringFlag{
		Name:    "base-dir",
		Aliases: []string{"b"},
		Usage:   "content root",
		Value:   "content",
		EnvVars: []string{"BASE_DIR"},
	},
	&cli.StringFlag{
		Name:    "rep-ids",
		Aliases: []string{"q"},
		Usage:   "representation ids (comma separated)",
		Value:   "5",
		EnvVars: []string{"REP_IDS"},
	},
	&cli.StringFlag{
		Name:    "rep-extensions",
		Aliases: []string{"e"},
		Usage:   "file extensions (comma separated)",
		Value:   ".mp4",
		EnvVars: []string{"REP_EXTENSIONS"},
	},
	&cli.IntFlag{
		Name:    "seg-dur",
		Aliases: []string{"s"},
		Usage:   "segment duration in seconds",
		Value:   4,
		EnvVars: []string{"SEG_DUR"},
	},
	&cli.StringFlag{
		Name:    "sleep-time",
		Aliases: []string{"t"},
		Usage:   "seconds to wait before each video starts (comma separated)",
		Value:   "18",
		EnvVars: []string{"SLEEP_TIME"},
	},
	&cli.StringFlag{
		Name:    "videos",
		Aliases: []string{"v"},
		Usage:   "videos (comma separated)",
		Value:   "alpha",
		EnvVars: []string{"VIDEOS"},
	},
	&cli.StringFlag{
		Name:    "config",
		Usage:   "YAML file listing videos; overrides the comma separated lists",
		EnvVars: []string{"MC_CONFIG"},
	},
	&cli.IntFlag{
		Name:    "fec",
		Aliases: []string{"f"},
		Usage:   "1 to add Reed-Solomon repair symbols",
		EnvVars: []string{"FEC"},
	},
	&cli.IntFlag{
		Name:    "low-latency-chunks",
		Aliases: []string{"l"},
		Usage:   "number of low-latency chunks per segment",
		EnvVars: []string{"LOW_LATENCY_CHUNKS"},
	},
	&cli.IntFlag{
		Name:    "disabled",
		Aliases: []string{"d"},
		Usage:   "1 to run the schedule without multicasting",
		EnvVars: []string{"MC_DISABLED"},
	},
	&cli.IntFlag{
		Name:    "max-rate",
		Aliases: []string{"r"},
		Usage:   "maximum send rate in Mb/s",
		Value:   defaultMaxRate,
		EnvVars: []string{"MAX_RATE"},
	},
	&cli.StringFlag{
		Name:    "group",
		Usage:   "multicast group and port",
		Value:   multicast.DefaultGroup,
		EnvVars: []string{"MC_GROUP"},
	},
	&cli.BoolFlag{
		Name:    "low-loss",
		Usage:   "use the low-loss deadline margins",
		EnvVars: []string{"LOW_LOSS"},
	},
	&cli.StringFlag{
		Name:    "fdt-path",
		Usage:   "where the latest FDT instance is published for the origin",
		Value:   "last.fdt",
		EnvVars: []string{"FDT_PATH"},
	},
}

func main() {
	_ = config.Load()

	app := &cli.App{
		Name:   "mcsender",
		Usage:  "multicast every video's segments on a real-time schedule",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	log := logger.New("mcsender", logLevel, logFormat)

	videos, err := loadVideos(c)
	if err != nil {
		return err
	}

	maxRate := c.Int("max-rate")
	if maxRate <= 0 {
		maxRate = defaultMaxRate
	}
	maxRateKbps := maxRate * 1000
	disabled := c.Int("disabled") != 0

	met, err := metrics.New(metricLogFile)
	if err != nil {
		return fmt.Errorf("open metric log: %w", err)
	}
	defer met.Close()

	var transport multicast.Transport = multicast.NopTransport{}
	if !disabled {
		transport = multicast.NewUDPTransport(multicast.UDPConfig{
			Group:    c.String("group"),
			MTU:      alc.DefaultMTU,
			TSI:      alc.DefaultTSI,
			FEC:      c.Int("fec"),
			FDTPath:  c.String("fdt-path"),
			RateKbps: maxRateKbps,
		}, log)
	}

	sched := multicast.NewScheduler(multicast.Config{
		BaseDir:          c.String("base-dir"),
		SegmentDuration:  c.Int("seg-dur"),
		Videos:           videos,
		FEC:              c.Int("fec") > 0,
		LowLatencyChunks: c.Int("low-latency-chunks"),
		Disabled:         disabled,
		MaxRateKbps:      maxRateKbps,
		HighLoss:         !c.Bool("low-loss"),
		Interface:        c.String("interface"),
	}, transport, met, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("multicast: %w", err)
	}
	log.Info("all videos sent over multicast, terminating")
	return nil
}

func loadVideos(c *cli.Context) ([]multicast.Video, error) {
	if p := c.String("config"); p != "" {
		return multicast.LoadVideos(p)
	}
	names := config.SplitList(c.String("videos"), 0)
	if len(names) == 0 {
		return nil, errors.New("no videos given")
	}
	n := len(names)
	sleeps, err := config.ParseFloats(c.String("sleep-time"), n)
	if err != nil {
		return nil, fmt.Errorf("sleep-time: %w", err)
	}
	return multicast.BuildVideos(
		names,
		config.SplitList(c.String("rep-ids"), n),
		config.SplitList(c.String("rep-extensions"), n),
		sleeps,
	), nil
}
