package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/ehrlich-b/go-xdna"
	"github.com/ehrlich-b/go-xdna/internal/logging"
)

// probe carries what every subcommand needs after Before has run
type probe struct {
	cfg      *xdna.Config
	platform *xdna.Platform
	logger   *logging.Logger
	metrics  *xdna.Metrics
}

func main() {
	if err := newApp(&probe{}).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(p *probe) *cli.App {
	return &cli.App{
		Name:  "xdna-probe",
		Usage: "Exercise an amdxdna accelerator from user space",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"XDNA_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "simulate",
				Usage: "Run against the in-process driver model instead of hardware",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address and wait for a signal before exiting",
			},
			&cli.UintFlag{
				Name:  "device",
				Usage: "Device id to open",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Debug logging",
			},
		},
		Before: p.setup,
		After:  p.finish,
		Commands: []*cli.Command{
			infoCommand(p),
			boCommand(p),
			fenceCommand(p),
			runCommand(p),
		},
	}
}

func (p *probe) setup(c *cli.Context) error {
	cfg := xdna.DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = xdna.LoadConfig(path); err != nil {
			return err
		}
	}
	if c.Bool("verbose") {
		cfg.Log.Level = "debug"
	}
	p.cfg = cfg
	p.logger = cfg.Logger()
	logging.SetDefault(p.logger)

	p.metrics = xdna.NewMetrics()
	obs := xdna.Observer(xdna.NewMetricsObserver(p.metrics))
	if c.String("metrics-addr") != "" {
		obs = xdna.MultiObserver(obs, xdna.NewPrometheusObserver(prometheus.DefaultRegisterer))
	}
	opts := []xdna.PlatformOption{xdna.WithLogger(p.logger), xdna.WithObserver(obs)}

	var err error
	if c.Bool("simulate") {
		gen := xdna.GenerationKMQ
		if cfg.Generation != xdna.GenerationNameAuto {
			if gen, err = xdna.ParseGeneration(cfg.Generation); err != nil {
				return err
			}
		}
		p.logger.Info("using simulated device", "generation", gen)
		p.platform, err = xdna.NewSimulatedPlatform(gen, opts...)
	} else {
		p.platform, err = xdna.NewPlatform(cfg, opts...)
	}
	return err
}

// open returns a session on the selected device
func (p *probe) open(c *cli.Context) (*xdna.Session, error) {
	return p.platform.Open(xdna.DeviceID(c.Uint("device")))
}

func (p *probe) finish(c *cli.Context) error {
	if p.logger != nil {
		defer p.logger.Close()
	}
	// Before failed
	if p.platform == nil {
		return nil
	}
	return p.serveMetrics(c)
}

func (p *probe) serveMetrics(c *cli.Context) error {
	printSnapshot(c.App.Writer, p.metrics.Snapshot())
	addr := c.String("metrics-addr")
	if addr == "" {
		return nil
	}

	srv := &http.Server{Addr: addr, Handler: promhttp.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	p.logger.Info("serving metrics", "addr", addr)
	fmt.Fprintf(c.App.Writer, "\nMetrics on http://%s/metrics, press Ctrl+C to exit\n", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		p.logger.Info("received shutdown signal")
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

func printSnapshot(w io.Writer, s xdna.MetricsSnapshot) {
	fmt.Fprintf(w, "\nbuffers: %d allocated, %d freed, %d bytes live\n",
		s.BufferAllocs, s.BufferFrees, s.BytesLive)
	fmt.Fprintf(w, "contexts: %d created, %d destroyed\n", s.ContextsCreated, s.ContextsDestroyed)
	fmt.Fprintf(w, "commands: %d submitted, %d errors, %d timeouts\n",
		s.CommandsSubmitted, s.CommandErrors, s.CommandTimeouts)
	fmt.Fprintf(w, "fences: %d signals, %d waits\n", s.FenceSignals, s.FenceWaits)
	if s.AvgWaitNs > 0 {
		fmt.Fprintf(w, "wait latency: avg %s, p50 %s, p99 %s\n",
			time.Duration(s.AvgWaitNs), time.Duration(s.WaitP50Ns), time.Duration(s.WaitP99Ns))
	}
}
