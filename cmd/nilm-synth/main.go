package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/builder"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/config"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/metrics"
)

func main() {
	var (
		configPath  string
		force       bool
		seed        string
		metricsPort int
		metricsFile string
	)

	flag.StringVar(&configPath, "c", "", "Dataset configuration file (required)")
	flag.BoolVar(&force, "y", false, "Overwrite outputs of an earlier build")
	flag.StringVar(&seed, "seed", "", "Random seed, overrides build.seed in the configuration")
	flag.IntVar(&metricsPort, "metrics-port", 0, "Serve metrics on this port while building (0 disables)")
	flag.StringVar(&metricsFile, "metrics-file", "", "Write metrics in text format to this file after the build")

	klog.InitFlags(nil)
	flag.Parse()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: nilm-synth -c dataset.yaml [-y] [-seed N]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		klog.ErrorS(err, "Failed to load configuration", "path", configPath)
		os.Exit(1)
	}
	if seed != "" {
		value, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			klog.ErrorS(err, "Invalid seed", "seed", seed)
			os.Exit(1)
		}
		cfg.Build.Seed = &value
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, stopping build", "signal", sig)
		cancel()
	}()

	var metricsServer *http.Server
	if metricsPort > 0 {
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", metricsPort),
			Handler: metrics.Handler(),
		}
		go func() {
			klog.InfoS("Starting metrics server", "port", metricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				klog.ErrorS(err, "Metrics server error")
			}
		}()
	}

	code := run(ctx, cfg, force)

	if metricsFile != "" {
		if err := metrics.WriteTextfile(metricsFile); err != nil {
			klog.ErrorS(err, "Failed to write metrics file", "path", metricsFile)
		}
	}
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			klog.ErrorS(err, "Error shutting down metrics server")
		}
	}

	klog.Flush()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, force bool) int {
	b, err := builder.Open(cfg)
	if err != nil {
		klog.ErrorS(err, "Failed to open resources")
		return 1
	}
	defer b.Close()
	b.Force = force

	result, err := b.Build(ctx)
	if err != nil {
		return 1
	}

	fmt.Printf("Built dataset %q (build %s, seed %d)\n", cfg.Metadata.Name, result.BuildID, result.Seed)
	fmt.Printf("  %d samples, %d runs in %v\n", result.Samples, len(result.Runs), result.Duration.Round(time.Millisecond))
	loads, _ := cfg.Submeters()
	for _, l := range loads {
		fmt.Printf("  meter%-3d %-20s %d runs\n", l.MeterID, l.Name, len(result.Events[l.Name]))
	}
	fmt.Printf("  output written to %s\n", cfg.Resources.OutputDir)
	return 0
}
