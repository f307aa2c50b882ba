package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Arfidz12/PCV/internal/config"
	"github.com/Arfidz12/PCV/internal/health"
	"github.com/Arfidz12/PCV/internal/logging"
	"github.com/Arfidz12/PCV/internal/pipeline"
	"github.com/Arfidz12/PCV/internal/shutdown"
	"github.com/Arfidz12/PCV/internal/transport"
)

const defaultEnvFile = ".env"

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	envFile := flag.String("env", defaultEnvFile, "Path to .env file with FACE_* overrides")
	debug := flag.Bool("debug", false, "Enable debug logging")
	stdin := flag.Bool("stdin", true, "Stop when Enter is pressed on stdin")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "faced: %v\n", err)
		return 2
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	// Setup structured logger
	_, logCloser, err := logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "faced: %v\n", err)
		return 2
	}
	defer logCloser.Close()

	slog.Info("starting faced",
		"instance_id", cfg.InstanceID,
		"config", *configPath,
		"capture", cfg.Capture.Backend,
		"model", cfg.Model.Backend,
		"preferred_transport", cfg.Transport.Preferred,
		"udp", fmt.Sprintf("%s:%d", cfg.Transport.UDP.Host, cfg.Transport.UDP.Port),
	)

	cal, err := cfg.Metrics.Calibration()
	if err != nil {
		slog.Error("invalid calibration", "error", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := transport.FromConfig(ctx, cfg.Transport, cfg.InstanceID)
	if err != nil {
		slog.Error("failed to create transport", "error", err)
		return 1
	}

	model := newModelOpener(cfg)
	coord := shutdown.New()

	loop, err := pipeline.New(pipeline.Config{
		Name:           cfg.InstanceID,
		OpenSource:     newSourceOpener(cfg.Capture, cfg.InstanceID),
		OpenModel:      model.open,
		Sender:         tr,
		OwnsSender:     true,
		Calibration:    cal,
		Shutdown:       coord,
		SendInterval:   time.Duration(cfg.Loop.SendIntervalMS) * time.Millisecond,
		ReadRetryDelay: time.Duration(cfg.Loop.ReadRetryDelayMS) * time.Millisecond,
	})
	if err != nil {
		tr.Close()
		slog.Error("failed to create pipeline", "error", err)
		return 1
	}

	// Start health check HTTP server (non-blocking)
	var hs *health.Server
	if cfg.Health.Enabled {
		hs = health.New(cfg.Health.Addr, loop,
			health.WithTransport(tr),
			health.WithShutdown(coord),
			health.WithInstanceID(cfg.InstanceID),
			health.WithProbe("model", model.metrics),
		)
		if err := hs.Start(); err != nil {
			tr.Close()
			slog.Error("failed to start health server", "error", err)
			return 1
		}
	}

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if *stdin {
		go watchStdin(coord)
	}

	done := loop.Start(ctx)

	var report pipeline.Report
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		coord.Request("signal " + sig.String())
		report = awaitReport(done, cfg.ShutdownTimeout())
	case <-coord.Done():
		report = awaitReport(done, cfg.ShutdownTimeout())
	case report = <-done:
	}

	if hs != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := hs.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown failed", "error", err)
		}
		shutdownCancel()
	}

	if report.State != pipeline.StateClosed {
		slog.Error("pipeline did not drain in time",
			"timeout", cfg.ShutdownTimeout(),
			"state", loop.State(),
		)
		return 1
	}
	if report.Err != nil {
		slog.Error("pipeline stopped", "error", report.Err)
		return 1
	}

	slog.Info("faced stopped successfully",
		"frames", report.Stats.FramesRead,
		"sent", report.Stats.Sent,
		"transport", tr.Stats(),
	)
	return 0
}

// awaitReport waits for the loop to drain, up to timeout
func awaitReport(done <-chan pipeline.Report, timeout time.Duration) pipeline.Report {
	select {
	case r := <-done:
		return r
	case <-time.After(timeout):
		return pipeline.Report{State: pipeline.StateDraining}
	}
}

// watchStdin raises the flag on the first line read. EOF (no terminal) is ignored.
func watchStdin(coord *shutdown.Coordinator) {
	r := bufio.NewReader(os.Stdin)
	if _, err := r.ReadString('\n'); err != nil {
		return
	}
	coord.Request("stdin")
}
