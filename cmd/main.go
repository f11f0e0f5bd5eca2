package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kisy/relaystats/internal/log"
	"github.com/kisy/relaystats/pkg/metrics"
	"github.com/kisy/relaystats/pkg/monitor"
	"github.com/kisy/relaystats/pkg/stats"
	"github.com/kisy/relaystats/web"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	config, err := loadConfig(args, os.Stderr)
	if err != nil {
		return err
	}

	logger, err := log.New(config.LogLevel, config.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Infow("starting relaystats", "listen", config.Listen, "ports", config.RelayPorts, "interval", config.Interval())

	// 1. Local addresses the relay accepts clients on
	local := monitor.NewLocalAddrs(config.Interface)
	if err := local.Refresh(); err != nil {
		logger.Warnw("failed to read local addresses, matching all", "interface", config.Interface, "error", err)
	}

	// 2. Conntrack tick source
	mon := monitor.NewConntrackMonitor(logger.Named("monitor"), local, config.RelayPorts)
	if err := mon.Start(config.Interval()); err != nil {
		return fmt.Errorf("failed to start conntrack monitor: %w", err)
	}
	defer mon.Stop()

	// 3. Session aggregator
	agg := stats.NewAggregator(logger.Named("stats"), config.Params)
	agg.Start(mon)
	defer agg.Close()
	if config.Autostart {
		if err := agg.StartSession(config.Params); err != nil {
			return err
		}
	}

	// 4. Prometheus exporter
	prometheus.MustRegister(metrics.NewExporter(agg))

	// 5. Web server
	mux := http.NewServeMux()
	web.NewServer(agg, logger.Named("web"), prometheus.DefaultGatherer).RegisterHandlers(mux)
	server := &http.Server{Addr: config.Listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("web server listening", "addr", config.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 6. Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
