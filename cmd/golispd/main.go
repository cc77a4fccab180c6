// golispd daemon -- LISP control plane (RFC 6830/6833/8060).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/golispd/internal/config"
	"github.com/dantte-lp/golispd/internal/control"
	lispmetrics "github.com/dantte-lp/golispd/internal/metrics"
	"github.com/dantte-lp/golispd/internal/mgmt"
	appversion "github.com/dantte-lp/golispd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("golispd"))
		return 0
	}

	// 2. Load config. Fatal initialization failures exit nonzero.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("golispd starting",
		slog.String("version", appversion.Version),
		slog.String("role", cfg.Role),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("mgmt_socket", cfg.Mgmt.Socket),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := lispmetrics.NewCollector(reg)

	// 5. Build the runtime and the device role.
	rt, teardown, backend, err := buildRuntime(cfg, logger, collector)
	if err != nil {
		logger.Error("initialization failed", slog.String("error", err.Error()))
		return 1
	}
	defer teardown()

	// 6. Run.
	if err := runServers(cfg, rt, backend, reg, logger); err != nil {
		logger.Error("golispd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("golispd stopped")
	return 0
}

// loadConfig loads the configuration file; the path is mandatory.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, errors.New("missing -config flag")
	}
	return config.Load(path)
}

// newLoggerWithLevel builds the process logger per the log configuration.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// runServers drives the event loop, the management listener, and the
// metrics HTTP server under one signal-aware errgroup.
func runServers(
	cfg *config.Config,
	rt *control.Runtime,
	backend mgmt.Backend,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Core event loop.
	g.Go(func() error {
		return rt.Run(gCtx)
	})

	// Management API over the UNIX socket.
	mgmtLn, err := listenMgmt(cfg.Mgmt.Socket)
	if err != nil {
		return err
	}
	mgmtSrv := mgmt.NewServer(logger, rt.Exec, backend)
	g.Go(func() error {
		logger.Info("management API listening", slog.String("socket", cfg.Mgmt.Socket))
		return mgmtSrv.Serve(gCtx, mgmtLn)
	})

	// Prometheus metrics endpoint.
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		err := metricsSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shCtx)
		_ = os.Remove(cfg.Mgmt.Socket)
		return nil
	})

	notifyReady(logger)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// listenMgmt binds the management UNIX socket, clearing a stale path.
func listenMgmt(path string) (net.Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen management socket %s: %w", path, err)
	}
	return ln, nil
}

// newMetricsServer builds the Prometheus scrape endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// notifyReady sends READY=1 to systemd once initialization completes.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd at shutdown start.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// parseBind parses an optional bind address.
func parseBind(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(s)
}
