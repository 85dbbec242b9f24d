package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"resultd/internal/api"
	"resultd/internal/logging"
	"resultd/internal/metrics"
	"resultd/internal/readiness"
	"resultd/internal/results"
	"resultd/internal/simulation"
	"resultd/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := loadConfig(args, os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printHelp(os.Stdout, defaultConfigValues())
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Fprintln(os.Stdout, version.Get().String())
		return 0
	}

	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	logger := logging.NewLogger(logBuffer, cfg.LogLevel)
	logger.Info("resultd starting", map[string]string{"version": version.Get().String()})
	logger.Info("configuration loaded", sourceFields(cfg))

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	tracker := simulation.NewTracker(rootCtx, logger)
	service := results.NewService(results.Config{
		WorkingDir:       cfg.WorkingDir,
		Extensions:       cfg.Extensions,
		PollInterval:     cfg.PollInterval,
		QuietPeriod:      cfg.QuietPeriod,
		ReadyTimeout:     cfg.ReadyTimeout,
		WatchSlice:       cfg.WatchSlice,
		JoinTimeout:      cfg.JoinTimeout,
		MaxSubscriptions: cfg.MaxSubscriptions,
		DedupUnchanged:   cfg.DedupUnchanged,
		Prober:           readiness.DefaultProber(),
	}, tracker, logger, metrics.Default)

	if cfg.ManifestPath != "" {
		if err := seedFromManifest(tracker, service, cfg.ManifestPath, logger); err != nil {
			logger.Error("manifest load failed", map[string]string{
				"path":  cfg.ManifestPath,
				"error": err.Error(),
			})
			return 1
		}
	}

	events, unsubscribe := tracker.Events().Subscribe()
	defer unsubscribe()
	go service.FollowSimulations(rootCtx, events)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Config{
		Service:        service,
		Tracker:        tracker,
		Logger:         logger,
		Metrics:        metrics.Default,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
		SubscribeRate:  cfg.SubscribeRate,
		StartedAt:      time.Now().UTC(),
	})

	listener, port, err := listen(cfg.Host, cfg.Port)
	if err != nil {
		logger.Error("listen failed", map[string]string{"error": err.Error()})
		return 1
	}
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Streams are long-lived requests, so they must end before Shutdown can
	// finish waiting for idle connections.
	server.RegisterOnShutdown(service.Close)

	logger.Info("resultd listening", map[string]string{
		"addr":        listener.Addr().String(),
		"port":        strconv.Itoa(port),
		"working_dir": service.WorkingDirectory(),
		"extensions":  strings.Join(cfg.Extensions, ","),
	})

	stopCtx, stopCancel := context.WithCancel(rootCtx)
	defer stopCancel()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	stopWatching := watchShutdownSignals(logger, stopCancel, signalCh)
	defer stopWatching()

	runner := &ServerRunner{
		Logger:          logger,
		ShutdownTimeout: httpServerShutdownTimeout,
	}
	serverErr := runner.Run(stopCtx, ManagedServer{
		Name: "http",
		Serve: func() error {
			return server.Serve(listener)
		},
		Shutdown: server.Shutdown,
	})

	coordinator := newShutdownCoordinator(logger)
	coordinator.Add("results", func(context.Context) error {
		service.Close()
		return nil
	})
	coordinator.Add("simulations", func(context.Context) error {
		tracker.Close()
		return nil
	})
	coordinator.Add("context", func(context.Context) error {
		rootCancel()
		return nil
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpServerShutdownTimeout)
	defer shutdownCancel()
	if err := coordinator.Run(shutdownCtx); err != nil {
		return 1
	}
	if serverErr != nil && serverErr.err != nil && !errors.Is(serverErr.err, http.ErrServerClosed) {
		return 1
	}
	logger.Info("resultd stopped", nil)
	return 0
}

// seedFromManifest registers finished runs so their results stay reachable
// after a restart.
func seedFromManifest(tracker *simulation.Tracker, service *results.Service, path string, logger *logging.Logger) error {
	runs, err := simulation.LoadManifest(service.Resolve(path), service.WorkingDirectory())
	if err != nil {
		return err
	}
	seeded := tracker.Seed(runs)
	logger.Info("manifest loaded", map[string]string{
		"path": path,
		"runs": strconv.Itoa(seeded),
	})
	return nil
}
