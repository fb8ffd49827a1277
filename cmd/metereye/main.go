// Command metereye runs the meter monitoring service.
//
//	metereye run [--config PATH]   start the service (default subcommand)
//	metereye migrate [--json PATH] convert a legacy JSON config to YAML
//
// Exit codes: 0 success, 1 configuration error, 2 I/O error, 130 interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"metereye/internal/config"
	"metereye/internal/export"
	"metereye/internal/logger"
	"metereye/internal/metrics"
	"metereye/internal/model"
	"metereye/internal/registry"
	"metereye/internal/server"
	"metereye/internal/supervisor"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitIO          = 2
	exitInterrupted = 130
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "run":
		return runService(args)
	case "migrate":
		return runMigrate(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want run or migrate)\n", cmd)
		return exitConfig
	}
}

// resolveConfigPath returns the explicit path if given, otherwise the first
// existing candidate: $XDG_CONFIG_HOME/ctme/config.yaml, ./config.yaml,
// ./config.example.yaml.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	var candidates []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "ctme", "config.yaml"))
	}
	candidates = append(candidates, "./config.yaml", "./config.example.yaml")
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config file found (tried %v)", candidates)
}

func runService(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	slogger := logger.Init("metereye", logger.ParseLevel(*logLevel))

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		slogger.Error("config resolution failed", slog.String("error", err.Error()))
		return exitConfig
	}

	cfg, err := config.Load(path)
	if err != nil {
		slogger.Error("config load failed", slog.String("path", path), slog.String("error", err.Error()))
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			return exitConfig
		}
		return exitIO
	}
	slogger.Info("config loaded",
		slog.String("path", path),
		slog.Int("cameras", len(cfg.Cameras)))

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetEnabledSinks(cfg.Export.Database.Enabled, cfg.Export.MQTT.Enabled)

	reg := registry.New(cfg)

	// ---- Sinks ----
	var sinks []model.Sink
	var dbSink *export.DatabaseSink
	if cfg.Export.Database.Enabled {
		dbSink, err = export.NewDatabaseSink(cfg.Export.Database, prom)
		if err != nil {
			slogger.Error("database sink init failed", slog.String("error", err.Error()))
			return exitIO
		}
		health.SetDBOK(true)
		sinks = append(sinks, dbSink)
	}
	if cfg.Export.HTTP.Enabled {
		sinks = append(sinks, export.NewHTTPSink(cfg.Export.HTTP, prom))
	}
	if cfg.Export.MQTT.Enabled {
		mqttSink := export.NewMQTTSink(cfg.Export.MQTT, prom)
		mqttSink.OnConnectionChange = health.SetMQTTConnected
		sinks = append(sinks, mqttSink)
	}

	dispatcher := export.NewDispatcher(sinks, prom)

	// ---- Contexts: pipeCtx outlives workers so the dispatcher and sinks
	// can drain what the workers emitted before shutdown.
	pipeCtx, stopPipe := context.WithCancel(context.Background())
	defer stopPipe()
	workerCtx, stopWorkers := context.WithCancel(pipeCtx)
	defer stopWorkers()

	var pipeWG sync.WaitGroup
	pipeWG.Add(1)
	go func() {
		defer pipeWG.Done()
		dispatcher.Run(pipeCtx)
	}()
	for _, s := range sinks {
		s := s
		pipeWG.Add(1)
		go func() {
			defer pipeWG.Done()
			s.Start(pipeCtx)
		}()
	}

	if dbSink != nil {
		health.StartLivenessChecker(pipeCtx, dbSink.DB(), 10*time.Second)
	}

	// ---- Supervisor & camera workers ----
	sup := supervisor.New(reg, dispatcher, prom, health, path)
	sup.Start(workerCtx)

	// ---- Hot reload on file change ----
	go func() {
		if err := config.Watch(workerCtx, path, func() {
			if err := sup.Reload(); err != nil {
				slogger.Warn("hot reload rejected", slog.String("error", err.Error()))
			} else {
				slogger.Info("hot reload applied")
			}
		}); err != nil {
			slogger.Warn("config watcher stopped", slog.String("error", err.Error()))
		}
	}()

	// ---- REST / streaming surface ----
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv := server.New(cfg.Server, reg, sup, dbSink, dispatcher, health, path)
		go func() {
			if err := srv.Run(pipeCtx); err != nil {
				serverErr <- err
			}
		}()
	}

	slogger.Info("service started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigCh:
		slogger.Info("signal received, shutting down", slog.String("signal", sig.String()))
		if sig == syscall.SIGINT {
			code = exitInterrupted
		}
	case err := <-serverErr:
		slogger.Error("server failed", slog.String("error", err.Error()))
		code = exitIO
	}

	// Ordered shutdown: stop workers first so no new readings enter the
	// pipeline, then let dispatcher and sinks drain, then final flush.
	sup.Shutdown()
	stopPipe()

	drained := make(chan struct{})
	go func() {
		pipeWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		slogger.Warn("export drain exceeded grace period")
	}
	for _, s := range sinks {
		s.Stop()
	}

	slogger.Info("shutdown complete")
	return code
}

func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	jsonPath := fs.String("json", "./config.json", "path to the legacy JSON config")
	outPath := fs.String("out", "./config.yaml", "where to write the YAML config")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.MigrateJSON(*jsonPath, *outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			return exitConfig
		}
		return exitIO
	}

	total := 0
	for _, cam := range cfg.Cameras {
		total += len(cam.Meters)
	}
	fmt.Printf("migrated %d meters to %s (original backed up as %s.bak)\n", total, *outPath, *jsonPath)
	return exitOK
}
