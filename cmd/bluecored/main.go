package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/user/bluecore/config"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/service"
	"github.com/user/bluecore/settings"
	"github.com/user/bluecore/sink"
)

func main() {
	driverName := flag.String("driver", "sim", "Radio backend: sim or bluez")
	adapterID := flag.String("adapter", "", "Controller id for bluez, e.g. hci0 (default adapter when empty)")
	configPath := flag.String("config", "", "Config JSON (default <data>/config.json)")
	dataDir := flag.String("data", config.DataDir(), "Directory for persisted settings")
	listen := flag.String("listen", "127.0.0.1:8765", "HTTP address for the API and /events websocket")
	peers := flag.String("peers", "", "Scenario file whose peers seed the sim driver")
	logLevel := flag.String("log", "INFO", "Log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	enable := flag.Bool("enable", false, "Turn the adapter on at startup")
	flag.Parse()

	logger.SetLevel(logger.ParseLevel(*logLevel))

	if err := run(*driverName, *adapterID, *configPath, *dataDir, *listen, *peers, *enable); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(driverName, adapterID, configPath, dataDir, listen, peers string, enable bool) error {
	if configPath == "" {
		configPath = filepath.Join(dataDir, "config.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.DebugJSON("main", "configuration", cfg)

	store := settings.NewFile(filepath.Join(dataDir, "settings.json"))
	if err := store.Load(); err != nil {
		return err
	}

	driver, err := newDriver(driverName, adapterID, peers)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := sink.NewHub()
	go hub.Run(ctx)

	svc := service.New(service.Options{
		Config:   cfg,
		Driver:   driver,
		Settings: store,
		Sink:     sink.Multi{sink.Log{}, hub},
	})
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}
	defer svc.Close()
	logger.Info("main", "control plane started (driver=%s, settings=%s)", driverName, store.Path())

	if enable && !svc.Enable() {
		logger.Warn("main", "enable refused in state %s", svc.AdapterState())
	}

	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	mux.Handle("/api/", newAPI(svc))
	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("main", "listening on %s", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("main", "received %s, shutting down", sig)
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("main", "http shutdown: %v", err)
	}
	return nil
}
