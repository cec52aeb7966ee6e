package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"strmforge/internal/api"
	"strmforge/internal/config"
	"strmforge/internal/engine"
	"strmforge/internal/logger"
	"strmforge/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	log, logMgr, err := logger.New(os.Stdout, cfg.LogsDir)
	if err != nil {
		return err
	}
	defer logMgr.Close()

	store, err := storage.NewStorage(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	// Stored settings take over logging once the store is open
	settings, err := store.GetSettings()
	if err != nil {
		return err
	}
	logDir := settings.LogDir
	if logDir == "" {
		logDir = cfg.LogsDir
	}
	if err := logMgr.Reconfigure(settings.LogLevel, logDir); err != nil {
		log.Warn("Failed to apply stored log settings", "error", err)
	}
	store.SetVerboseSQL(settings.VerboseSQL)

	eng := engine.New(log, store, cfg)
	eng.Start()
	defer eng.Shutdown()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(eng, logMgr, log, cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
