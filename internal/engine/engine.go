package engine

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"strmforge/internal/config"
	"strmforge/internal/storage"
)

// Engine drives task execution: expansion, the worker-pool processor, and
// the retry and recovery services.
type Engine struct {
	logger     *slog.Logger
	storage    *storage.Storage
	cfg        config.Config
	httpClient *http.Client

	// One processor run per task at a time
	active sync.Map // map[uint]struct{}

	retry    *RetryService
	recovery *RecoveryService
}

// New creates the engine. Request timeouts follow the handler contract:
// 10s connect, 30s to first response byte, 60s total.
func New(logger *slog.Logger, store *storage.Storage, cfg config.Config) *Engine {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true, // byte-exact bodies
	}

	e := &Engine{
		logger:  logger,
		storage: store,
		cfg:     cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}
	e.retry = NewRetryService(e)
	e.recovery = NewRecoveryService(e)
	return e
}

// Start launches the background services and runs one recovery pass
func (e *Engine) Start() {
	e.recovery.RunOnce()
	e.retry.Start()
	e.recovery.Start()
}

// Shutdown stops the services and checkpoints the store
func (e *Engine) Shutdown() error {
	e.logger.Info("Engine shutting down...")
	e.retry.Stop()
	e.recovery.Stop()
	if err := e.storage.Checkpoint(); err != nil {
		e.logger.Error("Failed to checkpoint DB", "error", err)
		return err
	}
	e.logger.Info("Engine shutdown complete")
	return nil
}

// Storage returns the backing store
func (e *Engine) Storage() *storage.Storage {
	return e.storage
}

// Recovery returns the recovery service for manual triggering
func (e *Engine) Recovery() *RecoveryService {
	return e.recovery
}

// newLimiter builds the download throttle from a settings snapshot.
// A zero limit disables throttling.
func newLimiter(settings storage.Settings) *rate.Limiter {
	if settings.DownloadRateLimit <= 0 {
		return nil
	}
	n := settings.DownloadRateLimit
	return rate.NewLimiter(rate.Limit(n), int(n))
}

// runEnv is the per-run environment handlers receive. Settings are a
// snapshot taken at run start; live settings changes never reclassify an
// in-flight task.
type runEnv struct {
	task      *storage.Task
	settings  storage.Settings
	media     storage.MediaServer
	download  *storage.MediaServer
	outputDir string
	limiter   *rate.Limiter
	log       *logBuffer
}

// downloadServer resolves the endpoint resource downloads go through,
// falling back to the media server when none is set.
func (env *runEnv) downloadServer() (storage.MediaServer, error) {
	if env.download != nil {
		return *env.download, nil
	}
	if env.media.BaseURL == "" {
		return storage.MediaServer{}, fmt.Errorf("%w: no download server configured", ErrConfiguration)
	}
	return env.media, nil
}
