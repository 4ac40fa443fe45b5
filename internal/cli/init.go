// Package cli provides common initialization shared by the binaries under cmd/.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bilancio/internal/amqp"
	"bilancio/internal/backend"
	"bilancio/internal/config"
	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/services"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// Bootstrap loads .env and the configuration, installs the process logger
// for component and validates the configuration, exiting on failure.
func Bootstrap(component string) (*config.Config, *log.Logger) {
	LoadEnvFile()
	cfg := config.Load()
	// an invalid level is reported by Validate below
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := log.Setup(level, log.Format(cfg.LogFormat), component)

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg, logger
}

// OpenStore opens the configured storage backend.
func OpenStore(ctx context.Context, logger *log.Logger, cfg *config.Config) (*backend.BackendResult, error) {
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	return backend.NewFactory(logger.WithComponent(log.ComponentBackend).Logger).Create(ctx, backendCfg)
}

// MustOpenStore is OpenStore that exits the process on failure.
func MustOpenStore(ctx context.Context, logger *log.Logger, cfg *config.Config) *backend.BackendResult {
	result, err := OpenStore(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to initialize storage backend", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	return result
}

// NewPublisher connects the event publisher when AMQP is configured. The
// returned publisher is a nil interface when events are disabled or the
// broker cannot be reached, so services fall back to not publishing.
func NewPublisher(logger *log.Logger, cfg *config.Config) (services.EventPublisher, func()) {
	if cfg.AMQPURL == "" {
		logger.Info("AMQP disabled - domain events will not be published")
		return nil, func() {}
	}
	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Warn("Failed to initialize AMQP client, events will not be published", log.FieldError, err)
		return nil, func() {}
	}
	logger.Info("AMQP client initialized", "exchange", cfg.AMQPExchange)
	return client, func() { client.Close() }
}

// RetryPolicy returns the optimistic retry policy for cfg.
func RetryPolicy(cfg *config.Config) services.RetryPolicy {
	p := services.DefaultRetryPolicy()
	if cfg.ExecuteMaxAttempts > 0 {
		p.MaxAttempts = cfg.ExecuteMaxAttempts
	}
	return p
}

// Today returns a clock reporting the current calendar day in the configured zone.
func Today(cfg *config.Config) func() core.Date {
	loc := cfg.Location()
	return func() core.Date { return core.DateOf(time.Now().In(loc)) }
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// WaitForShutdown blocks until done closes or timeout elapses after ctx is cancelled.
func WaitForShutdown(ctx context.Context, logger *log.Logger, done <-chan struct{}, timeout time.Duration) {
	<-ctx.Done()
	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-time.After(timeout):
		logger.Warn("Shutdown timeout reached")
	}
}
