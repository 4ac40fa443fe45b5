package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"bilancio/internal/cache"
	"bilancio/internal/cli"
	apphttp "bilancio/internal/http"
	"bilancio/internal/log"
	"bilancio/internal/services"
)

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentApp)

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	result := cli.MustOpenStore(ctx, logger, cfg)
	defer result.Cleanup()
	store := result.Store

	publisher, closePublisher := cli.NewPublisher(logger, cfg)
	defer closePublisher()

	today := cli.Today(cfg)
	retry := cli.RetryPolicy(cfg)

	calendarCache := cache.NewLRU[services.CalendarKey, *services.CalendarResult](cfg.CalendarCacheSize, cfg.CalendarCacheTTL)
	cacheManager := cache.NewManager()
	cacheManager.Register(calendarCache)
	cacheManager.StartCleanup(cfg.CalendarCacheTTL)
	defer cacheManager.Stop()

	calendar := services.NewCalendarAggregator(store, today, calendarCache)
	svc := apphttp.Services{
		Transactions: services.NewTransactionService(store, publisher, retry),
		Recurring: services.NewRecurringExecutor(store, publisher, services.ExecutorConfig{
			Retry:       retry,
			Concurrency: cfg.RecurringConcurrency,
		}),
		Installments: services.NewInstallmentTracker(store, publisher, retry),
		Calendar:     calendar,
		Dashboard:    services.NewDashboardEngine(calendar, store, today),
		Categories:   store,
	}

	srv := apphttp.NewServer(":"+cfg.Port, svc, store, apphttp.Options{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Today:              today,
		Logger:             logger.WithComponent(log.ComponentHTTP),
	})
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	}()

	logger.Info("Starting bilancio server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"timezone", cfg.Timezone)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, logger, done, 35*time.Second)
}
