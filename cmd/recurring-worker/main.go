package main

import (
	"time"

	"bilancio/internal/backend"
	"bilancio/internal/cli"
	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/services"
)

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentScheduler)
	logger.Info("Starting recurring-worker")

	if cfg.DataBackend == string(backend.MemoryBackend) {
		logger.Warn("Memory backend is private to this process; executions will not be visible to the API")
	}

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	result := cli.MustOpenStore(ctx, logger, cfg)
	defer result.Cleanup()

	publisher, closePublisher := cli.NewPublisher(logger, cfg)
	defer closePublisher()

	executor := services.NewRecurringExecutor(result.Store, publisher, services.ExecutorConfig{
		Retry:       cli.RetryPolicy(cfg),
		Concurrency: cfg.RecurringConcurrency,
	})

	loc := cfg.Location()
	interval := cfg.RecurringInterval
	logger.Info("Recurring scheduler configured",
		"interval", interval,
		"concurrency", cfg.RecurringConcurrency,
		"timezone", loc.String(),
		"backend", cfg.DataBackend)

	run := func(now time.Time) {
		asOf := core.DateOf(now.In(loc))
		report, err := executor.ExecuteDue(ctx, asOf)
		if err != nil {
			logger.Error("Recurring execution run failed", log.FieldError, err, log.FieldAsOf, asOf.String())
			return
		}
		if len(report.Failures) > 0 {
			logger.Warn("Recurring execution run had failures",
				log.FieldAsOf, asOf.String(),
				"failed", len(report.Failures),
				"next_check", now.Add(interval).In(loc).Format("15:04:05"))
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		// catch up first: due dates may have passed while the worker was down
		run(time.Now())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				run(now)
			}
		}
	}()

	cli.WaitForShutdown(ctx, logger, done, 30*time.Second)
}
