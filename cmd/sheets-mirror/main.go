package main

import (
	"context"
	"errors"
	"os"
	"time"

	"bilancio/internal/amqp"
	"bilancio/internal/cli"
	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/sheets"
	gsheet "bilancio/internal/sheets/google"
	memsheet "bilancio/internal/sheets/memory"
	"bilancio/internal/worker"
)

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentWorker)
	logger.Info("Starting sheets-mirror")

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required: the mirror consumes domain events")
		os.Exit(1)
	}

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()
	ctx = log.NewContext(ctx, logger)

	var mirror sheets.TransactionMirror
	if cfg.MirrorEnabled() {
		client, err := gsheet.New(ctx, gsheet.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: cfg.GoogleServiceAccountFile,
		})
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", log.FieldError, err)
			os.Exit(1)
		}
		if err := client.EnsureHeader(ctx); err != nil {
			logger.Error("Failed to prepare mirror sheet", log.FieldError, err)
			os.Exit(1)
		}
		mirror = client
		logger.Info("Google Sheets client initialized",
			"spreadsheet_id", cfg.GoogleSpreadsheetID,
			"sheet", cfg.GoogleSheetName)
	} else {
		mirror = memsheet.New()
		logger.Info("Google Sheets disabled - no GOOGLE_SPREADSHEET_ID provided, mirroring in memory")
	}

	// The store is only read, to backfill rows missed while the mirror was down.
	var source worker.TransactionSource
	if result, err := cli.OpenStore(ctx, logger, cfg); err != nil {
		logger.Warn("Failed to open store, backfill disabled", log.FieldError, err)
	} else {
		defer result.Cleanup()
		source = result.Store
	}

	mirrorWorker := worker.NewMirrorWorker(mirror, source)
	if err := mirrorWorker.Backfill(ctx, core.MonthOf(cli.Today(cfg)())); err != nil {
		logger.Error("Startup backfill failed", log.FieldError, err)
	}

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		os.Exit(1)
	}
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.ConsumeWithRetry(ctx, mirrorWorker.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Event consumption stopped", log.FieldError, err)
		}
		cancel()
	}()

	cli.WaitForShutdown(ctx, logger, done, 30*time.Second)
}
