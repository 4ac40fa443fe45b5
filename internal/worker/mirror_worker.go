package worker

import (
	"context"
	"fmt"

	"bilancio/internal/amqp"
	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/services"
	"bilancio/internal/sheets"
)

// TransactionSource is the read side used to backfill the mirror.
type TransactionSource interface {
	ListTransactionsBetween(ctx context.Context, from, to core.Date) ([]core.Transaction, error)
}

// MirrorWorker applies transaction events to a spreadsheet mirror.
type MirrorWorker struct {
	mirror sheets.TransactionMirror
	source TransactionSource
}

func NewMirrorWorker(mirror sheets.TransactionMirror, source TransactionSource) *MirrorWorker {
	return &MirrorWorker{mirror: mirror, source: source}
}

// HandleEvent processes a single event delivered from AMQP. Events the
// mirror does not track are acknowledged without action.
func (w *MirrorWorker) HandleEvent(ctx context.Context, msg *amqp.EventMessage) error {
	switch msg.Kind {
	case services.EventTransactionCreated, services.EventTransactionConfirmed:
		ref, err := w.mirror.UpsertTransaction(ctx, *msg.Transaction)
		if err != nil {
			return fmt.Errorf("mirror transaction %s: %w", msg.Transaction.ID, err)
		}
		log.FromContext(ctx).InfoContext(ctx, "Mirrored transaction",
			log.FieldTransactionID, msg.Transaction.ID,
			"row", ref)

	case services.EventTransactionDeleted:
		if err := w.mirror.RemoveTransaction(ctx, msg.Transaction.ID); err != nil {
			return fmt.Errorf("remove mirrored transaction %s: %w", msg.Transaction.ID, err)
		}
		log.FromContext(ctx).InfoContext(ctx, "Removed mirrored transaction", log.FieldTransactionID, msg.Transaction.ID)

	default:
		log.FromContext(ctx).DebugContext(ctx, "Ignoring event")
	}
	return nil
}

// Backfill upserts every transaction bucketed in month. It recovers rows
// for events published while the worker was down.
func (w *MirrorWorker) Backfill(ctx context.Context, month core.MonthKey) error {
	if w.source == nil {
		return nil
	}
	txs, err := w.source.ListTransactionsBetween(ctx, month.First(), month.Last())
	if err != nil {
		return fmt.Errorf("list transactions for backfill: %w", err)
	}

	logger := log.FromContext(ctx)
	synced, failed := 0, 0
	for _, tx := range txs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := w.mirror.UpsertTransaction(ctx, tx); err != nil {
			logger.ErrorContext(ctx, "Failed to backfill transaction", log.FieldTransactionID, tx.ID, log.FieldError, err)
			failed++
			continue
		}
		synced++
	}

	logger.InfoContext(ctx, "Mirror backfill completed",
		log.FieldYear, month.Year,
		log.FieldMonth, month.Month,
		"total", len(txs),
		"synced", synced,
		"errors", failed)
	return nil
}
