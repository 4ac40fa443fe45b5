package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"bilancio/internal/core"
)

// RecurringInput is the user supplied part of a new recurring record.
type RecurringInput struct {
	Description  string
	Amount       core.Money
	Type         core.TransactionType
	Frequency    core.Frequency
	StartDate    core.Date
	EndDate      *core.Date
	CategoryID   string
	CreditCardID string
	UserID       string
}

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	Retry RetryPolicy
	// Concurrency bounds ExecuteDue fan-out.
	Concurrency int
}

// RecurringExecutor drives the lifecycle of recurring records and turns due
// periods into confirmed transactions.
type RecurringExecutor struct {
	store     RecurringStore
	publisher EventPublisher
	config    ExecutorConfig
	flight    singleflight.Group
	now       func() time.Time
}

func NewRecurringExecutor(store RecurringStore, publisher EventPublisher, config ExecutorConfig) *RecurringExecutor {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &RecurringExecutor{store: store, publisher: publisher, config: config, now: time.Now}
}

// Create persists a new record. Its first occurrence is due on startDate.
func (e *RecurringExecutor) Create(ctx context.Context, in RecurringInput) (core.RecurringTransaction, error) {
	now := e.now().UTC()
	rt := core.RecurringTransaction{
		ID:           uuid.NewString(),
		Description:  in.Description,
		Amount:       in.Amount,
		Type:         in.Type,
		Frequency:    in.Frequency,
		StartDate:    in.StartDate,
		EndDate:      in.EndDate,
		NextDueDate:  in.StartDate,
		IsActive:     true,
		CategoryID:   in.CategoryID,
		CreditCardID: in.CreditCardID,
		UserID:       in.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := rt.Validate(); err != nil {
		return core.RecurringTransaction{}, err
	}
	if err := e.store.CreateRecurring(ctx, rt); err != nil {
		return core.RecurringTransaction{}, fmt.Errorf("create recurring: %w", err)
	}
	slog.InfoContext(ctx, "Recurring transaction created",
		"recurring_id", rt.ID,
		"frequency", rt.Frequency,
		"start_date", rt.StartDate.String())
	return rt, nil
}

func (e *RecurringExecutor) Get(ctx context.Context, id string) (core.RecurringTransaction, error) {
	return e.store.GetRecurring(ctx, id)
}

func (e *RecurringExecutor) List(ctx context.Context) ([]core.RecurringTransaction, error) {
	return e.store.ListRecurring(ctx)
}

// SetActive pauses or resumes a record without touching its due date.
func (e *RecurringExecutor) SetActive(ctx context.Context, id string, active bool) (core.RecurringTransaction, error) {
	rt, err := e.store.GetRecurring(ctx, id)
	if err != nil {
		return core.RecurringTransaction{}, err
	}
	if rt.State() == core.RecurringEnded {
		return core.RecurringTransaction{}, &core.InvalidStateError{
			Entity: "recurring transaction",
			ID:     id,
			State:  string(core.RecurringEnded),
			Reason: "ended records cannot be paused or resumed",
		}
	}
	if rt.IsActive == active {
		return rt, nil
	}
	updated, err := e.store.SetRecurringActive(ctx, id, active)
	if err != nil {
		return core.RecurringTransaction{}, fmt.Errorf("set active: %w", err)
	}
	slog.InfoContext(ctx, "Recurring transaction toggled",
		"recurring_id", id, "is_active", active)
	return updated, nil
}

// Execute creates one confirmed transaction per period due up to asOf,
// never past endDate, and advances nextDueDate beyond the last one.
//
// The batch commits as one unit conditioned on nextDueDate being unchanged
// since it was read. Conflicts are retried; concurrent in-process calls for
// the same id and asOf share a single run.
func (e *RecurringExecutor) Execute(ctx context.Context, id string, asOf core.Date) ([]core.Transaction, error) {
	key := id + "|" + asOf.String()
	v, err, _ := e.flight.Do(key, func() (any, error) {
		return e.execute(ctx, id, asOf)
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.Transaction), nil
}

func (e *RecurringExecutor) execute(ctx context.Context, id string, asOf core.Date) ([]core.Transaction, error) {
	var created []core.Transaction
	var next core.Date
	err := withOptimisticRetry(ctx, e.config.Retry, func() error {
		rt, err := e.store.GetRecurring(ctx, id)
		if err != nil {
			return err
		}
		txs, n, err := e.catchUp(rt, asOf)
		if err != nil {
			return err
		}
		if err := e.store.CommitExecution(ctx, rt.ID, rt.NextDueDate, n, txs); err != nil {
			if errors.Is(err, core.ErrDuplicate) {
				return &core.InvalidStateError{
					Entity: "recurring transaction",
					ID:     rt.ID,
					State:  string(core.RecurringActive),
					Reason: "an occurrence between " + rt.NextDueDate.String() + " and " + asOf.String() + " already exists",
					Err:    err,
				}
			}
			return err
		}
		created, next = txs, n
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Recurring transaction executed",
		"recurring_id", id,
		"as_of", asOf.String(),
		"created", len(created),
		"next_due_date", next.String())

	for _, tx := range created {
		if err := e.publisher.PublishTransactionEvent(ctx, EventTransactionCreated, tx); err != nil {
			slog.WarnContext(ctx, "Failed to publish transaction event",
				"transaction_id", tx.ID, "recurring_id", id, "error", err)
		}
	}
	return created, nil
}

// catchUp computes the batch owed by rt at asOf without touching storage.
func (e *RecurringExecutor) catchUp(rt core.RecurringTransaction, asOf core.Date) ([]core.Transaction, core.Date, error) {
	switch state := rt.State(); {
	case state != core.RecurringActive:
		return nil, core.Date{}, &core.InvalidStateError{
			Entity: "recurring transaction",
			ID:     rt.ID,
			State:  string(state),
		}
	case rt.NextDueDate.After(asOf):
		return nil, core.Date{}, &core.InvalidStateError{
			Entity: "recurring transaction",
			ID:     rt.ID,
			State:  string(core.RecurringActive),
			Reason: "next due on " + rt.NextDueDate.String(),
			Err:    core.ErrNotDue,
		}
	}

	now := e.now().UTC()
	var txs []core.Transaction
	due := rt.NextDueDate
	for !due.After(asOf) && (rt.EndDate == nil || !due.After(*rt.EndDate)) {
		txs = append(txs, core.Transaction{
			ID:                uuid.NewString(),
			Description:       rt.Description,
			Amount:            rt.Amount,
			Type:              rt.Type,
			Date:              due,
			CategoryID:        rt.CategoryID,
			CreditCardID:      rt.CreditCardID,
			RecurringSourceID: rt.ID,
			UserID:            rt.UserID,
			CreatedAt:         now,
		})
		due = NextOccurrence(due, rt.Frequency)
	}
	return txs, due, nil
}

// ExecutionFailure is one record ExecuteDue could not execute.
type ExecutionFailure struct {
	RecurringID string `json:"recurringId"`
	Error       string `json:"error"`
}

// ExecutionReport summarizes an ExecuteDue run.
type ExecutionReport struct {
	AsOf         core.Date          `json:"asOf"`
	Checked      int                `json:"checked"`
	Executed     int                `json:"executed"`
	Skipped      int                `json:"skipped"`
	Transactions int                `json:"transactions"`
	Failures     []ExecutionFailure `json:"failures"`
}

// ExecuteDue executes every record due at asOf with bounded concurrency.
// Records that are no longer due or no longer active by the time they are
// executed are skipped; other failures are reported without aborting the run.
func (e *RecurringExecutor) ExecuteDue(ctx context.Context, asOf core.Date) (ExecutionReport, error) {
	report := ExecutionReport{AsOf: asOf, Failures: []ExecutionFailure{}}

	due, err := e.store.ListDueRecurring(ctx, asOf)
	if err != nil {
		return report, fmt.Errorf("list due recurring: %w", err)
	}
	report.Checked = len(due)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.config.Concurrency)
	for _, rt := range due {
		rt := rt
		g.Go(func() error {
			txs, err := e.Execute(ctx, rt.ID, asOf)

			mu.Lock()
			defer mu.Unlock()
			var stateErr *core.InvalidStateError
			switch {
			case err == nil:
				report.Executed++
				report.Transactions += len(txs)
			case errors.As(err, &stateErr):
				report.Skipped++
			default:
				report.Failures = append(report.Failures, ExecutionFailure{RecurringID: rt.ID, Error: err.Error()})
				slog.ErrorContext(ctx, "Recurring execution failed",
					"recurring_id", rt.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.InfoContext(ctx, "Recurring execution run complete",
		"as_of", asOf.String(),
		"checked", report.Checked,
		"executed", report.Executed,
		"skipped", report.Skipped,
		"transactions", report.Transactions,
		"failed", len(report.Failures))
	return report, ctx.Err()
}
