package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bilancio/internal/core"
)

// NewTransaction is the user supplied part of a Transaction.
type NewTransaction struct {
	Description       string
	Amount            core.Money
	Type              core.TransactionType
	Date              core.Date
	IsScheduled       bool
	ScheduledDate     *core.Date
	CategoryID        string
	CreditCardID      string
	InstallmentID     string
	RecurringSourceID string
	UserID            string
}

// TransactionStores is what TransactionService needs from storage: installment
// linked transactions advance their plan in the same unit as the insert.
type TransactionStores interface {
	TransactionStore
	InstallmentStore
}

// TransactionService orchestrates transaction writes and their side effects.
type TransactionService struct {
	store     TransactionStores
	publisher EventPublisher
	retry     RetryPolicy
	now       func() time.Time
}

func NewTransactionService(store TransactionStores, publisher EventPublisher, retry RetryPolicy) *TransactionService {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &TransactionService{store: store, publisher: publisher, retry: retry, now: time.Now}
}

// Create validates and persists a transaction. When it references an
// installment plan the plan records one payment in the same commit; a zero
// amount then defaults to the amount of the slot being paid.
func (s *TransactionService) Create(ctx context.Context, in NewTransaction) (core.Transaction, error) {
	if in.InstallmentID != "" && in.RecurringSourceID != "" {
		return core.Transaction{}, core.Invalid("installmentId", core.ErrMultipleOrigins)
	}
	tx := core.Transaction{
		ID:                uuid.NewString(),
		Description:       in.Description,
		Amount:            in.Amount,
		Type:              in.Type,
		Date:              in.Date,
		IsScheduled:       in.IsScheduled,
		ScheduledDate:     in.ScheduledDate,
		CategoryID:        in.CategoryID,
		CreditCardID:      in.CreditCardID,
		InstallmentID:     in.InstallmentID,
		RecurringSourceID: in.RecurringSourceID,
		UserID:            in.UserID,
		CreatedAt:         s.now().UTC(),
	}

	if in.InstallmentID == "" {
		if err := tx.Validate(); err != nil {
			return core.Transaction{}, err
		}
		if err := s.store.CreateTransaction(ctx, tx); err != nil {
			return core.Transaction{}, fmt.Errorf("create transaction: %w", err)
		}
	} else {
		var err error
		if tx, err = s.createInstallmentPayment(ctx, tx); err != nil {
			return core.Transaction{}, err
		}
	}

	slog.InfoContext(ctx, "Transaction created",
		"transaction_id", tx.ID,
		"type", tx.Type,
		"amount_cents", tx.Amount.Cents,
		"scheduled", tx.IsScheduled)
	s.publish(ctx, EventTransactionCreated, tx)
	return tx, nil
}

func (s *TransactionService) createInstallmentPayment(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	var completed *core.Installment
	requested := tx.Amount
	err := withOptimisticRetry(ctx, s.retry, func() error {
		plan, err := s.store.GetInstallment(ctx, tx.InstallmentID)
		if err != nil {
			return err
		}
		next, err := advance(plan, s.now())
		if err != nil {
			return err
		}
		tx.Amount = requested
		if tx.Amount.IsZero() {
			tx.Amount = plan.SlotAmount(next.CurrentInstallment)
		}
		if err := tx.Validate(); err != nil {
			return err
		}
		if err := s.store.CreateInstallmentPayment(ctx, tx, next, plan.CurrentInstallment); err != nil {
			return err
		}
		if next.Status == core.InstallmentCompleted {
			completed = &next
		}
		return nil
	})
	if err != nil {
		return core.Transaction{}, err
	}
	if completed != nil {
		if err := s.publisher.PublishInstallmentEvent(ctx, EventInstallmentCompleted, *completed); err != nil {
			slog.WarnContext(ctx, "Failed to publish installment event",
				"installment_id", completed.ID, "error", err)
		}
	}
	return tx, nil
}

func (s *TransactionService) Get(ctx context.Context, id string) (core.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// Confirm turns a scheduled transaction into a confirmed one dated on.
func (s *TransactionService) Confirm(ctx context.Context, id string, on core.Date) (core.Transaction, error) {
	if err := on.Validate(); err != nil {
		return core.Transaction{}, core.Invalid("date", err)
	}
	cur, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, err
	}
	if !cur.IsScheduled {
		return core.Transaction{}, &core.InvalidStateError{
			Entity: "transaction",
			ID:     id,
			State:  "CONFIRMED",
			Reason: "already confirmed",
		}
	}
	tx, err := s.store.ConfirmTransaction(ctx, id, on)
	if err != nil {
		return core.Transaction{}, err
	}
	slog.InfoContext(ctx, "Transaction confirmed",
		"transaction_id", id, "date", on.String())
	s.publish(ctx, EventTransactionConfirmed, tx)
	return tx, nil
}

func (s *TransactionService) Delete(ctx context.Context, id string) error {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTransaction(ctx, id); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Transaction deleted", "transaction_id", id)
	s.publish(ctx, EventTransactionDeleted, tx)
	return nil
}

// Recent returns up to limit confirmed transactions, newest first.
func (s *TransactionService) Recent(ctx context.Context, limit int) ([]core.Transaction, error) {
	return s.store.RecentTransactions(ctx, limit)
}

func (s *TransactionService) publish(ctx context.Context, kind string, tx core.Transaction) {
	if err := s.publisher.PublishTransactionEvent(ctx, kind, tx); err != nil {
		slog.WarnContext(ctx, "Failed to publish transaction event",
			"kind", kind, "transaction_id", tx.ID, "error", err)
	}
}
