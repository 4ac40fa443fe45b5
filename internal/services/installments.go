package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bilancio/internal/core"
)

// PlanInput is the user supplied part of a new installment plan.
type PlanInput struct {
	Description  string     `json:"description"`
	TotalAmount  core.Money `json:"totalAmount"`
	Installments int        `json:"installments"`
	StartDate    core.Date  `json:"startDate"`
	CategoryID   string     `json:"categoryId"`
	CreditCardID string     `json:"creditCardId,omitempty"`
}

// InstallmentTracker creates installment plans and advances their progress.
type InstallmentTracker struct {
	store     InstallmentStore
	publisher EventPublisher
	retry     RetryPolicy
	now       func() time.Time
}

func NewInstallmentTracker(store InstallmentStore, publisher EventPublisher, retry RetryPolicy) *InstallmentTracker {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &InstallmentTracker{store: store, publisher: publisher, retry: retry, now: time.Now}
}

// SplitAmount divides total into n installment amounts whose sum is exactly
// total; the rounding remainder goes to the last installment.
func SplitAmount(total core.Money, n int) []core.Money {
	return core.SplitMoney(total, n)
}

// CreatePlan validates and persists a new ACTIVE plan with no payments made.
func (t *InstallmentTracker) CreatePlan(ctx context.Context, in PlanInput) (core.Installment, error) {
	if in.Installments < 2 {
		return core.Installment{}, core.Invalid("installments", core.ErrInvalidCount)
	}
	if err := in.TotalAmount.Validate(); err != nil {
		return core.Installment{}, core.Invalid("totalAmount", err)
	}
	now := t.now().UTC()
	plan := core.Installment{
		ID:           uuid.NewString(),
		Description:  in.Description,
		TotalAmount:  in.TotalAmount,
		Installments: in.Installments,
		Status:       core.InstallmentActive,
		StartDate:    in.StartDate,
		CategoryID:   in.CategoryID,
		CreditCardID: in.CreditCardID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := plan.Validate(); err != nil {
		return core.Installment{}, err
	}
	if err := t.store.CreateInstallment(ctx, plan); err != nil {
		return core.Installment{}, fmt.Errorf("create installment: %w", err)
	}
	slog.InfoContext(ctx, "Installment plan created",
		"installment_id", plan.ID,
		"installments", plan.Installments,
		"total_cents", plan.TotalAmount.Cents)
	return plan, nil
}

func (t *InstallmentTracker) Get(ctx context.Context, id string) (core.Installment, error) {
	return t.store.GetInstallment(ctx, id)
}

func (t *InstallmentTracker) List(ctx context.Context) ([]core.Installment, error) {
	return t.store.ListInstallments(ctx)
}

// advance returns the plan after one more payment. It fails when the plan is
// no longer ACTIVE.
func advance(in core.Installment, now time.Time) (core.Installment, error) {
	if in.Status != core.InstallmentActive || in.CurrentInstallment >= in.Installments {
		return core.Installment{}, &core.InvalidStateError{
			Entity: "installment",
			ID:     in.ID,
			State:  string(in.Status),
			Reason: "no payment can be recorded",
		}
	}
	in.CurrentInstallment++
	if in.CurrentInstallment == in.Installments {
		in.Status = core.InstallmentCompleted
	}
	in.UpdatedAt = now.UTC()
	return in, nil
}

// RecordPayment advances the plan by one installment. The plan becomes
// COMPLETED when its last installment is recorded.
func (t *InstallmentTracker) RecordPayment(ctx context.Context, id string) (core.Installment, error) {
	var updated core.Installment
	err := withOptimisticRetry(ctx, t.retry, func() error {
		cur, err := t.store.GetInstallment(ctx, id)
		if err != nil {
			return err
		}
		next, err := advance(cur, t.now())
		if err != nil {
			return err
		}
		if err := t.store.UpdateInstallment(ctx, next, cur.CurrentInstallment, cur.Status); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return core.Installment{}, err
	}
	t.afterPayment(ctx, updated)
	return updated, nil
}

func (t *InstallmentTracker) afterPayment(ctx context.Context, in core.Installment) {
	slog.InfoContext(ctx, "Installment payment recorded",
		"installment_id", in.ID,
		"current", in.CurrentInstallment,
		"of", in.Installments)
	if in.Status != core.InstallmentCompleted {
		return
	}
	if err := t.publisher.PublishInstallmentEvent(ctx, EventInstallmentCompleted, in); err != nil {
		slog.WarnContext(ctx, "Failed to publish installment event",
			"installment_id", in.ID, "error", err)
	}
}

// Cancel moves an ACTIVE plan to the terminal CANCELLED state.
func (t *InstallmentTracker) Cancel(ctx context.Context, id string) (core.Installment, error) {
	var updated core.Installment
	err := withOptimisticRetry(ctx, t.retry, func() error {
		cur, err := t.store.GetInstallment(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != core.InstallmentActive {
			return &core.InvalidStateError{
				Entity: "installment",
				ID:     cur.ID,
				State:  string(cur.Status),
				Reason: "only active plans can be cancelled",
			}
		}
		next := cur
		next.Status = core.InstallmentCancelled
		next.UpdatedAt = t.now().UTC()
		if err := t.store.UpdateInstallment(ctx, next, cur.CurrentInstallment, cur.Status); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return core.Installment{}, err
	}
	slog.InfoContext(ctx, "Installment plan cancelled", "installment_id", updated.ID)
	return updated, nil
}
