package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bilancio/internal/core"
)

func newTracker(store InstallmentStore, pub EventPublisher) *InstallmentTracker {
	tr := NewInstallmentTracker(store, pub, fastRetry())
	tr.now = fixedClock
	return tr
}

func laptopPlan(total int64, n int) PlanInput {
	return PlanInput{
		Description:  "Laptop",
		TotalAmount:  core.Money{Cents: total},
		Installments: n,
		StartDate:    core.NewDate(2025, 1, 31),
		CategoryID:   "tech",
	}
}

func TestSplitAmountScenarioB(t *testing.T) {
	got := SplitAmount(core.Money{Cents: 100000}, 3)
	want := []string{"333.33", "333.33", "333.34"}
	var sum core.Money
	for i, m := range got {
		if m.String() != want[i] {
			t.Errorf("installment %d = %s, want %s", i+1, m, want[i])
		}
		sum = sum.Add(m)
	}
	if sum.String() != "1000.00" {
		t.Fatalf("sum = %s", sum)
	}
}

func TestCreatePlanValidation(t *testing.T) {
	tr := newTracker(newStore(), nil)
	tests := []struct {
		name  string
		in    PlanInput
		field string
	}{
		{"one installment", laptopPlan(1000, 1), "installments"},
		{"zero installments", laptopPlan(1000, 0), "installments"},
		{"zero total", laptopPlan(0, 3), "totalAmount"},
		{"negative total", laptopPlan(-5, 3), "totalAmount"},
		{"missing start", PlanInput{Description: "x", TotalAmount: core.Money{Cents: 10}, Installments: 2, CategoryID: "c"}, "startDate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.CreatePlan(context.Background(), tt.in)
			var ve *core.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestRecordPaymentCompletesPlan(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	tr := newTracker(newStore(), pub)

	plan, err := tr.CreatePlan(ctx, laptopPlan(100000, 3))
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != core.InstallmentActive || plan.CurrentInstallment != 0 {
		t.Fatalf("new plan = %+v", plan)
	}

	for i := 1; i <= 3; i++ {
		plan, err = tr.RecordPayment(ctx, plan.ID)
		if err != nil {
			t.Fatalf("payment %d: %v", i, err)
		}
		if plan.CurrentInstallment != i {
			t.Fatalf("current = %d, want %d", plan.CurrentInstallment, i)
		}
	}
	if plan.Status != core.InstallmentCompleted {
		t.Fatalf("status = %s", plan.Status)
	}
	if pub.count(EventInstallmentCompleted) != 1 {
		t.Fatalf("expected one completion event, got %+v", pub.events)
	}

	_, err = tr.RecordPayment(ctx, plan.ID)
	var se *core.InvalidStateError
	if !errors.As(err, &se) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if _, err := tr.Cancel(ctx, plan.ID); !errors.As(err, &se) {
		t.Fatalf("cancel of completed plan: expected InvalidStateError, got %v", err)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(newStore(), nil)
	plan, _ := tr.CreatePlan(ctx, laptopPlan(60000, 6))
	if _, err := tr.RecordPayment(ctx, plan.ID); err != nil {
		t.Fatal(err)
	}

	cancelled, err := tr.Cancel(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != core.InstallmentCancelled || cancelled.CurrentInstallment != 1 {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	var se *core.InvalidStateError
	if _, err := tr.RecordPayment(ctx, plan.ID); !errors.As(err, &se) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if _, err := tr.Cancel(ctx, plan.ID); !errors.As(err, &se) {
		t.Fatalf("expected InvalidStateError on second cancel, got %v", err)
	}
}

func TestRecordPaymentUnknownPlan(t *testing.T) {
	tr := newTracker(newStore(), nil)
	if _, err := tr.RecordPayment(context.Background(), "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentPaymentsNeverOvershoot(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	tr := newTracker(store, nil)
	plan, _ := tr.CreatePlan(ctx, laptopPlan(120000, 4))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.RecordPayment(ctx, plan.ID); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, _ := store.GetInstallment(ctx, plan.ID)
	if got.CurrentInstallment != ok {
		t.Fatalf("current = %d but %d payments succeeded", got.CurrentInstallment, ok)
	}
	if got.CurrentInstallment > got.Installments {
		t.Fatalf("overshoot: %d > %d", got.CurrentInstallment, got.Installments)
	}
	if (got.Status == core.InstallmentCompleted) != (got.CurrentInstallment == got.Installments) {
		t.Fatalf("status %s inconsistent with progress %d", got.Status, got.CurrentInstallment)
	}
}
