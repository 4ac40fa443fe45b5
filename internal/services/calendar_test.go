package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"bilancio/internal/cache"
	"bilancio/internal/core"
)

func march2025() core.MonthKey { return core.MonthKey{Year: 2025, Month: 3} }

func datePtr(y, m, d int) *core.Date {
	v := core.NewDate(y, m, d)
	return &v
}

func calendarFixture() ([]core.Transaction, []core.RecurringTransaction, []core.Installment) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	txs := []core.Transaction{
		{ID: "salary", Description: "Salary", Amount: core.Money{Cents: 300000}, Type: core.Income, Date: core.NewDate(2025, 3, 1), CategoryID: "salary", CreatedAt: created},
		{ID: "food", Description: "Groceries", Amount: core.Money{Cents: 4250}, Type: core.Expense, Date: core.NewDate(2025, 3, 10), CategoryID: "food", CreatedAt: created},
		{ID: "bill", Description: "Power bill", Amount: core.Money{Cents: 15000}, Type: core.Expense, Date: core.NewDate(2025, 3, 1), IsScheduled: true, ScheduledDate: datePtr(2025, 3, 25), CategoryID: "utilities", CreatedAt: created},
		{ID: "late", Description: "Insurance", Amount: core.Money{Cents: 2000}, Type: core.Expense, Date: core.NewDate(2025, 3, 1), IsScheduled: true, ScheduledDate: datePtr(2025, 3, 5), CategoryID: "utilities", CreatedAt: created},
		{ID: "gym-29", Description: "Gym", Amount: core.Money{Cents: 1000}, Type: core.Expense, Date: core.NewDate(2025, 3, 22), IsScheduled: true, ScheduledDate: datePtr(2025, 3, 29), CategoryID: "sport", RecurringSourceID: "gym", CreatedAt: created},
		{ID: "april", Description: "Elsewhere", Amount: core.Money{Cents: 999}, Type: core.Expense, Date: core.NewDate(2025, 4, 1), CategoryID: "food", CreatedAt: created},
	}
	recurring := []core.RecurringTransaction{
		{ID: "rent", Description: "Rent", Amount: core.Money{Cents: 120000}, Type: core.Expense, Frequency: core.Monthly, StartDate: core.NewDate(2025, 1, 15), NextDueDate: core.NewDate(2025, 3, 15), IsActive: true, CategoryID: "housing"},
		{ID: "gym", Description: "Gym", Amount: core.Money{Cents: 1000}, Type: core.Expense, Frequency: core.Weekly, StartDate: core.NewDate(2025, 1, 4), NextDueDate: core.NewDate(2025, 3, 22), IsActive: true, CategoryID: "sport"},
		{ID: "paused", Description: "Paused", Amount: core.Money{Cents: 500}, Type: core.Expense, Frequency: core.Daily, StartDate: core.NewDate(2025, 1, 1), NextDueDate: core.NewDate(2025, 3, 1), IsActive: false, CategoryID: "misc"},
		{ID: "ended", Description: "Ended", Amount: core.Money{Cents: 500}, Type: core.Expense, Frequency: core.Daily, StartDate: core.NewDate(2025, 1, 1), EndDate: datePtr(2025, 2, 28), NextDueDate: core.NewDate(2025, 3, 1), IsActive: true, CategoryID: "misc"},
		{ID: "bonus", Description: "Bonus", Amount: core.Money{Cents: 50000}, Type: core.Income, Frequency: core.Quarterly, StartDate: core.NewDate(2025, 3, 28), EndDate: datePtr(2025, 3, 28), NextDueDate: core.NewDate(2025, 3, 28), IsActive: true, CategoryID: "salary"},
	}
	plans := []core.Installment{
		{ID: "laptop", Description: "Laptop", TotalAmount: core.Money{Cents: 100000}, Installments: 3, CurrentInstallment: 2, Status: core.InstallmentActive, StartDate: core.NewDate(2025, 1, 31), CategoryID: "tech"},
		{ID: "phone", Description: "Phone", TotalAmount: core.Money{Cents: 60000}, Installments: 6, CurrentInstallment: 0, Status: core.InstallmentCancelled, StartDate: core.NewDate(2025, 3, 3), CategoryID: "tech"},
		{ID: "sofa", Description: "Sofa", TotalAmount: core.Money{Cents: 90000}, Installments: 3, CurrentInstallment: 0, Status: core.InstallmentActive, StartDate: core.NewDate(2025, 4, 3), CategoryID: "home"},
	}
	return txs, recurring, plans
}

func ids(entries []Entry) string {
	var out []string
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return strings.Join(out, ",")
}

func TestBuildCalendarScenarioC(t *testing.T) {
	feb := core.MonthKey{Year: 2024, Month: 2}
	res := BuildCalendar(feb, nil, nil, nil, core.NewDate(2025, 3, 20))

	if len(res.Days) != 29 || len(res.DailyTotals) != 29 {
		t.Fatalf("days = %d totals = %d", len(res.Days), len(res.DailyTotals))
	}
	for _, key := range res.Days {
		if res.DailyTotals[key] != (DailyTotals{}) {
			t.Fatalf("%s totals = %+v", key, res.DailyTotals[key])
		}
		for name, m := range map[string]map[string][]Entry{
			"transactions": res.TransactionsByDay, "confirmed": res.ConfirmedByDay,
			"scheduled": res.ScheduledByDay, "pending": res.PendingByDay,
		} {
			if m[key] == nil || len(m[key]) != 0 {
				t.Fatalf("%s[%s] = %v, want empty non-nil", name, key, m[key])
			}
		}
	}

	b, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "null") {
		t.Fatalf("empty calendar renders null: %s", b)
	}
	if !strings.Contains(string(b), `"2024-02-29":{"income":"0.00","expense":"0.00","balance":"0.00","scheduledIncome":"0.00","scheduledExpense":"0.00","pendingExpense":"0.00"}`) {
		t.Fatal("zeroed daily totals missing for 2024-02-29")
	}
}

func TestBuildCalendarBuckets(t *testing.T) {
	txs, recurring, plans := calendarFixture()
	today := core.NewDate(2025, 3, 20)
	res := BuildCalendar(march2025(), txs, recurring, plans, today)

	tests := []struct {
		day       string
		confirmed string
		scheduled string
		pending   string
	}{
		{"2025-03-01", "salary", "", ""},
		{"2025-03-05", "", "late", ""},
		{"2025-03-10", "food", "", ""},
		{"2025-03-15", "", "rent:2025-03-15", ""},
		{"2025-03-22", "", "gym:2025-03-22", ""},
		{"2025-03-25", "", "bill", ""},
		{"2025-03-28", "", "bonus:2025-03-28", ""},
		{"2025-03-29", "", "gym-29", ""},
		{"2025-03-31", "", "", "laptop:3"},
		{"2025-03-03", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.day, func(t *testing.T) {
			if got := ids(res.ConfirmedByDay[tt.day]); got != tt.confirmed {
				t.Errorf("confirmed = %q, want %q", got, tt.confirmed)
			}
			if got := ids(res.ScheduledByDay[tt.day]); got != tt.scheduled {
				t.Errorf("scheduled = %q, want %q", got, tt.scheduled)
			}
			if got := ids(res.PendingByDay[tt.day]); got != tt.pending {
				t.Errorf("pending = %q, want %q", got, tt.pending)
			}
		})
	}

	late := res.ScheduledByDay["2025-03-05"][0]
	if !late.Overdue || late.IsRecurring || late.Projected {
		t.Errorf("late = %+v", late)
	}
	rent := res.ScheduledByDay["2025-03-15"][0]
	if !rent.Overdue || !rent.IsRecurring || !rent.Projected {
		t.Errorf("rent projection = %+v", rent)
	}
	gym := res.ScheduledByDay["2025-03-29"][0]
	if !gym.IsRecurring || gym.Projected || gym.Overdue {
		t.Errorf("persisted recurring = %+v", gym)
	}
	pending := res.PendingByDay["2025-03-31"][0]
	if pending.Amount.Cents != 33334 || pending.InstallmentNumber != 3 || pending.InstallmentCount != 3 || pending.Type != core.Expense {
		t.Errorf("pending = %+v", pending)
	}

	if got := res.DailyTotals["2025-03-01"]; got.Income.Cents != 300000 || got.Balance.Cents != 300000 {
		t.Errorf("03-01 totals = %+v", got)
	}
	if got := res.DailyTotals["2025-03-28"]; got.ScheduledIncome.Cents != 50000 || got.Income.Cents != 0 {
		t.Errorf("03-28 totals = %+v", got)
	}
	want := DailyTotals{
		Income:           core.Money{Cents: 300000},
		Expense:          core.Money{Cents: 4250},
		Balance:          core.Money{Cents: 295750},
		ScheduledIncome:  core.Money{Cents: 50000},
		ScheduledExpense: core.Money{Cents: 2000 + 120000 + 1000 + 15000 + 1000},
		PendingExpense:   core.Money{Cents: 33334},
	}
	if res.MonthTotals != want {
		t.Errorf("month totals = %+v, want %+v", res.MonthTotals, want)
	}
}

func TestBuildCalendarExclusivity(t *testing.T) {
	txs, recurring, plans := calendarFixture()
	res := BuildCalendar(march2025(), txs, recurring, plans, core.NewDate(2025, 3, 20))

	for _, day := range res.Days {
		confirmed := map[string]bool{}
		for _, e := range res.ConfirmedByDay[day] {
			confirmed[e.ID] = true
		}
		scheduled := map[string]bool{}
		for _, e := range res.ScheduledByDay[day] {
			scheduled[e.ID] = true
		}
		for _, e := range res.TransactionsByDay[day] {
			if e.Kind == EntryPending {
				continue
			}
			if confirmed[e.ID] == scheduled[e.ID] {
				t.Fatalf("%s: %s must be in exactly one of confirmed/scheduled", day, e.ID)
			}
		}
		n := len(res.ConfirmedByDay[day]) + len(res.ScheduledByDay[day]) + len(res.PendingByDay[day])
		if len(res.TransactionsByDay[day]) != n {
			t.Fatalf("%s: union has %d entries, buckets %d", day, len(res.TransactionsByDay[day]), n)
		}
	}
}

func TestBuildCalendarDoesNotProjectExecutedOccurrences(t *testing.T) {
	rt := core.RecurringTransaction{ID: "rent", Description: "Rent", Amount: core.Money{Cents: 100}, Type: core.Expense,
		Frequency: core.Monthly, StartDate: core.NewDate(2025, 1, 15), NextDueDate: core.NewDate(2025, 3, 15), IsActive: true, CategoryID: "housing"}
	executed := core.Transaction{ID: "t", Description: "Rent", Amount: core.Money{Cents: 100}, Type: core.Expense,
		Date: core.NewDate(2025, 3, 15), CategoryID: "housing", RecurringSourceID: "rent"}

	res := BuildCalendar(march2025(), []core.Transaction{executed}, []core.RecurringTransaction{rt}, nil, core.NewDate(2025, 3, 1))
	if got := ids(res.TransactionsByDay["2025-03-15"]); got != "t" {
		t.Fatalf("03-15 = %q, executed occurrence must not be projected again", got)
	}
	if res.MonthTotals.ScheduledExpense.Cents != 0 || res.MonthTotals.Expense.Cents != 100 {
		t.Fatalf("totals = %+v", res.MonthTotals)
	}
}

type countingSource struct {
	CalendarSource
	calls int
}

func (c *countingSource) ListTransactionsBetween(ctx context.Context, from, to core.Date) ([]core.Transaction, error) {
	c.calls++
	return c.CalendarSource.ListTransactionsBetween(ctx, from, to)
}

func TestAggregateCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	src := &countingSource{CalendarSource: store}
	agg := NewCalendarAggregator(src, func() core.Date { return core.NewDate(2025, 3, 20) },
		cache.NewLRU[CalendarKey, *CalendarResult](8, time.Minute))

	if _, err := agg.Aggregate(ctx, march2025()); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.Aggregate(ctx, march2025()); err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Fatalf("store read %d times, want 1", src.calls)
	}

	_ = store.CreateTransaction(ctx, core.Transaction{ID: "x", Amount: core.Money{Cents: 100}, Type: core.Expense, Date: core.NewDate(2025, 3, 2), CategoryID: "food"})
	agg.Invalidate()
	res, err := agg.Aggregate(ctx, march2025())
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 || res.MonthTotals.Expense.Cents != 100 {
		t.Fatalf("calls = %d totals = %+v", src.calls, res.MonthTotals)
	}
	if st, ok := agg.CacheStats(); !ok || st.Hits != 1 || st.Misses != 2 {
		t.Fatalf("cache stats = %+v, %v", st, ok)
	}
}

func TestAggregateSeesWritesFromAnotherExecutor(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	api := newExecutor(store, nil)
	rt, err := api.Create(ctx, rentInput(t, "2025-03-15", core.Monthly))
	if err != nil {
		t.Fatal(err)
	}
	agg := NewCalendarAggregator(store, func() core.Date { return core.NewDate(2025, 3, 20) },
		cache.NewLRU[CalendarKey, *CalendarResult](8, time.Minute))

	before, err := agg.Aggregate(ctx, march2025())
	if err != nil {
		t.Fatal(err)
	}
	if len(before.ConfirmedByDay["2025-03-15"]) != 0 {
		t.Fatalf("nothing confirmed yet: %+v", before.ConfirmedByDay["2025-03-15"])
	}

	// a separate worker shares the store but not the aggregator
	worker := newExecutor(store, nil)
	if _, err := worker.Execute(ctx, rt.ID, core.NewDate(2025, 3, 20)); err != nil {
		t.Fatal(err)
	}

	after, err := agg.Aggregate(ctx, march2025())
	if err != nil {
		t.Fatal(err)
	}
	if got := after.ConfirmedByDay["2025-03-15"]; len(got) != 1 || got[0].Amount.Cents != 120000 {
		t.Fatalf("confirmed[03-15] = %+v", got)
	}
	if got := after.DailyTotals["2025-03-15"]; got.Expense.Cents != 120000 {
		t.Fatalf("totals[03-15] = %+v", got)
	}
}

// stalledSource holds its first transaction read, already loaded, until
// release is closed. Its data version never moves.
type stalledSource struct {
	CalendarSource
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *stalledSource) DataVersion(context.Context) (int64, error) { return 0, nil }

func (s *stalledSource) ListTransactionsBetween(ctx context.Context, from, to core.Date) ([]core.Transaction, error) {
	txs, err := s.CalendarSource.ListTransactionsBetween(ctx, from, to)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return txs, err
}

func TestAggregateDoesNotCacheLoadRacingInvalidate(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	src := &stalledSource{CalendarSource: store, read: make(chan struct{}), release: make(chan struct{})}
	agg := NewCalendarAggregator(src, func() core.Date { return core.NewDate(2025, 3, 20) },
		cache.NewLRU[CalendarKey, *CalendarResult](8, time.Minute))

	done := make(chan error, 1)
	go func() {
		_, err := agg.Aggregate(ctx, march2025())
		done <- err
	}()
	<-src.read
	coffee := core.Transaction{ID: "coffee", Description: "Coffee", Amount: core.Money{Cents: 100}, Type: core.Expense, Date: core.NewDate(2025, 3, 2), CategoryID: "food"}
	if err := store.CreateTransaction(ctx, coffee); err != nil {
		t.Fatal(err)
	}
	agg.Invalidate()
	close(src.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	res, err := agg.Aggregate(ctx, march2025())
	if err != nil {
		t.Fatal(err)
	}
	if res.MonthTotals.Expense.Cents != 100 {
		t.Fatalf("expense = %s, want 1.00", res.MonthTotals.Expense)
	}
}

func TestAggregateRejectsInvalidMonth(t *testing.T) {
	agg := NewCalendarAggregator(newStore(), func() core.Date { return core.NewDate(2025, 3, 20) }, nil)
	var ve *core.ValidationError
	if _, err := agg.Aggregate(context.Background(), core.MonthKey{Year: 2025, Month: 13}); !errors.As(err, &ve) || ve.Field != "month" {
		t.Fatalf("expected validation error, got %v", err)
	}
}
