package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"bilancio/internal/core"
)

func confirmed(id, cat string, ty core.TransactionType, cents int64, d core.Date) core.Transaction {
	return core.Transaction{ID: id, Description: id, Amount: core.Money{Cents: cents}, Type: ty, Date: d, CategoryID: cat}
}

func TestComputeMetricsCurrentMonth(t *testing.T) {
	txs, recurring, plans := calendarFixture()
	today := core.NewDate(2025, 3, 20)
	current := BuildCalendar(march2025(), txs, recurring, plans, today)
	previous := BuildCalendar(core.MonthKey{Year: 2025, Month: 2}, []core.Transaction{
		confirmed("feb-salary", "salary", core.Income, 250000, core.NewDate(2025, 2, 1)),
		confirmed("feb-food", "food", core.Expense, 8500, core.NewDate(2025, 2, 3)),
	}, nil, nil, today)

	m := ComputeMetrics(current, previous, memoryCategories(), today)

	if m.Income.Cents != 300000 || m.Expenses.Cents != 4250 || m.Balance.Cents != 295750 {
		t.Fatalf("sums = %s %s %s", m.Income, m.Expenses, m.Balance)
	}
	if m.DaysCounted != 20 {
		t.Fatalf("days counted = %d, want 20", m.DaysCounted)
	}
	if m.AvgDailyIncome.String() != "150.00" || m.AvgDailyExpense.String() != "2.13" {
		t.Fatalf("averages = %s %s", m.AvgDailyIncome, m.AvgDailyExpense)
	}
	if m.Variations.Income != 20 || m.Variations.Expense != -50 {
		t.Fatalf("variations = %+v", m.Variations)
	}
	if m.SavingsRate != 98.58 {
		t.Fatalf("savings rate = %v", m.SavingsRate)
	}
	if m.DaysUntilZero == nil || *m.DaysUntilZero != 1392 {
		t.Fatalf("days until zero = %v", m.DaysUntilZero)
	}
	// salary and food both appear once; salary is met first
	if m.MostUsedCategory == nil || m.MostUsedCategory.CategoryID != "salary" || m.MostUsedCategory.Name != "Salary" {
		t.Fatalf("most used = %+v", m.MostUsedCategory)
	}
	if m.MaxIncome.Cents != 300000 || m.MaxExpense.Cents != 4250 {
		t.Fatalf("max = %s %s", m.MaxIncome, m.MaxExpense)
	}
	if m.PendingExpense.Cents != 33334 || m.ScheduledIncome.Cents != 50000 {
		t.Fatalf("scheduled/pending = %s %s", m.ScheduledIncome, m.PendingExpense)
	}
	if len(m.ExpenseByCategory) != 1 || m.ExpenseByCategory[0].Name != "Food" {
		t.Fatalf("expense by category = %+v", m.ExpenseByCategory)
	}
}

func memoryCategories() []core.Category {
	cats, _ := newStore().ListCategories(context.Background())
	return cats
}

func TestComputeMetricsPastMonthUsesFullLength(t *testing.T) {
	cur := BuildCalendar(march2025(), []core.Transaction{
		confirmed("s", "salary", core.Income, 300000, core.NewDate(2025, 3, 1)),
		confirmed("a", "tech", core.Expense, 1000, core.NewDate(2025, 3, 2)),
		confirmed("b", "tech", core.Expense, 3000, core.NewDate(2025, 3, 3)),
		confirmed("c", "food", core.Expense, 500, core.NewDate(2025, 3, 3)),
	}, nil, nil, core.NewDate(2025, 5, 1))
	prev := BuildCalendar(core.MonthKey{Year: 2025, Month: 2}, nil, nil, nil, core.NewDate(2025, 5, 1))

	m := ComputeMetrics(cur, prev, memoryCategories(), core.NewDate(2025, 5, 1))
	if m.DaysCounted != 31 {
		t.Fatalf("days counted = %d", m.DaysCounted)
	}
	if m.AvgDailyIncome.String() != "96.77" {
		t.Fatalf("avg income = %s", m.AvgDailyIncome)
	}
	if m.Variations.Income != 0 || m.Variations.Expense != 0 {
		t.Fatalf("variations against empty month = %+v", m.Variations)
	}
	if m.MostUsedCategory.CategoryID != "tech" || m.MostUsedCategory.Name != "tech" || m.MostUsedCategory.Count != 2 {
		t.Fatalf("most used = %+v", m.MostUsedCategory)
	}
	if m.MaxExpense.Cents != 3000 {
		t.Fatalf("max expense = %s", m.MaxExpense)
	}
}

func TestComputeMetricsFutureMonthUsesFullLength(t *testing.T) {
	cur := BuildCalendar(core.MonthKey{Year: 2025, Month: 4}, nil, nil, nil, core.NewDate(2025, 3, 20))
	m := ComputeMetrics(cur, cur, nil, core.NewDate(2025, 3, 20))
	if m.DaysCounted != 30 {
		t.Fatalf("days counted = %d", m.DaysCounted)
	}
}

func TestComputeMetricsZeroIncome(t *testing.T) {
	today := core.NewDate(2025, 3, 20)
	cur := BuildCalendar(march2025(), []core.Transaction{
		confirmed("a", "food", core.Expense, 1000, core.NewDate(2025, 3, 2)),
	}, nil, nil, today)
	empty := BuildCalendar(core.MonthKey{Year: 2025, Month: 2}, nil, nil, nil, today)

	m := ComputeMetrics(cur, empty, nil, today)
	if m.SavingsRate != 0 {
		t.Fatalf("savings rate = %v", m.SavingsRate)
	}
	if m.DaysUntilZero != nil {
		t.Fatalf("negative balance must not project: %v", *m.DaysUntilZero)
	}
	if m.MostUsedCategory.Name != "food" {
		t.Fatalf("name should fall back to id: %+v", m.MostUsedCategory)
	}

	none := ComputeMetrics(empty, empty, nil, today)
	if none.MostUsedCategory != nil || none.DaysUntilZero != nil || none.SavingsRate != 0 {
		t.Fatalf("empty month = %+v", none)
	}
	b, _ := json.Marshal(none)
	if !strings.Contains(string(b), `"daysUntilZero":null`) || !strings.Contains(string(b), `"recentTransactions":[]`) {
		t.Fatalf("json = %s", b)
	}
}

func TestComputeMetricsSubCentAverageStillProjects(t *testing.T) {
	today := core.NewDate(2025, 5, 1)
	cur := BuildCalendar(march2025(), []core.Transaction{
		confirmed("s", "salary", core.Income, 10000, core.NewDate(2025, 3, 1)),
		confirmed("gum", "food", core.Expense, 1, core.NewDate(2025, 3, 2)),
	}, nil, nil, today)
	m := ComputeMetrics(cur, cur, nil, today)
	if m.AvgDailyExpense.Cents != 0 {
		t.Fatalf("avg expense = %s, want 0.00 once rounded", m.AvgDailyExpense)
	}
	// 99.99 / (0.01 / 31) = 309969
	if m.DaysUntilZero == nil || *m.DaysUntilZero != 309969 {
		t.Fatalf("days until zero = %v", m.DaysUntilZero)
	}
}

func TestComputeMetricsNoExpenseNoProjection(t *testing.T) {
	today := core.NewDate(2025, 3, 20)
	cur := BuildCalendar(march2025(), []core.Transaction{
		confirmed("s", "salary", core.Income, 1000, core.NewDate(2025, 3, 2)),
	}, nil, nil, today)
	m := ComputeMetrics(cur, cur, nil, today)
	if m.DaysUntilZero != nil {
		t.Fatalf("no spending must not project: %v", *m.DaysUntilZero)
	}
	if m.SavingsRate != 100 {
		t.Fatalf("savings rate = %v", m.SavingsRate)
	}
}

func TestDashboardEngineCompute(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	for i, tx := range []core.Transaction{
		confirmed("jan", "salary", core.Income, 200000, core.NewDate(2025, 1, 31)),
		confirmed("feb", "salary", core.Income, 200000, core.NewDate(2025, 2, 28)),
		confirmed("mar", "salary", core.Income, 250000, core.NewDate(2025, 3, 1)),
		confirmed("rent", "housing", core.Expense, 120000, core.NewDate(2025, 3, 5)),
	} {
		tx.CreatedAt = time.Date(2025, 1, 1, 0, i, 0, 0, time.UTC)
		if err := store.CreateTransaction(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}
	today := func() core.Date { return core.NewDate(2025, 3, 10) }
	engine := NewDashboardEngine(NewCalendarAggregator(store, today, nil), store, today)

	m, err := engine.Compute(ctx, march2025())
	if err != nil {
		t.Fatal(err)
	}
	if m.Income.Cents != 250000 || m.Expenses.Cents != 120000 || m.Variations.Income != 25 {
		t.Fatalf("metrics = %+v", m)
	}
	if len(m.RecentTransactions) != 4 || m.RecentTransactions[0].ID != "rent" {
		t.Fatalf("recent = %+v", m.RecentTransactions)
	}
	if m.MostUsedCategory.Name != "Salary" {
		t.Fatalf("most used = %+v", m.MostUsedCategory)
	}

	// the first supported month compares against an empty predecessor
	first, err := engine.Compute(ctx, core.MonthKey{Year: 1900, Month: 1})
	if err != nil || first.Variations.Income != 0 {
		t.Fatalf("first supported month = %+v, %v", first, err)
	}
}
