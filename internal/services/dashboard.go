package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"bilancio/internal/core"
)

// recentLimit is the number of transactions listed on the dashboard.
const recentLimit = 10

var hundred = decimal.NewFromInt(100)

// Variations are percentage changes against the previous month.
type Variations struct {
	Income  float64 `json:"income"`
	Expense float64 `json:"expense"`
}

// CategoryUsage names the most used category of a month.
type CategoryUsage struct {
	CategoryID string `json:"categoryId"`
	Name       string `json:"name"`
	Count      int    `json:"count"`
}

// DashboardMetrics is the month-level rollup shown on the dashboard.
type DashboardMetrics struct {
	Month              int                   `json:"month"`
	Year               int                   `json:"year"`
	Income             core.Money            `json:"income"`
	Expenses           core.Money            `json:"expenses"`
	Balance            core.Money            `json:"balance"`
	AvgDailyIncome     core.Money            `json:"avgDailyIncome"`
	AvgDailyExpense    core.Money            `json:"avgDailyExpense"`
	DaysCounted        int                   `json:"daysCounted"`
	Variations         Variations            `json:"variations"`
	SavingsRate        float64               `json:"savingsRate"`
	DaysUntilZero      *int                  `json:"daysUntilZero"`
	MostUsedCategory   *CategoryUsage        `json:"mostUsedCategory"`
	MaxIncome          core.Money            `json:"maxIncome"`
	MaxExpense         core.Money            `json:"maxExpense"`
	ScheduledIncome    core.Money            `json:"scheduledIncome"`
	ScheduledExpense   core.Money            `json:"scheduledExpense"`
	PendingExpense     core.Money            `json:"pendingExpense"`
	ExpenseByCategory  []core.CategoryAmount `json:"expenseByCategory"`
	RecentTransactions []core.Transaction    `json:"recentTransactions"`
}

// percent returns num/den*100 rounded to two decimals, 0 when den is zero.
func percent(num, den decimal.Decimal) float64 {
	if den.IsZero() {
		return 0
	}
	return num.Div(den).Mul(hundred).Round(2).InexactFloat64()
}

// ComputeMetrics derives the dashboard of current from its calendar and the
// previous month's. Averages divide by the days elapsed when current is
// today's month and by the full month length otherwise.
func ComputeMetrics(current, previous *CalendarResult, categories []core.Category, today core.Date) *DashboardMetrics {
	m := &DashboardMetrics{
		Month:              current.Month,
		Year:               current.Year,
		Income:             current.MonthTotals.Income,
		Expenses:           current.MonthTotals.Expense,
		Balance:            current.MonthTotals.Balance,
		ScheduledIncome:    current.MonthTotals.ScheduledIncome,
		ScheduledExpense:   current.MonthTotals.ScheduledExpense,
		PendingExpense:     current.MonthTotals.PendingExpense,
		ExpenseByCategory:  []core.CategoryAmount{},
		RecentTransactions: []core.Transaction{},
	}

	m.DaysCounted = len(current.Days)
	if today.InMonth(current.Year, current.Month) {
		m.DaysCounted = today.Day()
	}
	days := decimal.NewFromInt(int64(m.DaysCounted))
	avgExpense := m.Expenses.Decimal().Div(days)
	m.AvgDailyIncome = core.MoneyFromDecimal(m.Income.Decimal().Div(days))
	m.AvgDailyExpense = core.MoneyFromDecimal(avgExpense)

	prev := previous.MonthTotals
	m.Variations.Income = percent(m.Income.Decimal().Sub(prev.Income.Decimal()), prev.Income.Decimal())
	m.Variations.Expense = percent(m.Expenses.Decimal().Sub(prev.Expense.Decimal()), prev.Expense.Decimal())
	m.SavingsRate = percent(m.Income.Decimal().Sub(m.Expenses.Decimal()), m.Income.Decimal())

	// projected from the unrounded average so sub-cent spending still counts
	if m.Balance.Cents > 0 && avgExpense.IsPositive() {
		n := int(m.Balance.Decimal().Div(avgExpense).Ceil().IntPart())
		m.DaysUntilZero = &n
	}

	names := make(map[string]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}
	nameOf := func(id string) string {
		if n, ok := names[id]; ok && n != "" {
			return n
		}
		return id
	}

	counts := make(map[string]int)
	var order []string
	byCategory := make(map[string]*core.CategoryAmount)
	var expenseOrder []string
	for _, key := range current.Days {
		for _, e := range current.ConfirmedByDay[key] {
			if _, seen := counts[e.CategoryID]; !seen {
				order = append(order, e.CategoryID)
			}
			counts[e.CategoryID]++

			if e.Type == core.Income {
				if e.Amount.Cents > m.MaxIncome.Cents {
					m.MaxIncome = e.Amount
				}
				continue
			}
			if e.Amount.Cents > m.MaxExpense.Cents {
				m.MaxExpense = e.Amount
			}
			ca, ok := byCategory[e.CategoryID]
			if !ok {
				ca = &core.CategoryAmount{CategoryID: e.CategoryID, Name: nameOf(e.CategoryID)}
				byCategory[e.CategoryID] = ca
				expenseOrder = append(expenseOrder, e.CategoryID)
			}
			ca.Amount = ca.Amount.Add(e.Amount)
			ca.Count++
		}
	}

	// strict comparison keeps the first encountered category on ties
	for _, id := range order {
		if m.MostUsedCategory == nil || counts[id] > m.MostUsedCategory.Count {
			m.MostUsedCategory = &CategoryUsage{CategoryID: id, Name: nameOf(id), Count: counts[id]}
		}
	}
	for _, id := range expenseOrder {
		m.ExpenseByCategory = append(m.ExpenseByCategory, *byCategory[id])
	}
	return m
}

// DashboardSource is the read side DashboardEngine needs beyond the calendar.
type DashboardSource interface {
	CategoryReader
	RecentTransactions(ctx context.Context, limit int) ([]core.Transaction, error)
}

// DashboardEngine computes dashboard metrics on top of the calendar.
type DashboardEngine struct {
	calendar *CalendarAggregator
	source   DashboardSource
	today    func() core.Date
}

func NewDashboardEngine(calendar *CalendarAggregator, source DashboardSource, today func() core.Date) *DashboardEngine {
	return &DashboardEngine{calendar: calendar, source: source, today: today}
}

// Compute builds the metrics of month against the month before it.
func (d *DashboardEngine) Compute(ctx context.Context, month core.MonthKey) (*DashboardMetrics, error) {
	if err := month.Validate(); err != nil {
		return nil, err
	}
	var (
		current, previous *CalendarResult
		categories        []core.Category
		recent            []core.Transaction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		current, err = d.calendar.Aggregate(gctx, month)
		return err
	})
	g.Go(func() (err error) {
		prev := month.Prev()
		if prev.Validate() != nil {
			previous = BuildCalendar(prev, nil, nil, nil, d.today())
			return nil
		}
		previous, err = d.calendar.Aggregate(gctx, prev)
		return err
	})
	g.Go(func() (err error) {
		categories, err = d.source.ListCategories(gctx)
		return err
	})
	g.Go(func() (err error) {
		recent, err = d.source.RecentTransactions(gctx, recentLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute dashboard %04d-%02d: %w", month.Year, month.Month, err)
	}

	m := ComputeMetrics(current, previous, categories, d.today())
	if recent != nil {
		m.RecentTransactions = recent
	}
	return m, nil
}
