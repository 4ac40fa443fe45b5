package services

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"bilancio/internal/cache"
	"bilancio/internal/core"
)

// EntryKind tells which source a calendar entry comes from.
type EntryKind string

const (
	EntryConfirmed EntryKind = "confirmed"
	EntryScheduled EntryKind = "scheduled"
	EntryPending   EntryKind = "pending"
)

// maxProjectedPerRecord caps the occurrences walked for one recurring record.
const maxProjectedPerRecord = 1 << 16

// Entry is one event attributed to a day.
type Entry struct {
	ID                string               `json:"id"`
	Kind              EntryKind            `json:"kind"`
	Description       string               `json:"description"`
	Amount            core.Money           `json:"amount"`
	Type              core.TransactionType `json:"type"`
	Date              core.Date            `json:"date"`
	CategoryID        string               `json:"categoryId"`
	CreditCardID      string               `json:"creditCardId,omitempty"`
	InstallmentID     string               `json:"installmentId,omitempty"`
	RecurringSourceID string               `json:"recurringSourceId,omitempty"`
	UserID            string               `json:"userId,omitempty"`
	IsRecurring       bool                 `json:"isRecurring"`
	// Projected entries are derived from a recurring record, not persisted.
	Projected bool `json:"projected,omitempty"`
	Overdue   bool `json:"overdue,omitempty"`
	// Installment slot, for pending entries.
	InstallmentNumber int `json:"installmentNumber,omitempty"`
	InstallmentCount  int `json:"installmentCount,omitempty"`
}

// DailyTotals sums a day's buckets. Income, expense and balance cover
// confirmed entries only.
type DailyTotals struct {
	Income           core.Money `json:"income"`
	Expense          core.Money `json:"expense"`
	Balance          core.Money `json:"balance"`
	ScheduledIncome  core.Money `json:"scheduledIncome"`
	ScheduledExpense core.Money `json:"scheduledExpense"`
	PendingExpense   core.Money `json:"pendingExpense"`
}

func (t DailyTotals) add(o DailyTotals) DailyTotals {
	return DailyTotals{
		Income:           t.Income.Add(o.Income),
		Expense:          t.Expense.Add(o.Expense),
		Balance:          t.Balance.Add(o.Balance),
		ScheduledIncome:  t.ScheduledIncome.Add(o.ScheduledIncome),
		ScheduledExpense: t.ScheduledExpense.Add(o.ScheduledExpense),
		PendingExpense:   t.PendingExpense.Add(o.PendingExpense),
	}
}

// CalendarResult is the per-day read model of one month, keyed by ISO date.
type CalendarResult struct {
	Month             int                    `json:"month"`
	Year              int                    `json:"year"`
	Today             core.Date              `json:"today"`
	Days              []string               `json:"days"`
	TransactionsByDay map[string][]Entry     `json:"transactionsByDay"`
	ConfirmedByDay    map[string][]Entry     `json:"confirmedByDay"`
	ScheduledByDay    map[string][]Entry     `json:"scheduledByDay"`
	PendingByDay      map[string][]Entry     `json:"pendingByDay"`
	DailyTotals       map[string]DailyTotals `json:"dailyTotals"`
	MonthTotals       DailyTotals            `json:"monthTotals"`
}

func transactionEntry(tx core.Transaction) Entry {
	kind := EntryConfirmed
	if tx.IsScheduled {
		kind = EntryScheduled
	}
	return Entry{
		ID:                tx.ID,
		Kind:              kind,
		Description:       tx.Description,
		Amount:            tx.Amount,
		Type:              tx.Type,
		Date:              tx.BucketDate(),
		CategoryID:        tx.CategoryID,
		CreditCardID:      tx.CreditCardID,
		InstallmentID:     tx.InstallmentID,
		RecurringSourceID: tx.RecurringSourceID,
		UserID:            tx.UserID,
		IsRecurring:       tx.RecurringSourceID != "",
	}
}

// BuildCalendar distributes the month's events into day buckets.
//
// Persisted transactions land in confirmedByDay or scheduledByDay depending
// on isScheduled. Occurrences of ACTIVE recurring records from their
// nextDueDate on are projected into scheduledByDay unless a transaction for
// the same record and day already exists. The next unpaid slot of each ACTIVE
// installment plan lands in pendingByDay. Scheduled, projected and pending
// entries dated before today are flagged overdue.
func BuildCalendar(month core.MonthKey, txs []core.Transaction, recurring []core.RecurringTransaction, plans []core.Installment, today core.Date) *CalendarResult {
	first, last := month.First(), month.Last()
	res := &CalendarResult{
		Month:             month.Month,
		Year:              month.Year,
		Today:             today,
		Days:              make([]string, 0, month.Days()),
		TransactionsByDay: make(map[string][]Entry, month.Days()),
		ConfirmedByDay:    make(map[string][]Entry, month.Days()),
		ScheduledByDay:    make(map[string][]Entry, month.Days()),
		PendingByDay:      make(map[string][]Entry, month.Days()),
		DailyTotals:       make(map[string]DailyTotals, month.Days()),
	}
	for d := first; !d.After(last); d = d.AddDays(1) {
		key := d.String()
		res.Days = append(res.Days, key)
		res.TransactionsByDay[key] = []Entry{}
		res.ConfirmedByDay[key] = []Entry{}
		res.ScheduledByDay[key] = []Entry{}
		res.PendingByDay[key] = []Entry{}
		res.DailyTotals[key] = DailyTotals{}
	}

	sorted := slices.Clone(txs)
	slices.SortStableFunc(sorted, func(a, b core.Transaction) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	// recurring id + day already covered by a persisted transaction
	materialized := make(map[string]bool)
	for _, tx := range sorted {
		if tx.RecurringSourceID != "" {
			materialized[tx.RecurringSourceID+"|"+tx.BucketDate().String()] = true
		}
		day := tx.BucketDate()
		if !day.InMonth(month.Year, month.Month) {
			continue
		}
		e := transactionEntry(tx)
		key := day.String()
		if tx.IsScheduled {
			e.Overdue = day.Before(today)
			res.ScheduledByDay[key] = append(res.ScheduledByDay[key], e)
		} else {
			res.ConfirmedByDay[key] = append(res.ConfirmedByDay[key], e)
		}
	}

	for _, rt := range recurring {
		if rt.State() != core.RecurringActive {
			continue
		}
		until := last
		if rt.EndDate != nil && rt.EndDate.Before(until) {
			until = *rt.EndDate
		}
		for _, d := range Occurrences(rt.NextDueDate, until, rt.Frequency, maxProjectedPerRecord) {
			if d.Before(first) || materialized[rt.ID+"|"+d.String()] {
				continue
			}
			key := d.String()
			res.ScheduledByDay[key] = append(res.ScheduledByDay[key], Entry{
				ID:                rt.ID + ":" + key,
				Kind:              EntryScheduled,
				Description:       rt.Description,
				Amount:            rt.Amount,
				Type:              rt.Type,
				Date:              d,
				CategoryID:        rt.CategoryID,
				CreditCardID:      rt.CreditCardID,
				RecurringSourceID: rt.ID,
				UserID:            rt.UserID,
				IsRecurring:       true,
				Projected:         true,
				Overdue:           d.Before(today),
			})
		}
	}

	for _, p := range plans {
		k, ok := p.NextUnpaid()
		if !ok {
			continue
		}
		d := p.SlotDate(k)
		if !d.InMonth(month.Year, month.Month) {
			continue
		}
		key := d.String()
		res.PendingByDay[key] = append(res.PendingByDay[key], Entry{
			ID:                p.ID + ":" + strconv.Itoa(k),
			Kind:              EntryPending,
			Description:       p.Description,
			Amount:            p.SlotAmount(k),
			Type:              core.Expense,
			Date:              d,
			CategoryID:        p.CategoryID,
			CreditCardID:      p.CreditCardID,
			InstallmentID:     p.ID,
			Overdue:           d.Before(today),
			InstallmentNumber: k,
			InstallmentCount:  p.Installments,
		})
	}

	for _, key := range res.Days {
		var t DailyTotals
		for _, e := range res.ConfirmedByDay[key] {
			if e.Type == core.Income {
				t.Income = t.Income.Add(e.Amount)
			} else {
				t.Expense = t.Expense.Add(e.Amount)
			}
		}
		t.Balance = t.Income.Sub(t.Expense)
		for _, e := range res.ScheduledByDay[key] {
			if e.Type == core.Income {
				t.ScheduledIncome = t.ScheduledIncome.Add(e.Amount)
			} else {
				t.ScheduledExpense = t.ScheduledExpense.Add(e.Amount)
			}
		}
		for _, e := range res.PendingByDay[key] {
			t.PendingExpense = t.PendingExpense.Add(e.Amount)
		}
		res.DailyTotals[key] = t
		res.MonthTotals = res.MonthTotals.add(t)

		all := make([]Entry, 0, len(res.ConfirmedByDay[key])+len(res.ScheduledByDay[key])+len(res.PendingByDay[key]))
		all = append(all, res.ConfirmedByDay[key]...)
		all = append(all, res.ScheduledByDay[key]...)
		all = append(all, res.PendingByDay[key]...)
		res.TransactionsByDay[key] = all
	}
	return res
}

// CalendarSource is the read side CalendarAggregator pulls from.
type CalendarSource interface {
	DataVersioner
	ListTransactionsBetween(ctx context.Context, from, to core.Date) ([]core.Transaction, error)
	ListRecurring(ctx context.Context) ([]core.RecurringTransaction, error)
	ListInstallments(ctx context.Context) ([]core.Installment, error)
}

// CalendarAggregator reads a month's records and builds its calendar.
type CalendarAggregator struct {
	source CalendarSource
	today  func() core.Date
	cache  cache.Cache[CalendarKey, *CalendarResult]
	// generation moves on every Invalidate; loads that straddle one are
	// not cached.
	generation atomic.Uint64
}

// CalendarKey identifies a cached calendar. Overdue flags depend on the day
// the calendar was built, so today is part of the key. Version is the store
// data version read before loading, so writes from other processes miss.
type CalendarKey struct {
	Month   core.MonthKey
	Today   string
	Version int64
}

// NewCalendarAggregator creates an aggregator. c may be nil to disable caching.
func NewCalendarAggregator(source CalendarSource, today func() core.Date, c cache.Cache[CalendarKey, *CalendarResult]) *CalendarAggregator {
	return &CalendarAggregator{source: source, today: today, cache: c}
}

// Aggregate returns the calendar of month. Cached results are shared and must
// not be modified.
func (a *CalendarAggregator) Aggregate(ctx context.Context, month core.MonthKey) (*CalendarResult, error) {
	if err := month.Validate(); err != nil {
		return nil, err
	}
	today := a.today()
	gen := a.generation.Load()
	version, err := a.source.DataVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read data version: %w", err)
	}
	key := CalendarKey{Month: month, Today: today.String(), Version: version}
	if a.cache != nil {
		if res, ok := a.cache.Get(key); ok {
			return res, nil
		}
	}

	var (
		txs       []core.Transaction
		recurring []core.RecurringTransaction
		plans     []core.Installment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		txs, err = a.source.ListTransactionsBetween(gctx, month.First(), month.Last())
		return err
	})
	g.Go(func() (err error) {
		recurring, err = a.source.ListRecurring(gctx)
		return err
	})
	g.Go(func() (err error) {
		plans, err = a.source.ListInstallments(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load calendar %04d-%02d: %w", month.Year, month.Month, err)
	}

	res := BuildCalendar(month, txs, recurring, plans, today)
	if a.cache != nil && a.generation.Load() == gen {
		a.cache.Set(key, res)
	}
	return res, nil
}

// CacheStats reports calendar cache counters. ok is false when caching is off.
func (a *CalendarAggregator) CacheStats() (stats cache.Stats, ok bool) {
	if a.cache == nil {
		return cache.Stats{}, false
	}
	return a.cache.Stats(), true
}

// Invalidate drops every cached calendar. Loads already in flight finish but
// do not repopulate the cache.
func (a *CalendarAggregator) Invalidate() {
	a.generation.Add(1)
	if a.cache != nil {
		a.cache.Purge()
	}
}
