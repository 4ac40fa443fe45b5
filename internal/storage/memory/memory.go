// Package memory is an in-process store for tests and DATA_BACKEND=memory.
package memory

import (
	"bufio"
	"cmp"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"bilancio/internal/core"
)

// Store keeps every record in maps guarded by one mutex, so each method is a
// single atomic unit.
type Store struct {
	mu           sync.Mutex
	version      int64
	cats         []core.Category
	transactions map[string]core.Transaction
	recurring    map[string]core.RecurringTransaction
	installments map[string]core.Installment
}

func New(cats []core.Category) *Store {
	return &Store{
		cats:         dedupe(cats),
		transactions: make(map[string]core.Transaction),
		recurring:    make(map[string]core.RecurringTransaction),
		installments: make(map[string]core.Installment),
	}
}

// DefaultCategories seeds the store when no seed file is found.
func DefaultCategories() []core.Category {
	return []core.Category{
		{ID: "salary", Name: "Salary", Type: core.Income},
		{ID: "housing", Name: "Housing", Type: core.Expense},
		{ID: "food", Name: "Food", Type: core.Expense},
		{ID: "transport", Name: "Transport", Type: core.Expense},
		{ID: "utilities", Name: "Utilities", Type: core.Expense},
	}
}

// SeedFile holds one "id|name|TYPE" category record per line.
const SeedFile = "seed_categories.txt"

// NewFromFiles loads categories from base/SeedFile, falling back to
// DefaultCategories.
func NewFromFiles(base string) *Store {
	cats := ReadCategories(filepath.Join(base, SeedFile))
	if len(cats) == 0 {
		cats = DefaultCategories()
	}
	return New(cats)
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// DataVersion counts successful writes.
func (s *Store) DataVersion(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

// sourceDateTaken reports whether a confirmed transaction other than tx
// already carries tx's recurring source and date.
func (s *Store) sourceDateTaken(tx core.Transaction) bool {
	if tx.RecurringSourceID == "" || tx.IsScheduled {
		return false
	}
	for id, other := range s.transactions {
		if id != tx.ID && !other.IsScheduled && other.RecurringSourceID == tx.RecurringSourceID && other.Date.Equal(tx.Date) {
			return true
		}
	}
	return false
}

func (s *Store) ListCategories(context.Context) ([]core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cats), nil
}

func (s *Store) CreateTransaction(_ context.Context, tx core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[tx.ID]; ok || s.sourceDateTaken(tx) {
		return core.ErrDuplicate
	}
	s.transactions[tx.ID] = tx
	s.version++
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return core.Transaction{}, core.ErrNotFound
	}
	return tx, nil
}

func (s *Store) ConfirmTransaction(_ context.Context, id string, date core.Date) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return core.Transaction{}, core.ErrNotFound
	}
	if !tx.IsScheduled {
		return core.Transaction{}, core.ErrConflict
	}
	tx.IsScheduled = false
	tx.ScheduledDate = nil
	tx.Date = date
	if s.sourceDateTaken(tx) {
		return core.Transaction{}, core.ErrDuplicate
	}
	s.transactions[id] = tx
	s.version++
	return tx, nil
}

func (s *Store) DeleteTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.transactions, id)
	s.version++
	return nil
}

func (s *Store) ListTransactionsBetween(_ context.Context, from, to core.Date) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Transaction
	for _, tx := range s.transactions {
		d := tx.BucketDate()
		if !d.Before(from) && !d.After(to) {
			out = append(out, tx)
		}
	}
	sortTransactions(out)
	return out, nil
}

func (s *Store) RecentTransactions(_ context.Context, limit int) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Transaction
	for _, tx := range s.transactions {
		if !tx.IsScheduled {
			out = append(out, tx)
		}
	}
	sortTransactions(out)
	slices.Reverse(out)
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortTransactions orders by bucket date, creation time, then id.
func sortTransactions(txs []core.Transaction) {
	slices.SortFunc(txs, func(a, b core.Transaction) int {
		if c := a.BucketDate().Compare(b.BucketDate().Time); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func (s *Store) CreateRecurring(_ context.Context, rt core.RecurringTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recurring[rt.ID]; ok {
		return core.ErrDuplicate
	}
	s.recurring[rt.ID] = rt
	s.version++
	return nil
}

func (s *Store) GetRecurring(_ context.Context, id string) (core.RecurringTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.recurring[id]
	if !ok {
		return core.RecurringTransaction{}, core.ErrNotFound
	}
	return rt, nil
}

func (s *Store) ListRecurring(context.Context) ([]core.RecurringTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.RecurringTransaction, 0, len(s.recurring))
	for _, rt := range s.recurring {
		out = append(out, rt)
	}
	sortRecurring(out)
	return out, nil
}

func (s *Store) ListDueRecurring(_ context.Context, asOf core.Date) ([]core.RecurringTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.RecurringTransaction
	for _, rt := range s.recurring {
		if rt.IsDue(asOf) {
			out = append(out, rt)
		}
	}
	sortRecurring(out)
	return out, nil
}

func sortRecurring(rts []core.RecurringTransaction) {
	slices.SortFunc(rts, func(a, b core.RecurringTransaction) int {
		if c := a.NextDueDate.Compare(b.NextDueDate.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func (s *Store) SetRecurringActive(_ context.Context, id string, active bool) (core.RecurringTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.recurring[id]
	if !ok {
		return core.RecurringTransaction{}, core.ErrNotFound
	}
	rt.IsActive = active
	s.recurring[id] = rt
	s.version++
	return rt, nil
}

func (s *Store) CommitExecution(_ context.Context, id string, expected, next core.Date, txs []core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.recurring[id]
	if !ok {
		return core.ErrNotFound
	}
	if !rt.NextDueDate.Equal(expected) {
		return core.ErrConflict
	}
	for i, tx := range txs {
		if _, dup := s.transactions[tx.ID]; dup || s.sourceDateTaken(tx) {
			return core.ErrDuplicate
		}
		for _, prev := range txs[:i] {
			if prev.ID == tx.ID || (tx.RecurringSourceID != "" && prev.RecurringSourceID == tx.RecurringSourceID && prev.Date.Equal(tx.Date)) {
				return core.ErrDuplicate
			}
		}
	}
	for _, tx := range txs {
		s.transactions[tx.ID] = tx
	}
	rt.NextDueDate = next
	s.recurring[id] = rt
	s.version++
	return nil
}

func (s *Store) CreateInstallment(_ context.Context, in core.Installment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.installments[in.ID]; ok {
		return core.ErrDuplicate
	}
	s.installments[in.ID] = in
	s.version++
	return nil
}

func (s *Store) GetInstallment(_ context.Context, id string) (core.Installment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.installments[id]
	if !ok {
		return core.Installment{}, core.ErrNotFound
	}
	return in, nil
}

func (s *Store) ListInstallments(context.Context) ([]core.Installment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Installment, 0, len(s.installments))
	for _, in := range s.installments {
		out = append(out, in)
	}
	slices.SortFunc(out, func(a, b core.Installment) int {
		if c := a.StartDate.Compare(b.StartDate.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) UpdateInstallment(_ context.Context, in core.Installment, expectedCurrent int, expectedStatus core.InstallmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateInstallmentLocked(in, expectedCurrent, expectedStatus)
}

func (s *Store) updateInstallmentLocked(in core.Installment, expectedCurrent int, expectedStatus core.InstallmentStatus) error {
	cur, ok := s.installments[in.ID]
	if !ok {
		return core.ErrNotFound
	}
	if cur.CurrentInstallment != expectedCurrent || cur.Status != expectedStatus {
		return core.ErrConflict
	}
	cur.CurrentInstallment = in.CurrentInstallment
	cur.Status = in.Status
	cur.UpdatedAt = in.UpdatedAt
	s.installments[in.ID] = cur
	s.version++
	return nil
}

func (s *Store) CreateInstallmentPayment(_ context.Context, tx core.Transaction, in core.Installment, expectedCurrent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.transactions[tx.ID]; dup {
		return core.ErrDuplicate
	}
	if err := s.updateInstallmentLocked(in, expectedCurrent, core.InstallmentActive); err != nil {
		return err
	}
	s.transactions[tx.ID] = tx
	return nil
}

// ReadCategories parses a seed file. Comments, blank and malformed lines are
// skipped and duplicate ids keep their first record.
func ReadCategories(path string) []core.Category {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []core.Category
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if c, ok := ParseCategoryLine(line); ok {
			out = append(out, c)
		}
	}
	return dedupe(out)
}

// ParseCategoryLine parses "id|name|TYPE". The type defaults to EXPENSE and
// the name to the id.
func ParseCategoryLine(line string) (core.Category, bool) {
	parts := strings.Split(line, "|")
	c := core.Category{ID: strings.TrimSpace(parts[0]), Type: core.Expense}
	if c.ID == "" {
		return core.Category{}, false
	}
	c.Name = c.ID
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		c.Name = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		t, err := core.ParseTransactionType(parts[2])
		if err != nil {
			return core.Category{}, false
		}
		c.Type = t
	}
	return c, true
}

func dedupe(in []core.Category) []core.Category {
	seen := map[string]struct{}{}
	out := make([]core.Category, 0, len(in))
	for _, c := range in {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}
