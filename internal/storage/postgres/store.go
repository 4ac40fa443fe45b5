// Package postgres stores the ledger in PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bilancio/internal/core"
)

const transactionColumns = `id, description, amount_cents, type, date, is_scheduled, scheduled_date,
	category_id, credit_card_id, installment_id, recurring_source_id, user_id, created_at`

const recurringColumns = `id, description, amount_cents, type, frequency, start_date, end_date,
	next_due_date, is_active, category_id, credit_card_id, user_id, created_at, updated_at`

const installmentColumns = `id, description, total_amount_cents, installments, current_installment,
	status, start_date, category_id, credit_card_id, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

// Open migrates the database at url and connects a pool to it.
func Open(ctx context.Context, url string) (*Store, error) {
	if err := RunMigrations(url); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// DataVersion reads the write counter kept by the store_version triggers.
func (s *Store) DataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.pool.QueryRow(ctx, `SELECT version FROM store_version WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read store version: %w", err)
	}
	return v, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// mapError turns unique violations into core.ErrDuplicate and
// serialization failures into core.ErrConflict so callers can retry.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %v", core.ErrDuplicate, err)
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return fmt.Errorf("%w: %v", core.ErrConflict, err)
		}
	}
	return err
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func datePtr(d *core.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

func fromPtr(t *time.Time) *core.Date {
	if t == nil {
		return nil
	}
	d := core.DateOf(*t)
	return &d
}

func scanTransaction(row pgx.Row) (core.Transaction, error) {
	var (
		tx            core.Transaction
		typ           string
		date          time.Time
		scheduledDate *time.Time
	)
	err := row.Scan(&tx.ID, &tx.Description, &tx.Amount.Cents, &typ, &date, &tx.IsScheduled, &scheduledDate,
		&tx.CategoryID, &tx.CreditCardID, &tx.InstallmentID, &tx.RecurringSourceID, &tx.UserID, &tx.CreatedAt)
	if err != nil {
		return core.Transaction{}, err
	}
	tx.Type = core.TransactionType(typ)
	tx.Date = core.DateOf(date)
	tx.ScheduledDate = fromPtr(scheduledDate)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

func insertTransaction(ctx context.Context, q execer, tx core.Transaction) error {
	_, err := q.Exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.ID, tx.Description, tx.Amount.Cents, string(tx.Type), tx.Date.Time, tx.IsScheduled,
		datePtr(tx.ScheduledDate), tx.CategoryID, tx.CreditCardID, tx.InstallmentID, tx.RecurringSourceID,
		tx.UserID, tx.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert transaction %s: %w", tx.ID, err))
	}
	return nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx core.Transaction) error {
	return insertTransaction(ctx, s.pool, tx)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	tx, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Transaction{}, core.ErrNotFound
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

func (s *Store) ConfirmTransaction(ctx context.Context, id string, date core.Date) (core.Transaction, error) {
	tx, err := scanTransaction(s.pool.QueryRow(ctx,
		`UPDATE transactions SET is_scheduled = FALSE, scheduled_date = NULL, date = $1
		 WHERE id = $2 AND is_scheduled
		 RETURNING `+transactionColumns,
		date.Time, id))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return core.Transaction{}, err
		}
		return core.Transaction{}, core.ErrConflict
	}
	if err != nil {
		return core.Transaction{}, mapError(fmt.Errorf("confirm transaction %s: %w", id, err))
	}
	return tx, nil
}

func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]core.Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) ListTransactionsBetween(ctx context.Context, from, to core.Date) ([]core.Transaction, error) {
	txs, err := s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE (NOT is_scheduled AND date BETWEEN $1 AND $2)
		    OR (is_scheduled AND scheduled_date BETWEEN $1 AND $2)
		 ORDER BY COALESCE(scheduled_date, date), created_at, id`,
		from.Time, to.Time)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s..%s: %w", from, to, err)
	}
	return txs, nil
}

func (s *Store) RecentTransactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	txs, err := s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE NOT is_scheduled
		 ORDER BY date DESC, created_at DESC, id DESC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}
	return txs, nil
}

func scanRecurring(row pgx.Row) (core.RecurringTransaction, error) {
	var (
		rt          core.RecurringTransaction
		typ, freq   string
		start, next time.Time
		end         *time.Time
	)
	err := row.Scan(&rt.ID, &rt.Description, &rt.Amount.Cents, &typ, &freq, &start, &end, &next, &rt.IsActive,
		&rt.CategoryID, &rt.CreditCardID, &rt.UserID, &rt.CreatedAt, &rt.UpdatedAt)
	if err != nil {
		return core.RecurringTransaction{}, err
	}
	rt.Type = core.TransactionType(typ)
	rt.Frequency = core.Frequency(freq)
	rt.StartDate = core.DateOf(start)
	rt.NextDueDate = core.DateOf(next)
	rt.EndDate = fromPtr(end)
	rt.CreatedAt, rt.UpdatedAt = rt.CreatedAt.UTC(), rt.UpdatedAt.UTC()
	return rt, nil
}

func (s *Store) CreateRecurring(ctx context.Context, rt core.RecurringTransaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recurring_transactions (`+recurringColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rt.ID, rt.Description, rt.Amount.Cents, string(rt.Type), string(rt.Frequency), rt.StartDate.Time,
		datePtr(rt.EndDate), rt.NextDueDate.Time, rt.IsActive, rt.CategoryID, rt.CreditCardID, rt.UserID,
		rt.CreatedAt, rt.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert recurring %s: %w", rt.ID, err))
	}
	return nil
}

func (s *Store) GetRecurring(ctx context.Context, id string) (core.RecurringTransaction, error) {
	rt, err := scanRecurring(s.pool.QueryRow(ctx,
		`SELECT `+recurringColumns+` FROM recurring_transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.RecurringTransaction{}, core.ErrNotFound
	}
	if err != nil {
		return core.RecurringTransaction{}, fmt.Errorf("get recurring %s: %w", id, err)
	}
	return rt, nil
}

func (s *Store) queryRecurring(ctx context.Context, query string, args ...any) ([]core.RecurringTransaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.RecurringTransaction
	for rows.Next() {
		rt, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (s *Store) ListRecurring(ctx context.Context) ([]core.RecurringTransaction, error) {
	rts, err := s.queryRecurring(ctx,
		`SELECT `+recurringColumns+` FROM recurring_transactions ORDER BY next_due_date, id`)
	if err != nil {
		return nil, fmt.Errorf("list recurring: %w", err)
	}
	return rts, nil
}

func (s *Store) ListDueRecurring(ctx context.Context, asOf core.Date) ([]core.RecurringTransaction, error) {
	rts, err := s.queryRecurring(ctx,
		`SELECT `+recurringColumns+` FROM recurring_transactions
		 WHERE is_active AND next_due_date <= $1
		   AND (end_date IS NULL OR next_due_date <= end_date)
		 ORDER BY next_due_date, id`,
		asOf.Time)
	if err != nil {
		return nil, fmt.Errorf("list due recurring: %w", err)
	}
	return rts, nil
}

func (s *Store) SetRecurringActive(ctx context.Context, id string, active bool) (core.RecurringTransaction, error) {
	rt, err := scanRecurring(s.pool.QueryRow(ctx,
		`UPDATE recurring_transactions SET is_active = $1, updated_at = now()
		 WHERE id = $2
		 RETURNING `+recurringColumns,
		active, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.RecurringTransaction{}, core.ErrNotFound
	}
	if err != nil {
		return core.RecurringTransaction{}, fmt.Errorf("set recurring active %s: %w", id, err)
	}
	return rt, nil
}

func (s *Store) CommitExecution(ctx context.Context, id string, expected, next core.Date, txs []core.Transaction) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE recurring_transactions SET next_due_date = $1, updated_at = now()
			 WHERE id = $2 AND next_due_date = $3`,
			next.Time, id, expected.Time)
		if err != nil {
			return mapError(fmt.Errorf("advance recurring %s: %w", id, err))
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM recurring_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return core.ErrNotFound
			}
			return core.ErrConflict
		}
		for _, t := range txs {
			if err := insertTransaction(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapError(err)
	}
	slog.DebugContext(ctx, "Recurring execution committed",
		"recurring_id", id, "transactions", len(txs), "next_due_date", next.String())
	return nil
}

func scanInstallment(row pgx.Row) (core.Installment, error) {
	var (
		in     core.Installment
		status string
		start  time.Time
	)
	err := row.Scan(&in.ID, &in.Description, &in.TotalAmount.Cents, &in.Installments, &in.CurrentInstallment,
		&status, &start, &in.CategoryID, &in.CreditCardID, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return core.Installment{}, err
	}
	in.Status = core.InstallmentStatus(status)
	in.StartDate = core.DateOf(start)
	in.CreatedAt, in.UpdatedAt = in.CreatedAt.UTC(), in.UpdatedAt.UTC()
	return in, nil
}

func (s *Store) CreateInstallment(ctx context.Context, in core.Installment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO installments (`+installmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		in.ID, in.Description, in.TotalAmount.Cents, in.Installments, in.CurrentInstallment, string(in.Status),
		in.StartDate.Time, in.CategoryID, in.CreditCardID, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert installment %s: %w", in.ID, err))
	}
	return nil
}

func (s *Store) GetInstallment(ctx context.Context, id string) (core.Installment, error) {
	in, err := scanInstallment(s.pool.QueryRow(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Installment{}, core.ErrNotFound
	}
	if err != nil {
		return core.Installment{}, fmt.Errorf("get installment %s: %w", id, err)
	}
	return in, nil
}

func (s *Store) ListInstallments(ctx context.Context) ([]core.Installment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+installmentColumns+` FROM installments ORDER BY start_date, id`)
	if err != nil {
		return nil, fmt.Errorf("list installments: %w", err)
	}
	defer rows.Close()

	var out []core.Installment
	for rows.Next() {
		in, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("list installments: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func updateInstallment(ctx context.Context, q execer, in core.Installment, expectedCurrent int, expectedStatus core.InstallmentStatus) error {
	tag, err := q.Exec(ctx,
		`UPDATE installments SET current_installment = $1, status = $2, updated_at = $3
		 WHERE id = $4 AND current_installment = $5 AND status = $6`,
		in.CurrentInstallment, string(in.Status), in.UpdatedAt, in.ID, expectedCurrent, string(expectedStatus))
	if err != nil {
		return mapError(fmt.Errorf("update installment %s: %w", in.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return core.ErrConflict
	}
	return nil
}

func (s *Store) UpdateInstallment(ctx context.Context, in core.Installment, expectedCurrent int, expectedStatus core.InstallmentStatus) error {
	return updateInstallment(ctx, s.pool, in, expectedCurrent, expectedStatus)
}

func (s *Store) CreateInstallmentPayment(ctx context.Context, t core.Transaction, in core.Installment, expectedCurrent int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := updateInstallment(ctx, tx, in, expectedCurrent, core.InstallmentActive); err != nil {
			return err
		}
		return insertTransaction(ctx, tx, t)
	})
}

func (s *Store) ListCategories(ctx context.Context) ([]core.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, type FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		var c core.Category
		var typ string
		if err := rows.Scan(&c.ID, &c.Name, &typ); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.Type = core.TransactionType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SeedCategories upserts reference categories.
func (s *Store) SeedCategories(ctx context.Context, cats []core.Category) error {
	batch := &pgx.Batch{}
	for _, c := range cats {
		batch.Queue(`INSERT INTO categories (id, name, type) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type`,
			c.ID, c.Name, string(c.Type))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed categories: %w", err)
	}
	return nil
}
