// Package storage is the SQLite persistence layer.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"bilancio/internal/core"
)

const timeLayout = time.RFC3339Nano

const transactionColumns = `id, description, amount_cents, type, date, is_scheduled, scheduled_date,
	category_id, credit_card_id, installment_id, recurring_source_id, user_id, created_at`

const recurringColumns = `id, description, amount_cents, type, frequency, start_date, end_date,
	next_due_date, is_active, category_id, credit_card_id, user_id, created_at, updated_at`

const installmentColumns = `id, description, total_amount_cents, installments, current_installment,
	status, start_date, category_id, credit_card_id, created_at, updated_at`

type SQLiteRepository struct {
	db *sql.DB
}

// DSN adds the pragmas every connection needs to a database path.
func DSN(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// DataVersion reads the write counter kept by the store_version triggers.
func (r *SQLiteRepository) DataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := r.db.QueryRowContext(ctx, `SELECT version FROM store_version WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read store version: %w", err)
	}
	return v, nil
}

// inTx runs fn inside a transaction, committing only when fn succeeds.
func (r *SQLiteRepository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapError turns uniqueness violations into core.ErrDuplicate and lock
// contention into core.ErrConflict.
func mapError(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", core.ErrDuplicate, err)
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", core.ErrConflict, err)
		}
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func nullDate(d *core.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDate(ns sql.NullString) (*core.Date, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := core.ParseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanTransaction(s scanner) (core.Transaction, error) {
	var (
		tx            core.Transaction
		amount        int64
		typ, date     string
		scheduled     int
		scheduledDate sql.NullString
		createdAt     string
	)
	err := s.Scan(&tx.ID, &tx.Description, &amount, &typ, &date, &scheduled, &scheduledDate,
		&tx.CategoryID, &tx.CreditCardID, &tx.InstallmentID, &tx.RecurringSourceID, &tx.UserID, &createdAt)
	if err != nil {
		return core.Transaction{}, err
	}
	tx.Amount = core.Money{Cents: amount}
	tx.Type = core.TransactionType(typ)
	tx.IsScheduled = scheduled == 1
	if tx.Date, err = core.ParseDate(date); err != nil {
		return core.Transaction{}, err
	}
	if tx.ScheduledDate, err = parseNullDate(scheduledDate); err != nil {
		return core.Transaction{}, err
	}
	if tx.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return core.Transaction{}, fmt.Errorf("parse created_at: %w", err)
	}
	return tx, nil
}

func insertTransaction(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, tx core.Transaction) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Description, tx.Amount.Cents, string(tx.Type), tx.Date.String(), boolInt(tx.IsScheduled),
		nullDate(tx.ScheduledDate), tx.CategoryID, tx.CreditCardID, tx.InstallmentID, tx.RecurringSourceID,
		tx.UserID, tx.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return mapError(fmt.Errorf("insert transaction %s: %w", tx.ID, err))
	}
	return nil
}

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, tx core.Transaction) error {
	if err := insertTransaction(ctx, r.db, tx); err != nil {
		return err
	}
	slog.DebugContext(ctx, "Transaction saved to SQLite", "id", tx.ID)
	return nil
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, core.ErrNotFound
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

func (r *SQLiteRepository) ConfirmTransaction(ctx context.Context, id string, date core.Date) (core.Transaction, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET is_scheduled = 0, scheduled_date = NULL, date = ?
		 WHERE id = ? AND is_scheduled = 1`,
		date.String(), id)
	if err != nil {
		return core.Transaction{}, mapError(fmt.Errorf("confirm transaction %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetTransaction(ctx, id); err != nil {
			return core.Transaction{}, err
		}
		return core.Transaction{}, core.ErrConflict
	}
	return r.GetTransaction(ctx, id)
}

func (r *SQLiteRepository) DeleteTransaction(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

func (r *SQLiteRepository) ListTransactionsBetween(ctx context.Context, from, to core.Date) ([]core.Transaction, error) {
	txs, err := r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE (is_scheduled = 0 AND date BETWEEN ?1 AND ?2)
		    OR (is_scheduled = 1 AND scheduled_date BETWEEN ?1 AND ?2)
		 ORDER BY COALESCE(scheduled_date, date), created_at, id`,
		from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("list transactions %s..%s: %w", from, to, err)
	}
	return txs, nil
}

func (r *SQLiteRepository) RecentTransactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	txs, err := r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE is_scheduled = 0
		 ORDER BY date DESC, created_at DESC, id DESC
		 LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}
	return txs, nil
}

func scanRecurring(s scanner) (core.RecurringTransaction, error) {
	var (
		rt                     core.RecurringTransaction
		amount                 int64
		typ, freq, start, next string
		end                    sql.NullString
		active                 int
		createdAt, updatedAt   string
	)
	err := s.Scan(&rt.ID, &rt.Description, &amount, &typ, &freq, &start, &end, &next, &active,
		&rt.CategoryID, &rt.CreditCardID, &rt.UserID, &createdAt, &updatedAt)
	if err != nil {
		return core.RecurringTransaction{}, err
	}
	rt.Amount = core.Money{Cents: amount}
	rt.Type = core.TransactionType(typ)
	rt.Frequency = core.Frequency(freq)
	rt.IsActive = active == 1
	if rt.StartDate, err = core.ParseDate(start); err != nil {
		return core.RecurringTransaction{}, err
	}
	if rt.NextDueDate, err = core.ParseDate(next); err != nil {
		return core.RecurringTransaction{}, err
	}
	if rt.EndDate, err = parseNullDate(end); err != nil {
		return core.RecurringTransaction{}, err
	}
	if rt.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return core.RecurringTransaction{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rt.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return core.RecurringTransaction{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rt, nil
}

func (r *SQLiteRepository) CreateRecurring(ctx context.Context, rt core.RecurringTransaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recurring_transactions (`+recurringColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.Description, rt.Amount.Cents, string(rt.Type), string(rt.Frequency), rt.StartDate.String(),
		nullDate(rt.EndDate), rt.NextDueDate.String(), boolInt(rt.IsActive), rt.CategoryID, rt.CreditCardID,
		rt.UserID, rt.CreatedAt.UTC().Format(timeLayout), rt.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return mapError(fmt.Errorf("insert recurring %s: %w", rt.ID, err))
	}
	return nil
}

func (r *SQLiteRepository) GetRecurring(ctx context.Context, id string) (core.RecurringTransaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recurringColumns+` FROM recurring_transactions WHERE id = ?`, id)
	rt, err := scanRecurring(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RecurringTransaction{}, core.ErrNotFound
	}
	if err != nil {
		return core.RecurringTransaction{}, fmt.Errorf("get recurring %s: %w", id, err)
	}
	return rt, nil
}

func (r *SQLiteRepository) queryRecurring(ctx context.Context, query string, args ...any) ([]core.RecurringTransaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

func (r *SQLiteRepository) ListRecurring(ctx context.Context) ([]core.RecurringTransaction, error) {
	rts, err := r.queryRecurring(ctx,
		`SELECT `+recurringColumns+` FROM recurring_transactions ORDER BY next_due_date, id`)
	if err != nil {
		return nil, fmt.Errorf("list recurring: %w", err)
	}
	return rts, nil
}

func (r *SQLiteRepository) ListDueRecurring(ctx context.Context, asOf core.Date) ([]core.RecurringTransaction, error) {
	rts, err := r.queryRecurring(ctx,
		`SELECT `+recurringColumns+` FROM recurring_transactions
		 WHERE is_active = 1 AND next_due_date <= ?1
		   AND (end_date IS NULL OR next_due_date <= end_date)
		 ORDER BY next_due_date, id`,
		asOf.String())
	if err != nil {
		return nil, fmt.Errorf("list due recurring: %w", err)
	}
	return rts, nil
}

func (r *SQLiteRepository) SetRecurringActive(ctx context.Context, id string, active bool) (core.RecurringTransaction, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE recurring_transactions SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return core.RecurringTransaction{}, fmt.Errorf("set recurring active %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.RecurringTransaction{}, core.ErrNotFound
	}
	return r.GetRecurring(ctx, id)
}

// CommitExecution advances next_due_date first so the row's write lock is
// held while the generated transactions are inserted.
func (r *SQLiteRepository) CommitExecution(ctx context.Context, id string, expected, next core.Date, txs []core.Transaction) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE recurring_transactions SET next_due_date = ?, updated_at = ?
			 WHERE id = ? AND next_due_date = ?`,
			next.String(), time.Now().UTC().Format(timeLayout), id, expected.String())
		if err != nil {
			return mapError(fmt.Errorf("advance recurring %s: %w", id, err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM recurring_transactions WHERE id = ?`, id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
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
		return err
	}
	slog.DebugContext(ctx, "Recurring execution committed",
		"recurring_id", id, "transactions", len(txs), "next_due_date", next.String())
	return nil
}

func scanInstallment(s scanner) (core.Installment, error) {
	var (
		in                   core.Installment
		total                int64
		status, start        string
		createdAt, updatedAt string
	)
	err := s.Scan(&in.ID, &in.Description, &total, &in.Installments, &in.CurrentInstallment, &status,
		&start, &in.CategoryID, &in.CreditCardID, &createdAt, &updatedAt)
	if err != nil {
		return core.Installment{}, err
	}
	in.TotalAmount = core.Money{Cents: total}
	in.Status = core.InstallmentStatus(status)
	if in.StartDate, err = core.ParseDate(start); err != nil {
		return core.Installment{}, err
	}
	if in.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return core.Installment{}, fmt.Errorf("parse created_at: %w", err)
	}
	if in.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return core.Installment{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return in, nil
}

func (r *SQLiteRepository) CreateInstallment(ctx context.Context, in core.Installment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO installments (`+installmentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Description, in.TotalAmount.Cents, in.Installments, in.CurrentInstallment, string(in.Status),
		in.StartDate.String(), in.CategoryID, in.CreditCardID,
		in.CreatedAt.UTC().Format(timeLayout), in.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return mapError(fmt.Errorf("insert installment %s: %w", in.ID, err))
	}
	return nil
}

func (r *SQLiteRepository) GetInstallment(ctx context.Context, id string) (core.Installment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+installmentColumns+` FROM installments WHERE id = ?`, id)
	in, err := scanInstallment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Installment{}, core.ErrNotFound
	}
	if err != nil {
		return core.Installment{}, fmt.Errorf("get installment %s: %w", id, err)
	}
	return in, nil
}

func (r *SQLiteRepository) ListInstallments(ctx context.Context) ([]core.Installment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments ORDER BY start_date, id`)
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

func updateInstallment(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, in core.Installment, expectedCurrent int, expectedStatus core.InstallmentStatus) error {
	res, err := q.ExecContext(ctx,
		`UPDATE installments SET current_installment = ?, status = ?, updated_at = ?
		 WHERE id = ? AND current_installment = ? AND status = ?`,
		in.CurrentInstallment, string(in.Status), in.UpdatedAt.UTC().Format(timeLayout),
		in.ID, expectedCurrent, string(expectedStatus))
	if err != nil {
		return mapError(fmt.Errorf("update installment %s: %w", in.ID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrConflict
	}
	return nil
}

func (r *SQLiteRepository) UpdateInstallment(ctx context.Context, in core.Installment, expectedCurrent int, expectedStatus core.InstallmentStatus) error {
	return updateInstallment(ctx, r.db, in, expectedCurrent, expectedStatus)
}

func (r *SQLiteRepository) CreateInstallmentPayment(ctx context.Context, t core.Transaction, in core.Installment, expectedCurrent int) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateInstallment(ctx, tx, in, expectedCurrent, core.InstallmentActive); err != nil {
			return err
		}
		return insertTransaction(ctx, tx, t)
	})
}

func (r *SQLiteRepository) ListCategories(ctx context.Context) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, type FROM categories ORDER BY name`)
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
		c.Type = core.TransactionType(strings.ToUpper(typ))
		out = append(out, c)
	}
	return out, rows.Err()
}

// SeedCategories upserts reference categories, e.g. from a seed file.
func (r *SQLiteRepository) SeedCategories(ctx context.Context, cats []core.Category) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range cats {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO categories (id, name, type) VALUES (?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type`,
				c.ID, c.Name, string(c.Type))
			if err != nil {
				return fmt.Errorf("seed category %s: %w", c.ID, err)
			}
		}
		return nil
	})
}
