package services

import (
	"context"

	"bilancio/internal/core"
)

// Event kinds published after a committed write.
const (
	EventTransactionCreated   = "transaction.created"
	EventTransactionConfirmed = "transaction.confirmed"
	EventTransactionDeleted   = "transaction.deleted"
	EventInstallmentCompleted = "installment.completed"
)

// TransactionStore persists Transaction records.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx core.Transaction) error
	GetTransaction(ctx context.Context, id string) (core.Transaction, error)
	// ConfirmTransaction clears the schedule of a scheduled transaction and
	// sets its economic date. ErrConflict when it is already confirmed.
	ConfirmTransaction(ctx context.Context, id string, date core.Date) (core.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	// ListTransactionsBetween returns every transaction whose bucket date
	// (scheduledDate while scheduled, date otherwise) lies in [from, to].
	ListTransactionsBetween(ctx context.Context, from, to core.Date) ([]core.Transaction, error)
	// RecentTransactions returns confirmed transactions, newest first.
	RecentTransactions(ctx context.Context, limit int) ([]core.Transaction, error)
}

// RecurringStore persists RecurringTransaction records.
type RecurringStore interface {
	CreateRecurring(ctx context.Context, rt core.RecurringTransaction) error
	GetRecurring(ctx context.Context, id string) (core.RecurringTransaction, error)
	ListRecurring(ctx context.Context) ([]core.RecurringTransaction, error)
	// ListDueRecurring returns active records with nextDueDate <= asOf.
	ListDueRecurring(ctx context.Context, asOf core.Date) ([]core.RecurringTransaction, error)
	SetRecurringActive(ctx context.Context, id string, active bool) (core.RecurringTransaction, error)
	// CommitExecution inserts txs and moves nextDueDate from expected to next
	// in one unit. ErrConflict when the stored nextDueDate is not expected,
	// ErrDuplicate when a confirmed transaction from the same source already
	// sits on one of the dates.
	CommitExecution(ctx context.Context, id string, expected, next core.Date, txs []core.Transaction) error
}

// InstallmentStore persists Installment plans.
type InstallmentStore interface {
	CreateInstallment(ctx context.Context, in core.Installment) error
	GetInstallment(ctx context.Context, id string) (core.Installment, error)
	ListInstallments(ctx context.Context) ([]core.Installment, error)
	// UpdateInstallment writes progress and status of in, provided the stored
	// plan still has currentInstallment == expectedCurrent and
	// status == expectedStatus. ErrConflict otherwise.
	UpdateInstallment(ctx context.Context, in core.Installment, expectedCurrent int, expectedStatus core.InstallmentStatus) error
	// CreateInstallmentPayment inserts tx and applies UpdateInstallment in one unit.
	CreateInstallmentPayment(ctx context.Context, tx core.Transaction, in core.Installment, expectedCurrent int) error
}

// CategoryReader reads category reference data. Categories are never written.
type CategoryReader interface {
	ListCategories(ctx context.Context) ([]core.Category, error)
}

// DataVersioner reports a counter that moves whenever a transaction,
// recurring record or installment plan is written, by any process sharing
// the store.
type DataVersioner interface {
	DataVersion(ctx context.Context) (int64, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	TransactionStore
	RecurringStore
	InstallmentStore
	CategoryReader
	DataVersioner
	Ping(ctx context.Context) error
	Close() error
}

// EventPublisher delivers domain events to other processes. Publication is
// best effort: committed state is never rolled back on a publish failure.
type EventPublisher interface {
	PublishTransactionEvent(ctx context.Context, kind string, tx core.Transaction) error
	PublishInstallmentEvent(ctx context.Context, kind string, in core.Installment) error
}

type noopPublisher struct{}

func (noopPublisher) PublishTransactionEvent(context.Context, string, core.Transaction) error {
	return nil
}

func (noopPublisher) PublishInstallmentEvent(context.Context, string, core.Installment) error {
	return nil
}
