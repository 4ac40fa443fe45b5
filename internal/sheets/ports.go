package sheets

import (
	"context"

	"bilancio/internal/core"
)

// Ports for outbound adapters.
type (
	// TransactionMirror keeps a one-row-per-transaction copy of the ledger.
	// Both operations are idempotent so redelivered events are harmless.
	TransactionMirror interface {
		// UpsertTransaction writes tx to the row holding its id, appending a
		// row when none exists, and returns the row reference.
		UpsertTransaction(ctx context.Context, tx core.Transaction) (rowRef string, err error)
		// RemoveTransaction clears the row holding id, if any.
		RemoveTransaction(ctx context.Context, id string) error
	}
)

// Header is the column layout of the mirror sheet.
var Header = []string{"ID", "Date", "Status", "Description", "Amount", "Type", "Category", "Origin"}

// Row renders tx in Header order. Amounts are plain decimal strings.
func Row(tx core.Transaction) []any {
	status := "confirmed"
	if tx.IsScheduled {
		status = "scheduled"
	}
	origin := ""
	switch {
	case tx.RecurringSourceID != "":
		origin = "recurring:" + tx.RecurringSourceID
	case tx.InstallmentID != "":
		origin = "installment:" + tx.InstallmentID
	}
	return []any{
		tx.ID,
		tx.BucketDate().String(),
		status,
		tx.Description,
		tx.Amount.String(),
		string(tx.Type),
		tx.CategoryID,
		origin,
	}
}
