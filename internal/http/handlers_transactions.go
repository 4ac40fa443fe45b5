package http

import (
	"net/http"
	"strings"

	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/services"
)

type transactionRequest struct {
	Description   string     `json:"description"`
	Amount        core.Money `json:"amount"`
	Type          string     `json:"type"`
	Date          core.Date  `json:"date"`
	IsScheduled   bool       `json:"isScheduled"`
	ScheduledDate *core.Date `json:"scheduledDate"`
	CategoryID    string     `json:"categoryId"`
	CreditCardID  string     `json:"creditCardId"`
	InstallmentID string     `json:"installmentId"`
	UserID        string     `json:"userId"`
}

func (req transactionRequest) toNewTransaction() (services.NewTransaction, error) {
	typ, err := core.ParseTransactionType(req.Type)
	if err != nil {
		return services.NewTransaction{}, err
	}
	// a scheduled transaction is dated on its scheduled day until confirmed
	date := req.Date
	if date.IsZero() && req.IsScheduled && req.ScheduledDate != nil {
		date = *req.ScheduledDate
	}
	scheduled := req.ScheduledDate
	if scheduled != nil && scheduled.IsZero() {
		scheduled = nil
	}
	return services.NewTransaction{
		Description:   strings.TrimSpace(req.Description),
		Amount:        req.Amount,
		Type:          typ,
		Date:          date,
		IsScheduled:   req.IsScheduled,
		ScheduledDate: scheduled,
		CategoryID:    strings.TrimSpace(req.CategoryID),
		CreditCardID:  strings.TrimSpace(req.CreditCardID),
		InstallmentID: strings.TrimSpace(req.InstallmentID),
		UserID:        strings.TrimSpace(req.UserID),
	}, nil
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	in, err := req.toNewTransaction()
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}

	tx, err := s.svc.Transactions.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	s.invalidate()
	log.NewStructuredLogger(log.FromContext(r.Context())).
		LogTransactionCreated(r.Context(), tx.ID, tx.Amount.Cents, string(tx.Type), tx.IsScheduled)
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.svc.Transactions.Get(r.Context(), pathID(r))
	if err != nil {
		writeError(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type confirmRequest struct {
	Date core.Date `json:"date"`
}

// handleConfirmTransaction confirms a scheduled transaction, dated today
// unless the body names another day.
func (s *Server) handleConfirmTransaction(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, r, log.OpConfirm, err)
		return
	}
	on := req.Date
	if on.IsZero() {
		on = s.today()
	}

	tx, err := s.svc.Transactions.Confirm(r.Context(), pathID(r), on)
	if err != nil {
		writeError(w, r, log.OpConfirm, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Transactions.Delete(r.Context(), pathID(r)); err != nil {
		writeError(w, r, log.OpDelete, err)
		return
	}
	s.invalidate()
	w.WriteHeader(http.StatusNoContent)
}
