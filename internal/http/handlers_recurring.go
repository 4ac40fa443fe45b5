package http

import (
	"errors"
	"net/http"
	"strings"

	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/services"
)

type recurringRequest struct {
	Description  string     `json:"description"`
	Amount       core.Money `json:"amount"`
	Type         string     `json:"type"`
	Frequency    string     `json:"frequency"`
	StartDate    core.Date  `json:"startDate"`
	EndDate      *core.Date `json:"endDate"`
	CategoryID   string     `json:"categoryId"`
	CreditCardID string     `json:"creditCardId"`
	UserID       string     `json:"userId"`
}

// recurringView is a record with its derived lifecycle state.
type recurringView struct {
	core.RecurringTransaction
	State core.RecurringState `json:"state"`
}

func viewRecurring(rt core.RecurringTransaction) recurringView {
	return recurringView{RecurringTransaction: rt, State: rt.State()}
}

type executeResponse struct {
	Status       string             `json:"status"`
	Transactions []core.Transaction `json:"transactions"`
	NextDueDate  *core.Date         `json:"nextDueDate,omitempty"`
}

func (s *Server) handleCreateRecurring(w http.ResponseWriter, r *http.Request) {
	var req recurringRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	typ, err := core.ParseTransactionType(req.Type)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	freq, err := core.ParseFrequency(req.Frequency)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	end := req.EndDate
	if end != nil && end.IsZero() {
		end = nil
	}

	rt, err := s.svc.Recurring.Create(r.Context(), services.RecurringInput{
		Description:  strings.TrimSpace(req.Description),
		Amount:       req.Amount,
		Type:         typ,
		Frequency:    freq,
		StartDate:    req.StartDate,
		EndDate:      end,
		CategoryID:   strings.TrimSpace(req.CategoryID),
		CreditCardID: strings.TrimSpace(req.CreditCardID),
		UserID:       strings.TrimSpace(req.UserID),
	})
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusCreated, viewRecurring(rt))
}

func (s *Server) handleListRecurring(w http.ResponseWriter, r *http.Request) {
	rts, err := s.svc.Recurring.List(r.Context())
	if err != nil {
		writeError(w, r, log.OpList, err)
		return
	}
	views := make([]recurringView, 0, len(rts))
	for _, rt := range rts {
		views = append(views, viewRecurring(rt))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRecurring(w http.ResponseWriter, r *http.Request) {
	rt, err := s.svc.Recurring.Get(r.Context(), pathID(r))
	if err != nil {
		writeError(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRecurring(rt))
}

type updateRecurringRequest struct {
	IsActive *bool `json:"isActive"`
}

func (s *Server) handleUpdateRecurring(w http.ResponseWriter, r *http.Request) {
	var req updateRecurringRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	if req.IsActive == nil {
		writeError(w, r, log.OpUpdate, core.Invalid("isActive", errors.New("isActive is required")))
		return
	}

	rt, err := s.svc.Recurring.SetActive(r.Context(), pathID(r), *req.IsActive)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, viewRecurring(rt))
}

// handleExecuteRecurring generates every occurrence due up to today. A
// record that is not yet due answers 200 with an empty batch.
func (s *Server) handleExecuteRecurring(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := pathID(r)
	today := s.today()

	txs, err := s.svc.Recurring.Execute(ctx, id, today)
	if errors.Is(err, core.ErrNotDue) {
		writeJSON(w, http.StatusOK, executeResponse{Status: "not_due", Transactions: []core.Transaction{}})
		return
	}
	if err != nil {
		writeError(w, r, log.OpExecute, err)
		return
	}
	s.invalidate()

	// the batch ends on the last owed period, so the next due date is one
	// period after it
	resp := executeResponse{Status: "executed", Transactions: txs}
	var nextDue string
	if rt, err := s.svc.Recurring.Get(ctx, id); err == nil && len(txs) > 0 {
		next := services.NextOccurrence(txs[len(txs)-1].Date, rt.Frequency)
		resp.NextDueDate = &next
		nextDue = next.String()
	}
	log.NewStructuredLogger(log.FromContext(ctx)).
		LogRecurringExecuted(ctx, id, today.String(), len(txs), nextDue)
	writeJSON(w, http.StatusOK, resp)
}

// handleExecuteDue runs the batch scheduler for today on demand.
func (s *Server) handleExecuteDue(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Recurring.ExecuteDue(r.Context(), s.today())
	if err != nil {
		writeError(w, r, log.OpExecute, err)
		return
	}
	if report.Transactions > 0 {
		s.invalidate()
	}
	writeJSON(w, http.StatusOK, report)
}
