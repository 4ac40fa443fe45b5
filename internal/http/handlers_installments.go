package http

import (
	"net/http"
	"strings"

	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/services"
)

// installmentView is a plan with its per-slot schedule.
type installmentView struct {
	core.Installment
	SlotAmounts     []core.Money `json:"slotAmounts"`
	Remaining       core.Money   `json:"remaining"`
	NextInstallment int          `json:"nextInstallment,omitempty"`
	NextDueDate     *core.Date   `json:"nextDueDate,omitempty"`
}

func viewInstallment(in core.Installment) installmentView {
	v := installmentView{
		Installment: in,
		SlotAmounts: in.SlotAmounts(),
		Remaining:   in.Remaining(),
	}
	if k, ok := in.NextUnpaid(); ok {
		due := in.SlotDate(k)
		v.NextInstallment = k
		v.NextDueDate = &due
	}
	return v
}

func (s *Server) handleCreateInstallment(w http.ResponseWriter, r *http.Request) {
	var req services.PlanInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	req.Description = strings.TrimSpace(req.Description)
	req.CategoryID = strings.TrimSpace(req.CategoryID)

	plan, err := s.svc.Installments.CreatePlan(r.Context(), req)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusCreated, viewInstallment(plan))
}

func (s *Server) handleListInstallments(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.Installments.List(r.Context())
	if err != nil {
		writeError(w, r, log.OpList, err)
		return
	}
	views := make([]installmentView, 0, len(plans))
	for _, p := range plans {
		views = append(views, viewInstallment(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetInstallment(w http.ResponseWriter, r *http.Request) {
	plan, err := s.svc.Installments.Get(r.Context(), pathID(r))
	if err != nil {
		writeError(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, viewInstallment(plan))
}

func (s *Server) handleInstallmentPayment(w http.ResponseWriter, r *http.Request) {
	plan, err := s.svc.Installments.RecordPayment(r.Context(), pathID(r))
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, viewInstallment(plan))
}

func (s *Server) handleCancelInstallment(w http.ResponseWriter, r *http.Request) {
	plan, err := s.svc.Installments.Cancel(r.Context(), pathID(r))
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, viewInstallment(plan))
}
