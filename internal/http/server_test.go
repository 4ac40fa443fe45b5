package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bilancio/internal/cache"
	"bilancio/internal/core"
	"bilancio/internal/services"
	"bilancio/internal/storage/memory"
)

var testToday = core.NewDate(2025, 3, 20)

func newTestServer(t *testing.T, rateLimit int) *Server {
	t.Helper()
	store := memory.New(memory.DefaultCategories())
	today := func() core.Date { return testToday }
	retry := services.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calendar := services.NewCalendarAggregator(store, today,
		cache.NewLRU[services.CalendarKey, *services.CalendarResult](8, time.Minute))
	svc := Services{
		Transactions: services.NewTransactionService(store, nil, retry),
		Recurring:    services.NewRecurringExecutor(store, nil, services.ExecutorConfig{Retry: retry, Concurrency: 2}),
		Installments: services.NewInstallmentTracker(store, nil, retry),
		Calendar:     calendar,
		Dashboard:    services.NewDashboardEngine(calendar, store, today),
		Categories:   store,
	}
	srv := NewServer(":0", svc, store, Options{RateLimitPerMinute: rateLimit, Today: today})
	t.Cleanup(func() { srv.rateLimiter.Stop() })
	return srv
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthReadyAndMetrics(t *testing.T) {
	srv := newTestServer(t, 0)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := do(t, srv, http.MethodGet, path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s: missing request id", path)
		}
		if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("%s: missing security headers", path)
		}
	}

	rr := do(t, srv, http.MethodGet, "/metrics", "")
	for _, want := range []string{"http_requests_total 3", "calendar_cache_entries 0"} {
		if !strings.Contains(rr.Body.String(), want) {
			t.Fatalf("metrics body missing %q:\n%s", want, rr.Body.String())
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, 0)
	rr := do(t, srv, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := decode[errorResponse](t, rr); got.Error == "" {
		t.Fatal("expected a JSON error body")
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	srv := newTestServer(t, 0)

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"empty body", "", "body"},
		{"malformed json", `{"description":`, "body"},
		{"bad amount", `{"description":"x","amount":"abc","type":"EXPENSE","date":"2025-03-01","categoryId":"food"}`, "amount"},
		{"zero amount", `{"description":"x","amount":"0","type":"EXPENSE","date":"2025-03-01","categoryId":"food"}`, "amount"},
		{"negative amount", `{"description":"x","amount":-5,"type":"EXPENSE","date":"2025-03-01","categoryId":"food"}`, "amount"},
		{"bad date", `{"description":"x","amount":"5","type":"EXPENSE","date":"2025-02-30","categoryId":"food"}`, "date"},
		{"bad type", `{"description":"x","amount":"5","type":"GIFT","date":"2025-03-01","categoryId":"food"}`, "type"},
		{"missing description", `{"amount":"5","type":"EXPENSE","date":"2025-03-01","categoryId":"food"}`, "description"},
		{"missing category", `{"description":"x","amount":"5","type":"EXPENSE","date":"2025-03-01"}`, "categoryId"},
		{"scheduled without date", `{"description":"x","amount":"5","type":"EXPENSE","date":"2025-03-01","isScheduled":true,"categoryId":"food"}`, "scheduledDate"},
		{"bad scheduled date", `{"description":"x","amount":"5","type":"EXPENSE","date":"2025-03-01","isScheduled":true,"scheduledDate":"2025-13-01","categoryId":"food"}`, "scheduledDate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, http.MethodPost, "/transactions", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			if got := decode[errorResponse](t, rr); got.Field != tt.wantField {
				t.Errorf("field=%q, want %q (%s)", got.Field, tt.wantField, got.Error)
			}
		})
	}
}

func TestMalformedValuesNameTheirKey(t *testing.T) {
	srv := newTestServer(t, 0)

	tests := []struct {
		name      string
		target    string
		body      string
		wantField string
	}{
		{"recurring end date", "/recurring-transactions", `{"description":"x","amount":"5","type":"EXPENSE","frequency":"DAILY","startDate":"2025-03-01","endDate":"soon","categoryId":"food"}`, "endDate"},
		{"recurring start date", "/recurring-transactions", `{"description":"x","amount":"5","type":"EXPENSE","frequency":"DAILY","startDate":"2025-02-30","categoryId":"food"}`, "startDate"},
		{"installment total", "/installments", `{"description":"Laptop","totalAmount":"abc","installments":3,"startDate":"2025-03-01","categoryId":"food"}`, "totalAmount"},
		{"installment start date", "/installments", `{"description":"Laptop","totalAmount":"900","installments":3,"startDate":"03/01/2025","categoryId":"food"}`, "startDate"},
		{"transaction amount", "/transactions", `{"description":"x","amount":"1.2.3","type":"EXPENSE","date":"2025-03-01","categoryId":"food"}`, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, http.MethodPost, tt.target, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			if got := decode[errorResponse](t, rr); got.Field != tt.wantField {
				t.Errorf("field=%q, want %q (%s)", got.Field, tt.wantField, got.Error)
			}
		})
	}
}

func TestTransactionLifecycle(t *testing.T) {
	srv := newTestServer(t, 0)

	rr := do(t, srv, http.MethodPost, "/transactions",
		`{"description":"Groceries","amount":"42.50","type":"expense","date":"2025-03-05","categoryId":"food"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	created := decode[core.Transaction](t, rr)
	if created.Amount.Cents != 4250 || created.Type != core.Expense || created.IsScheduled {
		t.Fatalf("unexpected transaction %+v", created)
	}

	rr = do(t, srv, http.MethodGet, "/transactions/"+created.ID, "")
	if rr.Code != http.StatusOK || decode[core.Transaction](t, rr).ID != created.ID {
		t.Fatalf("get status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, srv, http.MethodPost, "/transactions/"+created.ID+"/confirm", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("confirming a confirmed transaction: status=%d", rr.Code)
	}

	rr = do(t, srv, http.MethodDelete, "/transactions/"+created.ID, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rr.Code)
	}
	rr = do(t, srv, http.MethodGet, "/transactions/"+created.ID, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", rr.Code)
	}
	rr = do(t, srv, http.MethodDelete, "/transactions/"+created.ID, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d", rr.Code)
	}
}

func TestConfirmScheduledTransaction(t *testing.T) {
	srv := newTestServer(t, 0)

	rr := do(t, srv, http.MethodPost, "/transactions",
		`{"description":"Rent","amount":900,"type":"EXPENSE","isScheduled":true,"scheduledDate":"2025-03-28","categoryId":"housing"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	scheduled := decode[core.Transaction](t, rr)
	if !scheduled.IsScheduled || scheduled.ScheduledDate == nil || scheduled.Date.String() != "2025-03-28" {
		t.Fatalf("unexpected scheduled transaction %+v", scheduled)
	}

	rr = do(t, srv, http.MethodPost, "/transactions/"+scheduled.ID+"/confirm", `{"date":"2025-03-27"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("confirm status=%d body=%s", rr.Code, rr.Body.String())
	}
	confirmed := decode[core.Transaction](t, rr)
	if confirmed.IsScheduled || confirmed.ScheduledDate != nil || confirmed.Date.String() != "2025-03-27" {
		t.Fatalf("unexpected confirmed transaction %+v", confirmed)
	}

	rr = do(t, srv, http.MethodPost, "/transactions/missing/confirm", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("confirm missing status=%d", rr.Code)
	}
}

func TestCalendarReflectsWrites(t *testing.T) {
	srv := newTestServer(t, 0)

	rr := do(t, srv, http.MethodGet, "/transactions/calendar?month=3&year=2025", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("calendar status=%d body=%s", rr.Code, rr.Body.String())
	}
	before := decode[services.CalendarResult](t, rr)
	if len(before.Days) != 31 || len(before.ConfirmedByDay["2025-03-05"]) != 0 {
		t.Fatalf("unexpected empty calendar %+v", before.Days)
	}

	rr = do(t, srv, http.MethodPost, "/transactions",
		`{"description":"Salary","amount":"2000","type":"INCOME","date":"2025-03-05","categoryId":"salary"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d", rr.Code)
	}

	rr = do(t, srv, http.MethodGet, "/transactions/calendar?month=3&year=2025", "")
	after := decode[services.CalendarResult](t, rr)
	if got := len(after.ConfirmedByDay["2025-03-05"]); got != 1 {
		t.Fatalf("calendar served stale data: %d entries on 2025-03-05", got)
	}
	if after.MonthTotals.Income.Cents != 200000 {
		t.Errorf("month income = %v", after.MonthTotals.Income)
	}

	// month and year default to today's
	rr = do(t, srv, http.MethodGet, "/transactions/calendar", "")
	if got := decode[services.CalendarResult](t, rr); got.Month != 3 || got.Year != 2025 {
		t.Errorf("default month = %d-%d", got.Year, got.Month)
	}
}

func TestMonthQueryValidation(t *testing.T) {
	srv := newTestServer(t, 0)

	tests := []struct {
		query     string
		wantField string
	}{
		{"month=13&year=2025", "month"},
		{"month=0&year=2025", "month"},
		{"month=march", "month"},
		{"year=20x5", "year"},
		{"month=1&year=1800", "year"},
	}
	for _, path := range []string{"/transactions/calendar", "/dashboard"} {
		for _, tt := range tests {
			t.Run(path+"?"+tt.query, func(t *testing.T) {
				rr := do(t, srv, http.MethodGet, path+"?"+tt.query, "")
				if rr.Code != http.StatusBadRequest {
					t.Fatalf("status=%d", rr.Code)
				}
				if got := decode[errorResponse](t, rr); got.Field != tt.wantField {
					t.Errorf("field=%q, want %q", got.Field, tt.wantField)
				}
			})
		}
	}
}

func TestDashboard(t *testing.T) {
	srv := newTestServer(t, 0)

	for _, body := range []string{
		`{"description":"Salary","amount":"3000","type":"INCOME","date":"2025-03-01","categoryId":"salary"}`,
		`{"description":"Groceries","amount":"100","type":"EXPENSE","date":"2025-03-02","categoryId":"food"}`,
		`{"description":"More groceries","amount":"50","type":"EXPENSE","date":"2025-03-03","categoryId":"food"}`,
	} {
		if rr := do(t, srv, http.MethodPost, "/transactions", body); rr.Code != http.StatusCreated {
			t.Fatalf("seed status=%d body=%s", rr.Code, rr.Body.String())
		}
	}

	rr := do(t, srv, http.MethodGet, "/dashboard?month=3&year=2025", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("dashboard status=%d body=%s", rr.Code, rr.Body.String())
	}
	m := decode[services.DashboardMetrics](t, rr)
	if m.Income.Cents != 300000 || m.Expenses.Cents != 15000 || m.Balance.Cents != 285000 {
		t.Fatalf("totals = %v / %v / %v", m.Income, m.Expenses, m.Balance)
	}
	if m.MostUsedCategory == nil || m.MostUsedCategory.CategoryID != "food" || m.MostUsedCategory.Name != "Food" {
		t.Errorf("most used category = %+v", m.MostUsedCategory)
	}
	if m.MaxExpense.Cents != 10000 {
		t.Errorf("max expense = %v", m.MaxExpense)
	}
	if len(m.RecentTransactions) != 3 {
		t.Errorf("recent transactions = %d", len(m.RecentTransactions))
	}
}

func TestRecurringExecution(t *testing.T) {
	srv := newTestServer(t, 0)

	rr := do(t, srv, http.MethodPost, "/recurring-transactions",
		`{"description":"Gym","amount":"30","type":"EXPENSE","frequency":"monthly","startDate":"2025-01-15","categoryId":"utilities"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	rt := decode[recurringView](t, rr)
	if rt.State != core.RecurringActive || rt.NextDueDate.String() != "2025-01-15" {
		t.Fatalf("unexpected record %+v", rt)
	}

	rr = do(t, srv, http.MethodPost, "/recurring-transactions/"+rt.ID+"/execute", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("execute status=%d body=%s", rr.Code, rr.Body.String())
	}
	res := decode[executeResponse](t, rr)
	if res.Status != "executed" || len(res.Transactions) != 3 {
		t.Fatalf("execute = %+v", res)
	}
	for i, want := range []string{"2025-01-15", "2025-02-15", "2025-03-15"} {
		if got := res.Transactions[i].Date.String(); got != want {
			t.Errorf("transaction %d dated %s, want %s", i, got, want)
		}
	}
	if res.NextDueDate == nil || res.NextDueDate.String() != "2025-04-15" {
		t.Fatalf("next due = %v", res.NextDueDate)
	}

	rr = do(t, srv, http.MethodPost, "/recurring-transactions/"+rt.ID+"/execute", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("second execute status=%d", rr.Code)
	}
	if res := decode[executeResponse](t, rr); res.Status != "not_due" || len(res.Transactions) != 0 {
		t.Fatalf("second execute = %+v", res)
	}
	if !strings.Contains(rr.Body.String(), `"transactions":[]`) {
		t.Errorf("not_due body should carry an empty list: %s", rr.Body.String())
	}

	rr = do(t, srv, http.MethodGet, "/recurring-transactions/"+rt.ID, "")
	if got := decode[recurringView](t, rr); got.NextDueDate.String() != "2025-04-15" {
		t.Fatalf("stored next due = %s", got.NextDueDate)
	}
}

func TestRecurringPauseAndErrors(t *testing.T) {
	srv := newTestServer(t, 0)

	rr := do(t, srv, http.MethodPost, "/recurring-transactions",
		`{"description":"Paper","amount":"5","type":"EXPENSE","frequency":"WEEKLY","startDate":"2025-03-01","categoryId":"food"}`)
	rt := decode[recurringView](t, rr)

	rr = do(t, srv, http.MethodPut, "/recurring-transactions/"+rt.ID, `{}`)
	if rr.Code != http.StatusBadRequest || decode[errorResponse](t, rr).Field != "isActive" {
		t.Fatalf("missing isActive: status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, srv, http.MethodPut, "/recurring-transactions/"+rt.ID, `{"isActive":false}`)
	if rr.Code != http.StatusOK || decode[recurringView](t, rr).State != core.RecurringPaused {
		t.Fatalf("pause: status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, srv, http.MethodPost, "/recurring-transactions/"+rt.ID+"/execute", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("execute paused: status=%d", rr.Code)
	}
	if got := decode[errorResponse](t, rr); got.State != string(core.RecurringPaused) {
		t.Errorf("state=%q", got.State)
	}

	rr = do(t, srv, http.MethodPost, "/recurring-transactions/unknown/execute", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("execute unknown: status=%d", rr.Code)
	}

	for name, body := range map[string]string{
		"frequency": `{"description":"x","amount":"5","type":"EXPENSE","frequency":"HOURLY","startDate":"2025-03-01","categoryId":"food"}`,
		"endDate":   `{"description":"x","amount":"5","type":"EXPENSE","frequency":"DAILY","startDate":"2025-03-01","endDate":"2025-02-01","categoryId":"food"}`,
	} {
		rr = do(t, srv, http.MethodPost, "/recurring-transactions", body)
		if rr.Code != http.StatusBadRequest || decode[errorResponse](t, rr).Field != name {
			t.Errorf("%s: status=%d body=%s", name, rr.Code, rr.Body.String())
		}
	}

	rr = do(t, srv, http.MethodGet, "/recurring-transactions", "")
	if list := decode[[]recurringView](t, rr); len(list) != 1 {
		t.Fatalf("list = %d records", len(list))
	}
}

func TestExecuteDue(t *testing.T) {
	srv := newTestServer(t, 0)
	for _, body := range []string{
		`{"description":"A","amount":"1","type":"EXPENSE","frequency":"DAILY","startDate":"2025-03-18","categoryId":"food"}`,
		`{"description":"B","amount":"1","type":"EXPENSE","frequency":"YEARLY","startDate":"2025-06-01","categoryId":"food"}`,
	} {
		if rr := do(t, srv, http.MethodPost, "/recurring-transactions", body); rr.Code != http.StatusCreated {
			t.Fatalf("seed status=%d", rr.Code)
		}
	}

	rr := do(t, srv, http.MethodPost, "/recurring-transactions/execute-due", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	report := decode[services.ExecutionReport](t, rr)
	if report.Checked != 1 || report.Executed != 1 || report.Transactions != 3 {
		t.Fatalf("report = %+v", report)
	}
}

func TestInstallmentEndpoints(t *testing.T) {
	srv := newTestServer(t, 0)

	rr := do(t, srv, http.MethodPost, "/installments",
		`{"description":"Laptop","totalAmount":"100.00","installments":3,"startDate":"2025-01-31","categoryId":"utilities"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	plan := decode[installmentView](t, rr)
	want := []int64{3333, 3333, 3334}
	for i, m := range plan.SlotAmounts {
		if m.Cents != want[i] {
			t.Errorf("slot %d = %d, want %d", i+1, m.Cents, want[i])
		}
	}
	if plan.NextInstallment != 1 || plan.NextDueDate == nil || plan.NextDueDate.String() != "2025-01-31" {
		t.Fatalf("next = %d on %v", plan.NextInstallment, plan.NextDueDate)
	}

	rr = do(t, srv, http.MethodPost, "/installments/"+plan.ID+"/next", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("next status=%d body=%s", rr.Code, rr.Body.String())
	}
	paid := decode[installmentView](t, rr)
	if paid.CurrentInstallment != 1 || paid.Remaining.Cents != 6667 || paid.NextDueDate.String() != "2025-02-28" {
		t.Fatalf("after payment %+v", paid)
	}

	// a linked transaction records the next payment at the slot amount
	rr = do(t, srv, http.MethodPost, "/transactions",
		`{"description":"Laptop 2/3","type":"EXPENSE","date":"2025-02-28","categoryId":"utilities","installmentId":"`+plan.ID+`"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("linked transaction status=%d body=%s", rr.Code, rr.Body.String())
	}
	if tx := decode[core.Transaction](t, rr); tx.Amount.Cents != 3333 {
		t.Errorf("linked amount = %d", tx.Amount.Cents)
	}

	rr = do(t, srv, http.MethodPost, "/installments/"+plan.ID+"/cancel", "")
	if rr.Code != http.StatusOK || decode[installmentView](t, rr).Status != core.InstallmentCancelled {
		t.Fatalf("cancel status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(t, srv, http.MethodPost, "/installments/"+plan.ID+"/next", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("payment on cancelled plan: status=%d", rr.Code)
	}

	rr = do(t, srv, http.MethodPost, "/installments",
		`{"description":"Phone","totalAmount":"10","installments":1,"startDate":"2025-01-01","categoryId":"utilities"}`)
	if rr.Code != http.StatusBadRequest || decode[errorResponse](t, rr).Field != "installments" {
		t.Fatalf("single installment: status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, srv, http.MethodGet, "/installments", "")
	if list := decode[[]installmentView](t, rr); len(list) != 1 {
		t.Fatalf("list = %d plans", len(list))
	}
}

func TestRateLimitOnWrites(t *testing.T) {
	srv := newTestServer(t, 1)
	body := `{"description":"x","amount":"1","type":"EXPENSE","date":"2025-03-01","categoryId":"food"}`

	if rr := do(t, srv, http.MethodPost, "/transactions", body); rr.Code != http.StatusCreated {
		t.Fatalf("first write status=%d", rr.Code)
	}
	rr := do(t, srv, http.MethodPost, "/transactions", body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second write status=%d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if rr := do(t, srv, http.MethodGet, "/categories", ""); rr.Code != http.StatusOK {
		t.Fatalf("reads are not limited: status=%d", rr.Code)
	}
}
