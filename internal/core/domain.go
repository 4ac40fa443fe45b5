package core

import (
	"strings"
	"time"
)

const (
	Income  TransactionType = "INCOME"
	Expense TransactionType = "EXPENSE"
)

const (
	Daily      Frequency = "DAILY"
	Weekly     Frequency = "WEEKLY"
	Biweekly   Frequency = "BIWEEKLY"
	Monthly    Frequency = "MONTHLY"
	Quarterly  Frequency = "QUARTERLY"
	Semiannual Frequency = "SEMIANNUAL"
	Yearly     Frequency = "YEARLY"
)

const (
	InstallmentActive    InstallmentStatus = "ACTIVE"
	InstallmentCompleted InstallmentStatus = "COMPLETED"
	InstallmentCancelled InstallmentStatus = "CANCELLED"
)

const (
	RecurringActive RecurringState = "ACTIVE"
	RecurringPaused RecurringState = "PAUSED"
	RecurringEnded  RecurringState = "ENDED"
)

const maxDescriptionLen = 200

type (
	TransactionType   string
	Frequency         string
	InstallmentStatus string
	RecurringState    string

	Transaction struct {
		ID                string          `json:"id"`
		Description       string          `json:"description"`
		Amount            Money           `json:"amount"`
		Type              TransactionType `json:"type"`
		Date              Date            `json:"date"`
		IsScheduled       bool            `json:"isScheduled"`
		ScheduledDate     *Date           `json:"scheduledDate,omitempty"`
		CategoryID        string          `json:"categoryId"`
		CreditCardID      string          `json:"creditCardId,omitempty"`
		InstallmentID     string          `json:"installmentId,omitempty"`
		RecurringSourceID string          `json:"recurringSourceId,omitempty"`
		UserID            string          `json:"userId,omitempty"`
		CreatedAt         time.Time       `json:"createdAt"`
	}

	RecurringTransaction struct {
		ID           string          `json:"id"`
		Description  string          `json:"description"`
		Amount       Money           `json:"amount"`
		Type         TransactionType `json:"type"`
		Frequency    Frequency       `json:"frequency"`
		StartDate    Date            `json:"startDate"`
		EndDate      *Date           `json:"endDate,omitempty"`
		NextDueDate  Date            `json:"nextDueDate"`
		IsActive     bool            `json:"isActive"`
		CategoryID   string          `json:"categoryId"`
		CreditCardID string          `json:"creditCardId,omitempty"`
		UserID       string          `json:"userId,omitempty"`
		CreatedAt    time.Time       `json:"createdAt"`
		UpdatedAt    time.Time       `json:"updatedAt"`
	}

	Installment struct {
		ID                 string            `json:"id"`
		Description        string            `json:"description"`
		TotalAmount        Money             `json:"totalAmount"`
		Installments       int               `json:"installments"`
		CurrentInstallment int               `json:"currentInstallment"`
		Status             InstallmentStatus `json:"status"`
		StartDate          Date              `json:"startDate"`
		CategoryID         string            `json:"categoryId"`
		CreditCardID       string            `json:"creditCardId,omitempty"`
		CreatedAt          time.Time         `json:"createdAt"`
		UpdatedAt          time.Time         `json:"updatedAt"`
	}

	// Category is read-only reference data owned by an external service.
	Category struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Type TransactionType `json:"type"`
	}
)

// Frequencies lists every supported frequency in ascending period order.
var Frequencies = []Frequency{Daily, Weekly, Biweekly, Monthly, Quarterly, Semiannual, Yearly}

// ParseTransactionType maps a boundary string onto the closed TransactionType set.
func ParseTransactionType(s string) (TransactionType, error) {
	switch t := TransactionType(strings.ToUpper(strings.TrimSpace(s))); t {
	case Income, Expense:
		return t, nil
	}
	return "", Invalid("type", ErrInvalidType)
}

// ParseFrequency maps a boundary string onto the closed Frequency set.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToUpper(strings.TrimSpace(s)))
	if f.IsValid() {
		return f, nil
	}
	return "", Invalid("frequency", ErrInvalidFrequency)
}

func (t TransactionType) IsValid() bool {
	return t == Income || t == Expense
}

func (f Frequency) IsValid() bool {
	for _, v := range Frequencies {
		if v == f {
			return true
		}
	}
	return false
}

func validateDescription(desc string) error {
	if len(strings.TrimSpace(desc)) == 0 {
		return Invalid("description", ErrEmptyDescription)
	}
	if len(desc) > maxDescriptionLen {
		return Invalid("description", ErrDescriptionTooLong)
	}
	return nil
}

// BucketDate is the day a transaction belongs to on the calendar: the
// scheduled date while it is scheduled, the economic date once confirmed.
func (t Transaction) BucketDate() Date {
	if t.IsScheduled && t.ScheduledDate != nil {
		return *t.ScheduledDate
	}
	return t.Date
}

func (t Transaction) Validate() error {
	if err := validateDescription(t.Description); err != nil {
		return err
	}
	if err := t.Amount.Validate(); err != nil {
		return Invalid("amount", err)
	}
	if !t.Type.IsValid() {
		return Invalid("type", ErrInvalidType)
	}
	if err := t.Date.Validate(); err != nil {
		return Invalid("date", err)
	}
	if t.IsScheduled {
		if t.ScheduledDate == nil {
			return Invalid("scheduledDate", ErrMissingSchedule)
		}
		if err := t.ScheduledDate.Validate(); err != nil {
			return Invalid("scheduledDate", err)
		}
	} else if t.ScheduledDate != nil {
		return Invalid("scheduledDate", ErrUnexpectedSchedule)
	}
	if strings.TrimSpace(t.CategoryID) == "" {
		return Invalid("categoryId", ErrEmptyCategory)
	}
	if t.InstallmentID != "" && t.RecurringSourceID != "" {
		return Invalid("installmentId", ErrMultipleOrigins)
	}
	return nil
}

// State derives the lifecycle state. A record is ENDED once its next due date
// lies beyond its end date: no further occurrence can ever be produced.
func (rt RecurringTransaction) State() RecurringState {
	if rt.EndDate != nil && rt.NextDueDate.After(*rt.EndDate) {
		return RecurringEnded
	}
	if !rt.IsActive {
		return RecurringPaused
	}
	return RecurringActive
}

// IsDue reports whether an ACTIVE record owes at least one occurrence at asOf.
func (rt RecurringTransaction) IsDue(asOf Date) bool {
	return rt.State() == RecurringActive && !rt.NextDueDate.After(asOf)
}

func (rt RecurringTransaction) Validate() error {
	if err := validateDescription(rt.Description); err != nil {
		return err
	}
	if err := rt.Amount.Validate(); err != nil {
		return Invalid("amount", err)
	}
	if !rt.Type.IsValid() {
		return Invalid("type", ErrInvalidType)
	}
	if !rt.Frequency.IsValid() {
		return Invalid("frequency", ErrInvalidFrequency)
	}
	if err := rt.StartDate.Validate(); err != nil {
		return Invalid("startDate", err)
	}
	if rt.EndDate != nil {
		if err := rt.EndDate.Validate(); err != nil {
			return Invalid("endDate", err)
		}
		if rt.EndDate.Before(rt.StartDate) {
			return Invalid("endDate", ErrInvalidDate)
		}
	}
	if err := rt.NextDueDate.Validate(); err != nil {
		return Invalid("nextDueDate", err)
	}
	if rt.NextDueDate.Before(rt.StartDate) {
		return Invalid("nextDueDate", ErrInvalidDate)
	}
	if strings.TrimSpace(rt.CategoryID) == "" {
		return Invalid("categoryId", ErrEmptyCategory)
	}
	return nil
}

func (in Installment) Validate() error {
	if err := validateDescription(in.Description); err != nil {
		return err
	}
	if err := in.TotalAmount.Validate(); err != nil {
		return Invalid("totalAmount", err)
	}
	if in.Installments < 2 {
		return Invalid("installments", ErrInvalidCount)
	}
	if in.CurrentInstallment < 0 || in.CurrentInstallment > in.Installments {
		return Invalid("currentInstallment", ErrInvalidCount)
	}
	if err := in.StartDate.Validate(); err != nil {
		return Invalid("startDate", err)
	}
	if strings.TrimSpace(in.CategoryID) == "" {
		return Invalid("categoryId", ErrEmptyCategory)
	}
	return nil
}

// SlotAmounts returns the amount of every installment, remainder on the last.
func (in Installment) SlotAmounts() []Money {
	return SplitMoney(in.TotalAmount, in.Installments)
}

// SlotAmount returns the amount of the 1-based installment k.
func (in Installment) SlotAmount(k int) Money {
	if k < 1 || k > in.Installments {
		return Money{}
	}
	return in.SlotAmounts()[k-1]
}

// SlotDate returns the due date of the 1-based installment k. Slots are one
// month apart counted from the start date, so day-of-month never drifts.
func (in Installment) SlotDate(k int) Date {
	return in.StartDate.AddMonthsClamped(k - 1)
}

// NextUnpaid returns the 1-based number of the next unpaid installment and
// whether one exists.
func (in Installment) NextUnpaid() (int, bool) {
	if in.Status != InstallmentActive || in.CurrentInstallment >= in.Installments {
		return 0, false
	}
	return in.CurrentInstallment + 1, true
}

// Remaining is the amount still owed on the plan.
func (in Installment) Remaining() Money {
	var paid Money
	for _, m := range in.SlotAmounts()[:in.CurrentInstallment] {
		paid = paid.Add(m)
	}
	return in.TotalAmount.Sub(paid)
}
