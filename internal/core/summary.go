package core

// CategoryAmount is the confirmed expense volume of one category in a month.
type CategoryAmount struct {
	CategoryID string `json:"categoryId"`
	Name       string `json:"name"`
	Amount     Money  `json:"amount"`
	Count      int    `json:"count"`
}

// MonthKey identifies a calendar month.
type MonthKey struct {
	Year  int
	Month int // 1-12
}

// Validate checks the month is 1..12 and the year within the supported range.
func (k MonthKey) Validate() error {
	if k.Month < 1 || k.Month > 12 {
		return Invalid("month", ErrInvalidMonth)
	}
	if k.Year < 1900 || k.Year > 9999 {
		return Invalid("year", ErrInvalidYear)
	}
	return nil
}

// First returns the first day of the month.
func (k MonthKey) First() Date { return NewDate(k.Year, k.Month, 1) }

// Last returns the last day of the month.
func (k MonthKey) Last() Date { return NewDate(k.Year, k.Month, DaysIn(k.Year, k.Month)) }

// Days returns the number of days in the month.
func (k MonthKey) Days() int { return DaysIn(k.Year, k.Month) }

// Prev returns the immediately preceding month.
func (k MonthKey) Prev() MonthKey {
	if k.Month == 1 {
		return MonthKey{Year: k.Year - 1, Month: 12}
	}
	return MonthKey{Year: k.Year, Month: k.Month - 1}
}

// MonthOf returns the month a date falls in.
func MonthOf(d Date) MonthKey { return MonthKey{Year: d.Year(), Month: d.Month()} }
