// Package services provides business logic and orchestration services.
//
// This file implements the Strategy Pattern for recurrence stepping. Each
// frequency class (fixed day steps, clamped month steps) has its own stepper
// that encapsulates how a due date moves to the next occurrence.

package services

import (
	"bilancio/internal/core"
)

// Stepper is the strategy interface for advancing a due date by one period.
type Stepper interface {
	// Next returns the first occurrence strictly after d.
	Next(d core.Date) core.Date
}

// DayStepper advances by a fixed number of calendar days.
type DayStepper struct {
	Days int
}

func (s DayStepper) Next(d core.Date) core.Date {
	return d.AddDays(s.Days)
}

// MonthStepper advances by a number of calendar months, keeping the day of
// month and clamping to the last day of shorter target months.
type MonthStepper struct {
	Months int
}

func (s MonthStepper) Next(d core.Date) core.Date {
	return d.AddMonthsClamped(s.Months)
}

// steppers maps every frequency to its stepping strategy. Lookup is total
// over core.Frequencies.
var steppers = map[core.Frequency]Stepper{
	core.Daily:      DayStepper{Days: 1},
	core.Weekly:     DayStepper{Days: 7},
	core.Biweekly:   DayStepper{Days: 14},
	core.Monthly:    MonthStepper{Months: 1},
	core.Quarterly:  MonthStepper{Months: 3},
	core.Semiannual: MonthStepper{Months: 6},
	core.Yearly:     MonthStepper{Months: 12},
}

// NextOccurrence returns the occurrence following d for frequency f.
//
// Month based frequencies are chained from d itself, so a series started on
// the 31st settles on the clamped day once it crosses a shorter month
// (Jan 31, Feb 29, Mar 29). Frequencies are validated at the boundary; an
// unknown value panics rather than silently producing a date.
func NextOccurrence(d core.Date, f core.Frequency) core.Date {
	s, ok := steppers[f]
	if !ok {
		panic("services: unknown frequency " + string(f))
	}
	return s.Next(d)
}

// Occurrences returns every occurrence of a series starting at from that
// falls in [from, until], capped at limit entries.
func Occurrences(from, until core.Date, f core.Frequency, limit int) []core.Date {
	var out []core.Date
	for d := from; !d.After(until) && len(out) < limit; d = NextOccurrence(d, f) {
		out = append(out, d)
	}
	return out
}
