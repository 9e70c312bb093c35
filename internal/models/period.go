package models

import "time"

// PeriodStatus is the accounting-period lifecycle state.
type PeriodStatus string

const (
	PeriodOpen    PeriodStatus = "open"
	PeriodClosing PeriodStatus = "closing"
	PeriodClosed  PeriodStatus = "closed"
)

// Period is an accounting period covering [Start, End] inclusive dates.
type Period struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Start     time.Time    `json:"start"`
	End       time.Time    `json:"end"`
	Status    PeriodStatus `json:"status"`
	ClosedBy  string       `json:"closed_by,omitempty"`
	ClosedAt  *time.Time   `json:"closed_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Contains reports whether the calendar date of t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(DateOf(p.Start)) && !d.After(DateOf(p.End))
}

// AcceptsPostings reports whether entries may be dated inside the period.
func (p Period) AcceptsPostings() bool {
	return p.Status != PeriodClosed
}

// CanTransitionTo enforces open -> closing -> closed, with closing -> open
// allowed so an aborted close can hand the period back.
func (s PeriodStatus) CanTransitionTo(next PeriodStatus) bool {
	switch s {
	case PeriodOpen:
		return next == PeriodClosing
	case PeriodClosing:
		return next == PeriodClosed || next == PeriodOpen
	default:
		return false
	}
}
