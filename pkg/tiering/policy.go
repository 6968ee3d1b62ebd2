package tiering

import (
	"time"

	"github.com/nicktill/tinysync/pkg/rows"
)

// DefaultHotWindowDays is how many calendar days (today included) stay hot
const DefaultHotWindowDays = 7

// Policy decides whether a row date belongs in the hot or the cold tier.
type Policy struct {
	HotWindowDays int

	// Location defines where "today" starts. Nil means UTC.
	Location *time.Location
}

// DefaultPolicy returns a 7-day UTC hot window
func DefaultPolicy() Policy {
	return Policy{HotWindowDays: DefaultHotWindowDays, Location: time.UTC}
}

func (p Policy) window() int {
	if p.HotWindowDays <= 0 {
		return DefaultHotWindowDays
	}
	return p.HotWindowDays
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Cutoff returns the first hot date at now. Dates before it are cold.
func (p Policy) Cutoff(now time.Time) string {
	local := now.In(p.loc())
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc())
	return rows.FormatDate(today.AddDate(0, 0, -(p.window() - 1)))
}

// IsHot reports whether date is inside the hot window at now.
func (p Policy) IsHot(date string, now time.Time) bool {
	return date >= p.Cutoff(now)
}

// HotUntil is the instant a row for date ages out of the hot window.
// Malformed dates return the zero time.
func (p Policy) HotUntil(date string) time.Time {
	t, err := rows.ParseDate(date)
	if err != nil {
		return time.Time{}
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.loc())
	return day.AddDate(0, 0, p.window())
}
