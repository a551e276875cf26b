package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// CYCLE - Calendar quarter, the expiration boundary
// =============================================================================

// Cycle is one calendar quarter in UTC. Every positive buyer balance
// expires when the cycle it was accumulated in ends.
//
// Examples:
//   - 2026-Q1: Jan 1 - Mar 31
//   - 2026-Q4: Oct 1 - Dec 31
type Cycle struct {
	Year    int
	Quarter int // 1-4
}

// CycleOf returns the quarter that contains t.
func CycleOf(t time.Time) Cycle {
	t = t.UTC()
	return Cycle{Year: t.Year(), Quarter: (int(t.Month())-1)/3 + 1}
}

// ClosingCycle returns the quarter that a batch run at cutoff closes: the
// last quarter that ended at or before cutoff.
func ClosingCycle(cutoff time.Time) Cycle {
	return CycleOf(cutoff).Prev()
}

// ParseCycle parses labels like "2026-Q3".
func ParseCycle(s string) (Cycle, error) {
	var c Cycle
	if _, err := fmt.Sscanf(s, "%d-Q%d", &c.Year, &c.Quarter); err != nil {
		return Cycle{}, fmt.Errorf("invalid cycle %q: %w", s, err)
	}
	if c.Quarter < 1 || c.Quarter > 4 {
		return Cycle{}, fmt.Errorf("invalid cycle %q: quarter out of range", s)
	}
	return c, nil
}

// Start returns the first instant of the quarter.
func (c Cycle) Start() time.Time {
	return time.Date(c.Year, time.Month((c.Quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant after the quarter, i.e. the expiration
// boundary.
func (c Cycle) End() time.Time {
	return c.Start().AddDate(0, 3, 0)
}

func (c Cycle) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(c.Start()) && t.Before(c.End())
}

// Before reports whether c is an earlier quarter than other.
func (c Cycle) Before(other Cycle) bool {
	if c.Year != other.Year {
		return c.Year < other.Year
	}
	return c.Quarter < other.Quarter
}

func (c Cycle) Next() Cycle {
	if c.Quarter == 4 {
		return Cycle{Year: c.Year + 1, Quarter: 1}
	}
	return Cycle{Year: c.Year, Quarter: c.Quarter + 1}
}

func (c Cycle) Prev() Cycle {
	if c.Quarter == 1 {
		return Cycle{Year: c.Year - 1, Quarter: 4}
	}
	return Cycle{Year: c.Year, Quarter: c.Quarter - 1}
}

func (c Cycle) String() string {
	return fmt.Sprintf("%d-Q%d", c.Year, c.Quarter)
}
