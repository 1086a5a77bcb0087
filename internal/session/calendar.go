// Package session answers market-hours questions for the configured venue.
package session

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // venue zones must resolve on hosts without zoneinfo

	"execution-core/pkg/config"
)

// Calendar holds one trading session shape. Times are minutes after
// midnight in the venue's zone.
type Calendar struct {
	loc        *time.Location
	weekdays   map[time.Weekday]bool
	open       int
	entryStart int
	entryEnd   int
	flattenAt  int
	close      int
}

// Status is the calendar's view of a single instant.
type Status struct {
	Day          string    `json:"day"`
	TradingDay   bool      `json:"trading_day"`
	EntryAllowed bool      `json:"entry_allowed"`
	ExitAllowed  bool      `json:"exit_allowed"`
	FlattenDue   bool      `json:"flatten_due"`
	FlattenAt    time.Time `json:"flatten_at"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseClock(field, v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: session.%s %q: want HH:MM", config.ErrInvalid, field, v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// NewCalendar validates the session section. Windows must nest:
// open <= entry_start < entry_end <= flatten_at <= close.
func NewCalendar(s config.SessionSection) (*Calendar, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: session.timezone: %v", config.ErrInvalid, err)
	}
	c := &Calendar{loc: loc, weekdays: make(map[time.Weekday]bool)}
	for _, d := range s.Weekdays {
		name := strings.ToLower(strings.TrimSpace(d))
		if len(name) > 3 {
			name = name[:3]
		}
		wd, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("%w: session.weekdays: unknown day %q", config.ErrInvalid, d)
		}
		c.weekdays[wd] = true
	}
	fields := []struct {
		name string
		raw  string
		dst  *int
	}{
		{"open", s.Open, &c.open},
		{"entry_start", s.EntryStart, &c.entryStart},
		{"entry_end", s.EntryEnd, &c.entryEnd},
		{"flatten_at", s.FlattenAt, &c.flattenAt},
		{"close", s.Close, &c.close},
	}
	for _, f := range fields {
		if *f.dst, err = parseClock(f.name, f.raw); err != nil {
			return nil, err
		}
	}
	if !(c.open <= c.entryStart && c.entryStart < c.entryEnd && c.entryEnd <= c.flattenAt && c.flattenAt <= c.close) {
		return nil, fmt.Errorf("%w: session windows must satisfy open <= entry_start < entry_end <= flatten_at <= close", config.ErrInvalid)
	}
	return c, nil
}

func (c *Calendar) local(t time.Time) (time.Time, int, bool) {
	lt := t.In(c.loc)
	return lt, lt.Hour()*60 + lt.Minute(), c.weekdays[lt.Weekday()]
}

// EntryAllowed reports whether new entries may open at t.
func (c *Calendar) EntryAllowed(t time.Time) bool {
	_, m, ok := c.local(t)
	return ok && m >= c.entryStart && m < c.entryEnd
}

// ExitAllowed is the wider window in which exits may be routed.
func (c *Calendar) ExitAllowed(t time.Time) bool {
	_, m, ok := c.local(t)
	return ok && m >= c.open && m < c.close
}

// FlattenDue reports whether the force-flatten deadline has passed today.
func (c *Calendar) FlattenDue(t time.Time) bool {
	_, m, ok := c.local(t)
	return ok && m >= c.flattenAt
}

// Day is the session date at t, used to key daily risk.
func (c *Calendar) Day(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// FlattenTime returns the force-flatten instant on t's session date.
func (c *Calendar) FlattenTime(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), c.flattenAt/60, c.flattenAt%60, 0, 0, c.loc)
}

func (c *Calendar) Status(t time.Time) Status {
	_, _, trading := c.local(t)
	return Status{
		Day:          c.Day(t),
		TradingDay:   trading,
		EntryAllowed: c.EntryAllowed(t),
		ExitAllowed:  c.ExitAllowed(t),
		FlattenDue:   c.FlattenDue(t),
		FlattenAt:    c.FlattenTime(t),
	}
}
