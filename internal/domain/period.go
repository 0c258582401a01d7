package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Period is a time window over which scores are aggregated.
type Period string

const (
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodAllTime Period = "allTime"
)

// AllPeriods lists the periods in processing order.
func AllPeriods() []Period {
	return []Period{PeriodWeekly, PeriodMonthly, PeriodAllTime}
}

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodWeekly, PeriodMonthly, PeriodAllTime:
		return true
	}
	return false
}

// Rolling reports whether the period's start boundary moves with time.
func (p Period) Rolling() bool {
	return p == PeriodWeekly || p == PeriodMonthly
}

// ParsePeriod accepts the canonical names plus a few aliases used by clients.
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "weekly", "week":
		return PeriodWeekly, nil
	case "monthly", "month":
		return PeriodMonthly, nil
	case "alltime", "all_time", "all-time", "all":
		return PeriodAllTime, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
}

func (p *Period) UnmarshalText(text []byte) error {
	parsed, err := ParsePeriod(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PeriodSet is a small set of periods.
type PeriodSet uint8

func periodBit(p Period) PeriodSet {
	switch p {
	case PeriodWeekly:
		return 1
	case PeriodMonthly:
		return 2
	case PeriodAllTime:
		return 4
	}
	return 0
}

// NewPeriodSet builds a set from the given periods, ignoring unknown values.
func NewPeriodSet(periods ...Period) PeriodSet {
	var s PeriodSet
	for _, p := range periods {
		s |= periodBit(p)
	}
	return s
}

// AllPeriodSet contains every period.
func AllPeriodSet() PeriodSet {
	return NewPeriodSet(AllPeriods()...)
}

func (s PeriodSet) Has(p Period) bool {
	b := periodBit(p)
	return b != 0 && s&b != 0
}

func (s PeriodSet) Union(o PeriodSet) PeriodSet {
	return s | o
}

func (s PeriodSet) Empty() bool {
	return s == 0
}

// Slice returns the members in processing order.
func (s PeriodSet) Slice() []Period {
	var out []Period
	for _, p := range AllPeriods() {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s PeriodSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 3)
	for _, p := range s.Slice() {
		names = append(names, string(p))
	}
	return json.Marshal(names)
}

func (s *PeriodSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out PeriodSet
	for _, n := range names {
		p, err := ParsePeriod(n)
		if err != nil {
			return err
		}
		out |= periodBit(p)
	}
	*s = out
	return nil
}

// TimeRange is a closed interval [Start, End].
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies within the range, bounds included.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Epoch is the start of the all-time window.
var Epoch = time.Unix(0, 0).UTC()

// Windows holds the rolling window lengths.
type Windows struct {
	Weekly  time.Duration
	Monthly time.Duration
}

// DefaultWindows returns 7 and 30 day windows.
func DefaultWindows() Windows {
	return Windows{
		Weekly:  7 * 24 * time.Hour,
		Monthly: 30 * 24 * time.Hour,
	}
}

// Length returns the window length of a rolling period and zero for allTime.
func (w Windows) Length(p Period) time.Duration {
	switch p {
	case PeriodWeekly:
		return w.Weekly
	case PeriodMonthly:
		return w.Monthly
	}
	return 0
}

// Range returns the window of period p as observed at asOf.
func (w Windows) Range(p Period, asOf time.Time) TimeRange {
	if !p.Rolling() {
		return TimeRange{Start: Epoch, End: asOf}
	}
	return TimeRange{Start: asOf.Add(-w.Length(p)), End: asOf}
}
