package ranking

import (
	"time"

	"github.com/hypertrophy-rankings/internal/domain"
)

// ScoreFunc returns the category breakdown of a record.
type ScoreFunc func(domain.ActivityRecord) domain.CategoryScore

// Delta is the change of a user's window between two calculations.
type Delta struct {
	Added   domain.CategoryScore
	Expired domain.CategoryScore
}

// Of returns added and expired score of one category.
func (d Delta) Of(c domain.Category) (added, expired float64) {
	return d.Added.Of(c), d.Expired.Of(c)
}

// ingestedAt is the instant a record became visible. Records without an
// ingestion time are taken to have been visible from their timestamp on.
func ingestedAt(r domain.ActivityRecord) time.Time {
	if r.IngestedAt.IsZero() {
		return r.Timestamp
	}
	return r.IngestedAt
}

// SumWindow adds up every record ingested before asOf whose timestamp lies
// in window. A record ingested exactly at asOf belongs to the next
// calculation.
func SumWindow(records []domain.ActivityRecord, score ScoreFunc, window domain.TimeRange, asOf time.Time) domain.CategoryScore {
	var sum domain.CategoryScore
	for _, r := range records {
		if !ingestedAt(r).Before(asOf) || !window.Contains(r.Timestamp) {
			continue
		}
		sum.Add(score(r))
	}
	return sum
}

// ComputeDelta compares what a calculation at prevCalc counted with what a
// calculation at asOf counts.
//
// A record is added when it was ingested in [prevCalc, asOf) and lies in the
// window at asOf. A record is expired when it was ingested before prevCalc,
// lay in the window at prevCalc and fell out before the window start at asOf.
// The half-open intervals give every record to exactly one calculation.
func ComputeDelta(records []domain.ActivityRecord, score ScoreFunc, windows domain.Windows, period domain.Period, prevCalc, asOf time.Time) Delta {
	prevWindow := windows.Range(period, prevCalc)
	window := windows.Range(period, asOf)

	var d Delta
	for _, r := range records {
		seen := ingestedAt(r)
		switch {
		case !seen.Before(prevCalc) && seen.Before(asOf) && window.Contains(r.Timestamp):
			d.Added.Add(score(r))
		case seen.Before(prevCalc) && prevWindow.Contains(r.Timestamp) && r.Timestamp.Before(window.Start):
			if period.Rolling() {
				d.Expired.Add(score(r))
			}
		}
	}
	return d
}

// QueryRange covers every record ComputeDelta may look at for these two
// calculation instants.
func QueryRange(windows domain.Windows, period domain.Period, prevCalc, asOf time.Time) domain.TimeRange {
	start := windows.Range(period, asOf).Start
	if !prevCalc.IsZero() {
		if s := windows.Range(period, prevCalc).Start; s.Before(start) {
			start = s
		}
	}
	return domain.TimeRange{Start: start, End: asOf}
}
