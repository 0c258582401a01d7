package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// ActivityRecord is one logged workout session. Records are immutable once
// scored; only the cached Score may be written back.
type ActivityRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Entries   []Entry   `json:"entries"`

	// IngestedAt is when the record became visible to the ranking core.
	IngestedAt time.Time `json:"ingested_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	Score    *CategoryScore `json:"score,omitempty"`
	ScoredAt time.Time      `json:"scored_at,omitempty"`
}

// CachedScore returns the cached score when it is present and newer than the
// last modification of the record.
func (r ActivityRecord) CachedScore() (CategoryScore, bool) {
	if r.Score == nil || r.ScoredAt.IsZero() || r.ScoredAt.Before(r.UpdatedAt) {
		return CategoryScore{}, false
	}
	return *r.Score, true
}

// SameContent reports whether o carries the same owner, timestamp and entries
// as r. Server stamps and the cached score are ignored.
func (r ActivityRecord) SameContent(o ActivityRecord) bool {
	if r.UserID != o.UserID || !r.Timestamp.Equal(o.Timestamp) {
		return false
	}
	a, errA := json.Marshal(r.Entries)
	b, errB := json.Marshal(o.Entries)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// Entry is one exercise within a session.
type Entry struct {
	Exercise string          `json:"exercise,omitempty"`
	Weights  CategoryWeights `json:"category_weights"`
	Sets     []Set           `json:"sets"`
}

// CategoryWeights attributes an entry to a primary category at full weight
// and to secondary categories at partial credit.
type CategoryWeights struct {
	Primary   Category   `json:"primary"`
	Secondary []Category `json:"secondary,omitempty"`
}

// Set is a single (quantity, intensity, tempo, effort) tuple, e.g. reps x weight.
type Set struct {
	Quantity  float64 `json:"quantity"`
	Intensity float64 `json:"intensity"`
	// Tempo is a dash separated descriptor such as "3-1-2-0"; empty when unknown.
	Tempo string `json:"tempo,omitempty"`
	// Effort is a 1-10 rating; zero when unknown.
	Effort float64 `json:"effort,omitempty"`
}

// CategoryScore is the score of a record broken down by category. The
// overall slot of ByCategory always equals Total.
type CategoryScore struct {
	Total      float64                `json:"total"`
	ByCategory [CategoryCount]float64 `json:"by_category"`
}

// Of returns the score attributed to c.
func (s CategoryScore) Of(c Category) float64 {
	if !c.Valid() {
		return 0
	}
	return s.ByCategory[c]
}

// Add accumulates o into s.
func (s *CategoryScore) Add(o CategoryScore) {
	s.Total += o.Total
	for i := range s.ByCategory {
		s.ByCategory[i] += o.ByCategory[i]
	}
}

// Categories returns the set of categories with a positive score.
func (s CategoryScore) Categories() CategorySet {
	var set CategorySet
	for _, c := range AllCategories() {
		if s.ByCategory[c] > 0 {
			set = set.With(c)
		}
	}
	return set
}
