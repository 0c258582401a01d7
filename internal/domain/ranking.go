package domain

import (
	"fmt"
	"time"
)

// Board identifies one leaderboard.
type Board struct {
	Period   Period   `json:"period"`
	Category Category `json:"category"`
}

func (b Board) String() string {
	return fmt.Sprintf("%s:%s", b.Period, b.Category)
}

// AllBoards enumerates every (period, category) pair.
func AllBoards() []Board {
	boards := make([]Board, 0, len(AllPeriods())*CategoryCount)
	for _, p := range AllPeriods() {
		for _, c := range AllCategories() {
			boards = append(boards, Board{Period: p, Category: c})
		}
	}
	return boards
}

// RowKey identifies one RankingRow.
type RowKey struct {
	UserID   string
	Period   Period
	Category Category
}

func (k RowKey) Board() Board {
	return Board{Period: k.Period, Category: k.Category}
}

// RankingRow is the durable unit of the ranking store. Rank 0 marks a row
// whose score was written but has not been through a rank pass yet.
type RankingRow struct {
	UserID       string    `json:"user_id"`
	Period       Period    `json:"period"`
	Category     Category  `json:"category"`
	Score        float64   `json:"score"`
	Rank         int       `json:"rank"`
	Percentile   float64   `json:"percentile"`
	Tier         string    `json:"tier"`
	Division     int       `json:"division"`
	CalculatedAt time.Time `json:"calculated_at"`
	// Stale marks a row served from the cache while the store is failing.
	Stale bool `json:"stale,omitempty"`
}

func (r RankingRow) Key() RowKey {
	return RowKey{UserID: r.UserID, Period: r.Period, Category: r.Category}
}

// Placement is the rank-derived part of a row.
type Placement struct {
	Rank       int
	Percentile float64
	Tier       string
	Division   int
}

func (r RankingRow) Placement() Placement {
	return Placement{Rank: r.Rank, Percentile: r.Percentile, Tier: r.Tier, Division: r.Division}
}

// ScoreWrite is a conditional score write. With Prev nil the write is
// last-writer-wins on CalculatedAt. With Prev set, the stored row must carry
// exactly *Prev as its calculatedAt; a zero *Prev requires the row to be
// absent. A Score of zero or less deletes the row under the same condition.
type ScoreWrite struct {
	Key          RowKey
	Score        float64
	CalculatedAt time.Time
	Prev         *time.Time
}

// RankAssignment is one row's new placement in a rank pass. ExpectedAt is the
// calculatedAt observed when the pass read the row.
type RankAssignment struct {
	UserID     string
	ExpectedAt time.Time
	Placement
}

// ScopeKind distinguishes global and peer-group leaderboards.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeGroup  ScopeKind = "group"
)

// Scope selects which users a leaderboard page lists.
type Scope struct {
	Kind    ScopeKind `json:"kind"`
	GroupID string    `json:"group_id,omitempty"`
}

// GlobalScope is the unfiltered leaderboard.
func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

// GroupScope lists only members of a peer group.
func GroupScope(groupID string) Scope {
	return Scope{Kind: ScopeGroup, GroupID: groupID}
}

func (s Scope) String() string {
	if s.Kind == ScopeGroup {
		return "group:" + s.GroupID
	}
	return string(ScopeGlobal)
}

// PageKey identifies a cached leaderboard page.
type PageKey struct {
	Period   Period
	Category Category
	Scope    Scope
	Limit    int
}

func (k PageKey) Board() Board {
	return Board{Period: k.Period, Category: k.Category}
}

func (k PageKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", k.Period, k.Category, k.Scope, k.Limit)
}

// LeaderboardPage is a materialized page of a leaderboard. It is derived data
// and never a source of truth.
type LeaderboardPage struct {
	Period     Period       `json:"period"`
	Category   Category     `json:"category"`
	Scope      Scope        `json:"scope"`
	Limit      int          `json:"limit"`
	Entries    []RankingRow `json:"entries"`
	ComputedAt time.Time    `json:"computed_at"`
	Stale      bool         `json:"stale,omitempty"`
}

func (p LeaderboardPage) Key() PageKey {
	return PageKey{Period: p.Period, Category: p.Category, Scope: p.Scope, Limit: p.Limit}
}

// Priority selects the update queue lane.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "low"
}

// PendingUpdate is a coalesced request to recompute a user's rows.
type PendingUpdate struct {
	UserID     string      `json:"user_id"`
	Categories CategorySet `json:"categories"`
	Periods    PeriodSet   `json:"periods"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Priority   Priority    `json:"priority"`
	Attempts   int         `json:"attempts"`
}

// Merge folds o into u: sets are unioned and the higher priority wins.
func (u *PendingUpdate) Merge(o PendingUpdate) {
	u.Categories = u.Categories.Union(o.Categories)
	u.Periods = u.Periods.Union(o.Periods)
	if o.Priority > u.Priority {
		u.Priority = o.Priority
	}
	if o.Attempts > u.Attempts {
		u.Attempts = o.Attempts
	}
}

// QueueStatus is the observable state of the update queue.
type QueueStatus struct {
	Queued     int           `json:"queued"`
	High       int           `json:"high"`
	Low        int           `json:"low"`
	Processing bool          `json:"processing"`
	BatchSize  int           `json:"batch_size"`
	Interval   time.Duration `json:"interval"`
}
