// Package cache holds materialized leaderboard pages. Pages are derived from
// the ranking store and may be dropped at any time.
package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hypertrophy-rankings/internal/domain"
)

// PageCache stores leaderboard pages by key. Backend failures behave as
// misses.
type PageCache interface {
	// Get returns a page that is neither expired nor invalidated.
	Get(ctx context.Context, key domain.PageKey) (domain.LeaderboardPage, bool)
	// GetStale returns the last page stored under key, even if expired or
	// invalidated, as long as the backend still holds it.
	GetStale(ctx context.Context, key domain.PageKey) (domain.LeaderboardPage, bool)
	// FindRow returns the row of userID from any page of board still held.
	FindRow(ctx context.Context, board domain.Board, userID string) (domain.RankingRow, bool)
	Put(ctx context.Context, page domain.LeaderboardPage)
	// Invalidate drops every page matching f from fresh reads.
	Invalidate(ctx context.Context, f Filter)
}

// Filter matches page keys by partial key. An empty field matches anything.
type Filter struct {
	Periods    []domain.Period
	Categories []domain.Category
	Scope      *domain.Scope
}

// BoardFilter matches every page of one board, whatever its scope or limit.
func BoardFilter(board domain.Board) Filter {
	return Filter{Periods: []domain.Period{board.Period}, Categories: []domain.Category{board.Category}}
}

// ScopeFilter matches every page listed under scope.
func ScopeFilter(scope domain.Scope) Filter {
	return Filter{Scope: &scope}
}

func (f Filter) Matches(k domain.PageKey) bool {
	if len(f.Periods) > 0 && !slices.Contains(f.Periods, k.Period) {
		return false
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, k.Category) {
		return false
	}
	if f.Scope != nil && *f.Scope != k.Scope {
		return false
	}
	return true
}

type entry struct {
	page        domain.LeaderboardPage
	expiresAt   time.Time
	retainUntil time.Time
	invalidated bool
}

// Local is an in-process PageCache. Expired and invalidated pages stay
// available to GetStale for the retention period.
type Local struct {
	mu        sync.RWMutex
	entries   map[domain.PageKey]*entry
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	puts      int
}

// NewLocal creates a cache whose pages are fresh for ttl and kept for stale
// reads for another retention.
func NewLocal(ttl, retention time.Duration) *Local {
	return &Local{
		entries:   make(map[domain.PageKey]*entry),
		ttl:       ttl,
		retention: retention,
		now:       time.Now,
	}
}

func (c *Local) Get(ctx context.Context, key domain.PageKey) (domain.LeaderboardPage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.invalidated || !c.now().Before(e.expiresAt) {
		return domain.LeaderboardPage{}, false
	}
	return e.page, true
}

func (c *Local) GetStale(ctx context.Context, key domain.PageKey) (domain.LeaderboardPage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.retainUntil) {
		return domain.LeaderboardPage{}, false
	}
	return e.page, true
}

func (c *Local) FindRow(ctx context.Context, board domain.Board, userID string) (domain.RankingRow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var (
		found  domain.RankingRow
		newest time.Time
		ok     bool
	)
	for key, e := range c.entries {
		if key.Board() != board || now.After(e.retainUntil) {
			continue
		}
		for _, row := range e.page.Entries {
			if row.UserID == userID && (!ok || e.page.ComputedAt.After(newest)) {
				found, newest, ok = row, e.page.ComputedAt, true
			}
		}
	}
	return found, ok
}

func (c *Local) Put(ctx context.Context, page domain.LeaderboardPage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[page.Key()] = &entry{
		page:        page,
		expiresAt:   now.Add(c.ttl),
		retainUntil: now.Add(c.ttl + c.retention),
	}

	c.puts++
	if c.puts%256 == 0 {
		c.prune(now)
	}
}

func (c *Local) Invalidate(ctx context.Context, f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if f.Matches(key) {
			e.invalidated = true
		}
	}
}

// prune must be called with c.mu held.
func (c *Local) prune(now time.Time) {
	for key, e := range c.entries {
		if now.After(e.retainUntil) {
			delete(c.entries, key)
		}
	}
}

// Stats returns the number of held and fresh pages.
func (c *Local) Stats() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	fresh := 0
	for _, e := range c.entries {
		if !e.invalidated && now.Before(e.expiresAt) {
			fresh++
		}
	}
	return map[string]int{"held": len(c.entries), "fresh": fresh}
}
