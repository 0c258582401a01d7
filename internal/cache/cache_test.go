package cache

import (
	"context"
	"testing"
	"time"

	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func page(period domain.Period, category domain.Category, scope domain.Scope, users ...string) domain.LeaderboardPage {
	p := domain.LeaderboardPage{Period: period, Category: category, Scope: scope, Limit: 10, ComputedAt: t0}
	for i, u := range users {
		p.Entries = append(p.Entries, domain.RankingRow{UserID: u, Period: period, Category: category, Rank: i + 1})
	}
	return p
}

func newTestLocal() (*Local, *time.Time) {
	clock := t0
	c := NewLocal(3*time.Minute, time.Hour)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestLocalExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestLocal()
	p := page(domain.PeriodWeekly, domain.CategoryOverall, domain.GlobalScope(), "a")
	c.Put(ctx, p)

	got, ok := c.Get(ctx, p.Key())
	require.True(t, ok)
	assert.Equal(t, p, got)

	*clock = t0.Add(3 * time.Minute)
	_, ok = c.Get(ctx, p.Key())
	assert.False(t, ok)

	_, ok = c.GetStale(ctx, p.Key())
	assert.True(t, ok)

	*clock = t0.Add(2 * time.Hour)
	_, ok = c.GetStale(ctx, p.Key())
	assert.False(t, ok)
}

func TestLocalPartialInvalidation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestLocal()
	group := domain.GroupScope("g1")

	weeklyOverall := page(domain.PeriodWeekly, domain.CategoryOverall, domain.GlobalScope(), "a")
	weeklyChest := page(domain.PeriodWeekly, domain.CategoryChest, domain.GlobalScope(), "a")
	monthlyGroup := page(domain.PeriodMonthly, domain.CategoryOverall, group, "a")
	monthlyGlobal := page(domain.PeriodMonthly, domain.CategoryOverall, domain.GlobalScope(), "a")
	for _, p := range []domain.LeaderboardPage{weeklyOverall, weeklyChest, monthlyGroup, monthlyGlobal} {
		c.Put(ctx, p)
	}

	c.Invalidate(ctx, BoardFilter(domain.Board{Period: domain.PeriodWeekly, Category: domain.CategoryOverall}))
	_, ok := c.Get(ctx, weeklyOverall.Key())
	assert.False(t, ok)
	_, ok = c.Get(ctx, weeklyChest.Key())
	assert.True(t, ok)

	c.Invalidate(ctx, ScopeFilter(group))
	_, ok = c.Get(ctx, monthlyGroup.Key())
	assert.False(t, ok)
	_, ok = c.Get(ctx, monthlyGlobal.Key())
	assert.True(t, ok)

	c.Invalidate(ctx, Filter{Periods: []domain.Period{domain.PeriodWeekly}})
	_, ok = c.Get(ctx, weeklyChest.Key())
	assert.False(t, ok)

	// invalidated pages remain available to degraded reads
	stale, ok := c.GetStale(ctx, weeklyOverall.Key())
	require.True(t, ok)
	assert.Equal(t, weeklyOverall, stale)

	assert.Equal(t, map[string]int{"held": 4, "fresh": 1}, c.Stats())
}

func TestLocalFindRowPrefersNewestPage(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestLocal()
	board := domain.Board{Period: domain.PeriodWeekly, Category: domain.CategoryOverall}

	older := page(board.Period, board.Category, domain.GlobalScope(), "a", "b")
	newer := page(board.Period, board.Category, domain.GroupScope("g1"), "b")
	newer.ComputedAt = t0.Add(time.Minute)
	c.Put(ctx, older)
	c.Put(ctx, newer)

	row, ok := c.FindRow(ctx, board, "b")
	require.True(t, ok)
	assert.Equal(t, 1, row.Rank)

	row, ok = c.FindRow(ctx, board, "a")
	require.True(t, ok)
	assert.Equal(t, 1, row.Rank)

	_, ok = c.FindRow(ctx, board, "nobody")
	assert.False(t, ok)
}

func TestFilterMatches(t *testing.T) {
	key := domain.PageKey{Period: domain.PeriodWeekly, Category: domain.CategoryBack, Scope: domain.GlobalScope(), Limit: 50}
	assert.True(t, Filter{}.Matches(key))
	assert.True(t, Filter{Categories: []domain.Category{domain.CategoryLegs, domain.CategoryBack}}.Matches(key))
	assert.False(t, Filter{Periods: []domain.Period{domain.PeriodAllTime}}.Matches(key))
	assert.False(t, ScopeFilter(domain.GroupScope("x")).Matches(key))
}
