package redis

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hypertrophy-rankings/internal/cache"
	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFilterTags(t *testing.T) {
	c := NewPageCache(nil, "hx", time.Minute, time.Hour, discardLogger())
	scope := domain.GroupScope("g1")

	groups := c.filterTags(cache.Filter{
		Periods:    []domain.Period{domain.PeriodWeekly, domain.PeriodMonthly},
		Categories: []domain.Category{domain.CategoryChest},
		Scope:      &scope,
	})
	assert.Equal(t, [][]string{
		{"hx:tag:period:weekly", "hx:tag:period:monthly"},
		{"hx:tag:category:chest"},
		{"hx:tag:scope:group:g1"},
	}, groups)

	assert.Empty(t, c.filterTags(cache.Filter{}))
}

func TestTagsOfPage(t *testing.T) {
	c := NewPageCache(nil, "hx", time.Minute, time.Hour, discardLogger())
	key := domain.PageKey{Period: domain.PeriodAllTime, Category: domain.CategoryOverall, Scope: domain.GlobalScope(), Limit: 10}

	assert.ElementsMatch(t, []string{
		"hx:tag:all:all",
		"hx:tag:period:allTime",
		"hx:tag:category:overall",
		"hx:tag:scope:global",
		"hx:tag:board:allTime:overall",
	}, c.tagsOf(key))
}

// newIntegrationClient connects to REDIS_ADDR or skips.
func newIntegrationClient(t *testing.T) *PageCache {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client, err := NewClient(context.Background(), &config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewPageCache(client, "test-"+uuid.NewString(), time.Minute, time.Hour, discardLogger())
}

func TestPageCacheRoundTripIntegration(t *testing.T) {
	ctx := context.Background()
	c := newIntegrationClient(t)

	page := domain.LeaderboardPage{
		Period:     domain.PeriodWeekly,
		Category:   domain.CategoryChest,
		Scope:      domain.GlobalScope(),
		Limit:      10,
		Entries:    []domain.RankingRow{{UserID: "u1", Period: domain.PeriodWeekly, Category: domain.CategoryChest, Score: 150, Rank: 1}},
		ComputedAt: time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC),
	}
	c.Put(ctx, page)

	got, ok := c.Get(ctx, page.Key())
	require.True(t, ok)
	assert.Equal(t, page.Entries, got.Entries)

	c.Invalidate(ctx, cache.Filter{Periods: []domain.Period{domain.PeriodWeekly}})
	_, ok = c.Get(ctx, page.Key())
	assert.False(t, ok)

	_, ok = c.GetStale(ctx, page.Key())
	assert.True(t, ok)

	row, ok := c.FindRow(ctx, page.Key().Board(), "u1")
	require.True(t, ok)
	assert.Equal(t, 1, row.Rank)
}

func TestBoardLockerIntegration(t *testing.T) {
	c := newIntegrationClient(t)
	l := NewBoardLocker(c.client, c.keys.prefix, time.Second, discardLogger())
	board := domain.Board{Period: domain.PeriodWeekly, Category: domain.CategoryOverall}

	unlock, err := l.Lock(context.Background(), board)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, board)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	again, err := l.Lock(context.Background(), board)
	require.NoError(t, err)
	again()
}

func TestRenewInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, renewInterval(30*time.Second))
	assert.Equal(t, 10*time.Millisecond, renewInterval(time.Millisecond))
}

func TestBoardLockerRenewsLeaseIntegration(t *testing.T) {
	c := newIntegrationClient(t)
	l := NewBoardLocker(c.client, c.keys.prefix, 300*time.Millisecond, discardLogger())
	board := domain.Board{Period: domain.PeriodMonthly, Category: domain.CategoryLegs}

	unlock, err := l.Lock(context.Background(), board)
	require.NoError(t, err)

	// a pass running past its lease still holds the board
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = l.Lock(ctx, board)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	exists, err := c.client.Exists(context.Background(), c.keys.lock(board.String())).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
