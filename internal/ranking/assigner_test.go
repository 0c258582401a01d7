package ranking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/memory"
	"github.com/hypertrophy-rankings/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var weeklyOverall = domain.Board{Period: domain.PeriodWeekly, Category: domain.CategoryOverall}

func newTestAssigner(rankings RankingStore) *Assigner {
	return NewAssigner(rankings, tier.NewClassifier(nil), NewLocalLocker(), testRankingConfig(), nil, discardLogger())
}

func seedBoard(t *testing.T, store *memory.RankingStore, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, store.WriteScore(context.Background(), domain.ScoreWrite{
			Key:          overallKey(fmt.Sprintf("user-%03d", i), domain.PeriodWeekly),
			Score:        float64(i * 10),
			CalculatedAt: now,
		}))
	}
}

func TestReassignOrdersHundredUsers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRankingStore()
	seedBoard(t, store, 100)
	a := newTestAssigner(store)

	changed, err := a.Reassign(ctx, weeklyOverall)
	require.NoError(t, err)
	assert.Equal(t, 100, changed)

	top, err := store.GetRow(ctx, overallKey("user-100", domain.PeriodWeekly))
	require.NoError(t, err)
	assert.Equal(t, 1, top.Rank)
	assert.InDelta(t, 0.01, top.Percentile, 1e-12)
	assert.Equal(t, "Master", top.Tier)

	bottom, err := store.GetRow(ctx, overallKey("user-001", domain.PeriodWeekly))
	require.NoError(t, err)
	assert.Equal(t, 100, bottom.Rank)
	assert.Equal(t, 1.0, bottom.Percentile)
	assert.Equal(t, "Iron", bottom.Tier)

	rows, err := store.BoardRows(ctx, weeklyOverall)
	require.NoError(t, err)
	SortBoard(rows)
	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i-1].Score, rows[i].Score)
		assert.Less(t, rows[i-1].Rank, rows[i].Rank)
	}

	// a second pass over unchanged scores writes nothing
	changed, err = a.Reassign(ctx, weeklyOverall)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestReassignOnlyRewritesMovedRows(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRankingStore()
	seedBoard(t, store, 10)
	a := newTestAssigner(store)

	_, err := a.Reassign(ctx, weeklyOverall)
	require.NoError(t, err)

	// user-005 jumps to the top; ranks 1 to 6 shift
	require.NoError(t, store.WriteScore(ctx, domain.ScoreWrite{
		Key: overallKey("user-005", domain.PeriodWeekly), Score: 1000, CalculatedAt: now.Add(time.Minute),
	}))
	changed, err := a.Reassign(ctx, weeklyOverall)
	require.NoError(t, err)
	assert.Equal(t, 6, changed)
}

func TestAssignRanksBreaksTiesByCalculatedAt(t *testing.T) {
	rows := []domain.RankingRow{
		{UserID: "late", Score: 100, CalculatedAt: now.Add(time.Hour)},
		{UserID: "b", Score: 100, CalculatedAt: now},
		{UserID: "a", Score: 100, CalculatedAt: now},
		{UserID: "top", Score: 200, CalculatedAt: now.Add(2 * time.Hour)},
	}

	changes := AssignRanks(rows, tier.NewClassifier(nil))
	require.Len(t, changes, 4)

	order := make([]string, 0, len(changes))
	for _, c := range changes {
		order = append(order, c.UserID)
	}
	assert.Equal(t, []string{"top", "a", "b", "late"}, order)
	assert.Equal(t, 0.25, changes[0].Percentile)
}

type conflictingStore struct {
	*memory.RankingStore
	applyRanks func(ctx context.Context, board domain.Board, a []domain.RankAssignment) error
}

func (s *conflictingStore) ApplyRanks(ctx context.Context, board domain.Board, a []domain.RankAssignment) error {
	return s.applyRanks(ctx, board, a)
}

func TestReassignGivesUpAfterRepeatedConflicts(t *testing.T) {
	calls := 0
	store := &conflictingStore{
		RankingStore: memory.NewRankingStore(),
		applyRanks: func(context.Context, domain.Board, []domain.RankAssignment) error {
			calls++
			return domain.ErrStaleWrite
		},
	}
	seedBoard(t, store.RankingStore, 3)

	_, err := newTestAssigner(store).Reassign(context.Background(), weeklyOverall)
	assert.ErrorIs(t, err, domain.ErrReassignConflict)
	assert.Equal(t, 4, calls)
}

func TestReassignRetriesWithFreshRows(t *testing.T) {
	inner := memory.NewRankingStore()
	seedBoard(t, inner, 3)
	calls := 0
	store := &conflictingStore{RankingStore: inner}
	store.applyRanks = func(ctx context.Context, board domain.Board, a []domain.RankAssignment) error {
		calls++
		if calls == 1 {
			require.NoError(t, inner.WriteScore(ctx, domain.ScoreWrite{
				Key: overallKey("user-001", domain.PeriodWeekly), Score: 500, CalculatedAt: now.Add(time.Minute),
			}))
		}
		return inner.ApplyRanks(ctx, board, a)
	}

	changed, err := newTestAssigner(store).Reassign(context.Background(), weeklyOverall)
	require.NoError(t, err)
	assert.Equal(t, 3, changed)
	assert.Equal(t, 2, calls)

	row, err := inner.GetRow(context.Background(), overallKey("user-001", domain.PeriodWeekly))
	require.NoError(t, err)
	assert.Equal(t, 1, row.Rank)
}

func TestLocalLockerSerializesBoard(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), weeklyOverall)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, weeklyOverall)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), domain.Board{Period: domain.PeriodMonthly, Category: domain.CategoryOverall})
	require.NoError(t, err)
	other()

	unlock()
	again, err := l.Lock(context.Background(), weeklyOverall)
	require.NoError(t, err)
	again()
}

func TestConcurrentReassignSameBoardIsConsistent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRankingStore()
	seedBoard(t, store, 50)
	a := newTestAssigner(store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Reassign(ctx, weeklyOverall)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rows, err := store.BoardRows(ctx, weeklyOverall)
	require.NoError(t, err)
	SortBoard(rows)
	for i, row := range rows {
		assert.Equal(t, i+1, row.Rank)
	}
}
