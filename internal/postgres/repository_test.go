package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	now    = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	weekly = domain.RowKey{UserID: "u1", Period: domain.PeriodWeekly, Category: domain.CategoryChest}
)

func TestScoreStatement(t *testing.T) {
	prev := now.Add(-time.Hour)
	zero := time.Time{}

	tests := []struct {
		name       string
		write      domain.ScoreWrite
		contains   string
		mustAffect bool
		nargs      int
	}{
		{
			name:       "monotonic upsert",
			write:      domain.ScoreWrite{Key: weekly, Score: 10, CalculatedAt: now},
			contains:   "rankings.calculated_at < EXCLUDED.calculated_at",
			mustAffect: true,
			nargs:      5,
		},
		{
			name:     "monotonic delete",
			write:    domain.ScoreWrite{Key: weekly, Score: 0, CalculatedAt: now},
			contains: "calculated_at < $4",
			nargs:    4,
		},
		{
			name:       "insert when absent",
			write:      domain.ScoreWrite{Key: weekly, Score: 10, CalculatedAt: now, Prev: &zero},
			contains:   "DO NOTHING",
			mustAffect: true,
			nargs:      5,
		},
		{
			name:       "compare and set",
			write:      domain.ScoreWrite{Key: weekly, Score: 10, CalculatedAt: now, Prev: &prev},
			contains:   "calculated_at = $6",
			mustAffect: true,
			nargs:      6,
		},
		{
			name:       "compare and delete",
			write:      domain.ScoreWrite{Key: weekly, Score: -1, CalculatedAt: now, Prev: &prev},
			contains:   "DELETE",
			mustAffect: true,
			nargs:      4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt := scoreStatement(tt.write)
			assert.Contains(t, stmt.query, tt.contains)
			assert.Equal(t, tt.mustAffect, stmt.mustAffect)
			require.Len(t, stmt.args, tt.nargs)
			assert.Equal(t, "weekly", stmt.args[0])
			assert.Equal(t, "chest", stmt.args[1])
			assert.Equal(t, "u1", stmt.args[2])
		})
	}

	t.Run("removing an absent row is a no-op", func(t *testing.T) {
		stmt := scoreStatement(domain.ScoreWrite{Key: weekly, Score: 0, CalculatedAt: now, Prev: &zero})
		assert.Empty(t, stmt.query)
	})
}

// newIntegrationRepository connects to DATABASE_URL or skips.
func newIntegrationRepository(t *testing.T) *Repository {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := &Repository{pool: pool, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	require.NoError(t, repo.RunMigrations(ctx))
	return repo
}

func TestActivityRoundTripIntegration(t *testing.T) {
	ctx := context.Background()
	repo := newIntegrationRepository(t)
	userID := "user-" + uuid.NewString()

	record := domain.ActivityRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Timestamp: now.Add(-time.Hour),
		Entries: []domain.Entry{{
			Weights: domain.CategoryWeights{Primary: domain.CategoryChest},
			Sets:    []domain.Set{{Quantity: 10, Intensity: 100}},
		}},
		IngestedAt: now,
	}
	require.NoError(t, repo.SaveActivity(ctx, record))

	got, err := repo.Query(ctx, userID, domain.TimeRange{Start: now.Add(-2 * time.Hour), End: now})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, record.Entries, got[0].Entries)
	assert.Nil(t, got[0].Score)

	users, err := repo.DistinctUsersWithRecordsIn(ctx, domain.TimeRange{Start: now.Add(-2 * time.Hour), End: now})
	require.NoError(t, err)
	assert.Contains(t, users, userID)

	changed := record
	changed.UserID = "user-" + uuid.NewString()
	changed.IngestedAt = now.Add(time.Hour)
	assert.ErrorIs(t, repo.SaveActivity(ctx, changed), domain.ErrDuplicateRecord)

	stored, ok, err := repo.GetActivity(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, userID, stored.UserID)
	assert.True(t, now.Equal(stored.IngestedAt))

	_, ok, err = repo.GetActivity(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteScoreIntegration(t *testing.T) {
	ctx := context.Background()
	repo := newIntegrationRepository(t)
	key := domain.RowKey{UserID: "user-" + uuid.NewString(), Period: domain.PeriodWeekly, Category: domain.CategoryChest}
	zero := time.Time{}

	require.NoError(t, repo.WriteScore(ctx, domain.ScoreWrite{Key: key, Score: 100, CalculatedAt: now, Prev: &zero}))
	assert.ErrorIs(t, repo.WriteScore(ctx, domain.ScoreWrite{Key: key, Score: 50, CalculatedAt: now, Prev: &zero}), domain.ErrStaleWrite)

	older := now.Add(-time.Minute)
	assert.ErrorIs(t, repo.WriteScore(ctx, domain.ScoreWrite{Key: key, Score: 50, CalculatedAt: older}), domain.ErrStaleWrite)

	later := now.Add(time.Minute)
	require.NoError(t, repo.WriteScore(ctx, domain.ScoreWrite{Key: key, Score: 120, CalculatedAt: later, Prev: &now}))

	row, err := repo.GetRow(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 120.0, row.Score)
	assert.Equal(t, 0, row.Rank)
	assert.True(t, row.CalculatedAt.Equal(later))

	err = repo.ApplyRanks(ctx, key.Board(), []domain.RankAssignment{{UserID: key.UserID, ExpectedAt: now, Placement: domain.Placement{Rank: 1}}})
	assert.ErrorIs(t, err, domain.ErrStaleWrite)

	err = repo.ApplyRanks(ctx, key.Board(), []domain.RankAssignment{{UserID: key.UserID, ExpectedAt: later, Placement: domain.Placement{Rank: 1, Percentile: 1, Tier: "Iron", Division: 4}}})
	require.NoError(t, err)

	top, err := repo.TopRows(ctx, key.Board(), 10, []string{key.UserID})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "Iron", top[0].Tier)

	require.NoError(t, repo.WriteScore(ctx, domain.ScoreWrite{Key: key, Score: 0, CalculatedAt: later.Add(time.Minute), Prev: &later}))
	_, err = repo.GetRow(ctx, key)
	assert.ErrorIs(t, err, domain.ErrRankingNotFound)
}

func TestPeerGroupsIntegration(t *testing.T) {
	ctx := context.Background()
	repo := newIntegrationRepository(t)
	group := "group-" + uuid.NewString()
	userID := "user-" + uuid.NewString()

	_, err := repo.MembersOf(ctx, group)
	assert.ErrorIs(t, err, domain.ErrGroupNotFound)

	require.NoError(t, repo.Assign(ctx, userID, group))
	members, err := repo.MembersOf(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, []string{userID}, members)

	got, ok, err := repo.GroupOf(ctx, userID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, group, got)
}
