package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/metrics"
	"github.com/hypertrophy-rankings/internal/tier"
)

// Assigner recomputes rank, percentile, tier and division of every row of a
// board.
type Assigner struct {
	rankings   RankingStore
	classifier *tier.Classifier
	locker     BoardLocker
	retries    int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewAssigner(
	rankings RankingStore,
	classifier *tier.Classifier,
	locker BoardLocker,
	cfg config.RankingConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Assigner {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Assigner{
		rankings:   rankings,
		classifier: classifier,
		locker:     locker,
		retries:    cfg.ReassignRetries,
		metrics:    m,
		logger:     logger,
	}
}

// Reassign runs a rank pass over board and returns how many rows changed
// placement. Passes over the same board are serialized by the locker. A pass
// that races a score write starts over from fresh rows; after the configured
// retries it gives up with domain.ErrReassignConflict and the next trigger
// tries again.
func (a *Assigner) Reassign(ctx context.Context, board domain.Board) (int, error) {
	unlock, err := a.locker.Lock(ctx, board)
	if err != nil {
		return 0, fmt.Errorf("locking %s: %w", board, err)
	}
	defer unlock()

	start := time.Now()
	for attempt := 0; attempt <= a.retries; attempt++ {
		rows, err := a.rankings.BoardRows(ctx, board)
		if err != nil {
			return 0, fmt.Errorf("loading %s: %w", board, err)
		}

		changes := AssignRanks(rows, a.classifier)
		if len(changes) == 0 {
			a.metrics.Reassigned(string(board.Period), board.Category.String(), 0, time.Since(start))
			return 0, nil
		}

		err = a.rankings.ApplyRanks(ctx, board, changes)
		if errors.Is(err, domain.ErrStaleWrite) {
			a.logger.Debug("rank pass raced a score write", "board", board.String(), "attempt", attempt+1)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("applying ranks to %s: %w", board, err)
		}

		a.metrics.Reassigned(string(board.Period), board.Category.String(), len(changes), time.Since(start))
		return len(changes), nil
	}

	a.metrics.ReassignFailed(string(board.Period), board.Category.String())
	return 0, fmt.Errorf("reassigning %s: %w", board, domain.ErrReassignConflict)
}

// SortBoard orders rows by score descending. Ties go to the earlier
// calculatedAt, then to the lower user ID.
func SortBoard(rows []domain.RankingRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CalculatedAt.Equal(b.CalculatedAt) {
			return a.CalculatedAt.Before(b.CalculatedAt)
		}
		return a.UserID < b.UserID
	})
}

// AssignRanks returns the placements of rows that differ from what the rows
// carry. rows is reordered.
func AssignRanks(rows []domain.RankingRow, classifier *tier.Classifier) []domain.RankAssignment {
	SortBoard(rows)

	n := float64(len(rows))
	var changes []domain.RankAssignment
	for i, row := range rows {
		rank := i + 1
		percentile := float64(rank) / n
		name, division := classifier.Classify(percentile)

		placement := domain.Placement{Rank: rank, Percentile: percentile, Tier: name, Division: division}
		if placement == row.Placement() {
			continue
		}
		changes = append(changes, domain.RankAssignment{
			UserID:     row.UserID,
			ExpectedAt: row.CalculatedAt,
			Placement:  placement,
		})
	}
	return changes
}
