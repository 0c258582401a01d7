package ranking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hypertrophy-rankings/internal/domain"
)

// BoardListener is notified after a rank pass ran over a board, whether or
// not it changed any placement, since scores on the board did change.
type BoardListener interface {
	BoardUpdated(ctx context.Context, board domain.Board, ranksChanged int)
}

// Updater is the recompute path shared by the update queue, the expiration
// sweeper and the safety job: aggregate a user's rows, then rank the touched
// boards once.
type Updater struct {
	aggregator *Aggregator
	assigner   *Assigner
	now        func() time.Time
	listeners  []BoardListener
	logger     *slog.Logger
}

func NewUpdater(aggregator *Aggregator, assigner *Assigner, logger *slog.Logger) *Updater {
	return &Updater{
		aggregator: aggregator,
		assigner:   assigner,
		now:        Clock,
		logger:     logger,
	}
}

// Clock is the default window boundary clock. It is truncated to the
// microsecond so that timestamps survive a round trip through Postgres.
func Clock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// AddListener registers l. Call it before the updater is shared.
func (u *Updater) AddListener(l BoardListener) {
	u.listeners = append(u.listeners, l)
}

// SetClock replaces the clock used as the window boundary.
func (u *Updater) SetClock(now func() time.Time) {
	u.now = now
}

// Now returns the current window boundary.
func (u *Updater) Now() time.Time {
	return u.now()
}

func (u *Updater) Aggregator() *Aggregator {
	return u.aggregator
}

// Ingest saves a new record stamped with the updater's clock. It reports
// false when the record had already been ingested.
func (u *Updater) Ingest(ctx context.Context, record domain.ActivityRecord) (domain.ActivityRecord, bool, error) {
	return u.aggregator.Ingest(ctx, record, u.now)
}

// Recompute runs the incremental path for one user and period and returns
// the boards whose scores changed.
func (u *Updater) Recompute(ctx context.Context, userID string, period domain.Period, cats domain.CategorySet) ([]domain.Board, error) {
	res, err := u.aggregator.IncrementalRecompute(ctx, userID, period, cats, u.now())
	return res.Boards(), err
}

// RecomputeFull re-sums one user's window from scratch.
func (u *Updater) RecomputeFull(ctx context.Context, userID string, period domain.Period) ([]domain.Board, error) {
	res, err := u.aggregator.FullRecompute(ctx, userID, period, u.now())
	return res.Boards(), err
}

// Rerank runs one rank pass per distinct board. A failing board does not stop
// the others; the failures are joined.
func (u *Updater) Rerank(ctx context.Context, boards []domain.Board) error {
	seen := make(map[domain.Board]struct{}, len(boards))
	var errs []error
	for _, board := range boards {
		if _, ok := seen[board]; ok {
			continue
		}
		seen[board] = struct{}{}

		changed, err := u.assigner.Reassign(ctx, board)
		if err != nil {
			u.logger.Warn("rank pass failed", "board", board.String(), "error", err)
			errs = append(errs, err)
		}
		for _, l := range u.listeners {
			l.BoardUpdated(ctx, board, changed)
		}
	}
	return errors.Join(errs...)
}
