package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/scoring"
)

// scoreEpsilon absorbs float drift from repeated add and subtract cycles.
const scoreEpsilon = 1e-9

// Result reports what a recompute wrote for one (user, period).
type Result struct {
	UserID string
	Period domain.Period
	// Scores holds the written score per category; zero means the row was
	// removed or never existed. Deltas holds the applied change.
	Scores  map[domain.Category]float64
	Deltas  map[domain.Category]float64
	Changed domain.CategorySet
}

func newResult(userID string, period domain.Period) Result {
	return Result{
		UserID: userID,
		Period: period,
		Scores: make(map[domain.Category]float64),
		Deltas: make(map[domain.Category]float64),
	}
}

func (r *Result) record(c domain.Category, score, delta float64) {
	r.Scores[c] = score
	r.Deltas[c] = delta
	r.Changed = r.Changed.With(c)
}

// Boards returns the boards whose scores changed.
func (r Result) Boards() []domain.Board {
	var boards []domain.Board
	for _, c := range r.Changed.Slice() {
		boards = append(boards, domain.Board{Period: r.Period, Category: c})
	}
	return boards
}

// Aggregator turns a user's activity records into per-category window scores.
// Calls for the same (user, period) run one at a time inside a process; the
// store's conditional writes order them across processes.
type Aggregator struct {
	activities ActivityStore
	rankings   RankingStore
	scorer     *scoring.Scorer
	windows    domain.Windows
	retries    int
	users      *keyedMutex
	logger     *slog.Logger
}

func NewAggregator(
	activities ActivityStore,
	rankings RankingStore,
	scorer *scoring.Scorer,
	windows domain.Windows,
	cfg config.RankingConfig,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		activities: activities,
		rankings:   rankings,
		scorer:     scorer,
		windows:    windows,
		retries:    cfg.WriteRetries,
		users:      newKeyedMutex(),
		logger:     logger,
	}
}

// Windows returns the configured window lengths.
func (a *Aggregator) Windows() domain.Windows {
	return a.windows
}

// Score returns the category breakdown of a record, reusing its cached score
// when it is still valid.
func (a *Aggregator) Score(r domain.ActivityRecord) domain.CategoryScore {
	if s, ok := r.CachedScore(); ok {
		return s
	}
	return a.scorer.ScoreRecord(r)
}

// Ingest stamps a record with the ingestion clock, scores it and saves it.
// The stamp is taken while holding every period lock of the user, so a
// recompute either sees the record or computes at an instant not after its
// ingestion time and leaves it to the next calculation.
//
// Records are immutable. Re-ingesting an ID with the same content returns the
// stored record and false; different content is rejected with
// domain.ErrInvalidRecord.
func (a *Aggregator) Ingest(ctx context.Context, record domain.ActivityRecord, clock func() time.Time) (domain.ActivityRecord, bool, error) {
	for _, p := range domain.AllPeriods() {
		defer a.users.Lock(record.UserID + "|" + string(p))()
	}

	record.Timestamp = record.Timestamp.UTC().Truncate(time.Microsecond)
	at := clock()
	record.IngestedAt = at
	if record.UpdatedAt.Before(at) {
		record.UpdatedAt = at
	}
	score := a.scorer.ScoreRecord(record)
	record.Score = &score
	record.ScoredAt = record.UpdatedAt

	err := a.activities.SaveActivity(ctx, record)
	if errors.Is(err, domain.ErrDuplicateRecord) {
		return a.redelivered(ctx, record)
	}
	if err != nil {
		return record, false, fmt.Errorf("saving activity %s: %w", record.ID, err)
	}
	return record, true, nil
}

func (a *Aggregator) redelivered(ctx context.Context, record domain.ActivityRecord) (domain.ActivityRecord, bool, error) {
	stored, ok, err := a.activities.GetActivity(ctx, record.ID)
	if err != nil {
		return record, false, fmt.Errorf("loading activity %s: %w", record.ID, err)
	}
	if !ok {
		return record, false, fmt.Errorf("activity %s reported as duplicate but not found", record.ID)
	}
	if !stored.SameContent(record) {
		return record, false, fmt.Errorf("record %s already exists with different content: %w", record.ID, domain.ErrInvalidRecord)
	}
	a.logger.Debug("activity already ingested", "record_id", record.ID, "user_id", record.UserID)
	return stored, false, nil
}

// FullRecompute re-sums every record in the user's window at asOf and writes
// one row per category with a positive score, removing rows whose score fell
// to zero. Rows written after asOf are left alone.
func (a *Aggregator) FullRecompute(ctx context.Context, userID string, period domain.Period, asOf time.Time) (Result, error) {
	defer a.users.Lock(userID + "|" + string(period))()

	res := newResult(userID, period)
	window := a.windows.Range(period, asOf)

	records, err := a.activities.Query(ctx, userID, window)
	if err != nil {
		return res, fmt.Errorf("querying activity for %s: %w", userID, err)
	}
	sum := SumWindow(records, a.Score, window, asOf)

	rows, err := a.userRows(ctx, userID, period)
	if err != nil {
		return res, err
	}

	for _, c := range domain.AllCategories() {
		score := sum.Of(c)
		if score < scoreEpsilon {
			score = 0
		}
		row, exists := rows[c]
		if !exists && score == 0 {
			continue
		}
		if exists && row.CalculatedAt.After(asOf) {
			continue
		}

		err := a.rankings.WriteScore(ctx, domain.ScoreWrite{
			Key:          domain.RowKey{UserID: userID, Period: period, Category: c},
			Score:        score,
			CalculatedAt: asOf,
		})
		if errors.Is(err, domain.ErrStaleWrite) {
			a.logger.Debug("newer row already written", "user_id", userID, "period", period, "category", c)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("writing %s score for %s: %w", c, userID, err)
		}

		if !exists || math.Abs(row.Score-score) > scoreEpsilon {
			res.record(c, score, score-row.Score)
		}
	}
	return res, nil
}

// IncrementalRecompute applies to each requested category the score of
// records that appeared since the row's calculatedAt and subtracts the score
// of records that left the window since then. A category without a row falls
// back to a full sum. Categories with nothing added or expired are not
// written. An empty cats means every category.
func (a *Aggregator) IncrementalRecompute(ctx context.Context, userID string, period domain.Period, cats domain.CategorySet, asOf time.Time) (Result, error) {
	defer a.users.Lock(userID + "|" + string(period))()

	res := newResult(userID, period)
	pending := cats
	if pending.Empty() {
		pending = domain.AllCategorySet()
	}

	for attempt := 0; attempt <= a.retries && !pending.Empty(); attempt++ {
		conflicts, err := a.incrementalPass(ctx, &res, pending, asOf)
		if err != nil {
			return res, err
		}
		if !conflicts.Empty() {
			a.logger.Debug("score write conflict, re-reading rows",
				"user_id", userID, "period", period, "attempt", attempt+1)
		}
		pending = conflicts
	}

	if !pending.Empty() {
		return res, fmt.Errorf("recomputing %s for %s: %w", period, userID, domain.ErrStaleWrite)
	}
	return res, nil
}

func (a *Aggregator) incrementalPass(ctx context.Context, res *Result, cats domain.CategorySet, asOf time.Time) (domain.CategorySet, error) {
	userID, period := res.UserID, res.Period

	rows, err := a.userRows(ctx, userID, period)
	if err != nil {
		return 0, err
	}

	queryRange := QueryRange(a.windows, period, time.Time{}, asOf)
	for _, c := range cats.Slice() {
		if row, ok := rows[c]; ok && row.CalculatedAt.Before(asOf) {
			r := QueryRange(a.windows, period, row.CalculatedAt, asOf)
			if r.Start.Before(queryRange.Start) {
				queryRange.Start = r.Start
			}
		}
	}

	records, err := a.activities.Query(ctx, userID, queryRange)
	if err != nil {
		return 0, fmt.Errorf("querying activity for %s: %w", userID, err)
	}

	var (
		full      *domain.CategoryScore
		deltas    = make(map[int64]Delta)
		conflicts domain.CategorySet
	)

	for _, c := range cats.Slice() {
		key := domain.RowKey{UserID: userID, Period: period, Category: c}
		row, exists := rows[c]

		var w domain.ScoreWrite
		var delta float64
		switch {
		case !exists:
			if full == nil {
				sum := SumWindow(records, a.Score, a.windows.Range(period, asOf), asOf)
				full = &sum
			}
			score := full.Of(c)
			if score < scoreEpsilon {
				continue
			}
			absent := time.Time{}
			w = domain.ScoreWrite{Key: key, Score: score, CalculatedAt: asOf, Prev: &absent}
			delta = score

		case !row.CalculatedAt.Before(asOf):
			// the row already reflects asOf or a later instant
			continue

		default:
			d, ok := deltas[row.CalculatedAt.UnixNano()]
			if !ok {
				d = ComputeDelta(records, a.Score, a.windows, period, row.CalculatedAt, asOf)
				deltas[row.CalculatedAt.UnixNano()] = d
			}
			added, expired := d.Of(c)
			if added == 0 && expired == 0 {
				continue
			}
			score := math.Max(0, row.Score+added-expired)
			if score < scoreEpsilon {
				score = 0
			}
			prev := row.CalculatedAt
			w = domain.ScoreWrite{Key: key, Score: score, CalculatedAt: asOf, Prev: &prev}
			delta = score - row.Score
		}

		err := a.rankings.WriteScore(ctx, w)
		if errors.Is(err, domain.ErrStaleWrite) {
			conflicts = conflicts.With(c)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("writing %s score for %s: %w", c, userID, err)
		}
		res.record(c, w.Score, delta)
	}
	return conflicts, nil
}

func (a *Aggregator) userRows(ctx context.Context, userID string, period domain.Period) (map[domain.Category]domain.RankingRow, error) {
	rows, err := a.rankings.UserRows(ctx, userID, period)
	if err != nil {
		return nil, fmt.Errorf("loading rows for %s: %w", userID, err)
	}
	byCategory := make(map[domain.Category]domain.RankingRow, len(rows))
	for _, r := range rows {
		byCategory[r.Category] = r
	}
	return byCategory, nil
}
