package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/jackc/pgx/v5"
)

const rankingColumns = `user_id, period, category, score, rank, percentile, tier, division, calculated_at`

// GetRow retrieves one ranking row
func (r *Repository) GetRow(ctx context.Context, key domain.RowKey) (domain.RankingRow, error) {
	query := `SELECT ` + rankingColumns + ` FROM rankings WHERE period = $1 AND category = $2 AND user_id = $3`
	row, err := scanRanking(r.pool.QueryRow(ctx, query, string(key.Period), key.Category.String(), key.UserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RankingRow{}, domain.ErrRankingNotFound
		}
		return domain.RankingRow{}, fmt.Errorf("getting ranking: %w", err)
	}
	return row, nil
}

// UserRows retrieves every row of a user in one period
func (r *Repository) UserRows(ctx context.Context, userID string, period domain.Period) ([]domain.RankingRow, error) {
	query := `SELECT ` + rankingColumns + ` FROM rankings WHERE user_id = $1 AND period = $2`
	return r.queryRankings(ctx, query, userID, string(period))
}

// BoardRows retrieves every row of a board
func (r *Repository) BoardRows(ctx context.Context, board domain.Board) ([]domain.RankingRow, error) {
	query := `SELECT ` + rankingColumns + ` FROM rankings WHERE period = $1 AND category = $2`
	return r.queryRankings(ctx, query, string(board.Period), board.Category.String())
}

// TopRows retrieves ranked rows of a board ordered by rank
func (r *Repository) TopRows(ctx context.Context, board domain.Board, limit int, userIDs []string) ([]domain.RankingRow, error) {
	if userIDs != nil {
		query := `
			SELECT ` + rankingColumns + `
			FROM rankings
			WHERE period = $1 AND category = $2 AND rank > 0 AND user_id = ANY($4)
			ORDER BY rank, user_id
			LIMIT $3
		`
		return r.queryRankings(ctx, query, string(board.Period), board.Category.String(), limit, userIDs)
	}

	query := `
		SELECT ` + rankingColumns + `
		FROM rankings
		WHERE period = $1 AND category = $2 AND rank > 0
		ORDER BY rank, user_id
		LIMIT $3
	`
	return r.queryRankings(ctx, query, string(board.Period), board.Category.String(), limit)
}

// WriteScore applies a conditional score write
func (r *Repository) WriteScore(ctx context.Context, w domain.ScoreWrite) error {
	stmt := scoreStatement(w)
	if stmt.query == "" {
		return nil
	}

	tag, err := r.pool.Exec(ctx, stmt.query, stmt.args...)
	if err != nil {
		return fmt.Errorf("writing score: %w", err)
	}
	if tag.RowsAffected() == 0 && stmt.mustAffect {
		return domain.ErrStaleWrite
	}
	return nil
}

type statement struct {
	query      string
	args       []any
	mustAffect bool
}

// scoreStatement translates a conditional write into one statement.
// Unconditional removals of an absent row affect nothing and are not
// conflicts.
func scoreStatement(w domain.ScoreWrite) statement {
	key := []any{string(w.Key.Period), w.Key.Category.String(), w.Key.UserID}
	remove := w.Score <= 0

	switch {
	case w.Prev == nil && !remove:
		return statement{
			query: `
				INSERT INTO rankings (period, category, user_id, score, calculated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (period, category, user_id)
				DO UPDATE SET score = EXCLUDED.score, calculated_at = EXCLUDED.calculated_at
				WHERE rankings.calculated_at < EXCLUDED.calculated_at
			`,
			args:       append(key, w.Score, w.CalculatedAt),
			mustAffect: true,
		}
	case w.Prev == nil:
		return statement{
			query: `DELETE FROM rankings WHERE period = $1 AND category = $2 AND user_id = $3 AND calculated_at < $4`,
			args:  append(key, w.CalculatedAt),
		}
	case w.Prev.IsZero() && !remove:
		return statement{
			query: `
				INSERT INTO rankings (period, category, user_id, score, calculated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (period, category, user_id) DO NOTHING
			`,
			args:       append(key, w.Score, w.CalculatedAt),
			mustAffect: true,
		}
	case w.Prev.IsZero():
		// removing a row that must not exist is a no-op
		return statement{}
	case !remove:
		return statement{
			query: `
				UPDATE rankings SET score = $4, calculated_at = $5
				WHERE period = $1 AND category = $2 AND user_id = $3 AND calculated_at = $6
			`,
			args:       append(key, w.Score, w.CalculatedAt, *w.Prev),
			mustAffect: true,
		}
	default:
		return statement{
			query:      `DELETE FROM rankings WHERE period = $1 AND category = $2 AND user_id = $3 AND calculated_at = $4`,
			args:       append(key, *w.Prev),
			mustAffect: true,
		}
	}
}

// ApplyRanks writes placements in one transaction. Any row whose
// calculated_at moved since the rank pass read it aborts the whole write.
func (r *Repository) ApplyRanks(ctx context.Context, board domain.Board, assignments []domain.RankAssignment) error {
	if len(assignments) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE rankings SET rank = $4, percentile = $5, tier = $6, division = $7
		WHERE period = $1 AND category = $2 AND user_id = $3 AND calculated_at = $8
	`
	batch := &pgx.Batch{}
	for _, a := range assignments {
		batch.Queue(query,
			string(board.Period),
			board.Category.String(),
			a.UserID,
			a.Rank,
			a.Percentile,
			a.Tier,
			a.Division,
			a.ExpectedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range assignments {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return fmt.Errorf("applying ranks: %w", err)
		}
		if tag.RowsAffected() == 0 {
			br.Close()
			return domain.ErrStaleWrite
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("applying ranks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing ranks: %w", err)
	}
	return nil
}

// StaleUsers returns users owning a row of period calculated before t
func (r *Repository) StaleUsers(ctx context.Context, period domain.Period, before time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT user_id FROM rankings
		WHERE period = $1 AND calculated_at < $2
		ORDER BY user_id
	`
	return r.queryUserIDs(ctx, query, string(period), before)
}

// UsersWithRows returns users owning any row of period
func (r *Repository) UsersWithRows(ctx context.Context, period domain.Period) ([]string, error) {
	query := `SELECT DISTINCT user_id FROM rankings WHERE period = $1 ORDER BY user_id`
	return r.queryUserIDs(ctx, query, string(period))
}

func (r *Repository) queryRankings(ctx context.Context, query string, args ...any) ([]domain.RankingRow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rankings: %w", err)
	}
	defer rows.Close()

	var out []domain.RankingRow
	for rows.Next() {
		row, err := scanRanking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRanking(row pgx.Row) (domain.RankingRow, error) {
	var (
		out      domain.RankingRow
		period   string
		category string
	)
	err := row.Scan(
		&out.UserID,
		&period,
		&category,
		&out.Score,
		&out.Rank,
		&out.Percentile,
		&out.Tier,
		&out.Division,
		&out.CalculatedAt,
	)
	if err != nil {
		return domain.RankingRow{}, err
	}

	out.Period = domain.Period(period)
	out.Category, err = domain.ParseCategory(category)
	if err != nil {
		return domain.RankingRow{}, fmt.Errorf("scanning ranking of %s: %w", out.UserID, err)
	}
	return out, nil
}
