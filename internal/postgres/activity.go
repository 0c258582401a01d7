package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/jackc/pgx/v5"
)

// SaveActivity inserts a record. An ID already stored yields
// domain.ErrDuplicateRecord and the stored row is left untouched.
func (r *Repository) SaveActivity(ctx context.Context, record domain.ActivityRecord) error {
	entriesJSON, err := json.Marshal(record.Entries)
	if err != nil {
		return fmt.Errorf("marshaling entries: %w", err)
	}

	var scoreJSON []byte
	var scoredAt *time.Time
	if record.Score != nil {
		scoreJSON, err = json.Marshal(record.Score)
		if err != nil {
			return fmt.Errorf("marshaling score: %w", err)
		}
		scoredAt = &record.ScoredAt
	}

	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = record.IngestedAt
	}

	query := `
		INSERT INTO activity_records (id, user_id, ts, entries, ingested_at, updated_at, score, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		record.ID,
		record.UserID,
		record.Timestamp,
		entriesJSON,
		record.IngestedAt,
		updatedAt,
		scoreJSON,
		scoredAt,
	)
	if err != nil {
		return fmt.Errorf("saving activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", record.ID, domain.ErrDuplicateRecord)
	}
	return nil
}

// GetActivity returns the record with id
func (r *Repository) GetActivity(ctx context.Context, id string) (domain.ActivityRecord, bool, error) {
	query := `
		SELECT id, user_id, ts, entries, ingested_at, updated_at, score, scored_at
		FROM activity_records
		WHERE id = $1
	`
	record, err := scanActivity(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ActivityRecord{}, false, nil
	}
	if err != nil {
		return domain.ActivityRecord{}, false, err
	}
	return record, true, nil
}

// Query returns a user's records whose timestamp lies within tr
func (r *Repository) Query(ctx context.Context, userID string, tr domain.TimeRange) ([]domain.ActivityRecord, error) {
	query := `
		SELECT id, user_id, ts, entries, ingested_at, updated_at, score, scored_at
		FROM activity_records
		WHERE user_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts
	`
	rows, err := r.pool.Query(ctx, query, userID, tr.Start, tr.End)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var records []domain.ActivityRecord
	for rows.Next() {
		record, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DistinctUsersWithRecordsIn returns users owning a record within tr
func (r *Repository) DistinctUsersWithRecordsIn(ctx context.Context, tr domain.TimeRange) ([]string, error) {
	query := `
		SELECT DISTINCT user_id
		FROM activity_records
		WHERE ts >= $1 AND ts <= $2
		ORDER BY user_id
	`
	return r.queryUserIDs(ctx, query, tr.Start, tr.End)
}

func scanActivity(row pgx.Row) (domain.ActivityRecord, error) {
	var (
		record      domain.ActivityRecord
		entriesJSON []byte
		scoreJSON   []byte
		scoredAt    *time.Time
	)
	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.Timestamp,
		&entriesJSON,
		&record.IngestedAt,
		&record.UpdatedAt,
		&scoreJSON,
		&scoredAt,
	)
	if err != nil {
		return domain.ActivityRecord{}, fmt.Errorf("scanning activity: %w", err)
	}

	if err := json.Unmarshal(entriesJSON, &record.Entries); err != nil {
		return domain.ActivityRecord{}, fmt.Errorf("unmarshaling entries of %s: %w", record.ID, err)
	}
	if scoreJSON != nil {
		var score domain.CategoryScore
		if err := json.Unmarshal(scoreJSON, &score); err != nil {
			return domain.ActivityRecord{}, fmt.Errorf("unmarshaling score of %s: %w", record.ID, err)
		}
		record.Score = &score
	}
	if scoredAt != nil {
		record.ScoredAt = *scoredAt
	}
	return record, nil
}

func (r *Repository) queryUserIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}
