package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/jackc/pgx/v5"
)

// Assign moves a user into a peer group
func (r *Repository) Assign(ctx context.Context, userID, groupID string) error {
	query := `
		INSERT INTO peer_group_members (user_id, group_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET group_id = EXCLUDED.group_id, joined_at = CURRENT_TIMESTAMP
	`
	if _, err := r.pool.Exec(ctx, query, userID, groupID); err != nil {
		return fmt.Errorf("assigning peer group: %w", err)
	}
	return nil
}

// MembersOf lists the members of a peer group
func (r *Repository) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	query := `SELECT user_id FROM peer_group_members WHERE group_id = $1 ORDER BY user_id`
	members, err := r.queryUserIDs(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, domain.ErrGroupNotFound
	}
	return members, nil
}

// GroupOf returns the peer group of a user
func (r *Repository) GroupOf(ctx context.Context, userID string) (string, bool, error) {
	var groupID string
	err := r.pool.QueryRow(ctx, `SELECT group_id FROM peer_group_members WHERE user_id = $1`, userID).Scan(&groupID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("getting peer group: %w", err)
	}
	return groupID, true, nil
}
