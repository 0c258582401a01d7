// Package ranking keeps per-user rolling-window scores and global ranks in
// sync with the activity log.
package ranking

import (
	"context"
	"time"

	"github.com/hypertrophy-rankings/internal/domain"
)

// ActivityStore reads the activity log.
type ActivityStore interface {
	// Query returns a user's records whose Timestamp lies within r.
	Query(ctx context.Context, userID string, r domain.TimeRange) ([]domain.ActivityRecord, error)
	// DistinctUsersWithRecordsIn returns users owning a record whose
	// Timestamp lies within r.
	DistinctUsersWithRecordsIn(ctx context.Context, r domain.TimeRange) ([]string, error)
	// SaveActivity inserts a record. Records are immutable: an ID that is
	// already stored yields domain.ErrDuplicateRecord and changes nothing.
	SaveActivity(ctx context.Context, record domain.ActivityRecord) error
	// GetActivity returns the record with id and false when there is none.
	GetActivity(ctx context.Context, id string) (domain.ActivityRecord, bool, error)
}

// RankingStore persists RankingRows.
type RankingStore interface {
	GetRow(ctx context.Context, key domain.RowKey) (domain.RankingRow, error)
	// UserRows returns every row of a user in one period.
	UserRows(ctx context.Context, userID string, period domain.Period) ([]domain.RankingRow, error)
	// BoardRows returns every row of a board in no particular order.
	BoardRows(ctx context.Context, board domain.Board) ([]domain.RankingRow, error)
	// TopRows returns up to limit ranked rows of a board ordered by rank. A
	// non-nil userIDs restricts the result to those users.
	TopRows(ctx context.Context, board domain.Board, limit int, userIDs []string) ([]domain.RankingRow, error)
	// WriteScore applies a conditional score write and returns
	// domain.ErrStaleWrite when its condition does not hold.
	WriteScore(ctx context.Context, w domain.ScoreWrite) error
	// ApplyRanks writes placements all-or-nothing. It returns
	// domain.ErrStaleWrite when any row is missing or its calculatedAt
	// differs from the assignment's ExpectedAt.
	ApplyRanks(ctx context.Context, board domain.Board, assignments []domain.RankAssignment) error
	// StaleUsers returns users owning a row of period calculated before t.
	StaleUsers(ctx context.Context, period domain.Period, before time.Time) ([]string, error)
	// UsersWithRows returns users owning any row of period.
	UsersWithRows(ctx context.Context, period domain.Period) ([]string, error)
}

// PeerGroupDirectory resolves peer group membership.
type PeerGroupDirectory interface {
	// MembersOf returns the members of a group or domain.ErrGroupNotFound.
	MembersOf(ctx context.Context, groupID string) ([]string, error)
	// GroupOf returns the group of a user and false when the user has none.
	GroupOf(ctx context.Context, userID string) (string, bool, error)
}
