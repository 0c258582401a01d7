package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hypertrophy-rankings/internal/domain"
)

// RankingStore keeps RankingRows per board. All conditional writes are
// evaluated under one lock.
type RankingStore struct {
	mu     sync.RWMutex
	boards map[domain.Board]map[string]domain.RankingRow
}

func NewRankingStore() *RankingStore {
	return &RankingStore{boards: make(map[domain.Board]map[string]domain.RankingRow)}
}

func (s *RankingStore) GetRow(ctx context.Context, key domain.RowKey) (domain.RankingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.boards[key.Board()][key.UserID]
	if !ok {
		return domain.RankingRow{}, domain.ErrRankingNotFound
	}
	return row, nil
}

func (s *RankingStore) UserRows(ctx context.Context, userID string, period domain.Period) ([]domain.RankingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []domain.RankingRow
	for _, c := range domain.AllCategories() {
		if row, ok := s.boards[domain.Board{Period: period, Category: c}][userID]; ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (s *RankingStore) BoardRows(ctx context.Context, board domain.Board) ([]domain.RankingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.RankingRow, 0, len(s.boards[board]))
	for _, row := range s.boards[board] {
		rows = append(rows, row)
	}
	return rows, nil
}

// TopRows skips rows that have not been ranked yet.
func (s *RankingStore) TopRows(ctx context.Context, board domain.Board, limit int, userIDs []string) ([]domain.RankingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var allowed map[string]struct{}
	if userIDs != nil {
		allowed = make(map[string]struct{}, len(userIDs))
		for _, id := range userIDs {
			allowed[id] = struct{}{}
		}
	}

	var rows []domain.RankingRow
	for _, row := range s.boards[board] {
		if row.Rank == 0 {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[row.UserID]; !ok {
				continue
			}
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Rank != rows[j].Rank {
			return rows[i].Rank < rows[j].Rank
		}
		return rows[i].UserID < rows[j].UserID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *RankingStore) WriteScore(ctx context.Context, w domain.ScoreWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	board := w.Key.Board()
	row, exists := s.boards[board][w.Key.UserID]

	switch {
	case w.Prev == nil:
		if exists && !row.CalculatedAt.Before(w.CalculatedAt) {
			return domain.ErrStaleWrite
		}
	case w.Prev.IsZero():
		if exists {
			return domain.ErrStaleWrite
		}
	default:
		if !exists || !row.CalculatedAt.Equal(*w.Prev) {
			return domain.ErrStaleWrite
		}
	}

	if w.Score <= 0 {
		delete(s.boards[board], w.Key.UserID)
		return nil
	}

	if !exists {
		row = domain.RankingRow{UserID: w.Key.UserID, Period: w.Key.Period, Category: w.Key.Category}
	}
	row.Score = w.Score
	row.CalculatedAt = w.CalculatedAt

	if s.boards[board] == nil {
		s.boards[board] = make(map[string]domain.RankingRow)
	}
	s.boards[board][w.Key.UserID] = row
	return nil
}

func (s *RankingStore) ApplyRanks(ctx context.Context, board domain.Board, assignments []domain.RankAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.boards[board]
	for _, a := range assignments {
		row, ok := rows[a.UserID]
		if !ok || !row.CalculatedAt.Equal(a.ExpectedAt) {
			return domain.ErrStaleWrite
		}
	}

	for _, a := range assignments {
		row := rows[a.UserID]
		row.Rank = a.Rank
		row.Percentile = a.Percentile
		row.Tier = a.Tier
		row.Division = a.Division
		rows[a.UserID] = row
	}
	return nil
}

func (s *RankingStore) StaleUsers(ctx context.Context, period domain.Period, before time.Time) ([]string, error) {
	return s.usersWhere(period, func(row domain.RankingRow) bool {
		return row.CalculatedAt.Before(before)
	}), nil
}

func (s *RankingStore) UsersWithRows(ctx context.Context, period domain.Period) ([]string, error) {
	return s.usersWhere(period, func(domain.RankingRow) bool { return true }), nil
}

func (s *RankingStore) usersWhere(period domain.Period, match func(domain.RankingRow) bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range domain.AllCategories() {
		for userID, row := range s.boards[domain.Board{Period: period, Category: c}] {
			if match(row) {
				seen[userID] = struct{}{}
			}
		}
	}

	users := make([]string, 0, len(seen))
	for userID := range seen {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}
