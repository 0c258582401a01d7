// Package memory provides process-local stores for single-node deployments
// and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hypertrophy-rankings/internal/domain"
)

// ActivityStore keeps activity records per user, ordered by timestamp.
type ActivityStore struct {
	mu sync.RWMutex
	// byUser holds each user's records sorted by Timestamp
	byUser map[string][]domain.ActivityRecord
	// owner maps a record ID to its user
	owner map[string]string
}

func NewActivityStore() *ActivityStore {
	return &ActivityStore{
		byUser: make(map[string][]domain.ActivityRecord),
		owner:  make(map[string]string),
	}
}

// SaveActivity inserts a record. An ID already stored yields
// domain.ErrDuplicateRecord.
func (s *ActivityStore) SaveActivity(ctx context.Context, record domain.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owner[record.ID]; ok {
		return fmt.Errorf("record %s: %w", record.ID, domain.ErrDuplicateRecord)
	}
	s.owner[record.ID] = record.UserID

	records := append(s.byUser[record.UserID], cloneRecord(record))
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	s.byUser[record.UserID] = records
	return nil
}

func (s *ActivityStore) GetActivity(ctx context.Context, id string) (domain.ActivityRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.owner[id]
	if !ok {
		return domain.ActivityRecord{}, false, nil
	}
	for _, rec := range s.byUser[userID] {
		if rec.ID == id {
			return cloneRecord(rec), true, nil
		}
	}
	return domain.ActivityRecord{}, false, nil
}

func (s *ActivityStore) Query(ctx context.Context, userID string, r domain.TimeRange) ([]domain.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ActivityRecord
	for _, rec := range s.byUser[userID] {
		if r.Contains(rec.Timestamp) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (s *ActivityStore) DistinctUsersWithRecordsIn(ctx context.Context, r domain.TimeRange) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []string
	for userID, records := range s.byUser {
		for _, rec := range records {
			if r.Contains(rec.Timestamp) {
				users = append(users, userID)
				break
			}
		}
	}
	sort.Strings(users)
	return users, nil
}

func cloneRecord(r domain.ActivityRecord) domain.ActivityRecord {
	if r.Score != nil {
		score := *r.Score
		r.Score = &score
	}
	return r
}
