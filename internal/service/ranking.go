// Package service exposes the ranking core to the transports: activity
// ingestion, leaderboard reads and administrative recalculation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hypertrophy-rankings/internal/cache"
	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/metrics"
	"github.com/hypertrophy-rankings/internal/queue"
	"github.com/hypertrophy-rankings/internal/ranking"
	"golang.org/x/sync/singleflight"
)

// maxClockSkew bounds how far in the future a record timestamp may lie.
const maxClockSkew = 5 * time.Minute

// PeerGroups resolves and changes peer group membership.
type PeerGroups interface {
	ranking.PeerGroupDirectory
	Assign(ctx context.Context, userID, groupID string) error
}

// Broadcaster pushes refreshed boards to live subscribers.
type Broadcaster interface {
	HasSubscribers(board domain.Board) bool
	BroadcastBoard(page domain.LeaderboardPage, ranksChanged int)
}

// RankingService provides the exposed ranking operations
type RankingService struct {
	rankings    ranking.RankingStore
	groups      PeerGroups
	updater     *ranking.Updater
	queue       *queue.Queue
	cache       cache.PageCache
	config      config.LeaderboardConfig
	metrics     *metrics.Metrics
	logger      *slog.Logger
	broadcaster Broadcaster

	flight singleflight.Group

	// generations counts rank passes per board so a read that raced a rank
	// pass does not cache its result as fresh
	genMu       sync.Mutex
	generations map[domain.Board]uint64
}

// NewRankingService creates a new ranking service
func NewRankingService(
	rankings ranking.RankingStore,
	groups PeerGroups,
	updater *ranking.Updater,
	q *queue.Queue,
	pages cache.PageCache,
	cfg config.LeaderboardConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *RankingService {
	return &RankingService{
		rankings:    rankings,
		groups:      groups,
		updater:     updater,
		queue:       q,
		cache:       pages,
		config:      cfg,
		metrics:     m,
		logger:      logger,
		generations: make(map[domain.Board]uint64),
	}
}

// SetBroadcaster registers the board push target. Call it before the
// service is shared.
func (s *RankingService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// SubmitActivity scores and stores a record and schedules a high priority
// update for its owner. Only an invalid record or a failed save is reported;
// a degraded update path is logged and left to the sweeper. Submitting an
// already stored record again is a no-op that returns the stored record;
// reusing its ID for different content is invalid.
func (s *RankingService) SubmitActivity(ctx context.Context, record domain.ActivityRecord) (domain.ActivityRecord, error) {
	if err := s.validate(&record); err != nil {
		return record, err
	}

	saved, inserted, err := s.updater.Ingest(ctx, record)
	if domain.IsInvalidError(err) {
		return record, err
	}
	if err != nil {
		s.logger.Error("failed to save activity", "record_id", record.ID, "user_id", record.UserID, "error", err)
		return record, fmt.Errorf("saving activity: %w", domain.ErrTemporarilyUnavailable)
	}
	if !inserted {
		return saved, nil
	}
	s.metrics.RecordIngested()

	cats := saved.Score.Categories()
	if cats.Empty() {
		s.logger.Debug("activity scored zero, nothing to update", "record_id", saved.ID, "user_id", saved.UserID)
		return saved, nil
	}

	if err := s.queue.Enqueue(saved.UserID, cats, domain.AllPeriodSet(), domain.PriorityHigh); err != nil {
		s.logger.Warn("failed to enqueue update", "user_id", saved.UserID, "error", err)
	}
	return saved, nil
}

func (s *RankingService) validate(record *domain.ActivityRecord) error {
	if record.UserID == "" {
		return fmt.Errorf("record without user: %w", domain.ErrInvalidRecord)
	}
	if record.Timestamp.IsZero() {
		return fmt.Errorf("record without timestamp: %w", domain.ErrInvalidRecord)
	}

	now := s.updater.Now()
	if record.Timestamp.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("record timestamp %s is in the future: %w", record.Timestamp.Format(time.RFC3339), domain.ErrInvalidRecord)
	}
	// within the skew allowance the record counts as logged now
	if record.Timestamp.After(now) {
		record.Timestamp = now
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	return nil
}

// GetLeaderboard returns up to limit ranked rows of a board. Pages are
// served from the cache when fresh. When the store fails, the last cached
// page is returned marked stale; without one the board is reported
// temporarily unavailable.
func (s *RankingService) GetLeaderboard(ctx context.Context, period domain.Period, category domain.Category, scope domain.Scope, limit int) (domain.LeaderboardPage, error) {
	if !period.Valid() {
		return domain.LeaderboardPage{}, domain.ErrInvalidPeriod
	}
	if !category.Valid() {
		return domain.LeaderboardPage{}, domain.ErrInvalidCategory
	}
	if scope.Kind == domain.ScopeGroup && scope.GroupID == "" {
		return domain.LeaderboardPage{}, fmt.Errorf("group scope without group: %w", domain.ErrInvalidRequest)
	}

	key := domain.PageKey{Period: period, Category: category, Scope: scope, Limit: s.clampLimit(limit)}

	if page, ok := s.cache.Get(ctx, key); ok {
		s.metrics.CacheLookup("hit")
		return page, nil
	}
	s.metrics.CacheLookup("miss")

	v, err, _ := s.flight.Do(key.String(), func() (interface{}, error) {
		return s.loadPage(ctx, key)
	})
	if err == nil {
		return v.(domain.LeaderboardPage), nil
	}
	if domain.IsNotFoundError(err) {
		return domain.LeaderboardPage{}, err
	}

	s.logger.Warn("failed to load leaderboard", "board", key.Board().String(), "scope", scope.String(), "error", err)
	if page, ok := s.cache.GetStale(ctx, key); ok {
		s.metrics.CacheLookup("stale")
		page.Stale = true
		return page, nil
	}
	return domain.LeaderboardPage{}, fmt.Errorf("loading %s: %w", key.Board(), domain.ErrTemporarilyUnavailable)
}

func (s *RankingService) loadPage(ctx context.Context, key domain.PageKey) (domain.LeaderboardPage, error) {
	board := key.Board()
	gen := s.generation(board)

	var members []string
	if key.Scope.Kind == domain.ScopeGroup {
		var err error
		members, err = s.groups.MembersOf(ctx, key.Scope.GroupID)
		if err != nil {
			return domain.LeaderboardPage{}, fmt.Errorf("resolving group %s: %w", key.Scope.GroupID, err)
		}
		if members == nil {
			members = []string{}
		}
	}

	rows, err := s.rankings.TopRows(ctx, board, key.Limit, members)
	if err != nil {
		return domain.LeaderboardPage{}, err
	}
	if rows == nil {
		rows = []domain.RankingRow{}
	}

	page := domain.LeaderboardPage{
		Period:     key.Period,
		Category:   key.Category,
		Scope:      key.Scope,
		Limit:      key.Limit,
		Entries:    rows,
		ComputedAt: s.updater.Now(),
	}
	if s.generation(board) == gen {
		s.cache.Put(ctx, page)
	}
	return page, nil
}

func (s *RankingService) clampLimit(limit int) int {
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if s.config.MaxLimit > 0 && limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}
	return limit
}

// GetUserRanking returns a user's row on one board. A row with rank 0 has a
// score that has not been through a rank pass yet. When the store fails, the
// row from a cached page is returned marked stale.
func (s *RankingService) GetUserRanking(ctx context.Context, userID string, period domain.Period, category domain.Category) (domain.RankingRow, error) {
	if userID == "" {
		return domain.RankingRow{}, fmt.Errorf("ranking without user: %w", domain.ErrInvalidRequest)
	}
	if !period.Valid() {
		return domain.RankingRow{}, domain.ErrInvalidPeriod
	}
	if !category.Valid() {
		return domain.RankingRow{}, domain.ErrInvalidCategory
	}

	key := domain.RowKey{UserID: userID, Period: period, Category: category}
	row, err := s.rankings.GetRow(ctx, key)
	if err == nil || errors.Is(err, domain.ErrRankingNotFound) {
		return row, err
	}

	s.logger.Warn("failed to load ranking", "user_id", userID, "board", key.Board().String(), "error", err)
	if cached, ok := s.cache.FindRow(ctx, key.Board(), userID); ok {
		s.metrics.CacheLookup("stale")
		cached.Stale = true
		return cached, nil
	}
	return domain.RankingRow{}, fmt.Errorf("loading ranking of %s: %w", userID, domain.ErrTemporarilyUnavailable)
}

// ForceRecalculate re-sums a user's windows from scratch and ranks the
// boards that changed before returning. An empty periods means every period.
func (s *RankingService) ForceRecalculate(ctx context.Context, userID string, periods domain.PeriodSet) error {
	if userID == "" {
		return fmt.Errorf("recalculate without user: %w", domain.ErrInvalidRequest)
	}
	if periods.Empty() {
		periods = domain.AllPeriodSet()
	}

	var (
		boards []domain.Board
		errs   []error
	)
	for _, period := range periods.Slice() {
		touched, err := s.updater.RecomputeFull(ctx, userID, period)
		boards = append(boards, touched...)
		if err != nil {
			errs = append(errs, fmt.Errorf("recalculating %s: %w", period, err))
		}
	}

	if err := s.updater.Rerank(ctx, boards); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("forced recalculation",
		"user_id", userID,
		"boards", len(boards),
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

// AssignGroup moves a user into a peer group and drops the cached pages of
// both the old and the new group.
func (s *RankingService) AssignGroup(ctx context.Context, userID, groupID string) error {
	if userID == "" || groupID == "" {
		return fmt.Errorf("group assignment needs user and group: %w", domain.ErrInvalidRequest)
	}

	prev, hadGroup, err := s.groups.GroupOf(ctx, userID)
	if err != nil {
		return fmt.Errorf("looking up group of %s: %w", userID, err)
	}
	if err := s.groups.Assign(ctx, userID, groupID); err != nil {
		return fmt.Errorf("assigning %s to %s: %w", userID, groupID, err)
	}

	s.cache.Invalidate(ctx, cache.ScopeFilter(domain.GroupScope(groupID)))
	if hadGroup && prev != groupID {
		s.cache.Invalidate(ctx, cache.ScopeFilter(domain.GroupScope(prev)))
	}
	return nil
}

// UserGroup returns the peer group of a user, if any
func (s *RankingService) UserGroup(ctx context.Context, userID string) (string, bool, error) {
	return s.groups.GroupOf(ctx, userID)
}

// QueueStatus reports the update queue state
func (s *RankingService) QueueStatus() domain.QueueStatus {
	return s.queue.Status()
}

// BoardUpdated drops the board's cached pages and pushes the new top page to
// subscribers.
func (s *RankingService) BoardUpdated(ctx context.Context, board domain.Board, ranksChanged int) {
	s.genMu.Lock()
	s.generations[board]++
	s.genMu.Unlock()

	s.cache.Invalidate(ctx, cache.BoardFilter(board))

	if s.broadcaster == nil || !s.broadcaster.HasSubscribers(board) {
		return
	}
	page, err := s.GetLeaderboard(ctx, board.Period, board.Category, domain.GlobalScope(), s.config.BroadcastLimit)
	if err != nil {
		s.logger.Warn("failed to load board for broadcast", "board", board.String(), "error", err)
		return
	}
	s.broadcaster.BroadcastBoard(page, ranksChanged)
}

func (s *RankingService) generation(board domain.Board) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[board]
}

var _ ranking.BoardListener = (*RankingService)(nil)
