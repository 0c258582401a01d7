package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/metrics"
	"github.com/hypertrophy-rankings/internal/ranking"
)

// Recomputer is the aggregation path the workers feed.
type Recomputer interface {
	Recompute(ctx context.Context, userID string, period domain.Period, cats domain.CategorySet) ([]domain.Board, error)
	RecomputeFull(ctx context.Context, userID string, period domain.Period) ([]domain.Board, error)
	Rerank(ctx context.Context, boards []domain.Board) error
	Now() time.Time
}

// Sweeper re-aggregates users whose window contents changed without an
// ingestion event: records aging out, rows nobody refreshed, and activity
// the queue may have missed.
type Sweeper struct {
	activities ranking.ActivityStore
	rankings   ranking.RankingStore
	recomputer Recomputer
	windows    domain.Windows
	config     config.SweeperConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenHour  time.Time
	sweepLock sync.Mutex

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

func NewSweeper(
	activities ranking.ActivityStore,
	rankings ranking.RankingStore,
	recomputer Recomputer,
	windows domain.Windows,
	cfg config.SweeperConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		activities: activities,
		rankings:   rankings,
		recomputer: recomputer,
		windows:    windows,
		config:     cfg,
		metrics:    m,
		logger:     logger,
		seen:       make(map[string]struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins sweeping on the configured interval.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("expiration sweeper started", "interval", s.config.Interval, "staleness", s.config.Staleness)

	go s.run(ctx)
	return nil
}

// Stop waits for the sweep in flight.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("expiration sweeper stopped")
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// FindUsersNeedingUpdate returns, for one period, the union of users with a
// record that crossed the window start during the last interval, users with
// a row older than the staleness threshold and users with activity during
// the last interval. The last two sets skip users already swept this hour;
// boundary crossings are always returned.
func (s *Sweeper) FindUsersNeedingUpdate(ctx context.Context, period domain.Period) ([]string, error) {
	now := s.recomputer.Now()
	s.resetSeen(now)

	selected := make(map[string]struct{})

	if period.Rolling() {
		start := s.windows.Range(period, now).Start
		crossed, err := s.activities.DistinctUsersWithRecordsIn(ctx, domain.TimeRange{
			Start: start.Add(-s.config.Interval),
			End:   start.Add(-time.Nanosecond),
		})
		if err != nil {
			return nil, err
		}
		for _, u := range crossed {
			selected[u] = struct{}{}
		}
	}

	stale, err := s.rankings.StaleUsers(ctx, period, now.Add(-s.config.Staleness))
	if err != nil {
		return nil, err
	}
	active, err := s.activities.DistinctUsersWithRecordsIn(ctx, domain.TimeRange{
		Start: now.Add(-s.config.Interval),
		End:   now,
	})
	if err != nil {
		return nil, err
	}

	for _, users := range [][]string{stale, active} {
		for _, u := range users {
			if !s.wasSeen(period, u) {
				selected[u] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(selected))
	for u := range selected {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// Sweep runs one pass over every period and ranks the touched boards once at
// the end.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepLock.Lock()
	defer s.sweepLock.Unlock()

	start := time.Now()
	var (
		boards   []domain.Board
		selected int
		failed   int
	)

	for _, period := range domain.AllPeriods() {
		users, err := s.FindUsersNeedingUpdate(ctx, period)
		if err != nil {
			s.logger.Error("failed to select users for sweep", "period", period, "error", err)
			continue
		}
		s.metrics.SweepSelected(string(period), len(users))
		selected += len(users)

		for _, userID := range users {
			touched, err := s.recomputer.Recompute(ctx, userID, period, domain.AllCategorySet())
			boards = append(boards, touched...)
			if err != nil {
				s.logger.Warn("sweep recompute failed", "user_id", userID, "period", period, "error", err)
				failed++
				continue
			}
			s.markSeen(period, userID)
		}
	}

	if len(boards) > 0 {
		if err := s.recomputer.Rerank(ctx, boards); err != nil {
			s.logger.Warn("sweep rerank incomplete", "error", err)
		}
	}

	duration := time.Since(start)
	s.metrics.SweepDuration(duration)
	s.logger.Info("sweep completed",
		"duration", duration,
		"selected", selected,
		"failed", failed,
		"boards", len(boards),
	)
}

// resetSeen clears the dedup set when the wall-clock hour rolls over.
func (s *Sweeper) resetSeen(now time.Time) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	hour := now.Truncate(time.Hour)
	if !hour.Equal(s.seenHour) {
		s.seen = make(map[string]struct{})
		s.seenHour = hour
	}
}

func (s *Sweeper) wasSeen(period domain.Period, userID string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	_, ok := s.seen[string(period)+"|"+userID]
	return ok
}

func (s *Sweeper) markSeen(period domain.Period, userID string) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	s.seen[string(period)+"|"+userID] = struct{}{}
}

// RunOnce runs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.Sweep(ctx)
}
