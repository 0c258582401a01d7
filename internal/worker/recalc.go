package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/ranking"
	"golang.org/x/sync/errgroup"
)

// RecalcWorker periodically re-sums every user's windows from scratch and
// re-ranks every board, correcting any drift left by incremental updates.
type RecalcWorker struct {
	activities ranking.ActivityStore
	rankings   ranking.RankingStore
	recomputer Recomputer
	windows    domain.Windows
	config     config.RecalcConfig
	logger     *slog.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
	mu         sync.Mutex
	running    bool
}

// NewRecalcWorker creates a new recalculation worker
func NewRecalcWorker(
	activities ranking.ActivityStore,
	rankings ranking.RankingStore,
	recomputer Recomputer,
	windows domain.Windows,
	cfg config.RecalcConfig,
	logger *slog.Logger,
) *RecalcWorker {
	return &RecalcWorker{
		activities: activities,
		rankings:   rankings,
		recomputer: recomputer,
		windows:    windows,
		config:     cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the background recalculation
func (w *RecalcWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("recalc worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background recalculation
func (w *RecalcWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("recalc worker stopped")
	return nil
}

func (w *RecalcWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.recalcAll(ctx)
		}
	}
}

func (w *RecalcWorker) recalcAll(ctx context.Context) {
	w.logger.Info("starting full recalculation")
	startTime := time.Now()

	recomputed := 0
	errorCount := 0

	for _, period := range domain.AllPeriods() {
		n, errs := w.RecalculatePeriod(ctx, period)
		recomputed += n
		errorCount += errs
	}

	if err := w.RerankAll(ctx); err != nil {
		w.logger.Error("rerank after recalculation incomplete", "error", err)
	}

	w.logger.Info("full recalculation completed",
		"duration", time.Since(startTime),
		"recomputed", recomputed,
		"errors", errorCount,
	)
}

// RecalculatePeriod fully recomputes every user that owns a row of period or
// has activity inside its current window. It returns how many users were
// recomputed and how many failed.
func (w *RecalcWorker) RecalculatePeriod(ctx context.Context, period domain.Period) (int, int) {
	users, err := w.usersOf(ctx, period)
	if err != nil {
		w.logger.Error("failed to list users for recalculation", "period", period, "error", err)
		return 0, 1
	}

	var (
		mu       sync.Mutex
		failures int
	)
	var g errgroup.Group
	g.SetLimit(w.concurrency())
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			if _, err := w.recomputer.RecomputeFull(ctx, userID, period); err != nil {
				w.logger.Error("failed to recalculate user",
					"user_id", userID,
					"period", period,
					"error", err,
				)
				mu.Lock()
				failures++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return len(users) - failures, failures
}

// RerankAll runs a rank pass over every board. Different boards are ranked
// concurrently and a failing board does not stop the others; the errors of
// every failed board are returned joined.
func (w *RecalcWorker) RerankAll(ctx context.Context) error {
	boards := domain.AllBoards()
	errs := make([]error, len(boards))

	var g errgroup.Group
	g.SetLimit(w.concurrency())
	for i, board := range boards {
		i, board := i, board
		g.Go(func() error {
			if err := w.recomputer.Rerank(ctx, []domain.Board{board}); err != nil {
				errs[i] = fmt.Errorf("ranking board %s: %w", board, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (w *RecalcWorker) usersOf(ctx context.Context, period domain.Period) ([]string, error) {
	withRows, err := w.rankings.UsersWithRows(ctx, period)
	if err != nil {
		return nil, err
	}
	active, err := w.activities.DistinctUsersWithRecordsIn(ctx, w.windows.Range(period, w.recomputer.Now()))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(withRows)+len(active))
	users := make([]string, 0, len(withRows)+len(active))
	for _, list := range [][]string{withRows, active} {
		for _, u := range list {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			users = append(users, u)
		}
	}
	return users, nil
}

func (w *RecalcWorker) concurrency() int {
	if w.config.Concurrency <= 0 {
		return 1
	}
	return w.config.Concurrency
}

// IsRunning returns whether the worker is currently running
func (w *RecalcWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs a single recalculation cycle (useful for manual triggers)
func (w *RecalcWorker) RunOnce(ctx context.Context) {
	w.recalcAll(ctx)
}
