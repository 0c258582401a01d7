// Package queue buffers per-user recompute requests in two priority lanes and
// drains them in batches.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/metrics"
)

// Updater applies a drained update. Recompute returns the boards whose scores
// changed, also when it fails part way.
type Updater interface {
	Recompute(ctx context.Context, userID string, period domain.Period, cats domain.CategorySet) ([]domain.Board, error)
	Rerank(ctx context.Context, boards []domain.Board) error
}

// Queue coalesces updates per user. Each user has at most one pending entry;
// the lane slices may hold leftovers of entries that moved lanes or were
// taken, which are skipped when popped.
type Queue struct {
	config  config.QueueConfig
	updater Updater
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	pending    map[string]*domain.PendingUpdate
	high       []string
	low        []string
	processing bool
	batchSize  int
	interval   time.Duration

	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a queue. Start launches the drain loop.
func New(cfg config.QueueConfig, updater Updater, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = 1
	}
	if cfg.MaxBatch < cfg.MinBatch {
		cfg.MaxBatch = cfg.MinBatch
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	if cfg.MinTick <= 0 || cfg.MinTick > cfg.Tick {
		cfg.MinTick = cfg.Tick
	}
	return &Queue{
		config:    cfg,
		updater:   updater,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		pending:   make(map[string]*domain.PendingUpdate),
		batchSize: cfg.MinBatch,
		interval:  cfg.Tick,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Enqueue adds or merges an update for userID. Empty sets mean every
// category or every period. A high priority request for a user already
// waiting in the low lane moves it to the high lane.
func (q *Queue) Enqueue(userID string, cats domain.CategorySet, periods domain.PeriodSet, priority domain.Priority) error {
	if userID == "" {
		return fmt.Errorf("enqueue without user: %w", domain.ErrInvalidRequest)
	}
	if cats.Empty() {
		cats = domain.AllCategorySet()
	}
	if periods.Empty() {
		periods = domain.AllPeriodSet()
	}

	err := q.push(domain.PendingUpdate{
		UserID:     userID,
		Categories: cats,
		Periods:    periods,
		Priority:   priority,
	})
	if err != nil {
		return err
	}

	if priority == domain.PriorityHigh {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (q *Queue) push(u domain.PendingUpdate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.pending[u.UserID]; ok {
		lane := existing.Priority
		existing.Merge(u)
		if existing.Priority == domain.PriorityHigh && lane != domain.PriorityHigh {
			q.high = append(q.high, u.UserID)
		}
		return nil
	}

	if q.config.Capacity > 0 && len(q.pending) >= q.config.Capacity {
		q.metrics.UpdateDropped()
		return fmt.Errorf("enqueue %s: %w", u.UserID, domain.ErrQueueFull)
	}

	u.EnqueuedAt = q.now()
	q.pending[u.UserID] = &u
	if u.Priority == domain.PriorityHigh {
		q.high = append(q.high, u.UserID)
	} else {
		q.low = append(q.low, u.UserID)
	}
	return nil
}

// Start launches the drain loop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()

	q.logger.Info("update queue started", "tick", q.config.Tick, "batch", q.config.MinBatch)

	go q.run(ctx)
	return nil
}

// Stop ends the drain loop after the batch in flight.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	close(q.stopCh)
	<-q.doneCh

	q.mu.Lock()
	q.running = false
	q.mu.Unlock()

	q.logger.Info("update queue stopped")
	return nil
}

// run drains on every tick. The timer is re-armed only after a batch
// finishes, so a slow batch delays the next tick instead of stacking ticks.
func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)

	timer := time.NewTimer(q.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-timer.C:
		}

		q.DrainOnce(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.currentInterval())
	}
}

// DrainOnce takes one batch, high lane first, and applies it. It returns the
// number of users taken.
func (q *Queue) DrainOnce(ctx context.Context) int {
	batch := q.take()
	defer q.finish()
	if len(batch) == 0 {
		return 0
	}
	q.metrics.DrainBatch(len(batch))

	failed := make(map[string]*domain.PendingUpdate)
	for _, period := range domain.AllPeriods() {
		var boards []domain.Board
		for i := range batch {
			u := &batch[i]
			if !u.Periods.Has(period) {
				continue
			}
			touched, err := q.updater.Recompute(ctx, u.UserID, period, u.Categories)
			boards = append(boards, touched...)
			if err != nil {
				q.logger.Warn("recompute failed",
					"user_id", u.UserID,
					"period", period,
					"attempt", u.Attempts+1,
					"error", err,
				)
				f, ok := failed[u.UserID]
				if !ok {
					f = &domain.PendingUpdate{UserID: u.UserID, Categories: u.Categories, Attempts: u.Attempts}
					failed[u.UserID] = f
				}
				f.Periods = f.Periods.Union(domain.NewPeriodSet(period))
			}
		}

		if len(boards) > 0 {
			if err := q.updater.Rerank(ctx, boards); err != nil {
				q.logger.Warn("rerank after drain failed", "period", period, "error", err)
			}
		}
	}

	for _, u := range batch {
		if f, ok := failed[u.UserID]; ok {
			q.retry(*f)
			continue
		}
		q.metrics.UpdateProcessed()
	}
	return len(batch)
}

// retry puts a failed update back in the low lane, or drops it once it has
// used up its attempts. A dropped user is picked up again by the sweeper's
// staleness check.
func (q *Queue) retry(u domain.PendingUpdate) {
	u.Attempts++
	u.Priority = domain.PriorityLow
	if u.Attempts > q.config.MaxAttempts {
		q.logger.Error("dropping update after retries",
			"user_id", u.UserID,
			"attempts", u.Attempts,
			"periods", u.Periods.Slice(),
		)
		q.metrics.UpdateDropped()
		return
	}
	if err := q.push(u); err != nil {
		q.logger.Error("dropping update, queue full", "user_id", u.UserID, "error", err)
		return
	}
	q.metrics.UpdateRetried()
}

func (q *Queue) take() []domain.PendingUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.processing = true
	batch := make([]domain.PendingUpdate, 0, q.batchSize)
	for len(batch) < q.batchSize {
		userID, ok := q.pop(&q.high, domain.PriorityHigh)
		if !ok {
			userID, ok = q.pop(&q.low, domain.PriorityLow)
		}
		if !ok {
			break
		}
		batch = append(batch, *q.pending[userID])
		delete(q.pending, userID)
	}
	q.reportDepth()
	return batch
}

// pop returns the first user of lane whose pending entry still belongs to
// that lane.
func (q *Queue) pop(lane *[]string, priority domain.Priority) (string, bool) {
	for len(*lane) > 0 {
		userID := (*lane)[0]
		*lane = (*lane)[1:]
		if u, ok := q.pending[userID]; ok && u.Priority == priority {
			return userID, true
		}
	}
	return "", false
}

// finish clears the processing flag and adapts batch size and tick to the
// remaining depth.
func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.processing = false
	depth := len(q.pending)
	switch {
	case depth > q.config.HighWater:
		q.batchSize = q.config.MaxBatch
		q.interval = q.config.MinTick
	case depth < q.config.LowWater:
		q.batchSize = q.config.MinBatch
		q.interval = q.config.Tick
	}
}

func (q *Queue) currentInterval() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interval
}

// reportDepth must be called with q.mu held. It walks the pending index, so
// it runs once per drain rather than per enqueue.
func (q *Queue) reportDepth() {
	high, low := q.laneCounts()
	q.metrics.SetQueueDepth(high, low)
}

func (q *Queue) laneCounts() (high, low int) {
	for _, u := range q.pending {
		if u.Priority == domain.PriorityHigh {
			high++
		} else {
			low++
		}
	}
	return high, low
}

// Status reports depth and the current drain policy.
func (q *Queue) Status() domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	high, low := q.laneCounts()
	return domain.QueueStatus{
		Queued:     len(q.pending),
		High:       high,
		Low:        low,
		Processing: q.processing,
		BatchSize:  q.batchSize,
		Interval:   q.interval,
	}
}

// Pending returns a copy of the pending entry of userID.
func (q *Queue) Pending(userID string) (domain.PendingUpdate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u, ok := q.pending[userID]
	if !ok {
		return domain.PendingUpdate{}, false
	}
	return *u, true
}
