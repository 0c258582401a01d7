package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/ranking"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the lease forward only if it still carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// BoardLocker serializes rank passes of a board across processes with a
// SET NX PX lease. The holder renews the lease every third of its length
// until it releases; a crashed holder frees the board after the lease.
type BoardLocker struct {
	client *redis.Client
	keys   keys
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

var _ ranking.BoardLocker = (*BoardLocker)(nil)

func NewBoardLocker(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *BoardLocker {
	return &BoardLocker{
		client: client,
		keys:   keys{prefix: prefix},
		ttl:    ttl,
		poll:   50 * time.Millisecond,
		logger: logger,
	}
}

func (l *BoardLocker) Lock(ctx context.Context, board domain.Board) (func(), error) {
	key := l.keys.lock(board.String())
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring rerank lock: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(ctx, board, key, token, stop, done)

	return func() {
		close(stop)
		<-done

		// release even if the caller's context is already done
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release rerank lock", "board", board.String(), "error", err)
		}
	}, nil
}

// renew extends the lease until stop is closed or the lease is lost.
func (l *BoardLocker) renew(ctx context.Context, board domain.Board, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(renewInterval(l.ttl))
	defer ticker.Stop()

	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		extendCtx, cancel := context.WithTimeout(ctx, renewInterval(l.ttl))
		held, err := extendScript.Run(extendCtx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			l.logger.Warn("failed to renew rerank lock", "board", board.String(), "error", err)
			continue
		}
		if held == 0 {
			l.logger.Warn("rerank lock lost", "board", board.String())
			return
		}
	}
}

func renewInterval(ttl time.Duration) time.Duration {
	return max(ttl/3, 10*time.Millisecond)
}
