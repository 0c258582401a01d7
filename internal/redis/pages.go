package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hypertrophy-rankings/internal/cache"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	tagAll      = "all"
	tagPeriod   = "period"
	tagCategory = "category"
	tagScope    = "scope"
	tagBoard    = "board"
)

// PageCache is a cache.PageCache shared by every process. A page is stored
// with the fresh TTL plus the stale retention; a separate marker key carries
// the fresh TTL, and invalidation deletes markers only so degraded reads can
// still reach the page. Tag sets index pages by period, category, scope and
// board for partial invalidation.
type PageCache struct {
	client    *redis.Client
	keys      keys
	ttl       time.Duration
	retention time.Duration
	logger    *slog.Logger
}

var _ cache.PageCache = (*PageCache)(nil)

func NewPageCache(client *redis.Client, prefix string, ttl, retention time.Duration, logger *slog.Logger) *PageCache {
	return &PageCache{
		client:    client,
		keys:      keys{prefix: prefix},
		ttl:       ttl,
		retention: retention,
		logger:    logger,
	}
}

func (c *PageCache) Get(ctx context.Context, key domain.PageKey) (domain.LeaderboardPage, bool) {
	member := key.String()

	pipe := c.client.Pipeline()
	fresh := pipe.Exists(ctx, c.keys.fresh(member))
	data := pipe.Get(ctx, c.keys.page(member))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("page cache read failed", "key", member, "error", err)
		return domain.LeaderboardPage{}, false
	}

	if fresh.Val() == 0 {
		return domain.LeaderboardPage{}, false
	}
	return c.decode(member, data)
}

func (c *PageCache) GetStale(ctx context.Context, key domain.PageKey) (domain.LeaderboardPage, bool) {
	member := key.String()
	return c.decode(member, c.client.Get(ctx, c.keys.page(member)))
}

func (c *PageCache) FindRow(ctx context.Context, board domain.Board, userID string) (domain.RankingRow, bool) {
	members, err := c.client.SMembers(ctx, c.keys.tag(tagBoard, board.String())).Result()
	if err != nil || len(members) == 0 {
		return domain.RankingRow{}, false
	}

	pageKeys := make([]string, len(members))
	for i, m := range members {
		pageKeys[i] = c.keys.page(m)
	}
	values, err := c.client.MGet(ctx, pageKeys...).Result()
	if err != nil {
		c.logger.Warn("page cache read failed", "board", board.String(), "error", err)
		return domain.RankingRow{}, false
	}

	var (
		found  domain.RankingRow
		newest time.Time
		ok     bool
	)
	for _, v := range values {
		s, isString := v.(string)
		if !isString {
			continue
		}
		var page domain.LeaderboardPage
		if err := json.Unmarshal([]byte(s), &page); err != nil {
			continue
		}
		for _, row := range page.Entries {
			if row.UserID == userID && (!ok || page.ComputedAt.After(newest)) {
				found, newest, ok = row, page.ComputedAt, true
			}
		}
	}
	return found, ok
}

func (c *PageCache) Put(ctx context.Context, page domain.LeaderboardPage) {
	member := page.Key().String()
	data, err := json.Marshal(page)
	if err != nil {
		c.logger.Error("failed to marshal leaderboard page", "key", member, "error", err)
		return
	}

	keep := c.ttl + c.retention
	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.keys.page(member), data, keep)
	pipe.Set(ctx, c.keys.fresh(member), 1, c.ttl)
	for _, tag := range c.tagsOf(page.Key()) {
		pipe.SAdd(ctx, tag, member)
		pipe.Expire(ctx, tag, keep)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("page cache write failed", "key", member, "error", err)
	}
}

// Invalidate intersects the tag sets named by f and deletes the fresh
// markers of the matching pages.
func (c *PageCache) Invalidate(ctx context.Context, f cache.Filter) {
	members, err := c.matching(ctx, f)
	if err != nil {
		c.logger.Warn("page cache invalidation failed", "error", err)
		return
	}
	if len(members) == 0 {
		return
	}

	markers := make([]string, len(members))
	for i, m := range members {
		markers[i] = c.keys.fresh(m)
	}
	if err := c.client.Del(ctx, markers...).Err(); err != nil {
		c.logger.Warn("page cache invalidation failed", "error", err)
	}
}

func (c *PageCache) matching(ctx context.Context, f cache.Filter) ([]string, error) {
	groups := c.filterTags(f)
	if len(groups) == 0 {
		return c.client.SMembers(ctx, c.keys.tag(tagAll, tagAll)).Result()
	}

	// each group is a union of alternatives; groups are intersected
	var result map[string]struct{}
	for _, tags := range groups {
		union, err := c.client.SUnion(ctx, tags...).Result()
		if err != nil {
			return nil, err
		}
		next := make(map[string]struct{}, len(union))
		for _, m := range union {
			if _, ok := result[m]; result == nil || ok {
				next[m] = struct{}{}
			}
		}
		result = next
	}

	out := make([]string, 0, len(result))
	for m := range result {
		out = append(out, m)
	}
	return out, nil
}

func (c *PageCache) filterTags(f cache.Filter) [][]string {
	var groups [][]string
	if len(f.Periods) > 0 {
		tags := make([]string, len(f.Periods))
		for i, p := range f.Periods {
			tags[i] = c.keys.tag(tagPeriod, string(p))
		}
		groups = append(groups, tags)
	}
	if len(f.Categories) > 0 {
		tags := make([]string, len(f.Categories))
		for i, cat := range f.Categories {
			tags[i] = c.keys.tag(tagCategory, cat.String())
		}
		groups = append(groups, tags)
	}
	if f.Scope != nil {
		groups = append(groups, []string{c.keys.tag(tagScope, f.Scope.String())})
	}
	return groups
}

func (c *PageCache) tagsOf(k domain.PageKey) []string {
	return []string{
		c.keys.tag(tagAll, tagAll),
		c.keys.tag(tagPeriod, string(k.Period)),
		c.keys.tag(tagCategory, k.Category.String()),
		c.keys.tag(tagScope, k.Scope.String()),
		c.keys.tag(tagBoard, k.Board().String()),
	}
}

func (c *PageCache) decode(member string, cmd *redis.StringCmd) (domain.LeaderboardPage, bool) {
	data, err := cmd.Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("page cache read failed", "key", member, "error", err)
		}
		return domain.LeaderboardPage{}, false
	}

	var page domain.LeaderboardPage
	if err := json.Unmarshal(data, &page); err != nil {
		c.logger.Error("failed to unmarshal cached leaderboard page", "key", member, "error", err)
		return domain.LeaderboardPage{}, false
	}
	return page, true
}
