package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hypertrophy-rankings/internal/cache"
	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/memory"
	"github.com/hypertrophy-rankings/internal/metrics"
	"github.com/hypertrophy-rankings/internal/queue"
	"github.com/hypertrophy-rankings/internal/ranking"
	"github.com/hypertrophy-rankings/internal/scoring"
	"github.com/hypertrophy-rankings/internal/service"
	"github.com/hypertrophy-rankings/internal/tier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

// failingStore fails reads while down is set.
type failingStore struct {
	*memory.RankingStore
	down bool
}

func (s *failingStore) GetRow(ctx context.Context, key domain.RowKey) (domain.RankingRow, error) {
	if s.down {
		return domain.RankingRow{}, errors.New("connection refused")
	}
	return s.RankingStore.GetRow(ctx, key)
}

func (s *failingStore) TopRows(ctx context.Context, board domain.Board, limit int, userIDs []string) ([]domain.RankingRow, error) {
	if s.down {
		return nil, errors.New("connection refused")
	}
	return s.RankingStore.TopRows(ctx, board, limit, userIDs)
}

type apiEnv struct {
	router   http.Handler
	queue    *queue.Queue
	rankings *failingStore
	clock    time.Time
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &apiEnv{clock: now}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	rankings := &failingStore{RankingStore: memory.NewRankingStore()}
	env.rankings = rankings
	cfg := config.RankingConfig{WriteRetries: 3, ReassignRetries: 3}
	agg := ranking.NewAggregator(memory.NewActivityStore(), rankings, scoring.NewScorer(config.DefaultScoring(), logger),
		domain.DefaultWindows(), cfg, logger)
	asg := ranking.NewAssigner(rankings, tier.NewClassifier(nil), nil, cfg, m, logger)
	updater := ranking.NewUpdater(agg, asg, logger)
	updater.SetClock(func() time.Time { return env.clock })

	env.queue = queue.New(config.QueueConfig{
		Tick:        time.Second,
		MinBatch:    10,
		MaxBatch:    10,
		HighWater:   100,
		LowWater:    10,
		MaxAttempts: 3,
		Capacity:    100,
	}, updater, m, logger)

	svc := service.NewRankingService(rankings, memory.NewPeerGroups(), updater, env.queue,
		cache.NewLocal(time.Minute, time.Hour), config.LeaderboardConfig{DefaultLimit: 10, MaxLimit: 50, BroadcastLimit: 3}, m, logger)
	updater.AddListener(svc)

	env.router = NewHandler(svc, nil, reg, logger).Router()
	return env
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp APIResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// decodeData re-decodes the generic data field into out.
func decodeData(t *testing.T, resp APIResponse, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func chestRecord(user string) domain.ActivityRecord {
	return domain.ActivityRecord{
		UserID:    user,
		Timestamp: now.Add(-time.Hour),
		Entries: []domain.Entry{{
			Exercise: "bench press",
			Weights:  domain.CategoryWeights{Primary: domain.CategoryChest},
			Sets:     []domain.Set{{Quantity: 10, Intensity: 10}},
		}},
	}
}

// submit posts records and drains the queue a moment later.
func (e *apiEnv) submit(t *testing.T, records ...domain.ActivityRecord) {
	t.Helper()
	for _, r := range records {
		rec, _ := e.do(t, http.MethodPost, "/api/v1/activities", r)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	e.clock = e.clock.Add(time.Second)
	e.queue.DrainOnce(context.Background())
}

func TestHealthAndReady(t *testing.T) {
	env := newAPIEnv(t)

	rec, resp := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, _ = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitActivity(t *testing.T) {
	env := newAPIEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/activities", chestRecord("u1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, resp.Success)

	var saved domain.ActivityRecord
	decodeData(t, resp, &saved)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, now, saved.IngestedAt)
	require.NotNil(t, saved.Score)
	assert.Equal(t, 150.0, saved.Score.Total)

	_, resp = env.do(t, http.MethodGet, "/api/v1/queue/status", nil)
	var status domain.QueueStatus
	decodeData(t, resp, &status)
	assert.Equal(t, 1, status.Queued)
	assert.Equal(t, 1, status.High)
}

func TestSubmitActivityRejectsBadInput(t *testing.T) {
	env := newAPIEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/activities", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/activities", chestRecord(""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	future := chestRecord("u1")
	future.Timestamp = now.Add(time.Hour)
	rec, _ = env.do(t, http.MethodPost, "/api/v1/activities", future)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResubmitActivity(t *testing.T) {
	env := newAPIEnv(t)
	record := chestRecord("u1")
	record.ID = "r1"
	env.submit(t, record)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/activities", record)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var saved domain.ActivityRecord
	decodeData(t, resp, &saved)
	assert.Equal(t, now, saved.IngestedAt)

	changed := chestRecord("u1")
	changed.ID = "r1"
	changed.Entries[0].Sets[0].Quantity = 12
	rec, resp = env.do(t, http.MethodPost, "/api/v1/activities", changed)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
}

func TestGetLeaderboardAndUserRanking(t *testing.T) {
	env := newAPIEnv(t)
	second := chestRecord("u2")
	second.Entries[0].Sets = append(second.Entries[0].Sets, domain.Set{Quantity: 10, Intensity: 10})
	env.submit(t, chestRecord("u1"), second)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/leaderboards/weekly/chest?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page domain.LeaderboardPage
	decodeData(t, resp, &page)
	assert.Equal(t, domain.PeriodWeekly, page.Period)
	assert.Equal(t, 5, page.Limit)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "u2", page.Entries[0].UserID)
	assert.Equal(t, 1, page.Entries[0].Rank)
	assert.Equal(t, "u1", page.Entries[1].UserID)
	assert.Equal(t, 2, page.Entries[1].Rank)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/users/u1/rankings/allTime/chest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var row domain.RankingRow
	decodeData(t, resp, &row)
	assert.Equal(t, 150.0, row.Score)
	assert.Equal(t, 2, row.Rank)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/users/nobody/rankings/weekly/chest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaderboardRejectsBadParams(t *testing.T) {
	env := newAPIEnv(t)

	for _, path := range []string{
		"/api/v1/leaderboards/daily/chest",
		"/api/v1/leaderboards/weekly/calves",
		"/api/v1/leaderboards/weekly/chest?limit=ten",
		"/api/v1/users/u1/rankings/yearly/overall",
	} {
		rec, _ := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestPeerGroupRoutes(t *testing.T) {
	env := newAPIEnv(t)
	env.submit(t, chestRecord("u1"), chestRecord("u2"))

	rec, _ := env.do(t, http.MethodGet, "/api/v1/users/u1/group", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodPut, "/api/v1/users/u1/group", GroupRequest{GroupID: "crew"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/users/u1/group", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"user_id": "u1", "group_id": "crew"}, resp.Data)

	rec, _ = env.do(t, http.MethodPut, "/api/v1/users/u1/group", GroupRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/leaderboards/weekly/overall?group=crew", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page domain.LeaderboardPage
	decodeData(t, resp, &page)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "u1", page.Entries[0].UserID)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/leaderboards/weekly/overall?group=ghosts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForceRecalculate(t *testing.T) {
	env := newAPIEnv(t)
	env.submit(t, chestRecord("u1"))

	rec, resp := env.do(t, http.MethodPost, "/api/v1/admin/recalculate/u1?period=weekly,monthly", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/admin/recalculate/u1?period=daily", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.submit(t, chestRecord("u1"))

	rec, _ := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hypertrophy_ingest_records_total 1")
}

func TestStaleReadsCarryWarning(t *testing.T) {
	env := newAPIEnv(t)
	env.submit(t, chestRecord("u1"))

	rec, _ := env.do(t, http.MethodGet, "/api/v1/leaderboards/weekly/chest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Warning"))

	env.rankings.down = true

	rec, resp := env.do(t, http.MethodGet, "/api/v1/users/u1/rankings/weekly/chest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Warning"))
	var row domain.RankingRow
	decodeData(t, resp, &row)
	assert.True(t, row.Stale)
	assert.Equal(t, 1, row.Rank)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/users/u1/rankings/monthly/legs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
