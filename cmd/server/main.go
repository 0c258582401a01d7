package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hypertrophy-rankings/internal/cache"
	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/handler"
	"github.com/hypertrophy-rankings/internal/kafka"
	"github.com/hypertrophy-rankings/internal/memory"
	"github.com/hypertrophy-rankings/internal/metrics"
	"github.com/hypertrophy-rankings/internal/postgres"
	"github.com/hypertrophy-rankings/internal/queue"
	"github.com/hypertrophy-rankings/internal/ranking"
	"github.com/hypertrophy-rankings/internal/redis"
	"github.com/hypertrophy-rankings/internal/scoring"
	"github.com/hypertrophy-rankings/internal/service"
	"github.com/hypertrophy-rankings/internal/tier"
	"github.com/hypertrophy-rankings/internal/websocket"
	"github.com/hypertrophy-rankings/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Stores
	var (
		activities ranking.ActivityStore
		rankings   ranking.RankingStore
		groups     service.PeerGroups
	)
	switch cfg.Store.Backend {
	case "postgres":
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer repo.Close()

		if err := repo.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		activities, rankings, groups = repo, repo, repo
	default:
		logger.Warn("using in-memory stores, rankings are lost on restart")
		activities, rankings, groups = memory.NewActivityStore(), memory.NewRankingStore(), memory.NewPeerGroups()
	}

	// Page cache and rank pass lock
	var (
		pages  cache.PageCache = cache.NewLocal(cfg.Cache.TTL, cfg.Cache.StaleRetention)
		locker ranking.BoardLocker
	)
	if cfg.Cache.Backend == "redis" {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		rdb, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		pages = redis.NewPageCache(rdb, cfg.Redis.KeyPrefix, cfg.Cache.TTL, cfg.Cache.StaleRetention, logger)
		locker = redis.NewBoardLocker(rdb, cfg.Redis.KeyPrefix, cfg.Redis.LockTTL, logger)
	}

	// Ranking core
	windows := domain.Windows{Weekly: cfg.Windows.Weekly, Monthly: cfg.Windows.Monthly}
	scorer := scoring.NewScorer(cfg.Scoring, logger)
	aggregator := ranking.NewAggregator(activities, rankings, scorer, windows, cfg.Ranking, logger)
	assigner := ranking.NewAssigner(rankings, tier.NewClassifier(cfg.Tiers), locker, cfg.Ranking, m, logger)
	updater := ranking.NewUpdater(aggregator, assigner, logger)

	updateQueue := queue.New(cfg.Queue, updater, m, logger)

	rankingService := service.NewRankingService(rankings, groups, updater, updateQueue, pages, cfg.Leaderboard, m, logger)
	updater.AddListener(rankingService)

	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	rankingService.SetBroadcaster(wsHub)

	sweeper := worker.NewSweeper(activities, rankings, updater, windows, cfg.Sweeper, m, logger)
	recalc := worker.NewRecalcWorker(activities, rankings, updater, windows, cfg.Recalc, logger)

	// Rows written before a crash may never have been ranked
	logger.Info("ranking all boards")
	if err := recalc.RerankAll(ctx); err != nil {
		logger.Warn("startup rank pass incomplete", "error", err)
	}

	if err := updateQueue.Start(ctx); err != nil {
		logger.Error("failed to start update queue", "error", err)
		os.Exit(1)
	}
	if cfg.Sweeper.Enabled {
		if err := sweeper.Start(ctx); err != nil {
			logger.Error("failed to start sweeper", "error", err)
			os.Exit(1)
		}
	}
	if cfg.Recalc.Enabled {
		if err := recalc.Start(ctx); err != nil {
			logger.Error("failed to start recalculation worker", "error", err)
			os.Exit(1)
		}
	}

	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, rankingService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		}
	}

	httpHandler := handler.NewHandler(rankingService, wsHub, reg, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	// ingestion stops before the update path so queued work can drain
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}
	if err := updateQueue.Stop(); err != nil {
		logger.Error("failed to stop update queue", "error", err)
	}
	if err := sweeper.Stop(); err != nil {
		logger.Error("failed to stop sweeper", "error", err)
	}
	if err := recalc.Stop(); err != nil {
		logger.Error("failed to stop recalculation worker", "error", err)
	}

	wsHub.Stop()
	logger.Info("server stopped")
}
