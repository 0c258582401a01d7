package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Windows     WindowsConfig     `yaml:"windows"`
	Ranking     RankingConfig     `yaml:"ranking"`
	Queue       QueueConfig       `yaml:"queue"`
	Sweeper     SweeperConfig     `yaml:"sweeper"`
	Recalc      RecalcConfig      `yaml:"recalc"`
	Cache       CacheConfig       `yaml:"cache"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Tiers       []TierThreshold   `yaml:"tiers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig selects the persistence backend: "postgres" or "memory"
type StoreConfig struct {
	Backend string `yaml:"backend"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
	// LockTTL bounds how long a crashed process can hold a rerank lock
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// WindowsConfig holds rolling window lengths
type WindowsConfig struct {
	Weekly  time.Duration `yaml:"weekly"`
	Monthly time.Duration `yaml:"monthly"`
}

// RankingConfig holds aggregator and rank assigner tuning
type RankingConfig struct {
	// WriteRetries bounds optimistic score write retries per row
	WriteRetries int `yaml:"write_retries"`
	// ReassignRetries bounds rank pass retries after a conflicting write
	ReassignRetries int `yaml:"reassign_retries"`
}

// QueueConfig holds update queue configuration
type QueueConfig struct {
	Tick        time.Duration `yaml:"tick"`
	MinTick     time.Duration `yaml:"min_tick"`
	MinBatch    int           `yaml:"min_batch"`
	MaxBatch    int           `yaml:"max_batch"`
	HighWater   int           `yaml:"high_water"`
	LowWater    int           `yaml:"low_water"`
	MaxAttempts int           `yaml:"max_attempts"`
	Capacity    int           `yaml:"capacity"`
}

// SweeperConfig holds expiration sweeper configuration
type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Staleness time.Duration `yaml:"staleness"`
	Enabled   bool          `yaml:"enabled"`
}

// RecalcConfig holds the full recalculation safety job configuration
type RecalcConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Enabled     bool          `yaml:"enabled"`
}

// CacheConfig holds leaderboard cache configuration
type CacheConfig struct {
	// Backend is "memory" for a per-process cache or "redis" for a shared one
	Backend        string        `yaml:"backend"`
	TTL            time.Duration `yaml:"ttl"`
	StaleRetention time.Duration `yaml:"stale_retention"`
}

// LeaderboardConfig holds leaderboard-specific configuration
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	// BroadcastLimit is the page size pushed to websocket subscribers
	BroadcastLimit int `yaml:"broadcast_limit"`
}

// ScoringConfig holds the scoring multipliers. Bands are inclusive.
type ScoringConfig struct {
	OptimalMin     float64 `yaml:"optimal_min"`
	OptimalMax     float64 `yaml:"optimal_max"`
	AcceptableMin  float64 `yaml:"acceptable_min"`
	AcceptableMax  float64 `yaml:"acceptable_max"`
	HighCeiling    float64 `yaml:"high_ceiling"`
	OptimalMult    float64 `yaml:"optimal_multiplier"`
	AcceptableMult float64 `yaml:"acceptable_multiplier"`
	BelowMult      float64 `yaml:"below_multiplier"`
	AboveMult      float64 `yaml:"above_multiplier"`

	TempoModerate     float64 `yaml:"tempo_moderate"`
	TempoLong         float64 `yaml:"tempo_long"`
	TempoModerateMult float64 `yaml:"tempo_moderate_multiplier"`
	TempoLongMult     float64 `yaml:"tempo_long_multiplier"`

	EffortHigh     float64 `yaml:"effort_high"`
	EffortMax      float64 `yaml:"effort_max"`
	EffortHighMult float64 `yaml:"effort_high_multiplier"`
	EffortMaxMult  float64 `yaml:"effort_max_multiplier"`

	SecondaryWeight float64 `yaml:"secondary_weight"`

	// Categories maps a muscle category name to its coefficients
	Categories map[string]CategoryCoefficients `yaml:"categories"`
}

// CategoryCoefficients are per-category scoring coefficients; zero means 1.0
type CategoryCoefficients struct {
	DurationSensitivity float64 `yaml:"duration_sensitivity"`
	ActivationStrength  float64 `yaml:"activation_strength"`
	VolumeSensitivity   float64 `yaml:"volume_sensitivity"`
}

// TierThreshold is one row of the tier table
type TierThreshold struct {
	Name          string  `yaml:"name"`
	MaxPercentile float64 `yaml:"max_percentile"`
}

// DefaultTiers returns the tier table from most to least exclusive
func DefaultTiers() []TierThreshold {
	return []TierThreshold{
		{Name: "Challenger", MaxPercentile: 0.002},
		{Name: "Grandmaster", MaxPercentile: 0.005},
		{Name: "Master", MaxPercentile: 0.01},
		{Name: "Diamond", MaxPercentile: 0.03},
		{Name: "Emerald", MaxPercentile: 0.07},
		{Name: "Platinum", MaxPercentile: 0.15},
		{Name: "Gold", MaxPercentile: 0.30},
		{Name: "Silver", MaxPercentile: 0.50},
		{Name: "Bronze", MaxPercentile: 0.75},
		{Name: "Iron", MaxPercentile: 1.0},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks relationships between settings that defaults cannot fix
func (c *Config) Validate() error {
	if c.Queue.MinBatch > c.Queue.MaxBatch {
		return fmt.Errorf("queue.min_batch (%d) exceeds queue.max_batch (%d)", c.Queue.MinBatch, c.Queue.MaxBatch)
	}
	if c.Queue.LowWater > c.Queue.HighWater {
		return fmt.Errorf("queue.low_water (%d) exceeds queue.high_water (%d)", c.Queue.LowWater, c.Queue.HighWater)
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.Backend != "postgres" {
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	prev := 0.0
	for _, t := range c.Tiers {
		if t.MaxPercentile <= prev || t.MaxPercentile > 1 {
			return fmt.Errorf("tier %q: thresholds must increase within (0,1]", t.Name)
		}
		prev = t.MaxPercentile
	}
	if prev != 1 {
		return fmt.Errorf("last tier must cover percentile 1.0")
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "postgres"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "hypertrophy"
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 30 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "activity-records"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "ranking-core"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}

	// Window defaults
	if c.Windows.Weekly == 0 {
		c.Windows.Weekly = 7 * 24 * time.Hour
	}
	if c.Windows.Monthly == 0 {
		c.Windows.Monthly = 30 * 24 * time.Hour
	}

	if c.Ranking.WriteRetries == 0 {
		c.Ranking.WriteRetries = 3
	}
	if c.Ranking.ReassignRetries == 0 {
		c.Ranking.ReassignRetries = 3
	}

	// Queue defaults
	if c.Queue.Tick == 0 {
		c.Queue.Tick = 500 * time.Millisecond
	}
	if c.Queue.MinTick == 0 {
		c.Queue.MinTick = 100 * time.Millisecond
	}
	if c.Queue.MinBatch == 0 {
		c.Queue.MinBatch = 5
	}
	if c.Queue.MaxBatch == 0 {
		c.Queue.MaxBatch = 10
	}
	if c.Queue.HighWater == 0 {
		c.Queue.HighWater = 100
	}
	if c.Queue.LowWater == 0 {
		c.Queue.LowWater = 10
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 10000
	}

	// Sweeper defaults
	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = 10 * time.Minute
	}
	if c.Sweeper.Staleness == 0 {
		c.Sweeper.Staleness = 1 * time.Hour
	}

	// Safety job defaults
	if c.Recalc.Interval == 0 {
		c.Recalc.Interval = 6 * time.Hour
	}
	if c.Recalc.Concurrency == 0 {
		c.Recalc.Concurrency = 4
	}

	// Cache defaults
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 3 * time.Minute
	}
	if c.Cache.StaleRetention == 0 {
		c.Cache.StaleRetention = 1 * time.Hour
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 100
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 1000
	}
	if c.Leaderboard.BroadcastLimit == 0 {
		c.Leaderboard.BroadcastLimit = 10
	}

	c.Scoring.applyDefaults()

	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
}

func (s *ScoringConfig) applyDefaults() {
	setDefault := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	setDefault(&s.OptimalMin, 8)
	setDefault(&s.OptimalMax, 12)
	setDefault(&s.AcceptableMin, 6)
	setDefault(&s.AcceptableMax, 15)
	setDefault(&s.HighCeiling, 20)
	setDefault(&s.OptimalMult, 1.5)
	setDefault(&s.AcceptableMult, 1.2)
	setDefault(&s.BelowMult, 0.8)
	setDefault(&s.AboveMult, 0.7)

	setDefault(&s.TempoModerate, 4)
	setDefault(&s.TempoLong, 6)
	setDefault(&s.TempoModerateMult, 1.3)
	setDefault(&s.TempoLongMult, 1.5)

	setDefault(&s.EffortHigh, 7)
	setDefault(&s.EffortMax, 8)
	setDefault(&s.EffortHighMult, 1.1)
	setDefault(&s.EffortMaxMult, 1.2)

	setDefault(&s.SecondaryWeight, 0.3)
}

// DefaultScoring returns the scoring configuration with all defaults
func DefaultScoring() ScoringConfig {
	var s ScoringConfig
	s.applyDefaults()
	return s
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sweeper.Enabled = true
	cfg.Recalc.Enabled = true
	return cfg
}
