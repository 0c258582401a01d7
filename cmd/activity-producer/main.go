// Command activity-producer publishes synthetic workout records to Kafka for
// load testing the ranking core.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/hypertrophy-rankings/internal/domain"
	"golang.org/x/time/rate"
)

type exercise struct {
	name      string
	primary   domain.Category
	secondary []domain.Category
}

var exercises = []exercise{
	{"bench press", domain.CategoryChest, []domain.Category{domain.CategoryTriceps, domain.CategoryShoulders}},
	{"incline dumbbell press", domain.CategoryChest, []domain.Category{domain.CategoryShoulders}},
	{"barbell row", domain.CategoryBack, []domain.Category{domain.CategoryBiceps}},
	{"pull up", domain.CategoryBack, []domain.Category{domain.CategoryBiceps}},
	{"overhead press", domain.CategoryShoulders, []domain.Category{domain.CategoryTriceps}},
	{"barbell curl", domain.CategoryBiceps, nil},
	{"skull crusher", domain.CategoryTriceps, nil},
	{"back squat", domain.CategoryLegs, []domain.Category{domain.CategoryAbs}},
	{"romanian deadlift", domain.CategoryLegs, []domain.Category{domain.CategoryBack}},
	{"hanging leg raise", domain.CategoryAbs, nil},
}

var tempos = []string{"", "2-0-1-0", "3-1-2-0", "4-0-2-1"}

type generator struct {
	rng    *rand.Rand
	users  int
	spread time.Duration
}

// user picks a user id, favouring a small set of regulars so the top of the
// boards keeps moving.
func (g *generator) user() string {
	idx := g.rng.Intn(g.users)
	if g.users > 20 && g.rng.Intn(100) < 60 {
		idx = g.rng.Intn(20)
	}
	return fmt.Sprintf("athlete-%05d", idx)
}

func (g *generator) record() domain.ActivityRecord {
	entries := make([]domain.Entry, 1+g.rng.Intn(4))
	for i := range entries {
		ex := exercises[g.rng.Intn(len(exercises))]
		sets := make([]domain.Set, 2+g.rng.Intn(4))
		for j := range sets {
			sets[j] = domain.Set{
				Quantity:  float64(4 + g.rng.Intn(14)),
				Intensity: float64(20 + g.rng.Intn(120)),
				Tempo:     tempos[g.rng.Intn(len(tempos))],
				Effort:    float64(5 + g.rng.Intn(6)),
			}
		}
		entries[i] = domain.Entry{
			Exercise: ex.name,
			Weights:  domain.CategoryWeights{Primary: ex.primary, Secondary: ex.secondary},
			Sets:     sets,
		}
	}

	ts := time.Now().UTC()
	if g.spread > 0 {
		ts = ts.Add(-time.Duration(g.rng.Int63n(int64(g.spread))))
	}
	return domain.ActivityRecord{
		ID:        uuid.NewString(),
		UserID:    g.user(),
		Timestamp: ts,
		Entries:   entries,
	}
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "activity-records", "Kafka topic")
	users := flag.Int("users", 1000, "Number of distinct users")
	perSecond := flag.Float64("rate", 50, "Records per second")
	spread := flag.Duration("spread", 45*24*time.Hour, "Spread record timestamps over this far into the past")
	total := flag.Int("count", 0, "Records to send (0 = until stopped)")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(*brokers, ","), config)
	if err != nil {
		logger.Error("failed to create producer", "error", err)
		os.Exit(1)
	}

	var sent, failed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			sent.Add(1)
		}
	}()
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			failed.Add(1)
			logger.Warn("producer error", "error", err.Err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	logger.Info("producing activity records",
		"brokers", *brokers,
		"topic", *topic,
		"users", *users,
		"rate", *perSecond,
	)

	gen := &generator{rng: rand.New(rand.NewSource(time.Now().UnixNano())), users: max(*users, 1), spread: *spread}
	limiter := rate.NewLimiter(rate.Limit(*perSecond), max(int(*perSecond), 1))
	stats := time.NewTicker(5 * time.Second)
	defer stats.Stop()

	for produced := 0; *total == 0 || produced < *total; produced++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		record := gen.record()
		data, err := json.Marshal(record)
		if err != nil {
			logger.Error("failed to marshal record", "error", err)
			continue
		}

		// keyed by user so one user's records stay ordered on a partition
		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(record.UserID),
			Value: sarama.ByteEncoder(data),
		}
		select {
		case producer.Input() <- msg:
		case <-ctx.Done():
		}

		select {
		case <-stats.C:
			logger.Info("progress", "produced", produced+1, "sent", sent.Load(), "errors", failed.Load())
		default:
		}
	}

	producer.AsyncClose()
	wg.Wait()
	logger.Info("done", "sent", sent.Load(), "errors", failed.Load())
}
