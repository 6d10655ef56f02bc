package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"salesync/internal/database"
	"salesync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type deadLetter struct {
	Item     *models.QueueItem `json:"item"`
	Cause    string            `json:"cause"`
	PushedAt time.Time         `json:"pushed_at"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		dbPath    = flag.String("db", "./data/salesync.db", "path to sqlite db")
		redisAddr = flag.String("redis", "localhost:6379", "redis address")
		redisDB   = flag.Int("redis-db", 0, "redis db number")
		key       = flag.String("key", "salesync:dead_letter", "dead-letter list key")
		limit     = flag.Int("limit", 0, "max items to requeue, 0 = all")
	)
	flag.Parse()

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: *redisAddr, DB: *redisDB})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	requeued := 0
	skipped := 0
	for *limit == 0 || requeued+skipped < *limit {
		raw, err := client.RPop(ctx, *key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return fmt.Errorf("pop dead letter: %w", err)
		}

		var letter deadLetter
		if err := json.Unmarshal([]byte(raw), &letter); err != nil || letter.Item == nil {
			logger.Warn().Str("raw", raw).Msg("skipping malformed dead letter")
			skipped++
			continue
		}

		item := &models.QueueItem{
			EntityType: letter.Item.EntityType,
			Operation:  letter.Item.Operation,
			EntityID:   letter.Item.EntityID,
			Payload:    letter.Item.Payload,
			Priority:   letter.Item.Priority,
			MaxRetries: letter.Item.MaxRetries,
		}
		if err := db.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("requeue %s/%s: %w", item.EntityType, item.EntityID, err)
		}
		requeued++
	}

	fmt.Printf("done: requeued=%d skipped=%d\n", requeued, skipped)
	return nil
}
