// Package mirror replicates key balances and usage counters to Redis on a
// best-effort basis. The in-process keystore stays authoritative; every
// mirror failure is logged and otherwise ignored.
package mirror

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const opTimeout = 2 * time.Second

// Mirror wraps a go-redis client.
type Mirror struct {
	rdb    *redis.Client
	logger *log.Logger
}

// New connects to Redis and verifies connectivity. Callers fall back to a
// nil mirror when the connection fails.
func New(addr, password string, db int) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	m := &Mirror{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[MIRROR] ", log.LstdFlags),
	}
	m.logger.Printf("Connected to Redis at %s (db=%d)", addr, db)
	return m, nil
}

// ReplicateBalance mirrors a key's post-debit balance.
func (m *Mirror) ReplicateBalance(key string, balance int64) {
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := m.rdb.Set(ctx, "paygate:balance:"+key, strconv.FormatInt(balance, 10), 0).Err(); err != nil {
		m.logger.Printf("Balance replication failed for %s: %v", maskKey(key), err)
	}
}

// RecordUsage mirrors per-key cumulative usage counters.
func (m *Mirror) RecordUsage(key, tool string, credits int64) {
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := m.rdb.Pipeline()
	pipe.IncrBy(ctx, "paygate:spent:"+key, credits)
	pipe.Incr(ctx, "paygate:calls:"+key)
	pipe.Incr(ctx, "paygate:tool:"+tool)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Printf("Usage replication failed for %s: %v", maskKey(key), err)
	}
}

// Balance reads a mirrored balance, for replicas and dashboards only.
func (m *Mirror) Balance(key string) (int64, error) {
	if m == nil {
		return 0, fmt.Errorf("mirror disabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return m.rdb.Get(ctx, "paygate:balance:"+key).Int64()
}

// Close shuts down the client.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.rdb.Close()
}

func maskKey(key string) string {
	if len(key) <= 11 {
		return key
	}
	return key[:11] + "..."
}
