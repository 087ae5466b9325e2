package deduplication

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// BloomConfig configures RedisBloom connection and key
type BloomConfig struct {
	Addr     string // e.g. localhost:6379
	Password string
	DB       int
	Key      string // redis key for bloom filter
	// TTL expires the filter after the most recent insertion. Zero keeps it forever.
	TTL time.Duration
	// Capacity sets the initial BF.RESERVE capacity (number of items)
	Capacity int
	// ErrorRate sets the desired false positive probability (e.g. 0.001)
	ErrorRate float64
	// If true, BF.RESERVE NONSCALING flag will be used
	NonScaling bool
	// Timeout bounds each Redis round trip.
	Timeout time.Duration
}

// RedisBloom remembers the canonical key hashes of stored orders in a
// RedisBloom filter. A negative answer is definite; a positive one only means
// the order store has to be asked.
type RedisBloom struct {
	client  *redis.Client
	key     string
	ttl     time.Duration
	timeout time.Duration
}

// BloomConfigFromEnv reads REDIS_ADDR, REDIS_PASS, REDIS_DB, BLOOM_KEY,
// BLOOM_TTL_SECONDS, BLOOM_CAPACITY, BLOOM_ERROR_RATE and BLOOM_NONSCALING.
// It returns nil when REDIS_ADDR is unset, which disables the filter.
func BloomConfigFromEnv() *BloomConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	cfg := defaultBloomConfig()
	cfg.Addr = addr
	cfg.Password = os.Getenv("REDIS_PASS")
	if v, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil && v >= 0 {
		cfg.DB = v
	}
	if key := os.Getenv("BLOOM_KEY"); key != "" {
		cfg.Key = key
	}
	if t := os.Getenv("BLOOM_TTL_SECONDS"); t != "" {
		if secs, err := strconv.Atoi(t); err == nil && secs >= 0 {
			cfg.TTL = time.Duration(secs) * time.Second
		}
	}
	if c := os.Getenv("BLOOM_CAPACITY"); c != "" {
		if v, err := strconv.Atoi(c); err == nil && v > 0 {
			cfg.Capacity = v
		}
	}
	if e := os.Getenv("BLOOM_ERROR_RATE"); e != "" {
		if v, err := strconv.ParseFloat(e, 64); err == nil && v > 0 && v < 1 {
			cfg.ErrorRate = v
		}
	}
	if ns := os.Getenv("BLOOM_NONSCALING"); ns != "" {
		if b, err := strconv.ParseBool(ns); err == nil {
			cfg.NonScaling = b
		}
	}
	return &cfg
}

func defaultBloomConfig() BloomConfig {
	return BloomConfig{
		Addr:      "localhost:6379",
		Key:       "recipecheck:orders:bloom",
		Capacity:  100000,
		ErrorRate: 0.001,
		Timeout:   5 * time.Second,
	}
}

// NewRedisBloom creates a RedisBloom wrapper and verifies connectivity
func NewRedisBloom(ctx context.Context, cfg BloomConfig) (*RedisBloom, error) {
	if cfg.Key == "" {
		cfg.Key = defaultBloomConfig().Key
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBloomConfig().Timeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	rb := &RedisBloom{client: client, key: cfg.Key, ttl: cfg.TTL, timeout: cfg.Timeout}

	// BF.ADD auto-creates the filter with server defaults, so a failed
	// reservation only costs the tuned capacity.
	exists, err := client.Exists(pingCtx, cfg.Key).Result()
	if err == nil && exists == 0 {
		if err := client.Do(pingCtx, reserveArgs(cfg)...).Err(); err != nil {
			slog.Warn("BF.RESERVE failed, relying on auto-created filter", "key", cfg.Key, "error", err)
		}
	}

	return rb, nil
}

// reserveArgs builds BF.RESERVE <key> <error_rate> <capacity> [NONSCALING].
func reserveArgs(cfg BloomConfig) []interface{} {
	args := []interface{}{"BF.RESERVE", cfg.Key, strconv.FormatFloat(cfg.ErrorRate, 'f', -1, 64), cfg.Capacity}
	if cfg.NonScaling {
		args = append(args, "NONSCALING")
	}
	return args
}

// Close closes the underlying Redis client
func (r *RedisBloom) Close() error {
	return r.client.Close()
}

// MightContain reports whether the key may have been stored before.
func (r *RedisBloom) MightContain(ctx context.Context, key CanonicalKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.client.Do(ctx, "BF.EXISTS", r.key, key.Hash()).Result()
	if err != nil {
		return false, err
	}
	return parseBloomReply(res)
}

// Remember records a stored key and refreshes the filter TTL.
func (r *RedisBloom) Remember(ctx context.Context, key CanonicalKey) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Do(ctx, "BF.ADD", r.key, key.Hash()).Err(); err != nil {
		return err
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, r.key, r.ttl).Err(); err != nil {
			return err
		}
	}
	return nil
}

func parseBloomReply(res interface{}) (bool, error) {
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case bool:
		return v, nil
	case string:
		return v == "1", nil
	default:
		return false, fmt.Errorf("unexpected BF.EXISTS response type %T: %v", res, res)
	}
}
