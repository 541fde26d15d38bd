// Package redis keeps short-lived pool state in Redis: rolling hashrate
// windows, invalid-share rate limits, the current job and small caches.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent.
var ErrMiss = errors.New("redis: key not found")

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
	now func() time.Time
}

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// URL; when set it overrides Addr, Password and DB.
	URL          string
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (cfg *Config) options() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		opts = parsed
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, now: time.Now}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Keys

func hashrateKey(miner, worker string) string {
	return fmt.Sprintf("hashrate:%s:%s", strings.ToLower(miner), worker)
}

func invalidSharesKey(ip string) string {
	return "invalid_shares:" + ip
}

func cacheKey(key string) string {
	return "cache:" + key
}

const currentJobKey = "current_job"

// Hashrate

// hashrateMember encodes a share as a sorted-set member. The share ID keeps
// members unique when two shares carry the same difficulty.
func hashrateMember(shareID string, difficulty float64) string {
	return shareID + ":" + strconv.FormatFloat(difficulty, 'g', -1, 64)
}

// sumMembers adds up the difficulties encoded in hashrate members, skipping
// malformed ones.
func sumMembers(members []string) float64 {
	var total float64
	for _, m := range members {
		i := strings.LastIndexByte(m, ':')
		if i < 0 {
			continue
		}
		if d, err := strconv.ParseFloat(m[i+1:], 64); err == nil {
			total += d
		}
	}
	return total
}

// HashrateFromDifficulty converts credited difficulty over a window into
// hashes per second.
func HashrateFromDifficulty(difficulty float64, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return difficulty * 4294967296 / window.Seconds()
}

// AddShare adds an accepted share to the worker's rolling window and trims
// entries older than window.
func (c *Client) AddShare(ctx context.Context, miner, worker, shareID string, difficulty float64, window time.Duration) error {
	key := hashrateKey(miner, worker)
	now := c.now()
	cutoff := now.Add(-window).UnixMilli()

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: hashrateMember(shareID, difficulty)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add share to hashrate window: %w", err)
	}
	return nil
}

// Hashrate returns the worker's hashrate over the trailing window.
func (c *Client) Hashrate(ctx context.Context, miner, worker string, window time.Duration) (float64, error) {
	cutoff := c.now().Add(-window).UnixMilli()
	members, err := c.rdb.ZRangeByScore(ctx, hashrateKey(miner, worker), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read hashrate window: %w", err)
	}
	return HashrateFromDifficulty(sumMembers(members), window), nil
}

// Rate limiting

// CheckRateLimit increments key and reports whether it is still within
// limit for the current window.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return incr.Val() <= limit, nil
}

// RecordInvalidShare counts an invalid share from ip and reports whether
// the address stays under limit.
func (c *Client) RecordInvalidShare(ctx context.Context, ip string, limit int64, window time.Duration) (bool, error) {
	return c.CheckRateLimit(ctx, invalidSharesKey(ip), limit, window)
}

// Counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return incr.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Current job

// SetCurrentJob stores the job stratum servers hand out on startup.
func (c *Client) SetCurrentJob(ctx context.Context, job any, ttl time.Duration) error {
	return c.setJSON(ctx, currentJobKey, job, ttl)
}

// GetCurrentJob loads the last published job into dest.
func (c *Client) GetCurrentJob(ctx context.Context, dest any) error {
	return c.getJSON(ctx, currentJobKey, dest)
}

// Caching

// SetCache stores data in cache with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	return c.setJSON(ctx, cacheKey(key), data, expiration)
}

// GetCache retrieves data from cache
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	return c.getJSON(ctx, cacheKey(key), dest)
}

// DeleteCache removes data from cache
func (c *Client) DeleteCache(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache: %w", err)
	}
	return nil
}

func (c *Client) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, key string, dest any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
