// Package redis mirrors each proxy's miner table and active round into Redis so
// dashboards and sibling processes can read them without talking to the proxy.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/bardlex/roundproxy/internal/mining"
)

// Client wraps Redis operations for the proxy
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client from a redis:// URL
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
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

	return newClient(ctx, redis.NewClient(opts))
}

func newClient(ctx context.Context, rdb *redis.Client) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func minerKey(proxy, minerID string) string {
	return fmt.Sprintf("proxy:%s:miner:%s", proxy, minerID)
}

func roundKey(proxy string) string {
	return fmt.Sprintf("proxy:%s:round", proxy)
}

// SaveMiner stores a miner entry that expires after ttl of inactivity.
func (c *Client) SaveMiner(ctx context.Context, proxy string, m *mining.Miner, ttl time.Duration) error {
	data, err := sonic.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal miner: %w", err)
	}
	if err := c.rdb.Set(ctx, minerKey(proxy, m.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save miner: %w", err)
	}
	return nil
}

// DeleteMiner removes a pruned miner.
func (c *Client) DeleteMiner(ctx context.Context, proxy, minerID string) error {
	if err := c.rdb.Del(ctx, minerKey(proxy, minerID)).Err(); err != nil {
		return fmt.Errorf("failed to delete miner: %w", err)
	}
	return nil
}

// LoadMiners returns every live miner entry of a proxy.
func (c *Client) LoadMiners(ctx context.Context, proxy string) ([]*mining.Miner, error) {
	var miners []*mining.Miner

	iter := c.rdb.Scan(ctx, 0, minerKey(proxy, "*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := c.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get miner: %w", err)
		}
		m := &mining.Miner{}
		if err := sonic.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal miner: %w", err)
		}
		miners = append(miners, m)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan miners: %w", err)
	}
	return miners, nil
}

// SetActiveRound publishes the mining info a proxy currently exposes.
func (c *Client) SetActiveRound(ctx context.Context, proxy string, info *mining.MiningInfo) error {
	data, err := sonic.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal mining info: %w", err)
	}
	if err := c.rdb.Set(ctx, roundKey(proxy), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set active round: %w", err)
	}
	return nil
}

// GetActiveRound returns the mining info last published for a proxy.
func (c *Client) GetActiveRound(ctx context.Context, proxy string) (*mining.MiningInfo, error) {
	data, err := c.rdb.Get(ctx, roundKey(proxy)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("active round not found")
		}
		return nil, fmt.Errorf("failed to get active round: %w", err)
	}
	info := &mining.MiningInfo{}
	if err := sonic.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mining info: %w", err)
	}
	return info, nil
}
