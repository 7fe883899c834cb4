// Package analytics tracks realtime viewership with Redis, replacing the
// hand-rolled RESP client used elsewhere in the example pack with the
// go-redis client library. A sorted set per video holds one member per
// active viewer session, scored by last-heartbeat time; realtime viewer
// count is the cardinality of members newer than the staleness window.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStaleAfter = 30 * time.Second
	heartbeatKeyPrefix = "ingestd:viewers:"
	historyKeyPrefix    = "ingestd:views:history:"
)

// Tracker records viewer heartbeats and answers realtime/historical queries.
type Tracker struct {
	client     *redis.Client
	staleAfter time.Duration
}

// Config wires a Tracker to a Redis instance.
type Config struct {
	Addr       string
	Password   string
	DB         int
	StaleAfter time.Duration
}

// New constructs a Tracker.
func New(cfg Config) *Tracker {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Tracker{client: client, staleAfter: staleAfter}
}

// Close releases the underlying connection pool.
func (t *Tracker) Close() error {
	return t.client.Close()
}

// Ping checks connectivity.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func heartbeatKey(videoID string) string {
	return heartbeatKeyPrefix + videoID
}

func historyKey(videoID string) string {
	return historyKeyPrefix + videoID
}

// Heartbeat records that sessionID is actively viewing videoID at the
// current time, and bumps the lifetime view counter whenever the session is
// added to the video's active set: on its first heartbeat, and again after
// it was evicted as stale or the set expired.
func (t *Tracker) Heartbeat(ctx context.Context, videoID, sessionID string) error {
	now := float64(time.Now().Unix())
	key := heartbeatKey(videoID)
	added, err := t.client.ZAdd(ctx, key, redis.Z{Score: now, Member: sessionID}).Result()
	if err != nil {
		return fmt.Errorf("analytics: record heartbeat: %w", err)
	}
	if err := t.client.Expire(ctx, key, t.staleAfter*4).Err(); err != nil {
		return fmt.Errorf("analytics: set heartbeat ttl: %w", err)
	}
	if added > 0 {
		if err := t.client.Incr(ctx, historyKey(videoID)).Err(); err != nil {
			return fmt.Errorf("analytics: increment history counter: %w", err)
		}
	}
	return nil
}

// RealtimeViewers returns the count of sessions that have heartbeat within
// the staleness window, after evicting stale members.
func (t *Tracker) RealtimeViewers(ctx context.Context, videoID string) (int64, error) {
	key := heartbeatKey(videoID)
	cutoff := float64(time.Now().Add(-t.staleAfter).Unix())
	if err := t.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff)).Err(); err != nil {
		return 0, fmt.Errorf("analytics: evict stale viewers: %w", err)
	}
	count, err := t.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("analytics: count viewers: %w", err)
	}
	return count, nil
}

// History returns the lifetime view count recorded for videoID.
func (t *Tracker) History(ctx context.Context, videoID string) (int64, error) {
	val, err := t.client.Get(ctx, historyKey(videoID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("analytics: read history counter: %w", err)
	}
	return val, nil
}
