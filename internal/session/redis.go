package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "sdkforge:session:"

// DefaultTTL is how long an idle session survives in Redis.
const DefaultTTL = 7 * 24 * time.Hour

// RedisStore keeps sessions in Redis so history survives a restart.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisClient parses a redis:// or rediss:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func promptsKey(sessionID string) string  { return keyPrefix + sessionID + ":prompts" }
func analysisKey(sessionID string) string { return keyPrefix + sessionID + ":analysis" }

func (r *RedisStore) Append(ctx context.Context, sessionID, prompt string) error {
	key := promptsKey(sessionID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, prompt)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append session history: %w", err)
	}
	return nil
}

func (r *RedisStore) History(ctx context.Context, sessionID string) ([]string, error) {
	prompts, err := r.client.LRange(ctx, promptsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read session history: %w", err)
	}
	if len(prompts) == 0 {
		return nil, nil
	}
	return prompts, nil
}

func (r *RedisStore) SetAnalysis(ctx context.Context, sessionID, analysis string) error {
	if err := r.client.Set(ctx, analysisKey(sessionID), analysis, r.ttl).Err(); err != nil {
		return fmt.Errorf("store session analysis: %w", err)
	}
	return nil
}

func (r *RedisStore) Analysis(ctx context.Context, sessionID string) (string, error) {
	v, err := r.client.Get(ctx, analysisKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session analysis: %w", err)
	}
	return v, nil
}

func (r *RedisStore) Remove(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, promptsKey(sessionID), analysisKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}
