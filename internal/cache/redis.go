package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tunegate/tunegate/internal/job"
)

const redisKeyPrefix = "job_status:"

// RedisConfig addresses the shared cache.
type RedisConfig struct {
	Addr string
	DB   int
}

// Redis shares cached views between instances. Expiry is delegated to Redis.
type Redis struct {
	client *redis.Client
	opts   Options
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig, opts Options) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &Redis{client: client, opts: opts.withDefaults()}, nil
}

func (r *Redis) Get(ctx context.Context, id string) (job.View, bool) {
	data, err := r.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("job_id", id).Msg("cache read failed")
		}
		return job.View{}, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("discarding undecodable cache entry")
		return job.View{}, false
	}
	return e.Payload, true
}

func (r *Redis) Set(ctx context.Context, id string, v job.View) {
	data, err := json.Marshal(Entry{Timestamp: time.Now(), Payload: v})
	if err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("cache encode failed")
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+id, data, r.opts.ttlFor(v)).Err(); err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("cache write failed")
	}
}

func (r *Redis) Delete(ctx context.Context, id string) {
	if err := r.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("cache delete failed")
	}
}

func (r *Redis) Close() error { return r.client.Close() }
