package merrygo

import (
	"context"
	"errors"
	"github.com/dogmatiq/linger"
	"github.com/redis/go-redis/v9"
)

var (
	ErrFailedToParseRedisURL = errors.New("failed to parse redis connection url")
	ErrRedisNotReady         = errors.New("redis did not become ready within the given time period")
	ErrEmptyRedisURL         = errors.New("empty redis connection url")
)

// connectRedis connects to redis, pinging up to cfg.RetryAttempts times
// with cfg.RetryInterval between attempts, all within cfg.ConnectTimeout.
func connectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyRedisURL
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisURL, err)
	}

	attempts := max(cfg.RetryAttempts, 1)
	var pingErr error
	for range attempts {
		client := redis.NewClient(opts)
		if pingErr = client.Ping(ctx).Err(); pingErr == nil {
			return client, nil
		}
		_ = client.Close()

		if sleepErr := linger.Sleep(ctx, cfg.RetryInterval); sleepErr != nil {
			return nil, errors.Join(ErrRedisNotReady, pingErr, sleepErr)
		}
	}
	return nil, errors.Join(ErrRedisNotReady, pingErr)
}
