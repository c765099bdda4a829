package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPoolSize = 10
	ioTimeout       = 2 * time.Second
	pingTimeout     = 5 * time.Second
)

// Options mirrors the Redis part of config.Config.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	PoolSize int
}

func (o Options) clientOptions() *redis.Options {
	pool := o.PoolSize
	if pool <= 0 {
		pool = defaultPoolSize
	}
	return &redis.Options{
		Addr:         o.Addr,
		Username:     o.Username,
		Password:     o.Password,
		DB:           o.DB,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
		PoolSize:     pool,
		MinIdleConns: 1,
	}
}

// NewRedisClient connects and pings once. The client is closed again if the
// ping fails, so callers only own it on success.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(opts.clientOptions())

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s (db %d): %w", opts.Addr, opts.DB, err)
	}
	return rdb, nil
}
