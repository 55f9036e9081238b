package tasks

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func (o RedisOptions) Asynq() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: o.Addr, Password: o.Password, DB: o.DB}
}

// RedisMonitor pings the queue's Redis periodically so health checks can
// report it without a round trip.
type RedisMonitor struct {
	client   *redis.Client
	interval time.Duration
	healthy  atomic.Bool
	logger   *zap.Logger
}

func NewRedisMonitor(opts RedisOptions, interval time.Duration, logger *zap.Logger) *RedisMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMonitor{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		interval: interval,
		logger:   logger,
	}
}

// Run pings until ctx is done.
func (m *RedisMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.client.Close()

	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *RedisMonitor) check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := m.client.Ping(pingCtx).Err()
	was := m.healthy.Swap(err == nil)
	switch {
	case err != nil && was:
		m.logger.Warn("Redis connection lost", zap.Error(err))
	case err == nil && !was:
		m.logger.Info("Redis connection healthy")
	}
}

func (m *RedisMonitor) Healthy() bool {
	return m.healthy.Load()
}
