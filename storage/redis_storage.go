package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/phonevault/config"
	"github.com/vultisig/phonevault/contexthelper"
	"github.com/vultisig/phonevault/internal/transfer"
)

const (
	lockPrefix     = "phonevault:lock:"
	lockTries      = 32
	lockRetryDelay = 250 * time.Millisecond
)

var ErrNotFound = errors.New("key not found")

type RedisStorage struct {
	client *redis.Client
	locks  *redsync.Redsync
	logger *logrus.Entry
}

var _ transfer.Locker = (*RedisStorage)(nil)

func NewRedisStorage(cfg config.Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return NewRedisStorageWithClient(client), nil
}

func NewRedisStorageWithClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{
		client: client,
		locks:  redsync.New(goredis.NewPool(client)),
		logger: logrus.WithField("module", "redis_storage"),
	}
}

// Get returns ErrNotFound when key is absent.
func (r *RedisStorage) Get(ctx context.Context, key string) (string, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return "", err
	}
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("fail to get key %s, err: %w", key, err)
	}
	return value, nil
}

func (r *RedisStorage) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	return r.client.Set(ctx, key, value, expiry).Err()
}

// SetNX stores value only when key is absent and reports whether it did.
func (r *RedisStorage) SetNX(ctx context.Context, key string, value string, expiry time.Duration) (bool, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return false, err
	}
	return r.client.SetNX(ctx, key, value, expiry).Result()
}

func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	return r.client.Del(ctx, key).Err()
}

// Lock takes a redlock on key, waiting for the current holder for a bounded time.
// The lock expires after ttl even if unlock is never called.
func (r *RedisStorage) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	mutex := r.locks.NewMutex(lockPrefix+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(lockTries),
		redsync.WithRetryDelay(lockRetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("fail to acquire lock %s, err: %w", key, err)
	}
	return func() {
		ok, err := mutex.UnlockContext(context.Background())
		if err != nil || !ok {
			r.logger.WithFields(logrus.Fields{
				"key":      key,
				"released": ok,
			}).WithError(err).Warn("lock was not released cleanly")
		}
	}, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
