package state

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.viam.com/rdk/logging"
)

// RedisConfig locates the key and channel the mapping is published to.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	Channel  string
}

// RedisStore keeps the mapping under a single key and announces each rewrite
// on a pub/sub channel.
type RedisStore struct {
	client  *redis.Client
	key     string
	channel string
	logger  logging.Logger
}

// NewRedisStore connects to Redis. An unreachable server is logged rather than
// returned: saves are retried on every persist window.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger logging.Logger) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is empty")
	}
	if cfg.Key == "" {
		return nil, errors.New("redis key is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warnf("redis at %s is not reachable yet: %v", cfg.Address, err)
	} else {
		logger.Infof("connected to redis at %s", cfg.Address)
	}
	return &RedisStore{client: client, key: cfg.Key, channel: cfg.Channel, logger: logger}, nil
}

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, m Mapping) error {
	data, err := m.Encode()
	if err != nil {
		return errors.Wrap(err, "unable to encode grid locations")
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return errors.Wrapf(err, "unable to set redis key %s", r.key)
	}
	if r.channel == "" {
		return nil
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return errors.Wrapf(err, "unable to publish on redis channel %s", r.channel)
	}
	return nil
}

// Load reads back the stored mapping. A missing key is an empty mapping.
func (r *RedisStore) Load(ctx context.Context) (Mapping, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Mapping{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get redis key %s", r.key)
	}
	return Decode(data)
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
