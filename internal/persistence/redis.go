package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/config"
)

const redisChannelSuffix = ":changes"

// NewRedisClient connects to Redis using the provided configuration.
func NewRedisClient(cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	}
	return client
}

// RedisStore keeps values under a key namespace and announces every write on a
// pub/sub channel so other tabs can follow along.
type RedisStore struct {
	client    *redis.Client
	namespace string
	origin    string
	logger    *zap.Logger
}

// NewRedisStore wraps client. namespace prefixes every key and names the change channel.
func NewRedisStore(client *redis.Client, namespace, origin string, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, namespace: namespace, origin: origin, logger: logger}
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":" + k
}

func (s *RedisStore) channel() string {
	return s.namespace + redisChannelSuffix
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.write(ctx, notification{Key: key, Origin: s.origin, Value: value}, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, s.key(key), value, 0)
	})
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.write(ctx, notification{Key: key, Origin: s.origin, Deleted: true}, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, s.key(key))
	})
}

func (s *RedisStore) write(ctx context.Context, n notification, op func(redis.Pipeliner)) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		op(pipe)
		pipe.Publish(ctx, s.channel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Watch(ctx context.Context, handler ChangeHandler) error {
	sub := s.client.Subscribe(ctx, s.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var n notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					s.logger.Warn("dropping malformed redis change", zap.Error(err))
					continue
				}
				if n.Origin == s.origin {
					continue
				}
				handler(n.change())
			}
		}
	}()
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("redis client not configured")
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if s != nil && s.client != nil {
		return s.client.Close()
	}
	return nil
}
