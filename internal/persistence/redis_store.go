package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore keeps retained messages in one hash, subscriptions in one key
// per client and offline queues in one list per client. Values are msgpack.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error occured while pinging redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "treemq"
	}
	logger.InfoF("Connected to redis %s, key prefix %s", cfg.Addr, prefix)
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (rs *RedisStore) retainedKey() string {
	return rs.prefix + ":retained"
}

func (rs *RedisStore) subscriptionsKey(clientID string) string {
	return rs.prefix + ":subs:" + clientID
}

func (rs *RedisStore) offlineKey(clientID string) string {
	return rs.prefix + ":offline:" + clientID
}

func (rs *RedisStore) StoreRetained(ctx context.Context, msg *mqtt.Message) error {
	if len(msg.Payload) == 0 {
		if err := rs.client.HDel(ctx, rs.retainedKey(), msg.Topic).Err(); err != nil {
			return fmt.Errorf("redis operation failed: %w", err)
		}
		return nil
	}
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}
	if err := rs.client.HSet(ctx, rs.retainedKey(), msg.Topic, data).Err(); err != nil {
		return fmt.Errorf("redis operation failed: %w", err)
	}
	return nil
}

func (rs *RedisStore) LookupRetained(ctx context.Context, filter string) ([]*mqtt.Message, error) {
	all, err := rs.client.HGetAll(ctx, rs.retainedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis operation failed: %w", err)
	}
	var result []*mqtt.Message
	for topic, raw := range all {
		if !subscription.MatchFilter(filter, topic) {
			continue
		}
		var msg mqtt.Message
		if err := msgpack.Unmarshal([]byte(raw), &msg); err != nil {
			logger.WarnF("Skip undecodable retained message on %s, details: %v", topic, err)
			continue
		}
		result = append(result, &msg)
	}
	return result, nil
}

func (rs *RedisStore) StoreSubscriptions(ctx context.Context, clientID string, subs []mqtt.Subscription) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	if len(subs) == 0 {
		if err := rs.client.Del(ctx, rs.subscriptionsKey(clientID)).Err(); err != nil {
			return fmt.Errorf("redis operation failed: %w", err)
		}
		return nil
	}
	data, err := msgpack.Marshal(subs)
	if err != nil {
		return err
	}
	if err := rs.client.Set(ctx, rs.subscriptionsKey(clientID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis operation failed: %w", err)
	}
	return nil
}

func (rs *RedisStore) LookupSubscriptions(ctx context.Context, clientID string) ([]mqtt.Subscription, error) {
	if clientID == "" {
		return nil, ErrClientIdEmpty
	}
	data, err := rs.client.Get(ctx, rs.subscriptionsKey(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis operation failed: %w", err)
	}
	var subs []mqtt.Subscription
	if err := msgpack.Unmarshal(data, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (rs *RedisStore) AllSubscriptions(ctx context.Context) (map[string][]mqtt.Subscription, error) {
	result := make(map[string][]mqtt.Subscription)
	prefix := rs.subscriptionsKey("")
	iter := rs.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		clientID := strings.TrimPrefix(iter.Val(), prefix)
		subs, err := rs.LookupSubscriptions(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if len(subs) > 0 {
			result[clientID] = subs
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis operation failed: %w", err)
	}
	return result, nil
}

func (rs *RedisStore) StoreOfflinePacket(ctx context.Context, clientID string, msg *mqtt.Message) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}
	if err := rs.client.RPush(ctx, rs.offlineKey(clientID), data).Err(); err != nil {
		return fmt.Errorf("redis operation failed: %w", err)
	}
	return nil
}

func (rs *RedisStore) StreamOfflinePackets(ctx context.Context, clientID string, fn func(*mqtt.Message) error) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	key := rs.offlineKey(clientID)
	var items *redis.StringSliceCmd
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis operation failed: %w", err)
	}
	for _, raw := range items.Val() {
		var msg mqtt.Message
		if err := msgpack.Unmarshal([]byte(raw), &msg); err != nil {
			logger.WarnF("[%s] Skip undecodable offline message, details: %v", clientID, err)
			continue
		}
		if err := fn(&msg); err != nil {
			return err
		}
	}
	return nil
}

func (rs *RedisStore) CleanSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	if err := rs.client.Del(ctx, rs.subscriptionsKey(clientID), rs.offlineKey(clientID)).Err(); err != nil {
		return fmt.Errorf("redis operation failed: %w", err)
	}
	return nil
}

func (rs *RedisStore) Close(_ context.Context) error {
	logger.InfoF("Closing redis connection")
	return rs.client.Close()
}
