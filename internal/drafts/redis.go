package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/domain"
)

const redisMaxTxRetries = 5

// RedisStore keeps drafts in one hash per (order, test), field = parameter id.
// A set per order indexes its tests so PurgeOrder can find them.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

// NewRedisStore creates a Redis draft store from a redis:// URL.
func NewRedisStore(ctx context.Context, redisURL, prefix string, logger *logrus.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, prefix, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *logrus.Logger) *RedisStore {
	if prefix == "" {
		prefix = "lab:drafts"
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

// Client exposes the underlying client for health checks.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) testKey(orderID, testID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, orderID, testID)
}

func (s *RedisStore) indexKey(orderID string) string {
	return fmt.Sprintf("%s:%s:tests", s.prefix, orderID)
}

// SaveDrafts writes the batch atomically. Revisions are checked under WATCH so
// a concurrent writer forces a retry instead of a lost update.
func (s *RedisStore) SaveDrafts(ctx context.Context, records []domain.DraftRecord) error {
	if err := validateBatch(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	keySet := make(map[string]struct{})
	var keys []string
	for _, r := range records {
		k := s.testKey(r.OrderID, r.TestID)
		if _, ok := keySet[k]; !ok {
			keySet[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	pending := make([]domain.DraftRecord, len(records))

	txf := func(tx *redis.Tx) error {
		ts := now()
		for i, r := range records {
			normalizeStatus(&r)

			stored, err := s.readField(ctx, tx, r.OrderID, r.TestID, r.ParameterID)
			if err != nil {
				return err
			}

			next := int64(1)
			if stored != nil {
				if r.Revision != 0 && r.Revision != stored.Revision {
					return staleError(r)
				}
				next = stored.Revision + 1
			}
			r.Revision = next
			r.UpdatedAt = ts
			pending[i] = r
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, r := range pending {
				payload, err := json.Marshal(r)
				if err != nil {
					return fmt.Errorf("failed to encode draft: %w", err)
				}
				pipe.HSet(ctx, s.testKey(r.OrderID, r.TestID), r.ParameterID, payload)
				pipe.SAdd(ctx, s.indexKey(r.OrderID), r.TestID)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisMaxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.WithField("attempt", attempt+1).Debug("Draft transaction conflicted, retrying")
			continue
		}
		if err != nil {
			return err
		}
		copy(records, pending)
		s.logger.WithFields(logrus.Fields{
			"backend": "redis",
			"count":   len(records),
		}).Debug("Saved drafts")
		return nil
	}
	return fmt.Errorf("draft transaction kept conflicting after %d attempts", redisMaxTxRetries)
}

func (s *RedisStore) readField(ctx context.Context, tx *redis.Tx, orderID, testID, parameterID string) (*domain.DraftRecord, error) {
	raw, err := tx.HGet(ctx, s.testKey(orderID, testID), parameterID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read draft: %w", err)
	}
	var stored domain.DraftRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode stored draft: %w", err)
	}
	return &stored, nil
}

// LoadDrafts returns the drafts of one test ordered by parameter id.
func (s *RedisStore) LoadDrafts(ctx context.Context, orderID, testID string) ([]domain.DraftRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.testKey(orderID, testID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load drafts: %w", err)
	}

	result := make([]domain.DraftRecord, 0, len(fields))
	for param, raw := range fields {
		var r domain.DraftRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("failed to decode draft %s: %w", param, err)
		}
		result = append(result, r)
	}
	sortByParameter(result)
	return result, nil
}

// PurgeOrder removes every draft of an order.
func (s *RedisStore) PurgeOrder(ctx context.Context, orderID string) error {
	testIDs, err := s.client.SMembers(ctx, s.indexKey(orderID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list draft tests: %w", err)
	}

	keys := make([]string, 0, len(testIDs)+1)
	for _, id := range testIDs {
		keys = append(keys, s.testKey(orderID, id))
	}
	keys = append(keys, s.indexKey(orderID))

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to purge drafts: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
