package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/contractlens/backend/config"
	"github.com/contractlens/backend/model"
	"github.com/redis/go-redis/v9"
)

const (
	contractKeyPrefix = "contract:"
	tenantKeyPrefix   = "contracts:tenant:"
	maxUpdateRetries  = 5
)

// RedisStore keeps contracts as JSON documents in Redis so that several
// server instances share processing state
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the configured Redis and checks it is reachable
func NewRedisStore(ctx context.Context, cfg *config.StoreConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	slog.Info("contract store initialized", "driver", config.StoreRedis, "addr", opts.Addr)
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func contractKey(id string) string { return contractKeyPrefix + id }

func tenantKey(tenant string) string { return tenantKeyPrefix + tenant }

func (s *RedisStore) Save(ctx context.Context, contract *model.Contract) error {
	stored := contract.Clone()
	stored.UpdatedAt = time.Now()

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode contract: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, contractKey(stored.ID), data, 0)
		pipe.SAdd(ctx, tenantKey(stored.Tenant), stored.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save contract: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Contract, error) {
	data, err := s.client.Get(ctx, contractKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	return decodeContract(data)
}

func (s *RedisStore) ListByTenant(ctx context.Context, tenant string) ([]*model.Contract, error) {
	ids, err := s.client.SMembers(ctx, tenantKey(tenant)).Result()
	if err != nil {
		return nil, fmt.Errorf("list tenant contracts: %w", err)
	}

	result := []*model.Contract{}
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = contractKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tenant contracts: %w", err)
	}

	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		c, err := decodeContract([]byte(raw))
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}

	// index entries whose document is gone
	if len(stale) > 0 {
		s.client.SRem(ctx, tenantKey(tenant), stale...)
	}

	sortNewestFirst(result)
	return result, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, contractKey(id))
		pipe.SRem(ctx, tenantKey(c.Tenant), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete contract: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id, status string, progress int, errMsg string) error {
	return s.update(ctx, id, func(c *model.Contract) {
		c.Status = status
		c.Progress = progress
		c.ErrorMsg = errMsg
	})
}

func (s *RedisStore) SetTaskID(ctx context.Context, id, taskID string) error {
	return s.update(ctx, id, func(c *model.Contract) {
		c.MineruTaskID = taskID
	})
}

func (s *RedisStore) UpdateExtraction(ctx context.Context, id string, extraction *model.Extraction) error {
	return s.update(ctx, id, func(c *model.Contract) {
		c.Extraction = extraction
		c.Status = model.StatusCompleted
		c.Progress = model.ProgressDone
		c.ErrorMsg = ""
	})
}

// update applies a read-modify-write under WATCH so concurrent writers to
// the same contract do not lose each other's changes
func (s *RedisStore) update(ctx context.Context, id string, apply func(*model.Contract)) error {
	key := contractKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrContractNotFound
		}
		if err != nil {
			return err
		}
		c, err := decodeContract(data)
		if err != nil {
			return err
		}

		apply(c)
		c.UpdatedAt = time.Now()
		encoded, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode contract: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrContractNotFound) {
			return fmt.Errorf("update contract: %w", err)
		}
		return err
	}
	return fmt.Errorf("update contract %s: too much contention", id)
}

// Close releases the Redis connection pool
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeContract(data []byte) (*model.Contract, error) {
	var c model.Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode contract: %w", err)
	}
	return &c, nil
}
