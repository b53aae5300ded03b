package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries in PutFlag.
const maxTxRetries = 5

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps records as JSON strings. A set per environment indexes the
// keys so listings never scan the keyspace.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedisStoreFromClient(client), nil
}

func newRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func flagIndexKey(env string) string    { return "index/" + flagKeyPrefix(env) }
func segmentIndexKey(env string) string { return "index/" + segmentKeyPrefix(env) }

// GetFlag retrieves a single flag.
func (r *RedisStore) GetFlag(ctx context.Context, env, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, flagKey(env, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode flag %s/%s: %w", env, key, err)
	}
	return &rec, nil
}

// ListFlags retrieves all flags of env, ordered by key.
func (r *RedisStore) ListFlags(ctx context.Context, env string) ([]Record, error) {
	result := make([]Record, 0)
	err := r.loadIndexed(ctx, flagIndexKey(env), func(raw []byte) error {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		result = append(result, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FlagKey < result[j].FlagKey })
	return result, nil
}

// PutFlag writes the record under WATCH so a concurrent newer write is never
// overwritten by an older version.
func (r *RedisStore) PutFlag(ctx context.Context, rec Record) error {
	rec.UpdatedAt = r.now()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	k := flagKey(rec.Env, rec.FlagKey)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case err == nil:
			var existing Record
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode flag %s: %w", k, err)
			}
			if err := checkVersion(existing.Version, rec.Version); err != nil {
				return err
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, 0)
			pipe.SAdd(ctx, flagIndexKey(rec.Env), k)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("put flag %s: too many concurrent writers", k)
}

// DeleteFlag removes a flag (idempotent).
func (r *RedisStore) DeleteFlag(ctx context.Context, env, key string) error {
	k := flagKey(env, key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.SRem(ctx, flagIndexKey(env), k)
		return nil
	})
	return err
}

// PutSegment creates or replaces a segment.
func (r *RedisStore) PutSegment(ctx context.Context, seg SegmentRecord) error {
	seg.UpdatedAt = r.now()
	data, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	k := segmentKey(seg.Env, seg.ID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k, data, 0)
		pipe.SAdd(ctx, segmentIndexKey(seg.Env), k)
		return nil
	})
	return err
}

// GetSegments retrieves all segments of env, ordered by id.
func (r *RedisStore) GetSegments(ctx context.Context, env string) ([]SegmentRecord, error) {
	result := make([]SegmentRecord, 0)
	err := r.loadIndexed(ctx, segmentIndexKey(env), func(raw []byte) error {
		var seg SegmentRecord
		if err := json.Unmarshal(raw, &seg); err != nil {
			return err
		}
		result = append(result, seg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// DeleteSegment removes a segment (idempotent).
func (r *RedisStore) DeleteSegment(ctx context.Context, env, id string) error {
	k := segmentKey(env, id)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.SRem(ctx, segmentIndexKey(env), k)
		return nil
	})
	return err
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// loadIndexed reads every key of an index set with one MGET. Keys whose value
// vanished between SMEMBERS and MGET are skipped.
func (r *RedisStore) loadIndexed(ctx context.Context, index string, fn func(raw []byte) error) error {
	keys, err := r.client.SMembers(ctx, index).Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if err := fn([]byte(s)); err != nil {
			return err
		}
	}
	return nil
}
