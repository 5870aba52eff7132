package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conductorhq/conductor/types"
)

// saveScript performs the compare-and-set atomically server-side:
// KEYS[1] version key, KEYS[2] data key, KEYS[3] thread index, KEYS[4]
// parent version key ("" parent passes a placeholder and ARGV[4]=0).
// ARGV[1] expected version, ARGV[2] serialized checkpoint, ARGV[3]
// checkpoint id, ARGV[4] whether to verify the parent exists.
// Returns the new version, -1 on version conflict, -2 when the row or the
// parent is missing.
var saveScript = redis.NewScript(`
local ver = tonumber(redis.call('GET', KEYS[1]) or '0')
local expected = tonumber(ARGV[1])
if ver ~= expected then
  if expected > 0 and ver == 0 then return -2 end
  return -1
end
if expected == 0 and tonumber(ARGV[4]) == 1 then
  if redis.call('EXISTS', KEYS[4]) == 0 then return -2 end
end
redis.call('SET', KEYS[1], tostring(ver + 1))
redis.call('SET', KEYS[2], ARGV[2])
if expected == 0 then
  redis.call('RPUSH', KEYS[3], ARGV[3])
end
return ver + 1
`)

// RedisStore is a Redis-backed Store for distributed deployments. The
// version counter lives in its own key so the conditional write runs as a
// single Lua script.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// NewRedisStore connects to Redis and returns a checkpoint store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "conductor:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "checkpoint:"}, nil
}

// NewRedisStoreFromClient wraps an existing client (used in tests with
// miniredis).
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "conductor:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "checkpoint:"}
}

func (s *RedisStore) dataKey(threadID, checkpointID string) string {
	return s.keyPrefix + "data:" + threadID + ":" + checkpointID
}

func (s *RedisStore) versionKey(threadID, checkpointID string) string {
	return s.keyPrefix + "ver:" + threadID + ":" + checkpointID
}

func (s *RedisStore) threadKey(threadID string) string {
	return s.keyPrefix + "thread:" + threadID
}

func (s *RedisStore) Save(ctx context.Context, threadID, checkpointID, parentID string, state map[string]any, expectedVersion int64) (int64, error) {
	if _, err := encodeState(state); err != nil {
		return 0, err
	}

	cp := Checkpoint{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		ParentID:     parentID,
		State:        state,
		Version:      expectedVersion + 1,
		CreatedAt:    time.Now(),
	}
	payload, err := json.Marshal(&cp)
	if err != nil {
		return 0, types.NewError(types.ErrValidation, "checkpoint not serializable").WithCause(err)
	}

	verifyParent := 0
	parentKey := s.versionKey(threadID, "_none")
	if expectedVersion == 0 && parentID != "" {
		verifyParent = 1
		parentKey = s.versionKey(threadID, parentID)
	}

	res, err := saveScript.Run(ctx, s.client,
		[]string{
			s.versionKey(threadID, checkpointID),
			s.dataKey(threadID, checkpointID),
			s.threadKey(threadID),
			parentKey,
		},
		expectedVersion, payload, checkpointID, verifyParent,
	).Int64()
	if err != nil {
		return 0, types.NewError(types.ErrTransient, "redis save failed").WithCause(err)
	}

	switch res {
	case -1:
		return 0, versionConflict(threadID, checkpointID, expectedVersion)
	case -2:
		if expectedVersion == 0 {
			return 0, notFound(threadID, parentID)
		}
		return 0, notFound(threadID, checkpointID)
	default:
		return res, nil
	}
}

func (s *RedisStore) Load(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(threadID, checkpointID)).Bytes()
	if err == redis.Nil {
		return nil, notFound(threadID, checkpointID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrTransient, "redis load failed").WithCause(err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, types.NewError(types.ErrValidation, "stored checkpoint corrupt").WithCause(err)
	}
	return &cp, nil
}

func (s *RedisStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	ids, err := s.client.LRange(ctx, s.threadKey(threadID), -1, -1).Result()
	if err != nil {
		return nil, types.NewError(types.ErrTransient, "redis latest failed").WithCause(err)
	}
	if len(ids) == 0 {
		return nil, notFound(threadID, "latest")
	}
	return s.Load(ctx, threadID, ids[0])
}

func (s *RedisStore) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	ids, err := s.client.LRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, types.NewError(types.ErrTransient, "redis history failed").WithCause(err)
	}

	result := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(ctx, threadID, id)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := validateChain(threadID, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
