package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conductorhq/conductor/types"
)

// transitionScript atomically replaces a request iff its stored status
// equals ARGV[1]. KEYS[1] status key, KEYS[2] data key, KEYS[3] pending
// index. ARGV[1] expected status, ARGV[2] new status, ARGV[3] payload,
// ARGV[4] request id. Returns 1 on success, -1 on status mismatch, -2 when
// the request is missing.
var transitionScript = redis.NewScript(`
local status = redis.call('GET', KEYS[1])
if not status then return -2 end
if status ~= ARGV[1] then return -1 end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[3])
if ARGV[2] ~= 'pending' then
  redis.call('ZREM', KEYS[3], ARGV[4])
end
return 1
`)

// RedisStore is a Redis-backed approval store. Pending requests are indexed
// in a sorted set scored by expiry time so the sweep is a range query.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and returns an approval store.
func NewRedisStore(addr, password string, db int, keyPrefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreFromClient(client, keyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client (used in tests with
// miniredis).
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "conductor:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "approval:"}
}

func (s *RedisStore) dataKey(id string) string   { return s.keyPrefix + "data:" + id }
func (s *RedisStore) statusKey(id string) string { return s.keyPrefix + "status:" + id }
func (s *RedisStore) runKey(runID string) string { return s.keyPrefix + "run:" + runID }
func (s *RedisStore) pendingKey() string         { return s.keyPrefix + "pending" }

func (s *RedisStore) Save(ctx context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return types.NewError(types.ErrValidation, "approval request not serializable").WithCause(err)
	}

	ok, err := s.client.SetNX(ctx, s.statusKey(req.ID), string(req.Status), 0).Result()
	if err != nil {
		return types.NewError(types.ErrTransient, "redis save failed").WithCause(err)
	}
	if !ok {
		return types.NewErrorf(types.ErrInvalidState, "approval request %s already exists", req.ID)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.dataKey(req.ID), data, 0)
	pipe.SAdd(ctx, s.runKey(req.RunID), req.ID)
	if req.Status == StatusPending {
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(req.ExpiresAt.UnixNano()), Member: req.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrTransient, "redis save failed").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Request, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if err == redis.Nil {
		return nil, types.NewErrorf(types.ErrNotFound, "approval request %s not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrTransient, "redis get failed").WithCause(err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, types.NewError(types.ErrValidation, "stored approval request corrupt").WithCause(err)
	}
	return &req, nil
}

func (s *RedisStore) Transition(ctx context.Context, req *Request, from Status) error {
	data, err := json.Marshal(req)
	if err != nil {
		return types.NewError(types.ErrValidation, "approval request not serializable").WithCause(err)
	}

	res, err := transitionScript.Run(ctx, s.client,
		[]string{s.statusKey(req.ID), s.dataKey(req.ID), s.pendingKey()},
		string(from), string(req.Status), data, req.ID,
	).Int64()
	if err != nil {
		return types.NewError(types.ErrTransient, "redis transition failed").WithCause(err)
	}

	switch res {
	case -2:
		return types.NewErrorf(types.ErrNotFound, "approval request %s not found", req.ID)
	case -1:
		current, _ := s.client.Get(ctx, s.statusKey(req.ID)).Result()
		return types.NewErrorf(types.ErrInvalidState,
			"approval request %s is %s, not %s", req.ID, current, from)
	default:
		return nil
	}
}

func (s *RedisStore) ListByRun(ctx context.Context, runID string, status Status) ([]*Request, error) {
	ids, err := s.client.SMembers(ctx, s.runKey(runID)).Result()
	if err != nil {
		return nil, types.NewError(types.ErrTransient, "redis list failed").WithCause(err)
	}

	var result []*Request
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			if types.IsCode(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if status == "" || req.Status == status {
			result = append(result, req)
		}
	}
	return result, nil
}

func (s *RedisStore) ListExpired(ctx context.Context, now time.Time) ([]*Request, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
	if err != nil {
		return nil, types.NewError(types.ErrTransient, "redis expired scan failed").WithCause(err)
	}

	var result []*Request
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			if types.IsCode(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if req.Status == StatusPending {
			result = append(result, req)
		}
	}
	return result, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
