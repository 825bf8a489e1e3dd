package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// casScript writes ARGV[3] under KEYS[1] only when the stored version equals
// ARGV[1] (0 means the key must be absent).
const casScript = `
local current = redis.call('HGET', KEYS[1], 'version')
if current == false then
  if ARGV[1] ~= '0' then return 0 end
elseif current ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`

const (
	sessionPrefix = "intake:session:"
	counterPrefix = "intake:ratelimit:"
	dedupPrefix   = "intake:seen:"
)

// Store keeps sessions, rate-limit counters and seen event ids in Redis so
// several webhook replicas share them.
type Store struct {
	client redis.Cmdable
}

func New(client redis.Cmdable) *Store {
	return &Store{client: client}
}

func (s *Store) LoadSession(ctx context.Context, key string) (*domain.ConversationSession, error) {
	var session domain.ConversationSession
	found, err := s.load(ctx, sessionPrefix+key, &session)
	if err != nil || !found {
		return nil, err
	}
	return &session, nil
}

func (s *Store) CompareAndSwapSession(ctx context.Context, key string, expectedVersion int64, next *domain.ConversationSession, ttl time.Duration) error {
	return s.compareAndSwap(ctx, sessionPrefix+key, expectedVersion, next.Version, next, ttl)
}

func (s *Store) DeleteSession(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, sessionPrefix+key).Err(); err != nil {
		return domain.WrapError(domain.ErrTemporary, "delete session", err)
	}
	return nil
}

func (s *Store) LoadCounter(ctx context.Context, identity string) (*domain.RateLimitCounter, error) {
	var counter domain.RateLimitCounter
	found, err := s.load(ctx, counterPrefix+identity, &counter)
	if err != nil || !found {
		return nil, err
	}
	return &counter, nil
}

func (s *Store) CompareAndSwapCounter(ctx context.Context, identity string, expectedVersion int64, next *domain.RateLimitCounter, ttl time.Duration) error {
	return s.compareAndSwap(ctx, counterPrefix+identity, expectedVersion, next.Version, next, ttl)
}

// MarkSeen uses SET NX so the first replica to see an id wins.
func (s *Store) MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, dedupPrefix+id, 1, ttl).Result()
	if err != nil {
		return false, domain.WrapError(domain.ErrTemporary, "mark event seen", err)
	}
	return ok, nil
}

func (s *Store) load(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.client.HGet(ctx, key, "data").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, domain.WrapError(domain.ErrTemporary, "load "+key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) compareAndSwap(ctx context.Context, key string, expected, next int64, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	swapped, err := s.client.Eval(ctx, casScript, []string{key}, expected, next, string(data), ttl.Milliseconds()).Int64()
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "compare and swap "+key, err)
	}
	if swapped != 1 {
		return domain.WrapError(domain.ErrConcurrentUpdate, "compare and swap "+key,
			fmt.Errorf("expected version %d", expected))
	}
	return nil
}
