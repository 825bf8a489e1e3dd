// Package memory holds single-process session state for development and
// tests; use redisstore when more than one replica serves the webhook.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

type entry[T any] struct {
	value     T
	version   int64
	expiresAt time.Time
}

type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]entry[domain.ConversationSession]
	counters map[string]entry[domain.RateLimitCounter]
	seen     map[string]time.Time
}

func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:      now,
		sessions: make(map[string]entry[domain.ConversationSession]),
		counters: make(map[string]entry[domain.RateLimitCounter]),
		seen:     make(map[string]time.Time),
	}
}

func (s *Store) LoadSession(_ context.Context, key string) (*domain.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := live(s.sessions, key, s.now())
	if !ok {
		return nil, nil
	}
	session := e.value
	return &session, nil
}

func (s *Store) CompareAndSwapSession(_ context.Context, key string, expectedVersion int64, next *domain.ConversationSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return swap(s.sessions, key, expectedVersion, *next, next.Version, s.now().Add(ttl), s.now())
}

func (s *Store) DeleteSession(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *Store) LoadCounter(_ context.Context, identity string) (*domain.RateLimitCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := live(s.counters, identity, s.now())
	if !ok {
		return nil, nil
	}
	counter := e.value
	return &counter, nil
}

func (s *Store) CompareAndSwapCounter(_ context.Context, identity string, expectedVersion int64, next *domain.RateLimitCounter, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return swap(s.counters, identity, expectedVersion, *next, next.Version, s.now().Add(ttl), s.now())
}

func (s *Store) MarkSeen(_ context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if until, ok := s.seen[id]; ok && now.Before(until) {
		return false, nil
	}
	s.seen[id] = now.Add(ttl)
	return true, nil
}

// Sweep drops expired entries; call it periodically in long-running processes.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := sweep(s.sessions, now) + sweep(s.counters, now)
	for id, until := range s.seen {
		if !now.Before(until) {
			delete(s.seen, id)
			removed++
		}
	}
	return removed
}

func live[T any](m map[string]entry[T], key string, now time.Time) (entry[T], bool) {
	e, ok := m[key]
	if !ok {
		return e, false
	}
	if !now.Before(e.expiresAt) {
		delete(m, key)
		return e, false
	}
	return e, true
}

func swap[T any](m map[string]entry[T], key string, expected int64, value T, version int64, expiresAt, now time.Time) error {
	var current int64
	if e, ok := live(m, key, now); ok {
		current = e.version
	}
	if current != expected {
		return domain.WrapError(domain.ErrConcurrentUpdate, "compare and swap "+key, errors.New("version moved"))
	}
	m[key] = entry[T]{value: value, version: version, expiresAt: expiresAt}
	return nil
}

func sweep[T any](m map[string]entry[T], now time.Time) int {
	removed := 0
	for key, e := range m {
		if !now.Before(e.expiresAt) {
			delete(m, key)
			removed++
		}
	}
	return removed
}
