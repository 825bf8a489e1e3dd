package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/core/ports"
)

type SessionPolicy struct {
	Expiry        time.Duration
	RateLimit     int
	RateWindow    time.Duration
	BlockDuration time.Duration
	// MaxCASRetries bounds compare-and-set retries on contention.
	MaxCASRetries int
}

func (p SessionPolicy) withDefaults() SessionPolicy {
	if p.Expiry <= 0 {
		p.Expiry = 24 * time.Hour
	}
	if p.RateLimit <= 0 {
		p.RateLimit = 20
	}
	if p.RateWindow <= 0 {
		p.RateWindow = time.Minute
	}
	if p.BlockDuration <= 0 {
		p.BlockDuration = 5 * time.Minute
	}
	if p.MaxCASRetries <= 0 {
		p.MaxCASRetries = 5
	}
	return p
}

// SessionManager owns get/advance/clear on conversation sessions and the
// per-identity rate limit. All writes are compare-and-set on the store.
type SessionManager struct {
	sessions ports.SessionStore
	limits   ports.RateLimitStore
	policy   SessionPolicy
	serial   *KeyedSerializer
	now      func() time.Time
}

func NewSessionManager(sessions ports.SessionStore, limits ports.RateLimitStore, policy SessionPolicy, now func() time.Time) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		sessions: sessions,
		limits:   limits,
		policy:   policy.withDefaults(),
		serial:   NewKeyedSerializer(),
		now:      now,
	}
}

func (m *SessionManager) Policy() SessionPolicy {
	return m.policy
}

func SessionKey(channel domain.Channel, tenantID, identity string) string {
	return strings.Join([]string{string(channel), tenantID, identity}, ":")
}

// Serialize runs fn after every earlier event for key has been handled.
func (m *SessionManager) Serialize(ctx context.Context, key string, fn func(context.Context) error) error {
	return m.serial.Do(ctx, key, fn)
}

// Get returns the live session for key, or nil when absent or expired.
func (m *SessionManager) Get(ctx context.Context, key string) (*domain.ConversationSession, error) {
	stored, err := m.sessions.LoadSession(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if stored.Expired(m.now()) {
		return nil, nil
	}
	return stored, nil
}

// GetOrCreate returns the live session, replacing an absent or expired one
// with a fresh idle session.
func (m *SessionManager) GetOrCreate(ctx context.Context, key, identity, tenantID string) (*domain.ConversationSession, error) {
	for attempt := 0; attempt < m.policy.MaxCASRetries; attempt++ {
		stored, err := m.sessions.LoadSession(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		now := m.now()
		if !stored.Expired(now) {
			return stored, nil
		}
		var expected int64
		if stored != nil {
			expected = stored.Version
		}
		fresh := m.freshSession(key, identity, tenantID, now)
		fresh.Version = expected + 1
		err = m.sessions.CompareAndSwapSession(ctx, key, expected, fresh, m.policy.Expiry)
		if err == nil {
			return fresh, nil
		}
		if !domain.IsKind(err, domain.ErrConcurrentUpdate) {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	return nil, domain.WrapError(domain.ErrConcurrentUpdate, "create session", fmt.Errorf("key %s", key))
}

// Advance applies mutate to the current session and stores it, sliding the
// expiry window. An expired session is replaced by a fresh one first.
func (m *SessionManager) Advance(
	ctx context.Context,
	key, identity, tenantID string,
	mutate func(*domain.ConversationSession) error,
) (*domain.ConversationSession, error) {
	for attempt := 0; attempt < m.policy.MaxCASRetries; attempt++ {
		stored, err := m.sessions.LoadSession(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		now := m.now()
		var expected int64
		if stored != nil {
			expected = stored.Version
		}

		var next domain.ConversationSession
		if stored.Expired(now) {
			next = *m.freshSession(key, identity, tenantID, now)
		} else {
			next = *stored
		}
		if err := mutate(&next); err != nil {
			return nil, err
		}
		next.Version = expected + 1
		next.LastActivity = now
		next.ExpiresAt = now.Add(m.policy.Expiry)

		err = m.sessions.CompareAndSwapSession(ctx, key, expected, &next, m.policy.Expiry)
		if err == nil {
			return &next, nil
		}
		if !domain.IsKind(err, domain.ErrConcurrentUpdate) {
			return nil, fmt.Errorf("store session: %w", err)
		}
	}
	return nil, domain.WrapError(domain.ErrConcurrentUpdate, "advance session", fmt.Errorf("key %s", key))
}

// Transition moves the session to state with the given context.
func (m *SessionManager) Transition(
	ctx context.Context,
	key, identity, tenantID string,
	state domain.SessionState,
	sessionCtx domain.SessionContext,
) (*domain.ConversationSession, error) {
	return m.Advance(ctx, key, identity, tenantID, func(s *domain.ConversationSession) error {
		s.State = state
		s.Context = sessionCtx
		return nil
	})
}

func (m *SessionManager) Clear(ctx context.Context, key string) error {
	if err := m.sessions.DeleteSession(ctx, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (m *SessionManager) freshSession(key, identity, tenantID string, now time.Time) *domain.ConversationSession {
	return &domain.ConversationSession{
		Key:          key,
		Identity:     identity,
		TenantID:     tenantID,
		State:        domain.StateIdle,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.policy.Expiry),
	}
}

// CheckRateLimit counts one request for identity. Once the count exceeds the
// limit inside a window the identity is blocked; after the block the counter
// starts over and the request that lifted it counts as the first.
func (m *SessionManager) CheckRateLimit(ctx context.Context, identity string) (domain.RateLimitDecision, error) {
	ttl := m.policy.RateWindow + m.policy.BlockDuration
	for attempt := 0; attempt < m.policy.MaxCASRetries; attempt++ {
		stored, err := m.limits.LoadCounter(ctx, identity)
		if err != nil {
			return domain.RateLimitDecision{}, fmt.Errorf("load rate counter: %w", err)
		}
		now := m.now()

		next := domain.RateLimitCounter{Identity: identity, WindowStart: now}
		var expected int64
		if stored != nil {
			expected = stored.Version
			next = *stored
		}

		if next.BlockedUntil != nil {
			if now.Before(*next.BlockedUntil) {
				return domain.RateLimitDecision{
					Allowed:    false,
					RetryAfter: next.BlockedUntil.Sub(now),
					Count:      next.Count,
				}, nil
			}
			next.BlockedUntil = nil
			next.Count = 0
			next.WindowStart = now
		}
		if next.WindowStart.IsZero() || now.Sub(next.WindowStart) > m.policy.RateWindow {
			next.Count = 0
			next.WindowStart = now
		}
		next.Count++

		decision := domain.RateLimitDecision{Allowed: true, Count: next.Count}
		if next.Count > m.policy.RateLimit {
			until := now.Add(m.policy.BlockDuration)
			next.BlockedUntil = &until
			decision = domain.RateLimitDecision{
				Allowed:     false,
				JustBlocked: true,
				RetryAfter:  m.policy.BlockDuration,
				Count:       next.Count,
			}
		}
		next.Version = expected + 1

		err = m.limits.CompareAndSwapCounter(ctx, identity, expected, &next, ttl)
		if err == nil {
			return decision, nil
		}
		if !domain.IsKind(err, domain.ErrConcurrentUpdate) {
			return domain.RateLimitDecision{}, fmt.Errorf("store rate counter: %w", err)
		}
	}
	return domain.RateLimitDecision{}, domain.WrapError(domain.ErrConcurrentUpdate, "check rate limit", fmt.Errorf("identity %s", identity))
}
