package usecase

import (
	"context"
	"sync"
)

// KeyedSerializer runs work for one key strictly in acquisition order while
// different keys proceed in parallel.
type KeyedSerializer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func NewKeyedSerializer() *KeyedSerializer {
	return &KeyedSerializer{tails: make(map[string]chan struct{})}
}

// Acquire takes the next ticket for key and waits for the previous holder.
// The returned release must be called exactly once.
func (s *KeyedSerializer) Acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	prev := s.tails[key]
	mine := make(chan struct{})
	s.tails[key] = mine
	s.mu.Unlock()

	release := func() { s.release(key, mine) }
	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// Successors still wait behind prev, then behind us.
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// Do runs fn while holding the ticket for key.
func (s *KeyedSerializer) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	release, err := s.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (s *KeyedSerializer) release(key string, mine chan struct{}) {
	s.mu.Lock()
	if s.tails[key] == mine {
		delete(s.tails, key)
	}
	s.mu.Unlock()
	close(mine)
}

// Pending reports how many keys currently have a holder.
func (s *KeyedSerializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}
