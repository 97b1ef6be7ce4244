// Package memory provides in-process store implementations. They satisfy
// the same atomicity contracts as the shared backends and are used by tests
// and single-node deployments.
package memory

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/bastion-sec/bastion/internal/clock"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// AtomicStore is a mutex-guarded keyed store with per-key expiry
type AtomicStore struct {
	mu      sync.Mutex
	entries map[string]entry
	clock   clock.Clock
}

// NewAtomicStore creates an empty store using the given clock for expiry
func NewAtomicStore(clk clock.Clock) *AtomicStore {
	return &AtomicStore{
		entries: make(map[string]entry),
		clock:   clk,
	}
}

func (s *AtomicStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var current int64
	e, ok := s.entries[key]
	if ok && !e.expired(now) {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err == nil {
			current = parsed
		}
	} else {
		// New or expired key gets a fresh window
		e = entry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
	}

	current += delta
	e.value = []byte(strconv.FormatInt(current, 10))
	s.entries[key] = e
	return current, nil
}

func (s *AtomicStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.clock.Now()) {
		return nil, false, nil
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, true, nil
}

func (s *AtomicStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *AtomicStore) CompareAndSet(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	e, present := s.entries[key]
	if present && e.expired(now) {
		present = false
	}

	if old == nil {
		if present {
			return false, nil
		}
	} else {
		if !present || !bytes.Equal(e.value, old) {
			return false, nil
		}
	}

	next := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		next.expiresAt = now.Add(ttl)
	}
	s.entries[key] = next
	return true, nil
}

func (s *AtomicStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
