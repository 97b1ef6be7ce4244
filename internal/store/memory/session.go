package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bastion-sec/bastion/internal/models"
	"github.com/google/uuid"
)

// SessionStore keeps sessions in an in-process map. Create enforces the
// per-identity limit under the same lock as the insert, matching the
// atomicity contract of the shared backends.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[uuid.UUID]*models.Session)}
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	return &c
}

func (st *SessionStore) Create(ctx context.Context, s *models.Session, maxActive int, now time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if maxActive > 0 {
		active := 0
		for _, existing := range st.sessions {
			if existing.Identity == s.Identity && existing.Active(now) {
				active++
			}
		}
		if active >= maxActive {
			return models.ErrConcurrencyLimit
		}
	}

	if _, ok := st.sessions[s.ID]; ok {
		return models.ErrConflict
	}
	st.sessions[s.ID] = cloneSession(s)
	return nil
}

func (st *SessionStore) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (st *SessionStore) CompareAndSwap(ctx context.Context, s *models.Session) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	stored, ok := st.sessions[s.ID]
	if !ok {
		return false, models.ErrSessionNotFound
	}
	if stored.Version != s.Version {
		return false, nil
	}

	next := cloneSession(s)
	next.Version++
	st.sessions[s.ID] = next
	s.Version = next.Version
	return true, nil
}

func (st *SessionStore) ListByIdentity(ctx context.Context, identity string) ([]*models.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*models.Session, 0)
	for _, s := range st.sessions {
		if s.Identity == identity {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (st *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var removed int64
	for id, s := range st.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed, nil
}
