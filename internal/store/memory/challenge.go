package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bastion-sec/bastion/internal/models"
	"github.com/google/uuid"
)

// ChallengeStore keeps out-of-band challenges in an in-process map
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[uuid.UUID]*models.Challenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{challenges: make(map[uuid.UUID]*models.Challenge)}
}

func cloneChallenge(c *models.Challenge) *models.Challenge {
	d := *c
	return &d
}

func (st *ChallengeStore) Create(ctx context.Context, c *models.Challenge) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.challenges[c.ID]; ok {
		return models.ErrConflict
	}
	st.challenges[c.ID] = cloneChallenge(c)
	return nil
}

func (st *ChallengeStore) Get(ctx context.Context, id uuid.UUID) (*models.Challenge, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	c, ok := st.challenges[id]
	if !ok {
		return nil, models.ErrChallengeNotFound
	}
	return cloneChallenge(c), nil
}

func (st *ChallengeStore) ConsumeOnce(ctx context.Context, id uuid.UUID) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	c, ok := st.challenges[id]
	if !ok {
		return false, models.ErrChallengeNotFound
	}
	if c.Consumed {
		return false, nil
	}
	c.Consumed = true
	return true, nil
}

func (st *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var removed int64
	for id, c := range st.challenges {
		if c.Expired(now) {
			delete(st.challenges, id)
			removed++
		}
	}
	return removed, nil
}
