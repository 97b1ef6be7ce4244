package memory

import (
	"context"
	"sync"

	"github.com/bastion-sec/bastion/internal/models"
)

// CredentialStore keeps credential records in an in-process map
type CredentialStore struct {
	mu      sync.Mutex
	records map[string]*models.CredentialRecord
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{records: make(map[string]*models.CredentialRecord)}
}

func cloneCredential(r *models.CredentialRecord) *models.CredentialRecord {
	c := *r
	c.History = append([]models.CredentialHistoryEntry(nil), r.History...)
	return &c
}

func (st *CredentialStore) Get(ctx context.Context, identity string) (*models.CredentialRecord, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	r, ok := st.records[identity]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneCredential(r), nil
}

func (st *CredentialStore) Update(ctx context.Context, rec *models.CredentialRecord) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.records[rec.Identity] = cloneCredential(rec)
	return nil
}
