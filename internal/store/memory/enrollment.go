package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bastion-sec/bastion/internal/models"
)

type enrollmentKey struct {
	identity string
	method   models.MethodKind
}

// EnrollmentStore keeps second-factor enrollments in an in-process map
type EnrollmentStore struct {
	mu          sync.Mutex
	enrollments map[enrollmentKey]*models.Enrollment
}

func NewEnrollmentStore() *EnrollmentStore {
	return &EnrollmentStore{enrollments: make(map[enrollmentKey]*models.Enrollment)}
}

func cloneEnrollment(e *models.Enrollment) *models.Enrollment {
	c := *e
	if e.LastAcceptedAt != nil {
		t := *e.LastAcceptedAt
		c.LastAcceptedAt = &t
	}
	c.SecretEncrypted = append([]byte(nil), e.SecretEncrypted...)
	c.SecretNonce = append([]byte(nil), e.SecretNonce...)
	c.BackupCodes = append([]models.BackupCodeEntry(nil), e.BackupCodes...)
	return &c
}

func (st *EnrollmentStore) Get(ctx context.Context, identity string, method models.MethodKind) (*models.Enrollment, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.enrollments[enrollmentKey{identity, method}]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneEnrollment(e), nil
}

func (st *EnrollmentStore) Put(ctx context.Context, e *models.Enrollment) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.enrollments[enrollmentKey{e.Identity, e.Method}] = cloneEnrollment(e)
	return nil
}

func (st *EnrollmentStore) Delete(ctx context.Context, identity string, method models.MethodKind) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := enrollmentKey{identity, method}
	if _, ok := st.enrollments[key]; !ok {
		return models.ErrNotFound
	}
	delete(st.enrollments, key)
	return nil
}

func (st *EnrollmentStore) TouchAccepted(ctx context.Context, identity string, method models.MethodKind, prev *time.Time, now time.Time) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.enrollments[enrollmentKey{identity, method}]
	if !ok {
		return false, models.ErrNotFound
	}

	switch {
	case prev == nil && e.LastAcceptedAt != nil:
		return false, nil
	case prev != nil && (e.LastAcceptedAt == nil || !e.LastAcceptedAt.Equal(*prev)):
		return false, nil
	}

	t := now
	e.LastAcceptedAt = &t
	return true, nil
}

func (st *EnrollmentStore) UpdateBackupCodes(ctx context.Context, identity string, method models.MethodKind, codes []models.BackupCodeEntry) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.enrollments[enrollmentKey{identity, method}]
	if !ok {
		return models.ErrNotFound
	}
	e.BackupCodes = append([]models.BackupCodeEntry(nil), codes...)
	return nil
}
