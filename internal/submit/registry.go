package submit

import (
	"context"
	"sync"
	"time"

	"fcpm/bridge/internal/models"
)

// Registry stores at most one SubmissionRecord per subject. Create is the
// idempotency gate: it must atomically fail when a record for the subject
// already exists, in any state.
type Registry interface {
	Create(ctx context.Context, rec *models.SubmissionRecord) error
	Get(ctx context.Context, subject uint64) (*models.SubmissionRecord, error)
	Update(ctx context.Context, rec *models.SubmissionRecord) error
	Delete(ctx context.Context, subject uint64) error
}

// MemoryRegistry is the in-process registry used when no database is
// configured. Idempotency then holds for the life of the process only.
type MemoryRegistry struct {
	mu      sync.Mutex
	records map[uint64]models.SubmissionRecord
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[uint64]models.SubmissionRecord)}
}

// Create records a new submission, failing if the subject already has one
func (r *MemoryRegistry) Create(_ context.Context, rec *models.SubmissionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.Subject]; exists {
		return &DuplicateSubmissionError{Subject: rec.Subject}
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	r.records[rec.Subject] = *rec
	return nil
}

// Get returns a copy of the subject's record, or nil if none exists
func (r *MemoryRegistry) Get(_ context.Context, subject uint64) (*models.SubmissionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[subject]
	if !exists {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// Update overwrites the subject's record
func (r *MemoryRegistry) Update(_ context.Context, rec *models.SubmissionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.UpdatedAt = time.Now().UTC()
	r.records[rec.Subject] = *rec
	return nil
}

// Delete releases the subject's record
func (r *MemoryRegistry) Delete(_ context.Context, subject uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, subject)
	return nil
}

// ListByStatus returns copies of all records in the given status
func (r *MemoryRegistry) ListByStatus(_ context.Context, status models.SubmissionStatus) ([]models.SubmissionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.SubmissionRecord
	for _, rec := range r.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}
