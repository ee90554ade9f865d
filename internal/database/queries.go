package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fcpm/bridge/internal/models"
	"fcpm/bridge/internal/submit"
)

// ==================== Submission Registry ====================

// SubmissionStore is the Postgres-backed submission registry. The insert
// conflict target on subject makes the duplicate gate atomic and durable
// across process restarts.
type SubmissionStore struct {
	db *DB
}

// NewSubmissionStore creates a registry backed by the given database
func NewSubmissionStore(db *DB) *SubmissionStore {
	return &SubmissionStore{db: db}
}

// Create inserts the subject's submission record, failing if one exists
func (s *SubmissionStore) Create(ctx context.Context, rec *models.SubmissionRecord) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO submissions (subject, proof_fingerprint, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (subject) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, int64(rec.Subject), rec.ProofFingerprint, rec.Status, now)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return &submit.DuplicateSubmissionError{Subject: rec.Subject}
	}

	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// Get retrieves the subject's submission record, or nil if none exists
func (s *SubmissionStore) Get(ctx context.Context, subject uint64) (*models.SubmissionRecord, error) {
	var rec models.SubmissionRecord
	query := `
		SELECT subject, proof_fingerprint, status, revert_reason, tx_hash, created_at, updated_at
		FROM submissions
		WHERE subject = $1
	`
	err := s.db.GetContext(ctx, &rec, query, int64(subject))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update overwrites the subject's mutable submission fields
func (s *SubmissionStore) Update(ctx context.Context, rec *models.SubmissionRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE submissions
		SET status = $1, revert_reason = $2, tx_hash = $3, updated_at = $4
		WHERE subject = $5
	`
	_, err := s.db.ExecContext(ctx, query, rec.Status, rec.RevertReason, rec.TxHash, rec.UpdatedAt, int64(rec.Subject))
	return err
}

// Delete releases the subject's record. Only used before any chain
// interaction has taken place.
func (s *SubmissionStore) Delete(ctx context.Context, subject uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE subject = $1`, int64(subject))
	return err
}

// ListByStatus returns all records in the given status, oldest first
func (s *SubmissionStore) ListByStatus(ctx context.Context, status models.SubmissionStatus) ([]models.SubmissionRecord, error) {
	var recs []models.SubmissionRecord
	query := `
		SELECT subject, proof_fingerprint, status, revert_reason, tx_hash, created_at, updated_at
		FROM submissions
		WHERE status = $1
		ORDER BY created_at ASC
	`
	err := s.db.SelectContext(ctx, &recs, query, status)
	return recs, err
}

// ==================== Verification Request Audit ====================

// RequestStore persists issued verification requests for auditing
type RequestStore struct {
	db *DB
}

// NewRequestStore creates an audit store backed by the given database
func NewRequestStore(db *DB) *RequestStore {
	return &RequestStore{db: db}
}

// RecordRequest inserts an issued verification request
func (s *RequestStore) RecordRequest(ctx context.Context, req *models.VerificationRequest) error {
	query := `
		INSERT INTO verification_requests (id, provider_id, subject_app_id, status, request_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.ProviderID, req.SubjectAppID, req.Status, req.RequestURL, req.CreatedAt)
	return err
}

// UpdateRequestStatus records the request's terminal status
func (s *RequestStore) UpdateRequestStatus(ctx context.Context, id string, status models.RequestStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE verification_requests SET status = $1 WHERE id = $2`, status, id)
	return err
}

// GetRequest retrieves a verification request by ID, or nil if unknown
func (s *RequestStore) GetRequest(ctx context.Context, id string) (*models.VerificationRequest, error) {
	var req models.VerificationRequest
	query := `
		SELECT id, provider_id, subject_app_id, status, request_url, created_at
		FROM verification_requests
		WHERE id = $1
	`
	err := s.db.GetContext(ctx, &req, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Ensure the store satisfies the coordinator's registry contract
var _ submit.Registry = (*SubmissionStore)(nil)
