package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fcpm/bridge/internal/blockchain/evm"
	"fcpm/bridge/internal/models"
	"fcpm/bridge/internal/transform"
)

// Retry policy for pre-broadcast steps. Broadcasts are never retried: an
// ambiguous failure may mean the transaction is already in flight.
const (
	maxSimulateAttempts = 3
	baseRetryDelay      = 2 * time.Second
)

// DuplicateSubmissionError reports an attempt to submit a second proof for
// a subject that already has a submission record. Always rejected, never
// retried.
type DuplicateSubmissionError struct {
	Subject uint64
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("subject %d already has a submission", e.Subject)
}

// OracleClient is the slice of the chain layer the coordinator drives
type OracleClient interface {
	SimulateResolve(ctx context.Context, subject uint64, payload transform.OnchainPayload) (evm.SimulationResult, error)
	BroadcastResolve(ctx context.Context, subject uint64, payload transform.OnchainPayload) (string, error)
	AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) (evm.ConfirmationStatus, error)
}

// Coordinator drives a received proof through transform, simulate and
// broadcast, enforcing at-most-once submission per subject.
type Coordinator struct {
	oracle              OracleClient
	registry            Registry
	confirmationTimeout time.Duration
	logger              *zap.Logger
}

// NewCoordinator creates a new submission coordinator
func NewCoordinator(oracle OracleClient, registry Registry, confirmationTimeout time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		oracle:              oracle,
		registry:            registry,
		confirmationTimeout: confirmationTimeout,
		logger:              logger.Named("submit"),
	}
}

// CurrentState returns the subject's submission record, or nil if the
// subject has never been submitted
func (c *Coordinator) CurrentState(ctx context.Context, subject uint64) (*models.SubmissionRecord, error) {
	return c.registry.Get(ctx, subject)
}

// Submit resolves the subject on-chain with the given proof. The sequence
// for one subject is strictly simulate -> broadcast -> confirm. Recorded
// outcomes (simulation rejection, broadcast failure, confirmation timeout,
// confirmation) are returned on the record with a nil error; errors are
// reserved for the duplicate gate, unusable proofs and transport failures
// that left no chain write behind.
func (c *Coordinator) Submit(ctx context.Context, subject uint64, proof models.Proof) (*models.SubmissionRecord, error) {
	fingerprint := transform.Fingerprint(proof)

	rec := &models.SubmissionRecord{
		Subject:          subject,
		ProofFingerprint: fingerprint,
		Status:           models.SubmissionStatusSimulating,
	}

	// Idempotency gate: atomically reserve the subject before anything
	// else touches the chain.
	if err := c.registry.Create(ctx, rec); err != nil {
		return nil, err
	}

	c.logger.Info("Submission accepted",
		zap.Uint64("subject", subject),
		zap.String("fingerprint", fingerprint))

	payload, err := transform.Transform(proof)
	if err != nil {
		// No chain interaction has happened; release the reservation so a
		// fresh, well-formed proof can still resolve this subject.
		c.release(ctx, subject)
		return nil, err
	}

	sim, err := c.simulateWithRetry(ctx, subject, payload)
	if err != nil {
		c.release(ctx, subject)
		return nil, fmt.Errorf("simulation failed for subject %d: %w", subject, err)
	}

	if !sim.WillSucceed {
		reason := sim.RevertReason
		rec.Status = models.SubmissionStatusSimulationRejected
		rec.RevertReason = &reason
		c.persist(ctx, rec)
		c.logger.Info("Simulation rejected, not broadcasting",
			zap.Uint64("subject", subject),
			zap.String("revert_reason", reason))
		return rec, nil
	}

	rec.Status = models.SubmissionStatusBroadcasting
	c.persist(ctx, rec)

	txHash, err := c.oracle.BroadcastResolve(ctx, subject, payload)
	if err != nil {
		// Label the transport failure so the record never reads like an
		// EVM revert reason.
		cause := err
		var be *evm.BroadcastError
		if errors.As(err, &be) {
			cause = be.Err
		}
		reason := fmt.Sprintf("broadcast failure: %v", cause)
		rec.Status = models.SubmissionStatusBroadcastFailed
		rec.RevertReason = &reason
		c.persist(ctx, rec)
		c.logger.Error("Broadcast failed",
			zap.Uint64("subject", subject),
			zap.Error(err))
		return rec, nil
	}

	rec.TxHash = &txHash
	c.persist(ctx, rec)

	status, err := c.oracle.AwaitConfirmation(ctx, txHash, c.confirmationTimeout)
	if err != nil {
		// Treat an unobservable confirmation like a timeout: the
		// transaction may still land, so the outcome stays ambiguous.
		c.logger.Error("Confirmation wait failed",
			zap.Uint64("subject", subject),
			zap.String("tx_hash", txHash),
			zap.Error(err))
		status = evm.ConfirmationTimedOut
	}

	switch status {
	case evm.ConfirmationConfirmed:
		rec.Status = models.SubmissionStatusConfirmed
	case evm.ConfirmationReverted:
		reason := "transaction reverted on-chain"
		rec.Status = models.SubmissionStatusBroadcastFailed
		rec.RevertReason = &reason
	default:
		rec.Status = models.SubmissionStatusConfirmationTimedOut
	}
	c.persist(ctx, rec)

	c.logger.Info("Submission finished",
		zap.Uint64("subject", subject),
		zap.String("status", string(rec.Status)),
		zap.String("tx_hash", txHash))

	return rec, nil
}

// simulateWithRetry retries transport failures with backoff. Retrying here
// is safe: nothing has been broadcast yet.
func (c *Coordinator) simulateWithRetry(ctx context.Context, subject uint64, payload transform.OnchainPayload) (evm.SimulationResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxSimulateAttempts; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return evm.SimulationResult{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		sim, err := c.oracle.SimulateResolve(ctx, subject, payload)
		if err == nil {
			return sim, nil
		}
		lastErr = err
		c.logger.Warn("Simulation attempt failed",
			zap.Uint64("subject", subject),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return evm.SimulationResult{}, lastErr
}

func (c *Coordinator) persist(ctx context.Context, rec *models.SubmissionRecord) {
	if err := c.registry.Update(ctx, rec); err != nil {
		c.logger.Error("Failed to persist submission record",
			zap.Uint64("subject", rec.Subject),
			zap.String("status", string(rec.Status)),
			zap.Error(err))
	}
}

func (c *Coordinator) release(ctx context.Context, subject uint64) {
	if err := c.registry.Delete(ctx, subject); err != nil {
		c.logger.Error("Failed to release submission reservation",
			zap.Uint64("subject", subject),
			zap.Error(err))
	}
}
