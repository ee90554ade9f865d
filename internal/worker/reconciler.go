package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fcpm/bridge/internal/blockchain/evm"
	"fcpm/bridge/internal/models"
)

// SubmissionSource is the slice of the submission registry the reconciler
// needs: listing timed-out records and finalizing them.
type SubmissionSource interface {
	ListByStatus(ctx context.Context, status models.SubmissionStatus) ([]models.SubmissionRecord, error)
	Update(ctx context.Context, rec *models.SubmissionRecord) error
}

// OracleProbe exposes the read-only chain lookups the reconciler uses to
// settle an ambiguous outcome.
type OracleProbe interface {
	CheckResolve(ctx context.Context, txHash string) (evm.ConfirmationStatus, bool, error)
	IsResolved(ctx context.Context, subject uint64) (bool, error)
}

// Reconciler polls the chain for submissions stuck in
// CONFIRMATION_TIMED_OUT. The coordinator never moves a record out of that
// state on its own; only an observed receipt or contract state does.
type Reconciler struct {
	source   SubmissionSource
	oracle   OracleProbe
	interval time.Duration
	logger   *zap.Logger
}

// NewReconciler creates a reconciler polling at the given interval
func NewReconciler(source SubmissionSource, oracle OracleProbe, interval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		source:   source,
		oracle:   oracle,
		interval: interval,
		logger:   logger.Named("reconciler"),
	}
}

// Run starts the reconciler polling loop
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Reconciler started",
		zap.Duration("poll_interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Initial poll
	r.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll executes one reconciliation cycle
func (r *Reconciler) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, ReconcileTimeout)
	defer cancel()

	records, err := r.source.ListByStatus(pollCtx, models.SubmissionStatusConfirmationTimedOut)
	if err != nil {
		r.logger.Error("Failed to list timed-out submissions", zap.Error(err))
		return
	}

	if len(records) == 0 {
		return
	}

	r.logger.Debug("Checking timed-out submissions", zap.Int("count", len(records)))

	for i := range records {
		select {
		case <-pollCtx.Done():
			return
		default:
		}

		r.reconcile(pollCtx, &records[i])
	}
}

// reconcile settles a single timed-out submission against chain state
func (r *Reconciler) reconcile(ctx context.Context, rec *models.SubmissionRecord) {
	if rec.TxHash == nil {
		r.logger.Warn("Timed-out submission has no tx hash",
			zap.Uint64("subject", rec.Subject))
		return
	}

	status, found, err := r.oracle.CheckResolve(ctx, *rec.TxHash)
	if err != nil {
		r.logger.Error("Receipt lookup failed",
			zap.Uint64("subject", rec.Subject),
			zap.String("tx_hash", *rec.TxHash),
			zap.Error(err))
		return
	}

	if found {
		switch status {
		case evm.ConfirmationConfirmed:
			r.finalize(ctx, rec, models.SubmissionStatusConfirmed, nil)
		case evm.ConfirmationReverted:
			reason := "transaction reverted on-chain"
			r.finalize(ctx, rec, models.SubmissionStatusBroadcastFailed, &reason)
		}
		return
	}

	// No receipt; the transaction may have been dropped. Check whether the
	// market ended up resolved anyway before giving up on this cycle.
	resolved, err := r.oracle.IsResolved(ctx, rec.Subject)
	if err != nil {
		r.logger.Debug("isResolved lookup failed",
			zap.Uint64("subject", rec.Subject),
			zap.Error(err))
		return
	}

	if resolved {
		r.logger.Info("Market resolved without a visible receipt",
			zap.Uint64("subject", rec.Subject),
			zap.String("tx_hash", *rec.TxHash))
		r.finalize(ctx, rec, models.SubmissionStatusConfirmed, nil)
		return
	}

	// Still unknown; leave the record for the next cycle
	r.logger.Debug("Submission still unsettled",
		zap.Uint64("subject", rec.Subject),
		zap.String("tx_hash", *rec.TxHash))
}

// finalize records the settled status for a submission
func (r *Reconciler) finalize(ctx context.Context, rec *models.SubmissionRecord, status models.SubmissionStatus, reason *string) {
	rec.Status = status
	rec.RevertReason = reason

	if err := r.source.Update(ctx, rec); err != nil {
		r.logger.Error("Failed to finalize submission",
			zap.Uint64("subject", rec.Subject),
			zap.Error(err))
		return
	}

	r.logger.Info("Submission reconciled",
		zap.Uint64("subject", rec.Subject),
		zap.String("status", string(status)))
}
