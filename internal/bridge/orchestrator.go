package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"fcpm/bridge/internal/models"
	"fcpm/bridge/internal/session"
	"fcpm/bridge/internal/submit"
	"fcpm/bridge/internal/transform"
)

// EventKind identifies an orchestrator lifecycle event
type EventKind string

const (
	EventRequestReady EventKind = "request_ready"
	EventResolved     EventKind = "resolved"
	EventRejected     EventKind = "rejected"
	EventError        EventKind = "error"
)

// ErrorKind classifies EventError per the bridge error taxonomy
type ErrorKind string

const (
	ErrKindIssuance            ErrorKind = "request_issuance"
	ErrKindProvider            ErrorKind = "provider_reported"
	ErrKindSessionTimeout      ErrorKind = "session_timeout"
	ErrKindTransformation      ErrorKind = "transformation"
	ErrKindBroadcast           ErrorKind = "broadcast"
	ErrKindConfirmationTimeout ErrorKind = "confirmation_timeout"
	ErrKindDuplicate           ErrorKind = "duplicate_submission"
	ErrKindInternal            ErrorKind = "internal"
)

// Event is one orchestrator lifecycle event for a subject. A confirmation
// timeout is reported with ErrKindConfirmationTimeout and the transaction
// hash: it is ambiguous, not a definite failure, and must not trigger a
// resubmission.
type Event struct {
	Kind       EventKind
	Subject    uint64
	RequestURL string
	TxHash     string
	Reason     string
	ErrorKind  ErrorKind
	Detail     string
}

// Session is the per-subject context the presentation layer reads:
// the request URL for rendering and the latest proof for display.
type Session struct {
	Subject uint64
	Request *models.VerificationRequest

	mu     sync.Mutex
	proof  *models.Proof
	cancel context.CancelFunc
}

// Proof returns the latest received proof, or nil before fulfillment
func (s *Session) Proof() *models.Proof {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proof
}

func (s *Session) setProof(p *models.Proof) {
	s.mu.Lock()
	s.proof = p
	s.mu.Unlock()
}

// RequestStatus returns the request's current status. The status is the
// one mutable field of the request, so all access goes through the
// session's lock.
func (s *Session) RequestStatus() models.RequestStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Request.Status
}

func (s *Session) setRequestStatus(status models.RequestStatus) {
	s.mu.Lock()
	s.Request.Status = status
	s.mu.Unlock()
}

// SessionManager is the session lifecycle surface the orchestrator drives
type SessionManager interface {
	Issue(ctx context.Context, providerID, subjectAppID string) (*models.VerificationRequest, error)
	Listen(ctx context.Context, req *models.VerificationRequest) (<-chan session.Event, error)
}

// Submitter is the submission surface the orchestrator drives
type Submitter interface {
	Submit(ctx context.Context, subject uint64, proof models.Proof) (*models.SubmissionRecord, error)
	CurrentState(ctx context.Context, subject uint64) (*models.SubmissionRecord, error)
}

// Auditor persists issued requests and their terminal status. May be nil
// when no database is configured.
type Auditor interface {
	RecordRequest(ctx context.Context, req *models.VerificationRequest) error
	UpdateRequestStatus(ctx context.Context, id string, status models.RequestStatus) error
}

// Orchestrator wires verification sessions into on-chain submissions and
// exposes the external entry point of the bridge.
type Orchestrator struct {
	sessions  SessionManager
	submitter Submitter
	audit     Auditor
	appID     string
	logger    *zap.Logger

	mu       sync.Mutex
	active   map[uint64]*Session
	reserved map[uint64]struct{} // subjects mid-issuance, not yet visible
}

// NewOrchestrator creates a new bridge orchestrator
func NewOrchestrator(sessions SessionManager, submitter Submitter, audit Auditor, appID string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		submitter: submitter,
		audit:     audit,
		appID:     appID,
		logger:    logger.Named("bridge"),
		active:    make(map[uint64]*Session),
		reserved:  make(map[uint64]struct{}),
	}
}

// Start issues a verification request for the subject and returns the
// per-subject session plus a stream of lifecycle events. The stream always
// begins with RequestReady and ends with exactly one terminal event.
func (o *Orchestrator) Start(ctx context.Context, subject uint64, providerID string) (*Session, <-chan Event, error) {
	// Reserve the subject before issuing: concurrent Starts must not all
	// pass the duplicate check while issuance is in flight.
	o.mu.Lock()
	_, isActive := o.active[subject]
	_, isReserved := o.reserved[subject]
	if isActive || isReserved {
		o.mu.Unlock()
		return nil, nil, fmt.Errorf("subject %d already has an active session", subject)
	}
	o.reserved[subject] = struct{}{}
	o.mu.Unlock()

	req, err := o.sessions.Issue(ctx, providerID, o.appID)
	if err != nil {
		o.unreserve(subject)
		return nil, nil, err
	}

	if o.audit != nil {
		if auditErr := o.audit.RecordRequest(ctx, req); auditErr != nil {
			o.logger.Warn("Failed to record verification request",
				zap.String("request_id", req.ID),
				zap.Error(auditErr))
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		Subject: subject,
		Request: req,
		cancel:  cancel,
	}

	events := make(chan Event, 4)
	events <- Event{
		Kind:       EventRequestReady,
		Subject:    subject,
		RequestURL: req.RequestURL,
	}

	listenCh, err := o.sessions.Listen(sessionCtx, req)
	if err != nil {
		o.unreserve(subject)
		cancel()
		close(events)
		return nil, nil, err
	}

	// Publish only once fully wired; readers see a complete session
	o.mu.Lock()
	delete(o.reserved, subject)
	o.active[subject] = sess
	o.mu.Unlock()

	go o.run(ctx, sess, listenCh, events)

	o.logger.Info("Bridge session started",
		zap.Uint64("subject", subject),
		zap.String("request_id", req.ID),
		zap.String("provider_id", providerID))

	return sess, events, nil
}

func (o *Orchestrator) run(ctx context.Context, sess *Session, listenCh <-chan session.Event, events chan Event) {
	defer func() {
		if o.audit != nil {
			if err := o.audit.UpdateRequestStatus(context.WithoutCancel(ctx), sess.Request.ID, sess.RequestStatus()); err != nil {
				o.logger.Warn("Failed to update request status",
					zap.String("request_id", sess.Request.ID),
					zap.Error(err))
			}
		}
		o.drop(sess.Subject)
		close(events)
	}()

	ev, ok := <-listenCh
	if !ok {
		// Session cancelled before any terminal event
		o.logger.Info("Bridge session cancelled", zap.Uint64("subject", sess.Subject))
		return
	}

	if ev.Status != "" {
		sess.setRequestStatus(ev.Status)
	}

	switch ev.Kind {
	case session.EventProofReceived:
		sess.setProof(ev.Proof)
		// Cancellation is no longer honored from here: the submission
		// runs to a terminal state regardless of the caller.
		events <- o.submitProof(context.WithoutCancel(ctx), sess.Subject, *ev.Proof)

	case session.EventProofFailed:
		events <- Event{
			Kind:      EventError,
			Subject:   sess.Subject,
			ErrorKind: ErrKindProvider,
			Detail:    ev.Reason,
		}

	case session.EventTimedOut:
		events <- Event{
			Kind:      EventError,
			Subject:   sess.Subject,
			ErrorKind: ErrKindSessionTimeout,
			Detail:    "no proof received before the session timeout",
		}
	}
}

// submitProof routes a received proof into the coordinator and translates
// the outcome into an orchestrator event
func (o *Orchestrator) submitProof(ctx context.Context, subject uint64, proof models.Proof) Event {
	rec, err := o.submitter.Submit(ctx, subject, proof)
	if err != nil {
		var dup *submit.DuplicateSubmissionError
		var tfe *transform.TransformationError
		switch {
		case errors.As(err, &dup):
			return Event{Kind: EventError, Subject: subject, ErrorKind: ErrKindDuplicate, Detail: err.Error()}
		case errors.As(err, &tfe):
			return Event{Kind: EventError, Subject: subject, ErrorKind: ErrKindTransformation, Detail: err.Error()}
		default:
			return Event{Kind: EventError, Subject: subject, ErrorKind: ErrKindInternal, Detail: err.Error()}
		}
	}

	switch rec.Status {
	case models.SubmissionStatusConfirmed:
		return Event{Kind: EventResolved, Subject: subject, TxHash: deref(rec.TxHash)}

	case models.SubmissionStatusSimulationRejected:
		return Event{Kind: EventRejected, Subject: subject, Reason: deref(rec.RevertReason)}

	case models.SubmissionStatusBroadcastFailed:
		return Event{Kind: EventError, Subject: subject, ErrorKind: ErrKindBroadcast, Detail: deref(rec.RevertReason)}

	case models.SubmissionStatusConfirmationTimedOut:
		return Event{
			Kind:      EventError,
			Subject:   subject,
			ErrorKind: ErrKindConfirmationTimeout,
			TxHash:    deref(rec.TxHash),
			Detail:    "confirmation timed out; transaction may still land, reconcile externally",
		}

	default:
		return Event{Kind: EventError, Subject: subject, ErrorKind: ErrKindInternal,
			Detail: fmt.Sprintf("unexpected submission status %s", rec.Status)}
	}
}

// Cancel aborts the subject's verification session. It only has effect
// before a proof has entered the coordinator; a submission in flight runs
// to its terminal state.
func (o *Orchestrator) Cancel(subject uint64) bool {
	o.mu.Lock()
	sess, ok := o.active[subject]
	o.mu.Unlock()
	if !ok {
		return false
	}
	sess.cancel()
	return true
}

// CurrentState returns the subject's submission record, or nil if no
// submission has been made
func (o *Orchestrator) CurrentState(ctx context.Context, subject uint64) (*models.SubmissionRecord, error) {
	return o.submitter.CurrentState(ctx, subject)
}

// ActiveSession returns the live session for a subject, if any
func (o *Orchestrator) ActiveSession(subject uint64) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.active[subject]
	return sess, ok
}

func (o *Orchestrator) drop(subject uint64) {
	o.mu.Lock()
	delete(o.active, subject)
	o.mu.Unlock()
}

func (o *Orchestrator) unreserve(subject uint64) {
	o.mu.Lock()
	delete(o.reserved, subject)
	o.mu.Unlock()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Ensure the concrete implementations satisfy the orchestrator's surfaces
var (
	_ SessionManager = (*session.Manager)(nil)
	_ Submitter      = (*submit.Coordinator)(nil)
)
