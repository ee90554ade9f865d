package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fcpm/bridge/internal/models"
	"fcpm/bridge/internal/provider"
)

// EventKind identifies the terminal outcome of a verification session
type EventKind string

const (
	EventProofReceived EventKind = "proof_received"
	EventProofFailed   EventKind = "proof_failed"
	EventTimedOut      EventKind = "timed_out"
)

// Event is the single terminal event delivered for a verification request.
// Status carries the request's terminal status; the manager never mutates
// the request after Listen, so the owner applies it under its own lock.
type Event struct {
	Kind   EventKind
	Proof  *models.Proof
	Reason string
	Status models.RequestStatus
}

// ProviderClient is the slice of the provider API the manager consumes
type ProviderClient interface {
	Init(ctx context.Context, providerID string) (*provider.SessionHandle, error)
	StartSession(ctx context.Context, handle *provider.SessionHandle, onSuccess func([]models.Proof), onError func(reason string))
}

// Manager owns the lifecycle of verification requests: issuance, listening
// for the provider's asynchronous outcome, and the session timeout. Exactly
// one terminal event is delivered per request; late provider callbacks
// after that are discarded.
type Manager struct {
	provider ProviderClient
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	handles map[string]*provider.SessionHandle // request ID -> provider handle
}

// NewManager creates a new session manager
func NewManager(providerClient ProviderClient, timeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		provider: providerClient,
		timeout:  timeout,
		logger:   logger.Named("session"),
		handles:  make(map[string]*provider.SessionHandle),
	}
}

// Issue creates a verification request at the provider and returns it with
// its request URL populated
func (m *Manager) Issue(ctx context.Context, providerID, subjectAppID string) (*models.VerificationRequest, error) {
	handle, err := m.provider.Init(ctx, providerID)
	if err != nil {
		return nil, err
	}

	req := &models.VerificationRequest{
		ID:           uuid.NewString(),
		ProviderID:   providerID,
		SubjectAppID: subjectAppID,
		Status:       models.RequestStatusIssued,
		RequestURL:   handle.RequestURL(),
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.handles[req.ID] = handle
	m.mu.Unlock()

	m.logger.Info("Verification request issued",
		zap.String("request_id", req.ID),
		zap.String("provider_id", providerID))

	return req, nil
}

// Listen registers for the request's terminal event. The returned channel
// receives exactly one event and is then closed; if ctx is cancelled before
// a terminal event, the channel closes without one and no later provider
// callback is honored.
func (m *Manager) Listen(ctx context.Context, req *models.VerificationRequest) (<-chan Event, error) {
	m.mu.Lock()
	handle, ok := m.handles[req.ID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown verification request %s", req.ID)
	}

	req.Status = models.RequestStatusAwaitingProof
	events := make(chan Event, 1)

	go m.run(ctx, req, handle, events)

	return events, nil
}

func (m *Manager) run(ctx context.Context, req *models.VerificationRequest, handle *provider.SessionHandle, events chan Event) {
	sessionCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var once sync.Once
	terminate := func(ev *Event) {
		once.Do(func() {
			if ev != nil {
				events <- *ev
			}
			close(events)
			cancel()
			m.mu.Lock()
			delete(m.handles, req.ID)
			m.mu.Unlock()
		})
	}

	go m.provider.StartSession(sessionCtx, handle,
		func(proofs []models.Proof) {
			if len(proofs) == 0 {
				terminate(&Event{Kind: EventProofFailed, Reason: "provider returned no proofs", Status: models.RequestStatusErrored})
				return
			}
			proof := proofs[0]
			m.logger.Info("Proof received",
				zap.String("request_id", req.ID),
				zap.String("identifier", proof.Identifier))
			terminate(&Event{Kind: EventProofReceived, Proof: &proof, Status: models.RequestStatusFulfilled})
		},
		func(reason string) {
			m.logger.Warn("Provider reported failure",
				zap.String("request_id", req.ID),
				zap.String("reason", reason))
			terminate(&Event{Kind: EventProofFailed, Reason: reason, Status: models.RequestStatusErrored})
		},
	)

	<-sessionCtx.Done()

	if errors.Is(sessionCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		m.logger.Warn("Verification session timed out",
			zap.String("request_id", req.ID),
			zap.Duration("timeout", m.timeout))
		terminate(&Event{Kind: EventTimedOut, Status: models.RequestStatusTimedOut})
		return
	}

	// Caller-initiated abort: discard the listener without an event
	terminate(nil)
}
