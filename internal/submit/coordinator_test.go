package submit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"fcpm/bridge/internal/blockchain/evm"
	"fcpm/bridge/internal/models"
	"fcpm/bridge/internal/transform"
)

const (
	testIdentifier = "0x11d1b24ffcb30f78e02fec5a4e2b8ac6f4b2b1c47f2da96b2171b0dbc4b01d0a"
	testOwner      = "0x13239fD6bc26a1DC2bD57A1aAbe2C0a4d5a06E44"
	testSignature  = "0x2888485f650f8ed02d18e32dd9a1512ca05feb83fc2cbf2c94c2c6c84dcb2e0b7e21a60c0deba3871a6c4b8c2fe84d8f6e4a7fc4de1b7e5a5c9cb04e5a75e9a31b"
	testTxHash     = "0x5f4c1e2e9b8a7d6c5b4a39281706f5e4d3c2b1a0978685746352413021100f1e"
)

func validProof() models.Proof {
	return models.Proof{
		Identifier: testIdentifier,
		Claim: models.ClaimData{
			Provider:   "http",
			Parameters: `{"url":"https://example.com/profile"}`,
			Owner:      testOwner,
			TimestampS: 1712345678,
			Identifier: testIdentifier,
			Epoch:      1,
		},
		Signatures: []string{testSignature},
	}
}

// fakeOracle is a configurable OracleClient that counts calls
type fakeOracle struct {
	mu             sync.Mutex
	simulateCalls  int
	broadcastCalls int
	awaitCalls     int

	simulate  func() (evm.SimulationResult, error)
	broadcast func() (string, error)
	await     func() (evm.ConfirmationStatus, error)
}

func (f *fakeOracle) SimulateResolve(context.Context, uint64, transform.OnchainPayload) (evm.SimulationResult, error) {
	f.mu.Lock()
	f.simulateCalls++
	f.mu.Unlock()
	if f.simulate != nil {
		return f.simulate()
	}
	return evm.SimulationResult{WillSucceed: true}, nil
}

func (f *fakeOracle) BroadcastResolve(context.Context, uint64, transform.OnchainPayload) (string, error) {
	f.mu.Lock()
	f.broadcastCalls++
	f.mu.Unlock()
	if f.broadcast != nil {
		return f.broadcast()
	}
	return testTxHash, nil
}

func (f *fakeOracle) AwaitConfirmation(context.Context, string, time.Duration) (evm.ConfirmationStatus, error) {
	f.mu.Lock()
	f.awaitCalls++
	f.mu.Unlock()
	if f.await != nil {
		return f.await()
	}
	return evm.ConfirmationConfirmed, nil
}

func (f *fakeOracle) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.simulateCalls, f.broadcastCalls
}

func newTestCoordinator(oracle *fakeOracle) (*Coordinator, *MemoryRegistry) {
	registry := NewMemoryRegistry()
	return NewCoordinator(oracle, registry, time.Minute, zap.NewNop()), registry
}

func TestSubmitConfirmed(t *testing.T) {
	oracle := &fakeOracle{}
	coord, registry := newTestCoordinator(oracle)

	rec, err := coord.Submit(context.Background(), 7, validProof())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if rec.Status != models.SubmissionStatusConfirmed {
		t.Errorf("expected CONFIRMED, got %s", rec.Status)
	}
	if rec.TxHash == nil || *rec.TxHash != testTxHash {
		t.Errorf("expected tx hash %s, got %v", testTxHash, rec.TxHash)
	}

	sims, casts := oracle.counts()
	if sims != 1 || casts != 1 {
		t.Errorf("expected 1 simulate and 1 broadcast, got %d and %d", sims, casts)
	}

	stored, err := registry.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("registry Get failed: %v", err)
	}
	if stored == nil || stored.Status != models.SubmissionStatusConfirmed {
		t.Errorf("registry record not confirmed: %+v", stored)
	}
}

func TestSubmitSimulationRejected(t *testing.T) {
	oracle := &fakeOracle{
		simulate: func() (evm.SimulationResult, error) {
			return evm.SimulationResult{WillSucceed: false, RevertReason: "market already resolved"}, nil
		},
	}
	coord, _ := newTestCoordinator(oracle)

	rec, err := coord.Submit(context.Background(), 7, validProof())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if rec.Status != models.SubmissionStatusSimulationRejected {
		t.Errorf("expected SIMULATION_REJECTED, got %s", rec.Status)
	}
	if rec.RevertReason == nil || *rec.RevertReason != "market already resolved" {
		t.Errorf("revert reason not preserved: %v", rec.RevertReason)
	}

	if _, casts := oracle.counts(); casts != 0 {
		t.Errorf("broadcast must not happen after a rejected simulation, got %d calls", casts)
	}
}

func TestSubmitDuplicateRejected(t *testing.T) {
	oracle := &fakeOracle{}
	coord, registry := newTestCoordinator(oracle)

	existing := &models.SubmissionRecord{
		Subject: 7,
		Status:  models.SubmissionStatusConfirmed,
	}
	if err := registry.Create(context.Background(), existing); err != nil {
		t.Fatalf("seed Create failed: %v", err)
	}

	_, err := coord.Submit(context.Background(), 7, validProof())
	var dup *DuplicateSubmissionError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateSubmissionError, got %v", err)
	}
	if dup.Subject != 7 {
		t.Errorf("expected subject 7, got %d", dup.Subject)
	}

	sims, casts := oracle.counts()
	if sims != 0 || casts != 0 {
		t.Errorf("duplicate must never reach the chain, got %d simulates and %d broadcasts", sims, casts)
	}
}

func TestSubmitConcurrentSameSubject(t *testing.T) {
	oracle := &fakeOracle{}
	coord, _ := newTestCoordinator(oracle)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.Submit(context.Background(), 42, validProof())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var accepted, duplicates int
	for err := range errs {
		var dup *DuplicateSubmissionError
		switch {
		case err == nil:
			accepted++
		case errors.As(err, &dup):
			duplicates++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if accepted != 1 {
		t.Errorf("expected exactly 1 accepted submission, got %d", accepted)
	}
	if duplicates != attempts-1 {
		t.Errorf("expected %d duplicates, got %d", attempts-1, duplicates)
	}

	if _, casts := oracle.counts(); casts != 1 {
		t.Errorf("expected exactly 1 broadcast, got %d", casts)
	}
}

func TestSubmitBroadcastFailure(t *testing.T) {
	oracle := &fakeOracle{
		broadcast: func() (string, error) {
			return "", &evm.BroadcastError{Err: fmt.Errorf("nonce too low")}
		},
	}
	coord, registry := newTestCoordinator(oracle)

	rec, err := coord.Submit(context.Background(), 7, validProof())
	if err != nil {
		t.Fatalf("Submit returned error for recorded outcome: %v", err)
	}

	if rec.Status != models.SubmissionStatusBroadcastFailed {
		t.Errorf("expected BROADCAST_FAILED, got %s", rec.Status)
	}
	if rec.RevertReason == nil {
		t.Fatal("expected a failure reason on the record")
	}
	// Transport failures must be labeled, never read like a revert reason
	if !strings.HasPrefix(*rec.RevertReason, "broadcast failure: ") {
		t.Errorf("failure reason not labeled: %q", *rec.RevertReason)
	}
	if !strings.Contains(*rec.RevertReason, "nonce too low") {
		t.Errorf("failure cause lost: %q", *rec.RevertReason)
	}

	// The record must survive: the subject stays blocked
	stored, _ := registry.Get(context.Background(), 7)
	if stored == nil || stored.Status != models.SubmissionStatusBroadcastFailed {
		t.Errorf("registry record not retained: %+v", stored)
	}
}

func TestSubmitConfirmationTimeout(t *testing.T) {
	oracle := &fakeOracle{
		await: func() (evm.ConfirmationStatus, error) {
			return evm.ConfirmationTimedOut, nil
		},
	}
	coord, registry := newTestCoordinator(oracle)

	rec, err := coord.Submit(context.Background(), 7, validProof())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if rec.Status != models.SubmissionStatusConfirmationTimedOut {
		t.Errorf("expected CONFIRMATION_TIMED_OUT, got %s", rec.Status)
	}
	if rec.TxHash == nil {
		t.Error("tx hash must be kept for reconciliation")
	}

	// Timeout is ambiguous, never rewritten to a failure by the coordinator
	stored, _ := registry.Get(context.Background(), 7)
	if stored == nil || stored.Status != models.SubmissionStatusConfirmationTimedOut {
		t.Errorf("registry record changed after timeout: %+v", stored)
	}
}

func TestSubmitMinedButReverted(t *testing.T) {
	oracle := &fakeOracle{
		await: func() (evm.ConfirmationStatus, error) {
			return evm.ConfirmationReverted, nil
		},
	}
	coord, _ := newTestCoordinator(oracle)

	rec, err := coord.Submit(context.Background(), 7, validProof())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if rec.Status != models.SubmissionStatusBroadcastFailed {
		t.Errorf("expected BROADCAST_FAILED for mined revert, got %s", rec.Status)
	}
}

func TestSubmitTransformFailureReleasesSubject(t *testing.T) {
	oracle := &fakeOracle{}
	coord, registry := newTestCoordinator(oracle)

	proof := validProof()
	proof.Claim.Provider = ""

	_, err := coord.Submit(context.Background(), 7, proof)
	var tfe *transform.TransformationError
	if !errors.As(err, &tfe) {
		t.Fatalf("expected TransformationError, got %v", err)
	}

	if sims, _ := oracle.counts(); sims != 0 {
		t.Errorf("malformed proof must never reach the chain, got %d simulates", sims)
	}

	// A fresh proof can still resolve the subject
	stored, _ := registry.Get(context.Background(), 7)
	if stored != nil {
		t.Errorf("reservation not released after transform failure: %+v", stored)
	}

	rec, err := coord.Submit(context.Background(), 7, validProof())
	if err != nil {
		t.Fatalf("resubmission with a valid proof failed: %v", err)
	}
	if rec.Status != models.SubmissionStatusConfirmed {
		t.Errorf("expected CONFIRMED on resubmission, got %s", rec.Status)
	}
}

func TestSubmitSimulationTransportFailureReleasesSubject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	oracle := &fakeOracle{}
	oracle.simulate = func() (evm.SimulationResult, error) {
		// Cancel so the retry loop gives up instead of backing off
		cancel()
		return evm.SimulationResult{}, fmt.Errorf("connection refused")
	}
	coord, registry := newTestCoordinator(oracle)

	_, err := coord.Submit(ctx, 7, validProof())
	if err == nil {
		t.Fatal("expected an error for a simulation transport failure")
	}

	if _, casts := oracle.counts(); casts != 0 {
		t.Errorf("broadcast must not happen without a successful simulation, got %d", casts)
	}

	stored, _ := registry.Get(context.Background(), 7)
	if stored != nil {
		t.Errorf("reservation not released after transport failure: %+v", stored)
	}
}

func TestCurrentStateUnknownSubject(t *testing.T) {
	coord, _ := newTestCoordinator(&fakeOracle{})

	rec, err := coord.CurrentState(context.Background(), 999)
	if err != nil {
		t.Fatalf("CurrentState failed: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record for unknown subject, got %+v", rec)
	}
}
