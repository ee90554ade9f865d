package models

import "time"

// RequestStatus represents the state of a verification request
type RequestStatus string

const (
	RequestStatusIssued        RequestStatus = "ISSUED"
	RequestStatusAwaitingProof RequestStatus = "AWAITING_PROOF"
	RequestStatusFulfilled     RequestStatus = "FULFILLED"
	RequestStatusTimedOut      RequestStatus = "TIMED_OUT"
	RequestStatusErrored       RequestStatus = "ERRORED"
)

// SubmissionStatus represents the state of an on-chain submission
type SubmissionStatus string

const (
	SubmissionStatusSimulating           SubmissionStatus = "SIMULATING"
	SubmissionStatusSimulationRejected   SubmissionStatus = "SIMULATION_REJECTED"
	SubmissionStatusBroadcasting         SubmissionStatus = "BROADCASTING"
	SubmissionStatusBroadcastFailed      SubmissionStatus = "BROADCAST_FAILED"
	SubmissionStatusConfirmed            SubmissionStatus = "CONFIRMED"
	SubmissionStatusConfirmationTimedOut SubmissionStatus = "CONFIRMATION_TIMED_OUT"
)

// Terminal reports whether the submission has reached a terminal state.
// CONFIRMATION_TIMED_OUT is terminal for the coordinator; external
// reconciliation may still move it to CONFIRMED later.
func (s SubmissionStatus) Terminal() bool {
	return s != SubmissionStatusSimulating && s != SubmissionStatusBroadcasting
}

// VerificationRequest is one issued provider verification session.
// Immutable after issuance except for Status.
type VerificationRequest struct {
	ID           string        `db:"id"`
	ProviderID   string        `db:"provider_id"`
	SubjectAppID string        `db:"subject_app_id"`
	Status       RequestStatus `db:"status"`
	RequestURL   string        `db:"request_url"`
	CreatedAt    time.Time     `db:"created_at"`
}

// ClaimData is the claim portion of a provider proof.
type ClaimData struct {
	Provider   string `json:"provider"`
	Parameters string `json:"parameters"`
	Owner      string `json:"owner"`
	TimestampS int64  `json:"timestampS"`
	Context    string `json:"context"`
	Identifier string `json:"identifier"`
	Epoch      uint32 `json:"epoch"`
}

// Proof is the signed artifact received from the verification provider.
// The bridge treats it as immutable once received.
type Proof struct {
	Identifier string    `json:"identifier"`
	Claim      ClaimData `json:"claimData"`
	Signatures []string  `json:"signatures"`
	Witnesses  []Witness `json:"witnesses,omitempty"`
}

// Witness identifies an attestor that signed the claim.
type Witness struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// SubmissionRecord tracks the single on-chain submission for a subject.
type SubmissionRecord struct {
	Subject          uint64           `db:"subject"`
	ProofFingerprint string           `db:"proof_fingerprint"`
	Status           SubmissionStatus `db:"status"`
	RevertReason     *string          `db:"revert_reason"`
	TxHash           *string          `db:"tx_hash"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}
