package api

import "fcpm/bridge/internal/models"

// ==================== Start Verification ====================

// StartVerificationRequest starts a bridge session for a subject
type StartVerificationRequest struct {
	Subject    uint64 `json:"subject"`
	ProviderID string `json:"provider_id"`
}

// StartVerificationResponse carries the request URL for QR rendering
type StartVerificationResponse struct {
	Subject    uint64 `json:"subject"`
	RequestID  string `json:"request_id"`
	RequestURL string `json:"request_url"`
	Status     string `json:"status"`
}

// ==================== Verification State ====================

// SessionState describes the live verification session, if any
type SessionState struct {
	RequestID  string               `json:"request_id"`
	RequestURL string               `json:"request_url"`
	Status     models.RequestStatus `json:"status"`
	HasProof   bool                 `json:"has_proof"`
}

// SubmissionState describes the subject's on-chain submission, if any
type SubmissionState struct {
	Status           models.SubmissionStatus `json:"status"`
	ProofFingerprint string                  `json:"proof_fingerprint"`
	TxHash           *string                 `json:"tx_hash,omitempty"`
	RevertReason     *string                 `json:"revert_reason,omitempty"`
}

// VerificationStateResponse is the combined state for a subject
type VerificationStateResponse struct {
	Subject    uint64           `json:"subject"`
	Session    *SessionState    `json:"session,omitempty"`
	Submission *SubmissionState `json:"submission,omitempty"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
