package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fcpm/bridge/internal/bridge"
	"fcpm/bridge/internal/provider"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	orchestrator *bridge.Orchestrator
	logger       *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(orchestrator *bridge.Orchestrator, logger *zap.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Start Verification ====================

// HandleStartVerification handles POST /api/v1/verifications
// Starts a bridge session for a subject and returns the request URL
func (h *Handler) HandleStartVerification(w http.ResponseWriter, r *http.Request) {
	var req StartVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.ProviderID == "" {
		respondError(w, http.StatusBadRequest, "provider_id is required", nil)
		return
	}

	h.logger.Info("Starting verification",
		zap.Uint64("subject", req.Subject),
		zap.String("provider_id", req.ProviderID))

	// The session outlives this request; only startup errors are returned
	// synchronously.
	sess, events, err := h.orchestrator.Start(context.Background(), req.Subject, req.ProviderID)
	if err != nil {
		var issuance *provider.RequestIssuanceError
		if errors.As(err, &issuance) {
			respondError(w, http.StatusBadGateway, "Verification provider unavailable", err)
			return
		}
		respondError(w, http.StatusConflict, "Failed to start verification", err)
		return
	}

	// Drain lifecycle events so the stream always has a consumer
	go h.logEvents(events)

	response := StartVerificationResponse{
		Subject:    req.Subject,
		RequestID:  sess.Request.ID,
		RequestURL: sess.Request.RequestURL,
		Status:     string(sess.RequestStatus()),
	}

	respondJSON(w, http.StatusAccepted, response)
}

// logEvents consumes a session's event stream and logs terminal outcomes
func (h *Handler) logEvents(events <-chan bridge.Event) {
	for ev := range events {
		switch ev.Kind {
		case bridge.EventResolved:
			h.logger.Info("Subject resolved",
				zap.Uint64("subject", ev.Subject),
				zap.String("tx_hash", ev.TxHash))
		case bridge.EventRejected:
			h.logger.Info("Subject resolution rejected",
				zap.Uint64("subject", ev.Subject),
				zap.String("reason", ev.Reason))
		case bridge.EventError:
			h.logger.Warn("Bridge session error",
				zap.Uint64("subject", ev.Subject),
				zap.String("kind", string(ev.ErrorKind)),
				zap.String("detail", ev.Detail))
		}
	}
}

// ==================== Verification State ====================

// HandleGetVerification handles GET /api/v1/verifications/{subject}
// Returns the live session and submission state for a subject
func (h *Handler) HandleGetVerification(w http.ResponseWriter, r *http.Request) {
	subject, err := parseSubject(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid subject", err)
		return
	}

	response := VerificationStateResponse{Subject: subject}

	if sess, ok := h.orchestrator.ActiveSession(subject); ok {
		response.Session = &SessionState{
			RequestID:  sess.Request.ID,
			RequestURL: sess.Request.RequestURL,
			Status:     sess.RequestStatus(),
			HasProof:   sess.Proof() != nil,
		}
	}

	rec, err := h.orchestrator.CurrentState(r.Context(), subject)
	if err != nil {
		h.logger.Error("Failed to get submission state",
			zap.Uint64("subject", subject),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get submission state", err)
		return
	}
	if rec != nil {
		response.Submission = &SubmissionState{
			Status:           rec.Status,
			ProofFingerprint: rec.ProofFingerprint,
			TxHash:           rec.TxHash,
			RevertReason:     rec.RevertReason,
		}
	}

	if response.Session == nil && response.Submission == nil {
		respondError(w, http.StatusNotFound, "Verification not started", nil)
		return
	}

	respondJSON(w, http.StatusOK, response)
}

// ==================== Cancel Verification ====================

// HandleCancelVerification handles DELETE /api/v1/verifications/{subject}
// Aborts a session before a proof is received; submissions in flight are
// never rolled back
func (h *Handler) HandleCancelVerification(w http.ResponseWriter, r *http.Request) {
	subject, err := parseSubject(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid subject", err)
		return
	}

	if !h.orchestrator.Cancel(subject) {
		respondError(w, http.StatusNotFound, "No active session for subject", nil)
		return
	}

	h.logger.Info("Verification cancelled", zap.Uint64("subject", subject))
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ==================== Latest Proof ====================

// HandleGetProof handles GET /api/v1/verifications/{subject}/proof
// Returns the latest received proof for display
func (h *Handler) HandleGetProof(w http.ResponseWriter, r *http.Request) {
	subject, err := parseSubject(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid subject", err)
		return
	}

	sess, ok := h.orchestrator.ActiveSession(subject)
	if !ok {
		respondError(w, http.StatusNotFound, "No active session for subject", nil)
		return
	}

	proof := sess.Proof()
	if proof == nil {
		respondError(w, http.StatusNotFound, "No proof received yet", nil)
		return
	}

	respondJSON(w, http.StatusOK, proof)
}

// ==================== Helper Functions ====================

func parseSubject(r *http.Request) (uint64, error) {
	vars := mux.Vars(r)
	return strconv.ParseUint(vars["subject"], 10, 64)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers already written; nothing else to do
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
