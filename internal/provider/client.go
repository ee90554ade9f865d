package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fcpm/bridge/internal/config"
	"fcpm/bridge/internal/models"
)

// RequestIssuanceError reports a failure to create a verification session:
// the provider endpoint is unreachable or the app credentials were
// rejected. Recoverable; the caller may retry session start.
type RequestIssuanceError struct {
	Err error
}

func (e *RequestIssuanceError) Error() string {
	return fmt.Sprintf("request issuance failed: %v", e.Err)
}

func (e *RequestIssuanceError) Unwrap() error { return e.Err }

// SessionHandle identifies one verification session at the provider
type SessionHandle struct {
	SessionID  string
	ProviderID string
	requestURL string
}

// RequestURL returns the URL a prover opens (or scans) to fulfill the
// verification request
func (h *SessionHandle) RequestURL() string {
	return h.requestURL
}

// NewSessionHandle constructs a session handle. Exposed for alternative
// provider client implementations.
func NewSessionHandle(sessionID, providerID, requestURL string) *SessionHandle {
	return &SessionHandle{
		SessionID:  sessionID,
		ProviderID: providerID,
		requestURL: requestURL,
	}
}

// Client talks to the verification provider's session API
type Client struct {
	cfg        *config.ProviderConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new provider session client
func NewClient(cfg *config.ProviderConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type initSessionRequest struct {
	AppID      string `json:"appId"`
	AppSecret  string `json:"appSecret"`
	ProviderID string `json:"providerId"`
}

type initSessionResponse struct {
	SessionID  string `json:"sessionId"`
	RequestURL string `json:"requestUrl"`
}

type sessionStatusResponse struct {
	Session struct {
		Status string         `json:"status"`
		Proofs []models.Proof `json:"proofs"`
		Error  string         `json:"error"`
	} `json:"session"`
}

// Provider-reported session states
const (
	statusPending   = "PENDING"
	statusGenerated = "PROOF_GENERATED"
	statusFailed    = "FAILED"
)

// Init creates a verification session for the given provider and returns
// a handle carrying the request URL
func (c *Client) Init(ctx context.Context, providerID string) (*SessionHandle, error) {
	body, err := json.Marshal(initSessionRequest{
		AppID:      c.cfg.AppID,
		AppSecret:  c.cfg.AppSecret,
		ProviderID: providerID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode init request: %w", err)
	}

	url := c.cfg.APIEndpoint + "/api/v1/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestIssuanceError{Err: fmt.Errorf("provider unreachable: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &RequestIssuanceError{Err: fmt.Errorf("credentials rejected (status %d)", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, &RequestIssuanceError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var parsed initSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &RequestIssuanceError{Err: fmt.Errorf("malformed init response: %w", err)}
	}
	if parsed.SessionID == "" || parsed.RequestURL == "" {
		return nil, &RequestIssuanceError{Err: fmt.Errorf("init response missing session id or request url")}
	}

	c.logger.Info("Verification session created",
		zap.String("session_id", parsed.SessionID),
		zap.String("provider_id", providerID))

	return &SessionHandle{
		SessionID:  parsed.SessionID,
		ProviderID: providerID,
		requestURL: parsed.RequestURL,
	}, nil
}

// StartSession polls the provider until the session reaches a terminal
// state and invokes exactly one of the callbacks. It blocks until then or
// until ctx is cancelled, in which case neither callback fires.
func (c *Client) StartSession(ctx context.Context, handle *SessionHandle, onSuccess func([]models.Proof), onError func(reason string)) {
	poll := c.cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := c.fetchStatus(ctx, handle.SessionID)
			if err != nil {
				c.logger.Debug("Session status poll failed",
					zap.String("session_id", handle.SessionID),
					zap.Error(err))
				continue
			}

			switch status.Session.Status {
			case statusGenerated:
				onSuccess(status.Session.Proofs)
				return
			case statusFailed:
				reason := status.Session.Error
				if reason == "" {
					reason = "provider reported failure"
				}
				onError(reason)
				return
			case statusPending:
				// Keep polling
			default:
				c.logger.Warn("Unknown session status",
					zap.String("session_id", handle.SessionID),
					zap.String("status", status.Session.Status))
			}
		}
	}
}

func (c *Client) fetchStatus(ctx context.Context, sessionID string) (*sessionStatusResponse, error) {
	url := fmt.Sprintf("%s/api/v1/sessions/%s", c.cfg.APIEndpoint, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var parsed sessionStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}
	return &parsed, nil
}
