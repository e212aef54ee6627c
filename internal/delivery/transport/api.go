package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// API delivers through a provider's HTTP send endpoint.
type API struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAPI creates an HTTP API transport from its provider config.
func NewAPI(cfg ProviderConfig) *API {
	return &API{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *API) Name() string { return a.name }

type apiSendBody struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
}

type apiSendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send posts the message to the provider. Non-2xx responses are returned
// as errors carrying the provider's body so the classifier can read the
// status phrase.
func (a *API) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	payload, err := json.Marshal(apiSendBody{
		From:    req.FromIdentity,
		To:      req.ToAddress,
		Subject: req.Subject,
		HTML:    req.BodyHTML,
		Text:    req.BodyText,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to encode send payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return SendResult{}, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, fmt.Errorf("%d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), bytes.TrimSpace(body))
	}

	var out apiSendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return SendResult{}, fmt.Errorf("failed to decode send response: %w", err)
	}
	return SendResult{ProviderMessageID: out.MessageID}, nil
}
