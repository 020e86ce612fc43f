package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SendrySender delivers through the Sendry MTA HTTP API
type SendrySender struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type sendRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewSendrySender(baseURL, apiKey string, timeout time.Duration) *SendrySender {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SendrySender{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts the message to /api/v1/send. 5xx responses and transport
// errors are temporary, 4xx responses are permanent.
func (s *SendrySender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	data, err := json.Marshal(sendRequest{
		From:    formatAddress(msg.FromName, msg.FromEmail),
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Headers: msg.Headers,
	})
	if err != nil {
		return nil, &SendError{Temporary: false, Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/send", bytes.NewReader(data))
	if err != nil {
		return nil, &SendError{Temporary: false, Message: "create request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &SendError{Temporary: true, Message: "do request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		message := fmt.Sprintf("HTTP %d", resp.StatusCode)
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			message = fmt.Sprintf("API error: %s", errResp.Error)
		}
		return nil, &SendError{Temporary: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, Message: message}
	}

	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &SendError{Temporary: true, Message: "decode response", Err: err}
	}

	return &Result{MessageID: result.ID}, nil
}
