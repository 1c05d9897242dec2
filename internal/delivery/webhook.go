package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"followup/internal/domain"
)

// Webhook POSTs each message as JSON to a fixed URL.
type Webhook struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

type webhookPayload struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	LeadID    string `json:"lead_id"`
	Sequence  string `json:"sequence_name"`
	Position  int    `json:"sequence_position"`
	Message   string `json:"message"`
}

type webhookReply struct {
	ID        string `json:"id"`
	Delivered *bool  `json:"delivered"`
	Error     string `json:"error"`
}

func NewWebhook(url string, headers map[string]string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Deliver(ctx context.Context, msg domain.Message) (domain.Receipt, error) {
	body, err := json.Marshal(webhookPayload{
		TaskID:    msg.TaskID,
		SessionID: msg.SessionID,
		LeadID:    msg.LeadID,
		Sequence:  msg.Sequence,
		Position:  msg.Position,
		Message:   msg.Body,
	})
	if err != nil {
		return domain.Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.TaskID)
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return domain.Receipt{}, fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	receipt := domain.Receipt{Delivered: true}
	var reply webhookReply
	if len(bytes.TrimSpace(respBody)) > 0 && json.Unmarshal(respBody, &reply) == nil {
		receipt.ProviderID = reply.ID
		if reply.Delivered != nil && !*reply.Delivered {
			receipt.Delivered = false
			receipt.Error = reply.Error
		}
	}
	return receipt, nil
}
