package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dkim-labs/messaging-dispatch/internal/model"
)

// GatewayClient talks to the batch messaging provider: batch submission,
// per-recipient delivery outcomes, and media upload.
type GatewayClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGatewayClient(baseURL, apiKey string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	Recipients        []string `json:"recipients"`
	Body              string   `json:"body"`
	AttachmentMediaID string   `json:"attachment_media_id,omitempty"`
	SenderID          string   `json:"sender_id"`
}

type submitResponse struct {
	GroupID       string `json:"groupId"`
	AcceptedCount int    `json:"acceptedCount"`
}

func (c *GatewayClient) SubmitBatch(ctx context.Context, sub model.BatchSubmission) (model.BatchReceipt, error) {
	reqBody, err := json.Marshal(submitRequest{
		Recipients:        sub.Recipients,
		Body:              sub.Body,
		AttachmentMediaID: sub.MediaID,
		SenderID:          sub.SenderID,
	})
	if err != nil {
		return model.BatchReceipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/batches", bytes.NewReader(reqBody))
	if err != nil {
		return model.BatchReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", sub.IdempotencyKey)
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return model.BatchReceipt{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return model.BatchReceipt{}, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr submitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return model.BatchReceipt{}, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.GroupID == "" {
		return model.BatchReceipt{}, fmt.Errorf("missing groupId in response body=%q", string(body))
	}

	return model.BatchReceipt{GroupID: sr.GroupID, AcceptedCount: sr.AcceptedCount}, nil
}

type outcomesResponse struct {
	Items []struct {
		Recipient string    `json:"recipient"`
		Outcome   string    `json:"outcome"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"items"`
	HasMore bool `json:"hasMore"`
}

// DeliveryOutcomes returns one page of per-recipient outcomes for a group id.
// Callers page from 0 until more is false.
func (c *GatewayClient) DeliveryOutcomes(ctx context.Context, groupID string, since time.Time, page int) ([]model.DeliveryLogEntry, bool, error) {
	q := url.Values{"page": {strconv.Itoa(page)}}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	endpoint := fmt.Sprintf("%s/v1/batches/%s/outcomes?%s", c.baseURL, url.PathEscape(groupID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var or outcomesResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, false, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}

	entries := make([]model.DeliveryLogEntry, 0, len(or.Items))
	for _, item := range or.Items {
		outcome := model.Outcome(item.Outcome)
		switch outcome {
		case model.OutcomeSuccess, model.OutcomeFail:
		default:
			outcome = model.OutcomeUnknown
		}
		entries = append(entries, model.DeliveryLogEntry{
			Recipient:  model.NormalizeRecipient(item.Recipient),
			Outcome:    outcome,
			ReportedAt: item.Timestamp,
		})
	}
	return entries, or.HasMore, nil
}

type uploadResponse struct {
	MediaID string `json:"mediaId"`
}

// UploadMedia pushes attachment bytes to the gateway and returns the
// permanent, indefinitely reusable media id.
func (c *GatewayClient) UploadMedia(ctx context.Context, data []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/media", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var ur uploadResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if ur.MediaID == "" {
		return "", fmt.Errorf("missing mediaId in response body=%q", string(body))
	}
	return ur.MediaID, nil
}

func (c *GatewayClient) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
