package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BridgeClient talks to a WhatsApp bridge exposing POST /send and GET /status
type BridgeClient struct {
	baseURL string
	client  *http.Client
}

// NewBridgeClient creates a client for the bridge at baseURL
func NewBridgeClient(baseURL string, timeout time.Duration) *BridgeClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BridgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type bridgeSendRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type bridgeSendResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Send posts the message to the bridge. Anything other than HTTP 200 with
// "success": true is a rejection.
func (c *BridgeClient) Send(ctx context.Context, recipient, text string) (*Receipt, error) {
	reqBody, err := json.Marshal(bridgeSendRequest{
		Recipient: recipient,
		Message:   text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, wrapTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: strings.TrimSpace(string(body))}
	}

	var sr bridgeSendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("invalid response: %q", string(body))}
	}
	if !sr.Success {
		reason := sr.Message
		if reason == "" {
			reason = strings.TrimSpace(string(body))
		}
		return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: reason}
	}

	return &Receipt{RemoteID: sr.MessageID, SentAt: time.Now().UTC()}, nil
}

// Status reports whether the bridge answers GET /status with 200
func (c *BridgeClient) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	status := &Status{Type: "bridge"}

	resp, err := c.client.Do(req)
	if err != nil {
		status.Detail = err.Error()
		return status, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	status.Connected = resp.StatusCode == http.StatusOK
	if !status.Connected {
		status.Detail = fmt.Sprintf("status endpoint returned %d", resp.StatusCode)
	}
	return status, nil
}
