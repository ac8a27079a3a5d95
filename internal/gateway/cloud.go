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

const defaultCloudBaseURL = "https://graph.facebook.com/v19.0"

// CloudConfig contains WhatsApp Cloud API credentials
type CloudConfig struct {
	BaseURL       string
	PhoneNumberID string
	Token         string
	Timeout       time.Duration
}

// CloudClient sends text messages through the WhatsApp Cloud API
type CloudClient struct {
	baseURL       string
	phoneNumberID string
	token         string
	client        *http.Client
}

// NewCloudClient creates a Cloud API client
func NewCloudClient(cfg CloudConfig) *CloudClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCloudBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CloudClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.Token,
		client:        &http.Client{Timeout: cfg.Timeout},
	}
}

type cloudTextMessage struct {
	MessagingProduct string     `json:"messaging_product"`
	RecipientType    string     `json:"recipient_type,omitempty"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             *cloudText `json:"text"`
}

type cloudText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// Send posts a text message. The recipient is a phone number in
// international format; a JID suffix is stripped.
func (c *CloudClient) Send(ctx context.Context, recipient, text string) (*Receipt, error) {
	to := recipient
	if i := strings.IndexByte(to, '@'); i >= 0 {
		to = to[:i]
	}

	reqBody, err := json.Marshal(cloudTextMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &cloudText{Body: text},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
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

	var sr cloudSendResponse
	decodeErr := json.Unmarshal(body, &sr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := strings.TrimSpace(string(body))
		if decodeErr == nil && sr.Error != nil {
			reason = fmt.Sprintf("%s (code %d)", sr.Error.Message, sr.Error.Code)
		}
		return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: reason}
	}
	if decodeErr != nil || len(sr.Messages) == 0 {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("missing message id in response: %q", string(body))}
	}

	return &Receipt{RemoteID: sr.Messages[0].ID, SentAt: time.Now().UTC()}, nil
}

// Status checks that the phone number ID is readable with the token
func (c *CloudClient) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+c.phoneNumberID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	status := &Status{Type: "cloud"}

	resp, err := c.client.Do(req)
	if err != nil {
		status.Detail = err.Error()
		return status, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	status.Connected = resp.StatusCode == http.StatusOK
	if !status.Connected {
		status.Detail = fmt.Sprintf("phone number lookup returned %d", resp.StatusCode)
	}
	return status, nil
}
