package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBridgeClient_Send(t *testing.T) {
	var got bridgeSendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message":"sent","message_id":"wamid.1"}`))
	}))
	defer server.Close()

	client := NewBridgeClient(server.URL+"/", time.Second)
	receipt, err := client.Send(context.Background(), "27821234567@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if receipt.RemoteID != "wamid.1" {
		t.Errorf("Send().RemoteID = %q, want wamid.1", receipt.RemoteID)
	}
	if got.Recipient != "27821234567@s.whatsapp.net" || got.Message != "hello" {
		t.Errorf("request body = %+v", got)
	}
}

func TestBridgeClient_SendRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{"http error", http.StatusInternalServerError, "bridge down", "bridge down"},
		{"success false", http.StatusOK, `{"success":false,"message":"not connected"}`, "not connected"},
		{"not json", http.StatusOK, "ok", "invalid response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewBridgeClient(server.URL, time.Second).Send(context.Background(), "a", "b")
			var rej *RejectedError
			if !errors.As(err, &rej) {
				t.Fatalf("Send() error = %v, want *RejectedError", err)
			}
			if !strings.Contains(rej.Reason, tt.reason) {
				t.Errorf("Reason = %q, want to contain %q", rej.Reason, tt.reason)
			}
			if ErrorKind(err) != "rejected" {
				t.Errorf("ErrorKind() = %q, want rejected", ErrorKind(err))
			}
		})
	}
}

func TestBridgeClient_SendTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewBridgeClient(server.URL, 5*time.Second).Send(ctx, "a", "b")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send() error = %v, want ErrTimeout", err)
	}
	if !IsTimeout(err) {
		t.Error("IsTimeout() = false, want true")
	}
}

func TestBridgeClient_Status(t *testing.T) {
	code := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("path = %s, want /status", r.URL.Path)
		}
		w.WriteHeader(code)
	}))
	defer server.Close()

	client := NewBridgeClient(server.URL, time.Second)

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Connected {
		t.Errorf("Status().Connected = false, want true")
	}

	code = http.StatusServiceUnavailable
	status, _ = client.Status(context.Background())
	if status.Connected {
		t.Errorf("Status().Connected = true on 503")
	}
}

func TestCloudClient_Send(t *testing.T) {
	var got cloudTextMessage
	var auth, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`))
	}))
	defer server.Close()

	client := NewCloudClient(CloudConfig{
		BaseURL:       server.URL,
		PhoneNumberID: "1055",
		Token:         "secret",
	})

	receipt, err := client.Send(context.Background(), "27821234567@s.whatsapp.net", "hi")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if receipt.RemoteID != "wamid.ABC" {
		t.Errorf("RemoteID = %q, want wamid.ABC", receipt.RemoteID)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if path != "/1055/messages" {
		t.Errorf("path = %q, want /1055/messages", path)
	}
	if got.To != "27821234567" || got.Type != "text" || got.Text == nil || got.Text.Body != "hi" {
		t.Errorf("request = %+v", got)
	}
	if got.MessagingProduct != "whatsapp" {
		t.Errorf("MessagingProduct = %q", got.MessagingProduct)
	}
}

func TestCloudClient_SendRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid parameter","code":100}}`))
	}))
	defer server.Close()

	client := NewCloudClient(CloudConfig{BaseURL: server.URL, PhoneNumberID: "1", Token: "t"})
	_, err := client.Send(context.Background(), "1", "x")

	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("Send() error = %v, want *RejectedError", err)
	}
	if rej.StatusCode != http.StatusBadRequest || rej.Reason != "Invalid parameter (code 100)" {
		t.Errorf("RejectedError = %+v", rej)
	}
}

func TestSandbox(t *testing.T) {
	sb := NewSandbox(nil)

	receipt, err := sb.Send(context.Background(), "a@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if receipt.RemoteID == "" {
		t.Error("RemoteID is empty")
	}

	captures := sb.Captures()
	if len(captures) != 1 || captures[0].Text != "hello" {
		t.Fatalf("Captures() = %+v", captures)
	}

	sb.SetErrorSimulation(true, 1.0)
	if _, err := sb.Send(context.Background(), "a", "b"); !IsRejected(err) {
		t.Errorf("Send() with simulation error = %v, want rejection", err)
	}
	if n := sb.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
}

func TestSandbox_DelayHonorsDeadline(t *testing.T) {
	sb := NewSandbox(nil)
	sb.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sb.Send(ctx, "a", "b")
	if !IsTimeout(err) {
		t.Errorf("Send() error = %v, want timeout", err)
	}
	if len(sb.Captures()) != 0 {
		t.Error("timed out message was captured")
	}
}

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		in, cc, want string
	}{
		{"0821234567", "", "27821234567@s.whatsapp.net"},
		{"821234567", "", "27821234567@s.whatsapp.net"},
		{"27821234567", "", "27821234567@s.whatsapp.net"},
		{"+27 82 123-4567", "", "27821234567@s.whatsapp.net"},
		{"07700900123", "44", "447700900123@s.whatsapp.net"},
		{"120363@g.us", "", "120363@g.us"},
		{"27821234567@s.whatsapp.net", "", "27821234567@s.whatsapp.net"},
		{"", "", ""},
	}

	for _, tt := range tests {
		if got := NormalizeRecipient(tt.in, tt.cc); got != tt.want {
			t.Errorf("NormalizeRecipient(%q, %q) = %q, want %q", tt.in, tt.cc, got, tt.want)
		}
	}
}

type recordingGateway struct {
	recipient string
}

func (g *recordingGateway) Send(ctx context.Context, recipient, text string) (*Receipt, error) {
	g.recipient = recipient
	return &Receipt{}, nil
}

func TestNormalizing(t *testing.T) {
	next := &recordingGateway{}
	gw := NewNormalizing(next, "27")

	if _, err := gw.Send(context.Background(), "0821234567", "x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if next.recipient != "27821234567@s.whatsapp.net" {
		t.Errorf("forwarded recipient = %q", next.recipient)
	}

	status, _ := gw.Status(context.Background())
	if status.Type != "unknown" {
		t.Errorf("Status().Type = %q, want unknown", status.Type)
	}
}
