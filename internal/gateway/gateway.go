// Package gateway delivers chat messages to the messaging network.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrTimeout is returned when the gateway did not answer in time
var ErrTimeout = errors.New("gateway timeout")

// Receipt is returned for an accepted message
type Receipt struct {
	RemoteID string    `json:"remote_id,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Gateway sends a text message to a recipient
type Gateway interface {
	Send(ctx context.Context, recipient, text string) (*Receipt, error)
}

// Status describes gateway connectivity
type Status struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

// StatusChecker is implemented by gateways that can probe their backend
type StatusChecker interface {
	Status(ctx context.Context) (*Status, error)
}

// RejectedError is an explicit refusal by the gateway
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway rejected message (status %d): %s", e.StatusCode, e.Reason)
	}
	return "gateway rejected message: " + e.Reason
}

// IsRejected reports whether err is an explicit rejection
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// IsTimeout reports whether err is a delivery timeout
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ErrorKind classifies a delivery error for metrics and logs
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTimeout(err):
		return "timeout"
	case IsRejected(err):
		return "rejected"
	default:
		return "transport"
	}
}

// wrapTransport maps client errors to ErrTimeout where applicable
func wrapTransport(err error) error {
	if IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("gateway request failed: %w", err)
}
