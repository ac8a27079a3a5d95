package schedule

import (
	"strings"
	"time"

	"github.com/foxzi/sendlater/internal/apperr"
)

// Status represents the lifecycle state of a scheduled message
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCanceled
}

// Message is a chat message waiting for, or done with, delivery
type Message struct {
	ID         string            `json:"id"`
	Recipient  string            `json:"recipient"`
	Text       string            `json:"message"`
	SendTime   time.Time         `json:"send_time"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	Status     Status            `json:"status"`
	TemplateID string            `json:"template_id,omitempty"`
	RemoteID   string            `json:"remote_id,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ScheduleRequest holds the caller supplied fields of a new message
type ScheduleRequest struct {
	Recipient  string
	Text       string
	SendTime   time.Time
	TemplateID string
	Metadata   map[string]string
}

// Validate checks the request against the current time
func (r *ScheduleRequest) Validate(now time.Time) error {
	if strings.TrimSpace(r.Recipient) == "" {
		return apperr.Validation("recipient is required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return apperr.Validation("message is required")
	}
	if r.SendTime.IsZero() {
		return apperr.Validation("send_time is required")
	}
	if !r.SendTime.After(now) {
		return apperr.Validation("send_time must be in the future")
	}
	return nil
}

// Outcome is the result of a delivery attempt
type Outcome struct {
	Status   Status
	RemoteID string
	Error    string
}

func (o Outcome) validate() error {
	if o.Status != StatusSent && o.Status != StatusFailed {
		return apperr.Validation("dispatch outcome must be sent or failed, got %q", o.Status)
	}
	return nil
}

// Stats contains message counts by status
type Stats struct {
	Pending  int64 `json:"pending"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Canceled int64 `json:"canceled"`
	Total    int64 `json:"total"`
}

func (s *Stats) add(status Status, n int64) {
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusSent:
		s.Sent += n
	case StatusFailed:
		s.Failed += n
	case StatusCanceled:
		s.Canceled += n
	}
	s.Total += n
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
