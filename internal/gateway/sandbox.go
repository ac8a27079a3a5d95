package gateway

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultSandboxCapacity = 1000

// Capture is a message intercepted by the sandbox gateway
type Capture struct {
	RemoteID     string    `json:"remote_id"`
	Recipient    string    `json:"recipient"`
	Text         string    `json:"text"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Sandbox captures messages in memory instead of delivering them
type Sandbox struct {
	mu               sync.Mutex
	captures         []Capture
	capacity         int
	logger           *slog.Logger
	simulateErrors   bool
	errorProbability float64 // 0.0 to 1.0
	delay            time.Duration
}

// NewSandbox creates a sandbox gateway
func NewSandbox(logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sandbox{
		capacity:         defaultSandboxCapacity,
		logger:           logger,
		errorProbability: 0.1,
	}
}

// SetErrorSimulation enables/disables error simulation
func (s *Sandbox) SetErrorSimulation(enabled bool, probability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		s.errorProbability = probability
	}
}

// SetDelay makes every Send wait d before answering
func (s *Sandbox) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Send records the message. With error simulation enabled a random share
// of messages is rejected.
func (s *Sandbox) Send(ctx context.Context, recipient, text string) (*Receipt, error) {
	s.mu.Lock()
	delay := s.delay
	simulate := s.simulateErrors && rand.Float64() < s.errorProbability
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, wrapTransport(ctx.Err())
		case <-timer.C:
		}
	}

	capture := Capture{
		RemoteID:   uuid.New().String(),
		Recipient:  recipient,
		Text:       text,
		CapturedAt: time.Now().UTC(),
	}

	if simulate {
		reasons := []string{
			"recipient not on network",
			"rate limited by provider",
			"session disconnected",
		}
		capture.SimulatedErr = reasons[rand.Intn(len(reasons))]
		capture.RemoteID = ""
		s.record(capture)

		s.logger.Info("sandbox: simulated rejection",
			"recipient", recipient,
			"reason", capture.SimulatedErr,
		)
		return nil, &RejectedError{Reason: capture.SimulatedErr}
	}

	s.record(capture)

	s.logger.Info("sandbox: message captured",
		"remote_id", capture.RemoteID,
		"recipient", recipient,
	)

	return &Receipt{RemoteID: capture.RemoteID, SentAt: capture.CapturedAt}, nil
}

func (s *Sandbox) record(c Capture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, c)
	if len(s.captures) > s.capacity {
		s.captures = s.captures[len(s.captures)-s.capacity:]
	}
}

// Captures returns a copy of captured messages, oldest first
func (s *Sandbox) Captures() []Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Capture, len(s.captures))
	copy(out, s.captures)
	return out
}

// Clear removes all captures and returns how many were dropped
func (s *Sandbox) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.captures)
	s.captures = nil
	return n
}

// Status always reports connected
func (s *Sandbox) Status(ctx context.Context) (*Status, error) {
	return &Status{Type: "sandbox", Connected: true}, nil
}
