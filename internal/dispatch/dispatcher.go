// Package dispatch delivers due scheduled messages through the gateway.
package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/sendlater/internal/gateway"
	"github.com/foxzi/sendlater/internal/metrics"
	"github.com/foxzi/sendlater/internal/ratelimit"
	"github.com/foxzi/sendlater/internal/receipt"
	"github.com/foxzi/sendlater/internal/schedule"
)

// Config contains dispatcher configuration
type Config struct {
	SweepInterval   time.Duration
	BatchSize       int
	MaxInFlight     int
	DeliveryTimeout time.Duration
}

// Limiter decides whether a delivery may go out now
type Limiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// SweepResult summarizes one sweep. Sent, Failed and Noop are only known
// when the sweep waited for its deliveries.
type SweepResult struct {
	StartedAt   time.Time `json:"started_at"`
	Due         int       `json:"due"`
	Issued      int       `json:"issued"`
	InFlight    int       `json:"skipped_in_flight"`
	RateLimited int       `json:"rate_limited"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Noop        int       `json:"noop"`
	Errors      int       `json:"errors"`
}

// Status describes the dispatcher for the control API
type Status struct {
	Running       bool         `json:"running"`
	InFlight      int          `json:"in_flight"`
	SweepInterval string       `json:"sweep_interval"`
	LastSweep     *SweepResult `json:"last_sweep,omitempty"`
}

// DefaultSweepInterval keeps the delay between a message falling due and
// its delivery within a couple of seconds
const DefaultSweepInterval = time.Second

// Option configures optional collaborators
type Option func(*Dispatcher)

// WithLimiter enables rate limiting of deliveries
func WithLimiter(l Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithReceipts records receipts of sent messages
func WithReceipts(c receipt.Cache) Option {
	return func(d *Dispatcher) { d.receipts = c }
}

// WithClock overrides the time source used to find due messages
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher periodically sweeps the store for due messages and delivers
// each one at most once per process.
type Dispatcher struct {
	store    schedule.Store
	gateway  gateway.Gateway
	limiter  Limiter
	receipts receipt.Cache
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	flightMu sync.Mutex
	inFlight map[string]struct{}
	sem      chan struct{}
	wg       sync.WaitGroup

	lastSweep atomic.Pointer[SweepResult]
}

// New creates a dispatcher
func New(store schedule.Store, gw gateway.Gateway, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d := &Dispatcher{
		store:    store,
		gateway:  gw,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		sem:      make(chan struct{}, cfg.MaxInFlight),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the sweep loop. Returns false if it is already running.
func (d *Dispatcher) Start(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running.Store(true)

	go d.loop(loopCtx, d.done)

	return true
}

// Stop ends the sweep loop and waits for in-flight deliveries.
// Returns false if it was not running.
func (d *Dispatcher) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.Load() {
		return false
	}

	d.cancel()
	<-d.done
	d.wg.Wait()
	d.running.Store(false)

	d.logger.Info("dispatcher stopped")
	return true
}

// IsRunning reports whether the sweep loop is active
func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}

// Status returns the current dispatcher state
func (d *Dispatcher) Status() Status {
	return Status{
		Running:       d.IsRunning(),
		InFlight:      d.inFlightCount(),
		SweepInterval: d.cfg.SweepInterval.String(),
		LastSweep:     d.lastSweep.Load(),
	}
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		"interval", d.cfg.SweepInterval.String(),
		"max_in_flight", d.cfg.MaxInFlight,
	)

	d.safeSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.safeSweep(ctx)
		}
	}
}

func (d *Dispatcher) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher sweep panic recovered", "panic", r)
		}
	}()

	d.sweep(ctx, false)
}

// SweepOnce runs a single sweep and waits for the deliveries it issued.
// It holds mu so that Stop never waits on deliveries while a manual sweep
// is still issuing them.
func (d *Dispatcher) SweepOnce(ctx context.Context) SweepResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sweep(ctx, true)
}

type sweepCounters struct {
	sent, failed, noop, errors atomic.Int32
}

func (d *Dispatcher) sweep(ctx context.Context, wait bool) SweepResult {
	result := SweepResult{StartedAt: d.now()}
	metrics.IncSweeps()

	due, err := d.store.ListDue(ctx, result.StartedAt, d.cfg.BatchSize)
	if err != nil {
		d.logger.Error("failed to list due messages", "error", err)
		result.Errors++
		d.lastSweep.Store(&result)
		return result
	}
	result.Due = len(due)

	var counters sweepCounters
	var issued sync.WaitGroup

	for _, msg := range due {
		if ctx.Err() != nil {
			break
		}

		if !d.claim(msg.ID) {
			result.InFlight++
			continue
		}

		// Take a slot before counting the message against the rate limit,
		// so a canceled wait does not use up quota
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			d.release(msg.ID)
			continue
		}

		if !d.allow(ctx, msg) {
			<-d.sem
			d.release(msg.ID)
			result.RateLimited++
			continue
		}

		result.Issued++
		d.wg.Add(1)
		issued.Add(1)
		metrics.AddInFlight(1)

		go func(msg *schedule.Message) {
			defer issued.Done()
			d.deliver(ctx, msg, &counters)
		}(msg)
	}

	if wait {
		issued.Wait()
		result.Sent = int(counters.sent.Load())
		result.Failed = int(counters.failed.Load())
		result.Noop = int(counters.noop.Load())
		result.Errors += int(counters.errors.Load())
	}

	if result.Due > 0 {
		d.logger.Info("sweep completed",
			"due", result.Due,
			"issued", result.Issued,
			"skipped_in_flight", result.InFlight,
			"rate_limited", result.RateLimited,
		)
	}

	d.lastSweep.Store(&result)
	return result
}

func (d *Dispatcher) allow(ctx context.Context, msg *schedule.Message) bool {
	if d.limiter == nil {
		return true
	}

	res, err := d.limiter.Allow(ctx, &ratelimit.Request{Recipient: msg.Recipient})
	if err != nil {
		// Limiter failures should not hold messages back
		d.logger.Warn("rate limiter error", "message_id", msg.ID, "error", err)
		return true
	}
	if !res.Allowed {
		metrics.IncRateLimitExceeded(string(res.DeniedBy))
		d.logger.Debug("delivery postponed by rate limit",
			"message_id", msg.ID,
			"level", res.DeniedBy,
			"retry_after", res.RetryAfter,
		)
		return false
	}
	return true
}

// deliver sends one message and records the outcome. The delivery outlives
// a stopped loop so that an accepted send is never left unrecorded.
func (d *Dispatcher) deliver(ctx context.Context, msg *schedule.Message, counters *sweepCounters) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("delivery panic recovered", "message_id", msg.ID, "panic", r)
			counters.errors.Add(1)
		}
		<-d.sem
		d.release(msg.ID)
		metrics.AddInFlight(-1)
		d.wg.Done()
	}()

	logger := d.logger.With("message_id", msg.ID, "recipient", msg.Recipient)

	bg := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(bg, d.cfg.DeliveryTimeout)
	start := time.Now()
	rcpt, sendErr := d.gateway.Send(sendCtx, msg.Recipient, msg.Text)
	cancel()
	elapsed := time.Since(start)

	outcome := schedule.Outcome{Status: schedule.StatusSent}
	if sendErr != nil {
		outcome = schedule.Outcome{Status: schedule.StatusFailed, Error: sendErr.Error()}
	} else if rcpt != nil {
		outcome.RemoteID = rcpt.RemoteID
	}
	metrics.ObserveDelivery(string(outcome.Status), elapsed)

	applied, err := d.store.MarkDispatched(bg, msg.ID, outcome)
	if err != nil {
		logger.Error("failed to record delivery outcome", "status", outcome.Status, "error", err)
		counters.errors.Add(1)
		return
	}
	if !applied {
		logger.Info("delivery outcome discarded, message already resolved", "status", outcome.Status)
		metrics.IncDispatchNoop()
		counters.noop.Add(1)
		return
	}

	if sendErr != nil {
		kind := gateway.ErrorKind(sendErr)
		logger.Warn("delivery failed", "error_type", kind, "error", sendErr, "duration", elapsed)
		metrics.IncDispatched(metrics.OutcomeFailed, kind)
		counters.failed.Add(1)
		return
	}

	logger.Info("message sent", "remote_id", outcome.RemoteID, "duration", elapsed)
	metrics.IncDispatched(metrics.OutcomeSent, "")
	counters.sent.Add(1)

	if d.receipts != nil {
		sentAt := time.Now()
		if rcpt != nil && !rcpt.SentAt.IsZero() {
			sentAt = rcpt.SentAt
		}
		if err := d.receipts.StoreSent(bg, msg.ID, outcome.RemoteID, sentAt); err != nil {
			logger.Warn("failed to store receipt", "error", err)
		}
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	if _, ok := d.inFlight[id]; ok {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.flightMu.Lock()
	delete(d.inFlight, id)
	d.flightMu.Unlock()
}

func (d *Dispatcher) inFlightCount() int {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	return len(d.inFlight)
}
