package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/sendlater/internal/gateway"
	"github.com/foxzi/sendlater/internal/ratelimit"
)

// ControlOptions contains the collaborators of a ControlServer
type ControlOptions struct {
	Scheduler   Scheduler
	Gateway     gateway.StatusChecker
	Sandbox     *gateway.Sandbox
	RateLimiter RateLimitStats
	Logger      *slog.Logger
}

// ControlServer handles gateway, dispatcher, sandbox and rate limit endpoints
type ControlServer struct {
	scheduler   Scheduler
	gateway     gateway.StatusChecker
	sandbox     *gateway.Sandbox
	rateLimiter RateLimitStats
	logger      *slog.Logger
}

// NewControlServer creates a new control server
func NewControlServer(opts ControlOptions) *ControlServer {
	return &ControlServer{
		scheduler:   opts.Scheduler,
		gateway:     opts.Gateway,
		sandbox:     opts.Sandbox,
		rateLimiter: opts.RateLimiter,
		logger:      opts.Logger,
	}
}

// RegisterRoutes registers control API routes
func (c *ControlServer) RegisterRoutes(r chi.Router) {
	r.Get("/gateway/status", c.handleGatewayStatus)

	// Dispatcher control
	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/status", c.handleSchedulerStatus)
		r.Post("/start", c.handleSchedulerStart)
		r.Post("/stop", c.handleSchedulerStop)
		r.Post("/sweep", c.handleSchedulerSweep)
	})

	// Sandbox captures
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/messages", c.handleSandboxList)
		r.Delete("/messages", c.handleSandboxClear)
	})

	r.Get("/ratelimits/{level}/{key}", c.handleRateLimitStats)
}

// SchedulerActionResponse is the response for start/stop requests
type SchedulerActionResponse struct {
	Changed bool `json:"changed"`
	Running bool `json:"running"`
}

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []gateway.Capture `json:"messages"`
	Total    int               `json:"total"`
}

// SandboxClearResponse is the response for DELETE /api/v1/sandbox/messages
type SandboxClearResponse struct {
	Deleted int `json:"deleted"`
}

// handleGatewayStatus handles GET /api/v1/gateway/status
func (c *ControlServer) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	if c.gateway == nil {
		sendJSON(w, http.StatusOK, gateway.Status{Type: "unknown", Detail: "gateway does not report status"})
		return
	}

	status, err := c.gateway.Status(r.Context())
	if err != nil {
		c.logger.Warn("gateway status probe failed", "error", err)
		if status == nil {
			status = &gateway.Status{}
		}
		status.Connected = false
		status.Detail = err.Error()
	}

	sendJSON(w, http.StatusOK, status)
}

// handleSchedulerStatus handles GET /api/v1/scheduler/status
func (c *ControlServer) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if c.scheduler == nil {
		sendError(w, http.StatusServiceUnavailable, "Scheduler not available")
		return
	}
	sendJSON(w, http.StatusOK, c.scheduler.Status())
}

// handleSchedulerStart handles POST /api/v1/scheduler/start
func (c *ControlServer) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if c.scheduler == nil {
		sendError(w, http.StatusServiceUnavailable, "Scheduler not available")
		return
	}

	// The loop must outlive the request
	changed := c.scheduler.Start(context.WithoutCancel(r.Context()))
	if changed {
		c.logger.Info("scheduler started via API")
	}
	sendJSON(w, http.StatusOK, SchedulerActionResponse{Changed: changed, Running: c.scheduler.Status().Running})
}

// handleSchedulerStop handles POST /api/v1/scheduler/stop
func (c *ControlServer) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if c.scheduler == nil {
		sendError(w, http.StatusServiceUnavailable, "Scheduler not available")
		return
	}

	changed := c.scheduler.Stop()
	if changed {
		c.logger.Info("scheduler stopped via API")
	}
	sendJSON(w, http.StatusOK, SchedulerActionResponse{Changed: changed, Running: c.scheduler.Status().Running})
}

// handleSchedulerSweep handles POST /api/v1/scheduler/sweep
func (c *ControlServer) handleSchedulerSweep(w http.ResponseWriter, r *http.Request) {
	if c.scheduler == nil {
		sendError(w, http.StatusServiceUnavailable, "Scheduler not available")
		return
	}
	sendJSON(w, http.StatusOK, c.scheduler.SweepOnce(r.Context()))
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (c *ControlServer) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	if c.sandbox == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox gateway not enabled")
		return
	}

	captures := c.sandbox.Captures()
	if recipient := r.URL.Query().Get("recipient"); recipient != "" {
		filtered := captures[:0]
		for _, cp := range captures {
			if cp.Recipient == recipient {
				filtered = append(filtered, cp)
			}
		}
		captures = filtered
	}
	if captures == nil {
		captures = []gateway.Capture{}
	}

	sendJSON(w, http.StatusOK, SandboxListResponse{Messages: captures, Total: len(captures)})
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
func (c *ControlServer) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	if c.sandbox == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox gateway not enabled")
		return
	}
	sendJSON(w, http.StatusOK, SandboxClearResponse{Deleted: c.sandbox.Clear()})
}

// handleRateLimitStats handles GET /api/v1/ratelimits/{level}/{key}
func (c *ControlServer) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	if c.rateLimiter == nil {
		sendError(w, http.StatusServiceUnavailable, "Rate limiting not enabled")
		return
	}

	level := ratelimit.Level(chi.URLParam(r, "level"))
	if level != ratelimit.LevelGlobal && level != ratelimit.LevelRecipient {
		sendError(w, http.StatusBadRequest, "level must be global or recipient")
		return
	}

	stats, err := c.rateLimiter.GetStats(r.Context(), level, chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, c.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, stats)
}
