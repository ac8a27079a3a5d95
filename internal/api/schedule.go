package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/sendlater/internal/apperr"
	"github.com/foxzi/sendlater/internal/gateway"
	"github.com/foxzi/sendlater/internal/metrics"
	"github.com/foxzi/sendlater/internal/receipt"
	"github.com/foxzi/sendlater/internal/schedule"
)

const defaultHistoryLimit = 100

// ScheduleRequest is the request body for POST /api/v1/schedule
type ScheduleRequest struct {
	Recipient string            `json:"recipient"`
	Message   string            `json:"message"`
	SendTime  string            `json:"send_time"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ScheduleTemplateRequest is the request body for POST /api/v1/schedule/template
type ScheduleTemplateRequest struct {
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables,omitempty"`
	SendTime   string            `json:"send_time"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MessageListResponse is the response for pending and history listings
type MessageListResponse struct {
	Messages []*schedule.Message `json:"messages"`
	Total    int                 `json:"total"`
}

// ReceiptResponse is the response for GET /api/v1/schedule/{id}/receipt
type ReceiptResponse struct {
	MessageID string `json:"message_id"`
	*receipt.Receipt
}

// handleSchedule handles POST /api/v1/schedule
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	sendTime, err := parseSendTime(req.SendTime)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.schedule(w, r, schedule.ScheduleRequest{
		Recipient: req.Recipient,
		Text:      req.Message,
		SendTime:  sendTime,
		Metadata:  req.Metadata,
	})
}

// handleScheduleTemplate handles POST /api/v1/schedule/template
func (s *Server) handleScheduleTemplate(w http.ResponseWriter, r *http.Request) {
	var req ScheduleTemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.TemplateID == "" {
		sendError(w, http.StatusBadRequest, "template_id is required")
		return
	}

	sendTime, err := parseSendTime(req.SendTime)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	rendered, err := s.renderer.RenderByID(r.Context(), req.TemplateID, req.Variables)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.schedule(w, r, schedule.ScheduleRequest{
		Recipient:  req.Recipient,
		Text:       rendered.Text,
		SendTime:   sendTime,
		TemplateID: rendered.TemplateID,
		Metadata:   req.Metadata,
	})
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request, req schedule.ScheduleRequest) {
	if s.normalize && req.Recipient != "" {
		req.Recipient = gateway.NormalizeRecipient(req.Recipient, s.countryCode)
	}

	msg, err := s.messages.Schedule(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	metrics.IncScheduled()

	s.logger.Info("message scheduled via API",
		"id", msg.ID,
		"recipient", msg.Recipient,
		"send_time", msg.SendTime,
		"template_id", msg.TemplateID,
	)

	sendJSON(w, http.StatusCreated, msg)
}

// handleListPending handles GET /api/v1/schedule
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if s.normalize && recipient != "" {
		recipient = gateway.NormalizeRecipient(recipient, s.countryCode)
	}

	msgs, err := s.messages.ListPending(r.Context(), recipient)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	sendJSON(w, http.StatusOK, MessageListResponse{Messages: nonNil(msgs), Total: len(msgs)})
}

// handleHistory handles GET /api/v1/schedule/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 0 {
			sendError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = l
	}

	msgs, err := s.messages.ListHistory(r.Context(), limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	sendJSON(w, http.StatusOK, MessageListResponse{Messages: nonNil(msgs), Total: len(msgs)})
}

// handleGetMessage handles GET /api/v1/schedule/{id}
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.messages.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, msg)
}

// handleCancel handles DELETE /api/v1/schedule/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.messages.Cancel(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}
	metrics.IncCanceled()

	s.logger.Info("message canceled via API", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleReceipt handles GET /api/v1/schedule/{id}/receipt
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.receipts == nil {
		sendError(w, http.StatusNotFound, "Receipt cache is not configured")
		return
	}

	if _, err := s.messages.Get(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}

	rcpt, err := s.receipts.Lookup(r.Context(), id)
	if errors.Is(err, receipt.ErrNotFound) {
		writeError(w, s.logger, apperr.NotFound("receipt", id))
		return
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	sendJSON(w, http.StatusOK, ReceiptResponse{MessageID: id, Receipt: rcpt})
}

func nonNil(msgs []*schedule.Message) []*schedule.Message {
	if msgs == nil {
		return []*schedule.Message{}
	}
	return msgs
}
