// server/handlers.go
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/chhz0/inferq/core"
	"github.com/chhz0/inferq/types"
)

var validate = validator.New()

type submitTaskRequest struct {
	Priority string `json:"priority" validate:"omitempty,oneof=high normal low"`
	Backend  string `json:"backend" validate:"omitempty,oneof=local batched cluster"`
	// Payload is any JSON value. A JSON string is passed on unquoted.
	Payload json.RawMessage `json:"payload" validate:"required"`
}

func (r submitTaskRequest) toCore() core.SubmitRequest {
	payload := []byte(r.Payload)
	var text string
	if err := json.Unmarshal(r.Payload, &text); err == nil {
		payload = []byte(text)
	}
	return core.SubmitRequest{Priority: r.Priority, Backend: r.Backend, Payload: payload}
}

type submitBatchRequest struct {
	Tasks []submitTaskRequest `json:"tasks" validate:"required,min=1,dive"`
}

type receiptResponse struct {
	TaskID               string  `json:"task_id"`
	Status               string  `json:"status"`
	QueuePosition        int     `json:"queue_position"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds"`
}

func toReceipt(r core.SubmitReceipt) receiptResponse {
	return receiptResponse{
		TaskID:               r.TaskID,
		Status:               types.StatusQueued.String(),
		QueuePosition:        r.QueuePosition,
		EstimatedWaitSeconds: r.EstimatedWait.Seconds(),
	}
}

type errorResponse struct {
	Error types.ErrorInfo `json:"error"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return types.WrapError(types.KindValidation, "invalid request body", err)
	}
	if err := validate.Struct(v); err != nil {
		return types.WrapError(types.KindValidation, "invalid request", err)
	}
	return nil
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	receipt, err := s.svc.Submit(r.Context(), req.toCore())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, toReceipt(receipt))
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	reqs := make([]core.SubmitRequest, len(req.Tasks))
	for i, t := range req.Tasks {
		reqs[i] = t.toCore()
	}
	receipts, err := s.svc.SubmitBatch(r.Context(), reqs)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]receiptResponse, len(receipts))
	for i, rc := range receipts {
		out[i] = toReceipt(rc)
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"tasks": out})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": types.StatusCancelled.String()})
}

func (s *Server) purgeTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) queueMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Metrics())
}

func (s *Server) prometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, core.PrometheusText(s.svc.Metrics()))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// backendHealth reports "degraded" when any backend is down; the service
// itself still answers.
func (s *Server) backendHealth(w http.ResponseWriter, r *http.Request) {
	backends := s.svc.Backends(r.Context())
	status := "ok"
	for _, b := range backends {
		if !b.Healthy {
			status = "degraded"
			break
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": status, "backends": backends})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	respondJSON(w, status, errorResponse{Error: types.ErrorInfo{Kind: kind, Message: msg}})
}
