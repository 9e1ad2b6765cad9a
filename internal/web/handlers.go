package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/csrf"
	"go.uber.org/zap"

	"github.com/debt-negotiator/negotiator/internal/debt"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, debt.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, debt.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, debt.ErrConflict), errors.Is(err, debt.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", debt.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	token := ""
	if s.config.CSRFKey != "" {
		token = csrf.Token(r)
		w.Header().Set("X-CSRF-Token", token)
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "enabled": s.config.CSRFKey != ""})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListDebts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := debt.Filter{
		Status:      debt.Status(q.Get("status")),
		Counterpart: q.Get("counterpart"),
		OwnerID:     q.Get("owner_id"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	debts, err := s.engine.Debts(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if debts == nil {
		debts = []debt.Debt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"debts": debts})
}

func (s *Server) handleGetDebt(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Debt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.engine.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []debt.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.AuditLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []debt.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
}

func (s *Server) handleGetVariables(w http.ResponseWriter, r *http.Request) {
	values, err := s.engine.Variables(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": values})
}

func (s *Server) handleSetVariables(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables map[string]string `json:"variables"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	values, err := s.engine.SetVariables(r.Context(), chi.URLParam(r, "id"), req.Variables)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": values})
}

func (s *Server) handleSetAmount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.engine.SetAmount(r.Context(), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type letterRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *Server) handleUpdateLetter(w http.ResponseWriter, r *http.Request) {
	var req letterRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.engine.UpdateLetter(r.Context(), chi.URLParam(r, "id"), req.Subject, req.Body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GenerateStrategy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleSend answers 502 when the mail provider refused the letter; the
// debt is unchanged and the attempt is in its audit trail.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	delivery, err := s.engine.Send(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, deliveryStatus(delivery.Delivered), delivery)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req letterRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	delivery, err := s.engine.SubmitManualReply(r.Context(), chi.URLParam(r, "id"), req.Subject, req.Body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, deliveryStatus(delivery.Delivered), delivery)
}

func deliveryStatus(delivered bool) int {
	if delivered {
		return http.StatusOK
	}
	return http.StatusBadGateway
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	d, err := s.engine.MarkFailed(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
