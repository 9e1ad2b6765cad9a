package web

import (
	"crypto/subtle"
	"fmt"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/debt-negotiator/negotiator/internal/debt"
	"github.com/debt-negotiator/negotiator/internal/inbox"
	"github.com/debt-negotiator/negotiator/internal/negotiation"
)

// WebhookSecretHeader carries the shared secret of the inbound webhook.
const WebhookSecretHeader = "X-Webhook-Secret"

func (s *Server) authorized(r *http.Request) bool {
	secret := s.config.WebhookSecret
	if secret == "" {
		return false
	}
	got := r.Header.Get(WebhookSecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// handleInbound accepts a creditor email either as raw MIME
// (message/rfc822) or as JSON.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	m, err := s.readEmail(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.engine.HandleEmail(r.Context(), *m)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	status := http.StatusOK
	switch {
	case res.Action == negotiation.ActionCreated:
		status = http.StatusCreated
	case res.Action == negotiation.ActionBounced && res.Debt == nil:
		status = http.StatusAccepted
	}
	s.logger.Info("Webhook message processed",
		zap.String("message_id", m.MessageID),
		zap.String("action", string(res.Action)))
	writeJSON(w, status, res)
}

func (s *Server) readEmail(w http.ResponseWriter, r *http.Request) (*inbox.Email, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: missing or invalid content type", debt.ErrValidation)
	}

	switch mediaType {
	case "message/rfc822", "text/plain":
		m, err := inbox.ParseRaw(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", debt.ErrValidation, err)
		}
		return m, nil

	case "application/json":
		var in negotiation.InboundEmail
		if err := decode(w, r, &in); err != nil {
			return nil, err
		}
		return &inbox.Email{
			MessageID:  inbox.NormalizeMessageID(in.MessageID),
			InReplyTo:  inbox.NormalizeMessageID(in.InReplyTo),
			From:       in.From,
			FromName:   in.FromName,
			Subject:    in.Subject,
			Body:       in.Body,
			ReceivedAt: in.ReceivedAt,
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported content type %s", debt.ErrValidation, mediaType)
}
