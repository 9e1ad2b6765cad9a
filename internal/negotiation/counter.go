package negotiation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/debt-negotiator/negotiator/internal/debt"
	"github.com/debt-negotiator/negotiator/internal/email"
	"github.com/debt-negotiator/negotiator/internal/strategy"
	"github.com/debt-negotiator/negotiator/internal/variables"
)

// counterKey is the external id of the counter letter answering an inbound
// message. A stored key means the counter was already delivered.
func counterKey(inboundID string) string {
	return "counter:" + inboundID
}

// threadID returns id when it can be used as an In-Reply-To header.
func threadID(id string) string {
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") {
		return id
	}
	return ""
}

// counterPending reports whether msg triggered an auto-counter whose letter
// was never recorded.
func (e *Engine) counterPending(ctx context.Context, d *debt.Debt, msg *debt.Message) bool {
	if msg.Type != debt.MessageCounterOffer || msg.Classification == nil {
		return false
	}
	if d.Status != debt.StatusCounterNegotiating || decide(msg.Classification) != decideCounter {
		return false
	}
	if rec := d.Extension.Classification; rec == nil || rec.MessageID != msg.ExternalID {
		return false
	}
	_, err := e.store.MessageByExternalID(ctx, counterKey(msg.ExternalID))
	return err != nil
}

// sendCounter drafts, delivers and records the counter letter for an inbound
// counter offer. Any failure moves the debt to manual review instead. It
// returns the latest debt state and whether a letter went out.
func (e *Engine) sendCounter(ctx context.Context, d *debt.Debt, inbound *debt.Message) (*debt.Debt, bool) {
	logger := e.logger.With(zap.String("debt_id", d.ID), zap.Int("round", d.NegotiationRound))
	key := counterKey(inbound.ExternalID)

	if _, err := e.store.MessageByExternalID(ctx, key); err == nil {
		return d, false
	}

	terms := inbound.Classification.Terms
	letter, err := e.generator.Generate(ctx, strategy.Request{
		CreditorName:  d.CreditorName,
		CreditorEmail: d.Counterpart,
		Amount:        d.Amount,
		Round:         d.NegotiationRound,
		LastOffer:     d.LastOffer(),
		CreditorTerms: &terms,
		CreditorReply: inbound.Body,
	})
	if err != nil {
		return e.escalate(ctx, d, debt.AuditEscalated, "counter letter generation failed: "+err.Error()), false
	}

	stored, err := e.store.Variables(ctx, d.ID)
	if err != nil {
		return e.escalate(ctx, d, debt.AuditEscalated, "failed to load variables: "+err.Error()), false
	}
	values := e.prefill(variables.Reconcile(stored, letter.Subject, letter.Body))
	if _, ok := values["date"]; ok {
		values["date"] = e.now().Format("January 2, 2006")
	}
	if missing := variables.Unfilled(values, letter.Subject, letter.Body); len(missing) > 0 {
		return e.escalate(ctx, d, debt.AuditEscalated,
			"counter letter has unfilled variables: "+strings.Join(missing, ", ")), false
	}

	subject := variables.Substitute(letter.Subject, values)
	body := variables.Substitute(letter.Body, values)
	result := e.sender.Send(ctx, email.Message{
		To:        d.Counterpart,
		From:      e.from,
		Subject:   subject,
		Body:      body,
		InReplyTo: threadID(inbound.ExternalID),
	})
	if !result.Success {
		logger.Warn("Counter letter delivery failed", zap.Error(result.Error))
		return e.escalate(ctx, d, debt.AuditEmailFailed, fmt.Sprintf("counter letter via %s: %v", e.sender.Name(), result.Error)), false
	}

	updated, err := e.mutate(ctx, d.ID, func(d *debt.Debt, c *debt.Change) error {
		now := e.now()
		d.Extension.Letter = debt.NewLetterRecord(letter, d.NegotiationRound, now)
		d.ProjectedSavings = letter.ProjectedSavings
		c.Variables = values
		e.addMessage(d, c, debt.Message{
			ExternalID:  key,
			Type:        debt.MessageNegotiationSent,
			Direction:   debt.Outbound,
			Subject:     subject,
			Body:        body,
			Counterpart: d.Counterpart,
		})
		e.audit(c, debt.AuditCounterSent, fmt.Sprintf("round %d, %s %.2f via %s (%s)",
			d.NegotiationRound, letter.Strategy, letter.ProposedAmount, e.sender.Name(), result.MessageID))
		return nil
	})
	if err != nil {
		// Delivered but unrecorded: leave a trace in the audit trail.
		logger.Error("Failed to record delivered counter letter", zap.Error(err))
		_ = e.store.AppendAudit(ctx, debt.AuditEntry{
			DebtID:    d.ID,
			Action:    debt.AuditCounterSent,
			Detail:    fmt.Sprintf("round %d delivered (%s) but not recorded: %v", d.NegotiationRound, result.MessageID, err),
			CreatedAt: e.now(),
		})
		return d, true
	}

	logger.Info("Counter letter sent", zap.String("delivery_id", result.MessageID))
	return updated, true
}

// escalate moves an in-flight debt to manual review with an audit entry. When
// the transition itself fails the audit entry is still written.
func (e *Engine) escalate(ctx context.Context, d *debt.Debt, action debt.AuditAction, reason string) *debt.Debt {
	updated, err := e.mutate(ctx, d.ID, func(d *debt.Debt, c *debt.Change) error {
		if err := transition(d, debt.StatusRequiresManualReview); err != nil {
			return err
		}
		e.audit(c, action, reason)
		return nil
	})
	if err != nil {
		e.logger.Warn("Failed to escalate debt", zap.String("debt_id", d.ID), zap.Error(err))
		_ = e.store.AppendAudit(ctx, debt.AuditEntry{DebtID: d.ID, Action: action, Detail: reason, CreatedAt: e.now()})
		return d
	}
	return updated
}
