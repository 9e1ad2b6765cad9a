package negotiation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/debt-negotiator/negotiator/internal/debt"
	"github.com/debt-negotiator/negotiator/internal/email"
	"github.com/debt-negotiator/negotiator/internal/finance"
	"github.com/debt-negotiator/negotiator/internal/strategy"
	"github.com/debt-negotiator/negotiator/internal/variables"
)

// Delivery reports an attempt to send a letter. A failed delivery is audited
// and leaves the debt's status unchanged; it is not an error of the call.
type Delivery struct {
	Debt       *debt.Debt `json:"debt"`
	Delivered  bool       `json:"delivered"`
	DeliveryID string     `json:"delivery_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// notice returns the creditor message that opened the debt.
func (e *Engine) notice(ctx context.Context, id string) (*debt.Message, error) {
	messages, err := e.store.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		if messages[i].Type == debt.MessageInitialNotice {
			return &messages[i], nil
		}
	}
	return nil, nil
}

// GenerateStrategy drafts the opening letter: received -> negotiating. A debt
// that is already negotiating gets a fresh draft.
func (e *Engine) GenerateStrategy(ctx context.Context, id string) (*debt.Debt, error) {
	d, err := e.store.GetDebt(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != debt.StatusReceived && d.Status != debt.StatusNegotiating {
		return nil, fmt.Errorf("%w: cannot generate a strategy while %s", debt.ErrInvalidTransition, d.Status)
	}
	if d.Amount <= 0 {
		return nil, fmt.Errorf("%w: debt amount is unknown", debt.ErrValidation)
	}

	req := strategy.Request{
		CreditorName:  d.CreditorName,
		CreditorEmail: d.Counterpart,
		Amount:        d.Amount,
		Round:         d.NegotiationRound,
	}
	if n, err := e.notice(ctx, id); err != nil {
		return nil, err
	} else if n != nil {
		req.NoticeSubject, req.NoticeBody = n.Subject, n.Body
	}

	letter, err := e.generator.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate letter: %w", err)
	}

	return e.mutate(ctx, id, func(d *debt.Debt, c *debt.Change) error {
		if err := transition(d, debt.StatusNegotiating); err != nil {
			return err
		}
		old, err := e.store.Variables(ctx, d.ID)
		if err != nil {
			return err
		}
		d.Extension.Letter = debt.NewLetterRecord(letter, d.NegotiationRound, e.now())
		d.Extension.Approval = nil
		d.ProjectedSavings = letter.ProjectedSavings
		c.Variables = e.prefill(variables.Reconcile(old, letter.Subject, letter.Body))
		e.audit(c, debt.AuditNegotiationGenerated, fmt.Sprintf("strategy=%s generator=%s confidence=%.2f projected_savings=%.2f",
			letter.Strategy, letter.Generator, letter.Confidence, letter.ProjectedSavings))
		return nil
	})
}

// UpdateLetter replaces the draft text and reconciles its variables.
func (e *Engine) UpdateLetter(ctx context.Context, id, subject, body string) (*debt.Debt, error) {
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: subject and body are required", debt.ErrValidation)
	}
	return e.mutate(ctx, id, func(d *debt.Debt, c *debt.Change) error {
		if d.Status != debt.StatusNegotiating || d.Extension.Letter == nil {
			return fmt.Errorf("%w: letter can only be edited while negotiating", debt.ErrInvalidTransition)
		}
		old, err := e.store.Variables(ctx, d.ID)
		if err != nil {
			return err
		}
		d.Extension.Letter.Subject = subject
		d.Extension.Letter.Body = body
		c.Variables = e.prefill(variables.Reconcile(old, subject, body))
		e.audit(c, debt.AuditLetterUpdated, "letter text edited")
		return nil
	})
}

// SetVariables fills letter variables. Names that the current letter does
// not use are rejected.
func (e *Engine) SetVariables(ctx context.Context, id string, values map[string]string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no variables given", debt.ErrValidation)
	}
	var merged map[string]string
	_, err := e.mutate(ctx, id, func(d *debt.Debt, c *debt.Change) error {
		if d.Status.Terminal() {
			return fmt.Errorf("%w: debt is %s", debt.ErrInvalidTransition, d.Status)
		}
		current, err := e.store.Variables(ctx, d.ID)
		if err != nil {
			return err
		}
		var unknown, names []string
		for name := range values {
			if _, ok := current[name]; !ok {
				unknown = append(unknown, name)
			}
			names = append(names, name)
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return fmt.Errorf("%w: unknown variables: %s", debt.ErrValidation, strings.Join(unknown, ", "))
		}
		for name, value := range values {
			current[name] = value
		}
		sort.Strings(names)
		c.Variables = current
		merged = current
		e.audit(c, debt.AuditLetterUpdated, "variables set: "+strings.Join(names, ", "))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// SetAmount corrects the claimed amount before a letter is approved.
func (e *Engine) SetAmount(ctx context.Context, id string, amount float64) (*debt.Debt, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", debt.ErrValidation)
	}
	return e.mutate(ctx, id, func(d *debt.Debt, c *debt.Change) error {
		if d.Status != debt.StatusReceived && d.Status != debt.StatusNegotiating {
			return fmt.Errorf("%w: amount is fixed once a letter is approved", debt.ErrInvalidTransition)
		}
		e.audit(c, debt.AuditAmountCorrected, fmt.Sprintf("%.2f -> %.2f", d.Amount, amount))
		d.Amount = finance.Round(amount)
		return nil
	})
}

// Approve freezes the draft with its variables substituted: negotiating ->
// approved. Every variable must be filled.
func (e *Engine) Approve(ctx context.Context, id string) (*debt.Debt, error) {
	return e.mutate(ctx, id, func(d *debt.Debt, c *debt.Change) error {
		if d.Extension.Letter == nil {
			return fmt.Errorf("%w: no letter to approve", debt.ErrValidation)
		}
		values, err := e.store.Variables(ctx, d.ID)
		if err != nil {
			return err
		}
		l := d.Extension.Letter
		if missing := variables.Unfilled(values, l.Subject, l.Body); len(missing) > 0 {
			return fmt.Errorf("%w: unfilled variables: %s", debt.ErrValidation, strings.Join(missing, ", "))
		}
		if err := transition(d, debt.StatusApproved); err != nil {
			return err
		}
		d.Extension.Approval = &debt.ApprovalRecord{
			Subject:    variables.Substitute(l.Subject, values),
			Body:       variables.Substitute(l.Body, values),
			ApprovedAt: e.now(),
		}
		e.audit(c, debt.AuditLetterApproved, fmt.Sprintf("%s letter approved", l.Strategy))
		return nil
	})
}

// sendClaimTTL bounds how long a send claim blocks other senders. A claim
// older than this is left by a process that died mid-delivery.
const sendClaimTTL = 5 * time.Minute

// Send delivers the approved letter: approved -> sent. The letter is claimed
// first, so concurrent calls deliver it once; the losers get ErrConflict.
func (e *Engine) Send(ctx context.Context, id string) (*Delivery, error) {
	d, err := e.claimSend(ctx, id)
	if err != nil {
		return nil, err
	}

	msg := email.Message{
		To:      d.Counterpart,
		From:    e.from,
		Subject: d.Extension.Approval.Subject,
		Body:    d.Extension.Approval.Body,
	}
	if n, err := e.notice(ctx, id); err == nil && n != nil {
		msg.InReplyTo = threadID(n.ExternalID)
	}

	delivery, err := e.deliver(ctx, d, msg, func(d *debt.Debt, c *debt.Change, result email.Result) error {
		if err := transition(d, debt.StatusSent); err != nil {
			return err
		}
		snapshot := d.ProjectedSavings
		d.ProspectedSavings = &snapshot
		d.Extension.Approval.SendingSince = nil
		e.addMessage(d, c, outboundMessage(d, msg, result, debt.MessageNegotiationSent))
		e.audit(c, debt.AuditEmailSent, fmt.Sprintf("via %s (%s)", e.sender.Name(), result.MessageID))
		return nil
	})
	if err == nil && !delivery.Delivered {
		delivery.Debt = e.releaseSend(ctx, delivery.Debt)
	}
	return delivery, err
}

// claimSend marks the approved letter as being sent.
func (e *Engine) claimSend(ctx context.Context, id string) (*debt.Debt, error) {
	return e.mutate(ctx, id, func(d *debt.Debt, _ *debt.Change) error {
		a := d.Extension.Approval
		if d.Status != debt.StatusApproved || a == nil {
			return fmt.Errorf("%w: only an approved letter can be sent (debt is %s)", debt.ErrInvalidTransition, d.Status)
		}
		now := e.now()
		if a.SendingSince != nil && now.Sub(*a.SendingSince) < sendClaimTTL {
			return fmt.Errorf("%w: letter is already being sent", debt.ErrConflict)
		}
		a.SendingSince = &now
		return nil
	})
}

// releaseSend drops the claim after a failed delivery so the user can resend.
func (e *Engine) releaseSend(ctx context.Context, d *debt.Debt) *debt.Debt {
	released, err := e.mutate(ctx, d.ID, func(d *debt.Debt, _ *debt.Change) error {
		if d.Extension.Approval != nil {
			d.Extension.Approval.SendingSince = nil
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("Failed to release send claim", zap.String("debt_id", d.ID), zap.Error(err))
		return d
	}
	return released
}

// SubmitManualReply delivers the user's answer to an escalated reply:
// requires_manual_review -> awaiting_response.
func (e *Engine) SubmitManualReply(ctx context.Context, id, subject, body string) (*Delivery, error) {
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: subject and body are required", debt.ErrValidation)
	}
	d, err := e.store.GetDebt(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != debt.StatusRequiresManualReview {
		return nil, fmt.Errorf("%w: manual replies answer debts in review (debt is %s)", debt.ErrInvalidTransition, d.Status)
	}

	values, err := e.store.Variables(ctx, id)
	if err != nil {
		return nil, err
	}
	values = e.prefill(variables.Reconcile(values, subject, body))
	if missing := variables.Unfilled(values, subject, body); len(missing) > 0 {
		return nil, fmt.Errorf("%w: unfilled variables: %s", debt.ErrValidation, strings.Join(missing, ", "))
	}

	msg := email.Message{
		To:      d.Counterpart,
		From:    e.from,
		Subject: variables.Substitute(subject, values),
		Body:    variables.Substitute(body, values),
	}
	if rec := d.Extension.Classification; rec != nil {
		msg.InReplyTo = threadID(rec.MessageID)
	}

	return e.deliver(ctx, d, msg, func(d *debt.Debt, c *debt.Change, result email.Result) error {
		if err := transition(d, debt.StatusAwaitingResponse); err != nil {
			return err
		}
		e.addMessage(d, c, outboundMessage(d, msg, result, debt.MessageManualResponse))
		e.audit(c, debt.AuditManualResponse, fmt.Sprintf("via %s (%s)", e.sender.Name(), result.MessageID))
		return nil
	})
}

// deliver sends msg and, on success, records it through record. A failed
// delivery writes an email_failed audit entry and changes nothing else.
func (e *Engine) deliver(ctx context.Context, d *debt.Debt, msg email.Message,
	record func(d *debt.Debt, c *debt.Change, result email.Result) error) (*Delivery, error) {
	logger := e.logger.With(zap.String("debt_id", d.ID), zap.String("sender", e.sender.Name()))

	result := e.sender.Send(ctx, msg)
	if !result.Success {
		logger.Warn("Delivery failed", zap.Error(result.Error))
		entry := debt.AuditEntry{
			DebtID:    d.ID,
			Action:    debt.AuditEmailFailed,
			Detail:    fmt.Sprintf("via %s: %v", e.sender.Name(), result.Error),
			CreatedAt: e.now(),
		}
		if err := e.store.AppendAudit(ctx, entry); err != nil {
			return nil, err
		}
		return &Delivery{Debt: d, Error: fmt.Sprint(result.Error)}, nil
	}

	updated, err := e.mutate(ctx, d.ID, func(d *debt.Debt, c *debt.Change) error {
		return record(d, c, result)
	})
	if err != nil {
		logger.Error("Failed to record delivered letter", zap.String("delivery_id", result.MessageID), zap.Error(err))
		return nil, fmt.Errorf("letter delivered as %s but not recorded: %w", result.MessageID, err)
	}
	logger.Info("Letter delivered", zap.String("delivery_id", result.MessageID))
	return &Delivery{Debt: updated, Delivered: true, DeliveryID: result.MessageID}, nil
}

func outboundMessage(d *debt.Debt, msg email.Message, result email.Result, kind debt.MessageType) debt.Message {
	return debt.Message{
		ExternalID:  result.MessageID,
		Type:        kind,
		Direction:   debt.Outbound,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Counterpart: d.Counterpart,
	}
}

// MarkFailed closes a debt by operator decision: any non-terminal -> failed.
func (e *Engine) MarkFailed(ctx context.Context, id, reason string) (*debt.Debt, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "marked failed by operator"
	}
	return e.mutate(ctx, id, func(d *debt.Debt, c *debt.Change) error {
		if err := transition(d, debt.StatusFailed); err != nil {
			return err
		}
		e.audit(c, debt.AuditMarkedFailed, reason)
		return nil
	})
}

// RecordBounce notes a non-delivery report for a letter sent to recipient.
// The debt keeps its status; the operator decides what to do.
func (e *Engine) RecordBounce(ctx context.Context, recipient, detail string) (*debt.Debt, error) {
	recipient = strings.ToLower(strings.TrimSpace(recipient))
	if recipient == "" {
		return nil, fmt.Errorf("%w: bounce has no recipient", debt.ErrValidation)
	}
	d, err := e.store.ActiveDebtFor(ctx, recipient)
	if err != nil {
		return nil, err
	}
	entry := debt.AuditEntry{
		DebtID:    d.ID,
		Action:    debt.AuditEmailFailed,
		Detail:    "bounced: " + detail,
		CreatedAt: e.now(),
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		return nil, err
	}
	e.logger.Warn("Letter bounced", zap.String("debt_id", d.ID), zap.String("recipient", recipient))
	return d, nil
}
