package negotiation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/debt-negotiator/negotiator/internal/classify"
	"github.com/debt-negotiator/negotiator/internal/debt"
	"github.com/debt-negotiator/negotiator/internal/email"
	"github.com/debt-negotiator/negotiator/internal/finance"
	"github.com/debt-negotiator/negotiator/internal/inbox"
)

// InboundEmail is one creditor message handed to the engine.
type InboundEmail struct {
	MessageID  string    `json:"message_id"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	From       string    `json:"from"`
	FromName   string    `json:"from_name,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// FromInbox converts a fetched or parsed email.
func FromInbox(m inbox.Email) InboundEmail {
	return InboundEmail{
		MessageID:  m.MessageID,
		InReplyTo:  m.InReplyTo,
		From:       m.From,
		FromName:   m.FromName,
		Subject:    m.Subject,
		Body:       m.Text(),
		ReceivedAt: m.ReceivedAt,
	}
}

// externalID is the idempotency key of the message. Messages without a
// Message-ID are keyed by a digest of their content.
func (in InboundEmail) externalID() string {
	if id := strings.TrimSpace(in.MessageID); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(in.From + "\x00" + in.Subject + "\x00" + in.Body))
	return "sha256:" + hex.EncodeToString(sum[:16])
}

// Action names what HandleInbound did with a message.
type Action string

const (
	ActionCreated   Action = "created"
	ActionOptedOut  Action = "opted_out"
	ActionSettled   Action = "settled"
	ActionRejected  Action = "rejected"
	ActionCountered Action = "countered"
	ActionEscalated Action = "escalated"
	ActionRecorded  Action = "recorded"
	ActionDuplicate Action = "duplicate"
	ActionBounced   Action = "bounced"
)

// Result reports the effect of one inbound message.
type Result struct {
	Debt           *debt.Debt               `json:"debt"`
	Message        *debt.Message            `json:"message,omitempty"`
	Action         Action                   `json:"action"`
	Classification *classify.Classification `json:"classification,omitempty"`
	OptOut         *classify.OptOut         `json:"opt_out,omitempty"`
	CounterSent    bool                     `json:"counter_sent"`
	Duplicate      bool                     `json:"duplicate"`
}

// HandleEmail routes a received email: non-delivery reports are recorded
// against the debt whose letter bounced, everything else goes through
// HandleInbound. A bounce that matches no active debt is reported with a nil
// Debt.
func (e *Engine) HandleEmail(ctx context.Context, m inbox.Email) (*Result, error) {
	if !inbox.IsBounce(&m) {
		return e.HandleInbound(ctx, FromInbox(m))
	}

	res := &Result{Action: ActionBounced}
	recipient := inbox.BouncedRecipient(&m)
	if recipient == "" {
		e.logger.Info("Bounce without a recognizable recipient", zap.String("subject", m.Subject))
		return res, nil
	}
	d, err := e.RecordBounce(ctx, recipient, m.Subject)
	if errors.Is(err, debt.ErrNotFound) {
		e.logger.Info("Bounce for an unknown recipient", zap.String("recipient", recipient))
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Debt = d
	return res, nil
}

// HandleInbound runs the full inbound flow for one creditor message: the
// idempotency check, the opt-out check, then either a new debt or the reply
// transition of the debt the message belongs to. Reprocessing a message id
// returns the stored state with Duplicate set and changes nothing.
func (e *Engine) HandleInbound(ctx context.Context, in InboundEmail) (*Result, error) {
	in.From = strings.ToLower(strings.TrimSpace(in.From))
	if in.From == "" || email.ValidateEmail(in.From) != nil {
		return nil, fmt.Errorf("%w: invalid sender address %q", debt.ErrValidation, in.From)
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, fmt.Errorf("%w: message body is empty", debt.ErrValidation)
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = e.now()
	}
	id := in.externalID()
	logger := e.logger.With(zap.String("message_id", id), zap.String("from", in.From))

	if res, err := e.duplicate(ctx, id); res != nil || err != nil {
		return res, err
	}

	active, err := e.debtFor(ctx, in)
	if err != nil {
		return nil, err
	}

	optOut, err := e.optOut.Detect(ctx, in.From, in.Body)
	if err != nil {
		logger.Warn("Opt-out detection failed", zap.Error(err))
		optOut = nil
	}

	var res *Result
	switch {
	case optOut.Decided():
		res, err = e.handleOptOut(ctx, active, in, id, optOut)
	case active == nil:
		res, err = e.handleNewDebt(ctx, in, id)
	case !active.Status.InFlight():
		res, err = e.recordReply(ctx, active, in, id)
	default:
		res, err = e.handleReply(ctx, active, in, id)
	}
	if errors.Is(err, debt.ErrDuplicate) {
		return e.duplicate(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Inbound message handled",
		zap.String("debt_id", res.Debt.ID),
		zap.String("action", string(res.Action)),
		zap.String("status", string(res.Debt.Status)))
	return res, nil
}

// duplicate returns the stored state for an already processed message, or nil
// when the message is new. An auto-counter that was interrupted before its
// letter was recorded is resumed here.
func (e *Engine) duplicate(ctx context.Context, id string) (*Result, error) {
	msg, err := e.store.MessageByExternalID(ctx, id)
	if errors.Is(err, debt.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d, err := e.store.GetDebt(ctx, msg.DebtID)
	if err != nil {
		return nil, err
	}

	res := &Result{Debt: d, Message: msg, Action: ActionDuplicate, Classification: msg.Classification, Duplicate: true}
	if e.counterPending(ctx, d, msg) {
		e.logger.Info("Resuming interrupted counter letter", zap.String("debt_id", d.ID))
		updated, sent := e.sendCounter(ctx, d, msg)
		res.Debt, res.CounterSent = updated, sent
	}
	return res, nil
}

// debtFor finds the non-terminal debt a message belongs to: by thread first,
// then by sender.
func (e *Engine) debtFor(ctx context.Context, in InboundEmail) (*debt.Debt, error) {
	if in.InReplyTo != "" {
		parent, err := e.store.MessageByExternalID(ctx, in.InReplyTo)
		switch {
		case err == nil:
			d, err := e.store.GetDebt(ctx, parent.DebtID)
			if err != nil {
				return nil, err
			}
			if !d.Status.Terminal() {
				return d, nil
			}
		case !errors.Is(err, debt.ErrNotFound):
			return nil, err
		}
	}

	d, err := e.store.ActiveDebtFor(ctx, in.From)
	if errors.Is(err, debt.ErrNotFound) {
		return nil, nil
	}
	return d, err
}

func inboundMessage(in InboundEmail, id string, kind debt.MessageType) debt.Message {
	return debt.Message{
		ExternalID:  id,
		Type:        kind,
		Direction:   debt.Inbound,
		Subject:     in.Subject,
		Body:        in.Body,
		Counterpart: in.From,
		CreatedAt:   in.ReceivedAt,
	}
}

func creditorName(in InboundEmail) string {
	if name := strings.TrimSpace(in.FromName); name != "" {
		return name
	}
	if i := strings.LastIndexByte(in.From, '@'); i >= 0 {
		return in.From[i+1:]
	}
	return in.From
}

// handleOptOut closes the sender's debt, or records a first contact that is
// already an opt-out with its amount forced to zero.
func (e *Engine) handleOptOut(ctx context.Context, active *debt.Debt, in InboundEmail, id string, o *classify.OptOut) (*Result, error) {
	detail := fmt.Sprintf("source=%s confidence=%.2f: %s", o.Source, o.Confidence, o.Reason)
	res := &Result{Action: ActionOptedOut, OptOut: o}

	if active == nil {
		d := &debt.Debt{
			OwnerID:          e.settings.OwnerID,
			CreditorName:     creditorName(in),
			Counterpart:      in.From,
			Status:           debt.StatusOptedOut,
			NegotiationRound: 1,
			CreatedAt:        e.now(),
		}
		c := debt.Change{Debt: d}
		e.addMessage(d, &c, inboundMessage(in, id, debt.MessageInitialNotice))
		e.audit(&c, debt.AuditDebtReceived, "first contact from "+in.From)
		e.audit(&c, debt.AuditOptOutLogged, detail)
		if err := e.store.Apply(ctx, c); err != nil {
			return nil, err
		}
		res.Debt, res.Message = d, &c.Messages[0]
		return res, nil
	}

	var change *debt.Change
	d, err := e.mutate(ctx, active.ID, func(d *debt.Debt, c *debt.Change) error {
		if err := transition(d, debt.StatusOptedOut); err != nil {
			return err
		}
		e.addMessage(d, c, inboundMessage(in, id, debt.MessageResponse))
		e.audit(c, debt.AuditOptOutLogged, detail)
		change = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Debt, res.Message = d, &change.Messages[0]
	return res, nil
}

// handleNewDebt opens a debt from a creditor notice. The letter is drafted
// right away when auto-generation is enabled and the amount is known.
func (e *Engine) handleNewDebt(ctx context.Context, in InboundEmail, id string) (*Result, error) {
	amount := finance.Round(classify.ExtractDebtAmount(in.Subject + "\n" + in.Body))
	d := &debt.Debt{
		OwnerID:          e.settings.OwnerID,
		CreditorName:     creditorName(in),
		Counterpart:      in.From,
		Amount:           amount,
		Status:           debt.StatusReceived,
		NegotiationRound: 1,
		CreatedAt:        e.now(),
	}
	c := debt.Change{Debt: d}
	e.addMessage(d, &c, inboundMessage(in, id, debt.MessageInitialNotice))
	e.audit(&c, debt.AuditDebtReceived, fmt.Sprintf("notice from %s, amount %.2f", in.From, amount))
	if err := e.store.Apply(ctx, c); err != nil {
		return nil, err
	}

	res := &Result{Debt: d, Message: &c.Messages[0], Action: ActionCreated}
	if e.settings.AutoGenerate && amount > 0 {
		generated, err := e.GenerateStrategy(ctx, d.ID)
		if err != nil {
			e.logger.Warn("Automatic strategy generation failed", zap.String("debt_id", d.ID), zap.Error(err))
		} else {
			res.Debt = generated
		}
	}
	return res, nil
}

// recordReply stores a reply to a debt that is not waiting for one. The status
// does not change; the analysis is attached to the message for the reviewer.
func (e *Engine) recordReply(ctx context.Context, active *debt.Debt, in InboundEmail, id string) (*Result, error) {
	var change *debt.Change
	d, err := e.mutate(ctx, active.ID, func(d *debt.Debt, c *debt.Change) error {
		e.addMessage(d, c, inboundMessage(in, id, debt.MessageResponse))
		change = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg := &change.Messages[0]

	res := &Result{Debt: d, Message: msg, Action: ActionRecorded}
	cls, err := e.classifier.Classify(ctx, e.classifyRequest(d, in))
	if err != nil {
		e.logger.Warn("Classification failed", zap.String("debt_id", d.ID), zap.Error(err))
		return res, nil
	}
	if err := e.store.AttachClassification(ctx, msg.ID, cls); err != nil {
		e.logger.Warn("Failed to attach classification", zap.String("debt_id", d.ID), zap.Error(err))
		return res, nil
	}
	msg.Classification = cls
	res.Classification = cls
	return res, nil
}

func (e *Engine) classifyRequest(d *debt.Debt, in InboundEmail) classify.Request {
	req := classify.Request{From: in.From, Subject: in.Subject, Body: in.Body}
	if l := d.Extension.Letter; l != nil {
		req.Context = &classify.LetterContext{
			Strategy:       string(l.Strategy),
			OriginalAmount: d.Amount,
			ProposedAmount: l.ProposedAmount,
			Round:          d.NegotiationRound,
		}
	}
	return req
}

// decision is the transition a classified reply leads to.
type decision int

const (
	decideEscalate decision = iota
	decideSettle
	decideReject
	decideCounter
)

// decide maps a classification to a transition. Anything the classifier is not
// sure about goes to manual review; nothing is settled, closed or answered
// automatically on a flagged classification.
func decide(c *classify.Classification) decision {
	if c.RequiresReview || c.Confidence <= AutoActionConfidence {
		return decideEscalate
	}
	switch c.Intent {
	case classify.IntentAcceptance:
		return decideSettle
	case classify.IntentRejection:
		return decideReject
	case classify.IntentCounterOffer:
		if c.SuggestedAction == classify.ActionSendCounter {
			return decideCounter
		}
	}
	return decideEscalate
}

func messageType(intent classify.Intent) debt.MessageType {
	switch intent {
	case classify.IntentAcceptance:
		return debt.MessageAcceptance
	case classify.IntentRejection:
		return debt.MessageRejection
	case classify.IntentCounterOffer:
		return debt.MessageCounterOffer
	}
	return debt.MessageResponse
}

// handleReply classifies a reply to a debt with a negotiation in flight and
// applies the resulting transition together with the stored message.
func (e *Engine) handleReply(ctx context.Context, active *debt.Debt, in InboundEmail, id string) (*Result, error) {
	cls, err := e.classifier.Classify(ctx, e.classifyRequest(active, in))
	if err != nil {
		return nil, fmt.Errorf("failed to classify reply: %w", err)
	}
	choice := decide(cls)
	res := &Result{Classification: cls}

	var change *debt.Change
	d, err := e.mutate(ctx, active.ID, func(d *debt.Debt, c *debt.Change) error {
		if !d.Status.InFlight() {
			// A concurrent reply moved the debt on; keep the message only.
			msg := inboundMessage(in, id, debt.MessageResponse)
			msg.Classification = cls
			e.addMessage(d, c, msg)
			res.Action = ActionRecorded
			change = c
			return nil
		}
		if d.Status != debt.StatusCounterNegotiating {
			if err := transition(d, debt.StatusCounterNegotiating); err != nil {
				return err
			}
		}

		msg := inboundMessage(in, id, messageType(cls.Intent))
		msg.Classification = cls
		e.addMessage(d, c, msg)

		now := e.now()
		d.Extension.Classification = &debt.ClassificationRecord{Classification: *cls, MessageID: id, AnalyzedAt: now}
		e.audit(c, debt.AuditResponseAnalyzed, fmt.Sprintf("intent=%s confidence=%.2f source=%s review=%t",
			cls.Intent, cls.Confidence, cls.Source, cls.RequiresReview))

		switch choice {
		case decideSettle:
			outcome := finance.Calculate(financeInput(d, cls.Terms))
			if err := transition(d, debt.StatusAccepted, debt.StatusSettled); err != nil {
				return err
			}
			savings := outcome.ActualSavings
			d.ActualSavings = &savings
			d.Extension.Outcome = &debt.OutcomeRecord{Outcome: outcome, ComputedAt: now}
			e.audit(c, debt.AuditOfferAccepted, fmt.Sprintf("accepted %.2f, savings %.2f (%s)",
				outcome.AcceptedAmount, outcome.ActualSavings, outcome.BenefitType))
			res.Action = ActionSettled

		case decideReject:
			if err := transition(d, debt.StatusRejected); err != nil {
				return err
			}
			e.audit(c, debt.AuditOfferRejected, cls.Reasoning)
			e.audit(c, debt.AuditEscalated, "creditor rejected the proposal")
			res.Action = ActionRejected

		case decideCounter:
			if err := transition(d, debt.StatusCounterNegotiating); err != nil {
				return err
			}
			d.NegotiationRound++
			res.Action = ActionCountered

		default:
			if err := transition(d, debt.StatusRequiresManualReview); err != nil {
				return err
			}
			e.audit(c, debt.AuditEscalated, escalationReason(cls))
			res.Action = ActionEscalated
		}

		change = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Debt, res.Message = d, &change.Messages[0]

	if res.Action == ActionCountered {
		res.Debt, res.CounterSent = e.sendCounter(ctx, d, res.Message)
	}
	return res, nil
}

func escalationReason(c *classify.Classification) string {
	switch {
	case c.RequiresReview:
		return fmt.Sprintf("%s flagged for review (source=%s)", c.Intent, c.Source)
	case c.Confidence <= AutoActionConfidence:
		return fmt.Sprintf("%s below auto-action threshold (confidence=%.2f)", c.Intent, c.Confidence)
	case c.Intent == classify.IntentCounterOffer:
		return fmt.Sprintf("counter offer not answered automatically (action=%s)", c.SuggestedAction)
	default:
		return fmt.Sprintf("%s needs a human answer", c.Intent)
	}
}

// financeInput builds the calculator input from the debt and accepted terms.
func financeInput(d *debt.Debt, t classify.Terms) finance.Input {
	in := finance.Input{
		OriginalAmount:   d.Amount,
		ProjectedSavings: d.ProjectedSavings,
		SettlementAmount: t.Amount,
	}
	if p := t.PaymentPlan; p != nil {
		in.Plan = &finance.Plan{
			MonthlyAmount:    p.MonthlyAmount,
			NumberOfPayments: p.NumberOfPayments,
			TotalAmount:      p.TotalAmount,
		}
	}
	return in
}
