// Package negotiation drives a debt through its lifecycle: it turns inbound
// creditor mail into status transitions, drafts and delivers letters, and
// records every step in the conversation and audit trail.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/debt-negotiator/negotiator/internal/classify"
	"github.com/debt-negotiator/negotiator/internal/config"
	"github.com/debt-negotiator/negotiator/internal/debt"
	"github.com/debt-negotiator/negotiator/internal/email"
	"github.com/debt-negotiator/negotiator/internal/strategy"
)

// AutoActionConfidence is the confidence a classification must exceed before
// the engine settles, closes or counters without review.
const AutoActionConfidence = 0.8

// Store is the record store the engine runs on.
type Store interface {
	GetDebt(ctx context.Context, id string) (*debt.Debt, error)
	ListDebts(ctx context.Context, f debt.Filter) ([]debt.Debt, error)
	ActiveDebtFor(ctx context.Context, counterpart string) (*debt.Debt, error)
	MessageByExternalID(ctx context.Context, externalID string) (*debt.Message, error)
	Messages(ctx context.Context, debtID string) ([]debt.Message, error)
	Variables(ctx context.Context, debtID string) (map[string]string, error)
	Apply(ctx context.Context, c debt.Change) error
	AttachClassification(ctx context.Context, messageID string, c *classify.Classification) error
	AppendAudit(ctx context.Context, e debt.AuditEntry) error
	AuditLog(ctx context.Context, debtID string) ([]debt.AuditEntry, error)
	Stats(ctx context.Context) (*debt.Stats, error)
}

// Deps are the collaborators of an Engine. Store is required; the others
// default to the deterministic implementations and a dry-run sender.
type Deps struct {
	Store      Store
	Classifier classify.Classifier
	OptOut     classify.OptOutDetector
	Generator  strategy.Generator
	Sender     email.Sender
	Profile    config.Profile
	From       string
	Settings   config.NegotiationConfig
	Logger     *zap.Logger
	Now        func() time.Time
}

// Engine is the debt status state machine.
type Engine struct {
	store      Store
	classifier classify.Classifier
	optOut     classify.OptOutDetector
	generator  strategy.Generator
	sender     email.Sender
	profile    config.Profile
	from       string
	settings   config.NegotiationConfig
	logger     *zap.Logger
	now        func() time.Time
}

// New creates an Engine.
func New(d Deps) (*Engine, error) {
	if d.Store == nil {
		return nil, errors.New("negotiation: store is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Classifier == nil {
		d.Classifier = classify.NewKeywordClassifier()
	}
	if d.OptOut == nil {
		d.OptOut = classify.KeywordOptOut{}
	}
	if d.Generator == nil {
		g, err := strategy.NewTemplateGenerator()
		if err != nil {
			return nil, err
		}
		d.Generator = g
	}
	if d.Sender == nil {
		d.Sender = email.NewDryRunSender(d.Logger)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.From == "" {
		d.From = d.Profile.Email
	}

	return &Engine{
		store:      d.Store,
		classifier: d.Classifier,
		optOut:     d.OptOut,
		generator:  d.Generator,
		sender:     d.Sender,
		profile:    d.Profile,
		from:       d.From,
		settings:   d.Settings,
		logger:     d.Logger.Named("negotiation"),
		now:        d.Now,
	}, nil
}

// mutate loads a debt, lets fn change it and build the rest of the change, and
// writes it with compare-and-swap. A lost race is retried once on fresh state.
func (e *Engine) mutate(ctx context.Context, id string, fn func(d *debt.Debt, c *debt.Change) error) (*debt.Debt, error) {
	for attempt := 0; ; attempt++ {
		d, err := e.store.GetDebt(ctx, id)
		if err != nil {
			return nil, err
		}
		c := debt.Change{Debt: d, ExpectedVersion: d.Version}
		if err := fn(d, &c); err != nil {
			return nil, err
		}
		err = e.store.Apply(ctx, c)
		if errors.Is(err, debt.ErrConflict) && attempt == 0 {
			e.logger.Debug("Retrying after concurrent update", zap.String("debt_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// transition moves d along each status in path, checking every hop.
func transition(d *debt.Debt, path ...debt.Status) error {
	for _, to := range path {
		if !debt.CanTransition(d.Status, to) {
			return fmt.Errorf("%w: %s -> %s", debt.ErrInvalidTransition, d.Status, to)
		}
		d.Status = to
	}
	return nil
}

// addMessage stores m with the change and counts it.
func (e *Engine) addMessage(d *debt.Debt, c *debt.Change, m debt.Message) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.now()
	}
	c.Messages = append(c.Messages, m)
	d.ConversationCount++
}

func (e *Engine) audit(c *debt.Change, action debt.AuditAction, detail string) {
	c.Audit = append(c.Audit, debt.AuditEntry{Action: action, Detail: detail, CreatedAt: e.now()})
}

// prefill fills empty profile-backed variables.
func (e *Engine) prefill(values map[string]string) map[string]string {
	known := map[string]string{
		"full_name": e.profile.FullName(),
		"address":   e.profile.MailingAddress(),
		"phone":     e.profile.Phone,
		"email":     e.profile.Email,
		"date":      e.now().Format("January 2, 2006"),
	}
	for name, value := range values {
		if strings.TrimSpace(value) != "" {
			continue
		}
		if v, ok := known[name]; ok && v != "" {
			values[name] = v
		}
	}
	return values
}

// ==================== Read Accessors ====================

// Debt returns one debt.
func (e *Engine) Debt(ctx context.Context, id string) (*debt.Debt, error) {
	return e.store.GetDebt(ctx, id)
}

// Debts lists debts.
func (e *Engine) Debts(ctx context.Context, f debt.Filter) ([]debt.Debt, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", debt.ErrValidation, f.Status)
	}
	return e.store.ListDebts(ctx, f)
}

// Messages returns a debt's conversation, oldest first.
func (e *Engine) Messages(ctx context.Context, id string) ([]debt.Message, error) {
	if _, err := e.store.GetDebt(ctx, id); err != nil {
		return nil, err
	}
	return e.store.Messages(ctx, id)
}

// Variables returns a debt's letter variables.
func (e *Engine) Variables(ctx context.Context, id string) (map[string]string, error) {
	if _, err := e.store.GetDebt(ctx, id); err != nil {
		return nil, err
	}
	return e.store.Variables(ctx, id)
}

// AuditLog returns a debt's audit trail, oldest first.
func (e *Engine) AuditLog(ctx context.Context, id string) ([]debt.AuditEntry, error) {
	if _, err := e.store.GetDebt(ctx, id); err != nil {
		return nil, err
	}
	return e.store.AuditLog(ctx, id)
}

// Stats summarizes all debts.
func (e *Engine) Stats(ctx context.Context) (*debt.Stats, error) {
	return e.store.Stats(ctx)
}
