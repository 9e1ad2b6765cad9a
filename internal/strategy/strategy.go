// Package strategy chooses how to approach a debt and drafts the letter that
// proposes it.
package strategy

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/debt-negotiator/negotiator/internal/classify"
	"github.com/debt-negotiator/negotiator/internal/finance"
)

// ErrUnavailable marks a model-backed generation that failed.
var ErrUnavailable = errors.New("model letter generator unavailable")

// Kind is the negotiation approach proposed by a letter.
type Kind string

const (
	Extension   Kind = "extension"
	Installment Kind = "installment"
	Settlement  Kind = "settlement"
	Dispute     Kind = "dispute"
)

func (k Kind) Valid() bool {
	switch k {
	case Extension, Installment, Settlement, Dispute:
		return true
	}
	return false
}

// Amount thresholds and ratios for the opening proposal.
const (
	InstallmentThreshold = 500.0
	SettlementThreshold  = 2000.0
	SettlementRatio      = 0.60
	InstallmentSavings   = 0.10
	InstallmentPayments  = 3
	ExtensionDays        = 30
)

// Proposal is the financial content of a letter.
type Proposal struct {
	Strategy         Kind
	ProposedAmount   float64
	ProjectedSavings float64
	Plan             *finance.Plan
	ExtensionDays    int
}

// Select picks the opening proposal purely from the amount owed.
func Select(amount float64) Proposal {
	switch {
	case amount < InstallmentThreshold:
		return Proposal{
			Strategy:       Extension,
			ProposedAmount: finance.Round(amount),
			ExtensionDays:  ExtensionDays,
		}
	case amount < SettlementThreshold:
		return Proposal{
			Strategy:         Installment,
			ProposedAmount:   finance.Round(amount),
			ProjectedSavings: finance.Round(amount * InstallmentSavings),
			Plan: &finance.Plan{
				MonthlyAmount:    finance.Round(amount / InstallmentPayments),
				NumberOfPayments: InstallmentPayments,
				TotalAmount:      finance.Round(amount),
			},
		}
	default:
		lump := finance.Round(amount * SettlementRatio)
		return Proposal{
			Strategy:         Settlement,
			ProposedAmount:   lump,
			ProjectedSavings: finance.Round(amount - lump),
		}
	}
}

// Counter builds a counter proposal halfway between our last offer and the
// creditor's figure. A creditor installment plan is answered with a plan of
// the same length.
func Counter(amount, lastOffer float64, terms classify.Terms) Proposal {
	if lastOffer <= 0 {
		lastOffer = Select(amount).ProposedAmount
	}
	theirs := CreditorAmount(terms)
	if theirs <= 0 {
		return Select(amount)
	}

	target := finance.Round((lastOffer + theirs) / 2)
	if theirs <= lastOffer {
		target = finance.Round(theirs)
	}

	p := Proposal{
		Strategy:         Settlement,
		ProposedAmount:   target,
		ProjectedSavings: finance.Round(max(amount-target, 0)),
	}
	if plan := terms.PaymentPlan; plan != nil && plan.NumberOfPayments > 0 && terms.Amount == 0 {
		p.Strategy = Installment
		p.Plan = &finance.Plan{
			MonthlyAmount:    finance.Round(target / float64(plan.NumberOfPayments)),
			NumberOfPayments: plan.NumberOfPayments,
			TotalAmount:      target,
		}
	}
	return p
}

// CreditorAmount is the total the creditor's terms ask for.
func CreditorAmount(terms classify.Terms) float64 {
	if terms.Amount > 0 {
		return terms.Amount
	}
	p := terms.PaymentPlan
	if p == nil {
		return 0
	}
	if p.TotalAmount > 0 {
		return p.TotalAmount
	}
	return p.MonthlyAmount * float64(p.NumberOfPayments)
}

// Letter is a drafted outbound letter. Subject and Body may contain
// {{ name }} placeholders for data the generator did not have.
type Letter struct {
	Strategy         Kind          `json:"strategy"`
	Subject          string        `json:"subject"`
	Body             string        `json:"body"`
	Confidence       float64       `json:"confidence"`
	ProjectedSavings float64       `json:"projected_savings"`
	ProposedAmount   float64       `json:"proposed_amount,omitempty"`
	PaymentPlan      *finance.Plan `json:"payment_plan,omitempty"`
	Generator        string        `json:"generator"`
}

// Request is the input of a letter generation.
type Request struct {
	CreditorName  string
	CreditorEmail string
	NoticeSubject string
	NoticeBody    string
	Amount        float64

	// Round > 1 asks for a counter letter answering CreditorTerms.
	Round         int
	LastOffer     float64
	CreditorTerms *classify.Terms
	CreditorReply string
}

// IsCounter reports whether the request is for a counter-offer letter.
func (r Request) IsCounter() bool {
	return r.Round > 1 && r.CreditorTerms != nil
}

// Proposal returns the deterministic proposal for the request.
func (r Request) Proposal() Proposal {
	if r.IsCounter() {
		return Counter(r.Amount, r.LastOffer, *r.CreditorTerms)
	}
	return Select(r.Amount)
}

// Generator drafts letters.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Letter, error)
}

// WithFallback returns a Generator that tries primary and switches to
// fallback on any error. A nil primary yields fallback itself.
func WithFallback(primary, fallback Generator, logger *zap.Logger) Generator {
	if primary == nil {
		return fallback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallbackGenerator{primary: primary, fallback: fallback, logger: logger}
}

type fallbackGenerator struct {
	primary  Generator
	fallback Generator
	logger   *zap.Logger
}

func (f *fallbackGenerator) Generate(ctx context.Context, req Request) (*Letter, error) {
	l, err := f.primary.Generate(ctx, req)
	if err == nil {
		return l, nil
	}
	f.logger.Warn("Model letter generation failed, using template fallback",
		zap.String("creditor", req.CreditorEmail),
		zap.Int("round", req.Round),
		zap.Error(err))
	return f.fallback.Generate(ctx, req)
}
