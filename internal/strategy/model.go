package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/debt-negotiator/negotiator/internal/finance"
	"github.com/debt-negotiator/negotiator/internal/llm"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 30 * time.Second

const letterInstructions = `You write debt negotiation letters on behalf of a consumer.
Write a polite, firm, professional letter proposing the given strategy and amounts.
Never invent personal details. Use these placeholders exactly where the data belongs:
{{ full_name }}, {{ address }}, {{ phone }}, {{ email }}, {{ account_number }}, {{ date }},
{{ payment_start_date }}. You may choose the "dispute" strategy only if the creditor notice gives
a concrete reason to doubt the debt is valid. Respond with JSON matching the provided schema.`

var letterSchema = llm.Object(map[string]*genai.Schema{
	"strategy": llm.String("negotiation strategy",
		string(Extension), string(Installment), string(Settlement), string(Dispute)),
	"subject":           llm.String("email subject line"),
	"body":              llm.String("letter body"),
	"confidence":        llm.Number("confidence between 0 and 1 that the creditor will accept"),
	"projected_savings": llm.Number("dollars saved compared to the full balance"),
	"proposed_amount":   llm.Number("total amount offered"),
	"payment_plan": llm.Object(map[string]*genai.Schema{
		"monthly_amount":     llm.Number("amount per payment"),
		"number_of_payments": llm.Integer("number of payments"),
		"total_amount":       llm.Number("total of all payments"),
	}),
}, "strategy", "subject", "body", "confidence", "projected_savings")

type modelLetter struct {
	Strategy         Kind          `json:"strategy"`
	Subject          string        `json:"subject"`
	Body             string        `json:"body"`
	Confidence       *float64      `json:"confidence"`
	ProjectedSavings *float64      `json:"projected_savings"`
	ProposedAmount   float64       `json:"proposed_amount"`
	PaymentPlan      *finance.Plan `json:"payment_plan"`
}

// ModelGenerator drafts personalized letters with a generative model.
type ModelGenerator struct {
	gen     llm.Generator
	timeout time.Duration
}

// NewModelGenerator creates a model-backed letter generator.
func NewModelGenerator(gen llm.Generator, timeout time.Duration) *ModelGenerator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ModelGenerator{gen: gen, timeout: timeout}
}

// Generate implements Generator. Every failure wraps ErrUnavailable.
func (m *ModelGenerator) Generate(ctx context.Context, req Request) (*Letter, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %v", req.Amount)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	raw, err := m.gen.Generate(ctx, llm.Request{
		SystemInstructions: letterInstructions,
		Prompt:             letterPrompt(req),
		Schema:             letterSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var out modelLetter
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: invalid model output: %v", ErrUnavailable, err)
	}
	if err := out.validate(req.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	proposed := out.ProposedAmount
	if proposed <= 0 {
		proposed = finance.Round(req.Amount - *out.ProjectedSavings)
	}

	return &Letter{
		Strategy:         out.Strategy,
		Subject:          strings.TrimSpace(out.Subject),
		Body:             strings.TrimSpace(out.Body),
		Confidence:       *out.Confidence,
		ProjectedSavings: finance.Round(*out.ProjectedSavings),
		ProposedAmount:   finance.Round(proposed),
		PaymentPlan:      out.PaymentPlan,
		Generator:        m.gen.Name(),
	}, nil
}

func (o *modelLetter) validate(amount float64) error {
	switch {
	case !o.Strategy.Valid():
		return fmt.Errorf("unknown strategy %q", o.Strategy)
	case strings.TrimSpace(o.Subject) == "":
		return fmt.Errorf("empty subject")
	case strings.TrimSpace(o.Body) == "":
		return fmt.Errorf("empty body")
	case o.Confidence == nil || *o.Confidence < 0 || *o.Confidence > 1:
		return fmt.Errorf("missing or out of range confidence")
	case o.ProjectedSavings == nil || *o.ProjectedSavings < 0 || *o.ProjectedSavings > amount:
		return fmt.Errorf("missing or out of range projected_savings")
	case o.ProposedAmount < 0 || o.ProposedAmount > amount:
		return fmt.Errorf("proposed_amount %v out of range", o.ProposedAmount)
	}
	return nil
}

func letterPrompt(req Request) string {
	p := req.Proposal()
	var b strings.Builder
	fmt.Fprintf(&b, "Creditor: %s <%s>\nBalance: $%s\n", req.CreditorName, req.CreditorEmail, Money(req.Amount))
	if req.IsCounter() {
		fmt.Fprintf(&b, "Negotiation round: %d\nOur last offer: $%s\nCreditor asked for: $%s\n",
			req.Round, Money(req.LastOffer), Money(CreditorAmount(*req.CreditorTerms)))
		if req.CreditorReply != "" {
			fmt.Fprintf(&b, "\nCreditor reply:\n%s\n", req.CreditorReply)
		}
	} else if req.NoticeBody != "" {
		fmt.Fprintf(&b, "\nCreditor notice (subject %q):\n%s\n", req.NoticeSubject, req.NoticeBody)
	}

	fmt.Fprintf(&b, "\nSuggested strategy: %s\nSuggested amount: $%s\nProjected savings: $%s\n",
		p.Strategy, Money(p.ProposedAmount), Money(p.ProjectedSavings))
	if p.Plan != nil {
		fmt.Fprintf(&b, "Suggested plan: %d payments of $%s\n", p.Plan.NumberOfPayments, Money(p.Plan.MonthlyAmount))
	}
	if p.ExtensionDays > 0 {
		fmt.Fprintf(&b, "Suggested extension: %d days\n", p.ExtensionDays)
	}
	return b.String()
}
