package strategy

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"text/template"

	"github.com/dustin/go-humanize"

	"github.com/debt-negotiator/negotiator/internal/finance"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// TemplateConfidence is the confidence tagged on template letters.
const TemplateConfidence = 0.5

// TemplateGeneratorName identifies template letters.
const TemplateGeneratorName = "template"

// letterData contains all data available to letter templates
type letterData struct {
	CreditorName   string
	Amount         float64
	ProposedAmount float64
	CreditorAmount float64
	Plan           *finance.Plan
	ExtensionDays  int
	Round          int
}

// TemplateGenerator fills a fixed letter per strategy. Templates use [[ ]]
// delimiters so {{ name }} placeholders pass through untouched.
type TemplateGenerator struct {
	templates map[string]*template.Template
}

// NewTemplateGenerator parses the embedded letter templates.
func NewTemplateGenerator() (*TemplateGenerator, error) {
	g := &TemplateGenerator{
		templates: make(map[string]*template.Template),
	}

	funcs := template.FuncMap{"money": Money}
	templateNames := []string{string(Extension), string(Installment), string(Settlement), "counter"}
	for _, name := range templateNames {
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Delims("[[", "]]").Funcs(funcs).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		g.templates[name] = tmpl
	}

	return g, nil
}

// Generate implements Generator.
func (g *TemplateGenerator) Generate(_ context.Context, req Request) (*Letter, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %v", req.Amount)
	}

	p := req.Proposal()
	name := string(p.Strategy)
	if req.IsCounter() {
		name = "counter"
	}
	tmpl, ok := g.templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown template: %s", name)
	}

	creditor := req.CreditorName
	if creditor == "" {
		creditor = req.CreditorEmail
	}
	data := letterData{
		CreditorName:   creditor,
		Amount:         req.Amount,
		ProposedAmount: p.ProposedAmount,
		Plan:           p.Plan,
		ExtensionDays:  p.ExtensionDays,
		Round:          req.Round,
	}
	if req.CreditorTerms != nil {
		data.CreditorAmount = CreditorAmount(*req.CreditorTerms)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}

	return &Letter{
		Strategy:         p.Strategy,
		Subject:          subject(p.Strategy, req.IsCounter()),
		Body:             buf.String(),
		Confidence:       TemplateConfidence,
		ProjectedSavings: p.ProjectedSavings,
		ProposedAmount:   p.ProposedAmount,
		PaymentPlan:      p.Plan,
		Generator:        TemplateGeneratorName,
	}, nil
}

// subject returns the subject line for a strategy
func subject(kind Kind, counter bool) string {
	if counter {
		return "Re: Account {{ account_number }} - Counter Proposal"
	}
	switch kind {
	case Extension:
		return "Request for Payment Extension - Account {{ account_number }}"
	case Installment:
		return "Payment Plan Proposal - Account {{ account_number }}"
	case Settlement:
		return "Settlement Offer - Account {{ account_number }}"
	default:
		return "Regarding Account {{ account_number }}"
	}
}

// Money formats a dollar figure with thousands separators and cents.
func Money(v float64) string {
	return humanize.FormatFloat("#,###.##", v)
}
