package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/debt-negotiator/negotiator/internal/llm"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 30 * time.Second

const classifierInstructions = `You analyze replies from creditors and collection agencies to debt negotiation letters.
Classify the creditor's intent, the overall sentiment and the financial terms they state.
Only report amounts the creditor actually wrote. Set requires_review when the reply is ambiguous,
mentions legal action, or asks for anything beyond the negotiated amount.
Respond with JSON matching the provided schema and nothing else.`

var classificationSchema = llm.Object(map[string]*genai.Schema{
	"intent": llm.String("creditor intent",
		string(IntentAcceptance), string(IntentRejection), string(IntentCounterOffer),
		string(IntentRequestInfo), string(IntentUnclear)),
	"sentiment": llm.String("overall sentiment",
		string(SentimentPositive), string(SentimentNegative), string(SentimentNeutral)),
	"confidence": llm.Number("confidence between 0 and 1"),
	"extracted_terms": llm.Object(map[string]*genai.Schema{
		"amount": llm.Number("flat amount proposed or accepted, in dollars"),
		"payment_plan": llm.Object(map[string]*genai.Schema{
			"monthly_amount":     llm.Number("amount per installment"),
			"number_of_payments": llm.Integer("number of installments"),
			"total_amount":       llm.Number("total stated by the creditor"),
			"frequency":          llm.String("payment frequency", "monthly", "weekly", "bi-weekly"),
			"interest_rate":      llm.Number("interest rate in percent"),
		}),
		"deadline":   llm.String("deadline stated by the creditor"),
		"conditions": llm.Array("conditions attached to the terms", llm.String("condition")),
	}),
	"reasoning": llm.String("short explanation"),
	"suggested_action": llm.String("next step",
		string(ActionFinalize), string(ActionSendCounter), string(ActionEscalate), string(ActionProvideInfo)),
	"requires_review": llm.Boolean("whether a human should review before acting"),
}, "intent", "sentiment", "confidence", "extracted_terms", "reasoning", "suggested_action", "requires_review")

// modelClassification is the wire shape; pointers detect missing fields.
type modelClassification struct {
	Intent          Intent    `json:"intent"`
	Sentiment       Sentiment `json:"sentiment"`
	Confidence      *float64  `json:"confidence"`
	Terms           *Terms    `json:"extracted_terms"`
	Reasoning       string    `json:"reasoning"`
	SuggestedAction Action    `json:"suggested_action"`
	RequiresReview  *bool     `json:"requires_review"`
}

// ModelClassifier classifies replies with a generative model.
type ModelClassifier struct {
	gen     llm.Generator
	timeout time.Duration
}

// NewModelClassifier creates a model-backed classifier. A zero timeout uses
// DefaultTimeout.
func NewModelClassifier(gen llm.Generator, timeout time.Duration) *ModelClassifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ModelClassifier{gen: gen, timeout: timeout}
}

// Classify implements Classifier. Every failure wraps ErrUnavailable.
func (m *ModelClassifier) Classify(ctx context.Context, req Request) (*Classification, error) {
	if strings.TrimSpace(req.Body) == "" {
		return nil, ErrEmptyBody
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	raw, err := m.gen.Generate(ctx, llm.Request{
		SystemInstructions: classifierInstructions,
		Prompt:             classificationPrompt(req),
		Schema:             classificationSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var out modelClassification
	if err := decodeStrict(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid model output: %v", ErrUnavailable, err)
	}
	if err := out.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &Classification{
		Intent:          out.Intent,
		Sentiment:       out.Sentiment,
		Confidence:      *out.Confidence,
		Terms:           *out.Terms,
		Reasoning:       out.Reasoning,
		SuggestedAction: out.SuggestedAction,
		RequiresReview:  *out.RequiresReview,
		Source:          SourceModel,
	}, nil
}

func (o *modelClassification) validate() error {
	switch {
	case !o.Intent.Valid():
		return fmt.Errorf("unknown intent %q", o.Intent)
	case !o.Sentiment.Valid():
		return fmt.Errorf("unknown sentiment %q", o.Sentiment)
	case !o.SuggestedAction.Valid():
		return fmt.Errorf("unknown suggested action %q", o.SuggestedAction)
	case o.Confidence == nil:
		return fmt.Errorf("missing confidence")
	case *o.Confidence < 0 || *o.Confidence > 1:
		return fmt.Errorf("confidence %v out of range", *o.Confidence)
	case o.Terms == nil:
		return fmt.Errorf("missing extracted_terms")
	case o.RequiresReview == nil:
		return fmt.Errorf("missing requires_review")
	case o.Terms.Amount < 0:
		return fmt.Errorf("negative amount")
	}
	return nil
}

func classificationPrompt(req Request) string {
	var b strings.Builder
	if c := req.Context; c != nil {
		fmt.Fprintf(&b, "Our last letter (round %d) used the %s strategy on a debt of $%.2f", c.Round, c.Strategy, c.OriginalAmount)
		if c.ProposedAmount > 0 {
			fmt.Fprintf(&b, " and proposed $%.2f", c.ProposedAmount)
		}
		b.WriteString(".\n\n")
	}
	fmt.Fprintf(&b, "From: %s\nSubject: %s\n\n%s\n", req.From, req.Subject, req.Body)
	return b.String()
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
