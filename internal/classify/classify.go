// Package classify turns creditor replies into structured classifications and
// decides whether an inbound message is a request to stop contact.
//
// Both capabilities come in two interchangeable forms: a model-backed one and a
// deterministic keyword/regex one. WithFallback and OptOutWithFallback combine
// them so callers only ever see one Classifier or OptOutDetector.
package classify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrUnavailable marks a model-backed call that failed for any reason
// (missing credentials, timeout, malformed output).
var ErrUnavailable = errors.New("model classifier unavailable")

// ErrEmptyBody is returned when there is nothing to classify.
var ErrEmptyBody = errors.New("message body is required")

// Intent is what the creditor wants with their reply.
type Intent string

const (
	IntentAcceptance   Intent = "acceptance"
	IntentRejection    Intent = "rejection"
	IntentCounterOffer Intent = "counter_offer"
	IntentRequestInfo  Intent = "request_info"
	IntentUnclear      Intent = "unclear"
)

// Valid reports whether i is one of the known intents.
func (i Intent) Valid() bool {
	switch i {
	case IntentAcceptance, IntentRejection, IntentCounterOffer, IntentRequestInfo, IntentUnclear:
		return true
	}
	return false
}

// Sentiment of the reply.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

func (s Sentiment) Valid() bool {
	return s == SentimentPositive || s == SentimentNegative || s == SentimentNeutral
}

// Action is the suggested next step.
type Action string

const (
	ActionFinalize    Action = "finalize_settlement"
	ActionSendCounter Action = "send_counter"
	ActionEscalate    Action = "escalate"
	ActionProvideInfo Action = "provide_information"
)

func (a Action) Valid() bool {
	switch a {
	case ActionFinalize, ActionSendCounter, ActionEscalate, ActionProvideInfo:
		return true
	}
	return false
}

// Source names the implementation that produced a result.
const (
	SourceModel   = "model"
	SourceKeyword = "keyword"
)

// PaymentPlan is an installment proposal found in a reply.
type PaymentPlan struct {
	MonthlyAmount    float64  `json:"monthly_amount,omitempty"`
	NumberOfPayments int      `json:"number_of_payments,omitempty"`
	TotalAmount      float64  `json:"total_amount,omitempty"`
	Frequency        string   `json:"frequency,omitempty"`
	InterestRate     *float64 `json:"interest_rate,omitempty"`
}

// Terms are the financial terms extracted from a reply.
type Terms struct {
	Amount      float64      `json:"amount,omitempty"`
	PaymentPlan *PaymentPlan `json:"payment_plan,omitempty"`
	Deadline    string       `json:"deadline,omitempty"`
	Conditions  []string     `json:"conditions,omitempty"`
}

// HasOffer reports whether the terms state any amount.
func (t Terms) HasOffer() bool {
	if t.Amount > 0 {
		return true
	}
	p := t.PaymentPlan
	return p != nil && (p.MonthlyAmount > 0 || p.TotalAmount > 0)
}

// Classification is the structured reading of one creditor reply.
type Classification struct {
	Intent          Intent    `json:"intent"`
	Sentiment       Sentiment `json:"sentiment"`
	Confidence      float64   `json:"confidence"`
	Terms           Terms     `json:"extracted_terms"`
	Reasoning       string    `json:"reasoning"`
	SuggestedAction Action    `json:"suggested_action"`
	RequiresReview  bool      `json:"requires_review"`
	Source          string    `json:"source"`
}

// LetterContext describes the last outbound letter the reply answers.
type LetterContext struct {
	Strategy       string
	OriginalAmount float64
	ProposedAmount float64
	Round          int
}

// Request is the input of a response classification.
type Request struct {
	From    string
	Subject string
	Body    string
	Context *LetterContext
}

// Classifier converts a raw reply into a Classification.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*Classification, error)
}

// WithFallback returns a Classifier that tries primary and switches to
// fallback on any error. A nil primary yields fallback itself.
func WithFallback(primary, fallback Classifier, logger *zap.Logger) Classifier {
	if primary == nil {
		return fallback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallbackClassifier{primary: primary, fallback: fallback, logger: logger}
}

type fallbackClassifier struct {
	primary  Classifier
	fallback Classifier
	logger   *zap.Logger
}

func (f *fallbackClassifier) Classify(ctx context.Context, req Request) (*Classification, error) {
	c, err := f.primary.Classify(ctx, req)
	if err == nil {
		return c, nil
	}
	if errors.Is(err, ErrEmptyBody) {
		return nil, err
	}
	f.logger.Warn("Model classifier failed, using keyword fallback",
		zap.String("from", req.From),
		zap.Error(err))
	return f.fallback.Classify(ctx, req)
}
