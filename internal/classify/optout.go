package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/debt-negotiator/negotiator/internal/llm"
)

// OptOutThreshold is the model confidence above which an opt-out is honored.
const OptOutThreshold = 0.7

// OptOut is the verdict on whether a sender asked to stop contact.
type OptOut struct {
	IsOptOut   bool    `json:"is_opt_out"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Source     string  `json:"source"`
}

// Decided reports whether the verdict is strong enough to act on.
func (o *OptOut) Decided() bool {
	if o == nil || !o.IsOptOut {
		return false
	}
	if o.Source == SourceKeyword {
		return true
	}
	return o.Confidence > OptOutThreshold
}

// OptOutDetector decides whether an inbound message is an opt-out request.
type OptOutDetector interface {
	Detect(ctx context.Context, from, body string) (*OptOut, error)
}

var optOutPattern = regexp.MustCompile(`(?i)\b(stop|unsubscribe|opt-out|remove)\b`)

// KeywordOptOut matches a fixed keyword set as whole words.
type KeywordOptOut struct{}

// Detect implements OptOutDetector.
func (KeywordOptOut) Detect(_ context.Context, _ string, body string) (*OptOut, error) {
	m := optOutPattern.FindString(body)
	if m == "" {
		return &OptOut{Reason: "no opt-out keyword", Source: SourceKeyword}, nil
	}
	return &OptOut{
		IsOptOut:   true,
		Confidence: 1,
		Reason:     fmt.Sprintf("matched opt-out keyword %q", strings.ToUpper(m)),
		Source:     SourceKeyword,
	}, nil
}

const optOutInstructions = `You decide whether an email asks the recipient to stop all further contact
(for example "stop", "unsubscribe", "do not contact me again", "remove me from your list").
A creditor rejecting an offer is not an opt-out. Respond with JSON matching the provided schema.`

var optOutSchema = llm.Object(map[string]*genai.Schema{
	"is_opt_out": llm.Boolean("whether the sender asks to stop contact"),
	"confidence": llm.Number("confidence between 0 and 1"),
	"reason":     llm.String("short explanation"),
}, "is_opt_out", "confidence", "reason")

type modelOptOut struct {
	IsOptOut   *bool    `json:"is_opt_out"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
}

// ModelOptOut detects opt-outs with a generative model.
type ModelOptOut struct {
	gen     llm.Generator
	timeout time.Duration
}

// NewModelOptOut creates a model-backed opt-out detector.
func NewModelOptOut(gen llm.Generator, timeout time.Duration) *ModelOptOut {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ModelOptOut{gen: gen, timeout: timeout}
}

// Detect implements OptOutDetector. Every failure wraps ErrUnavailable.
func (m *ModelOptOut) Detect(ctx context.Context, from, body string) (*OptOut, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	raw, err := m.gen.Generate(ctx, llm.Request{
		SystemInstructions: optOutInstructions,
		Prompt:             fmt.Sprintf("From: %s\n\n%s\n", from, body),
		Schema:             optOutSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var out modelOptOut
	if err := decodeStrict(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid model output: %v", ErrUnavailable, err)
	}
	if out.IsOptOut == nil || out.Confidence == nil {
		return nil, fmt.Errorf("%w: missing required fields", ErrUnavailable)
	}
	if *out.Confidence < 0 || *out.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", ErrUnavailable, *out.Confidence)
	}

	return &OptOut{
		IsOptOut:   *out.IsOptOut,
		Confidence: *out.Confidence,
		Reason:     out.Reason,
		Source:     SourceModel,
	}, nil
}

// OptOutWithFallback returns a detector that tries primary and switches to
// fallback on any error. A nil primary yields fallback itself.
func OptOutWithFallback(primary, fallback OptOutDetector, logger *zap.Logger) OptOutDetector {
	if primary == nil {
		return fallback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallbackOptOut{primary: primary, fallback: fallback, logger: logger}
}

type fallbackOptOut struct {
	primary  OptOutDetector
	fallback OptOutDetector
	logger   *zap.Logger
}

func (f *fallbackOptOut) Detect(ctx context.Context, from, body string) (*OptOut, error) {
	o, err := f.primary.Detect(ctx, from, body)
	if err == nil {
		return o, nil
	}
	f.logger.Warn("Model opt-out detection failed, using keyword fallback",
		zap.String("from", from),
		zap.Error(err))
	return f.fallback.Detect(ctx, from, body)
}
