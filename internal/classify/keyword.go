package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// KeywordConfidence is the fixed confidence of every keyword classification.
const KeywordConfidence = 0.6

// Keyword patterns for intent scoring
var (
	acceptancePatterns = []regexp.Regexp{
		*regexp.MustCompile(`(?i)\baccept(s|ed|ing|able)?\b`),
		*regexp.MustCompile(`(?i)\bagree(s|d)?\b`),
		*regexp.MustCompile(`(?i)\bapprove(s|d)?\b`),
	}

	rejectionPatterns = []regexp.Regexp{
		*regexp.MustCompile(`(?i)\breject(s|ed|ing)?\b`),
		*regexp.MustCompile(`(?i)\bdecline(s|d)?\b`),
		*regexp.MustCompile(`(?i)\bden(ied|y|ies)\b`),
	}

	// Negated acceptance ("cannot accept") counts double toward rejection.
	negatedAcceptancePatterns = []regexp.Regexp{
		*regexp.MustCompile(`(?i)\b(cannot|can't|can\s+not|unable\s+to|will\s+not|won't|do\s+not|don't|not\s+able\s+to)\s+(accept|agree|approve)`),
	}

	counterOfferPatterns = []regexp.Regexp{
		*regexp.MustCompile(`(?i)\bcounter(-?\s?offer)?s?\b`),
		*regexp.MustCompile(`(?i)\binstead\b`),
		*regexp.MustCompile(`(?i)\bhowever\b`),
	}

	requestInfoPatterns = []regexp.Regexp{
		*regexp.MustCompile(`(?i)\binformation\b`),
		*regexp.MustCompile(`(?i)\bclarif(y|ication)\b`),
		*regexp.MustCompile(`(?i)\bdetails\b`),
	}
)

// intentOrder breaks score ties deterministically.
var intentOrder = []Intent{IntentAcceptance, IntentRejection, IntentCounterOffer, IntentRequestInfo}

// KeywordClassifier classifies replies with fixed keyword tables and regex
// term extraction. Its output always requires review.
type KeywordClassifier struct{}

// NewKeywordClassifier creates a keyword classifier.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(_ context.Context, req Request) (*Classification, error) {
	if strings.TrimSpace(req.Body) == "" {
		return nil, ErrEmptyBody
	}

	content := req.Subject + "\n" + req.Body
	terms := ExtractTerms(req.Body)

	scores := map[Intent]int{
		IntentAcceptance:   0,
		IntentRejection:    0,
		IntentCounterOffer: 0,
		IntentRequestInfo:  0,
	}
	var matched []string

	score := func(intent Intent, patterns []regexp.Regexp, weight int) {
		for _, pattern := range patterns {
			if m := pattern.FindString(content); m != "" {
				scores[intent] += weight
				matched = append(matched, strings.ToLower(m))
			}
		}
	}
	score(IntentAcceptance, acceptancePatterns, 1)
	score(IntentRejection, rejectionPatterns, 1)
	score(IntentRejection, negatedAcceptancePatterns, 2)
	score(IntentCounterOffer, counterOfferPatterns, 1)
	score(IntentRequestInfo, requestInfoPatterns, 1)

	// Stated amounts read as a proposal
	if terms.HasOffer() {
		scores[IntentCounterOffer]++
	}

	intent := IntentUnclear
	maxScore := 0
	for _, candidate := range intentOrder {
		if scores[candidate] > maxScore {
			maxScore = scores[candidate]
			intent = candidate
		}
	}

	return &Classification{
		Intent:          intent,
		Sentiment:       sentimentFor(intent),
		Confidence:      KeywordConfidence,
		Terms:           terms,
		Reasoning:       keywordReason(intent, matched),
		SuggestedAction: actionFor(intent),
		RequiresReview:  true,
		Source:          SourceKeyword,
	}, nil
}

func sentimentFor(intent Intent) Sentiment {
	switch intent {
	case IntentAcceptance:
		return SentimentPositive
	case IntentRejection:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

func actionFor(intent Intent) Action {
	switch intent {
	case IntentAcceptance:
		return ActionFinalize
	case IntentCounterOffer:
		return ActionSendCounter
	case IntentRequestInfo:
		return ActionProvideInfo
	default:
		return ActionEscalate
	}
}

// keywordReason returns a human-readable reason
func keywordReason(intent Intent, matched []string) string {
	if intent == IntentUnclear {
		return "Could not automatically classify this response"
	}
	var desc string
	switch intent {
	case IntentAcceptance:
		desc = "Creditor appears to accept the proposal"
	case IntentRejection:
		desc = "Creditor appears to reject the proposal"
	case IntentCounterOffer:
		desc = "Creditor appears to propose different terms"
	case IntentRequestInfo:
		desc = "Creditor is asking for more information"
	}
	if len(matched) == 0 {
		return desc + " (stated amounts)"
	}
	return fmt.Sprintf("%s (matched: %s)", desc, strings.Join(matched, ", "))
}
