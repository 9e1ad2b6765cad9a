// Package debt holds the negotiation data model: debts, their conversation,
// variables and audit trail, and the status transition table.
package debt

import (
	"errors"
	"time"

	"github.com/debt-negotiator/negotiator/internal/classify"
	"github.com/debt-negotiator/negotiator/internal/finance"
	"github.com/debt-negotiator/negotiator/internal/strategy"
)

var (
	// ErrNotFound is returned when a debt does not exist.
	ErrNotFound = errors.New("debt not found")
	// ErrValidation wraps input problems. Use fmt.Errorf("%w: ...", ErrValidation).
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when a concurrent update won the race.
	ErrConflict = errors.New("debt was modified concurrently")
	// ErrInvalidTransition is returned for a status change the table forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicate is returned when a message external id was already stored.
	ErrDuplicate = errors.New("duplicate message")
)

// Debt is one negotiation with one creditor.
type Debt struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id,omitempty"`
	CreditorName      string    `json:"creditor_name"`
	Counterpart       string    `json:"counterpart"`
	Amount            float64   `json:"amount"`
	Status            Status    `json:"status"`
	ConversationCount int       `json:"conversation_count"`
	NegotiationRound  int       `json:"negotiation_round"`
	ProjectedSavings  float64   `json:"projected_savings"`
	ProspectedSavings *float64  `json:"prospected_savings,omitempty"`
	ActualSavings     *float64  `json:"actual_savings,omitempty"`
	Extension         Extension `json:"extension"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Extension is the typed per-debt state owned by individual operations.
type Extension struct {
	Letter         *LetterRecord         `json:"letter,omitempty"`
	Classification *ClassificationRecord `json:"classification,omitempty"`
	Approval       *ApprovalRecord       `json:"approval,omitempty"`
	Outcome        *OutcomeRecord        `json:"outcome,omitempty"`
}

// LetterRecord is the current draft letter. Written by strategy generation
// and letter edits.
type LetterRecord struct {
	Strategy         strategy.Kind `json:"strategy"`
	Subject          string        `json:"subject"`
	Body             string        `json:"body"`
	Confidence       float64       `json:"confidence"`
	ProjectedSavings float64       `json:"projected_savings"`
	ProposedAmount   float64       `json:"proposed_amount,omitempty"`
	PaymentPlan      *finance.Plan `json:"payment_plan,omitempty"`
	Generator        string        `json:"generator"`
	Round            int           `json:"round"`
	GeneratedAt      time.Time     `json:"generated_at"`
}

// NewLetterRecord stores a generated letter for the given round.
func NewLetterRecord(l *strategy.Letter, round int, at time.Time) *LetterRecord {
	return &LetterRecord{
		Strategy:         l.Strategy,
		Subject:          l.Subject,
		Body:             l.Body,
		Confidence:       l.Confidence,
		ProjectedSavings: l.ProjectedSavings,
		ProposedAmount:   l.ProposedAmount,
		PaymentPlan:      l.PaymentPlan,
		Generator:        l.Generator,
		Round:            round,
		GeneratedAt:      at,
	}
}

// ClassificationRecord is the analysis of the latest creditor reply.
type ClassificationRecord struct {
	classify.Classification
	MessageID  string    `json:"message_id"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// ApprovalRecord freezes the letter text the user approved. SendingSince is
// set while a delivery of the letter is in progress.
type ApprovalRecord struct {
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	ApprovedAt   time.Time  `json:"approved_at"`
	SendingSince *time.Time `json:"sending_since,omitempty"`
}

// OutcomeRecord is the financial result of an accepted offer.
type OutcomeRecord struct {
	finance.Outcome
	ComputedAt time.Time `json:"computed_at"`
}

// LastOffer is the amount our latest letter proposed, or zero.
func (d *Debt) LastOffer() float64 {
	if d.Extension.Letter == nil {
		return 0
	}
	return d.Extension.Letter.ProposedAmount
}

// Stats summarizes the store.
type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[Status]int `json:"by_status"`
	TotalAmount   float64        `json:"total_amount"`
	ActualSavings float64        `json:"actual_savings"`
}

// Filter selects debts in listings. Zero values match everything.
type Filter struct {
	Status      Status
	Counterpart string
	OwnerID     string
	Limit       int
}

// Change is one atomic update of a debt and its related records.
type Change struct {
	Debt *Debt
	// ExpectedVersion is the version the update was computed from. Zero
	// inserts a new debt.
	ExpectedVersion int64
	Messages        []Message
	// Variables replaces the debt's variable set. Nil leaves it unchanged.
	Variables map[string]string
	Audit     []AuditEntry
}
