package debt

import (
	"time"

	"github.com/debt-negotiator/negotiator/internal/classify"
)

// MessageType is the role of a message in the conversation.
type MessageType string

const (
	MessageInitialNotice   MessageType = "initial_notice"
	MessageNegotiationSent MessageType = "negotiation_sent"
	MessageResponse        MessageType = "response_received"
	MessageCounterOffer    MessageType = "counter_offer"
	MessageAcceptance      MessageType = "acceptance"
	MessageRejection       MessageType = "rejection"
	MessageManualResponse  MessageType = "manual_response"
)

// Direction of a message relative to us.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Message is one stored email in a debt's conversation. Immutable except for
// attaching a classification.
type Message struct {
	ID             string                   `json:"id"`
	DebtID         string                   `json:"debt_id"`
	ExternalID     string                   `json:"external_id,omitempty"`
	Type           MessageType              `json:"type"`
	Direction      Direction                `json:"direction"`
	Subject        string                   `json:"subject"`
	Body           string                   `json:"body"`
	Counterpart    string                   `json:"counterpart"`
	Classification *classify.Classification `json:"classification,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
}

// AuditAction names what an audit entry records.
type AuditAction string

const (
	AuditDebtReceived         AuditAction = "debt_received"
	AuditOptOutLogged         AuditAction = "opt_out_logged"
	AuditNegotiationGenerated AuditAction = "negotiation_generated"
	AuditLetterUpdated        AuditAction = "letter_updated"
	AuditLetterApproved       AuditAction = "letter_approved"
	AuditEmailSent            AuditAction = "email_sent"
	AuditEmailFailed          AuditAction = "email_failed"
	AuditResponseAnalyzed     AuditAction = "response_analyzed"
	AuditOfferAccepted        AuditAction = "offer_accepted"
	AuditOfferRejected        AuditAction = "offer_rejected"
	AuditEscalated            AuditAction = "escalated"
	AuditCounterSent          AuditAction = "counter_sent"
	AuditManualResponse       AuditAction = "manual_response"
	AuditMarkedFailed         AuditAction = "marked_failed"
	AuditAmountCorrected      AuditAction = "amount_corrected"
)

// AuditEntry is an append-only record of an action taken on a debt.
type AuditEntry struct {
	ID        string      `json:"id"`
	DebtID    string      `json:"debt_id"`
	Action    AuditAction `json:"action"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
