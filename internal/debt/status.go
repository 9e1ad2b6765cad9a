package debt

// Status is the wire-stable negotiation status of a debt.
type Status string

const (
	StatusReceived             Status = "received"
	StatusNegotiating          Status = "negotiating"
	StatusApproved             Status = "approved"
	StatusSent                 Status = "sent"
	StatusAwaitingResponse     Status = "awaiting_response"
	StatusCounterNegotiating   Status = "counter_negotiating"
	StatusRequiresManualReview Status = "requires_manual_review"
	StatusAccepted             Status = "accepted"
	StatusRejected             Status = "rejected"
	StatusSettled              Status = "settled"
	StatusFailed               Status = "failed"
	StatusOptedOut             Status = "opted_out"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusReceived, StatusNegotiating, StatusApproved, StatusSent, StatusAwaitingResponse,
	StatusCounterNegotiating, StatusRequiresManualReview, StatusAccepted, StatusRejected,
	StatusSettled, StatusFailed, StatusOptedOut,
}

// transitions lists the allowed targets per status.
var transitions = map[Status][]Status{
	StatusReceived:             {StatusNegotiating, StatusOptedOut, StatusFailed},
	StatusNegotiating:          {StatusNegotiating, StatusApproved, StatusOptedOut, StatusFailed},
	StatusApproved:             {StatusSent, StatusOptedOut, StatusFailed},
	StatusSent:                 {StatusCounterNegotiating, StatusOptedOut, StatusFailed},
	StatusAwaitingResponse:     {StatusCounterNegotiating, StatusOptedOut, StatusFailed},
	StatusCounterNegotiating:   {StatusCounterNegotiating, StatusAccepted, StatusRejected, StatusRequiresManualReview, StatusAwaitingResponse, StatusOptedOut, StatusFailed},
	StatusRequiresManualReview: {StatusAwaitingResponse, StatusOptedOut, StatusFailed},
	StatusAccepted:             {StatusSettled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further negotiation happens in s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSettled, StatusAccepted, StatusRejected, StatusFailed, StatusOptedOut:
		return true
	}
	return false
}

// InFlight reports whether a reply in s continues the negotiation.
func (s Status) InFlight() bool {
	return s == StatusSent || s == StatusAwaitingResponse || s == StatusCounterNegotiating
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
