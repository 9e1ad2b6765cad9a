package debt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusReceived, StatusNegotiating, true},
		{StatusNegotiating, StatusApproved, true},
		{StatusApproved, StatusSent, true},
		{StatusSent, StatusCounterNegotiating, true},
		{StatusAwaitingResponse, StatusCounterNegotiating, true},
		{StatusCounterNegotiating, StatusCounterNegotiating, true},
		{StatusCounterNegotiating, StatusAccepted, true},
		{StatusAccepted, StatusSettled, true},
		{StatusCounterNegotiating, StatusRejected, true},
		{StatusCounterNegotiating, StatusRequiresManualReview, true},
		{StatusRequiresManualReview, StatusAwaitingResponse, true},
		{StatusReceived, StatusSent, false},
		{StatusNegotiating, StatusSent, false},
		{StatusReceived, StatusCounterNegotiating, false},
		{StatusSettled, StatusNegotiating, false},
		{StatusRejected, StatusCounterNegotiating, false},
		{StatusOptedOut, StatusReceived, false},
		{StatusFailed, StatusFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, s := range Statuses {
		if !s.Terminal() || s == StatusAccepted {
			continue
		}
		for _, to := range Statuses {
			assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
	assert.Equal(t, []Status{StatusSettled}, transitions[StatusAccepted])
}

func TestEveryNonTerminalCanOptOutAndFail(t *testing.T) {
	for _, s := range Statuses {
		if s.Terminal() {
			continue
		}
		assert.True(t, CanTransition(s, StatusOptedOut), s)
		assert.True(t, CanTransition(s, StatusFailed), s)
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusSent.InFlight())
	assert.True(t, StatusCounterNegotiating.InFlight())
	assert.False(t, StatusRequiresManualReview.InFlight())
	assert.True(t, Status("settled").Valid())
	assert.False(t, Status("paid").Valid())
}
