package negotiation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/debt-negotiator/negotiator/internal/classify"
	"github.com/debt-negotiator/negotiator/internal/config"
	"github.com/debt-negotiator/negotiator/internal/debt"
	"github.com/debt-negotiator/negotiator/internal/email"
	"github.com/debt-negotiator/negotiator/internal/finance"
	"github.com/debt-negotiator/negotiator/internal/store"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type stubClassifier struct {
	mu     sync.Mutex
	result classify.Classification
	calls  int
}

func (s *stubClassifier) Classify(_ context.Context, _ classify.Request) (*classify.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	c := s.result
	return &c, nil
}

func (s *stubClassifier) set(c classify.Classification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = c
}

type fakeSender struct {
	mu   sync.Mutex
	sent []email.Message
	fail error
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, msg email.Message) email.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return email.Result{Error: f.fail}
	}
	f.sent = append(f.sent, msg)
	return email.Result{Success: true, MessageID: fmt.Sprintf("<sent-%d@example.com>", len(f.sent))}
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() email.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type harness struct {
	engine     *Engine
	store      *store.SQLStore
	sender     *fakeSender
	classifier *stubClassifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{store: st, sender: &fakeSender{}, classifier: &stubClassifier{}}
	h.engine, err = New(Deps{
		Store:      st,
		Classifier: h.classifier,
		Sender:     h.sender,
		Profile: config.Profile{
			FirstName: "Jane",
			LastName:  "Doe",
			Email:     "jane@example.com",
			Address:   "1 Main St",
			City:      "Springfield",
			State:     "IL",
			ZipCode:   "62701",
			Phone:     "555-0100",
		},
		Logger: zaptest.NewLogger(t),
		Now:    func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return h
}

func notice(amount string) InboundEmail {
	return InboundEmail{
		MessageID: "<notice-1@acme.example>",
		From:      "Collections@Acme.example",
		FromName:  "Acme Collections",
		Subject:   "Past due notice",
		Body:      "Your account balance of $" + amount + " is past due. Please remit payment.",
	}
}

func reply(id, body string) InboundEmail {
	return InboundEmail{
		MessageID: id,
		From:      "collections@acme.example",
		Subject:   "Re: Settlement Offer",
		Body:      body,
	}
}

// approvedDebt drives a 2,500.00 debt from notice to approved.
func (h *harness) approvedDebt(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, notice("2,500.00"))
	require.NoError(t, err)
	id := res.Debt.ID

	_, err = h.engine.GenerateStrategy(ctx, id)
	require.NoError(t, err)
	_, err = h.engine.SetVariables(ctx, id, map[string]string{
		"account_number":     "ACME-1234",
		"payment_start_date": "April 1, 2025",
	})
	require.NoError(t, err)
	_, err = h.engine.Approve(ctx, id)
	require.NoError(t, err)
	return id
}

// sentDebt drives a 2,500.00 debt from notice to sent.
func (h *harness) sentDebt(t *testing.T) *debt.Debt {
	t.Helper()
	delivery, err := h.engine.Send(context.Background(), h.approvedDebt(t))
	require.NoError(t, err)
	require.True(t, delivery.Delivered)
	require.Equal(t, debt.StatusSent, delivery.Debt.Status)
	return delivery.Debt
}

func auditActions(t *testing.T, h *harness, id string) []debt.AuditAction {
	t.Helper()
	entries, err := h.engine.AuditLog(context.Background(), id)
	require.NoError(t, err)
	var actions []debt.AuditAction
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func counterOffer(confidence float64, review bool) classify.Classification {
	return classify.Classification{
		Intent:          classify.IntentCounterOffer,
		Sentiment:       classify.SentimentNeutral,
		Confidence:      confidence,
		Terms:           classify.Terms{Amount: 2000},
		Reasoning:       "creditor proposes 2000",
		SuggestedAction: classify.ActionSendCounter,
		RequiresReview:  review,
		Source:          classify.SourceModel,
	}
}

func TestNewDebt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, notice("2,500.00"))
	require.NoError(t, err)

	d := res.Debt
	assert.Equal(t, ActionCreated, res.Action)
	assert.Equal(t, debt.StatusReceived, d.Status)
	assert.Equal(t, 2500.0, d.Amount)
	assert.Equal(t, "Acme Collections", d.CreditorName)
	assert.Equal(t, "collections@acme.example", d.Counterpart)
	assert.Equal(t, 1, d.ConversationCount)
	assert.Equal(t, 1, d.NegotiationRound)
	assert.Nil(t, d.ActualSavings)
	assert.Equal(t, debt.MessageInitialNotice, res.Message.Type)
	assert.Equal(t, []debt.AuditAction{debt.AuditDebtReceived}, auditActions(t, h, d.ID))
	assert.Zero(t, h.sender.count())
}

func TestHandleInboundValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.HandleInbound(ctx, InboundEmail{From: "not an address", Body: "hi"})
	assert.ErrorIs(t, err, debt.ErrValidation)

	_, err = h.engine.HandleInbound(ctx, InboundEmail{From: "a@b.example", Body: "  "})
	assert.ErrorIs(t, err, debt.ErrValidation)

	debts, err := h.engine.Debts(ctx, debt.Filter{})
	require.NoError(t, err)
	assert.Empty(t, debts)
}

func TestIdempotentInbound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sentDebt(t)
	h.classifier.set(counterOffer(0.5, false))

	in := reply("<reply-1@acme.example>", "We could do $2,000 instead.")
	first, err := h.engine.HandleInbound(ctx, in)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := h.engine.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, ActionDuplicate, second.Action)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, first.Debt.ConversationCount, second.Debt.ConversationCount)
	assert.Equal(t, first.Debt.NegotiationRound, second.Debt.NegotiationRound)
	assert.Equal(t, first.Debt.Version, second.Debt.Version)
	assert.Equal(t, 1, h.classifier.calls)

	messages, err := h.engine.Messages(ctx, first.Debt.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 3)
}

func TestIdempotentWithoutMessageID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := notice("900.00")
	in.MessageID = ""
	first, err := h.engine.HandleInbound(ctx, in)
	require.NoError(t, err)
	second, err := h.engine.HandleInbound(ctx, in)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Debt.ID, second.Debt.ID)
}

func TestOptOutFirstContact(t *testing.T) {
	h := newHarness(t)

	in := notice("900.00")
	in.Body = "Balance $900.00. Please STOP contacting me about this."
	res, err := h.engine.HandleInbound(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, ActionOptedOut, res.Action)
	assert.Equal(t, debt.StatusOptedOut, res.Debt.Status)
	assert.Zero(t, res.Debt.Amount)
	assert.True(t, res.OptOut.IsOptOut)
	assert.Nil(t, res.Debt.Extension.Letter)
	assert.Equal(t, []debt.AuditAction{debt.AuditDebtReceived, debt.AuditOptOutLogged}, auditActions(t, h, res.Debt.ID))

	_, err = h.engine.GenerateStrategy(context.Background(), res.Debt.ID)
	assert.ErrorIs(t, err, debt.ErrInvalidTransition)
}

func TestOptOutActiveDebt(t *testing.T) {
	h := newHarness(t)
	d := h.sentDebt(t)

	res, err := h.engine.HandleInbound(context.Background(), reply("<reply-stop@acme.example>", "Unsubscribe me from this thread."))
	require.NoError(t, err)

	assert.Equal(t, d.ID, res.Debt.ID)
	assert.Equal(t, debt.StatusOptedOut, res.Debt.Status)
	assert.Equal(t, 2500.0, res.Debt.Amount)
	assert.Equal(t, d.ConversationCount+1, res.Debt.ConversationCount)
	assert.Zero(t, h.classifier.calls)
}

func TestLetterLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, notice("2,500.00"))
	require.NoError(t, err)
	id := res.Debt.ID

	_, err = h.engine.Approve(ctx, id)
	assert.ErrorIs(t, err, debt.ErrValidation, "no letter yet")

	d, err := h.engine.GenerateStrategy(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, debt.StatusNegotiating, d.Status)
	require.NotNil(t, d.Extension.Letter)
	assert.Equal(t, "settlement", string(d.Extension.Letter.Strategy))
	assert.Equal(t, 1000.0, d.ProjectedSavings)
	assert.Equal(t, 1500.0, d.LastOffer())

	vars, err := h.engine.Variables(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", vars["full_name"])
	assert.Equal(t, "1 Main St, Springfield, IL 62701", vars["address"])
	assert.Equal(t, "March 1, 2025", vars["date"])
	assert.Equal(t, "", vars["account_number"])

	_, err = h.engine.Approve(ctx, id)
	assert.ErrorIs(t, err, debt.ErrValidation, "unfilled variables")

	_, err = h.engine.SetVariables(ctx, id, map[string]string{"ssn": "x"})
	assert.ErrorIs(t, err, debt.ErrValidation)

	// Editing adds and drops variables, keeping values still in use.
	d, err = h.engine.UpdateLetter(ctx, id, "Settlement Offer - {{ account_number }}",
		d.Extension.Letter.Body+"\nReference: {{ reference }}")
	require.NoError(t, err)
	vars, err = h.engine.Variables(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, vars, "reference")
	assert.Equal(t, "Jane Doe", vars["full_name"])

	_, err = h.engine.SetVariables(ctx, id, map[string]string{
		"account_number":     "ACME-1234",
		"payment_start_date": "April 1, 2025",
		"reference":          "R-77",
	})
	require.NoError(t, err)

	d, err = h.engine.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, debt.StatusApproved, d.Status)
	require.NotNil(t, d.Extension.Approval)
	assert.Equal(t, "Settlement Offer - ACME-1234", d.Extension.Approval.Subject)
	assert.NotContains(t, d.Extension.Approval.Body, "{{")

	_, err = h.engine.UpdateLetter(ctx, id, "x", "y")
	assert.ErrorIs(t, err, debt.ErrInvalidTransition)

	delivery, err := h.engine.Send(ctx, id)
	require.NoError(t, err)
	assert.True(t, delivery.Delivered)
	d = delivery.Debt
	assert.Equal(t, debt.StatusSent, d.Status)
	assert.Equal(t, 2, d.ConversationCount)
	require.NotNil(t, d.ProspectedSavings)
	assert.Equal(t, 1000.0, *d.ProspectedSavings)

	sent := h.sender.last()
	assert.Equal(t, "collections@acme.example", sent.To)
	assert.Equal(t, "<notice-1@acme.example>", sent.InReplyTo)
	assert.Contains(t, sent.Body, "$1,500")

	_, err = h.engine.Send(ctx, id)
	assert.ErrorIs(t, err, debt.ErrInvalidTransition)
	assert.Equal(t, 1, h.sender.count())

	assert.Equal(t, []debt.AuditAction{
		debt.AuditDebtReceived,
		debt.AuditNegotiationGenerated,
		debt.AuditLetterUpdated,
		debt.AuditLetterUpdated,
		debt.AuditLetterApproved,
		debt.AuditEmailSent,
	}, auditActions(t, h, id))
}

func TestSetAmount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := notice("0")
	in.Body = "Please contact us about your account."
	res, err := h.engine.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.Zero(t, res.Debt.Amount)

	_, err = h.engine.GenerateStrategy(ctx, res.Debt.ID)
	assert.ErrorIs(t, err, debt.ErrValidation)

	_, err = h.engine.SetAmount(ctx, res.Debt.ID, -5)
	assert.ErrorIs(t, err, debt.ErrValidation)

	d, err := h.engine.SetAmount(ctx, res.Debt.ID, 320.456)
	require.NoError(t, err)
	assert.Equal(t, 320.46, d.Amount)

	d, err = h.engine.GenerateStrategy(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "extension", string(d.Extension.Letter.Strategy))
}

func TestSendFailureKeepsStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, notice("1,200.00"))
	require.NoError(t, err)
	id := res.Debt.ID
	_, err = h.engine.GenerateStrategy(ctx, id)
	require.NoError(t, err)
	_, err = h.engine.SetVariables(ctx, id, map[string]string{"account_number": "A1", "payment_start_date": "May 1"})
	require.NoError(t, err)
	_, err = h.engine.Approve(ctx, id)
	require.NoError(t, err)

	h.sender.fail = errors.New("smtp: connection refused")
	delivery, err := h.engine.Send(ctx, id)
	require.NoError(t, err)
	assert.False(t, delivery.Delivered)
	assert.Contains(t, delivery.Error, "connection refused")

	d, err := h.engine.Debt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, debt.StatusApproved, d.Status)
	assert.Equal(t, 1, d.ConversationCount)
	assert.Nil(t, d.ProspectedSavings)
	assert.Contains(t, auditActions(t, h, id), debt.AuditEmailFailed)
	require.NotNil(t, d.Extension.Approval)
	assert.Nil(t, d.Extension.Approval.SendingSince)

	h.sender.fail = nil
	delivery, err = h.engine.Send(ctx, id)
	require.NoError(t, err)
	assert.True(t, delivery.Delivered)
	assert.Nil(t, delivery.Debt.Extension.Approval.SendingSince)
}

// claimLetter marks the approved letter of id as being sent since at.
func claimLetter(t *testing.T, h *harness, id string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	d, err := h.store.GetDebt(ctx, id)
	require.NoError(t, err)
	d.Extension.Approval.SendingSince = &at
	require.NoError(t, h.store.Apply(ctx, debt.Change{Debt: d, ExpectedVersion: d.Version}))
}

func TestSendClaim(t *testing.T) {
	t.Run("live claim blocks a second send", func(t *testing.T) {
		h := newHarness(t)
		id := h.approvedDebt(t)
		claimLetter(t, h, id, testNow.Add(-time.Minute))

		_, err := h.engine.Send(context.Background(), id)
		assert.ErrorIs(t, err, debt.ErrConflict)
		assert.Zero(t, h.sender.count())

		d, err := h.engine.Debt(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, debt.StatusApproved, d.Status)
	})

	t.Run("stale claim is taken over", func(t *testing.T) {
		h := newHarness(t)
		id := h.approvedDebt(t)
		claimLetter(t, h, id, testNow.Add(-sendClaimTTL-time.Second))

		delivery, err := h.engine.Send(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, delivery.Delivered)
		assert.Equal(t, 1, h.sender.count())
	})
}

func TestConcurrentSend(t *testing.T) {
	h := newHarness(t)
	id := h.approvedDebt(t)

	const callers = 4
	var wg sync.WaitGroup
	results := make([]*Delivery, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.engine.Send(context.Background(), id)
		}(i)
	}
	wg.Wait()

	delivered := 0
	for i := range results {
		if errs[i] != nil {
			assert.True(t, errors.Is(errs[i], debt.ErrConflict) || errors.Is(errs[i], debt.ErrInvalidTransition), errs[i])
			continue
		}
		if results[i].Delivered {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, h.sender.count())

	d, err := h.engine.Debt(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, debt.StatusSent, d.Status)
	assert.Equal(t, 2, d.ConversationCount)
}

func TestAutoCounter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.sentDebt(t)
	h.classifier.set(counterOffer(0.9, false))

	in := reply("<reply-1@acme.example>", "We can accept $2,000 to settle this account.")
	in.InReplyTo = "<sent-1@example.com>"
	res, err := h.engine.HandleInbound(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, ActionCountered, res.Action)
	assert.True(t, res.CounterSent)
	assert.Equal(t, debt.StatusCounterNegotiating, res.Debt.Status)
	assert.Equal(t, 2, res.Debt.NegotiationRound)
	assert.Equal(t, d.ConversationCount+2, res.Debt.ConversationCount)
	assert.Equal(t, 2, h.sender.count(), "opening letter plus one counter")

	counter := h.sender.last()
	assert.Equal(t, "<reply-1@acme.example>", counter.InReplyTo)
	assert.Contains(t, counter.Body, "$1,750", "midpoint of 1,500 and 2,000")
	assert.Contains(t, counter.Body, "ACME-1234")
	assert.NotContains(t, counter.Body+counter.Subject, "{{")

	require.NotNil(t, res.Debt.Extension.Letter)
	assert.Equal(t, 2, res.Debt.Extension.Letter.Round)
	assert.Equal(t, 1750.0, res.Debt.LastOffer())
	require.NotNil(t, res.Debt.Extension.Classification)
	assert.Equal(t, "<reply-1@acme.example>", res.Debt.Extension.Classification.MessageID)

	messages, err := h.engine.Messages(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, debt.MessageCounterOffer, messages[2].Type)
	assert.Equal(t, "counter:<reply-1@acme.example>", messages[3].ExternalID)
	assert.Equal(t, debt.Outbound, messages[3].Direction)

	// A retry of the same reply sends nothing.
	again, err := h.engine.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.False(t, again.CounterSent)
	assert.Equal(t, 2, h.sender.count())
	assert.Equal(t, 2, again.Debt.NegotiationRound)
}

func TestAutoCounterDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sentDebt(t)
	h.classifier.set(counterOffer(0.9, false))

	h.sender.fail = errors.New("boom")
	in := reply("<reply-1@acme.example>", "We can accept $2,000.")
	res, err := h.engine.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.False(t, res.CounterSent)
	assert.Equal(t, debt.StatusRequiresManualReview, res.Debt.Status, "failed counter delivery escalates")
	assert.Contains(t, auditActions(t, h, res.Debt.ID), debt.AuditEmailFailed)

	// Once escalated, a retry does not resume the counter.
	h.sender.fail = nil
	again, err := h.engine.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.False(t, again.CounterSent)
	assert.Equal(t, 1, h.sender.count())
}

func TestEscalation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.sentDebt(t)
	h.classifier.set(counterOffer(0.5, false))

	res, err := h.engine.HandleInbound(ctx, reply("<reply-1@acme.example>", "We could do $2,000 instead."))
	require.NoError(t, err)

	assert.Equal(t, ActionEscalated, res.Action)
	assert.Equal(t, debt.StatusRequiresManualReview, res.Debt.Status)
	assert.Equal(t, 1, res.Debt.NegotiationRound)
	assert.Equal(t, d.ConversationCount+1, res.Debt.ConversationCount)
	assert.Equal(t, 1, h.sender.count(), "no automatic email")
	assert.Contains(t, auditActions(t, h, d.ID), debt.AuditEscalated)
}

func TestClassificationOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		result     classify.Classification
		wantStatus debt.Status
		wantAction Action
		wantType   debt.MessageType
	}{
		{
			name: "acceptance settles",
			result: classify.Classification{
				Intent: classify.IntentAcceptance, Confidence: 0.95,
				Terms: classify.Terms{Amount: 1500}, SuggestedAction: classify.ActionFinalize,
			},
			wantStatus: debt.StatusSettled,
			wantAction: ActionSettled,
			wantType:   debt.MessageAcceptance,
		},
		{
			name: "flagged acceptance is reviewed",
			result: classify.Classification{
				Intent: classify.IntentAcceptance, Confidence: 0.6, RequiresReview: true,
				SuggestedAction: classify.ActionFinalize, Source: classify.SourceKeyword,
			},
			wantStatus: debt.StatusRequiresManualReview,
			wantAction: ActionEscalated,
			wantType:   debt.MessageAcceptance,
		},
		{
			name: "rejection",
			result: classify.Classification{
				Intent: classify.IntentRejection, Confidence: 0.9, SuggestedAction: classify.ActionEscalate,
			},
			wantStatus: debt.StatusRejected,
			wantAction: ActionRejected,
			wantType:   debt.MessageRejection,
		},
		{
			name: "low confidence acceptance is reviewed",
			result: classify.Classification{
				Intent: classify.IntentAcceptance, Confidence: 0.2,
				Terms: classify.Terms{Amount: 100}, SuggestedAction: classify.ActionFinalize,
			},
			wantStatus: debt.StatusRequiresManualReview,
			wantAction: ActionEscalated,
			wantType:   debt.MessageAcceptance,
		},
		{
			name: "low confidence rejection is reviewed",
			result: classify.Classification{
				Intent: classify.IntentRejection, Confidence: 0.2, SuggestedAction: classify.ActionEscalate,
			},
			wantStatus: debt.StatusRequiresManualReview,
			wantAction: ActionEscalated,
			wantType:   debt.MessageRejection,
		},
		{
			name: "request for information",
			result: classify.Classification{
				Intent: classify.IntentRequestInfo, Confidence: 0.9, SuggestedAction: classify.ActionProvideInfo,
			},
			wantStatus: debt.StatusRequiresManualReview,
			wantAction: ActionEscalated,
			wantType:   debt.MessageResponse,
		},
		{
			name: "unclear",
			result: classify.Classification{
				Intent: classify.IntentUnclear, Confidence: 0.3, SuggestedAction: classify.ActionEscalate,
			},
			wantStatus: debt.StatusRequiresManualReview,
			wantAction: ActionEscalated,
			wantType:   debt.MessageResponse,
		},
		{
			name:       "counter flagged for review",
			result:     counterOffer(0.95, true),
			wantStatus: debt.StatusRequiresManualReview,
			wantAction: ActionEscalated,
			wantType:   debt.MessageCounterOffer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.sentDebt(t)
			h.classifier.set(tt.result)

			res, err := h.engine.HandleInbound(context.Background(), reply("<reply-1@acme.example>", "reply text"))
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, res.Debt.Status)
			assert.Equal(t, tt.wantAction, res.Action)
			assert.Equal(t, tt.wantType, res.Message.Type)
			assert.Equal(t, 1, h.sender.count())

			settled := res.Debt.Status == debt.StatusSettled
			assert.Equal(t, settled, res.Debt.ActualSavings != nil)
			assert.Equal(t, settled, res.Debt.Extension.Outcome != nil)
		})
	}
}

func TestAcceptanceOutcome(t *testing.T) {
	h := newHarness(t)
	h.sentDebt(t)
	h.classifier.set(classify.Classification{
		Intent:          classify.IntentAcceptance,
		Confidence:      0.9,
		Terms:           classify.Terms{Amount: 1600},
		SuggestedAction: classify.ActionFinalize,
		Source:          classify.SourceModel,
	})

	res, err := h.engine.HandleInbound(context.Background(), reply("<reply-1@acme.example>", "We accept $1,600."))
	require.NoError(t, err)

	d := res.Debt
	require.NotNil(t, d.ActualSavings)
	assert.Equal(t, 900.0, *d.ActualSavings)
	out := d.Extension.Outcome
	require.NotNil(t, out)
	assert.Equal(t, finance.BenefitPrincipalReduction, out.BenefitType)
	assert.Equal(t, "36.00", out.SavingsPercentage)
	assert.Equal(t, 1600.0, out.AcceptedAmount)
	assert.Contains(t, auditActions(t, h, d.ID), debt.AuditOfferAccepted)

	err = transition(d, debt.StatusFailed)
	assert.ErrorIs(t, err, debt.ErrInvalidTransition)
}

func TestManualReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.sentDebt(t)
	h.classifier.set(classify.Classification{Intent: classify.IntentRequestInfo, Confidence: 0.9})

	_, err := h.engine.SubmitManualReply(ctx, d.ID, "Re: account", "Here are the details.")
	assert.ErrorIs(t, err, debt.ErrInvalidTransition)

	_, err = h.engine.HandleInbound(ctx, reply("<reply-1@acme.example>", "Please send proof of hardship."))
	require.NoError(t, err)

	_, err = h.engine.SubmitManualReply(ctx, d.ID, "Re: account", "   ")
	assert.ErrorIs(t, err, debt.ErrValidation)
	_, err = h.engine.SubmitManualReply(ctx, d.ID, "Re: account", "Signed, {{ nickname }}")
	assert.ErrorIs(t, err, debt.ErrValidation)

	delivery, err := h.engine.SubmitManualReply(ctx, d.ID, "Re: account {{ account_number }}", "Attached as requested.\n{{ full_name }}")
	require.NoError(t, err)
	require.True(t, delivery.Delivered)
	assert.Equal(t, debt.StatusAwaitingResponse, delivery.Debt.Status)

	sent := h.sender.last()
	assert.Equal(t, "Re: account ACME-1234", sent.Subject)
	assert.Equal(t, "Attached as requested.\nJane Doe", sent.Body)
	assert.Equal(t, "<reply-1@acme.example>", sent.InReplyTo)

	messages, err := h.engine.Messages(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, debt.MessageManualResponse, messages[len(messages)-1].Type)
	assert.Equal(t, len(messages), delivery.Debt.ConversationCount)

	// The next reply continues the negotiation from awaiting_response.
	h.classifier.set(counterOffer(0.9, false))
	res, err := h.engine.HandleInbound(ctx, reply("<reply-2@acme.example>", "We can accept $2,000."))
	require.NoError(t, err)
	assert.Equal(t, debt.StatusCounterNegotiating, res.Debt.Status)
	assert.True(t, res.CounterSent)
}

func TestReplyWithoutNegotiationInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, notice("2,500.00"))
	require.NoError(t, err)
	h.classifier.set(classify.Classification{Intent: classify.IntentRequestInfo, Confidence: 0.7})

	second, err := h.engine.HandleInbound(ctx, reply("<followup@acme.example>", "Did you receive our notice?"))
	require.NoError(t, err)

	assert.Equal(t, res.Debt.ID, second.Debt.ID)
	assert.Equal(t, ActionRecorded, second.Action)
	assert.Equal(t, debt.StatusReceived, second.Debt.Status)
	assert.Equal(t, 2, second.Debt.ConversationCount)
	require.NotNil(t, second.Classification)

	messages, err := h.engine.Messages(ctx, res.Debt.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.NotNil(t, messages[1].Classification)
	assert.Equal(t, classify.IntentRequestInfo, messages[1].Classification.Intent)
}

func TestReplyAfterTerminalStartsNewDebt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.sentDebt(t)

	_, err := h.engine.MarkFailed(ctx, d.ID, "creditor sold the account")
	require.NoError(t, err)
	_, err = h.engine.MarkFailed(ctx, d.ID, "")
	assert.ErrorIs(t, err, debt.ErrInvalidTransition)

	in := notice("800.00")
	in.MessageID = "<notice-2@acme.example>"
	res, err := h.engine.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, res.Action)
	assert.NotEqual(t, d.ID, res.Debt.ID)
}

func TestConcurrentReplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.sentDebt(t)
	h.classifier.set(counterOffer(0.5, false))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.HandleInbound(ctx, reply(fmt.Sprintf("<reply-%d@acme.example>", i), "We could do $2,000 instead."))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := h.engine.Debt(ctx, d.ID)
	require.NoError(t, err)
	messages, err := h.engine.Messages(ctx, d.ID)
	require.NoError(t, err)

	assert.Equal(t, debt.StatusRequiresManualReview, got.Status)
	assert.Len(t, messages, 4)
	assert.Equal(t, len(messages), got.ConversationCount)
	assert.Equal(t, 1, got.NegotiationRound)

	escalations := 0
	for _, a := range auditActions(t, h, d.ID) {
		if a == debt.AuditEscalated {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)
}

func TestRecordBounce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.sentDebt(t)

	got, err := h.engine.RecordBounce(ctx, "COLLECTIONS@acme.example", "550 user unknown")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, debt.StatusSent, got.Status)
	assert.Contains(t, auditActions(t, h, d.ID), debt.AuditEmailFailed)

	_, err = h.engine.RecordBounce(ctx, "nobody@example.com", "")
	assert.ErrorIs(t, err, debt.ErrNotFound)
}

func TestAutoGenerate(t *testing.T) {
	h := newHarness(t)
	h.engine.settings.AutoGenerate = true

	res, err := h.engine.HandleInbound(context.Background(), notice("1,200.00"))
	require.NoError(t, err)
	assert.Equal(t, debt.StatusNegotiating, res.Debt.Status)
	require.NotNil(t, res.Debt.Extension.Letter)
	assert.Equal(t, "installment", string(res.Debt.Extension.Letter.Strategy))
	assert.Equal(t, 120.0, res.Debt.ProjectedSavings)
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		c    classify.Classification
		want decision
	}{
		{"auto counter", counterOffer(0.81, false), decideCounter},
		{"at threshold", counterOffer(0.8, false), decideEscalate},
		{"review flag", counterOffer(0.99, true), decideEscalate},
		{"wrong action", func() classify.Classification {
			c := counterOffer(0.9, false)
			c.SuggestedAction = classify.ActionEscalate
			return c
		}(), decideEscalate},
		{"acceptance", classify.Classification{Intent: classify.IntentAcceptance, Confidence: 0.9}, decideSettle},
		{"rejection", classify.Classification{Intent: classify.IntentRejection, Confidence: 0.9}, decideReject},
		{"low confidence acceptance", classify.Classification{Intent: classify.IntentAcceptance, Confidence: 0.2}, decideEscalate},
		{"low confidence rejection", classify.Classification{Intent: classify.IntentRejection, Confidence: 0.2}, decideEscalate},
		{"acceptance at threshold", classify.Classification{Intent: classify.IntentAcceptance, Confidence: 0.8}, decideEscalate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.c
			assert.Equal(t, tt.want, decide(&c))
		})
	}
}
