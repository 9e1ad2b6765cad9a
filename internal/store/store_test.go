package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debt-negotiator/negotiator/internal/classify"
	"github.com/debt-negotiator/negotiator/internal/debt"
	"github.com/debt-negotiator/negotiator/internal/finance"
	"github.com/debt-negotiator/negotiator/internal/strategy"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestDebt(t *testing.T, s *SQLStore, counterpart string) *debt.Debt {
	t.Helper()
	d := &debt.Debt{
		CreditorName:      "Acme Collections",
		Counterpart:       counterpart,
		Amount:            5000,
		Status:            debt.StatusReceived,
		ConversationCount: 1,
		NegotiationRound:  1,
	}
	err := s.Apply(context.Background(), debt.Change{
		Debt: d,
		Messages: []debt.Message{{
			ExternalID: "<notice-" + counterpart + ">",
			Type:       debt.MessageInitialNotice,
			Direction:  debt.Inbound,
			Subject:    "Past due notice",
			Body:       "Your balance of $5,000 is past due.",
		}},
		Audit: []debt.AuditEntry{{Action: debt.AuditDebtReceived, Detail: "amount 5000.00"}},
	})
	require.NoError(t, err)
	return d
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "postgres", "")
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s, err := Open(context.Background(), DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestApplyInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := insertTestDebt(t, s, "Billing@Acme.example")
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, int64(1), d.Version)
	assert.Equal(t, "billing@acme.example", d.Counterpart)

	got, err := s.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Amount, got.Amount)
	assert.Equal(t, debt.StatusReceived, got.Status)
	assert.Nil(t, got.ActualSavings)
	assert.Nil(t, got.Extension.Letter)

	msgs, err := s.Messages(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, d.ID, msgs[0].DebtID)
	assert.NotEmpty(t, msgs[0].ID)

	audit, err := s.AuditLog(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, debt.AuditDebtReceived, audit[0].Action)

	_, err = s.GetDebt(ctx, "missing")
	assert.ErrorIs(t, err, debt.ErrNotFound)
}

func TestApplyRoundTripsExtension(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := insertTestDebt(t, s, "a@example.com")

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	savings := 1800.0
	d.Status = debt.StatusNegotiating
	d.ProspectedSavings = &savings
	d.Extension.Letter = &debt.LetterRecord{
		Strategy: strategy.Settlement, Subject: "Offer", Body: "Dear {{ full_name }}",
		ProposedAmount: 3000, Generator: "template", Round: 1, GeneratedAt: at,
		PaymentPlan: &finance.Plan{MonthlyAmount: 100, NumberOfPayments: 3, TotalAmount: 300},
	}
	d.Extension.Classification = &debt.ClassificationRecord{
		Classification: classify.Classification{Intent: classify.IntentCounterOffer, Confidence: 0.9},
		MessageID:      "m1",
		AnalyzedAt:     at,
	}
	d.Extension.Outcome = &debt.OutcomeRecord{
		Outcome:    finance.Outcome{OriginalAmount: 5000, AcceptedAmount: 3200, ActualSavings: 1800, BenefitType: finance.BenefitPrincipalReduction},
		ComputedAt: at,
	}
	require.NoError(t, s.Apply(ctx, debt.Change{Debt: d, ExpectedVersion: 1, Variables: map[string]string{"full_name": ""}}))
	assert.Equal(t, int64(2), d.Version)

	got, err := s.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Extension, got.Extension)
	require.NotNil(t, got.ProspectedSavings)
	assert.Equal(t, 1800.0, *got.ProspectedSavings)

	vars, err := s.Variables(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"full_name": ""}, vars)
}

func TestApplyCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := insertTestDebt(t, s, "cas@example.com")

	stale := *d
	d.Status = debt.StatusNegotiating
	require.NoError(t, s.Apply(ctx, debt.Change{Debt: d, ExpectedVersion: 1}))

	stale.Status = debt.StatusFailed
	err := s.Apply(ctx, debt.Change{
		Debt:            &stale,
		ExpectedVersion: 1,
		Audit:           []debt.AuditEntry{{Action: debt.AuditMarkedFailed}},
	})
	assert.ErrorIs(t, err, debt.ErrConflict)

	got, err := s.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, debt.StatusNegotiating, got.Status)

	audit, err := s.AuditLog(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1, "rolled back change must not leave audit entries")
}

func TestApplyConcurrentWritersOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := insertTestDebt(t, s, "race@example.com")

	const writers = 5
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := *d
			c.ConversationCount++
			errs[i] = s.Apply(ctx, debt.Change{Debt: &c, ExpectedVersion: 1})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, debt.ErrConflict)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestApplyDuplicateExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := insertTestDebt(t, s, "dup@example.com")

	d.ConversationCount++
	err := s.Apply(ctx, debt.Change{
		Debt:            d,
		ExpectedVersion: 1,
		Messages:        []debt.Message{{ExternalID: "<notice-dup@example.com>", Type: debt.MessageResponse, Direction: debt.Inbound}},
	})
	assert.ErrorIs(t, err, debt.ErrDuplicate)

	got, err := s.GetDebt(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 1, got.ConversationCount)

	m, err := s.MessageByExternalID(ctx, "<notice-dup@example.com>")
	require.NoError(t, err)
	assert.Equal(t, d.ID, m.DebtID)

	_, err = s.MessageByExternalID(ctx, "<nope>")
	assert.ErrorIs(t, err, debt.ErrNotFound)
}

func TestActiveDebtFor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ActiveDebtFor(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, debt.ErrNotFound)

	d := insertTestDebt(t, s, "active@example.com")
	got, err := s.ActiveDebtFor(ctx, "ACTIVE@example.com")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	d.Status = debt.StatusOptedOut
	require.NoError(t, s.Apply(ctx, debt.Change{Debt: d, ExpectedVersion: d.Version}))
	_, err = s.ActiveDebtFor(ctx, "active@example.com")
	assert.ErrorIs(t, err, debt.ErrNotFound)
}

func TestAttachClassification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := insertTestDebt(t, s, "c@example.com")

	msgs, err := s.Messages(ctx, d.ID)
	require.NoError(t, err)

	c := &classify.Classification{Intent: classify.IntentAcceptance, Confidence: 0.95, Source: classify.SourceModel}
	require.NoError(t, s.AttachClassification(ctx, msgs[0].ID, c))

	msgs, err = s.Messages(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, msgs[0].Classification)
	assert.Equal(t, classify.IntentAcceptance, msgs[0].Classification.Intent)

	assert.ErrorIs(t, s.AttachClassification(ctx, "missing", c), debt.ErrNotFound)
}

func TestListDebtsAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestDebt(t, s, "one@example.com")
	d := insertTestDebt(t, s, "two@example.com")
	savings := 2000.0
	d.Status = debt.StatusSettled
	d.ActualSavings = &savings
	require.NoError(t, s.Apply(ctx, debt.Change{Debt: d, ExpectedVersion: d.Version}))

	all, err := s.ListDebts(ctx, debt.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	settled, err := s.ListDebts(ctx, debt.Filter{Status: debt.StatusSettled})
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, d.ID, settled[0].ID)

	limited, err := s.ListDebts(ctx, debt.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[debt.StatusSettled])
	assert.Equal(t, 10000.0, stats.TotalAmount)
	assert.Equal(t, 2000.0, stats.ActualSavings)
}
