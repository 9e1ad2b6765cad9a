package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/debt-negotiator/negotiator/internal/debt"
)

const debtColumns = `id, owner_id, creditor_name, counterpart, amount, status, conversation_count,
	negotiation_round, projected_savings, prospected_savings, actual_savings,
	letter_json, classification_json, approval_json, outcome_json, version, created_at, updated_at`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanDebt handles nullable and JSON columns when scanning a row
func scanDebt(scanner interface{ Scan(...any) error }) (*debt.Debt, error) {
	var d debt.Debt
	var prospected, actual sql.NullFloat64
	var letter, classification, approval, outcome sql.NullString
	var createdAt, updatedAt int64

	err := scanner.Scan(&d.ID, &d.OwnerID, &d.CreditorName, &d.Counterpart, &d.Amount, &d.Status,
		&d.ConversationCount, &d.NegotiationRound, &d.ProjectedSavings, &prospected, &actual,
		&letter, &classification, &approval, &outcome, &d.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.ProspectedSavings = floatPtr(prospected)
	d.ActualSavings = floatPtr(actual)
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)

	if err := unmarshalNull(letter, &d.Extension.Letter); err != nil {
		return nil, fmt.Errorf("letter: %w", err)
	}
	if err := unmarshalNull(classification, &d.Extension.Classification); err != nil {
		return nil, fmt.Errorf("classification: %w", err)
	}
	if err := unmarshalNull(approval, &d.Extension.Approval); err != nil {
		return nil, fmt.Errorf("approval: %w", err)
	}
	if err := unmarshalNull(outcome, &d.Extension.Outcome); err != nil {
		return nil, fmt.Errorf("outcome: %w", err)
	}
	return &d, nil
}

func unmarshalNull[T any](s sql.NullString, dst **T) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func marshalNull[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// GetDebt returns one debt.
func (s *SQLStore) GetDebt(ctx context.Context, id string) (*debt.Debt, error) {
	return getDebt(ctx, s.db, id)
}

func getDebt(ctx context.Context, q queryer, id string) (*debt.Debt, error) {
	row := q.QueryRowContext(ctx, `SELECT `+debtColumns+` FROM debts WHERE id = ?`, id)
	d, err := scanDebt(row)
	if err != nil {
		return nil, wrapNotFound(err, "debt "+id)
	}
	return d, nil
}

// ListDebts returns debts matching the filter, most recently updated first.
func (s *SQLStore) ListDebts(ctx context.Context, f debt.Filter) ([]debt.Debt, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Counterpart != "" {
		where = append(where, "counterpart = ?")
		args = append(args, strings.ToLower(f.Counterpart))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}

	query := `SELECT ` + debtColumns + ` FROM debts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query debts: %w", err)
	}
	defer rows.Close()

	var debts []debt.Debt
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan debt: %w", err)
		}
		debts = append(debts, *d)
	}
	return debts, rows.Err()
}

// ActiveDebtFor returns the most recent non-terminal debt for a counterpart.
func (s *SQLStore) ActiveDebtFor(ctx context.Context, counterpart string) (*debt.Debt, error) {
	terminal := []any{strings.ToLower(counterpart)}
	var marks []string
	for _, st := range debt.Statuses {
		if st.Terminal() {
			marks = append(marks, "?")
			terminal = append(terminal, string(st))
		}
	}

	query := `SELECT ` + debtColumns + ` FROM debts WHERE counterpart = ? AND status NOT IN (` +
		strings.Join(marks, ", ") + `) ORDER BY updated_at DESC, id LIMIT 1`
	d, err := scanDebt(s.db.QueryRowContext(ctx, query, terminal...))
	if err != nil {
		return nil, wrapNotFound(err, "active debt for "+counterpart)
	}
	return d, nil
}

// Apply writes a change atomically. Updates are compare-and-swap on the debt
// version; a lost race returns debt.ErrConflict. A message whose external id
// is already stored returns debt.ErrDuplicate. On success the debt's Version
// and UpdatedAt reflect the stored row.
func (s *SQLStore) Apply(ctx context.Context, c debt.Change) error {
	if c.Debt == nil {
		return fmt.Errorf("%w: change has no debt", debt.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	d := *c.Debt
	d.Counterpart = strings.ToLower(d.Counterpart)
	d.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	d.Version = c.ExpectedVersion + 1

	if c.ExpectedVersion == 0 {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = d.UpdatedAt
		}
		err = insertDebt(ctx, tx, &d)
	} else {
		err = updateDebt(ctx, tx, &d, c.ExpectedVersion)
	}
	if err != nil {
		return err
	}

	for i := range c.Messages {
		if c.Messages[i].DebtID == "" {
			c.Messages[i].DebtID = d.ID
		}
		if err := insertMessage(ctx, tx, &c.Messages[i]); err != nil {
			return err
		}
	}

	if c.Variables != nil {
		if err := replaceVariables(ctx, tx, d.ID, c.Variables); err != nil {
			return err
		}
	}

	for i := range c.Audit {
		if c.Audit[i].DebtID == "" {
			c.Audit[i].DebtID = d.ID
		}
		if err := insertAudit(ctx, tx, &c.Audit[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit change: %w", err)
	}

	*c.Debt = d
	return nil
}

func debtArgs(d *debt.Debt) ([]any, error) {
	letter, err := marshalNull(d.Extension.Letter)
	if err != nil {
		return nil, fmt.Errorf("failed to encode letter: %w", err)
	}
	classification, err := marshalNull(d.Extension.Classification)
	if err != nil {
		return nil, fmt.Errorf("failed to encode classification: %w", err)
	}
	approval, err := marshalNull(d.Extension.Approval)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approval: %w", err)
	}
	outcome, err := marshalNull(d.Extension.Outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outcome: %w", err)
	}

	return []any{
		d.OwnerID, d.CreditorName, d.Counterpart, d.Amount, string(d.Status), d.ConversationCount,
		d.NegotiationRound, d.ProjectedSavings, nullFloat(d.ProspectedSavings), nullFloat(d.ActualSavings),
		letter, classification, approval, outcome, d.Version, toMillis(d.UpdatedAt),
	}, nil
}

func insertDebt(ctx context.Context, tx *sql.Tx, d *debt.Debt) error {
	args, err := debtArgs(d)
	if err != nil {
		return err
	}
	args = append([]any{d.ID}, args...)
	args = append(args, toMillis(d.CreatedAt))

	_, err = tx.ExecContext(ctx, `
	INSERT INTO debts (id, owner_id, creditor_name, counterpart, amount, status, conversation_count,
		negotiation_round, projected_savings, prospected_savings, actual_savings,
		letter_json, classification_json, approval_json, outcome_json, version, updated_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("debt %s: %w", d.ID, debt.ErrConflict)
		}
		return fmt.Errorf("failed to insert debt: %w", err)
	}
	return nil
}

func updateDebt(ctx context.Context, tx *sql.Tx, d *debt.Debt, expected int64) error {
	args, err := debtArgs(d)
	if err != nil {
		return err
	}
	args = append(args, d.ID, expected)

	result, err := tx.ExecContext(ctx, `
	UPDATE debts SET owner_id = ?, creditor_name = ?, counterpart = ?, amount = ?, status = ?,
		conversation_count = ?, negotiation_round = ?, projected_savings = ?, prospected_savings = ?,
		actual_savings = ?, letter_json = ?, classification_json = ?, approval_json = ?, outcome_json = ?,
		version = ?, updated_at = ?
	WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update debt: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("debt %s at version %d: %w", d.ID, expected, debt.ErrConflict)
	}
	return nil
}

// Stats summarizes all debts.
func (s *SQLStore) Stats(ctx context.Context) (*debt.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(amount), 0),
		COALESCE(SUM(actual_savings), 0) FROM debts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	defer rows.Close()

	stats := &debt.Stats{ByStatus: make(map[debt.Status]int)}
	for rows.Next() {
		var status string
		var count int
		var amount, savings float64
		if err := rows.Scan(&status, &count, &amount, &savings); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.ByStatus[debt.Status(status)] = count
		stats.Total += count
		stats.TotalAmount += amount
		stats.ActualSavings += savings
	}
	return stats, rows.Err()
}
