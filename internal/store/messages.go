package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/debt-negotiator/negotiator/internal/classify"
	"github.com/debt-negotiator/negotiator/internal/debt"
)

// ==================== Message Methods ====================

const messageColumns = `id, debt_id, external_id, msg_type, direction, subject, body, counterpart,
	classification_json, created_at`

func scanMessage(scanner interface{ Scan(...any) error }) (*debt.Message, error) {
	var m debt.Message
	var externalID, classification sql.NullString
	var createdAt int64

	err := scanner.Scan(&m.ID, &m.DebtID, &externalID, &m.Type, &m.Direction, &m.Subject, &m.Body,
		&m.Counterpart, &classification, &createdAt)
	if err != nil {
		return nil, err
	}

	m.ExternalID = externalID.String
	m.CreatedAt = fromMillis(createdAt)
	if err := unmarshalNull(classification, &m.Classification); err != nil {
		return nil, fmt.Errorf("classification: %w", err)
	}
	return &m, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, m *debt.Message) error {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.ExternalID != "" {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE external_id = ?`, m.ExternalID).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check message id: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("message %s: %w", m.ExternalID, debt.ErrDuplicate)
		}
	}

	classification, err := marshalNull(m.Classification)
	if err != nil {
		return fmt.Errorf("failed to encode classification: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO messages (id, debt_id, external_id, msg_type, direction, subject, body, counterpart,
		classification_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.DebtID, nullString(m.ExternalID), string(m.Type), string(m.Direction),
		m.Subject, m.Body, m.Counterpart, classification, toMillis(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s: %w", m.ExternalID, debt.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Messages returns a debt's conversation in order.
func (s *SQLStore) Messages(ctx context.Context, debtID string) ([]debt.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE debt_id = ? ORDER BY id`, debtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []debt.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// MessageByExternalID finds a stored message by its external id.
func (s *SQLStore) MessageByExternalID(ctx context.Context, externalID string) (*debt.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = ?`, externalID))
	if err != nil {
		return nil, wrapNotFound(err, "message "+externalID)
	}
	return m, nil
}

// AttachClassification records the analysis of a stored message.
func (s *SQLStore) AttachClassification(ctx context.Context, messageID string, c *classify.Classification) error {
	data, err := marshalNull(c)
	if err != nil {
		return fmt.Errorf("failed to encode classification: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET classification_json = ? WHERE id = ?`, data, messageID)
	if err != nil {
		return fmt.Errorf("failed to attach classification: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("message %s: %w", messageID, debt.ErrNotFound)
	}
	return nil
}

// ==================== Variable Methods ====================

func replaceVariables(ctx context.Context, tx *sql.Tx, debtID string, values map[string]string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM variables WHERE debt_id = ?`, debtID); err != nil {
		return fmt.Errorf("failed to clear variables: %w", err)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		_, err := tx.ExecContext(ctx, `INSERT INTO variables (debt_id, name, value) VALUES (?, ?, ?)`,
			debtID, name, values[name])
		if err != nil {
			return fmt.Errorf("failed to insert variable %s: %w", name, err)
		}
	}
	return nil
}

// Variables returns a debt's variable values by name.
func (s *SQLStore) Variables(ctx context.Context, debtID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM variables WHERE debt_id = ?`, debtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query variables: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		values[name] = value
	}
	return values, rows.Err()
}

// ==================== Audit Methods ====================

func insertAudit(ctx context.Context, q queryer, e *debt.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `INSERT INTO audit_log (id, debt_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.DebtID, string(e.Action), e.Detail, toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// AppendAudit appends an entry outside of a debt change.
func (s *SQLStore) AppendAudit(ctx context.Context, e debt.AuditEntry) error {
	return insertAudit(ctx, s.db, &e)
}

// AuditLog returns a debt's audit trail in order.
func (s *SQLStore) AuditLog(ctx context.Context, debtID string) ([]debt.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, debt_id, action, detail, created_at FROM audit_log WHERE debt_id = ? ORDER BY created_at, id`, debtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []debt.AuditEntry
	for rows.Next() {
		var e debt.AuditEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.DebtID, &e.Action, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
