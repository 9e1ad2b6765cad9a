package store

import (
	"context"
	"fmt"
	"strings"
)

var tables = []string{
	`CREATE TABLE IF NOT EXISTS debts (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		owner_id VARCHAR(64) NOT NULL DEFAULT '',
		creditor_name VARCHAR(255) NOT NULL DEFAULT '',
		counterpart VARCHAR(255) NOT NULL,
		amount DOUBLE NOT NULL DEFAULT 0,
		status VARCHAR(32) NOT NULL,
		conversation_count INT NOT NULL DEFAULT 0,
		negotiation_round INT NOT NULL DEFAULT 1,
		projected_savings DOUBLE NOT NULL DEFAULT 0,
		prospected_savings DOUBLE NULL,
		actual_savings DOUBLE NULL,
		letter_json TEXT NULL,
		classification_json TEXT NULL,
		approval_json TEXT NULL,
		outcome_json TEXT NULL,
		version BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL/*indexes*/
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		debt_id VARCHAR(64) NOT NULL,
		external_id VARCHAR(255) NULL UNIQUE,
		msg_type VARCHAR(32) NOT NULL,
		direction VARCHAR(16) NOT NULL,
		subject TEXT NOT NULL,
		body MEDIUMTEXT NOT NULL,
		counterpart VARCHAR(255) NOT NULL DEFAULT '',
		classification_json TEXT NULL,
		created_at BIGINT NOT NULL/*indexes*/
	)`,
	`CREATE TABLE IF NOT EXISTS variables (
		debt_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (debt_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		debt_id VARCHAR(64) NOT NULL,
		action VARCHAR(64) NOT NULL,
		detail TEXT NOT NULL,
		created_at BIGINT NOT NULL/*indexes*/
	)`,
}

// mysqlIndexes are declared inline; sqliteIndexes as separate statements.
var mysqlIndexes = []string{
	",\n\t\tINDEX idx_debts_counterpart (counterpart),\n\t\tINDEX idx_debts_status (status)",
	",\n\t\tINDEX idx_messages_debt (debt_id)",
	"",
	",\n\t\tINDEX idx_audit_debt (debt_id)",
}

var sqliteIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_debts_counterpart ON debts(counterpart)`,
	`CREATE INDEX IF NOT EXISTS idx_debts_status ON debts(status)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_debt ON messages(debt_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_debt ON audit_log(debt_id)`,
}

func (s *SQLStore) migrate(ctx context.Context) error {
	var statements []string
	for i, table := range tables {
		index := ""
		if s.driver == DriverMySQL {
			index = mysqlIndexes[i]
		}
		statements = append(statements, strings.Replace(table, "/*indexes*/", index, 1))
	}
	if s.driver == DriverSQLite {
		statements = append(statements, sqliteIndexes...)
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return nil
}
