package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hailo-mobility/hailo/internal/storage"
)

// AppendAudit appends one protocol trail entry.
func (s *Store) AppendAudit(ctx context.Context, record storage.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.ID = strings.TrimSpace(record.ID)
	record.Action = strings.TrimSpace(record.Action)
	record.PayloadJSON = strings.TrimSpace(record.PayloadJSON)
	if record.PayloadJSON == "" {
		record.PayloadJSON = "{}"
	}
	if record.ID == "" {
		return fmt.Errorf("audit entry id is required")
	}
	if record.Action == "" {
		return fmt.Errorf("audit action is required")
	}
	if record.Direction == "" {
		return fmt.Errorf("audit direction is required")
	}
	if record.Status == "" {
		return fmt.Errorf("audit status is required")
	}
	if record.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_entries (
	id, transaction_id, message_id, action, direction, status,
	error_detail, payload_json, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		strings.TrimSpace(record.TransactionID),
		strings.TrimSpace(record.MessageID),
		record.Action,
		record.Direction,
		record.Status,
		strings.TrimSpace(record.ErrorDetail),
		record.PayloadJSON,
		toMillis(record.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListAuditByTransaction lists one transaction's trail oldest-first.
func (s *Store) ListAuditByTransaction(ctx context.Context, transactionID string) ([]storage.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, fmt.Errorf("transaction id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, transaction_id, message_id, action, direction, status,
       error_detail, payload_json, created_at
FROM audit_entries
WHERE transaction_id = ?
ORDER BY created_at ASC, id ASC
`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var results []storage.AuditRecord
	for rows.Next() {
		var record storage.AuditRecord
		var createdAt int64
		if err := rows.Scan(
			&record.ID,
			&record.TransactionID,
			&record.MessageID,
			&record.Action,
			&record.Direction,
			&record.Status,
			&record.ErrorDetail,
			&record.PayloadJSON,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return results, nil
}

// PurgeAuditBefore deletes trail entries older than cutoff and returns
// the number removed.
func (s *Store) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM audit_entries WHERE created_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge audit rows affected: %w", err)
	}
	return affected, nil
}
