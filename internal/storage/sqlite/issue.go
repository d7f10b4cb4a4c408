package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hailo-mobility/hailo/internal/storage"
)

// PutIssue creates one grievance row. A duplicate issue id yields
// ErrConflict.
func (s *Store) PutIssue(ctx context.Context, record storage.IssueRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeIssueRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO issues (
	issue_id, transaction_id, order_id, status, category, sub_category,
	short_description, long_description, resolution_json, complainant_id,
	bpp_id, bpp_uri, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		normalized.IssueID,
		normalized.TransactionID,
		normalized.OrderID,
		normalized.Status,
		normalized.Category,
		normalized.SubCategory,
		normalized.ShortDescription,
		normalized.LongDescription,
		normalized.ResolutionJSON,
		normalized.ComplainantID,
		normalized.BppID,
		normalized.BppURI,
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put issue: %w", err)
	}
	return nil
}

// GetIssue loads one grievance by issue id.
func (s *Store) GetIssue(ctx context.Context, issueID string) (storage.IssueRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.IssueRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.IssueRecord{}, fmt.Errorf("storage is not configured")
	}
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return storage.IssueRecord{}, fmt.Errorf("issue id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT issue_id, transaction_id, order_id, status, category, sub_category,
       short_description, long_description, resolution_json, complainant_id,
       bpp_id, bpp_uri, created_at, updated_at
FROM issues
WHERE issue_id = ?
`, issueID)
	record, err := scanIssue(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.IssueRecord{}, storage.ErrNotFound
		}
		return storage.IssueRecord{}, fmt.Errorf("get issue: %w", err)
	}
	return record, nil
}

// UpdateIssue writes one grievance row conditional on its current
// status.
func (s *Store) UpdateIssue(ctx context.Context, record storage.IssueRecord, expected storage.IssueStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeIssueRecord(record)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(expected)) == "" {
		return fmt.Errorf("expected status is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE issues
SET status = ?, category = ?, sub_category = ?, short_description = ?,
    long_description = ?, resolution_json = ?, complainant_id = ?,
    bpp_id = ?, bpp_uri = ?, updated_at = ?
WHERE issue_id = ? AND status = ?
`,
		normalized.Status,
		normalized.Category,
		normalized.SubCategory,
		normalized.ShortDescription,
		normalized.LongDescription,
		normalized.ResolutionJSON,
		normalized.ComplainantID,
		normalized.BppID,
		normalized.BppURI,
		toMillis(normalized.UpdatedAt),
		normalized.IssueID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update issue rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetIssue(ctx, normalized.IssueID); errors.Is(getErr, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return storage.ErrConflict
	}
	return nil
}

// ListIssues lists grievances most recently updated first.
func (s *Store) ListIssues(ctx context.Context, limit int) ([]storage.IssueRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT issue_id, transaction_id, order_id, status, category, sub_category,
       short_description, long_description, resolution_json, complainant_id,
       bpp_id, bpp_uri, created_at, updated_at
FROM issues
ORDER BY updated_at DESC, issue_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	results := make([]storage.IssueRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanIssue(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan issue row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue rows: %w", err)
	}
	return results, nil
}

func normalizeIssueRecord(record storage.IssueRecord) (storage.IssueRecord, error) {
	record.IssueID = strings.TrimSpace(record.IssueID)
	record.TransactionID = strings.TrimSpace(record.TransactionID)
	record.OrderID = strings.TrimSpace(record.OrderID)
	record.Status = storage.IssueStatus(strings.TrimSpace(string(record.Status)))
	record.Category = strings.TrimSpace(record.Category)
	record.SubCategory = strings.TrimSpace(record.SubCategory)
	record.ShortDescription = strings.TrimSpace(record.ShortDescription)
	record.ResolutionJSON = strings.TrimSpace(record.ResolutionJSON)
	record.ComplainantID = strings.TrimSpace(record.ComplainantID)
	record.BppID = strings.TrimSpace(record.BppID)
	record.BppURI = strings.TrimSpace(record.BppURI)
	if record.IssueID == "" {
		return storage.IssueRecord{}, fmt.Errorf("issue id is required")
	}
	if record.Status == "" {
		return storage.IssueRecord{}, fmt.Errorf("issue status is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.IssueRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return storage.IssueRecord{}, fmt.Errorf("updated_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func scanIssue(scan scanner) (storage.IssueRecord, error) {
	var record storage.IssueRecord
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.IssueID,
		&record.TransactionID,
		&record.OrderID,
		&record.Status,
		&record.Category,
		&record.SubCategory,
		&record.ShortDescription,
		&record.LongDescription,
		&record.ResolutionJSON,
		&record.ComplainantID,
		&record.BppID,
		&record.BppURI,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.IssueRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
