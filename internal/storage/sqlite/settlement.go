package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hailo-mobility/hailo/internal/storage"
)

// UpsertSettlement writes one order's reconciliation state, replacing
// any prior row for the same order id.
func (s *Store) UpsertSettlement(ctx context.Context, record storage.SettlementRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeSettlementRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO settlements (
	order_id, transaction_id, settlement_id, status, urn, amount,
	currency, settlement_type, details_json, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(order_id) DO UPDATE SET
	transaction_id = excluded.transaction_id,
	settlement_id = excluded.settlement_id,
	status = excluded.status,
	urn = excluded.urn,
	amount = excluded.amount,
	currency = excluded.currency,
	settlement_type = excluded.settlement_type,
	details_json = excluded.details_json,
	updated_at = excluded.updated_at
`,
		normalized.OrderID,
		normalized.TransactionID,
		normalized.SettlementID,
		normalized.Status,
		normalized.URN,
		normalized.Amount,
		normalized.Currency,
		normalized.SettlementType,
		normalized.DetailsJSON,
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert settlement: %w", err)
	}
	return nil
}

// GetSettlement loads one order's reconciliation state.
func (s *Store) GetSettlement(ctx context.Context, orderID string) (storage.SettlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SettlementRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SettlementRecord{}, fmt.Errorf("storage is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return storage.SettlementRecord{}, fmt.Errorf("order id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT order_id, transaction_id, settlement_id, status, urn, amount,
       currency, settlement_type, details_json, created_at, updated_at
FROM settlements
WHERE order_id = ?
`, orderID)
	record, err := scanSettlement(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SettlementRecord{}, storage.ErrNotFound
		}
		return storage.SettlementRecord{}, fmt.Errorf("get settlement: %w", err)
	}
	return record, nil
}

// ListSettlements lists reconciliation rows most recently updated first.
func (s *Store) ListSettlements(ctx context.Context, limit int) ([]storage.SettlementRecord, error) {
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
SELECT order_id, transaction_id, settlement_id, status, urn, amount,
       currency, settlement_type, details_json, created_at, updated_at
FROM settlements
ORDER BY updated_at DESC, order_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	results := make([]storage.SettlementRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanSettlement(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan settlement row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlement rows: %w", err)
	}
	return results, nil
}

func normalizeSettlementRecord(record storage.SettlementRecord) (storage.SettlementRecord, error) {
	record.OrderID = strings.TrimSpace(record.OrderID)
	record.TransactionID = strings.TrimSpace(record.TransactionID)
	record.SettlementID = strings.TrimSpace(record.SettlementID)
	record.Status = storage.SettlementStatus(strings.TrimSpace(string(record.Status)))
	record.URN = strings.TrimSpace(record.URN)
	record.Amount = strings.TrimSpace(record.Amount)
	record.Currency = strings.TrimSpace(record.Currency)
	record.SettlementType = strings.TrimSpace(record.SettlementType)
	record.DetailsJSON = strings.TrimSpace(record.DetailsJSON)
	if record.DetailsJSON == "" {
		record.DetailsJSON = "{}"
	}
	if record.OrderID == "" {
		return storage.SettlementRecord{}, fmt.Errorf("order id is required")
	}
	if record.Status == "" {
		return storage.SettlementRecord{}, fmt.Errorf("settlement status is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.SettlementRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return storage.SettlementRecord{}, fmt.Errorf("updated_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func scanSettlement(scan scanner) (storage.SettlementRecord, error) {
	var record storage.SettlementRecord
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.OrderID,
		&record.TransactionID,
		&record.SettlementID,
		&record.Status,
		&record.URN,
		&record.Amount,
		&record.Currency,
		&record.SettlementType,
		&record.DetailsJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.SettlementRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
