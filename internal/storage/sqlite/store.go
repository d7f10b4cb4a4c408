// Package sqlite provides SQLite-backed persistence for the gateway's
// transaction, audit, settlement and grievance state.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hailo-mobility/hailo/internal/platform/storage/sqlitemigrate"
	"github.com/hailo-mobility/hailo/internal/storage"
	"github.com/hailo-mobility/hailo/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for gateway state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// optionalMillis maps the zero time to 0 so it survives the round trip.
func optionalMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return toMillis(value)
}

func optionalFromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return fromMillis(value)
}

// Open opens the gateway SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type scanner func(dest ...any) error

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}

// PutTransaction creates one transaction row. An existing row with the
// same id yields ErrConflict.
func (s *Store) PutTransaction(ctx context.Context, record storage.TransactionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeTransactionRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO transactions (
	transaction_id, status, fulfillment_status, bpp_id, bpp_uri,
	provider_id, item_id, order_id, fulfillment_id, pickup_gps, drop_gps,
	results_json, quote_json, order_json, driver_json, cancellation_reason,
	search_expires_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		normalized.TransactionID,
		normalized.Status,
		normalized.FulfillmentStatus,
		normalized.BppID,
		normalized.BppURI,
		normalized.ProviderID,
		normalized.ItemID,
		normalized.OrderID,
		normalized.FulfillmentID,
		normalized.PickupGPS,
		normalized.DropGPS,
		normalized.ResultsJSON,
		normalized.QuoteJSON,
		normalized.OrderJSON,
		normalized.DriverJSON,
		normalized.CancellationReason,
		optionalMillis(normalized.SearchExpiresAt),
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put transaction: %w", err)
	}
	return nil
}

// GetTransaction loads one transaction by id.
func (s *Store) GetTransaction(ctx context.Context, transactionID string) (storage.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.TransactionRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.TransactionRecord{}, fmt.Errorf("storage is not configured")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return storage.TransactionRecord{}, fmt.Errorf("transaction id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT transaction_id, status, fulfillment_status, bpp_id, bpp_uri,
       provider_id, item_id, order_id, fulfillment_id, pickup_gps, drop_gps,
       results_json, quote_json, order_json, driver_json, cancellation_reason,
       search_expires_at, created_at, updated_at
FROM transactions
WHERE transaction_id = ?
`, transactionID)
	record, err := scanTransaction(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TransactionRecord{}, storage.ErrNotFound
		}
		return storage.TransactionRecord{}, fmt.Errorf("get transaction: %w", err)
	}
	return record, nil
}

// UpdateTransaction writes one transaction row conditional on its
// current status. The losing writer of a status race gets ErrConflict.
func (s *Store) UpdateTransaction(ctx context.Context, record storage.TransactionRecord, expected storage.TransactionStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeTransactionRecord(record)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(expected)) == "" {
		return fmt.Errorf("expected status is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE transactions
SET status = ?, fulfillment_status = ?, bpp_id = ?, bpp_uri = ?,
    provider_id = ?, item_id = ?, order_id = ?, fulfillment_id = ?,
    pickup_gps = ?, drop_gps = ?, results_json = ?, quote_json = ?,
    order_json = ?, driver_json = ?, cancellation_reason = ?,
    search_expires_at = ?, updated_at = ?
WHERE transaction_id = ? AND status = ?
`,
		normalized.Status,
		normalized.FulfillmentStatus,
		normalized.BppID,
		normalized.BppURI,
		normalized.ProviderID,
		normalized.ItemID,
		normalized.OrderID,
		normalized.FulfillmentID,
		normalized.PickupGPS,
		normalized.DropGPS,
		normalized.ResultsJSON,
		normalized.QuoteJSON,
		normalized.OrderJSON,
		normalized.DriverJSON,
		normalized.CancellationReason,
		optionalMillis(normalized.SearchExpiresAt),
		toMillis(normalized.UpdatedAt),
		normalized.TransactionID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transaction rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetTransaction(ctx, normalized.TransactionID); errors.Is(getErr, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return storage.ErrConflict
	}
	return nil
}

// ListTransactions lists transactions most recently updated first.
func (s *Store) ListTransactions(ctx context.Context, limit int) ([]storage.TransactionRecord, error) {
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
SELECT transaction_id, status, fulfillment_status, bpp_id, bpp_uri,
       provider_id, item_id, order_id, fulfillment_id, pickup_gps, drop_gps,
       results_json, quote_json, order_json, driver_json, cancellation_reason,
       search_expires_at, created_at, updated_at
FROM transactions
ORDER BY updated_at DESC, transaction_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	results := make([]storage.TransactionRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanTransaction(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transaction row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return results, nil
}

// AppendRideEvent appends one tracking breadcrumb. The sequence number
// is assigned by the store; callers must not supply one.
func (s *Store) AppendRideEvent(ctx context.Context, record storage.RideEventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.TransactionID = strings.TrimSpace(record.TransactionID)
	record.EventType = strings.TrimSpace(record.EventType)
	record.GPS = strings.TrimSpace(record.GPS)
	record.DetailsJSON = strings.TrimSpace(record.DetailsJSON)
	if record.DetailsJSON == "" {
		record.DetailsJSON = "{}"
	}
	if record.TransactionID == "" {
		return fmt.Errorf("transaction id is required")
	}
	if record.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if record.RecordedAt.IsZero() {
		return fmt.Errorf("recorded_at is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ride_events (transaction_id, sequence, event_type, gps, details_json, recorded_at)
VALUES (
	?,
	(SELECT COALESCE(MAX(sequence), 0) + 1 FROM ride_events WHERE transaction_id = ?),
	?, ?, ?, ?
)
`,
		record.TransactionID,
		record.TransactionID,
		record.EventType,
		record.GPS,
		record.DetailsJSON,
		toMillis(record.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("append ride event: %w", err)
	}
	return nil
}

// ListRideEvents lists one transaction's breadcrumbs in append order.
func (s *Store) ListRideEvents(ctx context.Context, transactionID string) ([]storage.RideEventRecord, error) {
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
SELECT transaction_id, sequence, event_type, gps, details_json, recorded_at
FROM ride_events
WHERE transaction_id = ?
ORDER BY sequence ASC
`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list ride events: %w", err)
	}
	defer rows.Close()

	var results []storage.RideEventRecord
	for rows.Next() {
		var record storage.RideEventRecord
		var recordedAt int64
		if err := rows.Scan(
			&record.TransactionID,
			&record.Sequence,
			&record.EventType,
			&record.GPS,
			&record.DetailsJSON,
			&recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ride event row: %w", err)
		}
		record.RecordedAt = fromMillis(recordedAt)
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ride event rows: %w", err)
	}
	return results, nil
}

func normalizeTransactionRecord(record storage.TransactionRecord) (storage.TransactionRecord, error) {
	record.TransactionID = strings.TrimSpace(record.TransactionID)
	record.Status = storage.TransactionStatus(strings.TrimSpace(string(record.Status)))
	record.FulfillmentStatus = storage.FulfillmentStatus(strings.TrimSpace(string(record.FulfillmentStatus)))
	record.BppID = strings.TrimSpace(record.BppID)
	record.BppURI = strings.TrimSpace(record.BppURI)
	record.ResultsJSON = strings.TrimSpace(record.ResultsJSON)
	if record.ResultsJSON == "" {
		record.ResultsJSON = "[]"
	}
	if record.TransactionID == "" {
		return storage.TransactionRecord{}, fmt.Errorf("transaction id is required")
	}
	if record.Status == "" {
		return storage.TransactionRecord{}, fmt.Errorf("transaction status is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.TransactionRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return storage.TransactionRecord{}, fmt.Errorf("updated_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	record.SearchExpiresAt = record.SearchExpiresAt.UTC()
	return record, nil
}

func scanTransaction(scan scanner) (storage.TransactionRecord, error) {
	var record storage.TransactionRecord
	var searchExpiresAt int64
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.TransactionID,
		&record.Status,
		&record.FulfillmentStatus,
		&record.BppID,
		&record.BppURI,
		&record.ProviderID,
		&record.ItemID,
		&record.OrderID,
		&record.FulfillmentID,
		&record.PickupGPS,
		&record.DropGPS,
		&record.ResultsJSON,
		&record.QuoteJSON,
		&record.OrderJSON,
		&record.DriverJSON,
		&record.CancellationReason,
		&searchExpiresAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.TransactionRecord{}, err
	}
	record.SearchExpiresAt = optionalFromMillis(searchExpiresAt)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
