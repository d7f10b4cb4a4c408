package recon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/protocol"
	"github.com/hailo-mobility/hailo/internal/storage"
)

type fakeSettlementStore struct {
	records map[string]storage.SettlementRecord
}

func newFakeSettlementStore() *fakeSettlementStore {
	return &fakeSettlementStore{records: map[string]storage.SettlementRecord{}}
}

func (f *fakeSettlementStore) UpsertSettlement(_ context.Context, record storage.SettlementRecord) error {
	f.records[record.OrderID] = record
	return nil
}

func (f *fakeSettlementStore) GetSettlement(_ context.Context, orderID string) (storage.SettlementRecord, error) {
	record, ok := f.records[orderID]
	if !ok {
		return storage.SettlementRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeSettlementStore) ListSettlements(_ context.Context, limit int) ([]storage.SettlementRecord, error) {
	results := make([]storage.SettlementRecord, 0, len(f.records))
	for _, record := range f.records {
		results = append(results, record)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func orderbookEnvelope(t *testing.T, orders ...map[string]any) protocol.Envelope {
	t.Helper()
	message, err := json.Marshal(map[string]any{"orderbook": map[string]any{"orders": orders}})
	if err != nil {
		t.Fatal(err)
	}
	return protocol.Envelope{
		Context: protocol.Context{Action: protocol.ActionOnReceiverRecon, TransactionID: "txn-recon"},
		Message: message,
	}
}

func TestApplyOrderbookUpsertsOrders(t *testing.T) {
	store := newFakeSettlementStore()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	service := NewService(store, func() time.Time { return now })

	env := orderbookEnvelope(t,
		map[string]any{
			"id":            "order-1",
			"status":        "SETTLED",
			"settlement_id": "settle-42",
			"payment": map[string]any{
				"urn":    "urn:settlement:42",
				"type":   "NEFT",
				"params": map[string]any{"amount": "245.00", "currency": "INR"},
			},
		},
		map[string]any{"id": "order-2", "status": "PENDING"},
	)

	result, err := service.ApplyOrderbook(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied != 2 || result.Skipped != 0 {
		t.Errorf("result = %+v", result)
	}

	settled := store.records["order-1"]
	if settled.Status != storage.SettlementSettled {
		t.Errorf("Status = %q", settled.Status)
	}
	if settled.Amount != "245.00" || settled.Currency != "INR" || settled.URN != "urn:settlement:42" {
		t.Errorf("payment fields = %+v", settled)
	}
	if settled.TransactionID != "txn-recon" || settled.SettlementID != "settle-42" {
		t.Errorf("recon identifiers = %+v", settled)
	}
	if settled.DetailsJSON == "" {
		t.Error("raw order body not retained")
	}
}

func TestApplyOrderbookIsolatesBadOrders(t *testing.T) {
	store := newFakeSettlementStore()
	service := NewService(store, nil)

	env := orderbookEnvelope(t,
		map[string]any{"id": "", "status": "SETTLED"},             // missing id
		map[string]any{"id": "order-2", "status": "HALF_SETTLED"}, // unknown status
		map[string]any{"id": "order-3", "status": "PENDING"},
	)

	result, err := service.ApplyOrderbook(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied != 1 || result.Skipped != 2 {
		t.Errorf("result = %+v", result)
	}
	if _, ok := store.records["order-3"]; !ok {
		t.Error("valid sibling order was not applied")
	}
}

func TestSettledIsNeverDemotedByStaleResend(t *testing.T) {
	store := newFakeSettlementStore()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	service := NewService(store, func() time.Time { return now })

	first := orderbookEnvelope(t, map[string]any{"id": "order-1", "status": "SETTLED"})
	if _, err := service.ApplyOrderbook(context.Background(), first); err != nil {
		t.Fatal(err)
	}

	for _, status := range []string{"PENDING", "NOT_SETTLED"} {
		stale := orderbookEnvelope(t, map[string]any{"id": "order-1", "status": status})
		if _, err := service.ApplyOrderbook(context.Background(), stale); err != nil {
			t.Fatal(err)
		}
		if store.records["order-1"].Status != storage.SettlementSettled {
			t.Errorf("%s resend: Status = %q, want SETTLED preserved", status, store.records["order-1"].Status)
		}
	}

	dispute := orderbookEnvelope(t, map[string]any{"id": "order-1", "status": "DISPUTED"})
	if _, err := service.ApplyOrderbook(context.Background(), dispute); err != nil {
		t.Fatal(err)
	}
	if store.records["order-1"].Status != storage.SettlementDisputed {
		t.Errorf("Status = %q, want DISPUTED override", store.records["order-1"].Status)
	}
}

func TestApplyOrderbookRejectsEmptyBatch(t *testing.T) {
	service := NewService(newFakeSettlementStore(), nil)

	env := protocol.Envelope{
		Context: protocol.Context{Action: protocol.ActionOnReceiverRecon},
		Message: json.RawMessage(`{"orderbook":{"orders":[]}}`),
	}
	_, err := service.ApplyOrderbook(context.Background(), env)
	if apperrors.CodeOf(err) != apperrors.CodeMalformedSettlement {
		t.Errorf("CodeOf() = %q, want malformed settlement", apperrors.CodeOf(err))
	}
}

func TestGetMissingSettlement(t *testing.T) {
	service := NewService(newFakeSettlementStore(), nil)
	_, err := service.Get(context.Background(), "order-404")
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Errorf("CodeOf() = %q, want not found", apperrors.CodeOf(err))
	}
}
