package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hailo-mobility/hailo/internal/storage"
)

type fakeAuditStore struct {
	entries   []storage.AuditRecord
	appendErr error
	purged    time.Time
}

func (f *fakeAuditStore) AppendAudit(_ context.Context, record storage.AuditRecord) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.entries = append(f.entries, record)
	return nil
}

func (f *fakeAuditStore) ListAuditByTransaction(context.Context, string) ([]storage.AuditRecord, error) {
	return f.entries, nil
}

func (f *fakeAuditStore) PurgeAuditBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.purged = cutoff
	return 3, nil
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	store := &fakeAuditStore{}
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	recorder := NewRecorder(store, func() time.Time { return now }, func() string { return "aud-1" })

	recorder.Record(context.Background(), storage.AuditRecord{
		TransactionID: "txn-1",
		Action:        "on_search",
		Direction:     storage.DirectionInbound,
		Status:        storage.AuditProcessing,
	})

	if len(store.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(store.entries))
	}
	entry := store.entries[0]
	if entry.ID != "aud-1" {
		t.Errorf("ID = %q", entry.ID)
	}
	if !entry.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v", entry.CreatedAt)
	}
}

func TestRecordSwallowsStoreFailures(t *testing.T) {
	store := &fakeAuditStore{appendErr: errors.New("disk full")}
	recorder := NewRecorder(store, nil, nil)

	// Must not panic or propagate.
	recorder.Record(context.Background(), storage.AuditRecord{
		Action:    "search",
		Direction: storage.DirectionOutbound,
		Status:    storage.AuditSuccess,
	})
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.Record(context.Background(), storage.AuditRecord{})
	if purged, err := recorder.PurgeExpired(context.Background()); err != nil || purged != 0 {
		t.Errorf("PurgeExpired() = %d, %v", purged, err)
	}
}

func TestPurgeExpiredUsesRetentionWindow(t *testing.T) {
	store := &fakeAuditStore{}
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	recorder := NewRecorder(store, func() time.Time { return now }, nil)

	purged, err := recorder.PurgeExpired(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if purged != 3 {
		t.Errorf("purged = %d, want 3", purged)
	}
	want := now.Add(-RetentionWindow)
	if !store.purged.Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.purged, want)
	}
}
