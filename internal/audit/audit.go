// Package audit records the protocol message trail. Recording is
// best-effort: an audit failure must never fail the message it
// describes.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hailo-mobility/hailo/internal/platform/metrics"
	"github.com/hailo-mobility/hailo/internal/storage"
)

// RetentionWindow is how long trail entries are kept.
const RetentionWindow = 7 * 24 * time.Hour

// Recorder appends trail entries to the audit store. A nil Recorder is
// safe to call and records nothing.
type Recorder struct {
	store storage.AuditStore
	clock func() time.Time
	newID func() string
}

// NewRecorder wraps store. clock and newID may be nil.
func NewRecorder(store storage.AuditStore, clock func() time.Time, newID func() string) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return &Recorder{store: store, clock: clock, newID: newID}
}

// Record appends one entry. Store failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, entry storage.AuditRecord) {
	if r == nil || r.store == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = r.newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.clock().UTC()
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		metrics.AuditWriteFailures.Inc()
		log.Printf("audit: append %s %s entry for %s: %v", entry.Direction, entry.Action, entry.TransactionID, err)
	}
}

// PurgeExpired deletes entries past the retention window.
func (r *Recorder) PurgeExpired(ctx context.Context) (int64, error) {
	if r == nil || r.store == nil {
		return 0, nil
	}
	cutoff := r.clock().UTC().Add(-RetentionWindow)
	return r.store.PurgeAuditBefore(ctx, cutoff)
}

// RunRetentionLoop purges expired entries on the given interval until
// ctx is cancelled.
func (r *Recorder) RunRetentionLoop(ctx context.Context, interval time.Duration) {
	if r == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := r.PurgeExpired(ctx)
			if err != nil {
				log.Printf("audit: retention purge: %v", err)
				continue
			}
			if purged > 0 {
				log.Printf("audit: purged %d expired entries", purged)
			}
		}
	}
}
