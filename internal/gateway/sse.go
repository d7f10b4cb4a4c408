package gateway

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/hailo-mobility/hailo/internal/correlator"
	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/transaction"
)

// handleEvents streams the next callback for one transaction step as a
// server-sent event. The stream delivers one event and closes: either
// the awaited callback or a timeout marker after the protocol TTL.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	transactionID := r.PathValue("id")
	step := r.URL.Query().Get("step")
	if !slices.Contains(transaction.UpdateSteps, step) {
		writeError(w, apperrors.New(apperrors.CodeInvalidRequest,
			fmt.Sprintf("step %q is not a subscribable update", step)))
		return
	}
	if _, err := h.transactions.Get(r.Context(), transactionID); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnknown, "streaming unsupported"))
		return
	}

	// Subscribe before the headers go out so a callback racing the
	// stream setup is not lost.
	events, cancel := h.transactions.Arena().Subscribe(correlator.Topic(step, transactionID))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	timer := time.NewTimer(h.transactions.TTL())
	defer timer.Stop()

	select {
	case <-r.Context().Done():
	case payload := <-events:
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", step, payload)
		flusher.Flush()
	case <-timer.C:
		fmt.Fprintf(w, "event: timeout\ndata: {\"transaction_id\":%q,\"step\":%q}\n\n", transactionID, step)
		flusher.Flush()
	}
}
