package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hailo-mobility/hailo/internal/grievance"
	"github.com/hailo-mobility/hailo/internal/platform/requestctx"
	"github.com/hailo-mobility/hailo/internal/storage"
	"github.com/hailo-mobility/hailo/internal/transaction"
)

// transactionView is the client-facing shape of one booking.
type transactionView struct {
	TransactionID      string     `json:"transaction_id"`
	Status             string     `json:"status"`
	FulfillmentStatus  string     `json:"fulfillment_status,omitempty"`
	BppID              string     `json:"bpp_id,omitempty"`
	ProviderID         string     `json:"provider_id,omitempty"`
	ItemID             string     `json:"item_id,omitempty"`
	OrderID            string     `json:"order_id,omitempty"`
	PickupGPS          string     `json:"pickup_gps,omitempty"`
	DropGPS            string     `json:"drop_gps,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	SearchExpiresAt    *time.Time `json:"search_expires_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func viewOf(record storage.TransactionRecord) transactionView {
	view := transactionView{
		TransactionID:      record.TransactionID,
		Status:             string(record.Status),
		FulfillmentStatus:  string(record.FulfillmentStatus),
		BppID:              record.BppID,
		ProviderID:         record.ProviderID,
		ItemID:             record.ItemID,
		OrderID:            record.OrderID,
		PickupGPS:          record.PickupGPS,
		DropGPS:            record.DropGPS,
		CancellationReason: record.CancellationReason,
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
	}
	if !record.SearchExpiresAt.IsZero() {
		expires := record.SearchExpiresAt
		view.SearchExpiresAt = &expires
	}
	return view
}

// rideEventView is one tracking breadcrumb.
type rideEventView struct {
	Sequence   int64     `json:"sequence"`
	EventType  string    `json:"event_type"`
	GPS        string    `json:"gps,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// issueView is the client-facing shape of one grievance.
type issueView struct {
	IssueID          string    `json:"issue_id"`
	TransactionID    string    `json:"transaction_id"`
	OrderID          string    `json:"order_id,omitempty"`
	Status           string    `json:"status"`
	Category         string    `json:"category,omitempty"`
	SubCategory      string    `json:"sub_category,omitempty"`
	ShortDescription string    `json:"short_description"`
	ResolutionJSON   string    `json:"resolution,omitempty"`
	ComplainantID    string    `json:"complainant_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func issueViewOf(record storage.IssueRecord) issueView {
	return issueView{
		IssueID:          record.IssueID,
		TransactionID:    record.TransactionID,
		OrderID:          record.OrderID,
		Status:           string(record.Status),
		Category:         record.Category,
		SubCategory:      record.SubCategory,
		ShortDescription: record.ShortDescription,
		ResolutionJSON:   record.ResolutionJSON,
		ComplainantID:    record.ComplainantID,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

// settlementView is the client-facing shape of one settlement row.
type settlementView struct {
	OrderID        string    `json:"order_id"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	SettlementID   string    `json:"settlement_id,omitempty"`
	Status         string    `json:"status"`
	URN            string    `json:"settlement_reference,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	SettlementType string    `json:"settlement_type,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func settlementViewOf(record storage.SettlementRecord) settlementView {
	return settlementView{
		OrderID:        record.OrderID,
		TransactionID:  record.TransactionID,
		SettlementID:   record.SettlementID,
		Status:         string(record.Status),
		URN:            record.URN,
		Amount:         record.Amount,
		Currency:       record.Currency,
		SettlementType: record.SettlementType,
		UpdatedAt:      record.UpdatedAt,
	}
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req transaction.SearchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	started, err := h.transactions.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req transaction.SelectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	started, err := h.transactions.Select(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	var req transaction.InitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	started, err := h.transactions.Init(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req transaction.ConfirmRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	started, err := h.transactions.Confirm(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req transaction.CancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	started, err := h.transactions.Cancel(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

// transactionRef names a transaction in status and track requests.
type transactionRef struct {
	TransactionID string `json:"transaction_id"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req transactionRef
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	started, err := h.transactions.Status(r.Context(), req.TransactionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (h *Handler) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req transactionRef
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	started, err := h.transactions.Track(r.Context(), req.TransactionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := h.transactions.List(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]transactionView, 0, len(records))
	for _, record := range records {
		views = append(views, viewOf(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": views})
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	record, err := h.transactions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(record))
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.transactions.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) handleRideEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.transactions.RideHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]rideEventView, 0, len(events))
	for _, event := range events {
		views = append(views, rideEventView{
			Sequence:   event.Sequence,
			EventType:  event.EventType,
			GPS:        event.GPS,
			RecordedAt: event.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (h *Handler) handleDriver(w http.ResponseWriter, r *http.Request) {
	driver, err := h.transactions.DriverLocation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, driver)
}

func (h *Handler) handleRaiseIssue(w http.ResponseWriter, r *http.Request) {
	var req grievance.RaiseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ComplainantID = requestctx.UserIDFromContext(r.Context())
	record, err := h.grievances.Raise(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueViewOf(record))
}

func (h *Handler) handleListIssues(w http.ResponseWriter, r *http.Request) {
	records, err := h.grievances.List(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]issueView, 0, len(records))
	for _, record := range records {
		views = append(views, issueViewOf(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": views})
}

func (h *Handler) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	record, err := h.grievances.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueViewOf(record))
}

func (h *Handler) handleCloseIssue(w http.ResponseWriter, r *http.Request) {
	record, err := h.grievances.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueViewOf(record))
}

func (h *Handler) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	records, err := h.settlements.List(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]settlementView, 0, len(records))
	for _, record := range records {
		views = append(views, settlementViewOf(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": views})
}

func (h *Handler) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	record, err := h.settlements.Get(r.Context(), r.PathValue("orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementViewOf(record))
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
