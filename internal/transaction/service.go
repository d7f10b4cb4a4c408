// Package transaction drives the booking lifecycle: outbound protocol
// actions, callback application and the state machine between them.
package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hailo-mobility/hailo/internal/audit"
	"github.com/hailo-mobility/hailo/internal/correlator"
	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/platform/metrics"
	"github.com/hailo-mobility/hailo/internal/protocol"
	"github.com/hailo-mobility/hailo/internal/storage"
)

// Sender posts signed protocol envelopes.
type Sender interface {
	Send(ctx context.Context, url string, env protocol.Envelope) error
}

// GatewayResolver resolves the discovery gateway for broadcast search.
type GatewayResolver interface {
	GatewayURL(ctx context.Context) (string, error)
}

// Result is one ride offer collected from on_search callbacks.
type Result struct {
	BppID        string         `json:"bpp_id"`
	BppURI       string         `json:"bpp_uri"`
	ProviderID   string         `json:"provider_id"`
	ProviderName string         `json:"provider_name,omitempty"`
	ItemID       string         `json:"item_id"`
	ItemName     string         `json:"item_name,omitempty"`
	Price        protocol.Price `json:"price"`
}

// DriverState is the latest known driver and vehicle information.
type DriverState struct {
	Agent       json.RawMessage `json:"agent,omitempty"`
	Vehicle     json.RawMessage `json:"vehicle,omitempty"`
	TrackingURL string          `json:"tracking_url,omitempty"`
	GPS         string          `json:"gps,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Service coordinates booking state, the protocol client and the
// callback correlator.
type Service struct {
	store      storage.TransactionStore
	sender     Sender
	gateways   GatewayResolver
	subscriber protocol.SubscriberConfig
	recorder   *audit.Recorder
	arena      *correlator.Arena
	clock      func() time.Time
	newID      func() string
}

// NewService wires a transaction service. clock and newID may be nil.
func NewService(
	store storage.TransactionStore,
	sender Sender,
	gateways GatewayResolver,
	subscriber protocol.SubscriberConfig,
	recorder *audit.Recorder,
	arena *correlator.Arena,
	clock func() time.Time,
	newID func() string,
) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{
		store:      store,
		sender:     sender,
		gateways:   gateways,
		subscriber: subscriber,
		recorder:   recorder,
		arena:      arena,
		clock:      clock,
		newID:      newID,
	}
}

func (s *Service) ttl() time.Duration {
	ttl, err := protocol.ParseTTL(s.subscriber.TTL)
	if err != nil || ttl <= 0 {
		return 30 * time.Second
	}
	return ttl
}

// TTL exposes the protocol wait window for callers that block on
// callbacks.
func (s *Service) TTL() time.Duration {
	return s.ttl()
}

// Arena exposes the callback subscription table for event streaming.
func (s *Service) Arena() *correlator.Arena {
	return s.arena
}

// SearchRequest starts a new booking flow.
type SearchRequest struct {
	PickupLat float64 `json:"pickup_lat"`
	PickupLng float64 `json:"pickup_lng"`
	DropLat   float64 `json:"drop_lat"`
	DropLng   float64 `json:"drop_lng"`
}

// StartedAction identifies an accepted asynchronous protocol action.
type StartedAction struct {
	TransactionID string `json:"transaction_id"`
	MessageID     string `json:"message_id"`
}

// Search broadcasts a ride search through the discovery gateway and
// creates the transaction record.
func (s *Service) Search(ctx context.Context, req SearchRequest) (StartedAction, error) {
	now := s.clock().UTC()
	transactionID := s.newID()
	messageID := s.newID()
	pickup := protocol.FormatGPS(req.PickupLat, req.PickupLng)
	drop := protocol.FormatGPS(req.DropLat, req.DropLng)

	record := storage.TransactionRecord{
		TransactionID:   transactionID,
		Status:          storage.StatusSearchInitiated,
		PickupGPS:       pickup,
		DropGPS:         drop,
		SearchExpiresAt: now.Add(s.ttl()),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.PutTransaction(ctx, record); err != nil {
		return StartedAction{}, fmt.Errorf("create transaction: %w", err)
	}

	gatewayURL, err := s.gateways.GatewayURL(ctx)
	if err != nil {
		return StartedAction{}, err
	}

	env := protocol.Envelope{Context: s.subscriber.NewContext(protocol.ActionSearch, transactionID, messageID, now)}
	message, err := json.Marshal(protocol.SearchIntent{Intent: protocol.Intent{
		Fulfillment: protocol.Fulfillment{
			Start: &protocol.Stop{Location: protocol.Location{GPS: pickup}},
			End:   &protocol.Stop{Location: protocol.Location{GPS: drop}},
		},
	}})
	if err != nil {
		return StartedAction{}, fmt.Errorf("encode search intent: %w", err)
	}
	env.Message = message

	if err := s.dispatch(ctx, gatewayURL+"/search", env); err != nil {
		return StartedAction{}, err
	}
	return StartedAction{TransactionID: transactionID, MessageID: messageID}, nil
}

// SelectRequest picks one offer from the collected search results.
type SelectRequest struct {
	TransactionID string `json:"transaction_id"`
	ProviderID    string `json:"provider_id"`
	ItemID        string `json:"item_id"`
}

// Select asks the chosen BPP for a quote on one search result.
func (s *Service) Select(ctx context.Context, req SelectRequest) (StartedAction, error) {
	record, err := s.load(ctx, req.TransactionID)
	if err != nil {
		return StartedAction{}, err
	}
	switch record.Status {
	case storage.StatusSearchCompleted, storage.StatusQuoteReceived, storage.StatusSelectError:
	default:
		return StartedAction{}, invalidState(record.TransactionID, record.Status, "select")
	}

	chosen, err := findResult(record.ResultsJSON, req.ProviderID, req.ItemID)
	if err != nil {
		return StartedAction{}, err
	}

	previous := record.Status
	now := s.clock().UTC()
	record.Status = storage.StatusSelectInitiated
	record.BppID = chosen.BppID
	record.BppURI = chosen.BppURI
	record.ProviderID = chosen.ProviderID
	record.ItemID = chosen.ItemID
	record.UpdatedAt = now
	if err := s.store.UpdateTransaction(ctx, record, previous); err != nil {
		return StartedAction{}, stateWriteError(record.TransactionID, err)
	}

	messageID := s.newID()
	env := protocol.Envelope{Context: s.bppContext(protocol.ActionSelect, record, messageID, now)}
	message, err := json.Marshal(protocol.OrderMessage{Order: protocol.Order{
		Provider: &protocol.OrderProvider{ID: chosen.ProviderID},
		Items:    []protocol.OrderItem{{ID: chosen.ItemID, Quantity: &protocol.ItemQuantity{Count: 1}}},
		Fulfillment: &protocol.Fulfillment{
			Start: &protocol.Stop{Location: protocol.Location{GPS: record.PickupGPS}},
			End:   &protocol.Stop{Location: protocol.Location{GPS: record.DropGPS}},
		},
	}})
	if err != nil {
		return StartedAction{}, fmt.Errorf("encode select order: %w", err)
	}
	env.Message = message

	if err := s.dispatch(ctx, record.BppURI+"/select", env); err != nil {
		s.revert(ctx, record, previous)
		return StartedAction{}, err
	}
	return StartedAction{TransactionID: record.TransactionID, MessageID: messageID}, nil
}

// InitRequest carries the rider billing block for init.
type InitRequest struct {
	TransactionID string          `json:"transaction_id"`
	Billing       json.RawMessage `json:"billing,omitempty"`
}

// Init initializes the order with the quoting BPP.
func (s *Service) Init(ctx context.Context, req InitRequest) (StartedAction, error) {
	record, err := s.load(ctx, req.TransactionID)
	if err != nil {
		return StartedAction{}, err
	}
	if record.Status != storage.StatusQuoteReceived {
		return StartedAction{}, invalidState(record.TransactionID, record.Status, "init")
	}

	previous := record.Status
	now := s.clock().UTC()
	record.Status = storage.StatusInitInitiated
	record.UpdatedAt = now
	if err := s.store.UpdateTransaction(ctx, record, previous); err != nil {
		return StartedAction{}, stateWriteError(record.TransactionID, err)
	}

	messageID := s.newID()
	env := protocol.Envelope{Context: s.bppContext(protocol.ActionInit, record, messageID, now)}
	message, err := json.Marshal(protocol.OrderMessage{Order: protocol.Order{
		Provider: &protocol.OrderProvider{ID: record.ProviderID},
		Items:    []protocol.OrderItem{{ID: record.ItemID, Quantity: &protocol.ItemQuantity{Count: 1}}},
		Billing:  req.Billing,
		Fulfillment: &protocol.Fulfillment{
			Start: &protocol.Stop{Location: protocol.Location{GPS: record.PickupGPS}},
			End:   &protocol.Stop{Location: protocol.Location{GPS: record.DropGPS}},
		},
	}})
	if err != nil {
		return StartedAction{}, fmt.Errorf("encode init order: %w", err)
	}
	env.Message = message

	if err := s.dispatch(ctx, record.BppURI+"/init", env); err != nil {
		s.revert(ctx, record, previous)
		return StartedAction{}, err
	}
	return StartedAction{TransactionID: record.TransactionID, MessageID: messageID}, nil
}

// ConfirmRequest carries the payment block for confirm.
type ConfirmRequest struct {
	TransactionID string          `json:"transaction_id"`
	Payment       json.RawMessage `json:"payment,omitempty"`
}

// Confirm places the order with the BPP.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (StartedAction, error) {
	record, err := s.load(ctx, req.TransactionID)
	if err != nil {
		return StartedAction{}, err
	}
	if record.Status != storage.StatusInitCompleted {
		return StartedAction{}, invalidState(record.TransactionID, record.Status, "confirm")
	}

	var order protocol.Order
	if strings.TrimSpace(record.OrderJSON) != "" {
		if err := json.Unmarshal([]byte(record.OrderJSON), &order); err != nil {
			return StartedAction{}, fmt.Errorf("decode stored order: %w", err)
		}
	}
	if order.Provider == nil {
		order.Provider = &protocol.OrderProvider{ID: record.ProviderID}
	}
	if len(order.Items) == 0 {
		order.Items = []protocol.OrderItem{{ID: record.ItemID, Quantity: &protocol.ItemQuantity{Count: 1}}}
	}
	if len(req.Payment) > 0 {
		order.Payment = req.Payment
	}

	previous := record.Status
	now := s.clock().UTC()
	record.Status = storage.StatusConfirmInitiated
	record.UpdatedAt = now
	if err := s.store.UpdateTransaction(ctx, record, previous); err != nil {
		return StartedAction{}, stateWriteError(record.TransactionID, err)
	}

	messageID := s.newID()
	env := protocol.Envelope{Context: s.bppContext(protocol.ActionConfirm, record, messageID, now)}
	message, err := json.Marshal(protocol.OrderMessage{Order: order})
	if err != nil {
		return StartedAction{}, fmt.Errorf("encode confirm order: %w", err)
	}
	env.Message = message

	if err := s.dispatch(ctx, record.BppURI+"/confirm", env); err != nil {
		s.revert(ctx, record, previous)
		return StartedAction{}, err
	}
	return StartedAction{TransactionID: record.TransactionID, MessageID: messageID}, nil
}

// CancelRequest asks the BPP to cancel a confirmed ride.
type CancelRequest struct {
	TransactionID        string `json:"transaction_id"`
	CancellationReasonID string `json:"cancellation_reason_id,omitempty"`
}

// Cancel requests cancellation of a confirmed order. The state change
// lands when on_cancel arrives.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (StartedAction, error) {
	record, err := s.requireConfirmed(ctx, req.TransactionID, "cancel")
	if err != nil {
		return StartedAction{}, err
	}

	now := s.clock().UTC()
	messageID := s.newID()
	env := protocol.Envelope{Context: s.bppContext(protocol.ActionCancel, record, messageID, now)}
	message, err := json.Marshal(protocol.CancelMessage{
		OrderID:              record.OrderID,
		CancellationReasonID: req.CancellationReasonID,
	})
	if err != nil {
		return StartedAction{}, fmt.Errorf("encode cancel message: %w", err)
	}
	env.Message = message

	if err := s.dispatch(ctx, record.BppURI+"/cancel", env); err != nil {
		return StartedAction{}, err
	}
	return StartedAction{TransactionID: record.TransactionID, MessageID: messageID}, nil
}

// Status requests the current order status from the BPP.
func (s *Service) Status(ctx context.Context, transactionID string) (StartedAction, error) {
	return s.orderRefAction(ctx, transactionID, protocol.ActionStatus)
}

// Track requests live tracking for a confirmed ride.
func (s *Service) Track(ctx context.Context, transactionID string) (StartedAction, error) {
	return s.orderRefAction(ctx, transactionID, protocol.ActionTrack)
}

func (s *Service) orderRefAction(ctx context.Context, transactionID, action string) (StartedAction, error) {
	record, err := s.requireConfirmed(ctx, transactionID, action)
	if err != nil {
		return StartedAction{}, err
	}

	now := s.clock().UTC()
	messageID := s.newID()
	env := protocol.Envelope{Context: s.bppContext(action, record, messageID, now)}
	message, err := json.Marshal(protocol.OrderRefMessage{OrderID: record.OrderID})
	if err != nil {
		return StartedAction{}, fmt.Errorf("encode %s message: %w", action, err)
	}
	env.Message = message

	if err := s.dispatch(ctx, record.BppURI+"/"+action, env); err != nil {
		return StartedAction{}, err
	}
	return StartedAction{TransactionID: record.TransactionID, MessageID: messageID}, nil
}

// Get loads one transaction.
func (s *Service) Get(ctx context.Context, transactionID string) (storage.TransactionRecord, error) {
	return s.load(ctx, transactionID)
}

// List lists recent transactions.
func (s *Service) List(ctx context.Context, limit int) ([]storage.TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, limit)
}

// Results returns the offers collected so far for one search.
func (s *Service) Results(ctx context.Context, transactionID string) ([]Result, error) {
	record, err := s.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return decodeResults(record.ResultsJSON)
}

// RideHistory lists the tracking breadcrumbs of one ride.
func (s *Service) RideHistory(ctx context.Context, transactionID string) ([]storage.RideEventRecord, error) {
	if _, err := s.load(ctx, transactionID); err != nil {
		return nil, err
	}
	return s.store.ListRideEvents(ctx, transactionID)
}

// DriverLocation returns the latest driver state of one ride.
func (s *Service) DriverLocation(ctx context.Context, transactionID string) (DriverState, error) {
	record, err := s.load(ctx, transactionID)
	if err != nil {
		return DriverState{}, err
	}
	if strings.TrimSpace(record.DriverJSON) == "" {
		return DriverState{}, apperrors.New(apperrors.CodeNotFound, "no driver assigned yet")
	}
	var state DriverState
	if err := json.Unmarshal([]byte(record.DriverJSON), &state); err != nil {
		return DriverState{}, fmt.Errorf("decode driver state: %w", err)
	}
	return state, nil
}

func (s *Service) load(ctx context.Context, transactionID string) (storage.TransactionRecord, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return storage.TransactionRecord{}, apperrors.New(apperrors.CodeInvalidRequest, "transaction id is required")
	}
	record, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		if errorsIsNotFound(err) {
			return storage.TransactionRecord{}, apperrors.New(apperrors.CodeTransactionNotFound,
				fmt.Sprintf("transaction %s not found", transactionID))
		}
		return storage.TransactionRecord{}, err
	}
	return record, nil
}

func (s *Service) requireConfirmed(ctx context.Context, transactionID, action string) (storage.TransactionRecord, error) {
	record, err := s.load(ctx, transactionID)
	if err != nil {
		return storage.TransactionRecord{}, err
	}
	if record.Status != storage.StatusConfirmed {
		return storage.TransactionRecord{}, invalidState(record.TransactionID, record.Status, action)
	}
	return record, nil
}

// bppContext builds an outbound context addressed to the transaction's
// BPP.
func (s *Service) bppContext(action string, record storage.TransactionRecord, messageID string, now time.Time) protocol.Context {
	c := s.subscriber.NewContext(action, record.TransactionID, messageID, now)
	c.BppID = record.BppID
	c.BppURI = record.BppURI
	return c
}

// dispatch sends an envelope and records the outbound audit entry on
// both outcomes.
func (s *Service) dispatch(ctx context.Context, url string, env protocol.Envelope) error {
	entry := storage.AuditRecord{
		TransactionID: env.Context.TransactionID,
		MessageID:     env.Context.MessageID,
		Action:        env.Context.Action,
		Direction:     storage.DirectionOutbound,
		Status:        storage.AuditSuccess,
		PayloadJSON:   string(env.Message),
	}

	err := s.sender.Send(ctx, url, env)
	if err != nil {
		entry.Status = storage.AuditError
		entry.ErrorDetail = err.Error()
	}
	s.recorder.Record(ctx, entry)
	metrics.MessagesTotal.WithLabelValues(env.Context.Action, "outbound", string(entry.Status)).Inc()
	return err
}

// revert restores the pre-dispatch status after a failed send so the
// client can retry the step.
func (s *Service) revert(ctx context.Context, record storage.TransactionRecord, previous storage.TransactionStatus) {
	current := record.Status
	record.Status = previous
	record.UpdatedAt = s.clock().UTC()
	if err := s.store.UpdateTransaction(ctx, record, current); err != nil {
		// A concurrent callback won the race; its state stands.
		return
	}
}

func invalidState(transactionID string, status storage.TransactionStatus, action string) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidTransactionState,
		fmt.Sprintf("cannot %s transaction in state %s", action, status),
		map[string]string{"transaction_id": transactionID, "status": string(status)})
}

func stateWriteError(transactionID string, err error) error {
	if errorsIsConflict(err) {
		return apperrors.WithMetadata(apperrors.CodeConflict, "transaction state changed concurrently",
			map[string]string{"transaction_id": transactionID})
	}
	return err
}

func findResult(resultsJSON, providerID, itemID string) (Result, error) {
	results, err := decodeResults(resultsJSON)
	if err != nil {
		return Result{}, err
	}
	for _, result := range results {
		if result.ProviderID == providerID && result.ItemID == itemID {
			return result, nil
		}
	}
	return Result{}, apperrors.New(apperrors.CodeItemNotFound,
		fmt.Sprintf("no search result for provider %s item %s", providerID, itemID))
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func errorsIsConflict(err error) bool {
	return errors.Is(err, storage.ErrConflict)
}

func decodeResults(resultsJSON string) ([]Result, error) {
	if strings.TrimSpace(resultsJSON) == "" {
		return nil, nil
	}
	var results []Result
	if err := json.Unmarshal([]byte(resultsJSON), &results); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return results, nil
}
