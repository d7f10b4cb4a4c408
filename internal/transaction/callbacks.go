package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hailo-mobility/hailo/internal/correlator"
	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/protocol"
	"github.com/hailo-mobility/hailo/internal/storage"
)

// conflictRetries bounds optimistic merge retries when concurrent
// callbacks race on the same transaction.
const conflictRetries = 3

// Client-facing update steps. Subscription topics are named by the
// step, not the wire action, and carry the parsed result of the
// callback rather than the protocol envelope.
const (
	StepSearch      = "search"
	StepSelect      = "select"
	StepSelectError = "select_error"
	StepInit        = "init"
	StepConfirm     = "confirm"
	StepStatus      = "status"
	StepTrack       = "track"
	StepCancel      = "cancel"
)

// UpdateSteps lists every step that publishes client updates.
var UpdateSteps = []string{
	StepSearch, StepSelect, StepSelectError, StepInit,
	StepConfirm, StepStatus, StepTrack, StepCancel,
}

// SelectFailure is published on the select_error topic when the BPP
// answers a select with an error instead of a quote.
type SelectFailure struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

// CancelNotice is published on the cancel topic when a ride terminates.
type CancelNotice struct {
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// fulfillmentRank orders ride progress so a delayed callback cannot
// move the ride backwards.
var fulfillmentRank = map[storage.FulfillmentStatus]int{
	storage.FulfillmentPending:       0,
	storage.FulfillmentAgentAssigned: 1,
	storage.FulfillmentOnTheWay:      2,
	storage.FulfillmentArrived:       3,
	storage.FulfillmentRideStarted:   4,
	storage.FulfillmentCompleted:     5,
	storage.FulfillmentCancelled:     5,
}

// Apply routes one verified callback envelope to its handler.
func (s *Service) Apply(ctx context.Context, env protocol.Envelope) error {
	switch env.Context.Action {
	case protocol.ActionOnSearch:
		return s.onSearch(ctx, env)
	case protocol.ActionOnSelect:
		return s.onSelect(ctx, env)
	case protocol.ActionOnInit:
		return s.onInit(ctx, env)
	case protocol.ActionOnConfirm:
		return s.onConfirm(ctx, env)
	case protocol.ActionOnStatus:
		return s.onStatus(ctx, env)
	case protocol.ActionOnTrack:
		return s.onTrack(ctx, env)
	case protocol.ActionOnCancel:
		return s.onCancel(ctx, env)
	default:
		return apperrors.New(apperrors.CodeMalformedCallback,
			fmt.Sprintf("unsupported callback action %q", env.Context.Action))
	}
}

// onSearch merges catalog offers into the transaction's result set.
// Concurrent on_search callbacks each retry their merge so no offer is
// lost.
func (s *Service) onSearch(ctx context.Context, env protocol.Envelope) error {
	var message protocol.CatalogMessage
	if err := env.DecodeMessage(&message); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedCallback, "malformed on_search message", err)
	}

	for attempt := 0; attempt < conflictRetries; attempt++ {
		record, err := s.loadForCallback(ctx, env)
		if err != nil {
			return err
		}
		switch record.Status {
		case storage.StatusSearchInitiated, storage.StatusSearchCompleted:
		default:
			return staleCallback(env, record.Status)
		}
		now := s.clock().UTC()
		if !record.SearchExpiresAt.IsZero() && now.After(record.SearchExpiresAt) {
			return staleCallback(env, record.Status)
		}

		results, err := decodeResults(record.ResultsJSON)
		if err != nil {
			return err
		}
		merged, added := mergeResults(results, env.Context, message.Catalog.Providers)
		if added == 0 {
			// Nothing new; still a valid callback.
			s.publish(StepSearch, record.TransactionID, results)
			return nil
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode search results: %w", err)
		}

		previous := record.Status
		record.Status = storage.StatusSearchCompleted
		record.ResultsJSON = string(encoded)
		record.UpdatedAt = now
		err = s.store.UpdateTransaction(ctx, record, previous)
		if err == nil {
			s.publish(StepSearch, record.TransactionID, merged)
			return nil
		}
		if !errorsIsConflict(err) {
			return err
		}
	}
	return apperrors.New(apperrors.CodeConflict, "on_search merge kept losing the state race")
}

// onSelect lands a quote or a select failure.
func (s *Service) onSelect(ctx context.Context, env protocol.Envelope) error {
	record, err := s.loadForCallback(ctx, env)
	if err != nil {
		return err
	}
	if record.Status != storage.StatusSelectInitiated {
		return staleCallback(env, record.Status)
	}

	now := s.clock().UTC()
	previous := record.Status
	if env.Error != nil {
		record.Status = storage.StatusSelectError
		record.CancellationReason = env.Error.Message
		record.UpdatedAt = now
		if err := s.store.UpdateTransaction(ctx, record, previous); err != nil {
			return stateWriteError(record.TransactionID, err)
		}
		s.publish(StepSelectError, record.TransactionID, SelectFailure{
			TransactionID: record.TransactionID,
			Code:          env.Error.Code,
			Message:       env.Error.Message,
		})
		return nil
	}

	var message protocol.OrderMessage
	if err := env.DecodeMessage(&message); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedCallback, "malformed on_select message", err)
	}
	if message.Order.Quote == nil {
		return apperrors.New(apperrors.CodeMalformedCallback, "on_select message carries no quote")
	}

	quote, err := json.Marshal(message.Order.Quote)
	if err != nil {
		return fmt.Errorf("encode quote: %w", err)
	}
	order, err := json.Marshal(message.Order)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}

	record.Status = storage.StatusQuoteReceived
	record.QuoteJSON = string(quote)
	record.OrderJSON = string(order)
	record.UpdatedAt = now
	if err := s.store.UpdateTransaction(ctx, record, previous); err != nil {
		return stateWriteError(record.TransactionID, err)
	}
	s.publish(StepSelect, record.TransactionID, message.Order.Quote)
	return nil
}

// onInit completes order initialization.
func (s *Service) onInit(ctx context.Context, env protocol.Envelope) error {
	record, err := s.loadForCallback(ctx, env)
	if err != nil {
		return err
	}
	if record.Status != storage.StatusInitInitiated {
		return staleCallback(env, record.Status)
	}

	var message protocol.OrderMessage
	if err := env.DecodeMessage(&message); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedCallback, "malformed on_init message", err)
	}
	order, err := json.Marshal(message.Order)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}

	previous := record.Status
	record.Status = storage.StatusInitCompleted
	record.OrderJSON = string(order)
	if message.Order.Quote != nil {
		if quote, quoteErr := json.Marshal(message.Order.Quote); quoteErr == nil {
			record.QuoteJSON = string(quote)
		}
	}
	record.UpdatedAt = s.clock().UTC()
	if err := s.store.UpdateTransaction(ctx, record, previous); err != nil {
		return stateWriteError(record.TransactionID, err)
	}
	s.publish(StepInit, record.TransactionID, message.Order)
	return nil
}

// onConfirm lands the confirmed order.
func (s *Service) onConfirm(ctx context.Context, env protocol.Envelope) error {
	record, err := s.loadForCallback(ctx, env)
	if err != nil {
		return err
	}
	if record.Status != storage.StatusConfirmInitiated {
		return staleCallback(env, record.Status)
	}

	var message protocol.OrderMessage
	if err := env.DecodeMessage(&message); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedCallback, "malformed on_confirm message", err)
	}
	order, err := json.Marshal(message.Order)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}

	previous := record.Status
	record.Status = storage.StatusConfirmed
	record.FulfillmentStatus = storage.FulfillmentPending
	record.OrderID = message.Order.ID
	record.OrderJSON = string(order)
	record.UpdatedAt = s.clock().UTC()
	if err := s.store.UpdateTransaction(ctx, record, previous); err != nil {
		return stateWriteError(record.TransactionID, err)
	}
	s.publish(StepConfirm, record.TransactionID, message.Order)
	return nil
}

// onStatus advances ride fulfillment and driver state.
func (s *Service) onStatus(ctx context.Context, env protocol.Envelope) error {
	record, err := s.loadForCallback(ctx, env)
	if err != nil {
		return err
	}
	if record.Status != storage.StatusConfirmed {
		return staleCallback(env, record.Status)
	}

	var message protocol.OrderMessage
	if err := env.DecodeMessage(&message); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedCallback, "malformed on_status message", err)
	}

	now := s.clock().UTC()
	fulfillment := message.Order.Fulfillment
	if fulfillment != nil {
		next := fulfillmentFromDescriptor(fulfillment.State)
		if next != "" && fulfillmentRank[next] >= fulfillmentRank[record.FulfillmentStatus] {
			record.FulfillmentStatus = next
		}
		record.DriverJSON = driverStateJSON(record.DriverJSON, fulfillment, "", now)

		event := storage.RideEventRecord{
			TransactionID: record.TransactionID,
			EventType:     string(record.FulfillmentStatus),
			RecordedAt:    now,
		}
		if fulfillment.Start != nil {
			event.GPS = fulfillment.Start.Location.GPS
		}
		if err := s.store.AppendRideEvent(ctx, event); err != nil {
			log.Printf("transaction: append ride event for %s: %v", record.TransactionID, err)
		}
	}

	record.UpdatedAt = now
	if err := s.store.UpdateTransaction(ctx, record, storage.StatusConfirmed); err != nil {
		return stateWriteError(record.TransactionID, err)
	}
	s.publish(StepStatus, record.TransactionID, message.Order)
	return nil
}

// onTrack records live tracking state.
func (s *Service) onTrack(ctx context.Context, env protocol.Envelope) error {
	record, err := s.loadForCallback(ctx, env)
	if err != nil {
		return err
	}
	if record.Status != storage.StatusConfirmed {
		return staleCallback(env, record.Status)
	}

	var message protocol.TrackingMessage
	if err := env.DecodeMessage(&message); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedCallback, "malformed on_track message", err)
	}

	now := s.clock().UTC()
	gps := ""
	if message.Tracking.Location != nil {
		gps = message.Tracking.Location.GPS
	}
	record.DriverJSON = trackingStateJSON(record.DriverJSON, message.Tracking.URL, gps, now)
	record.UpdatedAt = now

	event := storage.RideEventRecord{
		TransactionID: record.TransactionID,
		EventType:     "TRACKING",
		GPS:           gps,
		RecordedAt:    now,
	}
	if err := s.store.AppendRideEvent(ctx, event); err != nil {
		log.Printf("transaction: append ride event for %s: %v", record.TransactionID, err)
	}

	if err := s.store.UpdateTransaction(ctx, record, storage.StatusConfirmed); err != nil {
		return stateWriteError(record.TransactionID, err)
	}
	s.publish(StepTrack, record.TransactionID, message.Tracking)
	return nil
}

// onCancel terminates any non-terminal transaction.
func (s *Service) onCancel(ctx context.Context, env protocol.Envelope) error {
	record, err := s.loadForCallback(ctx, env)
	if err != nil {
		return err
	}
	if record.Status == storage.StatusCancelled {
		return staleCallback(env, record.Status)
	}

	reason := ""
	var message protocol.OrderMessage
	if decodeErr := env.DecodeMessage(&message); decodeErr == nil {
		if message.Order.Error != nil {
			reason = message.Order.Error.Message
		} else if message.Order.State != "" {
			reason = message.Order.State
		}
	}
	if reason == "" && env.Error != nil {
		reason = env.Error.Message
	}

	previous := record.Status
	record.Status = storage.StatusCancelled
	record.FulfillmentStatus = storage.FulfillmentCancelled
	record.CancellationReason = reason
	record.UpdatedAt = s.clock().UTC()
	if err := s.store.UpdateTransaction(ctx, record, previous); err != nil {
		return stateWriteError(record.TransactionID, err)
	}
	s.publish(StepCancel, record.TransactionID, CancelNotice{
		TransactionID: record.TransactionID,
		OrderID:       record.OrderID,
		Reason:        reason,
	})
	return nil
}

// loadForCallback resolves the callback's transaction; unknown ids are
// dropped with a typed error for the audit trail.
func (s *Service) loadForCallback(ctx context.Context, env protocol.Envelope) (storage.TransactionRecord, error) {
	record, err := s.store.GetTransaction(ctx, env.Context.TransactionID)
	if err != nil {
		if errorsIsNotFound(err) {
			log.Printf("transaction: dropping %s for unknown transaction %s", env.Context.Action, env.Context.TransactionID)
			return storage.TransactionRecord{}, apperrors.New(apperrors.CodeTransactionNotFound,
				fmt.Sprintf("transaction %s not found", env.Context.TransactionID))
		}
		return storage.TransactionRecord{}, err
	}
	return record, nil
}

// publish delivers the application-shaped result of a callback to any
// waiting subscriber. Late callbacks with no subscribers are a no-op.
func (s *Service) publish(step, transactionID string, payload any) {
	if s.arena == nil {
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.arena.Publish(correlator.Topic(step, transactionID), encoded)
}

func staleCallback(env protocol.Envelope, status storage.TransactionStatus) error {
	return apperrors.WithMetadata(apperrors.CodeStaleCallback,
		fmt.Sprintf("dropping %s for transaction in state %s", env.Context.Action, status),
		map[string]string{"transaction_id": env.Context.TransactionID, "status": string(status)})
}

// mergeResults folds catalog providers into the existing result set,
// preserving first-seen order and rejecting provider+item duplicates.
func mergeResults(existing []Result, ctx protocol.Context, providers []protocol.CatalogProvider) ([]Result, int) {
	seen := make(map[string]bool, len(existing))
	for _, result := range existing {
		seen[result.ProviderID+"|"+result.ItemID] = true
	}

	added := 0
	for _, provider := range providers {
		providerName := ""
		if provider.Descriptor != nil {
			providerName = provider.Descriptor.Name
		}
		for _, item := range provider.Items {
			key := provider.ID + "|" + item.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			itemName := ""
			if item.Descriptor != nil {
				itemName = item.Descriptor.Name
			}
			existing = append(existing, Result{
				BppID:        ctx.BppID,
				BppURI:       ctx.BppURI,
				ProviderID:   provider.ID,
				ProviderName: providerName,
				ItemID:       item.ID,
				ItemName:     itemName,
				Price:        item.Price,
			})
			added++
		}
	}
	return existing, added
}

// fulfillmentFromDescriptor maps a callback state descriptor onto the
// ride progress ladder.
func fulfillmentFromDescriptor(state *protocol.FulfillmentState) storage.FulfillmentStatus {
	if state == nil {
		return ""
	}
	code := strings.ToUpper(strings.TrimSpace(state.Descriptor.Code))
	if code == "" {
		code = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(state.Descriptor.Name), " ", "_"))
	}
	switch code {
	case "PENDING":
		return storage.FulfillmentPending
	case "AGENT_ASSIGNED", "DRIVER_ASSIGNED":
		return storage.FulfillmentAgentAssigned
	case "ON_THE_WAY", "EN_ROUTE_TO_PICKUP":
		return storage.FulfillmentOnTheWay
	case "ARRIVED", "AT_PICKUP":
		return storage.FulfillmentArrived
	case "RIDE_STARTED", "ORDER_PICKED_UP", "EN_ROUTE_TO_DROP":
		return storage.FulfillmentRideStarted
	case "COMPLETED", "ORDER_DELIVERED", "RIDE_ENDED":
		return storage.FulfillmentCompleted
	case "CANCELLED":
		return storage.FulfillmentCancelled
	default:
		return ""
	}
}

func driverStateJSON(current string, fulfillment *protocol.Fulfillment, trackingURL string, now time.Time) string {
	state := decodeDriverState(current)
	if len(fulfillment.Agent) > 0 {
		state.Agent = fulfillment.Agent
	}
	if len(fulfillment.Vehicle) > 0 {
		state.Vehicle = fulfillment.Vehicle
	}
	if fulfillment.Start != nil && fulfillment.Start.Location.GPS != "" {
		state.GPS = fulfillment.Start.Location.GPS
	}
	if trackingURL != "" {
		state.TrackingURL = trackingURL
	}
	state.UpdatedAt = now
	return encodeDriverState(state, current)
}

func trackingStateJSON(current, trackingURL, gps string, now time.Time) string {
	state := decodeDriverState(current)
	if trackingURL != "" {
		state.TrackingURL = trackingURL
	}
	if gps != "" {
		state.GPS = gps
	}
	state.UpdatedAt = now
	return encodeDriverState(state, current)
}

func decodeDriverState(current string) DriverState {
	var state DriverState
	if strings.TrimSpace(current) != "" {
		_ = json.Unmarshal([]byte(current), &state)
	}
	return state
}

func encodeDriverState(state DriverState, fallback string) string {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fallback
	}
	return string(encoded)
}
