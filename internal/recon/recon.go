// Package recon applies settlement reconciliation batches received via
// on_receiver_recon.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/protocol"
	"github.com/hailo-mobility/hailo/internal/storage"
)

// Service reconciles orderbook batches into per-order settlement state.
type Service struct {
	store storage.SettlementStore
	clock func() time.Time
}

// NewService wires a reconciliation service. clock may be nil.
func NewService(store storage.SettlementStore, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, clock: clock}
}

// BatchResult summarizes one orderbook application.
type BatchResult struct {
	Applied int
	Skipped int
}

// ApplyOrderbook upserts each order of the batch independently: a bad
// order is logged and skipped without touching its siblings. Re-sent
// batches are idempotent.
func (s *Service) ApplyOrderbook(ctx context.Context, env protocol.Envelope) (BatchResult, error) {
	var message protocol.OrderbookMessage
	if err := env.DecodeMessage(&message); err != nil {
		return BatchResult{}, apperrors.Wrap(apperrors.CodeMalformedSettlement, "malformed orderbook message", err)
	}
	if len(message.Orderbook.Orders) == 0 {
		return BatchResult{}, apperrors.New(apperrors.CodeMalformedSettlement, "orderbook carries no orders")
	}

	var result BatchResult
	for _, order := range message.Orderbook.Orders {
		if err := s.applyOrder(ctx, env.Context.TransactionID, order); err != nil {
			result.Skipped++
			log.Printf("recon: skipping order %q in transaction %s: %v", order.ID, env.Context.TransactionID, err)
			continue
		}
		result.Applied++
	}
	return result, nil
}

func (s *Service) applyOrder(ctx context.Context, transactionID string, order protocol.ReconOrder) error {
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return fmt.Errorf("order id is missing")
	}
	status, err := parseStatus(order.Status)
	if err != nil {
		return err
	}

	now := s.clock().UTC()
	record := storage.SettlementRecord{
		OrderID:       orderID,
		TransactionID: strings.TrimSpace(transactionID),
		SettlementID:  strings.TrimSpace(order.SettlementID),
		Status:        status,
		DetailsJSON:   string(order.Raw),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if order.Payment != nil {
		record.URN = order.Payment.URN
		record.SettlementType = order.Payment.Type
		if order.Payment.Params != nil {
			record.Amount = order.Payment.Params.Amount
			record.Currency = order.Payment.Params.Currency
		}
	}

	existing, err := s.store.GetSettlement(ctx, orderID)
	switch {
	case err == nil:
		record.CreatedAt = existing.CreatedAt
		// A resend must not demote a settled order; only a dispute
		// overrides settlement.
		if existing.Status == storage.SettlementSettled && record.Status != storage.SettlementDisputed {
			record.Status = existing.Status
		}
	case errorsIsNotFound(err):
	default:
		return err
	}

	return s.store.UpsertSettlement(ctx, record)
}

// Get returns one order's settlement state.
func (s *Service) Get(ctx context.Context, orderID string) (storage.SettlementRecord, error) {
	record, err := s.store.GetSettlement(ctx, orderID)
	if err != nil {
		if errorsIsNotFound(err) {
			return storage.SettlementRecord{}, apperrors.New(apperrors.CodeNotFound,
				fmt.Sprintf("no settlement for order %s", orderID))
		}
		return storage.SettlementRecord{}, err
	}
	return record, nil
}

// List lists recent settlement rows.
func (s *Service) List(ctx context.Context, limit int) ([]storage.SettlementRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListSettlements(ctx, limit)
}

func parseStatus(raw string) (storage.SettlementStatus, error) {
	switch storage.SettlementStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case storage.SettlementPending:
		return storage.SettlementPending, nil
	case storage.SettlementSettled:
		return storage.SettlementSettled, nil
	case storage.SettlementNotSettled:
		return storage.SettlementNotSettled, nil
	case storage.SettlementDisputed:
		return storage.SettlementDisputed, nil
	case "":
		return storage.SettlementPending, nil
	default:
		return "", fmt.Errorf("unknown settlement status %q", raw)
	}
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
