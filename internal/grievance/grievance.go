// Package grievance implements the issue and grievance management
// workflow against network counterparties.
package grievance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hailo-mobility/hailo/internal/audit"
	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/protocol"
	"github.com/hailo-mobility/hailo/internal/storage"
	"github.com/hailo-mobility/hailo/internal/transaction"
)

// statusRank orders the issue lifecycle; updates never move backwards.
var statusRank = map[storage.IssueStatus]int{
	storage.IssueOpen:       0,
	storage.IssueProcessing: 1,
	storage.IssueResolved:   2,
	storage.IssueClosed:     3,
}

// Service raises issues with counterparties and applies their updates.
type Service struct {
	issues       storage.IssueStore
	transactions storage.TransactionStore
	sender       transaction.Sender
	subscriber   protocol.SubscriberConfig
	recorder     *audit.Recorder
	clock        func() time.Time
	newID        func() string
}

// NewService wires a grievance service. clock and newID may be nil.
func NewService(
	issues storage.IssueStore,
	transactions storage.TransactionStore,
	sender transaction.Sender,
	subscriber protocol.SubscriberConfig,
	recorder *audit.Recorder,
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
		issues:       issues,
		transactions: transactions,
		sender:       sender,
		subscriber:   subscriber,
		recorder:     recorder,
		clock:        clock,
		newID:        newID,
	}
}

// RaiseRequest opens a grievance on one transaction.
type RaiseRequest struct {
	TransactionID    string `json:"transaction_id"`
	IssueID          string `json:"issue_id,omitempty"`
	Category         string `json:"category"`
	SubCategory      string `json:"sub_category,omitempty"`
	ShortDescription string `json:"short_description"`
	LongDescription  string `json:"long_description,omitempty"`

	// ComplainantID is the authenticated rider raising the issue. It is
	// set by the transport from the session, never from the body.
	ComplainantID string `json:"-"`
}

// Raise creates the issue record and sends the signed issue to the
// transaction's counterparty. A reused issue id yields DuplicateIssue.
func (s *Service) Raise(ctx context.Context, req RaiseRequest) (storage.IssueRecord, error) {
	if strings.TrimSpace(req.ShortDescription) == "" {
		return storage.IssueRecord{}, apperrors.New(apperrors.CodeInvalidRequest, "short description is required")
	}
	txn, err := s.transactions.GetTransaction(ctx, strings.TrimSpace(req.TransactionID))
	if err != nil {
		if errorsIs(err, storage.ErrNotFound) {
			return storage.IssueRecord{}, apperrors.New(apperrors.CodeTransactionNotFound,
				fmt.Sprintf("transaction %s not found", req.TransactionID))
		}
		return storage.IssueRecord{}, err
	}
	if txn.BppURI == "" {
		return storage.IssueRecord{}, apperrors.New(apperrors.CodeInvalidTransactionState,
			"transaction has no counterparty to raise an issue with")
	}

	issueID := strings.TrimSpace(req.IssueID)
	if issueID == "" {
		issueID = s.newID()
	}

	now := s.clock().UTC()
	record := storage.IssueRecord{
		IssueID:          issueID,
		TransactionID:    txn.TransactionID,
		OrderID:          txn.OrderID,
		Status:           storage.IssueOpen,
		Category:         strings.TrimSpace(req.Category),
		SubCategory:      strings.TrimSpace(req.SubCategory),
		ShortDescription: strings.TrimSpace(req.ShortDescription),
		LongDescription:  strings.TrimSpace(req.LongDescription),
		ComplainantID:    strings.TrimSpace(req.ComplainantID),
		BppID:            txn.BppID,
		BppURI:           txn.BppURI,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.issues.PutIssue(ctx, record); err != nil {
		if errorsIs(err, storage.ErrConflict) {
			return storage.IssueRecord{}, apperrors.New(apperrors.CodeDuplicateIssue,
				fmt.Sprintf("issue %s already exists", issueID))
		}
		return storage.IssueRecord{}, err
	}

	if err := s.sendIssue(ctx, record, now); err != nil {
		return storage.IssueRecord{}, err
	}
	return record, nil
}

func (s *Service) sendIssue(ctx context.Context, record storage.IssueRecord, now time.Time) error {
	messageID := s.newID()
	c := s.subscriber.NewContext(protocol.ActionIssue, record.TransactionID, messageID, now)
	c.BppID = record.BppID
	c.BppURI = record.BppURI

	issue := protocol.Issue{
		ID:          record.IssueID,
		Category:    record.Category,
		SubCategory: record.SubCategory,
		Status:      string(record.Status),
		IssueType:   "ISSUE",
		Description: &protocol.IssueDescription{
			ShortDesc: record.ShortDescription,
			LongDesc:  record.LongDescription,
		},
		CreatedAt: now.Format(time.RFC3339),
		UpdatedAt: now.Format(time.RFC3339),
	}
	if record.ComplainantID != "" {
		if info, infoErr := json.Marshal(map[string]string{"id": record.ComplainantID}); infoErr == nil {
			issue.Complainant = info
		}
	}
	message, err := json.Marshal(protocol.IssueMessage{Issue: issue})
	if err != nil {
		return fmt.Errorf("encode issue message: %w", err)
	}

	env := protocol.Envelope{Context: c, Message: message}
	entry := storage.AuditRecord{
		TransactionID: record.TransactionID,
		MessageID:     messageID,
		Action:        protocol.ActionIssue,
		Direction:     storage.DirectionOutbound,
		Status:        storage.AuditSuccess,
		PayloadJSON:   string(message),
	}
	err = s.sender.Send(ctx, strings.TrimSuffix(record.BppURI, "/")+"/issue", env)
	if err != nil {
		entry.Status = storage.AuditError
		entry.ErrorDetail = err.Error()
	}
	s.recorder.Record(ctx, entry)
	return err
}

// ApplyUpdate applies an on_issue or on_issue_status callback. The
// issue status only moves forward; the resolution block lands when the
// counterparty resolves.
func (s *Service) ApplyUpdate(ctx context.Context, env protocol.Envelope) error {
	var message protocol.IssueMessage
	if err := env.DecodeMessage(&message); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedCallback,
			fmt.Sprintf("malformed %s message", env.Context.Action), err)
	}
	issueID := strings.TrimSpace(message.Issue.ID)
	if issueID == "" {
		return apperrors.New(apperrors.CodeMalformedCallback, "issue callback carries no issue id")
	}

	record, err := s.issues.GetIssue(ctx, issueID)
	if err != nil {
		if errorsIs(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeMalformedCallback,
				fmt.Sprintf("issue %s is not known", issueID))
		}
		return err
	}

	next, err := parseIssueStatus(message.Issue.Status)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedCallback, "issue callback status", err)
	}
	if statusRank[next] < statusRank[record.Status] {
		return apperrors.WithMetadata(apperrors.CodeInvalidIssueTransition,
			fmt.Sprintf("issue %s cannot move from %s back to %s", issueID, record.Status, next),
			map[string]string{"issue_id": issueID})
	}

	previous := record.Status
	record.Status = next
	if message.Issue.Resolution != nil {
		resolution, marshalErr := json.Marshal(message.Issue.Resolution)
		if marshalErr == nil {
			record.ResolutionJSON = string(resolution)
		}
	}
	record.UpdatedAt = s.clock().UTC()
	if err := s.issues.UpdateIssue(ctx, record, previous); err != nil {
		if errorsIs(err, storage.ErrConflict) {
			return apperrors.New(apperrors.CodeConflict, "issue state changed concurrently")
		}
		return err
	}
	return nil
}

// Close is the operator action that closes a resolved issue.
func (s *Service) Close(ctx context.Context, issueID string) (storage.IssueRecord, error) {
	record, err := s.Get(ctx, issueID)
	if err != nil {
		return storage.IssueRecord{}, err
	}
	if record.Status != storage.IssueResolved {
		return storage.IssueRecord{}, apperrors.New(apperrors.CodeInvalidIssueTransition,
			fmt.Sprintf("issue %s is %s; only resolved issues close", issueID, record.Status))
	}

	previous := record.Status
	record.Status = storage.IssueClosed
	record.UpdatedAt = s.clock().UTC()
	if err := s.issues.UpdateIssue(ctx, record, previous); err != nil {
		if errorsIs(err, storage.ErrConflict) {
			return storage.IssueRecord{}, apperrors.New(apperrors.CodeConflict, "issue state changed concurrently")
		}
		return storage.IssueRecord{}, err
	}
	return record, nil
}

// Get loads one issue.
func (s *Service) Get(ctx context.Context, issueID string) (storage.IssueRecord, error) {
	record, err := s.issues.GetIssue(ctx, strings.TrimSpace(issueID))
	if err != nil {
		if errorsIs(err, storage.ErrNotFound) {
			return storage.IssueRecord{}, apperrors.New(apperrors.CodeIssueNotFound,
				fmt.Sprintf("issue %s not found", issueID))
		}
		return storage.IssueRecord{}, err
	}
	return record, nil
}

// List lists recent issues.
func (s *Service) List(ctx context.Context, limit int) ([]storage.IssueRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.issues.ListIssues(ctx, limit)
}

func parseIssueStatus(raw string) (storage.IssueStatus, error) {
	switch storage.IssueStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case storage.IssueOpen, "":
		return storage.IssueOpen, nil
	case storage.IssueProcessing:
		return storage.IssueProcessing, nil
	case storage.IssueResolved:
		return storage.IssueResolved, nil
	case storage.IssueClosed:
		return storage.IssueClosed, nil
	default:
		return "", fmt.Errorf("unknown issue status %q", raw)
	}
}

func errorsIs(err, target error) bool {
	return errors.Is(err, target)
}
