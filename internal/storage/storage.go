// Package storage defines the persistence records and store contracts
// for transactions, audit entries, settlements and grievances.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write lost a state race or violated uniqueness.
	ErrConflict = errors.New("record conflict")
)

// TransactionStatus is one node of the booking state machine.
type TransactionStatus string

const (
	StatusSearchInitiated  TransactionStatus = "SEARCH_INITIATED"
	StatusSearchCompleted  TransactionStatus = "SEARCH_COMPLETED"
	StatusSelectInitiated  TransactionStatus = "SELECT_INITIATED"
	StatusQuoteReceived    TransactionStatus = "QUOTE_RECEIVED"
	StatusSelectError      TransactionStatus = "SELECT_ERROR"
	StatusInitInitiated    TransactionStatus = "INIT_INITIATED"
	StatusInitCompleted    TransactionStatus = "INIT_COMPLETED"
	StatusConfirmInitiated TransactionStatus = "CONFIRM_INITIATED"
	StatusConfirmed        TransactionStatus = "CONFIRMED"
	StatusCancelled        TransactionStatus = "CANCELLED"
)

// FulfillmentStatus tracks ride progress after confirmation.
type FulfillmentStatus string

const (
	FulfillmentPending       FulfillmentStatus = "PENDING"
	FulfillmentAgentAssigned FulfillmentStatus = "AGENT_ASSIGNED"
	FulfillmentOnTheWay      FulfillmentStatus = "ON_THE_WAY"
	FulfillmentArrived       FulfillmentStatus = "ARRIVED"
	FulfillmentRideStarted   FulfillmentStatus = "RIDE_STARTED"
	FulfillmentCompleted     FulfillmentStatus = "COMPLETED"
	FulfillmentCancelled     FulfillmentStatus = "CANCELLED"
)

// TransactionRecord stores one booking flow keyed by the network
// transaction id. Protocol payloads that only pass through (catalogs,
// quotes, orders, driver state) are kept as JSON.
type TransactionRecord struct {
	TransactionID      string
	Status             TransactionStatus
	FulfillmentStatus  FulfillmentStatus
	BppID              string
	BppURI             string
	ProviderID         string
	ItemID             string
	OrderID            string
	FulfillmentID      string
	PickupGPS          string
	DropGPS            string
	ResultsJSON        string
	QuoteJSON          string
	OrderJSON          string
	DriverJSON         string
	CancellationReason string
	SearchExpiresAt    time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RideEventRecord is one append-only tracking breadcrumb.
type RideEventRecord struct {
	TransactionID string
	Sequence      int64
	EventType     string
	GPS           string
	DetailsJSON   string
	RecordedAt    time.Time
}

// TransactionStore persists booking state. UpdateTransaction is
// conditional on the current status so racing writers serialize per
// transaction; the loser receives ErrConflict.
type TransactionStore interface {
	PutTransaction(ctx context.Context, record TransactionRecord) error
	GetTransaction(ctx context.Context, transactionID string) (TransactionRecord, error)
	UpdateTransaction(ctx context.Context, record TransactionRecord, expected TransactionStatus) error
	ListTransactions(ctx context.Context, limit int) ([]TransactionRecord, error)
	AppendRideEvent(ctx context.Context, record RideEventRecord) error
	ListRideEvents(ctx context.Context, transactionID string) ([]RideEventRecord, error)
}

// AuditDirection marks which way a message crossed the boundary.
type AuditDirection string

const (
	DirectionInbound  AuditDirection = "INBOUND"
	DirectionOutbound AuditDirection = "OUTBOUND"
)

// AuditStatus is the processing outcome recorded for one message.
type AuditStatus string

const (
	AuditProcessing AuditStatus = "PROCESSING"
	AuditSuccess    AuditStatus = "SUCCESS"
	AuditError      AuditStatus = "ERROR"
)

// AuditRecord is one append-only protocol message trail entry.
type AuditRecord struct {
	ID            string
	TransactionID string
	MessageID     string
	Action        string
	Direction     AuditDirection
	Status        AuditStatus
	ErrorDetail   string
	PayloadJSON   string
	CreatedAt     time.Time
}

// AuditStore persists the protocol audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, record AuditRecord) error
	ListAuditByTransaction(ctx context.Context, transactionID string) ([]AuditRecord, error)
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SettlementStatus is the reconciliation state of one order.
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "PENDING"
	SettlementSettled    SettlementStatus = "SETTLED"
	SettlementNotSettled SettlementStatus = "NOT_SETTLED"
	SettlementDisputed   SettlementStatus = "DISPUTED"
)

// SettlementRecord is the reconciliation state for one network order.
type SettlementRecord struct {
	OrderID        string
	TransactionID  string
	SettlementID   string
	Status         SettlementStatus
	URN            string
	Amount         string
	Currency       string
	SettlementType string
	DetailsJSON    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SettlementStore persists per-order reconciliation state.
type SettlementStore interface {
	UpsertSettlement(ctx context.Context, record SettlementRecord) error
	GetSettlement(ctx context.Context, orderID string) (SettlementRecord, error)
	ListSettlements(ctx context.Context, limit int) ([]SettlementRecord, error)
}

// IssueStatus is the grievance lifecycle state.
type IssueStatus string

const (
	IssueOpen       IssueStatus = "OPEN"
	IssueProcessing IssueStatus = "PROCESSING"
	IssueResolved   IssueStatus = "RESOLVED"
	IssueClosed     IssueStatus = "CLOSED"
)

// IssueRecord is one grievance raised against a counterparty.
type IssueRecord struct {
	IssueID          string
	TransactionID    string
	OrderID          string
	Status           IssueStatus
	Category         string
	SubCategory      string
	ShortDescription string
	LongDescription  string
	ResolutionJSON   string
	ComplainantID    string
	BppID            string
	BppURI           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IssueStore persists grievance state. UpdateIssue is conditional on
// the current status, mirroring the transaction store contract.
type IssueStore interface {
	PutIssue(ctx context.Context, record IssueRecord) error
	GetIssue(ctx context.Context, issueID string) (IssueRecord, error)
	UpdateIssue(ctx context.Context, record IssueRecord, expected IssueStatus) error
	ListIssues(ctx context.Context, limit int) ([]IssueRecord, error)
}
