package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hailo-mobility/hailo/internal/audit"
	"github.com/hailo-mobility/hailo/internal/correlator"
	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/protocol"
	"github.com/hailo-mobility/hailo/internal/storage"
)

type fakeStore struct {
	mu           sync.Mutex
	transactions map[string]storage.TransactionRecord
	rideEvents   map[string][]storage.RideEventRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		transactions: map[string]storage.TransactionRecord{},
		rideEvents:   map[string][]storage.RideEventRecord{},
	}
}

func (f *fakeStore) PutTransaction(_ context.Context, record storage.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transactions[record.TransactionID]; ok {
		return storage.ErrConflict
	}
	f.transactions[record.TransactionID] = record
	return nil
}

func (f *fakeStore) GetTransaction(_ context.Context, transactionID string) (storage.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.transactions[transactionID]
	if !ok {
		return storage.TransactionRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) UpdateTransaction(_ context.Context, record storage.TransactionRecord, expected storage.TransactionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.transactions[record.TransactionID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Status != expected {
		return storage.ErrConflict
	}
	f.transactions[record.TransactionID] = record
	return nil
}

func (f *fakeStore) ListTransactions(_ context.Context, limit int) ([]storage.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]storage.TransactionRecord, 0, len(f.transactions))
	for _, record := range f.transactions {
		results = append(results, record)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeStore) AppendRideEvent(_ context.Context, record storage.RideEventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record.Sequence = int64(len(f.rideEvents[record.TransactionID]) + 1)
	f.rideEvents[record.TransactionID] = append(f.rideEvents[record.TransactionID], record)
	return nil
}

func (f *fakeStore) ListRideEvents(_ context.Context, transactionID string) ([]storage.RideEventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.RideEventRecord(nil), f.rideEvents[transactionID]...), nil
}

type sentEnvelope struct {
	url string
	env protocol.Envelope
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentEnvelope
	err  error
}

func (f *fakeSender) Send(_ context.Context, url string, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentEnvelope{url: url, env: env})
	return nil
}

func (f *fakeSender) last(t *testing.T) sentEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeGateways struct{ url string }

func (f fakeGateways) GatewayURL(context.Context) (string, error) { return f.url, nil }

type fixture struct {
	service *Service
	store   *fakeStore
	sender  *fakeSender
	arena   *correlator.Arena
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  newFakeStore(),
		sender: &fakeSender{},
		arena:  correlator.New(),
		now:    time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	counter := 0
	f.service = NewService(
		f.store,
		f.sender,
		fakeGateways{url: "https://gateway.example/ondc"},
		protocol.SubscriberConfig{
			Domain: "ONDC:TRV10", Country: "IND", City: "std:022",
			CoreVersion: "2.0.1", SubscriberID: "api.hailo.app",
			SubscriberURI: "https://api.hailo.app/ondc", TTL: "PT30S",
		},
		audit.NewRecorder(nil, nil, nil),
		f.arena,
		func() time.Time { return f.now },
		func() string { counter++; return fmt.Sprintf("id-%d", counter) },
	)
	return f
}

func catalogEnvelope(transactionID, bppID, bppURI string, providers ...protocol.CatalogProvider) protocol.Envelope {
	message, _ := json.Marshal(protocol.CatalogMessage{Catalog: protocol.Catalog{Providers: providers}})
	return protocol.Envelope{
		Context: protocol.Context{
			Action:        protocol.ActionOnSearch,
			TransactionID: transactionID,
			MessageID:     "msg-cb",
			BppID:         bppID,
			BppURI:        bppURI,
		},
		Message: message,
	}
}

func provider(id, itemID, price string) protocol.CatalogProvider {
	return protocol.CatalogProvider{
		ID:         id,
		Descriptor: &protocol.Descriptor{Name: id},
		Items: []protocol.CatalogItem{{
			ID:         itemID,
			Descriptor: &protocol.Descriptor{Name: "Sedan"},
			Price:      protocol.Price{Currency: "INR", Value: price},
		}},
	}
}

func TestSearchCreatesTransactionAndBroadcasts(t *testing.T) {
	f := newFixture(t)

	started, err := f.service.Search(context.Background(), SearchRequest{
		PickupLat: 12.974, PickupLng: 77.58, DropLat: 12.9345, DropLng: 77.6102,
	})
	if err != nil {
		t.Fatal(err)
	}

	record, err := f.store.GetTransaction(context.Background(), started.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != storage.StatusSearchInitiated {
		t.Errorf("Status = %q", record.Status)
	}
	if record.PickupGPS != "12.974,77.58" {
		t.Errorf("PickupGPS = %q", record.PickupGPS)
	}
	if !record.SearchExpiresAt.Equal(f.now.Add(30 * time.Second)) {
		t.Errorf("SearchExpiresAt = %v", record.SearchExpiresAt)
	}

	sent := f.sender.last(t)
	if sent.url != "https://gateway.example/ondc/search" {
		t.Errorf("url = %q", sent.url)
	}
	if sent.env.Context.Action != protocol.ActionSearch {
		t.Errorf("action = %q", sent.env.Context.Action)
	}
	if sent.env.Context.BapID != "api.hailo.app" {
		t.Errorf("bap_id = %q", sent.env.Context.BapID)
	}
}

func TestOnSearchMergesAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.service.Search(ctx, SearchRequest{PickupLat: 12.9, PickupLng: 77.5, DropLat: 12.8, DropLng: 77.6})
	if err != nil {
		t.Fatal(err)
	}

	first := catalogEnvelope(started.TransactionID, "bpp-a", "https://bpp-a.example", provider("prov-a", "item-1", "245.00"))
	if err := f.service.Apply(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := catalogEnvelope(started.TransactionID, "bpp-b", "https://bpp-b.example",
		provider("prov-b", "item-2", "260.00"),
		provider("prov-a", "item-1", "999.00")) // duplicate, must be rejected
	if err := f.service.Apply(ctx, second); err != nil {
		t.Fatal(err)
	}

	results, err := f.service.Results(ctx, started.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ProviderID != "prov-a" || results[1].ProviderID != "prov-b" {
		t.Errorf("order not first-seen: %+v", results)
	}
	if results[0].Price.Value != "245.00" {
		t.Errorf("duplicate overwrote price: %q", results[0].Price.Value)
	}

	record, _ := f.store.GetTransaction(ctx, started.TransactionID)
	if record.Status != storage.StatusSearchCompleted {
		t.Errorf("Status = %q", record.Status)
	}
}

func TestOnSearchRejectsStaleAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.service.Apply(ctx, catalogEnvelope("txn-unknown", "bpp-a", "https://bpp-a.example", provider("p", "i", "1")))
	if apperrors.CodeOf(err) != apperrors.CodeTransactionNotFound {
		t.Errorf("unknown transaction CodeOf() = %q", apperrors.CodeOf(err))
	}

	started, err := f.service.Search(ctx, SearchRequest{PickupLat: 1, PickupLng: 2, DropLat: 3, DropLng: 4})
	if err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(time.Minute) // past the search TTL window

	err = f.service.Apply(ctx, catalogEnvelope(started.TransactionID, "bpp-a", "https://bpp-a.example", provider("p", "i", "1")))
	if apperrors.CodeOf(err) != apperrors.CodeStaleCallback {
		t.Errorf("stale CodeOf() = %q", apperrors.CodeOf(err))
	}
}

// runToQuote walks a fixture through search, on_search and select.
func runToQuote(t *testing.T, f *fixture) string {
	t.Helper()
	ctx := context.Background()

	started, err := f.service.Search(ctx, SearchRequest{PickupLat: 12.9, PickupLng: 77.5, DropLat: 12.8, DropLng: 77.6})
	if err != nil {
		t.Fatal(err)
	}
	env := catalogEnvelope(started.TransactionID, "bpp-a", "https://bpp-a.example", provider("prov-a", "item-1", "245.00"))
	if err := f.service.Apply(ctx, env); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.Select(ctx, SelectRequest{TransactionID: started.TransactionID, ProviderID: "prov-a", ItemID: "item-1"}); err != nil {
		t.Fatal(err)
	}

	quote := protocol.OrderMessage{Order: protocol.Order{
		Provider: &protocol.OrderProvider{ID: "prov-a"},
		Items:    []protocol.OrderItem{{ID: "item-1"}},
		Quote:    &protocol.Quote{Price: protocol.Price{Currency: "INR", Value: "245.00"}},
	}}
	message, _ := json.Marshal(quote)
	err = f.service.Apply(ctx, protocol.Envelope{
		Context: protocol.Context{Action: protocol.ActionOnSelect, TransactionID: started.TransactionID, BppID: "bpp-a", BppURI: "https://bpp-a.example"},
		Message: message,
	})
	if err != nil {
		t.Fatal(err)
	}
	return started.TransactionID
}

func TestSelectValidatesStateAndResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.service.Search(ctx, SearchRequest{PickupLat: 1, PickupLng: 2, DropLat: 3, DropLng: 4})
	if err != nil {
		t.Fatal(err)
	}

	// No results yet: still SEARCH_INITIATED.
	_, err = f.service.Select(ctx, SelectRequest{TransactionID: started.TransactionID, ProviderID: "p", ItemID: "i"})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidTransactionState {
		t.Errorf("CodeOf() = %q, want invalid state", apperrors.CodeOf(err))
	}

	env := catalogEnvelope(started.TransactionID, "bpp-a", "https://bpp-a.example", provider("prov-a", "item-1", "245.00"))
	if err := f.service.Apply(ctx, env); err != nil {
		t.Fatal(err)
	}

	_, err = f.service.Select(ctx, SelectRequest{TransactionID: started.TransactionID, ProviderID: "prov-a", ItemID: "item-404"})
	if apperrors.CodeOf(err) != apperrors.CodeItemNotFound {
		t.Errorf("CodeOf() = %q, want item not found", apperrors.CodeOf(err))
	}

	if _, err := f.service.Select(ctx, SelectRequest{TransactionID: started.TransactionID, ProviderID: "prov-a", ItemID: "item-1"}); err != nil {
		t.Fatal(err)
	}
	sent := f.sender.last(t)
	if sent.url != "https://bpp-a.example/select" {
		t.Errorf("url = %q", sent.url)
	}
	if sent.env.Context.BppID != "bpp-a" {
		t.Errorf("bpp_id = %q", sent.env.Context.BppID)
	}

	record, _ := f.store.GetTransaction(ctx, started.TransactionID)
	if record.Status != storage.StatusSelectInitiated {
		t.Errorf("Status = %q", record.Status)
	}
}

func TestOnSelectErrorIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.service.Search(ctx, SearchRequest{PickupLat: 1, PickupLng: 2, DropLat: 3, DropLng: 4})
	if err != nil {
		t.Fatal(err)
	}
	env := catalogEnvelope(started.TransactionID, "bpp-a", "https://bpp-a.example", provider("prov-a", "item-1", "245.00"))
	if err := f.service.Apply(ctx, env); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.Select(ctx, SelectRequest{TransactionID: started.TransactionID, ProviderID: "prov-a", ItemID: "item-1"}); err != nil {
		t.Fatal(err)
	}

	ch, cancel := f.arena.Subscribe(correlator.Topic(StepSelectError, started.TransactionID))
	defer cancel()

	err = f.service.Apply(ctx, protocol.Envelope{
		Context: protocol.Context{Action: protocol.ActionOnSelect, TransactionID: started.TransactionID},
		Message: json.RawMessage(`{}`),
		Error:   &protocol.Error{Code: "30003", Message: "no drivers available"},
	})
	if err != nil {
		t.Fatal(err)
	}

	record, _ := f.store.GetTransaction(ctx, started.TransactionID)
	if record.Status != storage.StatusSelectError {
		t.Fatalf("Status = %q", record.Status)
	}

	// The failure reaches subscribers on its own topic.
	select {
	case payload := <-ch:
		var failure SelectFailure
		if err := json.Unmarshal(payload, &failure); err != nil {
			t.Fatal(err)
		}
		if failure.Message != "no drivers available" {
			t.Errorf("failure message = %q", failure.Message)
		}
	default:
		t.Fatal("no failure published")
	}

	// A fresh select from the error state is allowed.
	if _, err := f.service.Select(ctx, SelectRequest{TransactionID: started.TransactionID, ProviderID: "prov-a", ItemID: "item-1"}); err != nil {
		t.Fatal(err)
	}
}

func TestFullBookingFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	transactionID := runToQuote(t, f)

	record, _ := f.store.GetTransaction(ctx, transactionID)
	if record.Status != storage.StatusQuoteReceived {
		t.Fatalf("Status after on_select = %q", record.Status)
	}
	if record.QuoteJSON == "" {
		t.Fatal("quote not stored")
	}

	if _, err := f.service.Init(ctx, InitRequest{TransactionID: transactionID, Billing: json.RawMessage(`{"name":"Asha"}`)}); err != nil {
		t.Fatal(err)
	}
	message, _ := json.Marshal(protocol.OrderMessage{Order: protocol.Order{
		Provider: &protocol.OrderProvider{ID: "prov-a"},
		Items:    []protocol.OrderItem{{ID: "item-1"}},
	}})
	if err := f.service.Apply(ctx, protocol.Envelope{
		Context: protocol.Context{Action: protocol.ActionOnInit, TransactionID: transactionID},
		Message: message,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.service.Confirm(ctx, ConfirmRequest{TransactionID: transactionID, Payment: json.RawMessage(`{"type":"ON-FULFILLMENT"}`)}); err != nil {
		t.Fatal(err)
	}
	confirmSent := f.sender.last(t)
	if confirmSent.url != "https://bpp-a.example/confirm" {
		t.Errorf("confirm url = %q", confirmSent.url)
	}

	confirmed, _ := json.Marshal(protocol.OrderMessage{Order: protocol.Order{ID: "order-77", State: "ACTIVE"}})
	if err := f.service.Apply(ctx, protocol.Envelope{
		Context: protocol.Context{Action: protocol.ActionOnConfirm, TransactionID: transactionID},
		Message: confirmed,
	}); err != nil {
		t.Fatal(err)
	}

	record, _ = f.store.GetTransaction(ctx, transactionID)
	if record.Status != storage.StatusConfirmed {
		t.Fatalf("Status = %q", record.Status)
	}
	if record.OrderID != "order-77" {
		t.Errorf("OrderID = %q", record.OrderID)
	}
	if record.FulfillmentStatus != storage.FulfillmentPending {
		t.Errorf("FulfillmentStatus = %q", record.FulfillmentStatus)
	}
}

func TestOnStatusAdvancesFulfillmentMonotonically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	transactionID := runToQuote(t, f)

	// Fast-forward to confirmed.
	record, _ := f.store.GetTransaction(ctx, transactionID)
	record.Status = storage.StatusConfirmed
	record.FulfillmentStatus = storage.FulfillmentPending
	record.OrderID = "order-77"
	if err := f.store.UpdateTransaction(ctx, record, storage.StatusQuoteReceived); err != nil {
		t.Fatal(err)
	}

	statusEnvelope := func(code, gps string) protocol.Envelope {
		message, _ := json.Marshal(protocol.OrderMessage{Order: protocol.Order{
			ID: "order-77",
			Fulfillment: &protocol.Fulfillment{
				State: &protocol.FulfillmentState{Descriptor: protocol.Descriptor{Code: code}},
				Start: &protocol.Stop{Location: protocol.Location{GPS: gps}},
				Agent: json.RawMessage(`{"name":"Ravi"}`),
			},
		}})
		return protocol.Envelope{
			Context: protocol.Context{Action: protocol.ActionOnStatus, TransactionID: transactionID},
			Message: message,
		}
	}

	if err := f.service.Apply(ctx, statusEnvelope("ON_THE_WAY", "12.95,77.59")); err != nil {
		t.Fatal(err)
	}
	// A delayed earlier update must not move the ride backwards.
	if err := f.service.Apply(ctx, statusEnvelope("AGENT_ASSIGNED", "12.94,77.58")); err != nil {
		t.Fatal(err)
	}

	record, _ = f.store.GetTransaction(ctx, transactionID)
	if record.FulfillmentStatus != storage.FulfillmentOnTheWay {
		t.Errorf("FulfillmentStatus = %q, want ON_THE_WAY", record.FulfillmentStatus)
	}

	driver, err := f.service.DriverLocation(ctx, transactionID)
	if err != nil {
		t.Fatal(err)
	}
	if string(driver.Agent) != `{"name":"Ravi"}` {
		t.Errorf("Agent = %s", driver.Agent)
	}

	history, err := f.service.RideHistory(ctx, transactionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("history = %d events, want 2", len(history))
	}
}

func TestOnCancelTerminatesNonTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	transactionID := runToQuote(t, f)

	message, _ := json.Marshal(protocol.OrderMessage{Order: protocol.Order{State: "CANCELLED"}})
	if err := f.service.Apply(ctx, protocol.Envelope{
		Context: protocol.Context{Action: protocol.ActionOnCancel, TransactionID: transactionID},
		Message: message,
	}); err != nil {
		t.Fatal(err)
	}

	record, _ := f.store.GetTransaction(ctx, transactionID)
	if record.Status != storage.StatusCancelled {
		t.Fatalf("Status = %q", record.Status)
	}
	if record.FulfillmentStatus != storage.FulfillmentCancelled {
		t.Errorf("FulfillmentStatus = %q", record.FulfillmentStatus)
	}

	// A second on_cancel is stale.
	err := f.service.Apply(ctx, protocol.Envelope{
		Context: protocol.Context{Action: protocol.ActionOnCancel, TransactionID: transactionID},
		Message: message,
	})
	if apperrors.CodeOf(err) != apperrors.CodeStaleCallback {
		t.Errorf("CodeOf() = %q, want stale callback", apperrors.CodeOf(err))
	}
}

func TestCallbackPublishesToSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.service.Search(ctx, SearchRequest{PickupLat: 1, PickupLng: 2, DropLat: 3, DropLng: 4})
	if err != nil {
		t.Fatal(err)
	}

	topic := correlator.Topic(StepSearch, started.TransactionID)
	ch, cancel := f.arena.Subscribe(topic)
	defer cancel()

	env := catalogEnvelope(started.TransactionID, "bpp-a", "https://bpp-a.example", provider("prov-a", "item-1", "245.00"))
	if err := f.service.Apply(ctx, env); err != nil {
		t.Fatal(err)
	}

	// Subscribers get the merged results, not the raw wire envelope.
	select {
	case payload := <-ch:
		var results []Result
		if err := json.Unmarshal(payload, &results); err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 {
			t.Fatalf("published %d results, want 1", len(results))
		}
		if results[0].ItemID != "item-1" || results[0].Price.Value != "245.00" {
			t.Errorf("published result = %+v", results[0])
		}
	default:
		t.Fatal("no payload published")
	}
}

func TestDispatchFailureRevertsSelectState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.service.Search(ctx, SearchRequest{PickupLat: 1, PickupLng: 2, DropLat: 3, DropLng: 4})
	if err != nil {
		t.Fatal(err)
	}
	env := catalogEnvelope(started.TransactionID, "bpp-a", "https://bpp-a.example", provider("prov-a", "item-1", "245.00"))
	if err := f.service.Apply(ctx, env); err != nil {
		t.Fatal(err)
	}

	f.sender.err = fmt.Errorf("connection refused")
	_, err = f.service.Select(ctx, SelectRequest{TransactionID: started.TransactionID, ProviderID: "prov-a", ItemID: "item-1"})
	if err == nil {
		t.Fatal("Select() succeeded despite send failure")
	}

	record, _ := f.store.GetTransaction(ctx, started.TransactionID)
	if record.Status != storage.StatusSearchCompleted {
		t.Errorf("Status = %q, want reverted SEARCH_COMPLETED", record.Status)
	}
}
