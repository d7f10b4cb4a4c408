package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
)

type staticSigner struct {
	header string
	err    error
}

func (s staticSigner) Header(body []byte) (string, error) {
	return s.header, s.err
}

func testEnvelope() Envelope {
	cfg := SubscriberConfig{
		Domain: "ONDC:TRV10", Country: "IND", City: "std:022",
		CoreVersion: "2.0.1", SubscriberID: "api.hailo.app",
		SubscriberURI: "https://api.hailo.app/ondc", TTL: "PT30S",
	}
	ctx := cfg.NewContext(ActionSearch, "txn-1", "msg-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return Envelope{Context: ctx, Message: json.RawMessage(`{"intent":{}}`)}
}

func TestSendSignsAndPostsEnvelope(t *testing.T) {
	var gotAuth string
	var gotBody Envelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(NewAck())
	}))
	defer server.Close()

	client := NewClient(staticSigner{header: "Signature keyId=\"test\""}, time.Second)
	if err := client.Send(context.Background(), server.URL, testEnvelope()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAuth != "Signature keyId=\"test\"" {
		t.Fatalf("expected signed authorization header, got %q", gotAuth)
	}
	if gotBody.Context.Action != ActionSearch || gotBody.Context.TransactionID != "txn-1" {
		t.Fatalf("unexpected posted context: %+v", gotBody.Context)
	}
}

func TestSendSurfacesNackAsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(NewNack("30002", "bad intent"))
	}))
	defer server.Close()

	client := NewClient(staticSigner{header: "sig"}, time.Second)
	err := client.Send(context.Background(), server.URL, testEnvelope())
	if err == nil {
		t.Fatal("expected error for NACK response")
	}
	if !errors.Is(err, apperrors.New(apperrors.CodeUpstreamNack, "")) {
		t.Fatalf("expected UPSTREAM_NACK, got %v", err)
	}
}

func TestSendRejectsHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(staticSigner{header: "sig"}, time.Second)
	err := client.Send(context.Background(), server.URL, testEnvelope())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if apperrors.CodeOf(err) != apperrors.CodeUpstreamNack {
		t.Fatalf("expected UPSTREAM_NACK, got %v", err)
	}
}

func TestSendToleratesEmptyAckBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(staticSigner{header: "sig"}, time.Second)
	if err := client.Send(context.Background(), server.URL, testEnvelope()); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSendPropagatesSignerFailure(t *testing.T) {
	client := NewClient(staticSigner{err: errors.New("no key")}, time.Second)
	err := client.Send(context.Background(), "http://127.0.0.1:1", testEnvelope())
	if err == nil {
		t.Fatal("expected signer error")
	}
}
