package signature

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
)

type staticResolver struct {
	keys map[string]ed25519.PublicKey
	err  error
}

func (r staticResolver) PublicKey(_ context.Context, subscriberID, keyID string) (ed25519.PublicKey, error) {
	if r.err != nil {
		return nil, r.err
	}
	key, ok := r.keys[subscriberID+"|"+keyID]
	if !ok {
		return nil, errors.New("unknown subscriber key")
	}
	return key, nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pubEnc, privEnc, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := DecodePublicKey(pubEnc)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := DecodePrivateKey(privEnc)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	pub, priv := newTestPair(t)

	signer, err := NewSigner("bap.hailo.example", "key-1", priv, 30*time.Second, fixedClock(now))
	if err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"context":{"action":"search"},"message":{}}`)
	header, err := signer.Header(body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(header, `keyId="bap.hailo.example|key-1|ed25519"`) {
		t.Errorf("header missing keyId: %s", header)
	}
	if !strings.Contains(header, `headers="(created) (expires) digest"`) {
		t.Errorf("header missing signed header set: %s", header)
	}

	verifier := NewVerifier(staticResolver{keys: map[string]ed25519.PublicKey{
		"bap.hailo.example|key-1": pub,
	}}, fixedClock(now.Add(2*time.Second)))

	if err := verifier.Verify(context.Background(), header, body); err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}
}

func TestVerifyRejectsMutatedBody(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	pub, priv := newTestPair(t)

	signer, err := NewSigner("bap.hailo.example", "key-1", priv, 30*time.Second, fixedClock(now))
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"context":{"transaction_id":"txn-1"}}`)
	header, err := signer.Header(body)
	if err != nil {
		t.Fatal(err)
	}

	verifier := NewVerifier(staticResolver{keys: map[string]ed25519.PublicKey{
		"bap.hailo.example|key-1": pub,
	}}, fixedClock(now))

	mutated := append([]byte(nil), body...)
	mutated[len(mutated)/2] ^= 0x01

	err = verifier.Verify(context.Background(), header, mutated)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Verify() = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsExpiredWindow(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	pub, priv := newTestPair(t)

	signer, err := NewSigner("bap.hailo.example", "key-1", priv, 30*time.Second, fixedClock(now))
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{}`)
	header, err := signer.Header(body)
	if err != nil {
		t.Fatal(err)
	}

	resolver := staticResolver{keys: map[string]ed25519.PublicKey{
		"bap.hailo.example|key-1": pub,
	}}

	late := NewVerifier(resolver, fixedClock(now.Add(2*time.Minute)))
	if err := late.Verify(context.Background(), header, body); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("late Verify() = %v, want ErrInvalidSignature", err)
	}

	early := NewVerifier(resolver, fixedClock(now.Add(-time.Minute)))
	if err := early.Verify(context.Background(), header, body); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("early Verify() = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyFailsUniformly(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	pub, priv := newTestPair(t)

	signer, err := NewSigner("bap.hailo.example", "key-1", priv, 30*time.Second, fixedClock(now))
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"message":{}}`)
	header, err := signer.Header(body)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name     string
		header   string
		resolver KeyResolver
	}{
		{"missing header", "", staticResolver{keys: map[string]ed25519.PublicKey{"bap.hailo.example|key-1": pub}}},
		{"garbage header", "Bearer abc123", staticResolver{keys: map[string]ed25519.PublicKey{"bap.hailo.example|key-1": pub}}},
		{"unknown key", header, staticResolver{keys: map[string]ed25519.PublicKey{}}},
		{"resolver failure", header, staticResolver{err: errors.New("registry down")}},
		{"tampered signature", strings.Replace(header, `signature="`, `signature="AAAA`, 1), staticResolver{keys: map[string]ed25519.PublicKey{"bap.hailo.example|key-1": pub}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier := NewVerifier(tc.resolver, fixedClock(now))
			err := verifier.Verify(context.Background(), tc.header, body)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("Verify() = %v, want ErrInvalidSignature", err)
			}
			if apperrors.CodeOf(err) != apperrors.CodeInvalidSignature {
				t.Fatalf("CodeOf() = %q, want %q", apperrors.CodeOf(err), apperrors.CodeInvalidSignature)
			}
		})
	}
}

func TestDecodePrivateKeyAcceptsSeed(t *testing.T) {
	_, priv := newTestPair(t)

	seed := ed25519.PrivateKey(priv).Seed()
	decoded, err := DecodePrivateKey(encode(seed))
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Equal(priv) {
		t.Error("seed-decoded key differs from expanded key")
	}

	if _, err := DecodePrivateKey("not base64!!"); err == nil {
		t.Error("DecodePrivateKey accepted invalid base64")
	}
	if _, err := DecodePrivateKey(encode([]byte("short"))); err == nil {
		t.Error("DecodePrivateKey accepted truncated key")
	}
}

func encode(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
