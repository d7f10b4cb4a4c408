// Package signature implements the network-mandated request signing
// scheme: a BLAKE-512 digest of the payload, an Ed25519 signature over a
// fixed signing string, and a structured Authorization header.
package signature

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
)

// ErrInvalidSignature is the single outcome of every verification
// failure. Callers must not surface which check failed to the sender.
var ErrInvalidSignature = apperrors.New(apperrors.CodeInvalidSignature, "invalid signature")

const (
	algorithm     = "ed25519"
	signedHeaders = "(created) (expires) digest"

	defaultValidity = 30 * time.Second
	defaultSkew     = 5 * time.Second
)

// KeyResolver maps a network participant and key id to its current
// signing public key. Registry-backed in production, fixed in tests.
type KeyResolver interface {
	PublicKey(ctx context.Context, subscriberID, keyID string) (ed25519.PublicKey, error)
}

// Signer produces Authorization headers for outbound envelopes.
type Signer struct {
	subscriberID string
	keyID        string
	privateKey   ed25519.PrivateKey
	validity     time.Duration
	clock        func() time.Time
}

// NewSigner constructs a signer for this subscriber's active key. The
// validity window bounds how long a signed request stays replayable.
func NewSigner(subscriberID, keyID string, privateKey ed25519.PrivateKey, validity time.Duration, clock func() time.Time) (*Signer, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	keyID = strings.TrimSpace(keyID)
	if subscriberID == "" {
		return nil, fmt.Errorf("subscriber id is required")
	}
	if keyID == "" {
		return nil, fmt.Errorf("signing key id is required")
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if validity <= 0 {
		validity = defaultValidity
	}
	if clock == nil {
		clock = time.Now
	}
	return &Signer{
		subscriberID: subscriberID,
		keyID:        keyID,
		privateKey:   privateKey,
		validity:     validity,
		clock:        clock,
	}, nil
}

// Header signs body and returns the Authorization header value.
func (s *Signer) Header(body []byte) (string, error) {
	if s == nil || len(s.privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("signer is not configured")
	}

	created := s.clock().UTC().Unix()
	expires := created + int64(s.validity/time.Second)
	signingString := buildSigningString(created, expires, digest(body))
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, []byte(signingString)))

	return fmt.Sprintf(
		`Signature keyId="%s|%s|%s",algorithm="%s",created="%d",expires="%d",headers="%s",signature="%s"`,
		s.subscriberID, s.keyID, algorithm, algorithm, created, expires, signedHeaders, sig,
	), nil
}

// Verifier checks Authorization headers on inbound callbacks.
type Verifier struct {
	resolver KeyResolver
	clock    func() time.Time
	skew     time.Duration
}

// NewVerifier constructs a verifier that resolves sender keys through
// resolver. A small clock skew is tolerated on the validity window.
func NewVerifier(resolver KeyResolver, clock func() time.Time) *Verifier {
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{resolver: resolver, clock: clock, skew: defaultSkew}
}

// Verify checks header against body. Every failure mode returns
// ErrInvalidSignature; the underlying cause is retained for logs only.
func (v *Verifier) Verify(ctx context.Context, header string, body []byte) error {
	if v == nil || v.resolver == nil {
		return invalid(fmt.Errorf("verifier is not configured"))
	}

	params, err := parseHeader(header)
	if err != nil {
		return invalid(err)
	}
	if params.algorithm != algorithm {
		return invalid(fmt.Errorf("unsupported algorithm %q", params.algorithm))
	}
	if params.headers != signedHeaders {
		return invalid(fmt.Errorf("unexpected signed header set %q", params.headers))
	}

	now := v.clock().UTC().Unix()
	skew := int64(v.skew / time.Second)
	if params.expires < params.created {
		return invalid(fmt.Errorf("expires precedes created"))
	}
	if params.created > now+skew {
		return invalid(fmt.Errorf("signature not yet valid"))
	}
	if params.expires < now-skew {
		return invalid(fmt.Errorf("signature expired"))
	}

	publicKey, err := v.resolver.PublicKey(ctx, params.subscriberID, params.keyID)
	if err != nil {
		return invalid(fmt.Errorf("resolve key %s|%s: %w", params.subscriberID, params.keyID, err))
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return invalid(fmt.Errorf("resolved key has %d bytes", len(publicKey)))
	}

	sig, err := base64.StdEncoding.DecodeString(params.signature)
	if err != nil {
		return invalid(fmt.Errorf("decode signature: %w", err))
	}

	signingString := buildSigningString(params.created, params.expires, digest(body))
	if !ed25519.Verify(publicKey, []byte(signingString), sig) {
		return invalid(fmt.Errorf("signature mismatch"))
	}
	return nil
}

func invalid(cause error) error {
	return apperrors.Wrap(apperrors.CodeInvalidSignature, "invalid signature", cause)
}

// digest computes the BLAKE-512 payload digest in its header form.
func digest(body []byte) string {
	sum := blake2b.Sum512(body)
	return "BLAKE-512=" + base64.StdEncoding.EncodeToString(sum[:])
}

// buildSigningString assembles the fixed "(created) (expires) digest"
// signing string. The order and spelling are protocol-mandated.
func buildSigningString(created, expires int64, digestValue string) string {
	return fmt.Sprintf("(created): %d\n(expires): %d\ndigest: %s", created, expires, digestValue)
}

type headerParams struct {
	subscriberID string
	keyID        string
	algorithm    string
	created      int64
	expires      int64
	headers      string
	signature    string
}

func parseHeader(header string) (headerParams, error) {
	var params headerParams

	header = strings.TrimSpace(header)
	const prefix = "Signature "
	if !strings.HasPrefix(header, prefix) {
		return params, fmt.Errorf("missing Signature prefix")
	}

	fields := map[string]string{}
	for _, part := range strings.Split(header[len(prefix):], ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return params, fmt.Errorf("malformed header field %q", part)
		}
		fields[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}

	keyParts := strings.Split(fields["keyId"], "|")
	if len(keyParts) != 3 {
		return params, fmt.Errorf("malformed keyId %q", fields["keyId"])
	}
	params.subscriberID = strings.TrimSpace(keyParts[0])
	params.keyID = strings.TrimSpace(keyParts[1])
	if params.subscriberID == "" || params.keyID == "" {
		return params, fmt.Errorf("empty subscriber or key id")
	}
	if strings.TrimSpace(keyParts[2]) != algorithm {
		return params, fmt.Errorf("keyId algorithm %q", keyParts[2])
	}

	params.algorithm = fields["algorithm"]
	params.headers = fields["headers"]
	params.signature = fields["signature"]
	if params.signature == "" {
		return params, fmt.Errorf("missing signature field")
	}

	var err error
	params.created, err = strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return params, fmt.Errorf("parse created: %w", err)
	}
	params.expires, err = strconv.ParseInt(fields["expires"], 10, 64)
	if err != nil {
		return params, fmt.Errorf("parse expires: %w", err)
	}
	return params, nil
}
