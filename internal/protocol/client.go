package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/platform/timeouts"
)

// Signer produces the Authorization header for an outbound body.
type Signer interface {
	Header(body []byte) (string, error)
}

// SubscriberConfig identifies this BAP on the network and seeds every
// outbound context block.
type SubscriberConfig struct {
	Domain        string `env:"HAILO_ONDC_DOMAIN" envDefault:"ONDC:TRV10"`
	Country       string `env:"HAILO_ONDC_COUNTRY" envDefault:"IND"`
	City          string `env:"HAILO_ONDC_CITY" envDefault:"std:022"`
	CoreVersion   string `env:"HAILO_ONDC_CORE_VERSION" envDefault:"2.0.1"`
	SubscriberID  string `env:"HAILO_ONDC_SUBSCRIBER_ID" envDefault:"api.hailo.app"`
	SubscriberURI string `env:"HAILO_ONDC_SUBSCRIBER_URI" envDefault:"https://api.hailo.app/ondc"`
	TTL           string `env:"HAILO_ONDC_TTL" envDefault:"PT30S"`
}

// NewContext builds an outbound context block for one protocol action.
func (c SubscriberConfig) NewContext(action, transactionID, messageID string, now time.Time) Context {
	return Context{
		Domain:        c.Domain,
		Country:       c.Country,
		City:          c.City,
		Action:        action,
		CoreVersion:   c.CoreVersion,
		BapID:         c.SubscriberID,
		BapURI:        c.SubscriberURI,
		TransactionID: transactionID,
		MessageID:     messageID,
		Timestamp:     now.UTC(),
		TTL:           c.TTL,
	}
}

// Client posts signed protocol envelopes to network participants.
type Client struct {
	httpClient *http.Client
	signer     Signer
}

// NewClient constructs a protocol client with a bounded request timeout.
func NewClient(signer Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = timeouts.ProtocolRequest
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
	}
}

// Send signs and posts one envelope. A transport failure, a non-2xx
// response or a protocol NACK all surface as errors; the envelope is
// otherwise fire-and-forget and the real result arrives as a callback.
func (c *Client) Send(ctx context.Context, url string, env Envelope) error {
	if c == nil || c.signer == nil {
		return fmt.Errorf("protocol client is not configured")
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("destination url is required")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Context.Action, err)
	}
	authHeader, err := c.signer.Header(body)
	if err != nil {
		return fmt.Errorf("sign %s envelope: %w", env.Context.Action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", env.Context.Action, err)
	}
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeGatewayUnavailable, fmt.Sprintf("post %s to %s", env.Context.Action, url), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", env.Context.Action, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.New(apperrors.CodeUpstreamNack,
			fmt.Sprintf("%s to %s: http %d", env.Context.Action, url, resp.StatusCode))
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	var ack AckResponse
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return fmt.Errorf("decode %s acknowledgement: %w", env.Context.Action, err)
	}
	if !ack.IsAck() {
		detail := "negative acknowledgement"
		if ack.Error != nil && ack.Error.Message != "" {
			detail = ack.Error.Message
		}
		return apperrors.WithMetadata(apperrors.CodeUpstreamNack, detail, map[string]string{
			"action":         env.Context.Action,
			"transaction_id": env.Context.TransactionID,
		})
	}
	return nil
}
