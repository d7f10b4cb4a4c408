// Package registry looks up network participants through the central
// registry: the discovery gateway for broadcast searches and the signing
// public keys of callback senders.
package registry

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/platform/timeouts"
	"github.com/hailo-mobility/hailo/internal/signature"
)

// Subscriber types as published by the registry.
const (
	TypeGateway = "BG"
	TypeBAP     = "BAP"
	TypeBPP     = "BPP"
)

// Config carries the registry endpoint and the lookup scope shared by
// every query this deployment makes.
type Config struct {
	URL      string        `env:"HAILO_REGISTRY_URL"`
	Domain   string        `env:"HAILO_ONDC_DOMAIN" envDefault:"ONDC:TRV10"`
	City     string        `env:"HAILO_ONDC_CITY" envDefault:"std:022"`
	Country  string        `env:"HAILO_ONDC_COUNTRY" envDefault:"IND"`
	CacheTTL time.Duration `env:"HAILO_REGISTRY_CACHE_TTL" envDefault:"5m"`
}

// Subscriber is one registry record.
type Subscriber struct {
	SubscriberID     string `json:"subscriber_id"`
	SubscriberURL    string `json:"subscriber_url"`
	Type             string `json:"type"`
	UniqueKeyID      string `json:"ukId"`
	SigningPublicKey string `json:"signing_public_key"`
	Status           string `json:"status"`
}

// lookupRequest is the registry's POST /lookup body.
type lookupRequest struct {
	SubscriberID string `json:"subscriber_id,omitempty"`
	UniqueKeyID  string `json:"ukId,omitempty"`
	Type         string `json:"type,omitempty"`
	Domain       string `json:"domain,omitempty"`
	City         string `json:"city,omitempty"`
	Country      string `json:"country,omitempty"`
}

type cacheEntry struct {
	subscribers []Subscriber
	expires     time.Time
}

// Client queries the registry with a small TTL cache in front, so key
// resolution on the callback hot path does not hit the registry per
// request.
type Client struct {
	cfg    Config
	client *http.Client
	clock  func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

var _ signature.KeyResolver = (*Client)(nil)

// NewClient constructs a registry client. client and clock may be nil.
func NewClient(cfg Config, client *http.Client, clock func() time.Time) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("registry url is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: timeouts.RegistryLookup}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Client{
		cfg:    cfg,
		client: client,
		clock:  clock,
		cache:  map[string]cacheEntry{},
	}, nil
}

// GatewayURL resolves the discovery gateway for this deployment's
// domain and city.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	subscribers, err := c.lookup(ctx, lookupRequest{
		Type:    TypeGateway,
		Domain:  c.cfg.Domain,
		City:    c.cfg.City,
		Country: c.cfg.Country,
	})
	if err != nil {
		return "", err
	}
	for _, sub := range subscribers {
		if url := strings.TrimSpace(sub.SubscriberURL); url != "" {
			return strings.TrimSuffix(url, "/"), nil
		}
	}
	return "", apperrors.New(apperrors.CodeGatewayUnavailable, "no discovery gateway registered for "+c.cfg.Domain)
}

// PublicKey resolves a participant's signing key. Implements the
// callback verifier's key resolver.
func (c *Client) PublicKey(ctx context.Context, subscriberID, keyID string) (ed25519.PublicKey, error) {
	subscribers, err := c.lookup(ctx, lookupRequest{
		SubscriberID: subscriberID,
		UniqueKeyID:  keyID,
		Domain:       c.cfg.Domain,
		Country:      c.cfg.Country,
	})
	if err != nil {
		return nil, err
	}
	for _, sub := range subscribers {
		if sub.SubscriberID != subscriberID {
			continue
		}
		if sub.UniqueKeyID != "" && sub.UniqueKeyID != keyID {
			continue
		}
		key, err := signature.DecodePublicKey(sub.SigningPublicKey)
		if err != nil {
			return nil, fmt.Errorf("subscriber %s key %s: %w", subscriberID, keyID, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("subscriber %s key %s not registered", subscriberID, keyID)
}

func (c *Client) lookup(ctx context.Context, req lookupRequest) ([]Subscriber, error) {
	key := cacheKey(req)

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && c.clock().Before(entry.expires) {
		c.mu.Unlock()
		return entry.subscribers, nil
	}
	c.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode lookup request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.URL, "/")+"/lookup", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRegistryUnavailable, "registry lookup failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRegistryUnavailable, "read registry response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.CodeRegistryUnavailable,
			fmt.Sprintf("registry lookup returned status %d", resp.StatusCode))
	}

	var subscribers []Subscriber
	if err := json.Unmarshal(payload, &subscribers); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRegistryUnavailable, "decode registry response", err)
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{subscribers: subscribers, expires: c.clock().Add(c.cfg.CacheTTL)}
	c.mu.Unlock()

	return subscribers, nil
}

func cacheKey(req lookupRequest) string {
	return strings.Join([]string{req.SubscriberID, req.UniqueKeyID, req.Type, req.Domain, req.City, req.Country}, "|")
}
