// Package correlator bridges asynchronous network callbacks to waiting
// clients through per-topic subscriptions.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/hailo-mobility/hailo/internal/platform/errors"
	"github.com/hailo-mobility/hailo/internal/platform/metrics"
)

// ErrAwaitTimeout indicates no callback arrived within the TTL window.
var ErrAwaitTimeout = apperrors.New(apperrors.CodeAwaitTimeout, "timed out waiting for callback")

// Topic names the subscription channel for one step of one transaction.
func Topic(step, transactionID string) string {
	return fmt.Sprintf("%s_update_%s", step, transactionID)
}

type subscriber struct {
	ch chan json.RawMessage
}

// Arena is the in-process subscription table. A publish reaches every
// current subscriber of its topic; topics with no subscribers cost
// nothing.
type Arena struct {
	mu     sync.Mutex
	topics map[string][]*subscriber
}

// New creates an empty arena.
func New() *Arena {
	return &Arena{topics: map[string][]*subscriber{}}
}

// Subscribe registers interest in a topic. The returned cancel func is
// idempotent and frees the topic entry once its last subscriber leaves.
func (a *Arena) Subscribe(topic string) (<-chan json.RawMessage, func()) {
	sub := &subscriber{ch: make(chan json.RawMessage, 1)}

	a.mu.Lock()
	a.topics[topic] = append(a.topics[topic], sub)
	a.mu.Unlock()
	metrics.SubscriptionsActive.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			subs := a.topics[topic]
			for i, candidate := range subs {
				if candidate == sub {
					subs = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(subs) == 0 {
				delete(a.topics, topic)
			} else {
				a.topics[topic] = subs
			}
			a.mu.Unlock()
			metrics.SubscriptionsActive.Dec()
		})
	}
	return sub.ch, cancel
}

// Publish delivers payload to every current subscriber of topic without
// blocking. Subscribers whose buffer is full are skipped and counted.
// Returns the number of deliveries.
func (a *Arena) Publish(topic string, payload json.RawMessage) int {
	a.mu.Lock()
	subs := append([]*subscriber(nil), a.topics[topic]...)
	a.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		select {
		case sub.ch <- payload:
			delivered++
		default:
			metrics.PublishesDropped.Inc()
		}
	}
	return delivered
}

// Await subscribes to topic and returns the first payload published
// within ttl. The subscription is removed on every exit path.
func (a *Arena) Await(ctx context.Context, topic string, ttl time.Duration) (json.RawMessage, error) {
	ch, cancel := a.Subscribe(topic)
	defer cancel()

	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case payload := <-ch:
		return payload, nil
	case <-timer.C:
		return nil, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size reports the number of live topics, for tests and diagnostics.
func (a *Arena) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.topics)
}
