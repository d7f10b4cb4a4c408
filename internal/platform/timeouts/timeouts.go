// Package timeouts defines shared timeout constants used across the
// gateway. Centralizing these values prevents drift between boundaries
// and makes the durations discoverable.
package timeouts

import "time"

// ProtocolRequest caps the time allowed for one outbound protocol call
// to a network participant.
const ProtocolRequest = 30 * time.Second

// RegistryLookup caps the wait time for a registry lookup.
const RegistryLookup = 10 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
