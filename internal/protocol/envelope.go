// Package protocol models Beckn/ONDC envelopes and the signed transport
// used to exchange them with network participants.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Protocol actions initiated by this BAP.
const (
	ActionSearch  = "search"
	ActionSelect  = "select"
	ActionInit    = "init"
	ActionConfirm = "confirm"
	ActionStatus  = "status"
	ActionTrack   = "track"
	ActionCancel  = "cancel"
	ActionIssue   = "issue"
)

// Callback actions received from the network.
const (
	ActionOnSearch        = "on_search"
	ActionOnSelect        = "on_select"
	ActionOnInit          = "on_init"
	ActionOnConfirm       = "on_confirm"
	ActionOnStatus        = "on_status"
	ActionOnTrack         = "on_track"
	ActionOnCancel        = "on_cancel"
	ActionOnIssue         = "on_issue"
	ActionOnIssueStatus   = "on_issue_status"
	ActionOnReceiverRecon = "on_receiver_recon"
)

// Context is the protocol context block carried on every envelope.
type Context struct {
	Domain        string    `json:"domain"`
	Country       string    `json:"country"`
	City          string    `json:"city"`
	Action        string    `json:"action"`
	CoreVersion   string    `json:"core_version"`
	BapID         string    `json:"bap_id"`
	BapURI        string    `json:"bap_uri"`
	BppID         string    `json:"bpp_id,omitempty"`
	BppURI        string    `json:"bpp_uri,omitempty"`
	TransactionID string    `json:"transaction_id"`
	MessageID     string    `json:"message_id"`
	Timestamp     time.Time `json:"timestamp"`
	TTL           string    `json:"ttl,omitempty"`
}

// Envelope wraps a protocol message. Message retains the raw JSON so
// unrecognized extensions survive a round trip; typed accessors decode
// the shapes this BAP understands.
type Envelope struct {
	Context Context         `json:"context"`
	Message json.RawMessage `json:"message"`
	Error   *Error          `json:"error,omitempty"`
}

// DecodeMessage unmarshals the envelope message into target.
func (e Envelope) DecodeMessage(target any) error {
	if len(e.Message) == 0 {
		return fmt.Errorf("envelope message is empty")
	}
	if err := json.Unmarshal(e.Message, target); err != nil {
		return fmt.Errorf("decode %s message: %w", e.Context.Action, err)
	}
	return nil
}

// Ack statuses defined by the protocol.
const (
	AckStatusACK  = "ACK"
	AckStatusNACK = "NACK"
)

// AckResponse is the mandated synchronous response to a protocol call.
type AckResponse struct {
	Message AckMessage `json:"message"`
	Error   *Error     `json:"error,omitempty"`
}

// AckMessage holds the acknowledgement status.
type AckMessage struct {
	Ack Ack `json:"ack"`
}

// Ack carries ACK or NACK.
type Ack struct {
	Status string `json:"status"`
}

// Error is the protocol-shaped error block attached to NACK responses.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}

// NewAck builds a positive acknowledgement response.
func NewAck() AckResponse {
	return AckResponse{Message: AckMessage{Ack: Ack{Status: AckStatusACK}}}
}

// NewNack builds a negative acknowledgement with a protocol error block.
func NewNack(code, message string) AckResponse {
	return AckResponse{
		Message: AckMessage{Ack: Ack{Status: AckStatusNACK}},
		Error:   &Error{Code: code, Message: message},
	}
}

// IsAck reports whether the response acknowledged positively.
func (r AckResponse) IsAck() bool {
	return r.Message.Ack.Status == AckStatusACK
}

// FormatGPS renders a coordinate pair in the protocol "lat,lng" form.
func FormatGPS(latitude, longitude float64) string {
	return strconv.FormatFloat(latitude, 'f', -1, 64) + "," + strconv.FormatFloat(longitude, 'f', -1, 64)
}

// ParseGPS splits a protocol "lat,lng" string into coordinates.
func ParseGPS(gps string) (latitude, longitude float64, err error) {
	parts := strings.Split(strings.TrimSpace(gps), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("gps %q: expected lat,lng", gps)
	}
	latitude, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("gps latitude %q: %w", parts[0], err)
	}
	longitude, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("gps longitude %q: %w", parts[1], err)
	}
	return latitude, longitude, nil
}

// ParseTTL converts a protocol ISO-8601 duration (PT30S, PT15M, PT1H,
// P1D and combinations) into a time.Duration.
func ParseTTL(ttl string) (time.Duration, error) {
	value := strings.TrimSpace(strings.ToUpper(ttl))
	if value == "" || value[0] != 'P' {
		return 0, fmt.Errorf("ttl %q: not an ISO-8601 duration", ttl)
	}
	value = value[1:]

	var total time.Duration
	var inTime bool
	var num strings.Builder
	for _, r := range value {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9' || r == '.':
			num.WriteRune(r)
		default:
			if num.Len() == 0 {
				return 0, fmt.Errorf("ttl %q: missing value before %q", ttl, r)
			}
			n, err := strconv.ParseFloat(num.String(), 64)
			if err != nil {
				return 0, fmt.Errorf("ttl %q: %w", ttl, err)
			}
			num.Reset()
			switch {
			case r == 'D' && !inTime:
				total += time.Duration(n * float64(24*time.Hour))
			case r == 'H' && inTime:
				total += time.Duration(n * float64(time.Hour))
			case r == 'M' && inTime:
				total += time.Duration(n * float64(time.Minute))
			case r == 'S' && inTime:
				total += time.Duration(n * float64(time.Second))
			default:
				return 0, fmt.Errorf("ttl %q: unsupported designator %q", ttl, r)
			}
		}
	}
	if num.Len() != 0 {
		return 0, fmt.Errorf("ttl %q: trailing value without designator", ttl)
	}
	if total <= 0 {
		return 0, fmt.Errorf("ttl %q: non-positive duration", ttl)
	}
	return total, nil
}

// FormatTTL renders a duration as a protocol ISO-8601 duration in whole
// seconds.
func FormatTTL(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return "PT" + strconv.FormatInt(seconds, 10) + "S"
}
