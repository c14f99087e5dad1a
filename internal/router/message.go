package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/volition/gcs-core/internal/infrastructure/mqtt"
)

// MessageType classifies inbound traffic by topic shape.
type MessageType string

// Message classifications.
const (
	// TypeServiceReply is a reply on a services_reply topic.
	TypeServiceReply MessageType = "service_reply"

	// TypeCommand is upstream DRC command-channel data (drc/up).
	TypeCommand MessageType = "command"

	// TypeTelemetry is event/OSD/state traffic.
	TypeTelemetry MessageType = "telemetry"

	// TypeStatus is device online/offline status traffic.
	TypeStatus MessageType = "status"

	// TypeUnknown is anything the topic heuristics cannot place.
	TypeUnknown MessageType = "unknown"
)

// Envelope is the validated DJI message envelope.
//
// All device traffic shares this shape; which fields are populated
// depends on the channel. Replies carry data.result (0 = success) and
// optionally data.output; DRC frames carry seq.
type Envelope struct {
	TID       string         `json:"tid,omitempty"`
	BID       string         `json:"bid,omitempty"`
	Method    string         `json:"method,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Result extracts the business result code from the envelope data.
//
// Returns:
//   - int: The result code (0 means success)
//   - bool: false if the envelope carries no result field
func (e *Envelope) Result() (int, bool) {
	if e.Data == nil {
		return 0, false
	}
	raw, ok := e.Data["result"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// Output extracts the optional output object from the envelope data.
func (e *Envelope) Output() map[string]any {
	if e.Data == nil {
		return nil
	}
	out, _ := e.Data["output"].(map[string]any)
	return out
}

// Message is one classified inbound message as delivered to route callbacks.
type Message struct {
	// Topic is the topic the message arrived on.
	Topic string

	// DeviceID is the aircraft serial, supplied by the caller or
	// inferred from the topic.
	DeviceID string

	// Type is the topic-shape classification.
	Type MessageType

	// Envelope is the parsed and validated message envelope.
	Envelope Envelope

	// Raw is the original payload, kept for diagnostics and sinks that
	// want the unmodified frame.
	Raw json.RawMessage
}

// classify derives the message type from the topic shape. Suffix
// matching only; the full topic grammar is not parsed.
func classify(topic string) MessageType {
	switch {
	case strings.HasSuffix(topic, "/services_reply"):
		return TypeServiceReply
	case strings.HasSuffix(topic, "/drc/up"):
		return TypeCommand
	case strings.HasSuffix(topic, "/events"),
		strings.HasSuffix(topic, "/osd"),
		strings.HasSuffix(topic, "/state"):
		return TypeTelemetry
	case strings.HasSuffix(topic, "/status"):
		return TypeStatus
	default:
		return TypeUnknown
	}
}

// parseMessage builds a validated Message from a raw frame.
//
// Malformed JSON is an error; the router counts and drops it rather
// than letting it reach callbacks, so duck-typed field access never
// happens downstream.
func parseMessage(topic string, payload []byte, deviceID string) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope on %s: %w", topic, err)
	}

	if deviceID == "" {
		deviceID = mqtt.DeviceFromTopic(topic)
	}

	raw := make(json.RawMessage, len(payload))
	copy(raw, payload)

	return &Message{
		Topic:    topic,
		DeviceID: deviceID,
		Type:     classify(topic),
		Envelope: env,
		Raw:      raw,
	}, nil
}
