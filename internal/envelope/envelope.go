// Package envelope implements the JSON wire codec (spec component A):
// parsing and validating inbound frames, and serializing outbound ones
// with a stable field order and a default timestamp.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/degenduel/gateway/internal/gatewayerr"
)

// Type is the closed set of envelope discriminators.
type Type string

const (
	TypeSubscribe      Type = "SUBSCRIBE"
	TypeUnsubscribe    Type = "UNSUBSCRIBE"
	TypeRequest        Type = "REQUEST"
	TypeCommand        Type = "COMMAND"
	TypeData           Type = "DATA"
	TypeError          Type = "ERROR"
	TypeSystem         Type = "SYSTEM"
	TypeAcknowledgment Type = "ACKNOWLEDGMENT"
)

var knownTypes = map[Type]bool{
	TypeSubscribe: true, TypeUnsubscribe: true, TypeRequest: true, TypeCommand: true,
	TypeData: true, TypeError: true, TypeSystem: true, TypeAcknowledgment: true,
}

// MaxEnvelopeBytes is the default wire size ceiling; callers pass their own
// configured limit to Decode.
const MaxEnvelopeBytes = 64 * 1024

// Envelope is the single JSON wire shape in both directions. Fields not
// meaningful to a given Type are left zero/omitted on the wire.
type Envelope struct {
	Type      Type            `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Action    string          `json:"action,omitempty"`
	Operation string          `json:"operation,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Code      int             `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Topics    []string        `json:"topics,omitempty"`
	AuthToken string          `json:"authToken,omitempty"`
}

// Decode parses and validates an inbound frame. On any validation failure
// it returns a *gatewayerr.Error carrying the wire code the dispatcher
// should echo back to the client.
func Decode(raw []byte, maxBytes int) (Envelope, *gatewayerr.Error) {
	if maxBytes <= 0 {
		maxBytes = MaxEnvelopeBytes
	}
	if len(raw) > maxBytes {
		return Envelope{}, gatewayerr.New(gatewayerr.CodeInvalidFormat, "envelope exceeds size limit")
	}

	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, gatewayerr.Wrap(gatewayerr.CodeInvalidFormat, "malformed JSON envelope", err)
	}

	if e.Type == "" {
		return Envelope{}, gatewayerr.New(gatewayerr.CodeMissingType, "missing message type")
	}
	if !knownTypes[e.Type] {
		return Envelope{}, gatewayerr.New(gatewayerr.CodeInvalidFormat, "unknown message type")
	}

	switch e.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if len(e.Topics) == 0 {
			return Envelope{}, gatewayerr.New(gatewayerr.CodeSubscribeNeedsTopics, "subscription requires at least one topic")
		}
	case TypeRequest, TypeCommand:
		if e.Topic == "" || e.Action == "" {
			return Envelope{}, gatewayerr.New(gatewayerr.CodeInvalidFormat, "request/command requires topic and action")
		}
	}

	return e, nil
}

// Encode serializes an outbound envelope, stamping Timestamp with the
// current time if the caller left it unset.
func Encode(e Envelope) ([]byte, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return json.Marshal(e)
}

// NewError builds an outbound ERROR envelope from a gatewayerr.Error,
// echoing requestId/topic when present.
func NewError(gerr *gatewayerr.Error, requestID string) Envelope {
	return Envelope{
		Type:      TypeError,
		Code:      int(gerr.Code),
		Message:   gerr.Message,
		RequestID: requestID,
		Topic:     gerr.Topic,
		Timestamp: time.Now().UTC(),
	}
}

// NewAck builds an outbound ACKNOWLEDGMENT envelope.
func NewAck(operation string, topics []string, requestID string) Envelope {
	return Envelope{
		Type:      TypeAcknowledgment,
		Operation: operation,
		Topics:    topics,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
}

// NewData builds an outbound DATA envelope.
func NewData(topic, action, requestID string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      TypeData,
		Topic:     topic,
		Action:    action,
		RequestID: requestID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewSystem builds an outbound SYSTEM envelope.
func NewSystem(action string) Envelope {
	return Envelope{
		Type:      TypeSystem,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}
