// Package topichandler defines the contract each topic's domain logic
// must satisfy (spec component H). The gateway owns this interface; it
// never reaches into a handler's internals, and a handler never reaches
// into the registry — it only calls Broadcaster.publish*.
package topichandler

import (
	"context"
	"encoding/json"

	"github.com/degenduel/gateway/internal/identity"
)

// AuthRequirement gates whether a connection may subscribe to, or invoke
// request/command on, a given topic.
type AuthRequirement string

const (
	AuthNone     AuthRequirement = "none"
	AuthOptional AuthRequirement = "optional"
	AuthRequired AuthRequirement = "required"
	AuthAdmin    AuthRequirement = "admin"
)

// Subscriber is the narrow view of a connection a handler is given —
// enough to know who's asking, never enough to mutate connection internals.
type Subscriber struct {
	ConnectionID int64
	Identity     identity.Identity
	DeviceID     string
}

// Handler is the contract every topic registers exactly one implementation
// of. Handlers must not block the caller for long-running work; anything
// beyond trivial computation should be dispatched to its own goroutine/worker
// and reply asynchronously via the Broadcaster passed at construction.
type Handler interface {
	// AuthRequirement reports this topic's gate.
	AuthRequirement() AuthRequirement

	// OnSubscribe may return a seed payload delivered as DATA action:"initial".
	// A nil return means no initial snapshot is sent.
	OnSubscribe(ctx context.Context, sub Subscriber) (any, error)

	// OnUnsubscribe is a best-effort cleanup hook; errors are logged, not surfaced.
	OnUnsubscribe(ctx context.Context, sub Subscriber)

	// Request handles a REQUEST envelope's action, returning the DATA payload.
	Request(ctx context.Context, sub Subscriber, action string, params json.RawMessage) (any, error)

	// Command handles a COMMAND envelope's action; success is acknowledged,
	// not echoed with a payload.
	Command(ctx context.Context, sub Subscriber, action string, params json.RawMessage) error
}

// Table maps the closed topic set to its registered handler.
type Table map[string]Handler

// AuthRequirement looks up a topic's gate; ok is false for unknown topics.
func (t Table) AuthRequirement(topic string) (AuthRequirement, bool) {
	h, ok := t[topic]
	if !ok {
		return "", false
	}
	return h.AuthRequirement(), true
}

// Names is the closed initial topic set named in the spec's data model.
var Names = []string{
	"market-data", "portfolio", "system", "contest",
	"user", "admin", "wallet", "wallet-balance", "skyduel",
}
