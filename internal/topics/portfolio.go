package topics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/topichandler"
)

// PortfolioStore is the collaborator this handler delegates domain reads
// to; kept as a narrow interface so the handler doesn't import a storage
// package directly.
type PortfolioStore interface {
	Snapshot(ctx context.Context, principalID string) (any, error)
	Positions(ctx context.Context, principalID string) (any, error)
}

// Portfolio serves a principal's own holdings. It requires authentication
// — there is no meaningful anonymous view of somebody else's portfolio.
type Portfolio struct {
	Broadcaster *broadcast.Broadcaster
	Store       PortfolioStore
}

func (h *Portfolio) AuthRequirement() topichandler.AuthRequirement {
	return topichandler.AuthRequired
}

func (h *Portfolio) OnSubscribe(ctx context.Context, sub topichandler.Subscriber) (any, error) {
	if h.Store == nil {
		return nil, nil
	}
	return h.Store.Snapshot(ctx, sub.Identity.PrincipalID)
}

func (h *Portfolio) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}

func (h *Portfolio) Request(ctx context.Context, sub topichandler.Subscriber, action string, _ json.RawMessage) (any, error) {
	if h.Store == nil {
		return nil, nil
	}
	switch action {
	case "getPositions":
		return h.Store.Positions(ctx, sub.Identity.PrincipalID)
	case "getSnapshot":
		return h.Store.Snapshot(ctx, sub.Identity.PrincipalID)
	default:
		return nil, fmt.Errorf("unsupported portfolio action %q", action)
	}
}

func (h *Portfolio) Command(_ context.Context, _ topichandler.Subscriber, action string, _ json.RawMessage) error {
	return fmt.Errorf("portfolio has no commands, got %q", action)
}
