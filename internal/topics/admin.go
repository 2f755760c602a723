package topics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/topichandler"
)

// AdminStore backs operator-only reads and actions: connection counts,
// forced disconnects, feature-flag toggles.
type AdminStore interface {
	Stats(ctx context.Context) (any, error)
	Kick(ctx context.Context, principalID string) error
}

// Admin is gated to the admin role; the dispatcher's auth check already
// rejects anonymous and non-admin connections before either method runs.
type Admin struct {
	Broadcaster *broadcast.Broadcaster
	Store       AdminStore
}

func (h *Admin) AuthRequirement() topichandler.AuthRequirement {
	return topichandler.AuthAdmin
}

func (h *Admin) OnSubscribe(_ context.Context, _ topichandler.Subscriber) (any, error) {
	return nil, nil
}

func (h *Admin) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}

func (h *Admin) Request(ctx context.Context, _ topichandler.Subscriber, action string, _ json.RawMessage) (any, error) {
	switch action {
	case "getStats":
		if h.Store == nil {
			return nil, nil
		}
		return h.Store.Stats(ctx)
	default:
		return nil, fmt.Errorf("unsupported admin action %q", action)
	}
}

func (h *Admin) Command(ctx context.Context, _ topichandler.Subscriber, action string, params json.RawMessage) error {
	switch action {
	case "kick":
		var req struct {
			PrincipalID string `json:"principalId"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return fmt.Errorf("decode kick params: %w", err)
		}
		if h.Store == nil {
			return nil
		}
		return h.Store.Kick(ctx, req.PrincipalID)
	default:
		return fmt.Errorf("unsupported admin command %q", action)
	}
}
