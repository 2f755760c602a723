package topics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/topichandler"
)

// UserStore backs a principal's own profile/notification state.
type UserStore interface {
	Profile(ctx context.Context, principalID string) (any, error)
	MarkNotificationRead(ctx context.Context, principalID, notificationID string) error
}

// User serves a principal's own profile and notification stream.
type User struct {
	Broadcaster *broadcast.Broadcaster
	Store       UserStore
}

func (h *User) AuthRequirement() topichandler.AuthRequirement {
	return topichandler.AuthRequired
}

func (h *User) OnSubscribe(ctx context.Context, sub topichandler.Subscriber) (any, error) {
	if h.Store == nil {
		return nil, nil
	}
	return h.Store.Profile(ctx, sub.Identity.PrincipalID)
}

func (h *User) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}

func (h *User) Request(ctx context.Context, sub topichandler.Subscriber, action string, _ json.RawMessage) (any, error) {
	switch action {
	case "getProfile":
		if h.Store == nil {
			return nil, nil
		}
		return h.Store.Profile(ctx, sub.Identity.PrincipalID)
	default:
		return nil, fmt.Errorf("unsupported user action %q", action)
	}
}

func (h *User) Command(ctx context.Context, sub topichandler.Subscriber, action string, params json.RawMessage) error {
	switch action {
	case "markNotificationRead":
		var req struct {
			NotificationID string `json:"notificationId"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return fmt.Errorf("decode markNotificationRead params: %w", err)
		}
		if h.Store == nil {
			return nil
		}
		return h.Store.MarkNotificationRead(ctx, sub.Identity.PrincipalID, req.NotificationID)
	default:
		return fmt.Errorf("unsupported user command %q", action)
	}
}
