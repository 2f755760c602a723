package topics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/topichandler"
)

// System carries gateway-originated announcements (deploys, maintenance
// windows, shutdown notices). Open to everyone — it's the gateway talking
// about itself, not about any one principal.
type System struct {
	Broadcaster *broadcast.Broadcaster
}

func (h *System) AuthRequirement() topichandler.AuthRequirement {
	return topichandler.AuthNone
}

func (h *System) OnSubscribe(_ context.Context, _ topichandler.Subscriber) (any, error) {
	return nil, nil
}

func (h *System) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}

func (h *System) Request(_ context.Context, _ topichandler.Subscriber, action string, _ json.RawMessage) (any, error) {
	return nil, fmt.Errorf("unsupported system action %q", action)
}

func (h *System) Command(_ context.Context, _ topichandler.Subscriber, action string, _ json.RawMessage) error {
	return fmt.Errorf("system has no commands, got %q", action)
}
