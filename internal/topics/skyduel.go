package topics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/topichandler"
)

// SkyduelStore backs the skyduel minigame's public match state plus a
// caller's own queue/match participation.
type SkyduelStore interface {
	MatchState(ctx context.Context, matchID string) (any, error)
	QueueUp(ctx context.Context, principalID string) error
}

// Skyduel mirrors Contest's shape: public match state is viewable
// anonymously, but joining the queue always requires auth.
type Skyduel struct {
	Broadcaster *broadcast.Broadcaster
	Store       SkyduelStore
}

func (h *Skyduel) AuthRequirement() topichandler.AuthRequirement {
	return topichandler.AuthOptional
}

func (h *Skyduel) OnSubscribe(_ context.Context, _ topichandler.Subscriber) (any, error) {
	return nil, nil
}

func (h *Skyduel) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}

func (h *Skyduel) Request(ctx context.Context, _ topichandler.Subscriber, action string, params json.RawMessage) (any, error) {
	switch action {
	case "getMatchState":
		var req struct {
			MatchID string `json:"matchId"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("decode getMatchState params: %w", err)
		}
		if h.Store == nil {
			return nil, nil
		}
		return h.Store.MatchState(ctx, req.MatchID)
	default:
		return nil, fmt.Errorf("unsupported skyduel action %q", action)
	}
}

func (h *Skyduel) Command(ctx context.Context, sub topichandler.Subscriber, action string, _ json.RawMessage) error {
	switch action {
	case "queueUp":
		if h.Store == nil {
			return nil
		}
		return h.Store.QueueUp(ctx, sub.Identity.PrincipalID)
	default:
		return fmt.Errorf("unsupported skyduel command %q", action)
	}
}
