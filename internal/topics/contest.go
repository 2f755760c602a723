package topics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/topichandler"
)

// ContestStore backs the contest topic's reads: public leaderboard state
// plus, when the caller is authenticated, their own standing within it.
type ContestStore interface {
	Leaderboard(ctx context.Context, contestID string) (any, error)
	Standing(ctx context.Context, contestID, principalID string) (any, error)
	Join(ctx context.Context, contestID, principalID string) error
}

// Contest is open to anonymous viewers (leaderboards are public) but
// upgrades to a personalized view once a connection authenticates, and
// COMMAND (join is the only command) always requires auth regardless of the
// topic's otherwise-optional gate.
type Contest struct {
	Broadcaster *broadcast.Broadcaster
	Store       ContestStore
}

func (h *Contest) AuthRequirement() topichandler.AuthRequirement {
	return topichandler.AuthOptional
}

func (h *Contest) OnSubscribe(_ context.Context, _ topichandler.Subscriber) (any, error) {
	return nil, nil
}

func (h *Contest) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}

func (h *Contest) Request(ctx context.Context, sub topichandler.Subscriber, action string, params json.RawMessage) (any, error) {
	var req struct {
		ContestID string `json:"contestId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("decode contest request params: %w", err)
	}
	switch action {
	case "getLeaderboard":
		if h.Store == nil {
			return nil, nil
		}
		return h.Store.Leaderboard(ctx, req.ContestID)
	case "getMyStanding":
		if sub.Identity.IsAnonymous() {
			return nil, fmt.Errorf("getMyStanding requires authentication")
		}
		if h.Store == nil {
			return nil, nil
		}
		return h.Store.Standing(ctx, req.ContestID, sub.Identity.PrincipalID)
	default:
		return nil, fmt.Errorf("unsupported contest action %q", action)
	}
}

func (h *Contest) Command(ctx context.Context, sub topichandler.Subscriber, action string, params json.RawMessage) error {
	switch action {
	case "join":
		var req struct {
			ContestID string `json:"contestId"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return fmt.Errorf("decode join params: %w", err)
		}
		if h.Store == nil {
			return nil
		}
		return h.Store.Join(ctx, req.ContestID, sub.Identity.PrincipalID)
	default:
		return fmt.Errorf("unsupported contest command %q", action)
	}
}
