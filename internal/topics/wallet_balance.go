package topics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/topichandler"
)

// BalanceStore backs live wallet-balance reads. Split out from wallet
// (transactions/withdrawals) since balance updates are pushed far more
// frequently and some callers subscribe to one without the other.
type BalanceStore interface {
	Balance(ctx context.Context, principalID string) (any, error)
}

// WalletBalance pushes balance-changed events and serves on-demand reads.
type WalletBalance struct {
	Broadcaster *broadcast.Broadcaster
	Store       BalanceStore
}

func (h *WalletBalance) AuthRequirement() topichandler.AuthRequirement {
	return topichandler.AuthRequired
}

func (h *WalletBalance) OnSubscribe(ctx context.Context, sub topichandler.Subscriber) (any, error) {
	if h.Store == nil {
		return nil, nil
	}
	return h.Store.Balance(ctx, sub.Identity.PrincipalID)
}

func (h *WalletBalance) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}

func (h *WalletBalance) Request(ctx context.Context, sub topichandler.Subscriber, action string, _ json.RawMessage) (any, error) {
	switch action {
	case "getBalance":
		if h.Store == nil {
			return nil, nil
		}
		return h.Store.Balance(ctx, sub.Identity.PrincipalID)
	default:
		return nil, fmt.Errorf("unsupported wallet-balance action %q", action)
	}
}

func (h *WalletBalance) Command(_ context.Context, _ topichandler.Subscriber, action string, _ json.RawMessage) error {
	return fmt.Errorf("wallet-balance has no commands, got %q", action)
}
