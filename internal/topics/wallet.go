package topics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/topichandler"
)

// WalletStore backs wallet linkage/transaction-history reads and the
// withdrawal command.
type WalletStore interface {
	Transactions(ctx context.Context, principalID string) (any, error)
	Withdraw(ctx context.Context, principalID string, amountLamports int64, toAddress string) error
}

// Wallet serves a principal's own on-chain wallet activity.
type Wallet struct {
	Broadcaster *broadcast.Broadcaster
	Store       WalletStore
}

func (h *Wallet) AuthRequirement() topichandler.AuthRequirement {
	return topichandler.AuthRequired
}

func (h *Wallet) OnSubscribe(_ context.Context, _ topichandler.Subscriber) (any, error) {
	return nil, nil
}

func (h *Wallet) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}

func (h *Wallet) Request(ctx context.Context, sub topichandler.Subscriber, action string, _ json.RawMessage) (any, error) {
	switch action {
	case "getTransactions":
		if h.Store == nil {
			return nil, nil
		}
		return h.Store.Transactions(ctx, sub.Identity.PrincipalID)
	default:
		return nil, fmt.Errorf("unsupported wallet action %q", action)
	}
}

func (h *Wallet) Command(ctx context.Context, sub topichandler.Subscriber, action string, params json.RawMessage) error {
	switch action {
	case "withdraw":
		var req struct {
			AmountLamports int64  `json:"amountLamports"`
			ToAddress      string `json:"toAddress"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return fmt.Errorf("decode withdraw params: %w", err)
		}
		if req.AmountLamports <= 0 {
			return fmt.Errorf("withdraw amount must be positive, got %d", req.AmountLamports)
		}
		if h.Store == nil {
			return nil
		}
		return h.Store.Withdraw(ctx, sub.Identity.PrincipalID, req.AmountLamports, req.ToAddress)
	default:
		return fmt.Errorf("unsupported wallet command %q", action)
	}
}
