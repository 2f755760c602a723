// Package topics holds one Handler implementation per closed topic named
// in the gateway's data model (spec component H). Each handler is
// intentionally thin here — the illustrative domain logic a real handler
// would run (pricing lookups, portfolio math, wallet balance sync) lives
// behind the same few methods every topic implements, so swapping one out
// for a fuller implementation never touches the dispatcher or registry.
package topics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/topichandler"
)

// MarketData serves public price/volume ticks. It has no auth gate — the
// feed is the same for every connection, authenticated or not — and its
// content arrives exclusively via the NATS collaborator seam (natsbus),
// never from a client REQUEST/COMMAND.
type MarketData struct {
	Broadcaster *broadcast.Broadcaster
	LastTick    func(symbol string) (any, bool)
}

func (h *MarketData) AuthRequirement() topichandler.AuthRequirement {
	return topichandler.AuthNone
}

// OnSubscribe returns no seed payload, so a new subscriber gets no DATA
// action:"initial" frame; the first data it sees is the next tick. Cached
// prices are served only on request, through getLastTick.
func (h *MarketData) OnSubscribe(_ context.Context, _ topichandler.Subscriber) (any, error) {
	return nil, nil
}

func (h *MarketData) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}

func (h *MarketData) Request(_ context.Context, _ topichandler.Subscriber, action string, params json.RawMessage) (any, error) {
	switch action {
	case "getLastTick":
		var req struct {
			Symbol string `json:"symbol"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("decode getLastTick params: %w", err)
		}
		if h.LastTick == nil {
			return nil, nil
		}
		tick, ok := h.LastTick(req.Symbol)
		if !ok {
			return nil, fmt.Errorf("no cached tick for symbol %q", req.Symbol)
		}
		return tick, nil
	default:
		return nil, fmt.Errorf("unsupported market-data action %q", action)
	}
}

func (h *MarketData) Command(_ context.Context, _ topichandler.Subscriber, action string, _ json.RawMessage) error {
	return fmt.Errorf("market-data has no commands, got %q", action)
}
