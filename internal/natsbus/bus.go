// Package natsbus is the gateway's sole cross-process collaborator seam
// (spec §11 domain stack): it subscribes to NATS subjects carrying
// externally-fed streams (market data, contest state, …) and forwards each
// message into the Broadcaster as a topic DATA frame. It never publishes
// client-originated messages back onto NATS — the flow is one-directional,
// in.
package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/degenduel/gateway/internal/envelope"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of the Broadcaster a subject mapping needs.
type Publisher interface {
	Publish(topic string, env envelope.Envelope) (int, error)
}

// SubjectMapping binds one NATS subject to the gateway topic/action its
// messages should be re-emitted as.
type SubjectMapping struct {
	Subject string
	Topic   string
	Action  string
}

type Bus struct {
	conn      *nats.Conn
	subs      []*nats.Subscription
	publisher Publisher
	logger    zerolog.Logger
}

// Connect dials url and returns a Bus ready to Subscribe.
func Connect(url string, publisher Publisher, logger zerolog.Logger) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.Name("degenduel-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{
		conn:      conn,
		publisher: publisher,
		logger:    logger.With().Str("component", "natsbus").Logger(),
	}, nil
}

// Subscribe registers one NATS subscription per mapping. A malformed
// message is logged and dropped rather than surfaced as a gateway error —
// there's no client connection to report it to.
func (b *Bus) Subscribe(mappings []SubjectMapping) error {
	for _, m := range mappings {
		mapping := m
		sub, err := b.conn.Subscribe(mapping.Subject, func(msg *nats.Msg) {
			b.handle(mapping, msg)
		})
		if err != nil {
			return fmt.Errorf("subscribe nats subject %q: %w", mapping.Subject, err)
		}
		b.subs = append(b.subs, sub)
		b.logger.Info().Str("subject", mapping.Subject).Str("topic", mapping.Topic).Msg("subscribed to nats subject")
	}
	return nil
}

func (b *Bus) handle(mapping SubjectMapping, msg *nats.Msg) {
	if !json.Valid(msg.Data) {
		b.logger.Warn().Str("subject", mapping.Subject).Msg("dropping non-JSON nats message")
		return
	}

	env := envelope.Envelope{
		Type:      envelope.TypeData,
		Topic:     mapping.Topic,
		Action:    mapping.Action,
		Data:      json.RawMessage(msg.Data),
		Timestamp: time.Now().UTC(),
	}

	if _, err := b.publisher.Publish(mapping.Topic, env); err != nil {
		b.logger.Error().Err(err).Str("subject", mapping.Subject).Str("topic", mapping.Topic).Msg("failed to fan out nats message")
	}
}

// Close unsubscribes everything and drains the underlying connection.
func (b *Bus) Close() error {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	return b.conn.Drain()
}
