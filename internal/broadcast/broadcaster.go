// Package broadcast implements the Broadcaster (spec component G): fanning
// one outbound envelope out to every subscriber of a topic, and directed
// delivery to a single principal with store-and-forward into the Offline
// Queue when nobody is currently connected to receive it.
package broadcast

import (
	"context"
	"fmt"

	"github.com/degenduel/gateway/internal/envelope"
	"github.com/degenduel/gateway/internal/registry"
	"github.com/rs/zerolog"
)

// OfflineStore persists a message a directed publish couldn't deliver live,
// for replay the next time the principal subscribes to topic. Implemented
// by the offline package.
type OfflineStore interface {
	Store(ctx context.Context, principalID, topic string, env envelope.Envelope) error
}

type Broadcaster struct {
	registry *registry.Registry
	offline  OfflineStore
	logger   zerolog.Logger
}

func New(reg *registry.Registry, offline OfflineStore, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		offline:  offline,
		logger:   logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Publish fans env out to every live subscriber of topic. The envelope is
// marshaled exactly once and the same bytes are handed to every
// subscriber's Enqueue; a subscriber whose outbound queue is full is
// skipped here (its connection owns slow-consumer disconnection) rather
// than retried. Returns the number of subscribers the bytes were handed to.
func (b *Broadcaster) Publish(topic string, env envelope.Envelope) (delivered int, err error) {
	subs := b.registry.SubscribersOf(topic)
	if len(subs) == 0 {
		return 0, nil
	}

	data, err := envelope.Encode(env)
	if err != nil {
		return 0, fmt.Errorf("encode envelope for topic %q: %w", topic, err)
	}

	for _, sub := range subs {
		if sub.Enqueue(data) {
			delivered++
		} else {
			b.logger.Warn().Str("topic", topic).Int64("connection_id", sub.ID()).Msg("subscriber queue full, dropping broadcast frame")
		}
	}
	return delivered, nil
}

// PublishDirected delivers env to every live connection belonging to
// principalID that is subscribed to topic (a principal may have more than
// one device connected). If the frame reached none of them (none is
// subscribed, or every matching queue was full) and store is true, the
// message is persisted to the Offline Queue for replay on next subscribe.
func (b *Broadcaster) PublishDirected(ctx context.Context, principalID, topic string, env envelope.Envelope, store bool) (delivered int, err error) {
	subs := b.registry.SubscribersOf(topic)

	var data []byte
	for _, sub := range subs {
		if sub.Identity().PrincipalID != principalID {
			continue
		}
		if data == nil {
			data, err = envelope.Encode(env)
			if err != nil {
				return 0, fmt.Errorf("encode envelope for topic %q: %w", topic, err)
			}
		}
		if sub.Enqueue(data) {
			delivered++
		} else {
			b.logger.Warn().Str("topic", topic).Int64("connection_id", sub.ID()).Msg("subscriber queue full, dropping directed frame")
		}
	}

	if delivered == 0 && store && b.offline != nil {
		if err := b.offline.Store(ctx, principalID, topic, env); err != nil {
			return 0, fmt.Errorf("store offline message for principal %q topic %q: %w", principalID, topic, err)
		}
	}
	return delivered, nil
}
