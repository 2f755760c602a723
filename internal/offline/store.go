// Package offline implements the Offline Queue (spec component I): an
// append-only store for messages a directed publish could not deliver to
// any live connection, replayed back to the principal the next time they
// subscribe to the topic it was addressed to.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/degenduel/gateway/internal/envelope"
	"github.com/degenduel/gateway/internal/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_messages (
	id           uuid PRIMARY KEY,
	principal_id text NOT NULL,
	topic        text NOT NULL,
	payload      jsonb NOT NULL,
	created_at   timestamptz NOT NULL DEFAULT now(),
	delivered_at timestamptz
);
CREATE INDEX IF NOT EXISTS offline_messages_principal_topic_idx
	ON offline_messages (principal_id, topic, created_at)
	WHERE delivered_at IS NULL;
`

// Store is a pgxpool-backed offline message queue.
type Store struct {
	pool            *pgxpool.Pool
	retention       time.Duration
	maxPerPrincipal int
	logger          zerolog.Logger
	metrics         *metrics.Metrics
}

func New(pool *pgxpool.Pool, retention time.Duration, maxPerPrincipal int, logger zerolog.Logger) *Store {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if maxPerPrincipal <= 0 {
		maxPerPrincipal = 500
	}
	return &Store{
		pool:            pool,
		retention:       retention,
		maxPerPrincipal: maxPerPrincipal,
		logger:          logger.With().Str("component", "offline_queue").Logger(),
	}
}

// SetMetrics wires the offline-queue stored/replayed counters. Optional: a
// nil store metrics field just skips recording.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// EnsureSchema creates the backing table/index if they don't already exist.
// Called once at startup; migrations beyond this are out of scope.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure offline_messages schema: %w", err)
	}
	return nil
}

// Store persists one undelivered envelope for principalID/topic, then trims
// that principal's queue for the topic down to maxPerPrincipal, dropping the
// oldest entries first.
func (s *Store) Store(ctx context.Context, principalID, topic string, env envelope.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal offline envelope: %w", err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generate offline message id: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO offline_messages (id, principal_id, topic, payload) VALUES ($1, $2, $3, $4)`,
		id, principalID, topic, payload,
	); err != nil {
		return fmt.Errorf("insert offline message: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		DELETE FROM offline_messages
		WHERE id IN (
			SELECT id FROM offline_messages
			WHERE principal_id = $1 AND topic = $2 AND delivered_at IS NULL
			ORDER BY created_at DESC
			OFFSET $3
		)`, principalID, topic, s.maxPerPrincipal,
	); err != nil {
		s.logger.Warn().Err(err).Str("principal_id", principalID).Str("topic", topic).Msg("failed to trim offline queue")
	}

	if s.metrics != nil {
		s.metrics.OfflineMessagesStored.Inc()
	}
	return nil
}

// Replay delivers every undelivered envelope stored for principalID/topic,
// oldest first, marking each delivered as it's handed to deliver. Rows
// older than retention are treated as expired and skipped; they stay in the
// table until Reap deletes them.
func (s *Store) Replay(ctx context.Context, principalID, topic string, deliver func(envelope.Envelope)) {
	cutoff := time.Now().Add(-s.retention)

	rows, err := s.pool.Query(ctx, `
		SELECT id, payload FROM offline_messages
		WHERE principal_id = $1 AND topic = $2 AND delivered_at IS NULL AND created_at >= $3
		ORDER BY created_at ASC`, principalID, topic, cutoff,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("principal_id", principalID).Str("topic", topic).Msg("offline replay query failed")
		return
	}
	defer rows.Close()

	var delivered []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			s.logger.Error().Err(err).Msg("offline replay scan failed")
			continue
		}
		var env envelope.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.logger.Error().Err(err).Str("id", id.String()).Msg("offline replay envelope decode failed")
			continue
		}
		deliver(env)
		delivered = append(delivered, id)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error().Err(err).Msg("offline replay iteration failed")
	}

	if len(delivered) > 0 {
		if _, err := s.pool.Exec(ctx, `UPDATE offline_messages SET delivered_at = now() WHERE id = ANY($1)`, delivered); err != nil {
			s.logger.Warn().Err(err).Msg("failed to mark offline messages delivered")
		}
		if s.metrics != nil {
			s.metrics.OfflineMessagesReplayed.Add(float64(len(delivered)))
		}
	}
}

// Reap deletes delivered rows and expired undelivered rows older than
// retention. The gateway does not call it itself.
func (s *Store) Reap(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM offline_messages
		WHERE delivered_at IS NOT NULL OR created_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reap offline messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
