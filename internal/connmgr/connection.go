// Package connmgr implements the per-connection state machine and
// read/write pumps (spec component D): Handshaking -> Open -> Draining ->
// Closed, with a bounded outbound queue for backpressure and a single
// writer goroutine per connection.
package connmgr

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/degenduel/gateway/internal/dispatch"
	"github.com/degenduel/gateway/internal/envelope"
	"github.com/degenduel/gateway/internal/gatewayerr"
	"github.com/degenduel/gateway/internal/identity"
	"github.com/degenduel/gateway/internal/logging"
	"github.com/degenduel/gateway/internal/metrics"
	"github.com/degenduel/gateway/internal/ratelimit"
	"github.com/degenduel/gateway/internal/registry"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state (§3).
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the per-connection tunables sourced from the gateway config.
type Config struct {
	OutboundQueueSize   int
	MaxEnvelopeBytes    int
	WriteWait           time.Duration
	PongWait            time.Duration
	HeartbeatInterval   time.Duration
	SlowConsumerTimeout time.Duration
	Metrics             *metrics.Metrics
}

// Connection is the concrete type satisfying both registry.Subscriber and
// dispatch.Conn — the same object is handed to the Subscription Registry
// and the Dispatcher, so a broadcast fan-out and a request reply both
// resolve to the one real outbound queue.
type Connection struct {
	id       int64
	conn     net.Conn
	deviceID string

	identity atomic.Value // identity.Identity

	send      chan []byte
	state     atomic.Int32
	closeOnce sync.Once

	queueFullSince atomic.Value // time.Time

	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	limiter    *ratelimit.ConnectionLimiter
	cfg        Config
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

var _ dispatch.Conn = (*Connection)(nil)

func New(id int64, conn net.Conn, deviceID string, initial identity.Identity, dispatcher *dispatch.Dispatcher, reg *registry.Registry, limiter *ratelimit.ConnectionLimiter, cfg Config, logger zerolog.Logger) *Connection {
	c := &Connection{
		id:         id,
		conn:       conn,
		deviceID:   deviceID,
		send:       make(chan []byte, cfg.OutboundQueueSize),
		dispatcher: dispatcher,
		registry:   reg,
		limiter:    limiter,
		cfg:        cfg,
		metrics:    cfg.Metrics,
		logger:     logger.With().Str("component", "connection").Int64("connection_id", id).Logger(),
	}
	c.identity.Store(initial)
	c.state.Store(int32(StateHandshaking))
	c.queueFullSince.Store(time.Time{})
	return c
}

func (c *Connection) ID() int64                      { return c.id }
func (c *Connection) Identity() identity.Identity     { return c.identity.Load().(identity.Identity) }
func (c *Connection) SetIdentity(id identity.Identity) { c.identity.Store(id) }
func (c *Connection) DeviceID() string                { return c.deviceID }
func (c *Connection) State() State                    { return State(c.state.Load()) }

// Enqueue places data on the outbound queue without blocking. If the queue
// is already full, it tracks how long it's been full and, once that exceeds
// SlowConsumerTimeout, closes the connection as a slow consumer (§4.D) —
// a single instantaneous full queue is not enough on its own, since a
// burst can fill it transiently under normal operation.
func (c *Connection) Enqueue(data []byte) (sent bool) {
	if c.State() == StateClosed {
		return false
	}
	// Close() may run concurrently and close c.send between the state
	// check above and the send below; recover turns that race into a
	// plain failed enqueue instead of a panic.
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		c.queueFullSince.Store(time.Time{})
		return true
	default:
	}

	now := time.Now()
	since, _ := c.queueFullSince.Load().(time.Time)
	if since.IsZero() {
		c.queueFullSince.Store(now)
		return false
	}
	if now.Sub(since) > c.cfg.SlowConsumerTimeout {
		c.logger.Warn().Dur("blocked_for", now.Sub(since)).Msg("disconnecting slow consumer")
		if c.metrics != nil {
			c.metrics.SlowConsumerDrops.Inc()
		}
		c.sendBestEffort(envelope.NewError(gatewayerr.New(gatewayerr.CodeServiceBusy, "slow consumer"), ""))
		c.Close(gatewayerr.CloseTryAgainLater, "slow consumer")
	}
	return false
}

// sendBestEffort tries, without blocking, to place an already-doomed
// connection's final notice on the outbound queue. Unlike Enqueue it never
// recurses into the slow-consumer timer. The queue is already known full at
// the one call site this has today, so it first drops the single oldest
// queued frame to make room — losing one stale update is preferable to the
// client never seeing why it was disconnected.
func (c *Connection) sendBestEffort(env envelope.Envelope) {
	if env.Type == envelope.TypeError && c.metrics != nil {
		c.metrics.EnvelopeErrors.WithLabelValues(strconv.Itoa(env.Code)).Inc()
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return
	}
	defer func() { recover() }()
	select {
	case c.send <- data:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

// Send encodes env and enqueues it; encode failures are logged, not
// propagated, since there's no caller left to hand an error to on this path.
func (c *Connection) Send(env envelope.Envelope) {
	if env.Type == envelope.TypeError && c.metrics != nil {
		c.metrics.EnvelopeErrors.WithLabelValues(strconv.Itoa(env.Code)).Inc()
	}
	data, err := envelope.Encode(env)
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to encode outbound envelope")
		return
	}
	c.Enqueue(data)
}

// Close transitions the connection to Closed exactly once, unwinding it
// from the registry and dispatcher and sending a best-effort WebSocket
// close frame.
func (c *Connection) Close(code gatewayerr.CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.send)

		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusCode(code), reason))
		_ = c.conn.Close()

		c.registry.OnConnectionClosed(c.id)
		c.dispatcher.CancelAll(c.id)
		c.limiter.RemoveConnection(c.id)

		if c.metrics != nil {
			c.metrics.ConnectionsClosed.WithLabelValues(strconv.Itoa(int(code))).Inc()
		}

		c.logger.Info().Int("close_code", int(code)).Str("reason", reason).Msg("connection closed")
	})
}

// ReadLoop consumes inbound frames until the peer disconnects or a
// protocol violation ends the connection. Intended to run in its own
// goroutine; recovers from panics so one bad message can't crash the
// process.
func (c *Connection) ReadLoop(ctx context.Context) {
	defer logging.RecoverPanic(c.logger, "connmgr.ReadLoop", nil, func() {
		c.Close(gatewayerr.CloseProtocolError, "internal error")
	})
	defer c.Close(gatewayerr.CloseNormal, "read loop ended")

	c.state.Store(int32(StateOpen))
	c.Send(envelope.NewAck("connect", nil, ""))

	for {
		if c.cfg.PongWait > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		}

		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			c.logger.Debug().Err(err).Msg("read loop ending")
			return
		}

		switch op {
		case ws.OpClose:
			return
		case ws.OpPing, ws.OpPong:
			continue
		case ws.OpText:
			c.handleText(ctx, data)
		default:
			// binary and other opcodes aren't part of the wire protocol
			continue
		}
	}
}

func (c *Connection) handleText(ctx context.Context, data []byte) {
	if c.metrics != nil {
		c.metrics.MessagesReceived.Inc()
		c.metrics.BytesReceived.Add(float64(len(data)))
	}

	if !c.limiter.CheckLimit(c.id) {
		c.Send(envelope.NewError(gatewayerr.New(gatewayerr.CodeRateLimited, "message rate limit exceeded"), ""))
		return
	}

	env, gerr := envelope.Decode(data, c.cfg.MaxEnvelopeBytes)
	if gerr != nil {
		c.Send(envelope.NewError(gerr, ""))
		return
	}

	c.dispatcher.Dispatch(ctx, c, env)
}

// WriteLoop is the connection's single writer: it drains the outbound
// queue (batching what's already buffered before flushing, as a burst of
// broadcasts arrives together) and emits periodic SYSTEM heartbeats. Token
// expiry is checked on each heartbeat tick: on the first tick at or after
// the expiry it revokes required/admin subscriptions, downgrades the
// identity to anonymous and sends ERROR 4401, leaving the connection open.
// There is no separate timer at the expiry instant.
func (c *Connection) WriteLoop() {
	defer logging.RecoverPanic(c.logger, "connmgr.WriteLoop", nil, func() {
		c.Close(gatewayerr.CloseProtocolError, "internal error")
	})

	writer := bufio.NewWriter(c.conn)
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	writeOne := func(message []byte) error {
		if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.MessagesSent.Inc()
			c.metrics.BytesSent.Add(float64(len(message)))
		}
		return nil
	}

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			if c.cfg.WriteWait > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			}
			if err := writeOne(message); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				message, ok := <-c.send
				if !ok {
					_ = writer.Flush()
					return
				}
				if err := writeOne(message); err != nil {
					c.logger.Debug().Err(err).Msg("write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("flush failed")
				return
			}

		case <-heartbeat.C:
			if id := c.Identity(); !id.TokenExpiry.IsZero() && id.Expired(time.Now()) {
				revoked := c.registry.RevokeRestricted(c.id)
				c.SetIdentity(identity.Anonymous())
				c.logger.Info().Strs("revoked_topics", revoked).Msg("token expired, downgraded to anonymous")
				c.Send(envelope.NewError(gatewayerr.New(gatewayerr.CodeTokenExpired, "session token expired"), ""))
				continue
			}
			c.Send(envelope.NewSystem("heartbeat"))
		}
	}
}
