// Package dispatch implements the Dispatcher (spec component F): routing
// decoded envelopes to topic handlers and correlating REQUEST/COMMAND
// replies.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/degenduel/gateway/internal/envelope"
	"github.com/degenduel/gateway/internal/gatewayerr"
	"github.com/degenduel/gateway/internal/identity"
	"github.com/degenduel/gateway/internal/metrics"
	"github.com/degenduel/gateway/internal/registry"
	"github.com/degenduel/gateway/internal/topichandler"
	"github.com/rs/zerolog"
)

// Conn is the minimal view of a connection the dispatcher needs. It embeds
// registry.Subscriber so a Conn can be registered directly with the
// Subscription Registry without an adapter that would drop the real
// Enqueue path the Broadcaster later fans out through. The concrete
// *connmgr.Connection satisfies this by structure.
type Conn interface {
	registry.Subscriber
	SetIdentity(identity.Identity)
	DeviceID() string
	Send(env envelope.Envelope)
	Close(code gatewayerr.CloseCode, reason string)
}

// AuthUpgrader verifies an in-message authToken (Auth Verifier's
// verifyInMessage, §4.B) to upgrade an anonymous connection mid-session.
type AuthUpgrader interface {
	VerifyInMessage(ctx context.Context, token string) (identity.Identity, error)
}

// OfflineReplayer replays undelivered offline messages on successful
// subscribe (§4.I). Implemented by the offline package.
type OfflineReplayer interface {
	Replay(ctx context.Context, principalID, topic string, deliver func(envelope.Envelope))
}

type Dispatcher struct {
	registry   *registry.Registry
	handlers   topichandler.Table
	auth       AuthUpgrader
	offline    OfflineReplayer
	pending    *pendingTable
	timeout    time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

func New(reg *registry.Registry, handlers topichandler.Table, auth AuthUpgrader, offline OfflineReplayer, requestTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		handlers: handlers,
		auth:     auth,
		offline:  offline,
		pending:  newPendingTable(),
		timeout:  requestTimeout,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// SetMetrics wires request-latency/in-flight instrumentation. Optional: a
// nil dispatcher metrics field just skips recording.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// Dispatch routes one decoded envelope by type.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, env envelope.Envelope) {
	switch env.Type {
	case envelope.TypeSubscribe:
		d.handleSubscribe(ctx, conn, env)
	case envelope.TypeUnsubscribe:
		d.handleUnsubscribe(ctx, conn, env)
	case envelope.TypeRequest:
		d.handleRequestOrCommand(ctx, conn, env, true)
	case envelope.TypeCommand:
		d.handleRequestOrCommand(ctx, conn, env, false)
	default:
		conn.Send(envelope.NewError(gatewayerr.New(gatewayerr.CodeInvalidFormat, "unknown message type"), env.RequestID))
	}
}

// CancelAll rejects every pending request owned by connID (called on
// connection close).
func (d *Dispatcher) CancelAll(connID int64) {
	d.pending.cancelAll(connID)
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, conn Conn, env envelope.Envelope) {
	if env.AuthToken != "" && d.auth != nil {
		upgraded, err := d.auth.VerifyInMessage(ctx, env.AuthToken)
		if err != nil {
			conn.Send(envelope.NewError(gatewayerr.New(gatewayerr.CodeInvalidToken, "invalid authentication token"), env.RequestID))
		} else {
			conn.SetIdentity(upgraded)
		}
	}

	results := d.registry.Subscribe(conn, env.Topics)

	var accepted []string
	for _, res := range results {
		if res.Accepted {
			accepted = append(accepted, res.Topic)
			continue
		}
		conn.Send(envelope.NewError(gatewayerr.New(gatewayerr.Code(res.Code), res.Message).WithTopic(res.Topic), env.RequestID))
	}

	conn.Send(envelope.NewAck("subscribe", accepted, env.RequestID))

	for _, topic := range accepted {
		d.onSubscribed(ctx, conn, topic)
	}
}

func (d *Dispatcher) onSubscribed(ctx context.Context, conn Conn, topic string) {
	handler, ok := d.handlers[topic]
	if !ok {
		return
	}

	sub := topichandler.Subscriber{ConnectionID: conn.ID(), Identity: conn.Identity(), DeviceID: conn.DeviceID()}
	go func() {
		initial, err := handler.OnSubscribe(ctx, sub)
		if err != nil {
			d.logger.Warn().Err(err).Str("topic", topic).Int64("connection_id", conn.ID()).Msg("onSubscribe hook failed")
			return
		}
		if initial != nil {
			data, err := envelope.NewData(topic, "initial", "", initial)
			if err != nil {
				d.logger.Error().Err(err).Str("topic", topic).Msg("failed to encode initial snapshot")
				return
			}
			conn.Send(data)
		}

		if d.offline != nil && !conn.Identity().IsAnonymous() {
			d.offline.Replay(ctx, conn.Identity().PrincipalID, topic, conn.Send)
		}
	}()
}

func (d *Dispatcher) handleUnsubscribe(ctx context.Context, conn Conn, env envelope.Envelope) {
	d.registry.Unsubscribe(conn.ID(), env.Topics)

	sub := topichandler.Subscriber{ConnectionID: conn.ID(), Identity: conn.Identity(), DeviceID: conn.DeviceID()}
	for _, topic := range env.Topics {
		if handler, ok := d.handlers[topic]; ok {
			go handler.OnUnsubscribe(ctx, sub)
		}
	}

	conn.Send(envelope.NewAck("unsubscribe", env.Topics, env.RequestID))
}

func (d *Dispatcher) handleRequestOrCommand(ctx context.Context, conn Conn, env envelope.Envelope, isRequest bool) {
	handler, ok := d.handlers[env.Topic]
	if !ok {
		conn.Send(envelope.NewError(gatewayerr.New(gatewayerr.CodeNotFound, "unknown topic").WithTopic(env.Topic), env.RequestID))
		return
	}

	req := handler.AuthRequirement()
	if code, message, ok := authFailure(req, conn.Identity(), !isRequest); !ok {
		conn.Send(envelope.NewError(gatewayerr.New(code, message).WithTopic(env.Topic), env.RequestID))
		return
	}

	var entry *pendingEntry
	if isRequest && env.RequestID != "" {
		var supersedes bool
		entry, supersedes = d.pending.register(conn.ID(), env.RequestID)
		if supersedes {
			// the table already swapped in the new entry; tell the old
			// waiter it was superseded before it can resolve naturally.
			conn.Send(envelope.NewError(gatewayerr.New(gatewayerr.CodeRequestSuperseded, "request superseded by new requestId").WithTopic(env.Topic), env.RequestID))
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	sub := topichandler.Subscriber{ConnectionID: conn.ID(), Identity: conn.Identity(), DeviceID: conn.DeviceID()}

	if isRequest {
		go d.runRequest(reqCtx, cancel, conn, sub, env, handler, entry)
	} else {
		go d.runCommand(reqCtx, cancel, conn, sub, env, handler)
	}
}

// authFailure mirrors registry.checkAuth for request/command invocation;
// forCommand forces the required/admin check even on optional topics.
func authFailure(req topichandler.AuthRequirement, id identity.Identity, forCommand bool) (gatewayerr.Code, string, bool) {
	effective := req
	if forCommand && effective == topichandler.AuthOptional {
		effective = topichandler.AuthRequired
	}
	switch effective {
	case topichandler.AuthNone, topichandler.AuthOptional:
		return 0, "", true
	case topichandler.AuthRequired:
		if id.IsAnonymous() {
			return gatewayerr.CodeAuthRequired, "authentication required for restricted topic", false
		}
		return 0, "", true
	case topichandler.AuthAdmin:
		if id.IsAnonymous() {
			return gatewayerr.CodeAuthRequired, "authentication required for restricted topic", false
		}
		if !id.HasRole(identity.RoleAdmin) {
			return gatewayerr.CodeRoleRequired, "elevated role required", false
		}
		return 0, "", true
	}
	return gatewayerr.CodeNotFound, "unknown topic", false
}

func (d *Dispatcher) runRequest(ctx context.Context, cancel context.CancelFunc, conn Conn, sub topichandler.Subscriber, env envelope.Envelope, handler topichandler.Handler, entry *pendingEntry) {
	defer cancel()

	if d.metrics != nil {
		d.metrics.RequestsInFlight.Inc()
		defer d.metrics.RequestsInFlight.Dec()
	}
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.RequestDuration.WithLabelValues(env.Topic, env.Action).Observe(time.Since(start).Seconds())
		}
	}()

	watcherDone := make(chan struct{})
	if env.RequestID != "" {
		go func() {
			select {
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					if d.pending.expire(conn.ID(), env.RequestID, entry) {
						conn.Send(envelope.NewError(gatewayerr.New(gatewayerr.CodeRequestTimeout, "request timeout").WithTopic(env.Topic), env.RequestID))
					}
				}
			case <-watcherDone:
			}
		}()
	}

	result, err := handler.Request(ctx, sub, env.Action, env.Data)
	close(watcherDone)

	if !d.pending.resolve(conn.ID(), env.RequestID, entry) {
		return // already timed out or superseded
	}

	if err != nil {
		conn.Send(envelope.NewError(toGatewayErr(err).WithTopic(env.Topic), env.RequestID))
		return
	}
	data, encErr := envelope.NewData(env.Topic, env.Action, env.RequestID, result)
	if encErr != nil {
		conn.Send(envelope.NewError(gatewayerr.New(gatewayerr.CodeInternal, "failed to encode response").WithTopic(env.Topic), env.RequestID))
		return
	}
	conn.Send(data)
}

func (d *Dispatcher) runCommand(ctx context.Context, cancel context.CancelFunc, conn Conn, sub topichandler.Subscriber, env envelope.Envelope, handler topichandler.Handler) {
	defer cancel()
	err := handler.Command(ctx, sub, env.Action, env.Data)
	if err != nil {
		conn.Send(envelope.NewError(toGatewayErr(err).WithTopic(env.Topic), env.RequestID))
		return
	}
	conn.Send(envelope.NewAck("command", nil, env.RequestID))
}

func toGatewayErr(err error) *gatewayerr.Error {
	var gerr *gatewayerr.Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return gatewayerr.Wrap(gatewayerr.CodeInternal, "internal server error", err)
}
