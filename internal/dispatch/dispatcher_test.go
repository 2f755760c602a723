package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/degenduel/gateway/internal/envelope"
	"github.com/degenduel/gateway/internal/gatewayerr"
	"github.com/degenduel/gateway/internal/identity"
	"github.com/degenduel/gateway/internal/registry"
	"github.com/degenduel/gateway/internal/topichandler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConn struct {
	id  int64
	mu  sync.Mutex
	ident identity.Identity
	sent  []envelope.Envelope
	closed bool
}

func (c *testConn) ID() int64 { return c.id }
func (c *testConn) Identity() identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}
func (c *testConn) SetIdentity(id identity.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ident = id
}
func (c *testConn) DeviceID() string { return "dev-1" }
func (c *testConn) Send(env envelope.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
}
func (c *testConn) Close(code gatewayerr.CloseCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
func (c *testConn) Enqueue(data []byte) bool { return true }

func (c *testConn) snapshot() []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

type echoHandler struct {
	req   topichandler.AuthRequirement
	delay time.Duration
}

func (h echoHandler) AuthRequirement() topichandler.AuthRequirement { return h.req }
func (h echoHandler) OnSubscribe(_ context.Context, _ topichandler.Subscriber) (any, error) {
	return map[string]string{"snapshot": "ok"}, nil
}
func (h echoHandler) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}
func (h echoHandler) Request(ctx context.Context, _ topichandler.Subscriber, action string, _ json.RawMessage) (any, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]string{"action": action}, nil
}
func (h echoHandler) Command(_ context.Context, _ topichandler.Subscriber, _ string, _ json.RawMessage) error {
	return nil
}

func newTestDispatcher(handlers topichandler.Table, timeout time.Duration) *Dispatcher {
	reg := registry.New(handlers)
	return New(reg, handlers, nil, nil, timeout, zerolog.Nop())
}

func TestDispatcher_SubscribePublicTopic_SendsAckThenInitialData(t *testing.T) {
	handlers := topichandler.Table{"market-data": echoHandler{req: topichandler.AuthNone}}
	d := newTestDispatcher(handlers, time.Second)
	conn := &testConn{id: 1, ident: identity.Anonymous()}

	d.Dispatch(context.Background(), conn, envelope.Envelope{Type: envelope.TypeSubscribe, Topics: []string{"market-data"}})

	require.Eventually(t, func() bool { return len(conn.snapshot()) >= 2 }, time.Second, 10*time.Millisecond)
	sent := conn.snapshot()
	assert.Equal(t, envelope.TypeAcknowledgment, sent[0].Type)
	assert.Equal(t, []string{"market-data"}, sent[0].Topics)
	assert.Equal(t, envelope.TypeData, sent[1].Type)
	assert.Equal(t, "initial", sent[1].Action)
}

func TestDispatcher_RequestCorrelatesReplyByRequestID(t *testing.T) {
	handlers := topichandler.Table{"market-data": echoHandler{req: topichandler.AuthNone}}
	d := newTestDispatcher(handlers, time.Second)
	conn := &testConn{id: 1, ident: identity.Anonymous()}

	d.Dispatch(context.Background(), conn, envelope.Envelope{
		Type: envelope.TypeRequest, Topic: "market-data", Action: "getToken", RequestID: "abc",
	})

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	sent := conn.snapshot()[0]
	assert.Equal(t, envelope.TypeData, sent.Type)
	assert.Equal(t, "abc", sent.RequestID)
}

func TestDispatcher_RequestTimeout(t *testing.T) {
	handlers := topichandler.Table{"slow": echoHandler{req: topichandler.AuthNone, delay: 200 * time.Millisecond}}
	d := newTestDispatcher(handlers, 20*time.Millisecond)
	conn := &testConn{id: 1, ident: identity.Anonymous()}

	d.Dispatch(context.Background(), conn, envelope.Envelope{
		Type: envelope.TypeRequest, Topic: "slow", Action: "x", RequestID: "r1",
	})

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	sent := conn.snapshot()[0]
	assert.Equal(t, envelope.TypeError, sent.Type)
	assert.Equal(t, int(gatewayerr.CodeRequestTimeout), sent.Code)
}

func TestDispatcher_RestrictedTopicWithoutAuthYieldsError(t *testing.T) {
	handlers := topichandler.Table{"portfolio": echoHandler{req: topichandler.AuthRequired}}
	d := newTestDispatcher(handlers, time.Second)
	conn := &testConn{id: 1, ident: identity.Anonymous()}

	d.Dispatch(context.Background(), conn, envelope.Envelope{Type: envelope.TypeSubscribe, Topics: []string{"portfolio"}})

	sent := conn.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, envelope.TypeError, sent[0].Type)
	assert.Equal(t, int(gatewayerr.CodeAuthRequired), sent[0].Code)
	assert.Equal(t, envelope.TypeAcknowledgment, sent[1].Type)
	assert.Empty(t, sent[1].Topics)
}

// sequencedHandler lets a test control exactly when its first Request call
// returns, so a second REQUEST reusing the same requestId can be dispatched
// while the first is still in flight.
type sequencedHandler struct {
	mu       sync.Mutex
	calls    int
	started  chan struct{}
	release1 chan struct{}
}

func (h *sequencedHandler) AuthRequirement() topichandler.AuthRequirement { return topichandler.AuthNone }
func (h *sequencedHandler) OnSubscribe(_ context.Context, _ topichandler.Subscriber) (any, error) {
	return nil, nil
}
func (h *sequencedHandler) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}
func (h *sequencedHandler) Request(_ context.Context, _ topichandler.Subscriber, action string, _ json.RawMessage) (any, error) {
	h.mu.Lock()
	h.calls++
	n := h.calls
	h.mu.Unlock()
	if n == 1 {
		close(h.started)
		<-h.release1
	}
	return map[string]string{"action": action}, nil
}
func (h *sequencedHandler) Command(_ context.Context, _ topichandler.Subscriber, _ string, _ json.RawMessage) error {
	return nil
}

// TestDispatcher_SupersededRequestNeverResolvesTheNewerEntry exercises the
// race from §4.F: a second REQUEST reusing a pending requestId must
// supersede the first, and the first's late completion must never resolve
// (or reply for) the entry the second request owns.
func TestDispatcher_SupersededRequestNeverResolvesTheNewerEntry(t *testing.T) {
	handler := &sequencedHandler{started: make(chan struct{}), release1: make(chan struct{})}
	handlers := topichandler.Table{"market-data": handler}
	d := newTestDispatcher(handlers, time.Second)
	conn := &testConn{id: 1, ident: identity.Anonymous()}

	d.Dispatch(context.Background(), conn, envelope.Envelope{
		Type: envelope.TypeRequest, Topic: "market-data", Action: "r1", RequestID: "dup",
	})
	<-handler.started // R1's handler is now blocked inside Request

	d.Dispatch(context.Background(), conn, envelope.Envelope{
		Type: envelope.TypeRequest, Topic: "market-data", Action: "r2", RequestID: "dup",
	})

	// The supersede error for R1 is sent synchronously before R2's handler
	// even starts, so it must already be present.
	sentAfterSupersede := conn.snapshot()
	require.Len(t, sentAfterSupersede, 1)
	assert.Equal(t, envelope.TypeError, sentAfterSupersede[0].Type)
	assert.Equal(t, int(gatewayerr.CodeRequestSuperseded), sentAfterSupersede[0].Code)

	close(handler.release1) // let R1's handler finish; it must not produce a second reply

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	sent := conn.snapshot()
	assert.Equal(t, envelope.TypeError, sent[0].Type)
	assert.Equal(t, envelope.TypeData, sent[1].Type)
	assert.Equal(t, "dup", sent[1].RequestID)

	// give R1's now-resolved goroutine a chance to (wrongly) emit a third
	// message if the race were still present.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, conn.snapshot(), 2)
}

func TestDispatcher_UnknownTypeYieldsError4000(t *testing.T) {
	d := newTestDispatcher(topichandler.Table{}, time.Second)
	conn := &testConn{id: 1, ident: identity.Anonymous()}

	d.Dispatch(context.Background(), conn, envelope.Envelope{Type: "BOGUS"})

	sent := conn.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, int(gatewayerr.CodeInvalidFormat), sent[0].Code)
}
