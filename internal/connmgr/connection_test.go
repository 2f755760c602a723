package connmgr

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/degenduel/gateway/internal/dispatch"
	"github.com/degenduel/gateway/internal/envelope"
	"github.com/degenduel/gateway/internal/gatewayerr"
	"github.com/degenduel/gateway/internal/identity"
	"github.com/degenduel/gateway/internal/ratelimit"
	"github.com/degenduel/gateway/internal/registry"
	"github.com/degenduel/gateway/internal/topichandler"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type openHandler struct{}

func (openHandler) AuthRequirement() topichandler.AuthRequirement { return topichandler.AuthNone }
func (openHandler) OnSubscribe(_ context.Context, _ topichandler.Subscriber) (any, error) {
	return nil, nil
}
func (openHandler) OnUnsubscribe(_ context.Context, _ topichandler.Subscriber) {}
func (openHandler) Request(_ context.Context, _ topichandler.Subscriber, _ string, _ json.RawMessage) (any, error) {
	return nil, nil
}
func (openHandler) Command(_ context.Context, _ topichandler.Subscriber, _ string, _ json.RawMessage) error {
	return nil
}

func testConnection(t *testing.T, conn net.Conn, cfg Config) *Connection {
	t.Helper()
	handlers := topichandler.Table{"market-data": openHandler{}}
	reg := registry.New(handlers)
	d := dispatch.New(reg, handlers, nil, nil, time.Second, zerolog.Nop())
	limiter := ratelimit.NewConnectionLimiter(100, 100)
	return New(1, conn, "dev-1", identity.Anonymous(), d, reg, limiter, cfg, zerolog.Nop())
}

func defaultCfg() Config {
	return Config{
		OutboundQueueSize:   8,
		MaxEnvelopeBytes:    envelope.MaxEnvelopeBytes,
		WriteWait:           time.Second,
		PongWait:            time.Minute,
		HeartbeatInterval:   time.Hour,
		SlowConsumerTimeout: 50 * time.Millisecond,
	}
}

func TestConnection_SendIsDeliveredOverTheWire(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := testConnection(t, server, defaultCfg())
	go conn.WriteLoop()

	conn.Send(envelope.NewSystem("heartbeat"))

	data, op, err := wsutil.ReadServerData(client)
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, op)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, envelope.TypeSystem, env.Type)
	assert.Equal(t, "heartbeat", env.Action)
}

func TestConnection_EnqueueReturnsFalseAfterClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := testConnection(t, server, defaultCfg())
	go func() {
		// drain so Close's best-effort close-frame write doesn't hang the pipe
		for {
			if _, _, err := wsutil.ReadServerData(client); err != nil {
				return
			}
		}
	}()

	conn.Close(gatewayerr.CloseNormal, "test")
	assert.False(t, conn.Enqueue([]byte("x")))
}

func TestConnection_HandleTextDispatchesSubscribeAndEnqueuesAck(t *testing.T) {
	server, _ := net.Pipe()
	conn := testConnection(t, server, defaultCfg())

	env := envelope.Envelope{Type: envelope.TypeSubscribe, Topics: []string{"market-data"}}
	raw, err := envelope.Encode(env)
	require.NoError(t, err)

	conn.handleText(context.Background(), raw)

	select {
	case data := <-conn.send:
		var ack envelope.Envelope
		require.NoError(t, json.Unmarshal(data, &ack))
		assert.Equal(t, envelope.TypeAcknowledgment, ack.Type)
		assert.Equal(t, []string{"market-data"}, ack.Topics)
	case <-time.After(time.Second):
		t.Fatal("expected an enqueued ack, got none")
	}
}

func TestConnection_HandleTextRejectsMalformedJSON(t *testing.T) {
	server, _ := net.Pipe()
	conn := testConnection(t, server, defaultCfg())

	conn.handleText(context.Background(), []byte("not json"))

	select {
	case data := <-conn.send:
		var errEnv envelope.Envelope
		require.NoError(t, json.Unmarshal(data, &errEnv))
		assert.Equal(t, envelope.TypeError, errEnv.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an error envelope, got none")
	}
}

func TestConnection_ReadLoopSendsConnectAckOnEntry(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := testConnection(t, server, defaultCfg())
	go conn.WriteLoop()
	go conn.ReadLoop(context.Background())

	data, op, err := wsutil.ReadServerData(client)
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, op)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, envelope.TypeAcknowledgment, env.Type)
	assert.Equal(t, "connect", env.Operation)
}

func TestConnection_SlowConsumerSendsFinalErrorAndClosesWithTryAgainLater(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		// drain so Close's best-effort close-frame write doesn't hang the pipe
		for {
			if _, _, err := wsutil.ReadServerData(client); err != nil {
				return
			}
		}
	}()

	cfg := defaultCfg()
	cfg.OutboundQueueSize = 1
	cfg.SlowConsumerTimeout = 10 * time.Millisecond
	conn := testConnection(t, server, cfg)

	assert.True(t, conn.Enqueue([]byte("1")))
	assert.False(t, conn.Enqueue([]byte("2"))) // queue full, starts the clock
	time.Sleep(20 * time.Millisecond)
	assert.False(t, conn.Enqueue([]byte("3"))) // now past the timeout, triggers close

	assert.Equal(t, StateClosed, conn.State())

	// the best-effort final notice evicted the one stale queued frame.
	select {
	case data := <-conn.send:
		var errEnv envelope.Envelope
		require.NoError(t, json.Unmarshal(data, &errEnv))
		assert.Equal(t, envelope.TypeError, errEnv.Type)
		assert.Equal(t, int(gatewayerr.CodeServiceBusy), errEnv.Code)
	default:
		t.Fatal("expected the slow-consumer error envelope to be queued")
	}
}

func TestConnection_EnqueueClosesSlowConsumerAfterTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	cfg := defaultCfg()
	cfg.OutboundQueueSize = 1
	cfg.SlowConsumerTimeout = 10 * time.Millisecond
	conn := testConnection(t, server, cfg)

	go func() {
		// drain so Close's best-effort close-frame write (triggered by the
		// slow-consumer timeout) doesn't hang the pipe.
		for {
			if _, _, err := wsutil.ReadServerData(client); err != nil {
				return
			}
		}
	}()

	// fill the one-slot queue; nobody is draining c.send in this test.
	assert.True(t, conn.Enqueue([]byte("1")))
	assert.False(t, conn.Enqueue([]byte("2"))) // queue full, starts the clock

	time.Sleep(20 * time.Millisecond)
	assert.False(t, conn.Enqueue([]byte("3"))) // now past the timeout

	assert.Equal(t, StateClosed, conn.State())
}
