// Package gateway wires every component into one running process: the
// HTTP surface (WebSocket upgrade plus /health, /ready, /metrics), the
// connection pool, and graceful shutdown.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/degenduel/gateway/internal/auth"
	"github.com/degenduel/gateway/internal/broadcast"
	"github.com/degenduel/gateway/internal/config"
	"github.com/degenduel/gateway/internal/connmgr"
	"github.com/degenduel/gateway/internal/dispatch"
	"github.com/degenduel/gateway/internal/envelope"
	"github.com/degenduel/gateway/internal/gatewayerr"
	"github.com/degenduel/gateway/internal/metrics"
	"github.com/degenduel/gateway/internal/ratelimit"
	"github.com/degenduel/gateway/internal/registry"
	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Gateway owns the HTTP listener, the live connection pool, and every
// component's lifecycle.
type Gateway struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry         *registry.Registry
	dispatcher       *dispatch.Dispatcher
	broadcaster      *broadcast.Broadcaster
	verifier         *auth.Verifier
	handshakeLimiter *ratelimit.HandshakeLimiter
	connLimiter      *ratelimit.ConnectionLimiter
	metrics          *metrics.Metrics

	httpServer *http.Server
	connSem    chan struct{}

	nextConnID atomic.Int64
	connMu     sync.Mutex
	conns      map[int64]*connmgr.Connection

	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New assembles a Gateway from its already-constructed components. Wiring
// the components themselves (which storage/collaborator implementations
// back each topic handler, whether NATS is enabled) is cmd/gateway's job.
func New(
	cfg *config.Config,
	logger zerolog.Logger,
	reg *registry.Registry,
	dispatcher *dispatch.Dispatcher,
	bcast *broadcast.Broadcaster,
	verifier *auth.Verifier,
	m *metrics.Metrics,
) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		cfg:         cfg,
		logger:      logger.With().Str("component", "gateway").Logger(),
		registry:    reg,
		dispatcher:  dispatcher,
		broadcaster: bcast,
		verifier:    verifier,
		handshakeLimiter: ratelimit.NewHandshakeLimiter(ratelimit.HandshakeLimiterConfig{
			IPBurst: cfg.HandshakeIPBurst,
			IPRate:  cfg.HandshakeIPRate,
			IPTTL:   cfg.HandshakeIPTTL,
			Logger:  logger,
		}),
		connLimiter: ratelimit.NewConnectionLimiter(cfg.ConnTokenBucketCapacity, cfg.ConnTokenRefillRate),
		metrics:     m,
		connSem:     make(chan struct{}, cfg.MaxConnections),
		conns:       make(map[int64]*connmgr.Connection),
		ctx:         ctx,
		cancel:      cancel,
	}

	reg.SetMetrics(m)
	dispatcher.SetMetrics(m)

	return g
}

// Start builds the HTTP mux and begins listening. It returns once the
// listener is up; Serve itself runs in a background goroutine and
// its terminal error (if any, other than a clean Shutdown) is logged.
func (g *Gateway) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.WSPath, g.handleWebSocket)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ready", g.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	g.httpServer = &http.Server{
		Addr:         g.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  g.cfg.HTTPReadTimeout,
		WriteTimeout: g.cfg.HTTPWriteTimeout,
		IdleTimeout:  g.cfg.HTTPIdleTimeout,
	}

	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", g.cfg.Addr, err)
	}

	go metrics.SampleSystem(g.ctx, g.metrics, g.cfg.MetricsInterval, g.logger)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	g.logger.Info().Str("addr", g.cfg.Addr).Str("ws_path", g.cfg.WSPath).Msg("gateway listening")
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	if g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "draining"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !g.handshakeLimiter.Allow(ip) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	select {
	case g.connSem <- struct{}{}:
	default:
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ident, err := g.verifier.VerifyAtConnect(r)
	if err != nil {
		// ident is anonymous on every error path; restricted topics are
		// refused at subscribe time instead of refusing the handshake.
		g.logger.Debug().Err(err).Str("client_ip", ip).Msg("invalid handshake token, continuing as anonymous")
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-g.connSem
		g.logger.Debug().Err(err).Str("client_ip", ip).Msg("websocket upgrade failed")
		return
	}

	deviceID := r.Header.Get(g.cfg.DeviceIDHeader)
	id := g.nextConnID.Add(1)

	connCfg := connmgr.Config{
		OutboundQueueSize:   g.cfg.OutboundQueueSize,
		MaxEnvelopeBytes:    g.cfg.MaxEnvelopeBytes,
		WriteWait:           g.cfg.WriteWait,
		PongWait:            g.cfg.PongWait,
		HeartbeatInterval:   g.cfg.HeartbeatInterval,
		SlowConsumerTimeout: g.cfg.SlowConsumerTimeout,
		Metrics:             g.metrics,
	}
	c := connmgr.New(id, netConn, deviceID, ident, g.dispatcher, g.registry, g.connLimiter, connCfg, g.logger)

	g.connMu.Lock()
	g.conns[id] = c
	g.connMu.Unlock()

	g.metrics.ConnectionsOpen.Inc()
	g.metrics.ConnectionsTotal.Inc()

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		c.WriteLoop()
	}()
	go func() {
		defer g.wg.Done()
		c.ReadLoop(g.ctx)
		g.onConnectionClosed(id)
	}()
}

func (g *Gateway) onConnectionClosed(id int64) {
	g.connMu.Lock()
	delete(g.conns, id)
	g.connMu.Unlock()

	select {
	case <-g.connSem:
	default:
	}
	g.metrics.ConnectionsOpen.Dec()
}

// clientIP prefers a proxy-set X-Forwarded-For header over the raw
// connection's remote address, since the gateway typically sits behind a
// load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Shutdown stops accepting new connections, tells already-open ones the
// server is going away, waits up to ShutdownGracePeriod for them to drain
// on their own, then force-closes whatever remains.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shuttingDown.Store(true)
	g.logger.Info().Msg("shutdown initiated")

	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("http server shutdown reported an error")
	}

	notice := envelope.NewSystem("shutdown")
	g.connMu.Lock()
	for _, c := range g.conns {
		c.Send(notice)
	}
	g.connMu.Unlock()

	deadline := time.Now().Add(g.cfg.ShutdownGracePeriod)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		g.connMu.Lock()
		remaining := len(g.conns)
		g.connMu.Unlock()
		if remaining == 0 {
			break
		}
		<-ticker.C
	}

	g.connMu.Lock()
	for id, c := range g.conns {
		c.Close(gatewayerr.CloseTryAgainLater, "server shutting down")
		delete(g.conns, id)
	}
	g.connMu.Unlock()

	g.handshakeLimiter.Stop()
	g.cancel()
	g.wg.Wait()

	g.logger.Info().Msg("shutdown complete")
	return nil
}
