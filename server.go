package kiwibnc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gopkg.in/irc.v3"
)

// Teacher-grounded package-level tunables (ptrcnull-soju/server.go carries
// the same kind of dial/backoff constants at package scope).
var (
	retryConnectMinDelay = time.Minute
	retryConnectMaxDelay = 10 * time.Minute
	retryConnectJitter   = time.Minute
	connectTimeout       = 15 * time.Second
)

// Server is the top-level process object: it owns the Connection
// Registry, the pluggable verb HandlerRegistry, persistence, and every
// listener. Grounded on ptrcnull-soju/server.go's `Server` struct, adapted
// from soju's per-user goroutine model (`users map[string]*user`) to this
// spec's flatter per-ConnectionState model, since spec §3/§4 never
// introduces a user-level goroutine — every connection is independently
// driven by its own accept/dial loop.
type Server struct {
	Logger Logger
	Config *Config

	DB       Database
	Creds    CredentialStore
	Registry *Registry
	Handlers *HandlerRegistry
	MsgStore MsgStore

	floodLimiter *regFloodLimiter

	lock      sync.Mutex
	listeners map[net.Listener]struct{}
	stopWG    sync.WaitGroup
	stopping  int32 // atomic bool

	metricsRegistry *prometheus.Registry

	metrics struct {
		downstreams int64Gauge
		upstreams   int64Gauge

		upstreamOutMessagesTotal   prometheus.Counter
		upstreamInMessagesTotal    prometheus.Counter
		downstreamOutMessagesTotal prometheus.Counter
		downstreamInMessagesTotal  prometheus.Counter
	}
}

type int64Gauge struct{ v int64 }

func (g *int64Gauge) Add(delta int64)  { atomic.AddInt64(&g.v, delta) }
func (g *int64Gauge) Value() int64     { return atomic.LoadInt64(&g.v) }
func (g *int64Gauge) Float64() float64 { return float64(g.Value()) }

// NewServer wires a freshly opened Database/CredentialStore pair (both
// backed by the same *sqlStore in practice, per db.go) into a ready-to-
// serve Server.
func NewServer(cfg *Config, db Database, creds CredentialStore, logf Logger) *Server {
	srv := &Server{
		Logger:          logf,
		Config:          cfg,
		DB:              db,
		Creds:           creds,
		Registry:        NewRegistry(),
		Handlers:        NewHandlerRegistry(),
		floodLimiter:    newRegFloodLimiter(rate.Limit(cfg.RegFloodRate), cfg.RegFloodBurst),
		listeners:       make(map[net.Listener]struct{}),
		metricsRegistry: prometheus.NewRegistry(),
	}
	if cfg.LogPath != "" {
		srv.MsgStore = NewFileMsgStore(cfg.LogPath, logf)
	}

	srv.Handlers.RegisterModule(BuiltinCommands{})
	srv.Handlers.RegisterModule(SASLCommands{})
	srv.Handlers.RegisterModule(BouncerCommands{})

	srv.registerMetrics(srv.metricsRegistry)

	return srv
}

// MetricsHandler exposes this Server's own metrics registry (each Server
// owns one, rather than sharing prometheus.DefaultRegisterer, so multiple
// Servers — e.g. one per test — never collide on duplicate collector
// registration).
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{})
}

func (s *Server) registerMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kiwibnc_downstreams_active",
		Help: "Current number of downstream connections",
	}, s.metrics.downstreams.Float64)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kiwibnc_upstreams_active",
		Help: "Current number of upstream connections",
	}, s.metrics.upstreams.Float64)

	s.metrics.upstreamOutMessagesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "kiwibnc_upstream_out_messages_total",
		Help: "Total number of outgoing messages sent to upstream servers",
	})
	s.metrics.upstreamInMessagesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "kiwibnc_upstream_in_messages_total",
		Help: "Total number of incoming messages received from upstream servers",
	})
	s.metrics.downstreamOutMessagesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "kiwibnc_downstream_out_messages_total",
		Help: "Total number of outgoing messages sent to downstream clients",
	})
	s.metrics.downstreamInMessagesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "kiwibnc_downstream_in_messages_total",
		Help: "Total number of incoming messages received from downstream clients",
	})
}

// Start resurrects any outgoing connections that were marked Connected at
// the time of a previous shutdown (spec §4.3: an upstream's liveness
// outlives any one downstream, but not a full process restart — a
// restart finds them all disconnected and reopens them).
func (s *Server) Start(ctx context.Context) error {
	rows, err := s.DB.ListConnections(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Type != ConnTypeOutgoing || !row.Connected {
			continue
		}
		state := NewConnectionState(s.DB, row.ConID, ConnTypeOutgoing)
		if err := state.maybeLoad(ctx); err != nil {
			s.Logger.Printf("failed to reload upstream %s: %v", row.ConID, err)
			continue
		}
		s.Registry.Add(state)
		s.Registry.RegisterUpstreamAuth(state)
		if err := s.openUpstream(ctx, state); err != nil {
			s.Logger.Printf("failed to reopen upstream %s: %v", row.ConID, err)
		}
	}
	return nil
}

// Shutdown closes every listener and waits for each Serve loop to return,
// then closes the message store and the database. Connections already
// being served are not waited for. Reachable from the KILL verb (§4.2)
// and from cmd/kiwibncd's signal handler.
func (s *Server) Shutdown() {
	if !atomic.CompareAndSwapInt32(&s.stopping, 0, 1) {
		return
	}

	s.lock.Lock()
	for ln := range s.listeners {
		if err := ln.Close(); err != nil {
			s.Logger.Printf("failed to stop listener: %v", err)
		}
	}
	s.lock.Unlock()

	s.stopWG.Wait()

	if s.MsgStore != nil {
		if err := s.MsgStore.Close(); err != nil {
			s.Logger.Printf("failed to close message store: %v", err)
		}
	}
	if err := s.DB.Close(); err != nil {
		s.Logger.Printf("failed to close DB: %v", err)
	}
}

// retryListener wraps a net.Listener, retrying transient Accept errors
// with exponential backoff instead of giving up the whole listener.
// Grounded on ptrcnull-soju/server.go's retryListener, unchanged in shape.
type retryListener struct {
	net.Listener
	Logger Logger
	delay  time.Duration
}

func (ln *retryListener) Accept() (net.Conn, error) {
	for {
		conn, err := ln.Listener.Accept()
		if ne, ok := err.(net.Error); ok && ne.Temporary() {
			if ln.delay == 0 {
				ln.delay = 5 * time.Millisecond
			} else {
				ln.delay *= 2
			}
			if max := 1 * time.Second; ln.delay > max {
				ln.delay = max
			}
			if ln.Logger != nil {
				ln.Logger.Printf("accept error (retrying in %v): %v", ln.delay, err)
			}
			time.Sleep(ln.delay)
			continue
		}
		ln.delay = 0
		return conn, err
	}
}

// Serve accepts raw TCP downstream connections on ln until it is closed
// by Shutdown. If proxyProtocol is set, ln is wrapped in a
// github.com/pires/go-proxyproto listener so the real peer address
// survives a TCP load balancer (SPEC_FULL.md §4.4.E), independent of any
// BOUNCER sub-command semantics.
func (s *Server) Serve(ln net.Listener, proxyProtocol bool) error {
	if proxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	ln = &retryListener{
		Listener: ln,
		Logger:   &prefixLogger{logger: s.Logger, prefix: fmt.Sprintf("listener %v: ", ln.Addr())},
	}

	s.lock.Lock()
	s.listeners[ln] = struct{}{}
	s.lock.Unlock()

	s.stopWG.Add(1)
	defer func() {
		s.lock.Lock()
		delete(s.listeners, ln)
		s.lock.Unlock()
		s.stopWG.Done()
	}()

	for {
		conn, err := ln.Accept()
		if isErrClosed(err) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		go s.handleDownstream(conn)
	}
}

// ServeTLS is Serve with a TLS handshake performed up front, for bouncers
// that terminate TLS themselves rather than behind a reverse proxy.
func (s *Server) ServeTLS(ln net.Listener, cfg *tls.Config, proxyProtocol bool) error {
	return s.Serve(tls.NewListener(ln, cfg), proxyProtocol)
}

var lastDownstreamID uint64

// downstreamSink is the transport surface Downstream needs regardless of
// whether the underlying socket is raw TCP (socketSink) or WebSocket
// (websocketSink): both already implement OutputSink for writes, and
// ReadMessage for the blocking read side.
type downstreamSink interface {
	OutputSink
	ReadMessage() (*irc.Message, error)
}

// handleDownstream is the accept-loop body named in SPEC_FULL.md's
// §4.2/§5: wrap the raw socket in a socketSink, hydrate a fresh incoming
// ConnectionState, rate-limit pre-registration traffic, then hand every
// parsed line to Downstream.Run until the socket closes.
func (s *Server) handleDownstream(conn net.Conn) {
	id := atomic.AddUint64(&lastDownstreamID, 1)
	conID := fmt.Sprintf("dn-%d", id)
	sink := newSocketSink(conn)
	s.serveDownstream(conID, sink, conn.RemoteAddr())
}

// serveDownstream drives one accepted downstream connection to
// completion, independent of which transport produced sink. Grounded on
// the teacher's own single `handle(ic ircConn)` entry point shared by both
// its TCP and WebSocket listeners.
func (s *Server) serveDownstream(conID string, sink downstreamSink, remoteAddr net.Addr) {
	defer func() {
		if err := recover(); err != nil {
			s.Logger.Printf("panic serving downstream %s (%v): %v\n%s", conID, remoteAddr, err, debug.Stack())
		}
	}()

	s.metrics.downstreams.Add(1)
	defer s.metrics.downstreams.Add(-1)

	ctx := context.Background()
	state := NewConnectionState(s.DB, conID, ConnTypeIncoming)
	if err := state.maybeLoad(ctx); err != nil {
		s.Logger.Printf("downstream %s: failed to load state: %v", conID, err)
		sink.Close()
		return
	}
	if s.Config.Hostname != "" {
		state.ServerPrefix = s.Config.Hostname
	}

	state.SetSink(sink)
	s.Registry.Add(state)
	defer func() {
		s.Registry.Remove(state)
		sink.Close()
	}()

	dc := NewDownstream(s, state)

	for {
		msg, err := sink.ReadMessage()
		if err != nil {
			return
		}
		s.metrics.downstreamInMessagesTotal.Inc()

		if !state.NetRegistered && !s.floodLimiter.Allow(remoteAddr) {
			dc.Send(notice(state.ServerPrefix, nickOrStar(state), "Too many registration attempts, slow down"))
			continue
		}

		if err := dc.Run(ctx, msg); err != nil {
			s.Logger.Printf("downstream %s: %v", conID, err)
			return
		}
	}
}

func isErrClosed(err error) bool {
	return err != nil && errors.Is(err, net.ErrClosed)
}
