// Package wsserver implements the WebSocket server and RPC router (C8):
// it accepts connections, sends descriptor snapshots, broadcasts periodic
// measurement updates, and dispatches legacy control commands and RPC
// requests against the registry, physics engine and recorder.
package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stonegate-labs/stonegate-core/internal/config"
	"github.com/stonegate-labs/stonegate-core/internal/protocol"
	"github.com/stonegate-labs/stonegate-core/internal/recorder"
	"github.com/stonegate-labs/stonegate-core/internal/registry"
	"github.com/stonegate-labs/stonegate-core/internal/telemetry/logging"
	"github.com/stonegate-labs/stonegate-core/internal/telemetry/metrics"
	"github.com/stonegate-labs/stonegate-core/internal/telemetry/tracing"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the WebSocket session manager and RPC router.
type Server struct {
	cfg     config.CoreConfig
	reg     *registry.Registry
	rec     *recorder.Recorder
	physics PhysicsReloader

	logger  logging.Logger
	tracer  tracing.Tracer
	metrics metrics.Provider

	mu       sync.Mutex
	sessions map[*session]struct{}
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	rpcCounter metrics.Counter
	connGauge  metrics.Gauge
}

// Option configures optional Server dependencies, matching the functional
// options pattern used by internal/physics.Engine.
type Option func(*Server)

func WithLogger(l logging.Logger) Option    { return func(s *Server) { s.logger = l } }
func WithTracer(t tracing.Tracer) Option    { return func(s *Server) { s.tracer = t } }
func WithMetrics(m metrics.Provider) Option { return func(s *Server) { s.metrics = m } }
func WithPhysics(p PhysicsReloader) Option  { return func(s *Server) { s.physics = p } }

// PhysicsReloader is the physics engine surface the legacy
// `reload_overrides` control command needs.
type PhysicsReloader interface {
	ReloadOverrides() error
}

// New constructs a Server bound to a registry and recorder. Both must
// already be wired to the same physics engine and device set.
func New(cfg config.CoreConfig, reg *registry.Registry, rec *recorder.Recorder, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		reg:      reg,
		rec:      rec,
		sessions: make(map[*session]struct{}),
		logger:   logging.New(nil),
		tracer:   tracing.New(nil),
		metrics:  metrics.NewNoopProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rpcCounter = s.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "stonegate", Subsystem: "wsserver", Name: "rpc_requests_total", Help: "RPC requests handled, by method.",
		Labels: []string{"method", "ok"},
	}})
	s.connGauge = s.metrics.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "stonegate", Subsystem: "wsserver", Name: "connections", Help: "Live WebSocket sessions.",
	}})
	return s
}

// Start is idempotent: it registers the WebSocket handler at path on the
// caller's HTTP mux and starts the broadcast loop. It does not open a
// listening socket; the caller serves mux (spec §4.8 "start() is
// idempotent").
func (s *Server) Start(mux *http.ServeMux, path string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	mux.HandleFunc(path, s.handleUpgrade)

	s.wg.Add(1)
	go s.broadcastLoop()
}

// Stop signals the broadcast loop to terminate, closes every live session,
// and stops every recording session still running (spec §4.8).
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	s.wg.Wait()
	if s.rec != nil {
		s.rec.StopAll()
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := newSession(conn)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	if s.connGauge != nil {
		s.connGauge.Add(1)
	}

	s.sendDescriptor(sess)
	s.readLoop(sess)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	if s.connGauge != nil {
		s.connGauge.Add(-1)
	}
	sess.close()
}

// sendDescriptor sends the descriptor snapshot on entering ReadingFrames
// (spec §4.8 connection state machine).
func (s *Server) sendDescriptor(sess *session) {
	msg := protocol.BuildDescriptorMessage(s.reg)
	sess.writeJSON(msg)
}

// readLoop is the per-connection read task (spec §4.8 "Begin read loop").
func (s *Server) readLoop(sess *session) {
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue // parse failure: ignored silently
		}
		s.handleMessage(sess, msg)
	}
}

// broadcastLoop sends a measurement_update to every live session every
// BroadcastInterval (spec §4.8, §5; unconditional — no subscription model,
// per spec §9 open question, preserved as-is).
func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	interval := s.cfg.BroadcastInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.broadcastOnce()
		}
	}
}

func (s *Server) broadcastOnce() {
	ctx, span := s.tracer.Start(context.Background(), "wsserver.broadcast")
	defer span.End()
	msg := protocol.BuildMeasurementUpdate(ctx, s.reg)
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.writeRaw(b) // write errors ignored; read loop reaps dead sessions
	}
}
