package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/mindrill/mindrill/config"
	"github.com/mindrill/mindrill/errs"
	"github.com/mindrill/mindrill/internal/bus"
	"github.com/mindrill/mindrill/internal/exercise"
	"github.com/mindrill/mindrill/internal/observability"
	"github.com/mindrill/mindrill/internal/orchestrator"
	"github.com/mindrill/mindrill/internal/protocol"
	"github.com/mindrill/mindrill/internal/state"
)

const writeTimeout = 5 * time.Second

// client is one connected viewer: its conn, its outbound queue, and its
// input throttle.
type client struct {
	id       string
	conn     Conn
	limiter  *rate.Limiter
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// trySend enqueues without blocking; a slow consumer loses the frame rather
// than stalling the broadcaster.
func (c *client) trySend(data []byte) bool {
	select {
	case c.outbound <- data:
		return true
	default:
		return false
	}
}

// Server accepts viewer connections, decodes protocol envelopes, and routes
// every operation through the orchestration manager. State deltas fan out to
// every client attached to the originating session.
type Server struct {
	mgr      *orchestrator.Manager
	registry *exercise.Registry
	bus      *bus.Bus
	cfg      config.ServerSettings

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	conns    map[string]*client
	members  map[string]map[string]*client
	closed   bool
	endedSub bus.SubscriptionID

	closeOnce sync.Once

	msgsIn  metric.Int64Counter
	msgsOut metric.Int64Counter
	dropped metric.Int64Counter
}

// NewServer wires the transport boundary to the manager and exercise
// registry. When eventBus is non-nil the server relays session.ended events
// to attached viewers, so cleanup evictions reach them too.
func NewServer(mgr *orchestrator.Manager, registry *exercise.Registry, eventBus *bus.Bus, cfg config.ServerSettings) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		mgr:      mgr,
		registry: registry,
		bus:      eventBus,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*client),
		members:  make(map[string]map[string]*client),
	}

	meter := otel.Meter("mindrill/transport")
	s.msgsIn, _ = meter.Int64Counter("transport.messages.in",
		metric.WithDescription("Envelopes received from viewers"),
		metric.WithUnit("{message}"))
	s.msgsOut, _ = meter.Int64Counter("transport.messages.out",
		metric.WithDescription("Envelopes sent to viewers"),
		metric.WithUnit("{message}"))
	s.dropped, _ = meter.Int64Counter("transport.messages.dropped",
		metric.WithDescription("Envelopes dropped on slow consumers"),
		metric.WithUnit("{message}"))

	if eventBus != nil {
		s.endedSub = eventBus.Subscribe(bus.EventSessionEnded, s.handleSessionEnded, nil)
	}
	return s
}

// ServeHTTP upgrades the request to a websocket and serves it until the peer
// goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Warn("websocket accept failed", observability.F("error", err))
		return
	}
	s.HandleConn(newWSConn(c))
}

// HandleConn serves one connection to completion. Exported so tests can
// drive the server over an in-memory pipe.
func (s *Server) HandleConn(conn Conn) {
	cl := &client{
		id:       uuid.NewString(),
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.InputRatePerSec), s.cfg.InputBurst),
		outbound: make(chan []byte, 128),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[cl.id] = cl
	s.mu.Unlock()

	s.wg.Go(func() { s.writeLoop(cl) })
	s.readLoop(cl)
	s.dropClient(cl)
}

func (s *Server) writeLoop(cl *client) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-cl.done:
			return
		case data := <-cl.outbound:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := cl.conn.Write(ctx, data)
			cancel()
			if err != nil {
				observability.Log().Debug("write failed, dropping connection",
					observability.F("client_id", cl.id), observability.F("error", err))
				cl.close()
				return
			}
			s.msgsOut.Add(s.ctx, 1)
		}
	}
}

func (s *Server) readLoop(cl *client) {
	for {
		data, err := cl.conn.Read(s.ctx)
		if err != nil {
			return
		}
		s.msgsIn.Add(s.ctx, 1)
		env, err := protocol.Decode(data)
		if err != nil {
			s.sendError(cl, err)
			continue
		}
		s.handle(cl, env)
	}
}

func (s *Server) handle(cl *client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoinSession:
		s.handleJoin(cl, env)
	case protocol.TypeEndSession:
		msg, err := protocol.Payload[protocol.EndSession](env)
		if err == nil {
			err = s.mgr.EndSession(msg.SessionID)
		}
		if err != nil {
			s.sendError(cl, err)
		}
	case protocol.TypeGetState:
		msg, err := protocol.Payload[protocol.GetState](env)
		if err != nil {
			s.sendError(cl, err)
			return
		}
		sess, ok := s.mgr.Session(msg.SessionID)
		if !ok {
			s.sendError(cl, errs.New("transport", errs.CodeNotFound,
				errs.WithSession(msg.SessionID), errs.WithMessage("session not found")))
			return
		}
		version, full := sess.CurrentState()
		s.send(cl, protocol.TypeStateUpdate, protocol.StateUpdate{
			SessionID:    msg.SessionID,
			State:        full,
			StateVersion: version,
		})
	case protocol.TypeDoRound:
		s.handleDoRound(cl, env)
	case protocol.TypeProcessInput:
		s.handleProcessInput(cl, env)
	case protocol.TypePing:
		msg, _ := protocol.Payload[protocol.Ping](env)
		s.send(cl, protocol.TypePong, protocol.Pong{Timestamp: msg.Timestamp})
	default:
		s.sendError(cl, errs.New("transport", errs.CodeInvalid,
			errs.WithMessage("unknown message type "+env.Type)))
	}
}

func (s *Server) handleJoin(cl *client, env protocol.Envelope) {
	msg, err := protocol.Payload[protocol.JoinSession](env)
	if err != nil {
		s.sendError(cl, err)
		return
	}

	sess, ok := s.mgr.Session(msg.SessionID)
	if !ok && msg.ModuleType != "" {
		module, err := s.registry.Create(msg.ModuleType, msg.ModuleOpts)
		if err != nil {
			s.sendError(cl, err)
			return
		}
		sess, err = s.mgr.CreateSession(msg.SessionID, module, msg.UserID)
		if err != nil {
			s.sendError(cl, err)
			return
		}
	}

	if _, err := s.mgr.AttachClient(msg.SessionID, cl.id); err != nil {
		s.sendError(cl, err)
		return
	}
	if sess == nil {
		// another client created the session between our lookup and attach
		if sess, ok = s.mgr.Session(msg.SessionID); !ok {
			s.sendError(cl, errs.New("transport", errs.CodeNotFound,
				errs.WithSession(msg.SessionID), errs.WithMessage("session not found")))
			return
		}
	}
	version, full := sess.CurrentState()

	s.mu.Lock()
	if s.members[msg.SessionID] == nil {
		s.members[msg.SessionID] = make(map[string]*client)
	}
	s.members[msg.SessionID][cl.id] = cl
	s.mu.Unlock()

	s.send(cl, protocol.TypeSessionJoined, protocol.SessionJoined{
		SessionID:    msg.SessionID,
		State:        full,
		StateVersion: version,
	})
}

func (s *Server) handleDoRound(cl *client, env protocol.Envelope) {
	msg, err := protocol.Payload[protocol.DoRound](env)
	if err != nil {
		s.sendError(cl, err)
		return
	}
	sess, ok := s.mgr.Session(msg.SessionID)
	if !ok {
		s.sendError(cl, errs.New("transport", errs.CodeNotFound,
			errs.WithSession(msg.SessionID), errs.WithMessage("session not found")))
		return
	}
	start := time.Now()
	_, delta, err := sess.DoRound()
	if err != nil {
		s.sendError(cl, err)
		return
	}
	s.send(cl, protocol.TypeRoundCompleted, protocol.RoundCompleted{
		SessionID:     msg.SessionID,
		Round:         sess.MetricsSnapshot().RoundCount,
		ExecutionTime: time.Since(start).Seconds(),
		Timestamp:     time.Now().UnixMilli(),
	})
	s.broadcastDelta(msg.SessionID, delta)
}

func (s *Server) handleProcessInput(cl *client, env protocol.Envelope) {
	msg, err := protocol.Payload[protocol.ProcessInput](env)
	if err != nil {
		s.sendError(cl, err)
		return
	}
	if !cl.limiter.Allow() {
		s.sendError(cl, errs.New("transport", errs.CodeUnavailable,
			errs.WithSession(msg.SessionID), errs.WithMessage("input rate exceeded")))
		return
	}
	sess, ok := s.mgr.Session(msg.SessionID)
	if !ok {
		s.sendError(cl, errs.New("transport", errs.CodeNotFound,
			errs.WithSession(msg.SessionID), errs.WithMessage("session not found")))
		return
	}
	result, _, delta, err := sess.ProcessInput(msg.Input)
	if err != nil {
		s.sendError(cl, err)
		return
	}
	processingTime, _ := result["processing_time"].(float64)
	s.send(cl, protocol.TypeInputProcessed, protocol.InputProcessed{
		SessionID:      msg.SessionID,
		Result:         result,
		ProcessingTime: processingTime,
		Timestamp:      msg.Timestamp,
	})
	s.broadcastDelta(msg.SessionID, delta)
}

// broadcastDelta encodes once and fans the frame out to every member of the
// session in parallel.
func (s *Server) broadcastDelta(sessionID string, delta state.Delta) {
	data, err := protocol.Encode(protocol.TypeStateDelta, protocol.StateDelta{
		SessionID:    sessionID,
		Changes:      delta.Changes,
		StateVersion: delta.Version,
		BaseVersion:  delta.BaseVersion,
	})
	if err != nil {
		observability.Log().Error("encode delta failed", observability.F("error", err))
		return
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.members[sessionID]))
	for _, member := range s.members[sessionID] {
		targets = append(targets, member)
	}
	s.mu.Unlock()

	var fanout conc.WaitGroup
	for _, target := range targets {
		target := target
		fanout.Go(func() {
			if !target.trySend(data) {
				s.dropped.Add(s.ctx, 1)
				observability.Log().Warn("dropped delta for slow consumer",
					observability.F("client_id", target.id),
					observability.F("session_id", sessionID))
			}
		})
	}
	fanout.Wait()
}

// handleSessionEnded relays a session.ended bus event to the session's
// attached viewers and clears their membership.
func (s *Server) handleSessionEnded(evt bus.Event) error {
	sessionID, _ := evt.Payload["session_id"].(string)
	if sessionID == "" {
		return nil
	}
	metrics, _ := evt.Payload["metrics"].(map[string]any)

	data, err := protocol.Encode(protocol.TypeSessionEnded, protocol.SessionEnded{
		SessionID: sessionID,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.members[sessionID]))
	for _, member := range s.members[sessionID] {
		targets = append(targets, member)
	}
	delete(s.members, sessionID)
	s.mu.Unlock()

	for _, target := range targets {
		if !target.trySend(data) {
			s.dropped.Add(s.ctx, 1)
		}
	}
	return nil
}

func (s *Server) send(cl *client, msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		observability.Log().Error("encode failed",
			observability.F("type", msgType), observability.F("error", err))
		return
	}
	if !cl.trySend(data) {
		s.dropped.Add(s.ctx, 1)
	}
}

func (s *Server) sendError(cl *client, err error) {
	s.send(cl, protocol.TypeError, protocol.ErrorMessage{Message: err.Error()})
}

func (s *Server) dropClient(cl *client) {
	cl.close()
	s.mgr.RemoveClient(cl.id)

	s.mu.Lock()
	delete(s.conns, cl.id)
	for sessionID, members := range s.members {
		delete(members, cl.id)
		if len(members) == 0 {
			delete(s.members, sessionID)
		}
	}
	s.mu.Unlock()
}

// Shutdown closes every connection and stops the write loops.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conns := make([]*client, 0, len(s.conns))
		for _, cl := range s.conns {
			conns = append(conns, cl)
		}
		s.conns = make(map[string]*client)
		s.members = make(map[string]map[string]*client)
		s.mu.Unlock()

		for _, cl := range conns {
			cl.close()
		}
		s.cancel()
		s.wg.Wait()
		if s.bus != nil {
			s.bus.Unsubscribe(bus.EventSessionEnded, s.endedSub)
		}
	})
}
