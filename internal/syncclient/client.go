// Package syncclient keeps a viewer-side replica of a session's state in
// step with the orchestration boundary over a reconnecting connection.
package syncclient

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mindrill/mindrill/config"
	"github.com/mindrill/mindrill/errs"
	"github.com/mindrill/mindrill/internal/observability"
	"github.com/mindrill/mindrill/internal/protocol"
	"github.com/mindrill/mindrill/internal/state"
	"github.com/mindrill/mindrill/internal/transport"
)

// ConnState is the connection lifecycle phase.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// DialFunc opens one connection attempt.
type DialFunc func(ctx context.Context) (transport.Conn, error)

// Handler observes inbound envelopes of one message type.
type Handler func(protocol.Envelope)

// Metrics is a point-in-time copy of the client's counters.
type Metrics struct {
	MessagesSent     uint64
	MessagesReceived uint64
	FullApplied      uint64
	DeltaApplied     uint64
	StaleDropped     uint64
	Reconnects       uint64
	AvgRTTSecs       float64
}

type outMsg struct {
	msgType string
	payload any
}

// Client dials the orchestration boundary, replays the last join after every
// reconnect, and applies state updates in version order. Deltas at or below
// the last applied version are dropped, so duplicated or reordered frames
// never regress the replica.
type Client struct {
	cfg  config.ClientSettings
	dial DialFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	connState   ConnState
	joinMsg     *protocol.JoinSession
	sessionID   string
	localState  state.State
	lastApplied uint64
	metrics     Metrics
	handlers    map[string][]Handler
	lastMessage time.Time

	outbound chan outMsg
	ready    chan struct{}

	readyOnce sync.Once
	startOnce sync.Once
	closeOnce sync.Once

	onState func(state.State, uint64)

	sent       metric.Int64Counter
	received   metric.Int64Counter
	staleDrops metric.Int64Counter
	reconnects metric.Int64Counter
}

// Option adjusts client construction.
type Option func(*Client)

// WithStateHandler registers a callback invoked after every applied full
// state or delta, with a copy of the replica.
func WithStateHandler(fn func(state.State, uint64)) Option {
	return func(c *Client) { c.onState = fn }
}

// WithDialFunc overrides how connections are opened, for tests.
func WithDialFunc(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// New builds a client for the configured server URL. Start begins the
// connection loop.
func New(cfg config.ClientSettings, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	queueSize := cfg.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = 128
	}
	c := &Client{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]Handler),
		outbound: make(chan outMsg, queueSize),
		ready:    make(chan struct{}),
	}
	c.dial = func(ctx context.Context) (transport.Conn, error) {
		return transport.Dial(ctx, cfg.ServerURL)
	}

	meter := otel.Meter("mindrill/syncclient")
	c.sent, _ = meter.Int64Counter("syncclient.messages.sent",
		metric.WithDescription("Envelopes sent to the server"),
		metric.WithUnit("{message}"))
	c.received, _ = meter.Int64Counter("syncclient.messages.received",
		metric.WithDescription("Envelopes received from the server"),
		metric.WithUnit("{message}"))
	c.staleDrops, _ = meter.Int64Counter("syncclient.deltas.stale",
		metric.WithDescription("Deltas dropped for carrying an old version"),
		metric.WithUnit("{message}"))
	c.reconnects, _ = meter.Int64Counter("syncclient.reconnects",
		metric.WithDescription("Successful reconnections after the first connect"),
		metric.WithUnit("{reconnect}"))

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the connection loop.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
}

// WaitReady blocks until the first successful connection or ctx expiry.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errs.New("syncclient", errs.CodeUnavailable,
			errs.WithMessage("client closed before becoming ready"))
	}
}

// Close stops the connection loop and waits for the workers.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.setState(StateDisconnected)
	})
}

// ConnState reports the current connection phase.
func (c *Client) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// State returns the replica version and a copy of the replica.
func (c *Client) State() (uint64, state.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastApplied, c.localState.Clone()
}

// MetricsSnapshot copies the client counters.
func (c *Client) MetricsSnapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Handle registers a handler for one inbound message type.
func (c *Client) Handle(msgType string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], fn)
}

// Join attaches to a session, creating it server-side when moduleType is
// set. The join is replayed automatically after every reconnect.
func (c *Client) Join(sessionID, userID, moduleType string, moduleOpts map[string]any) error {
	msg := protocol.JoinSession{
		SessionID:  sessionID,
		UserID:     userID,
		ModuleType: moduleType,
		ModuleOpts: moduleOpts,
		ClientInfo: protocol.ClientInfo{
			ClientType:      "sync",
			ProtocolVersion: protocol.Version,
		},
	}
	c.mu.Lock()
	c.joinMsg = &msg
	c.mu.Unlock()
	return c.enqueue(protocol.TypeJoinSession, msg)
}

// DoRound requests one training round on the joined session.
func (c *Client) DoRound() error {
	return c.enqueue(protocol.TypeDoRound, protocol.DoRound{SessionID: c.currentSession()})
}

// ProcessInput submits viewer input to the joined session.
func (c *Client) ProcessInput(input map[string]any) error {
	return c.enqueue(protocol.TypeProcessInput, protocol.ProcessInput{
		SessionID: c.currentSession(),
		Input:     input,
	})
}

// RequestState asks for a full state resend.
func (c *Client) RequestState() error {
	return c.enqueue(protocol.TypeGetState, protocol.GetState{SessionID: c.currentSession()})
}

// EndSession asks the server to end the joined session.
func (c *Client) EndSession() error {
	return c.enqueue(protocol.TypeEndSession, protocol.EndSession{SessionID: c.currentSession()})
}

func (c *Client) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// enqueue queues a message for the outbound worker. The queue survives
// disconnects; messages drain once a connection is up. Sends are
// at-most-once: a message lost to a dying connection is not replayed.
func (c *Client) enqueue(msgType string, payload any) error {
	select {
	case <-c.ctx.Done():
		return errs.New("syncclient", errs.CodeUnavailable,
			errs.WithMessage("client closed"))
	default:
	}
	select {
	case c.outbound <- outMsg{msgType: msgType, payload: payload}:
		return nil
	default:
		return errs.New("syncclient", errs.CodeUnavailable,
			errs.WithMessage("outbound queue full"))
	}
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	prev := c.connState
	c.connState = s
	c.mu.Unlock()
	if prev != s {
		observability.Log().Debug("connection state changed",
			observability.F("from", prev.String()),
			observability.F("to", s.String()))
	}
}

// run is the connection loop. It dials with exponential backoff up to the
// configured attempt bound, replays the last join after each reconnect, and
// restarts after a connection dies.
func (c *Client) run() {
	defer c.wg.Done()

	backoffCfg := backoff.NewExponentialBackOff()
	if c.cfg.ReconnectBaseDelay > 0 {
		backoffCfg.InitialInterval = c.cfg.ReconnectBaseDelay
	}
	if c.cfg.ReconnectMaxDelay > 0 {
		backoffCfg.MaxInterval = c.cfg.ReconnectMaxDelay
	}

	attempts := 0
	connected := false
	for {
		select {
		case <-c.ctx.Done():
			c.setState(StateDisconnected)
			return
		default:
		}

		if connected || attempts > 0 {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateConnecting)
		}

		conn, err := c.dial(c.ctx)
		if err != nil {
			attempts++
			if c.cfg.ReconnectMaxAttempts > 0 && attempts >= c.cfg.ReconnectMaxAttempts {
				observability.Log().Error("giving up after repeated dial failures",
					observability.F("attempts", attempts), observability.F("error", err))
				c.setState(StateDisconnected)
				c.cancel()
				return
			}
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = c.cfg.ReconnectMaxDelay
			}
			observability.Log().Warn("dial failed",
				observability.F("attempt", attempts), observability.F("error", err))
			select {
			case <-c.ctx.Done():
				c.setState(StateDisconnected)
				return
			case <-time.After(sleep):
				continue
			}
		}

		attempts = 0
		backoffCfg.Reset()
		if connected {
			c.reconnects.Add(c.ctx, 1)
			c.mu.Lock()
			c.metrics.Reconnects++
			c.mu.Unlock()
		}
		connected = true
		c.setState(StateConnected)
		c.touch()
		c.readyOnce.Do(func() { close(c.ready) })

		c.rejoin(conn)

		connCtx, connCancel := context.WithCancel(c.ctx)
		errCh := make(chan error, 3)
		var connWG sync.WaitGroup
		connWG.Add(3)

		go func() {
			defer connWG.Done()
			errCh <- c.readLoop(connCtx, conn)
		}()
		go func() {
			defer connWG.Done()
			errCh <- c.writeLoop(connCtx, conn)
		}()
		go func() {
			defer connWG.Done()
			errCh <- c.watchdogLoop(connCtx)
		}()

		firstErr := <-errCh
		connCancel()
		_ = conn.Close()
		connWG.Wait()

		if firstErr != nil && c.ctx.Err() == nil {
			observability.Log().Warn("connection lost",
				observability.F("error", firstErr))
		}
	}
}

// rejoin replays the last join directly on a fresh connection, ahead of
// anything waiting in the outbound queue.
func (c *Client) rejoin(conn transport.Conn) {
	c.mu.Lock()
	msg := c.joinMsg
	c.mu.Unlock()
	if msg == nil {
		return
	}
	data, err := protocol.Encode(protocol.TypeJoinSession, *msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		observability.Log().Warn("rejoin failed", observability.F("error", err))
		return
	}
	c.sent.Add(c.ctx, 1)
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn transport.Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			observability.Log().Warn("undecodable frame", observability.F("error", err))
			continue
		}
		c.handleMessage(env)
	}
}

// writeLoop drains the outbound queue while this connection lives, stamping
// send timestamps at dequeue time.
func (c *Client) writeLoop(ctx context.Context, conn transport.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.outbound:
			data, err := protocol.Encode(msg.msgType, stampPayload(msg.payload, time.Now()))
			if err != nil {
				observability.Log().Error("encode failed",
					observability.F("type", msg.msgType), observability.F("error", err))
				continue
			}
			if err := conn.Write(ctx, data); err != nil {
				return err
			}
			c.sent.Add(c.ctx, 1)
			c.mu.Lock()
			c.metrics.MessagesSent++
			c.mu.Unlock()
		}
	}
}

// watchdogLoop pings after a quiet spell and tears the connection down when
// the server stays silent past the disconnect threshold.
func (c *Client) watchdogLoop(ctx context.Context) error {
	warn := c.cfg.WatchdogWarn
	if warn <= 0 {
		warn = 5 * time.Second
	}
	disconnect := c.cfg.WatchdogDisconnect
	if disconnect <= 0 {
		disconnect = 2 * warn
	}

	interval := warn / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPing time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.mu.Lock()
			idle := now.Sub(c.lastMessage)
			c.mu.Unlock()
			if idle >= disconnect {
				return errs.New("syncclient", errs.CodeTransport,
					errs.WithMessage("server unresponsive, forcing reconnect"))
			}
			if idle >= warn && now.Sub(lastPing) >= warn {
				lastPing = now
				_ = c.enqueue(protocol.TypePing, protocol.Ping{})
			}
		}
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()
}

func (c *Client) handleMessage(env protocol.Envelope) {
	c.touch()
	c.received.Add(c.ctx, 1)
	c.mu.Lock()
	c.metrics.MessagesReceived++
	c.mu.Unlock()

	switch env.Type {
	case protocol.TypeSessionJoined:
		if msg, err := protocol.Payload[protocol.SessionJoined](env); err == nil {
			c.applyFull(msg.SessionID, msg.State, msg.StateVersion)
		}
	case protocol.TypeStateUpdate:
		if msg, err := protocol.Payload[protocol.StateUpdate](env); err == nil {
			c.applyFull(msg.SessionID, msg.State, msg.StateVersion)
		}
	case protocol.TypeStateDelta:
		if msg, err := protocol.Payload[protocol.StateDelta](env); err == nil {
			c.applyDelta(msg)
		}
	case protocol.TypeSessionEnded:
		c.mu.Lock()
		c.sessionID = ""
		c.joinMsg = nil
		c.mu.Unlock()
	case protocol.TypePong:
		if msg, err := protocol.Payload[protocol.Pong](env); err == nil && msg.Timestamp > 0 {
			rtt := time.Since(time.UnixMilli(msg.Timestamp)).Seconds()
			c.mu.Lock()
			if c.metrics.AvgRTTSecs == 0 {
				c.metrics.AvgRTTSecs = rtt
			} else {
				c.metrics.AvgRTTSecs = 0.9*c.metrics.AvgRTTSecs + 0.1*rtt
			}
			c.mu.Unlock()
		}
	case protocol.TypeError:
		if msg, err := protocol.Payload[protocol.ErrorMessage](env); err == nil {
			observability.Log().Warn("server reported error",
				observability.F("message", msg.Message))
		}
	}

	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[env.Type]...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(env)
	}
}

// applyFull replaces the replica unless the snapshot is older than what is
// already applied. Version ordering is per-session, so a snapshot for a
// different session always resets the replica.
func (c *Client) applyFull(sessionID string, full map[string]any, version uint64) {
	c.mu.Lock()
	switched := sessionID != "" && sessionID != c.sessionID
	if !switched && version < c.lastApplied {
		c.metrics.StaleDropped++
		c.mu.Unlock()
		c.staleDrops.Add(c.ctx, 1)
		return
	}
	if sessionID != "" {
		c.sessionID = sessionID
	}
	c.localState = state.State(full).Clone()
	c.lastApplied = version
	c.metrics.FullApplied++
	snapshot := c.localState.Clone()
	onState := c.onState
	c.mu.Unlock()

	if onState != nil {
		onState(snapshot, version)
	}
}

// applyDelta applies a delta only when it advances the replica version.
// Duplicates and reordered frames count as stale drops.
func (c *Client) applyDelta(msg protocol.StateDelta) {
	c.mu.Lock()
	if msg.SessionID != "" && msg.SessionID != c.sessionID {
		c.mu.Unlock()
		observability.Log().Debug("ignored delta for foreign session",
			observability.F("session_id", msg.SessionID))
		return
	}
	if msg.StateVersion <= c.lastApplied {
		c.metrics.StaleDropped++
		c.mu.Unlock()
		c.staleDrops.Add(c.ctx, 1)
		observability.Log().Debug("dropped stale delta",
			observability.F("version", msg.StateVersion),
			observability.F("applied", c.lastApplied))
		return
	}
	c.localState = state.Apply(c.localState, msg.Changes)
	c.lastApplied = msg.StateVersion
	c.metrics.DeltaApplied++
	snapshot := c.localState.Clone()
	version := c.lastApplied
	onState := c.onState
	c.mu.Unlock()

	if onState != nil {
		onState(snapshot, version)
	}
}

func stampPayload(payload any, now time.Time) any {
	switch p := payload.(type) {
	case protocol.DoRound:
		if p.Timestamp == 0 {
			p.Timestamp = now.UnixMilli()
		}
		return p
	case protocol.ProcessInput:
		if p.Timestamp == 0 {
			p.Timestamp = now.UnixMilli()
		}
		return p
	case protocol.Ping:
		if p.Timestamp == 0 {
			p.Timestamp = now.UnixMilli()
		}
		return p
	default:
		return payload
	}
}
