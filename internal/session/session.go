// Package session owns one running exercise instance and serializes all
// mutating operations against it, producing version-tagged snapshots and
// deltas for attached viewers.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mindrill/mindrill/errs"
	"github.com/mindrill/mindrill/internal/bus"
	"github.com/mindrill/mindrill/internal/exercise"
	"github.com/mindrill/mindrill/internal/observability"
	"github.com/mindrill/mindrill/internal/state"
)

// emaAlpha weighs new samples into the moving processing-time average.
const emaAlpha = 0.1

// Config carries the per-session timing knobs.
type Config struct {
	// IdleTimeout is how long a clientless session stays eligible for reuse
	// before the manager may evict it.
	IdleTimeout time.Duration
	// InputQueueSize bounds the asynchronous input queue.
	InputQueueSize int
	// WorkerIdleTimeout stops the queued-input worker after this long with
	// nothing queued.
	WorkerIdleTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.InputQueueSize <= 0 {
		c.InputQueueSize = 64
	}
	if c.WorkerIdleTimeout <= 0 {
		c.WorkerIdleTimeout = 5 * time.Second
	}
	return c
}

// Metrics is a point-in-time copy of a session's counters.
type Metrics struct {
	RoundCount        uint64
	InputCount        uint64
	ClientCount       int
	AvgProcessingSecs float64
	LastStateVersion  uint64
	StateSizeBytes    int
}

// Info summarizes a session for status reporting.
type Info struct {
	SessionID  string
	OwnerID    string
	ModuleName string
	Active     bool
	LastActive time.Time
	Metrics    Metrics
}

// Session is the single point of serialization for one running exercise. All
// mutating operations and cache reads are mutually exclusive under one lock,
// which is what gives every reader a consistent (state, delta) pair at a
// given version.
type Session struct {
	id      string
	ownerID string
	module  exercise.Module
	bus     *bus.Bus
	cfg     Config
	clock   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	clients    map[string]struct{}
	lastActive time.Time
	version    uint64
	stateCache map[uint64]state.State
	deltaCache map[uint64]state.Delta
	metrics    Metrics
	closed     bool

	inputQueue    chan map[string]any
	workerRunning bool
	workerWG      sync.WaitGroup
	closeOnce     sync.Once

	roundDuration metric.Float64Histogram
	inputDuration metric.Float64Histogram
}

// Option adjusts session construction.
type Option func(*Session)

// WithClock overrides the session clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs a session around a module and publishes session.created.
func New(id string, module exercise.Module, ownerID string, eventBus *bus.Bus, cfg Config, opts ...Option) *Session {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		ownerID:    ownerID,
		module:     module,
		bus:        eventBus,
		cfg:        cfg,
		clock:      time.Now,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[string]struct{}),
		stateCache: make(map[uint64]state.State),
		deltaCache: make(map[uint64]state.Delta),
		inputQueue: make(chan map[string]any, cfg.InputQueueSize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.lastActive = s.clock()

	meter := otel.Meter("mindrill/session")
	s.roundDuration, _ = meter.Float64Histogram("session.round.duration",
		metric.WithDescription("Execution time of training rounds"),
		metric.WithUnit("ms"))
	s.inputDuration, _ = meter.Float64Histogram("session.input.duration",
		metric.WithDescription("Processing time of viewer inputs"),
		metric.WithUnit("ms"))

	s.publish(bus.EventSessionCreated, map[string]any{
		"session_id": id,
		"user_id":    ownerID,
		"module_id":  module.Name(),
	})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// OwnerID returns the identifier of the user who started the exercise.
func (s *Session) OwnerID() string { return s.ownerID }

// ModuleName returns the exercise type identifier.
func (s *Session) ModuleName() string { return s.module.Name() }

// AttachClient adds a viewer and returns the current full state.
func (s *Session) AttachClient(clientID string) (state.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.New("session", errs.CodeUnavailable,
			errs.WithSession(s.id), errs.WithMessage("session is shut down"))
	}
	s.clients[clientID] = struct{}{}
	s.lastActive = s.clock()
	s.metrics.ClientCount = len(s.clients)

	full := s.fullStateLocked()

	s.publish(bus.EventClientJoined, map[string]any{
		"session_id":    s.id,
		"client_id":     clientID,
		"total_clients": len(s.clients),
	})
	return full.Clone(), nil
}

// DetachClient removes a viewer and reports whether it was attached.
func (s *Session) DetachClient(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return false
	}
	delete(s.clients, clientID)
	s.lastActive = s.clock()
	s.metrics.ClientCount = len(s.clients)

	s.publish(bus.EventClientLeft, map[string]any{
		"session_id":    s.id,
		"client_id":     clientID,
		"total_clients": len(s.clients),
	})
	return true
}

// Clients lists the attached client identifiers.
func (s *Session) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// DoRound advances the exercise one round and returns the resulting full
// state and the delta from the previous version. A module fault propagates to
// the caller; bookkeeping still completes.
func (s *Session) DoRound() (state.State, state.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, state.Delta{}, errs.New("session", errs.CodeUnavailable,
			errs.WithSession(s.id), errs.WithMessage("session is shut down"))
	}
	start := s.clock()
	defer func() { s.lastActive = s.clock() }()

	s.publish(bus.EventRoundStarted, map[string]any{
		"session_id": s.id,
		"round":      s.metrics.RoundCount + 1,
		"timestamp":  start.UnixMilli(),
	})

	prev := s.fullStateLocked()
	if err := s.module.Advance(); err != nil {
		return nil, state.Delta{}, errs.New("session", errs.CodeModuleFault,
			errs.WithSession(s.id), errs.WithFunction("DoRound"), errs.WithCause(err))
	}

	elapsed := s.clock().Sub(start)
	s.observeProcessing(elapsed)
	s.roundDuration.Record(s.ctx, float64(elapsed.Milliseconds()))
	s.metrics.RoundCount++

	full, delta := s.advanceVersionLocked(prev)

	s.publish(bus.EventRoundCompleted, map[string]any{
		"session_id":     s.id,
		"round":          s.metrics.RoundCount,
		"execution_time": elapsed.Seconds(),
		"timestamp":      s.clock().UnixMilli(),
	})
	return full.Clone(), delta, nil
}

// ProcessInput feeds one viewer input to the exercise and returns the
// module's result augmented with the processing latency, plus the resulting
// full state and delta.
func (s *Session) ProcessInput(input map[string]any) (map[string]any, state.State, state.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, state.Delta{}, errs.New("session", errs.CodeUnavailable,
			errs.WithSession(s.id), errs.WithMessage("session is shut down"))
	}
	start := s.clock()
	defer func() { s.lastActive = s.clock() }()

	prev := s.fullStateLocked()
	result, err := s.module.ApplyInput(input)
	if err != nil {
		return nil, nil, state.Delta{}, errs.New("session", errs.CodeModuleFault,
			errs.WithSession(s.id), errs.WithFunction("ProcessInput"), errs.WithCause(err))
	}

	elapsed := s.clock().Sub(start)
	s.observeProcessing(elapsed)
	s.inputDuration.Record(s.ctx, float64(elapsed.Milliseconds()))
	s.metrics.InputCount++
	if result == nil {
		result = make(map[string]any, 1)
	}
	result["processing_time"] = elapsed.Seconds()

	full, delta := s.advanceVersionLocked(prev)

	s.publish(bus.EventInputProcessed, map[string]any{
		"session_id":     s.id,
		"result":         result,
		"execution_time": elapsed.Seconds(),
	})
	return result, full.Clone(), delta, nil
}

// QueueInput enqueues an input for asynchronous processing, lazily starting
// the per-session worker.
func (s *Session) QueueInput(input map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("session", errs.CodeUnavailable,
			errs.WithSession(s.id), errs.WithMessage("session is shut down"))
	}
	select {
	case s.inputQueue <- input:
	default:
		return errs.New("session", errs.CodeUnavailable,
			errs.WithSession(s.id), errs.WithMessage("input queue full"))
	}
	if !s.workerRunning {
		s.workerRunning = true
		s.workerWG.Add(1)
		go s.drainInputs()
	}
	return nil
}

// drainInputs processes queued inputs until the queue stays idle past the
// worker timeout. Faults are republished as error.occurred so the worker
// survives bad inputs.
func (s *Session) drainInputs() {
	defer s.workerWG.Done()
	idle := time.NewTimer(s.cfg.WorkerIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case input := <-s.inputQueue:
			if _, _, _, err := s.ProcessInput(input); err != nil {
				s.publish(bus.EventErrorOccurred, map[string]any{
					"session_id": s.id,
					"component":  "session",
					"function":   "drainInputs",
					"error":      err.Error(),
				})
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(s.cfg.WorkerIdleTimeout)
		case <-idle.C:
			s.mu.Lock()
			if len(s.inputQueue) > 0 {
				s.mu.Unlock()
				idle.Reset(s.cfg.WorkerIdleTimeout)
				continue
			}
			s.workerRunning = false
			s.mu.Unlock()
			return
		}
	}
}

// Active reports whether the session still has viewers or recent activity.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return len(s.clients) > 0 || s.clock().Sub(s.lastActive) < s.cfg.IdleTimeout
}

// Version returns the current state version.
func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// CurrentState returns the current version and full state.
func (s *Session) CurrentState() (uint64, state.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, s.fullStateLocked().Clone()
}

// LastDelta returns the delta that produced the current version, if one
// exists (version zero has none).
func (s *Session) LastDelta() (state.Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta, ok := s.deltaCache[s.version]
	return delta.Clone(), ok
}

// MetricsSnapshot copies the session counters.
func (s *Session) MetricsSnapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// InfoSnapshot summarizes the session.
func (s *Session) InfoSnapshot() Info {
	s.mu.Lock()
	active := !s.closed && (len(s.clients) > 0 || s.clock().Sub(s.lastActive) < s.cfg.IdleTimeout)
	info := Info{
		SessionID:  s.id,
		OwnerID:    s.ownerID,
		ModuleName: s.module.Name(),
		Active:     active,
		LastActive: s.lastActive,
		Metrics:    s.metrics,
	}
	s.mu.Unlock()
	return info
}

// Shutdown publishes session.ended, stops the input worker, and releases the
// module.
func (s *Session) Shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		metrics := s.metrics
		s.closed = true
		s.clients = make(map[string]struct{})
		s.stateCache = make(map[uint64]state.State)
		s.deltaCache = make(map[uint64]state.Delta)
		s.mu.Unlock()

		s.publish(bus.EventSessionEnded, map[string]any{
			"session_id": s.id,
			"user_id":    s.ownerID,
			"metrics": map[string]any{
				"round_count":         metrics.RoundCount,
				"input_count":         metrics.InputCount,
				"final_state_version": metrics.LastStateVersion,
			},
		})

		s.cancel()
		s.workerWG.Wait()
		if closer, ok := s.module.(interface{ Close() }); ok {
			closer.Close()
		}
	})
}

// fullStateLocked returns the state at the current version, computing and
// caching it when absent. Callers must hold s.mu.
func (s *Session) fullStateLocked() state.State {
	if cached, ok := s.stateCache[s.version]; ok {
		return cached
	}
	full := s.module.Snapshot()
	if full == nil {
		full = make(state.State)
	}
	s.stateCache[s.version] = full
	s.metrics.LastStateVersion = s.version
	if encoded, err := json.Marshal(full); err == nil {
		s.metrics.StateSizeBytes = len(encoded)
	}
	return full
}

// advanceVersionLocked bumps the version after a successful mutation, prunes
// stale cache entries, caches the new snapshot and delta, and publishes
// state.changed. Callers must hold s.mu.
func (s *Session) advanceVersionLocked(prev state.State) (state.State, state.Delta) {
	s.version++
	s.pruneCachesLocked()
	full := s.fullStateLocked()

	delta := state.Delta{
		Version:     s.version,
		BaseVersion: s.version - 1,
		Changes:     state.Diff(prev, full),
	}
	s.deltaCache[s.version] = delta

	changed := make([]any, 0, len(delta.Changes))
	for path := range delta.Changes {
		changed = append(changed, path)
	}
	s.publish(bus.EventStateChanged, map[string]any{
		"session_id":    s.id,
		"state_version": s.version,
		"changes":       changed,
	})
	return full, delta.Clone()
}

// pruneCachesLocked drops every cache entry except the current version. The
// caches exist to spare concurrent readers recomputation, not as history.
func (s *Session) pruneCachesLocked() {
	for version := range s.stateCache {
		if version != s.version {
			delete(s.stateCache, version)
		}
	}
	for version := range s.deltaCache {
		if version != s.version {
			delete(s.deltaCache, version)
		}
	}
}

func (s *Session) observeProcessing(elapsed time.Duration) {
	s.metrics.AvgProcessingSecs = (1-emaAlpha)*s.metrics.AvgProcessingSecs + emaAlpha*elapsed.Seconds()
}

func (s *Session) publish(eventType string, payload map[string]any) {
	if s.bus == nil {
		observability.Log().Debug("session event without bus", observability.F("type", eventType))
		return
	}
	s.bus.Publish(eventType, payload, false)
}
