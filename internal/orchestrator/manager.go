// Package orchestrator maintains the registry of live sessions, maps clients
// to the session they view, and polices session lifecycle.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mindrill/mindrill/errs"
	"github.com/mindrill/mindrill/internal/bus"
	"github.com/mindrill/mindrill/internal/exercise"
	"github.com/mindrill/mindrill/internal/observability"
	"github.com/mindrill/mindrill/internal/session"
	"github.com/mindrill/mindrill/internal/state"
)

// Config carries manager-level lifecycle knobs.
type Config struct {
	// CleanupInterval is the period of the idle-session sweep.
	CleanupInterval time.Duration
	// Session is applied to every session the manager creates.
	Session session.Config
}

func (c Config) normalize() Config {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	return c
}

// Stats is a point-in-time summary of the manager.
type Stats struct {
	ActiveSessions        int
	ConnectedClients      int
	TotalSessionsCreated  uint64
	TotalClientsConnected uint64
	PeakSessions          int
}

// Manager registers sessions, resolves clients to sessions, and periodically
// evicts idle sessions. Its registry lock is distinct from every per-session
// lock, so evicting one idle session never blocks work on another.
type Manager struct {
	cfg   Config
	bus   *bus.Bus
	clock func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	sessions        map[string]*session.Session
	clientToSession map[string]string
	totalSessions   uint64
	totalClients    uint64
	peakSessions    int

	startOnce sync.Once
	closeOnce sync.Once
	errSubID  bus.SubscriptionID

	sessionsCreated metric.Int64Counter
	sessionsEvicted metric.Int64Counter
	clientsAttached metric.Int64Counter
	activeSessions  metric.Int64UpDownCounter
}

// New constructs a manager bound to the given event bus.
func New(eventBus *bus.Bus, cfg Config) *Manager {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:             cfg,
		bus:             eventBus,
		clock:           time.Now,
		ctx:             ctx,
		cancel:          cancel,
		sessions:        make(map[string]*session.Session),
		clientToSession: make(map[string]string),
	}

	meter := otel.Meter("mindrill/orchestrator")
	m.sessionsCreated, _ = meter.Int64Counter("orchestrator.sessions.created",
		metric.WithDescription("Number of sessions created"),
		metric.WithUnit("{session}"))
	m.sessionsEvicted, _ = meter.Int64Counter("orchestrator.sessions.evicted",
		metric.WithDescription("Number of sessions evicted by cleanup or shutdown"),
		metric.WithUnit("{session}"))
	m.clientsAttached, _ = meter.Int64Counter("orchestrator.clients.attached",
		metric.WithDescription("Number of client attachments"),
		metric.WithUnit("{client}"))
	m.activeSessions, _ = meter.Int64UpDownCounter("orchestrator.sessions.active",
		metric.WithDescription("Number of live sessions"),
		metric.WithUnit("{session}"))

	if eventBus != nil {
		m.errSubID = eventBus.Subscribe(bus.EventErrorOccurred, m.handleError, nil)
	}
	return m
}

// Start launches the periodic cleanup sweep.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.cleanupLoop()
	})
}

// CreateSession constructs and registers a session for the owner. An empty
// sessionID gets a generated identifier.
func (m *Manager) CreateSession(sessionID string, module exercise.Module, ownerID string) (*session.Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return nil, errs.New("orchestrator", errs.CodeInvalid,
			errs.WithSession(sessionID), errs.WithMessage("session already exists"))
	}
	sess := session.New(sessionID, module, ownerID, m.bus, m.cfg.Session)
	m.sessions[sessionID] = sess
	m.totalSessions++
	if len(m.sessions) > m.peakSessions {
		m.peakSessions = len(m.sessions)
	}
	m.mu.Unlock()

	m.sessionsCreated.Add(m.ctx, 1)
	m.activeSessions.Add(m.ctx, 1)
	return sess, nil
}

// Session looks up a registered session.
func (m *Manager) Session(sessionID string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// AttachClient attaches a client to a session, records the client->session
// mapping, and returns the current full state.
func (m *Manager) AttachClient(sessionID, clientID string) (state.State, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, errs.New("orchestrator", errs.CodeNotFound,
			errs.WithSession(sessionID), errs.WithMessage("session not found"))
	}

	full, err := sess.AttachClient(clientID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.clientToSession[clientID] = sessionID
	m.totalClients++
	m.mu.Unlock()
	m.clientsAttached.Add(m.ctx, 1)

	if m.bus != nil {
		m.bus.Publish(bus.EventSessionJoined, map[string]any{
			"session_id": sessionID,
			"client_id":  clientID,
			"user_id":    sess.OwnerID(),
			"module_id":  sess.ModuleName(),
		}, false)
	}
	return full, nil
}

// RemoveClient detaches a client from its session and clears the mapping.
func (m *Manager) RemoveClient(clientID string) bool {
	m.mu.Lock()
	sessionID, ok := m.clientToSession[clientID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.clientToSession, clientID)
	sess, live := m.sessions[sessionID]
	m.mu.Unlock()

	if !live {
		return false
	}
	return sess.DetachClient(clientID)
}

// SessionForClient resolves the session a client is attached to.
func (m *Manager) SessionForClient(clientID string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID, ok := m.clientToSession[clientID]
	if !ok {
		return nil, false
	}
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// EndSession shuts down one session on request and clears its client
// mappings.
func (m *Manager) EndSession(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		for clientID, mapped := range m.clientToSession {
			if mapped == sessionID {
				delete(m.clientToSession, clientID)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return errs.New("orchestrator", errs.CodeNotFound,
			errs.WithSession(sessionID), errs.WithMessage("session not found"))
	}

	sess.Shutdown()
	m.sessionsEvicted.Add(m.ctx, 1)
	m.activeSessions.Add(m.ctx, -1)
	return nil
}

// Cleanup evicts every inactive session and returns the count evicted.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	var evicted []*session.Session
	for sessionID, sess := range m.sessions {
		if !sess.Active() {
			evicted = append(evicted, sess)
			delete(m.sessions, sessionID)
			for clientID, mapped := range m.clientToSession {
				if mapped == sessionID {
					delete(m.clientToSession, clientID)
				}
			}
		}
	}
	m.mu.Unlock()

	for _, sess := range evicted {
		sess.Shutdown()
		m.sessionsEvicted.Add(m.ctx, 1)
		m.activeSessions.Add(m.ctx, -1)
		observability.Log().Info("evicted idle session",
			observability.F("session_id", sess.ID()))
	}
	return len(evicted)
}

// Stats summarizes the registry.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveSessions:        len(m.sessions),
		ConnectedClients:      len(m.clientToSession),
		TotalSessionsCreated:  m.totalSessions,
		TotalClientsConnected: m.totalClients,
		PeakSessions:          m.peakSessions,
	}
}

// Shutdown stops the cleanup loop and evicts all sessions unconditionally.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()

		m.mu.Lock()
		remaining := make([]*session.Session, 0, len(m.sessions))
		for _, sess := range m.sessions {
			remaining = append(remaining, sess)
		}
		m.sessions = make(map[string]*session.Session)
		m.clientToSession = make(map[string]string)
		m.mu.Unlock()

		for _, sess := range remaining {
			sess.Shutdown()
			m.sessionsEvicted.Add(context.Background(), 1)
			m.activeSessions.Add(context.Background(), -1)
		}
		if m.bus != nil {
			m.bus.Unsubscribe(bus.EventErrorOccurred, m.errSubID)
		}
	})
}

// cleanupLoop sweeps idle sessions on a fixed interval until Shutdown. A
// failing sweep is reported on the bus and the loop keeps running.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	defer func() {
		if r := recover(); r != nil && m.bus != nil {
			m.bus.Publish(bus.EventErrorOccurred, map[string]any{
				"component": "orchestrator",
				"function":  "sweep",
				"error":     r,
			}, false)
		}
	}()
	if removed := m.Cleanup(); removed > 0 {
		observability.Log().Info("cleanup sweep finished",
			observability.F("evicted", removed))
	}
}

// handleError logs error.occurred events published by sessions and workers.
func (m *Manager) handleError(evt bus.Event) error {
	fields := []observability.Field{
		observability.F("component", evt.Payload["component"]),
		observability.F("function", evt.Payload["function"]),
		observability.F("error", evt.Payload["error"]),
	}
	if sessionID, ok := evt.Payload["session_id"]; ok {
		fields = append(fields, observability.F("session_id", sessionID))
	}
	observability.Log().Error("component fault", fields...)
	return nil
}
