package orchestrator_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindrill/mindrill/errs"
	"github.com/mindrill/mindrill/internal/exercise"
	"github.com/mindrill/mindrill/internal/orchestrator"
	"github.com/mindrill/mindrill/internal/session"
)

func newManager(t *testing.T, cfg orchestrator.Config) *orchestrator.Manager {
	t.Helper()
	m := orchestrator.New(nil, cfg)
	t.Cleanup(m.Shutdown)
	return m
}

func TestCreateAndLookupSession(t *testing.T) {
	m := newManager(t, orchestrator.Config{})

	sess, err := m.CreateSession("sess-1", exercise.NewScoreDrill(), "owner-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", sess.ID())

	found, ok := m.Session("sess-1")
	require.True(t, ok)
	require.Same(t, sess, found)

	_, err = m.CreateSession("sess-1", exercise.NewScoreDrill(), "owner-1")
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestCreateSessionGeneratesID(t *testing.T) {
	m := newManager(t, orchestrator.Config{})

	sess, err := m.CreateSession("", exercise.NewScoreDrill(), "owner-1")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID())
}

func TestAttachClientRecordsMapping(t *testing.T) {
	m := newManager(t, orchestrator.Config{})
	_, err := m.CreateSession("sess-1", exercise.NewScoreDrill(), "owner-1")
	require.NoError(t, err)

	full, err := m.AttachClient("sess-1", "viewer-a")
	require.NoError(t, err)
	require.Equal(t, 0, full["score"])

	sess, ok := m.SessionForClient("viewer-a")
	require.True(t, ok)
	require.Equal(t, "sess-1", sess.ID())

	require.True(t, m.RemoveClient("viewer-a"))
	_, ok = m.SessionForClient("viewer-a")
	require.False(t, ok)
	require.False(t, m.RemoveClient("viewer-a"))
}

func TestAttachClientToUnknownSession(t *testing.T) {
	m := newManager(t, orchestrator.Config{})

	_, err := m.AttachClient("missing", "viewer-a")
	require.True(t, errs.IsNotFound(err))
}

func TestCleanupEvictsOnlyIdleSessions(t *testing.T) {
	m := newManager(t, orchestrator.Config{
		Session: session.Config{IdleTimeout: 50 * time.Millisecond},
	})

	_, err := m.CreateSession("idle", exercise.NewScoreDrill(), "owner-1")
	require.NoError(t, err)
	_, err = m.CreateSession("busy", exercise.NewScoreDrill(), "owner-2")
	require.NoError(t, err)
	_, err = m.AttachClient("busy", "viewer-a")
	require.NoError(t, err)

	// idle has no clients; once its timeout lapses it is evicted, busy stays
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, m.Cleanup())

	_, ok := m.Session("idle")
	require.False(t, ok)
	_, ok = m.Session("busy")
	require.True(t, ok)
}

func TestAttachBeforeTimeoutPreventsEviction(t *testing.T) {
	m := newManager(t, orchestrator.Config{
		Session: session.Config{IdleTimeout: time.Minute},
	})
	_, err := m.CreateSession("sess-1", exercise.NewScoreDrill(), "owner-1")
	require.NoError(t, err)
	_, err = m.AttachClient("sess-1", "viewer-a")
	require.NoError(t, err)

	require.True(t, m.RemoveClient("viewer-a"))
	// still inside the idle window
	require.Equal(t, 0, m.Cleanup())

	_, err = m.AttachClient("sess-1", "viewer-b")
	require.NoError(t, err)
	require.Equal(t, 0, m.Cleanup())
}

func TestShutdownEvictsEverything(t *testing.T) {
	m := orchestrator.New(nil, orchestrator.Config{})
	_, err := m.CreateSession("sess-1", exercise.NewScoreDrill(), "owner-1")
	require.NoError(t, err)
	_, err = m.AttachClient("sess-1", "viewer-a")
	require.NoError(t, err)

	m.Shutdown()

	stats := m.Stats()
	require.Equal(t, 0, stats.ActiveSessions)
	require.Equal(t, 0, stats.ConnectedClients)
	require.EqualValues(t, 1, stats.TotalSessionsCreated)
	require.EqualValues(t, 1, stats.TotalClientsConnected)
	require.Equal(t, 1, stats.PeakSessions)
}
