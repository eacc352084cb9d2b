package syncclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindrill/mindrill/config"
	"github.com/mindrill/mindrill/internal/protocol"
	"github.com/mindrill/mindrill/internal/transport"
)

func testSettings() config.ClientSettings {
	cfg := config.Default().Client
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.ReconnectMaxAttempts = 10
	return cfg
}

// pipeDialer fails the first n dials, then hands the server end of a fresh
// pipe to the conns channel on every successful dial.
func pipeDialer(failures int, conns chan transport.Conn) DialFunc {
	var remaining atomic.Int64
	remaining.Store(int64(failures))
	return func(ctx context.Context) (transport.Conn, error) {
		if remaining.Add(-1) >= 0 {
			return nil, fmt.Errorf("dial refused")
		}
		serverEnd, clientEnd := transport.Pipe()
		select {
		case conns <- serverEnd:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return clientEnd, nil
	}
}

func readEnv(t *testing.T, conn transport.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func writeEnv(t *testing.T, conn transport.Conn, msgType string, payload any) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, data))
}

func startClient(t *testing.T, cfg config.ClientSettings, dial DialFunc, opts ...Option) *Client {
	t.Helper()
	c := New(cfg, append(opts, WithDialFunc(dial))...)
	c.Start()
	t.Cleanup(c.Close)
	return c
}

func TestJoinAndVersionOrderedApply(t *testing.T) {
	conns := make(chan transport.Conn, 4)
	c := startClient(t, testSettings(), pipeDialer(0, conns))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	server := <-conns

	require.NoError(t, c.Join("s1", "viewer", "score_drill", nil))
	env := readEnv(t, server)
	require.Equal(t, protocol.TypeJoinSession, env.Type)

	writeEnv(t, server, protocol.TypeSessionJoined, protocol.SessionJoined{
		SessionID:    "s1",
		State:        map[string]any{"score": float64(0)},
		StateVersion: 0,
	})
	require.Eventually(t, func() bool {
		version, replica := c.State()
		return version == 0 && replica["score"] == float64(0)
	}, 2*time.Second, 5*time.Millisecond)

	writeEnv(t, server, protocol.TypeStateDelta, protocol.StateDelta{
		SessionID:    "s1",
		Changes:      map[string]any{"score": float64(5)},
		StateVersion: 1,
		BaseVersion:  0,
	})
	require.Eventually(t, func() bool {
		version, replica := c.State()
		return version == 1 && replica["score"] == float64(5)
	}, 2*time.Second, 5*time.Millisecond)

	// A duplicate and an old frame must not regress the replica.
	writeEnv(t, server, protocol.TypeStateDelta, protocol.StateDelta{
		SessionID: "s1", Changes: map[string]any{"score": float64(99)},
		StateVersion: 1, BaseVersion: 0,
	})
	writeEnv(t, server, protocol.TypeStateDelta, protocol.StateDelta{
		SessionID: "s1", Changes: map[string]any{"score": float64(98)},
		StateVersion: 0, BaseVersion: 0,
	})
	require.Eventually(t, func() bool {
		return c.MetricsSnapshot().StaleDropped == 2
	}, 2*time.Second, 5*time.Millisecond)

	version, replica := c.State()
	require.Equal(t, uint64(1), version)
	require.Equal(t, float64(5), replica["score"])
	require.Equal(t, uint64(1), c.MetricsSnapshot().DeltaApplied)
	require.Equal(t, uint64(1), c.MetricsSnapshot().FullApplied)

	// Reordered delivery: version 3 arrives before version 2. The later
	// frame wins and the earlier one is dropped, not applied out of order.
	writeEnv(t, server, protocol.TypeStateDelta, protocol.StateDelta{
		SessionID: "s1", Changes: map[string]any{"score": float64(12)},
		StateVersion: 3, BaseVersion: 2,
	})
	writeEnv(t, server, protocol.TypeStateDelta, protocol.StateDelta{
		SessionID: "s1", Changes: map[string]any{"score": float64(9)},
		StateVersion: 2, BaseVersion: 1,
	})
	require.Eventually(t, func() bool {
		return c.MetricsSnapshot().StaleDropped == 3
	}, 2*time.Second, 5*time.Millisecond)

	version, replica = c.State()
	require.Equal(t, uint64(3), version)
	require.Equal(t, float64(12), replica["score"])
}

func TestJoiningNewSessionResetsReplica(t *testing.T) {
	conns := make(chan transport.Conn, 4)
	c := startClient(t, testSettings(), pipeDialer(0, conns))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	server := <-conns

	require.NoError(t, c.Join("s1", "viewer", "score_drill", nil))
	env := readEnv(t, server)
	require.Equal(t, protocol.TypeJoinSession, env.Type)
	writeEnv(t, server, protocol.TypeSessionJoined, protocol.SessionJoined{
		SessionID:    "s1",
		State:        map[string]any{"score": float64(0)},
		StateVersion: 0,
	})
	writeEnv(t, server, protocol.TypeStateDelta, protocol.StateDelta{
		SessionID: "s1", Changes: map[string]any{"score": float64(40)},
		StateVersion: 5, BaseVersion: 4,
	})
	require.Eventually(t, func() bool {
		version, _ := c.State()
		return version == 5
	}, 2*time.Second, 5*time.Millisecond)

	// Version ordering is per-session: the snapshot for the new session
	// starts over at zero and must replace the old replica, not be
	// dropped as stale.
	require.NoError(t, c.Join("s2", "viewer", "sequence_recall", nil))
	env = readEnv(t, server)
	require.Equal(t, protocol.TypeJoinSession, env.Type)
	writeEnv(t, server, protocol.TypeSessionJoined, protocol.SessionJoined{
		SessionID:    "s2",
		State:        map[string]any{"round": float64(1)},
		StateVersion: 0,
	})
	require.Eventually(t, func() bool {
		version, replica := c.State()
		_, fresh := replica["round"]
		return version == 0 && fresh
	}, 2*time.Second, 5*time.Millisecond)

	// A straggler delta from the old session must not touch the new
	// replica. The pong afterwards orders the assertion behind it.
	writeEnv(t, server, protocol.TypeStateDelta, protocol.StateDelta{
		SessionID: "s1", Changes: map[string]any{"score": float64(41)},
		StateVersion: 6, BaseVersion: 5,
	})
	writeEnv(t, server, protocol.TypePong, protocol.Pong{Timestamp: 1})
	require.Eventually(t, func() bool {
		return c.MetricsSnapshot().AvgRTTSecs > 0
	}, 2*time.Second, 5*time.Millisecond)

	version, replica := c.State()
	require.Equal(t, uint64(0), version)
	require.NotContains(t, replica, "score")
	require.Equal(t, float64(1), replica["round"])

	// Commands issued after the switch target the new session.
	require.NoError(t, c.DoRound())
	env = readEnv(t, server)
	require.Equal(t, protocol.TypeDoRound, env.Type)
	round, err := protocol.Payload[protocol.DoRound](env)
	require.NoError(t, err)
	require.Equal(t, "s2", round.SessionID)
}

func TestReconnectReplaysJoin(t *testing.T) {
	conns := make(chan transport.Conn, 4)
	c := startClient(t, testSettings(), pipeDialer(2, conns))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	require.Equal(t, StateConnected, c.ConnState())
	server := <-conns

	require.NoError(t, c.Join("s1", "viewer", "score_drill", nil))
	env := readEnv(t, server)
	require.Equal(t, protocol.TypeJoinSession, env.Type)
	writeEnv(t, server, protocol.TypeSessionJoined, protocol.SessionJoined{
		SessionID: "s1", State: map[string]any{"score": float64(0)},
	})

	require.NoError(t, server.Close())

	var next transport.Conn
	select {
	case next = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect")
	}

	env = readEnv(t, next)
	require.Equal(t, protocol.TypeJoinSession, env.Type)
	join, err := protocol.Payload[protocol.JoinSession](env)
	require.NoError(t, err)
	require.Equal(t, "s1", join.SessionID)

	require.Eventually(t, func() bool {
		return c.MetricsSnapshot().Reconnects == 1 && c.ConnState() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGivesUpAfterBoundedAttempts(t *testing.T) {
	cfg := testSettings()
	cfg.ReconnectMaxAttempts = 2
	conns := make(chan transport.Conn, 1)
	c := startClient(t, cfg, pipeDialer(1000, conns))

	require.Eventually(t, func() bool {
		return c.ConnState() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, c.WaitReady(ctx))
}

func TestWatchdogPingsQuietConnection(t *testing.T) {
	cfg := testSettings()
	cfg.WatchdogWarn = 30 * time.Millisecond
	cfg.WatchdogDisconnect = 2 * time.Second
	conns := make(chan transport.Conn, 4)
	c := startClient(t, cfg, pipeDialer(0, conns))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	server := <-conns

	env := readEnv(t, server)
	require.Equal(t, protocol.TypePing, env.Type)
	ping, err := protocol.Payload[protocol.Ping](env)
	require.NoError(t, err)
	require.Positive(t, ping.Timestamp)
}

func TestWatchdogForcesReconnect(t *testing.T) {
	cfg := testSettings()
	cfg.WatchdogWarn = 20 * time.Millisecond
	cfg.WatchdogDisconnect = 60 * time.Millisecond
	conns := make(chan transport.Conn, 4)
	c := startClient(t, cfg, pipeDialer(0, conns))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	<-conns // never answer

	select {
	case <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not force a reconnect")
	}
	require.Eventually(t, func() bool {
		return c.MetricsSnapshot().Reconnects >= 1
	}, 2*time.Second, 5*time.Millisecond)
}
