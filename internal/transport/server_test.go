package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindrill/mindrill/config"
	"github.com/mindrill/mindrill/internal/bus"
	"github.com/mindrill/mindrill/internal/exercise"
	"github.com/mindrill/mindrill/internal/orchestrator"
	"github.com/mindrill/mindrill/internal/protocol"
)

func newTestServer(t *testing.T, cfg config.ServerSettings) (*Server, *bus.Bus) {
	t.Helper()
	eventBus := bus.New(bus.Config{})
	eventBus.Start()
	t.Cleanup(eventBus.Close)

	mgr := orchestrator.New(eventBus, orchestrator.Config{})
	t.Cleanup(mgr.Shutdown)

	srv := NewServer(mgr, exercise.Builtin(), eventBus, cfg)
	t.Cleanup(srv.Shutdown)
	return srv, eventBus
}

func dialTestServer(t *testing.T, srv *Server) Conn {
	t.Helper()
	serverEnd, clientEnd := Pipe()
	go srv.HandleConn(serverEnd)
	t.Cleanup(func() { _ = clientEnd.Close() })
	return clientEnd
}

func sendMsg(t *testing.T, conn Conn, msgType string, payload any) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, data))
}

func readMsg(t *testing.T, conn Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func joinScoreDrill(t *testing.T, conn Conn, sessionID string) protocol.SessionJoined {
	t.Helper()
	sendMsg(t, conn, protocol.TypeJoinSession, protocol.JoinSession{
		SessionID:  sessionID,
		UserID:     "coach",
		ModuleType: "score_drill",
		ClientInfo: protocol.ClientInfo{ClientType: "viewer", ProtocolVersion: protocol.Version},
	})
	env := readMsg(t, conn)
	require.Equal(t, protocol.TypeSessionJoined, env.Type)
	joined, err := protocol.Payload[protocol.SessionJoined](env)
	require.NoError(t, err)
	return joined
}

func TestJoinCreatesSessionAndReturnsFullState(t *testing.T) {
	srv, _ := newTestServer(t, config.Default().Server)
	conn := dialTestServer(t, srv)

	joined := joinScoreDrill(t, conn, "s1")
	require.Equal(t, "s1", joined.SessionID)
	require.Equal(t, uint64(0), joined.StateVersion)
	require.Contains(t, joined.State, "score")
}

func TestProcessInputRepliesAndBroadcastsDelta(t *testing.T) {
	srv, _ := newTestServer(t, config.Default().Server)
	conn := dialTestServer(t, srv)
	joinScoreDrill(t, conn, "s1")

	sendMsg(t, conn, protocol.TypeProcessInput, protocol.ProcessInput{
		SessionID: "s1",
		Input:     map[string]any{"add": 5},
	})

	env := readMsg(t, conn)
	require.Equal(t, protocol.TypeInputProcessed, env.Type)
	processed, err := protocol.Payload[protocol.InputProcessed](env)
	require.NoError(t, err)
	require.Equal(t, float64(5), processed.Result["score"])

	env = readMsg(t, conn)
	require.Equal(t, protocol.TypeStateDelta, env.Type)
	delta, err := protocol.Payload[protocol.StateDelta](env)
	require.NoError(t, err)
	require.Equal(t, uint64(1), delta.StateVersion)
	require.Equal(t, uint64(0), delta.BaseVersion)
	require.Equal(t, float64(5), delta.Changes["score"])
}

func TestDeltaFansOutToAllViewers(t *testing.T) {
	srv, _ := newTestServer(t, config.Default().Server)
	first := dialTestServer(t, srv)
	second := dialTestServer(t, srv)
	joinScoreDrill(t, first, "s1")

	sendMsg(t, second, protocol.TypeJoinSession, protocol.JoinSession{
		SessionID: "s1",
		UserID:    "viewer",
	})
	env := readMsg(t, second)
	require.Equal(t, protocol.TypeSessionJoined, env.Type)

	sendMsg(t, first, protocol.TypeDoRound, protocol.DoRound{SessionID: "s1"})
	env = readMsg(t, first)
	require.Equal(t, protocol.TypeRoundCompleted, env.Type)

	for _, conn := range []Conn{first, second} {
		env = readMsg(t, conn)
		require.Equal(t, protocol.TypeStateDelta, env.Type)
	}
}

func TestGetStateReturnsSnapshot(t *testing.T) {
	srv, _ := newTestServer(t, config.Default().Server)
	conn := dialTestServer(t, srv)
	joinScoreDrill(t, conn, "s1")

	sendMsg(t, conn, protocol.TypeProcessInput, protocol.ProcessInput{
		SessionID: "s1",
		Input:     map[string]any{"add": 3},
	})
	readMsg(t, conn) // input_processed
	readMsg(t, conn) // state_delta

	sendMsg(t, conn, protocol.TypeGetState, protocol.GetState{SessionID: "s1"})
	env := readMsg(t, conn)
	require.Equal(t, protocol.TypeStateUpdate, env.Type)
	update, err := protocol.Payload[protocol.StateUpdate](env)
	require.NoError(t, err)
	require.Equal(t, uint64(1), update.StateVersion)
	require.Equal(t, float64(3), update.State["score"])
}

func TestPingPongEchoesTimestamp(t *testing.T) {
	srv, _ := newTestServer(t, config.Default().Server)
	conn := dialTestServer(t, srv)

	sendMsg(t, conn, protocol.TypePing, protocol.Ping{Timestamp: 42})
	env := readMsg(t, conn)
	require.Equal(t, protocol.TypePong, env.Type)
	pong, err := protocol.Payload[protocol.Pong](env)
	require.NoError(t, err)
	require.Equal(t, int64(42), pong.Timestamp)
}

func TestUnknownSessionReportsError(t *testing.T) {
	srv, _ := newTestServer(t, config.Default().Server)
	conn := dialTestServer(t, srv)

	sendMsg(t, conn, protocol.TypeDoRound, protocol.DoRound{SessionID: "nope"})
	env := readMsg(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
}

func TestInputRateLimit(t *testing.T) {
	cfg := config.Default().Server
	cfg.InputRatePerSec = 1
	cfg.InputBurst = 1
	srv, _ := newTestServer(t, cfg)
	conn := dialTestServer(t, srv)
	joinScoreDrill(t, conn, "s1")

	sendMsg(t, conn, protocol.TypeProcessInput, protocol.ProcessInput{
		SessionID: "s1", Input: map[string]any{"add": 1},
	})
	readMsg(t, conn) // input_processed
	readMsg(t, conn) // state_delta

	sendMsg(t, conn, protocol.TypeProcessInput, protocol.ProcessInput{
		SessionID: "s1", Input: map[string]any{"add": 1},
	})
	env := readMsg(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	msg, err := protocol.Payload[protocol.ErrorMessage](env)
	require.NoError(t, err)
	require.Contains(t, msg.Message, "rate")
}

func TestJoinSurvivesConcurrentEndSession(t *testing.T) {
	srv, _ := newTestServer(t, config.Default().Server)
	owner := dialTestServer(t, srv)
	viewer := dialTestServer(t, srv)

	// Skips session_ended broadcasts left over from earlier iterations.
	nextReply := func(conn Conn) string {
		for {
			env := readMsg(t, conn)
			if env.Type == protocol.TypeSessionEnded {
				continue
			}
			return env.Type
		}
	}

	// The join must resolve cleanly even when the session is torn down
	// mid-join; every attempt gets session_joined or error, never a crash.
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("race-%d", i)
		sendMsg(t, owner, protocol.TypeJoinSession, protocol.JoinSession{
			SessionID:  id,
			UserID:     "coach",
			ModuleType: "score_drill",
			ClientInfo: protocol.ClientInfo{ClientType: "viewer", ProtocolVersion: protocol.Version},
		})
		require.Equal(t, protocol.TypeSessionJoined, nextReply(owner))

		endMsg, err := protocol.Encode(protocol.TypeEndSession, protocol.EndSession{SessionID: id})
		require.NoError(t, err)
		joinMsg, err := protocol.Encode(protocol.TypeJoinSession, protocol.JoinSession{
			SessionID: id,
			UserID:    "viewer",
			ClientInfo: protocol.ClientInfo{
				ClientType:      "viewer",
				ProtocolVersion: protocol.Version,
			},
		})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		go func() { _ = owner.Write(ctx, endMsg) }()
		require.NoError(t, viewer.Write(ctx, joinMsg))

		outcome := nextReply(viewer)
		require.Contains(t,
			[]string{protocol.TypeSessionJoined, protocol.TypeError}, outcome)
		cancel()
	}
}

func TestEndSessionNotifiesViewers(t *testing.T) {
	srv, _ := newTestServer(t, config.Default().Server)
	conn := dialTestServer(t, srv)
	joinScoreDrill(t, conn, "s1")

	sendMsg(t, conn, protocol.TypeEndSession, protocol.EndSession{SessionID: "s1"})
	env := readMsg(t, conn)
	require.Equal(t, protocol.TypeSessionEnded, env.Type)
	ended, err := protocol.Payload[protocol.SessionEnded](env)
	require.NoError(t, err)
	require.Equal(t, "s1", ended.SessionID)
}
