// Command mindrillview attaches a terminal viewer to a running session and
// prints state changes as they arrive.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/mindrill/mindrill/config"
	"github.com/mindrill/mindrill/internal/observability"
	"github.com/mindrill/mindrill/internal/state"
	"github.com/mindrill/mindrill/internal/syncclient"
)

func main() {
	serverURL := flag.String("server", "", "websocket URL of the orchestration server")
	sessionID := flag.String("session", "", "session to join")
	userID := flag.String("user", "viewer", "user identifier")
	moduleType := flag.String("module", "", "drill type to create when the session does not exist")
	rounds := flag.Duration("rounds", 0, "when set, request a round on this interval")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logger := log.New(os.Stdout, "mindrillview ", log.LstdFlags)
	if *sessionID == "" {
		logger.Fatal("-session is required")
	}

	settings := config.FromEnv(config.Default())
	if *serverURL != "" {
		settings.Client.ServerURL = *serverURL
	}
	observability.SetLogger(&observability.StdLogger{Verbose: *verbose})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := syncclient.New(settings.Client,
		syncclient.WithStateHandler(func(replica state.State, version uint64) {
			rendered, err := json.Marshal(replica)
			if err != nil {
				return
			}
			logger.Printf("v%d %s", version, rendered)
		}))
	client.Start()
	defer client.Close()

	readyCtx, readyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readyCancel()
	if err := client.WaitReady(readyCtx); err != nil {
		logger.Fatalf("connect %s: %v", settings.Client.ServerURL, err)
	}
	logger.Printf("connected to %s", settings.Client.ServerURL)

	if err := client.Join(*sessionID, *userID, *moduleType, nil); err != nil {
		logger.Fatalf("join %s: %v", *sessionID, err)
	}

	if *rounds > 0 {
		go func() {
			ticker := time.NewTicker(*rounds)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := client.DoRound(); err != nil {
						logger.Printf("round request: %v", err)
					}
				}
			}
		}()
	}

	<-ctx.Done()
	metrics := client.MetricsSnapshot()
	logger.Printf("done: received=%d deltas=%d stale=%d reconnects=%d",
		metrics.MessagesReceived, metrics.DeltaApplied, metrics.StaleDropped, metrics.Reconnects)
}
