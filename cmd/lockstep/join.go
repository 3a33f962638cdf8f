package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vovakirdan/lockstep/internal/auth"
	"github.com/vovakirdan/lockstep/internal/client"
	"github.com/vovakirdan/lockstep/internal/config"
	"github.com/vovakirdan/lockstep/internal/platform/tui"
	"github.com/vovakirdan/lockstep/internal/sim"
	"github.com/vovakirdan/lockstep/internal/transport/ws"
)

const (
	ledgerKeep     = 32
	headlessReport = time.Second
)

var (
	flagToken    string
	flagHeadless bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a session as a participant",
	Long: `Join a session with a token printed by 'lockstep create' (or logged by
'lockstep serve' for boot sessions). The client reports its asset loading,
waits for the server to start the session and then executes every tick the
server authorizes. The connection is re-established automatically.

Controls:
  W/A/S/D    - Send a move command
  Space      - Send a fire command
  P          - Pause the local scheduler
  ?          - Toggle help
  Q/Ctrl+C   - Quit

Without a terminal (or with --headless) progress is logged instead.

Examples:
  lockstep join --token eyJhbGciOi...
  lockstep join --server ws://game.example:8080 --token eyJhbGciOi...
  lockstep join --token eyJhbGciOi... --headless`,
	Run: runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&flagServer, "server", "", "Server URL (default: client config server_url)")
	joinCmd.Flags().StringVar(&flagToken, "token", "", "Join token (required)")
	joinCmd.Flags().BoolVar(&flagHeadless, "headless", false, "Log progress instead of showing the monitor")
	_ = joinCmd.MarkFlagRequired("token")
}

func runJoin(_ *cobra.Command, _ []string) {
	cfg, err := config.LoadClient(flagConfig)
	if err != nil {
		fail("loading config: %v", err)
	}
	claims, err := auth.Peek(flagToken)
	if err != nil {
		fail("%v", err)
	}
	server := flagServer
	if server == "" {
		server = cfg.ServerURL
	}
	base := apiBase(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := fetchSummary(ctx, base, claims.Session)
	if err != nil {
		fail("looking up session %s: %v", claims.Session, err)
	}

	headless := flagHeadless || !term.IsTerminal(int(os.Stdout.Fd()))
	logger := newLogger(io.Discard, claims.Participant)
	if headless {
		logger = newLogger(os.Stderr, claims.Participant)
	}

	ledger := sim.NewLedger(ledgerKeep)
	sess := client.NewSession(client.SessionConfig{
		ParticipantID:  claims.Participant,
		TicksPerSecond: summary.TicksPerSecond,
		EchoCommands:   summary.EchoCommands,
		Client:         cfg,
		Logger:         logger,
	}, ledger)
	defer sess.Close()

	connector := client.NewConnector(
		client.JoinURL(wsBase(base), flagToken),
		sess.Channel(),
		client.Backoff{Initial: cfg.Reconnect.InitialBackoff, Max: cfg.Reconnect.MaxBackoff},
		ws.Options{Logger: logger},
		logger,
	)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		if err := connector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			cancel(err)
		}
	}()

	if headless {
		logger.Info("joined", "session", claims.Session, "tps", summary.TicksPerSecond, "echo", summary.EchoCommands)
		runHeadless(ctx, sess, ledger, cfg.Cadence, logger)
	} else {
		err = tui.RunMonitor(tui.MonitorConfig{
			Title:     "lockstep " + claims.Session + " / " + claims.Participant,
			Session:   sess,
			Connector: connector,
			Ledger:    ledger,
			Cadence:   cfg.Cadence,
		})
		if err != nil {
			fail("monitor: %v", err)
		}
	}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		fail("%v", cause)
	}
}

// runHeadless steps the session until ctx is done, logging progress.
func runHeadless(ctx context.Context, sess *client.Session, ledger *sim.Ledger, cadence time.Duration, logger *log.Logger) {
	var lastReport time.Time
	_ = sess.Run(ctx, cadence, func(client.Result) { //nolint:errcheck // ends with ctx
		if time.Since(lastReport) < headlessReport {
			return
		}
		lastReport = time.Now()
		snap := sess.Scheduler().Snapshot()
		st := ledger.State()
		logger.Info("progress",
			"tick", snap.LastProcessedTick,
			"permitted", snap.LastPermittedTick,
			"running", snap.ReallyRunning,
			"commands", st.Commands,
			"hash", st.Hash,
		)
		if snap.LastError != "" {
			logger.Warn("server error", "error", snap.LastError)
		}
	})
	st := ledger.State()
	logger.Info("stopped", "ticks", st.Ticks, "hash", st.Hash)
}
