package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vovakirdan/lockstep/internal/client"
	"github.com/vovakirdan/lockstep/internal/config"
	"github.com/vovakirdan/lockstep/internal/platform/tui"
	"github.com/vovakirdan/lockstep/internal/sim"
)

var flagLocalTPS int

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Run a local session without a server",
	Long: `Run a single-participant session with no server. Ticks run freely at
the local tick rate and commands apply on the next tick. Useful for trying
the client loop and the monitor.

Controls:
  W/A/S/D    - Send a move command
  Space      - Send a fire command
  P          - Pause
  Q/Ctrl+C   - Quit

Examples:
  lockstep play
  lockstep play --tps 60
  lockstep play --headless`,
	Run: runPlay,
}

func init() {
	playCmd.Flags().IntVar(&flagLocalTPS, "tps", 0, "Ticks per second (default: client config local_ticks_per_second)")
	playCmd.Flags().BoolVar(&flagHeadless, "headless", false, "Log progress instead of showing the monitor")
}

func runPlay(_ *cobra.Command, _ []string) {
	cfg, err := config.LoadClient(flagConfig)
	if err != nil {
		fail("loading config: %v", err)
	}

	headless := flagHeadless || !term.IsTerminal(int(os.Stdout.Fd()))
	logger := newLogger(io.Discard, "local")
	if headless {
		logger = newLogger(os.Stderr, "local")
	}

	ledger := sim.NewLedger(ledgerKeep)
	sess := client.NewSession(client.SessionConfig{
		ParticipantID:  "local",
		TicksPerSecond: flagLocalTPS,
		Local:          true,
		Client:         cfg,
		Logger:         logger,
	}, ledger)
	defer sess.Close()

	if headless {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger.Info("local session", "tps", sess.Scheduler().Snapshot().TicksPerSecond)
		runHeadless(ctx, sess, ledger, cfg.Cadence, logger)
		return
	}

	if err := tui.RunMonitor(tui.MonitorConfig{
		Title:   "lockstep local",
		Session: sess,
		Ledger:  ledger,
		Cadence: cfg.Cadence,
	}); err != nil {
		fail("monitor: %v", err)
	}
}
