package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/vovakirdan/lockstep/internal/auth"
	"github.com/vovakirdan/lockstep/internal/channel"
	"github.com/vovakirdan/lockstep/internal/clock"
	"github.com/vovakirdan/lockstep/internal/config"
	"github.com/vovakirdan/lockstep/internal/httpapi"
	"github.com/vovakirdan/lockstep/internal/multiplayer"
	"github.com/vovakirdan/lockstep/internal/platform/tui"
	"github.com/vovakirdan/lockstep/internal/storage"
	"github.com/vovakirdan/lockstep/internal/transport/ws"
)

var (
	flagAddr    string
	flagSSHAddr string
	flagHostKey string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	Long: `Run the lockstep server: the HTTP session API, the websocket endpoint
participants join through, and optionally a read-only SSH console listing
live sessions.

Sessions listed under "sessions:" in the server config are created at boot
and their join tokens are logged.

Examples:
  lockstep serve
  lockstep serve --addr :9000
  lockstep serve --ssh :23235                 # Also serve the admin console
  lockstep serve --config ./configs/server.yaml

Connect to the console with:
  ssh localhost -p 23235`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&flagSSHAddr, "ssh", "", "SSH console address (overrides config; empty disables)")
	serveCmd.Flags().StringVar(&flagHostKey, "host-key", "", "SSH host key path (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, err := config.LoadServer(flagConfig)
	if err != nil {
		fail("loading config: %v", err)
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagSSHAddr != "" {
		cfg.SSHAddr = flagSSHAddr
	}
	if flagHostKey != "" {
		cfg.HostKeyPath = flagHostKey
	}
	if flagDBPath != "" {
		cfg.DBPath = flagDBPath
	}

	logger := newLogger(os.Stderr, "lockstep")

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		fail("opening history database: %v", err)
	}
	defer store.Close()

	secret, err := auth.LoadOrCreateSecret(cfg.TokenSecret, store)
	if secret == nil {
		fail("token secret: %v", err)
	}
	if err != nil {
		// Tokens stay valid until restart.
		logger.Warn("token secret not persisted", "error", err)
	}
	issuer := auth.NewIssuer(secret, cfg.TokenTTL)

	mgr := multiplayer.NewManager(multiplayer.ManagerConfig{
		Resolution:    cfg.Scheduler.Resolution,
		StartTimeout:  cfg.Scheduler.StartTimeout,
		CleanupPeriod: cfg.Scheduler.CleanupPeriod,
		Channel: channel.Options{
			IdleKeepAlive: cfg.Channel.IdleKeepAlive,
			AckDelay:      cfg.Channel.AckDelay,
		},
	}, clock.NewReal(), logger)
	mgr.SetHistorySaver(store)

	bootSessions(mgr, issuer, cfg, logger)

	handler := httpapi.NewHandler(httpapi.Config{
		Manager:   mgr,
		Issuer:    issuer,
		History:   store,
		Defaults:  cfg.SessionDefaults,
		Transport: transportOptions(cfg.Transport, logger),
		Logger:    logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session manager stopped", "error", err)
		}
	}()

	if cfg.SSHAddr != "" {
		admin, err := tui.NewAdminServer(tui.AdminServerConfig{
			Address:     cfg.SSHAddr,
			HostKeyPath: cfg.HostKeyPath,
		}, mgr.List, logger)
		if err != nil {
			fail("creating SSH console: %v", err)
		}
		go func() {
			if err := admin.Serve(ctx); err != nil {
				logger.Error("SSH console stopped", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("listening", "addr", cfg.Addr, "sessions", mgr.Count())
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fail("server: %v", err)
	}

	mgr.Stop()
	mgr.Close()
}

// bootSessions creates the sessions listed in the config and logs their
// join tokens.
func bootSessions(mgr *multiplayer.Manager, issuer *auth.Issuer, cfg config.ServerConfig, logger *log.Logger) {
	for _, cs := range cfg.Sessions {
		spec := httpapi.BuildSpec(cfg.SessionDefaults, cs)
		s, err := mgr.Create(spec)
		if err != nil {
			logger.Error("boot session rejected", "session", cs.ID, "error", err)
			continue
		}
		for _, p := range spec.Players {
			token, err := issuer.Issue(string(s.ID()), string(p))
			if err != nil {
				logger.Error("issue token failed", "session", s.ID(), "participant", p, "error", err)
				continue
			}
			logger.Info("join token", "session", s.ID(), "participant", p, "token", token)
		}
	}
}

func transportOptions(c config.TransportConfig, logger *log.Logger) ws.Options {
	return ws.Options{
		SendBuffer:   c.SendBuffer,
		MaxFrameSize: c.MaxFrameSize,
		WriteTimeout: c.WriteTimeout,
		PingPeriod:   c.PingPeriod,
		RateLimit:    rate.Limit(c.RateLimit),
		RateBurst:    c.RateBurst,
		Logger:       logger,
	}
}
