// lockstep runs lock-step synchronized sessions: a server that authorizes
// simulation ticks for every participant, and clients that execute them.
//
// Usage:
//
//	lockstep serve                 - Run the session server
//	lockstep create --players a,b  - Create a session on a server, print join tokens
//	lockstep join --token T        - Join a session as a participant
//	lockstep play                  - Run a local session without a server
//	lockstep history               - List stored sessions
//
// Global flags:
//
//	--config <path>     - Config file (default: searched, then embedded)
//	--log-level <level> - debug, info, warn, error (default: info)
//	--db <path>         - History database path (overrides config)
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	flagConfig   string
	flagLogLevel string
	flagDBPath   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lockstep",
	Short: "Lock-step session server and client",
	Long: `lockstep keeps every participant of a session executing the same
simulation ticks in the same order. The server authorizes ticks at a fixed
rate and holds the whole session back when a participant falls too far
behind; clients never run a tick the server has not authorized.

Available commands:
  serve    - Run the session server (HTTP API, websocket, SSH console)
  create   - Create a session and print its join tokens
  join     - Join a session as a participant
  play     - Run a local session without a server
  history  - List stored sessions

Examples:
  lockstep serve --addr :8080 --ssh :23235
  lockstep create --players red,blue --tps 20
  lockstep join --token eyJhbGciOi...
  lockstep play --tps 30
  lockstep history --limit 5`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config YAML")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "Path to history database (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(historyCmd)
}

// newLogger creates the process logger at the level given by --log-level.
func newLogger(w io.Writer, prefix string) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
	})
	level, err := log.ParseLevel(flagLogLevel)
	if err != nil {
		logger.Warn("unknown log level, using info", "level", flagLogLevel)
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// fail prints an error and exits.
func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
