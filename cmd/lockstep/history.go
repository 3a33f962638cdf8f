package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/lockstep/internal/config"
	"github.com/vovakirdan/lockstep/internal/storage"
)

var (
	flagLimit       int
	flagParticipant string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored sessions",
	Long: `List closed sessions from the server's history database.

Examples:
  lockstep history
  lockstep history --limit 5
  lockstep history --participant red
  lockstep history --db ~/.lockstep/history.db`,
	Run: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum sessions to list")
	historyCmd.Flags().StringVar(&flagParticipant, "participant", "", "Only sessions this participant took part in")
}

func runHistory(_ *cobra.Command, _ []string) {
	dbPath := flagDBPath
	if dbPath == "" {
		cfg, err := config.LoadServer(flagConfig)
		if err != nil {
			fail("loading config: %v", err)
		}
		dbPath = cfg.DBPath
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		fail("opening history database: %v", err)
	}
	defer store.Close()

	var records []storage.SessionRecord
	if flagParticipant != "" {
		records, err = store.ParticipantHistory(flagParticipant, flagLimit)
	} else {
		records, err = store.RecentSessions(flagLimit)
	}
	if err != nil {
		fail("retrieving history: %v", err)
	}

	if len(records) == 0 {
		fmt.Println("No sessions recorded yet.")
		return
	}

	fmt.Printf("  %-36s  %-8s  %-9s  %-16s  %s\n", "Session", "Ticks", "Reason", "Closed", "Participants")
	fmt.Printf("  %-36s  %-8s  %-9s  %-16s  %s\n", "-------", "-----", "------", "------", "------------")
	for _, rec := range records {
		parts := make([]string, len(rec.Participants))
		for i, p := range rec.Participants {
			parts[i] = fmt.Sprintf("%s@%d", p.ID, p.LastProcessedTick)
		}
		fmt.Printf("  %-36s  %-8d  %-9s  %-16s  %s\n",
			rec.SessionID,
			rec.FinalTick,
			rec.CloseReason,
			rec.ClosedAt.Local().Format("2006-01-02 15:04"),
			strings.Join(parts, " "),
		)
	}

	stats, err := store.Stats()
	if err != nil {
		return
	}
	reasons := make([]string, 0, len(stats.ByReason))
	for r, n := range stats.ByReason {
		reasons = append(reasons, fmt.Sprintf("%s=%d", r, n))
	}
	sort.Strings(reasons)
	fmt.Println()
	fmt.Printf("Total: %d sessions, %d ticks, longest %d (%s)\n",
		stats.Sessions, stats.TotalTicks, stats.MaxTick, strings.Join(reasons, ", "))
}
