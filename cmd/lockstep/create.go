package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/lockstep/internal/config"
	"github.com/vovakirdan/lockstep/internal/httpapi"
	"github.com/vovakirdan/lockstep/internal/multiplayer"
)

var (
	flagServer  string
	flagPlayers string
	flagTPS     int
	flagLag     time.Duration
	flagID      string
	flagEcho    bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and print its join tokens",
	Long: `Create a session on a running server. Each participant gets a join
token; hand them out and run 'lockstep join --token <token>'.

Omitted settings fall back to the server's session defaults.

Examples:
  lockstep create --players red,blue
  lockstep create --players red,blue,green --tps 30 --lag 250ms
  lockstep create --players solo --id practice --echo`,
	Run: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&flagServer, "server", "", "Server URL (default: client config server_url)")
	createCmd.Flags().StringVar(&flagPlayers, "players", "", "Comma-separated participant ids (required)")
	createCmd.Flags().IntVar(&flagTPS, "tps", 0, "Ticks per second")
	createCmd.Flags().DurationVar(&flagLag, "lag", 0, "Accepted lag before the session stalls (0 is strict lock-step)")
	createCmd.Flags().StringVar(&flagID, "id", "", "Session id (default: generated)")
	createCmd.Flags().BoolVar(&flagEcho, "echo", false, "Echo commands back to their sender")
	_ = createCmd.MarkFlagRequired("players")
}

func runCreate(cmd *cobra.Command, _ []string) {
	base := apiBase(flagServer)

	spec := config.SessionSpec{
		ID:             flagID,
		TicksPerSecond: flagTPS,
	}
	for _, p := range strings.Split(flagPlayers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			spec.Players = append(spec.Players, p)
		}
	}
	if cmd.Flags().Changed("lag") {
		ms := flagLag.Milliseconds()
		spec.AcceptedLagMs = &ms
	}
	if cmd.Flags().Changed("echo") {
		spec.EchoCommands = &flagEcho
	}

	body, err := json.Marshal(spec)
	if err != nil {
		fail("encoding request: %v", err)
	}

	var resp httpapi.CreateResponse
	if err := callAPI(cmd.Context(), http.MethodPost, base+"/api/sessions", body, &resp); err != nil {
		fail("creating session: %v", err)
	}

	players := make([]string, 0, len(resp.Tokens))
	for p := range resp.Tokens {
		players = append(players, p)
	}
	sort.Strings(players)

	fmt.Printf("Session %s\n\n", resp.SessionID)
	for _, p := range players {
		fmt.Printf("  %-16s %s\n", p, resp.Tokens[p])
	}
	fmt.Println()
	fmt.Println("Join with: lockstep join --token <token>")
}

// apiBase returns the HTTP base URL of the server, defaulting to the client
// config's server_url. Websocket schemes are mapped to their HTTP twins.
func apiBase(server string) string {
	if server == "" {
		cfg, err := config.LoadClient(flagConfig)
		if err != nil {
			fail("loading config: %v", err)
		}
		server = cfg.ServerURL
	}
	server = strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(server, "ws://"):
		return "http://" + strings.TrimPrefix(server, "ws://")
	case strings.HasPrefix(server, "wss://"):
		return "https://" + strings.TrimPrefix(server, "wss://")
	}
	return server
}

// wsBase is the inverse of apiBase.
func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	return base
}

// fetchSummary reads a live session's settings from the server.
func fetchSummary(ctx context.Context, base string, id string) (multiplayer.Summary, error) {
	var sum multiplayer.Summary
	err := callAPI(ctx, http.MethodGet, base+"/api/sessions/"+id, nil, &sum)
	return sum, err
}

// callAPI sends a JSON request and decodes the JSON reply into out. Error
// replies carry {"error": "..."}.
func callAPI(ctx context.Context, method, url string, body []byte, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
